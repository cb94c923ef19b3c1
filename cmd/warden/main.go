// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Command warden runs the Warden chat-ops bot: a Matrix bot hosting
// the privilege, log relay, and restart plugins.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/warden-project/warden/bot"
	"github.com/warden-project/warden/lib/config"
	"github.com/warden-project/warden/lib/kv"
	"github.com/warden-project/warden/lib/logfan"
	"github.com/warden-project/warden/lib/process"
	"github.com/warden-project/warden/lib/ref"
	"github.com/warden-project/warden/lib/version"
	"github.com/warden-project/warden/lifecycle"
	"github.com/warden-project/warden/logrelay"
	"github.com/warden-project/warden/messaging"
	"github.com/warden-project/warden/privilege"
	"github.com/warden-project/warden/restart"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		grantAdmin  string
		showVersion bool
	)
	pflag.StringVar(&configPath, "config", "", "path to the config file (default: $WARDEN_CONFIG)")
	pflag.StringVar(&grantAdmin, "grant-admin", "", "user ID to add to the \"shell\" privilege at startup (bootstrap)")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("warden %s\n", version.Info())
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// The fan-out is the process log root: JSON to stderr always, the
	// relay sink attached for the bot's lifetime.
	fanout := logfan.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	logger := slog.New(fanout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coordinator, ctx := lifecycle.NewCoordinator(ctx)

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	store, err := kv.Open(kv.Config{
		Path:   filepath.Join(cfg.StateDir, "warden.db"),
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	privStore := privilege.NewStore(store)
	if grantAdmin != "" {
		if err := bootstrapAdmin(ctx, privStore, grantAdmin); err != nil {
			return err
		}
	}

	token, err := cfg.ReadToken()
	if err != nil {
		return err
	}
	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.Homeserver.URL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	session, err := client.SessionFromToken(ctx, token)
	if err != nil {
		return err
	}
	defer session.Close()

	if session.UserID().String() != cfg.Homeserver.UserID {
		return fmt.Errorf("token belongs to %s, config expects %s",
			session.UserID(), cfg.Homeserver.UserID)
	}
	logger.Info("matrix session valid", "user_id", session.UserID())

	roleRooms, err := parseRoleRooms(cfg.RoleRooms)
	if err != nil {
		return err
	}

	b, err := bot.New(bot.Config{
		Session:       session,
		CommandPrefix: cfg.CommandPrefix,
		RoleRooms:     roleRooms,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	err = b.InitPlugins(ctx,
		privilege.NewPlugin(privStore),
		logrelay.NewPlugin(logrelay.PluginConfig{
			Fanout: fanout,
			KV:     store,
			Level:  relayLevel(cfg.LogRelay.Level),
		}),
		restart.NewPlugin(coordinator),
	)
	if err != nil {
		return err
	}

	runErr := b.Run(ctx)
	if closeErr := b.ClosePlugins(); closeErr != nil {
		logger.Error("plugin teardown failed", "error", closeErr)
	}
	session.Close()
	if runErr != nil {
		return runErr
	}

	// Single exit point: if a restart was requested, Finish replaces
	// the process image and never returns.
	coordinator.Finish(logger.With(logrelay.Suppress()))
	return nil
}

// bootstrapAdmin ensures the admin privilege set exists and contains
// the given user. Used on first start, before any admin exists to run
// priv commands.
func bootstrapAdmin(ctx context.Context, store *privilege.Store, rawUserID string) error {
	userID, err := ref.ParseUserID(rawUserID)
	if err != nil {
		return fmt.Errorf("--grant-admin: %w", err)
	}
	exists, err := store.Exists(ctx, privilege.AdminPrivilege)
	if err != nil {
		return err
	}
	if !exists {
		if err := store.Create(ctx, privilege.AdminPrivilege); err != nil {
			return err
		}
	}
	err = store.AddUser(ctx, privilege.AdminPrivilege, userID)
	if err != nil {
		if _, alreadyListed := privilege.AsUserError(err); alreadyListed {
			return nil
		}
		return err
	}
	slog.Info("granted admin privilege", "user_id", userID)
	return nil
}

func parseRoleRooms(raw []string) ([]ref.RoomID, error) {
	rooms := make([]ref.RoomID, 0, len(raw))
	for _, entry := range raw {
		roomID, err := ref.ParseRoomID(entry)
		if err != nil {
			return nil, fmt.Errorf("role_rooms: %w", err)
		}
		rooms = append(rooms, roomID)
	}
	return rooms, nil
}

func relayLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
