// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/warden-project/warden/lib/clock"
	"github.com/warden-project/warden/lib/ref"
	"github.com/warden-project/warden/messaging"
)

// Config configures a Bot.
type Config struct {
	// Session is the authenticated Matrix session the bot operates
	// over.
	Session *messaging.Session

	// CommandPrefix introduces a chat command. Default: "!".
	CommandPrefix string

	// RoleRooms are the rooms whose joined membership confers a role.
	// An actor's roles are the role rooms they are currently in.
	RoleRooms []ref.RoomID

	// SyncTimeout is the /sync long-poll timeout in milliseconds.
	// Default: 30000.
	SyncTimeout int

	// MaxBackoff caps the retry delay on /sync errors. The loop backs
	// off exponentially from 1 second. Default: 30 seconds.
	MaxBackoff time.Duration

	// Clock abstracts time for the backoff delays. Default: real time.
	Clock clock.Clock

	// Logger receives the bot's structured logs. Default:
	// slog.Default().
	Logger *slog.Logger
}

// Bot hosts plugins over a Matrix session. Create with New, register
// plugins with InitPlugins, then call Run.
type Bot struct {
	session     *messaging.Session
	prefix      string
	roleRooms   []ref.RoomID
	syncTimeout int
	maxBackoff  time.Duration
	clk         clock.Clock
	logger      *slog.Logger

	mu       sync.RWMutex
	commands map[string]*Command
	auth     Authorizer
	members  map[ref.RoomID]map[ref.UserID]struct{}

	plugins []Plugin
}

// New creates a Bot. The session must already be authenticated.
func New(config Config) (*Bot, error) {
	if config.Session == nil {
		return nil, fmt.Errorf("bot: Session is required")
	}
	prefix := config.CommandPrefix
	if prefix == "" {
		prefix = "!"
	}
	syncTimeout := config.SyncTimeout
	if syncTimeout == 0 {
		syncTimeout = 30000
	}
	maxBackoff := config.MaxBackoff
	if maxBackoff == 0 {
		maxBackoff = 30 * time.Second
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Bot{
		session:     config.Session,
		prefix:      prefix,
		roleRooms:   config.RoleRooms,
		syncTimeout: syncTimeout,
		maxBackoff:  maxBackoff,
		clk:         clk,
		logger:      logger,
		commands:    make(map[string]*Command),
		members:     make(map[ref.RoomID]map[ref.UserID]struct{}),
	}, nil
}

// Session returns the underlying Matrix session.
func (b *Bot) Session() *messaging.Session {
	return b.session
}

// Logger returns the bot's logger.
func (b *Bot) Logger() *slog.Logger {
	return b.logger
}

// Run performs the initial sync, builds the membership index, and
// then long-polls /sync until ctx is cancelled. Commands are only
// dispatched from incremental syncs; messages already in the timeline
// at startup are not replayed.
func (b *Bot) Run(ctx context.Context) error {
	initial, err := b.session.Sync(ctx, messaging.SyncOptions{})
	if err != nil {
		return fmt.Errorf("bot: initial sync: %w", err)
	}
	b.process(ctx, initial, false)
	since := initial.NextBatch

	b.logger.Info("bot running",
		"user_id", b.session.UserID(),
		"rooms", len(initial.Rooms.Join),
	)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		response, err := b.session.Sync(ctx, messaging.SyncOptions{
			Since:      since,
			Timeout:    b.syncTimeout,
			SetTimeout: true,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Error("sync failed, retrying", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-b.clk.After(backoff):
			}
			backoff *= 2
			if backoff > b.maxBackoff {
				backoff = b.maxBackoff
			}
			continue
		}

		backoff = time.Second
		since = response.NextBatch
		b.process(ctx, response, true)
	}
}

// process applies one sync response: accepts invites, updates the
// membership index, and (when dispatch is set) routes command
// messages.
func (b *Bot) process(ctx context.Context, response messaging.SyncResponse, dispatch bool) {
	for roomID := range response.Rooms.Invite {
		b.logger.Info("accepting room invite", "room_id", roomID)
		if err := b.session.JoinRoom(ctx, roomID); err != nil {
			b.logger.Error("failed to accept room invite",
				"room_id", roomID,
				"error", err,
			)
		}
	}

	for roomID, room := range response.Rooms.Join {
		for _, event := range room.State.Events {
			b.applyMemberEvent(roomID, event)
		}
		for _, event := range room.Timeline.Events {
			b.applyMemberEvent(roomID, event)
			if dispatch {
				b.maybeDispatch(ctx, roomID, event)
			}
		}
	}

	for roomID := range response.Rooms.Leave {
		b.mu.Lock()
		delete(b.members, roomID)
		b.mu.Unlock()
	}
}

// applyMemberEvent updates the membership index from an
// m.room.member state event.
func (b *Bot) applyMemberEvent(roomID ref.RoomID, event messaging.Event) {
	if event.Type != "m.room.member" || event.StateKey == nil {
		return
	}
	userID, err := ref.ParseUserID(*event.StateKey)
	if err != nil {
		return
	}
	membership, _ := event.Content["membership"].(string)

	b.mu.Lock()
	defer b.mu.Unlock()
	switch membership {
	case "join":
		if b.members[roomID] == nil {
			b.members[roomID] = make(map[ref.UserID]struct{})
		}
		b.members[roomID][userID] = struct{}{}
	default:
		delete(b.members[roomID], userID)
	}
}

// rolesOf resolves an actor's roles: the configured role rooms the
// actor is currently joined to. Returns nil when the command room is
// a direct chat, so privilege role checks are skipped there.
func (b *Bot) rolesOf(roomID ref.RoomID, userID ref.UserID) []ref.RoomID {
	b.mu.RLock()
	defer b.mu.RUnlock()

	// A direct chat has at most the actor and the bot in it.
	if len(b.members[roomID]) <= 2 {
		return nil
	}

	roles := make([]ref.RoomID, 0, len(b.roleRooms))
	for _, roleRoom := range b.roleRooms {
		if _, ok := b.members[roleRoom][userID]; ok {
			roles = append(roles, roleRoom)
		}
	}
	return roles
}

// Reply sends a notice to a room. Send failures are logged, not
// returned; a reply that cannot be delivered has no one to report to.
func (b *Bot) Reply(ctx context.Context, roomID ref.RoomID, text string) {
	if _, err := b.session.SendMessage(ctx, roomID, messaging.NewNoticeMessage(text)); err != nil {
		b.logger.Error("failed to send reply", "room_id", roomID, "error", err)
	}
}
