// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package logrelay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/warden-project/warden/bot"
	"github.com/warden-project/warden/lib/kv"
	"github.com/warden-project/warden/lib/logfan"
	"github.com/warden-project/warden/lib/ref"
	"github.com/warden-project/warden/privilege"
)

// PluginConfig configures the relay plugin.
type PluginConfig struct {
	// Fanout is the process log fan-out the relay handler attaches to.
	Fanout *logfan.Fanout

	// KV stores the destination room.
	KV *kv.Store

	// Level is the minimum level relayed. Default: slog.LevelError.
	Level slog.Leveler
}

// Plugin attaches the relay handler to the process log fan-out for
// the bot's lifetime and provides the logchannel command for managing
// the destination room.
type Plugin struct {
	config PluginConfig
	detach func()
}

// NewPlugin creates the log relay plugin.
func NewPlugin(config PluginConfig) *Plugin {
	return &Plugin{config: config}
}

func (p *Plugin) Name() string { return "logrelay" }

// Init builds the handler over the bot's session and attaches it.
func (p *Plugin) Init(ctx context.Context, b *bot.Bot) error {
	handler := NewHandler(Config{
		Session:  b.Session(),
		KV:       p.config.KV,
		Level:    p.config.Level,
		Fallback: b.Logger(),
	})
	p.detach = p.config.Fanout.Attach(handler)

	b.RegisterCommand(&bot.Command{
		Name:    "logchannel",
		Usage:   "logchannel [<room ID>|off]",
		Gate:    privilege.AdminPrivilege,
		Handler: p.handleLogChannel,
	})
	return nil
}

// Close detaches the handler from the fan-out. Records already queued
// are still drained by the running forwarder.
func (p *Plugin) Close() error {
	if p.detach != nil {
		p.detach()
	}
	return nil
}

// handleLogChannel shows, sets, or clears the relay destination.
func (p *Plugin) handleLogChannel(ctx context.Context, invocation *bot.Invocation) error {
	switch len(invocation.Args) {
	case 0:
		var raw string
		found, err := p.config.KV.Get(ctx, Namespace, ChannelKey, &raw)
		if err != nil {
			return fmt.Errorf("logrelay: reading channel: %w", err)
		}
		if !found {
			invocation.Reply(ctx, "log relay is off")
			return nil
		}
		invocation.Reply(ctx, "log relay channel is %s", raw)
		return nil

	case 1:
		if invocation.Args[0] == "off" {
			if _, err := p.config.KV.Delete(ctx, Namespace, ChannelKey); err != nil {
				return fmt.Errorf("logrelay: clearing channel: %w", err)
			}
			invocation.Reply(ctx, "log relay turned off")
			return nil
		}
		roomID, err := ref.ParseRoomID(invocation.Args[0])
		if err != nil {
			return privilege.UserError(fmt.Sprintf("invalid room ID %q", invocation.Args[0]))
		}
		if err := p.config.KV.Set(ctx, Namespace, ChannelKey, roomID.String()); err != nil {
			return fmt.Errorf("logrelay: setting channel: %w", err)
		}
		invocation.Reply(ctx, "log relay channel set to %s", roomID)
		return nil

	default:
		return privilege.UserError("usage: logchannel [<room ID>|off]")
	}
}
