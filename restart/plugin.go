// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package restart provides the bot command that restarts the warden
// process in place.
package restart

import (
	"context"

	"github.com/warden-project/warden/bot"
	"github.com/warden-project/warden/lifecycle"
	"github.com/warden-project/warden/privilege"
)

// Plugin registers the restart command. Invoking it acknowledges in
// the room and requests a restart from the lifecycle coordinator,
// which cancels the root context and re-execs the binary after
// cleanup.
type Plugin struct {
	coordinator *lifecycle.Coordinator
}

// NewPlugin creates the restart plugin over the process coordinator.
func NewPlugin(coordinator *lifecycle.Coordinator) *Plugin {
	return &Plugin{coordinator: coordinator}
}

func (p *Plugin) Name() string { return "restart" }

func (p *Plugin) Init(ctx context.Context, b *bot.Bot) error {
	b.RegisterCommand(&bot.Command{
		Name:    "restart",
		Usage:   "restart",
		Gate:    privilege.AdminPrivilege,
		Handler: p.handle,
	})
	return nil
}

func (p *Plugin) Close() error { return nil }

func (p *Plugin) handle(ctx context.Context, invocation *bot.Invocation) error {
	// Acknowledge before the restart tears the session down.
	invocation.Reply(ctx, "restarting")
	p.coordinator.RequestRestart()
	return nil
}
