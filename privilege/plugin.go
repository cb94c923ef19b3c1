// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package privilege

import (
	"context"
	"fmt"
	"strings"

	"github.com/warden-project/warden/bot"
	"github.com/warden-project/warden/lib/ref"
)

// AdminPrivilege gates the privilege administration commands (and the
// restart command). The set must be bootstrapped out of band, e.g. by
// seeding the kv store before first start.
const AdminPrivilege = "shell"

// Plugin exposes the privilege store as bot commands and installs the
// store as the bot's command authorizer.
type Plugin struct {
	store *Store
	bot   *bot.Bot
}

// NewPlugin creates the privilege plugin over a store.
func NewPlugin(store *Store) *Plugin {
	return &Plugin{store: store}
}

func (p *Plugin) Name() string { return "privilege" }

// Init registers the priv command and installs the authorizer.
func (p *Plugin) Init(ctx context.Context, b *bot.Bot) error {
	p.bot = b
	b.SetAuthorizer(p)
	b.RegisterCommand(&bot.Command{
		Name:    "priv",
		Usage:   "priv list | priv new|delete|show <name> | priv add|remove user|role <name> <id>",
		Gate:    AdminPrivilege,
		Handler: p.handle,
	})
	return nil
}

func (p *Plugin) Close() error { return nil }

// Allowed implements bot.Authorizer.
func (p *Plugin) Allowed(ctx context.Context, privilege string, sender ref.UserID, roles []ref.RoomID) (bool, error) {
	return p.store.HasPrivilege(ctx, privilege, Actor{ID: sender, Roles: roles})
}

const usage = "usage: priv list | priv new|delete|show <name> | priv add|remove user|role <name> <id>"

// handle dispatches the priv subcommands. All failures surface as
// UserError so the dispatcher renders them as replies.
func (p *Plugin) handle(ctx context.Context, invocation *bot.Invocation) error {
	args := invocation.Args
	if len(args) == 0 {
		return UserError(usage)
	}

	switch args[0] {
	case "list":
		if len(args) != 1 {
			return UserError(usage)
		}
		names, err := p.store.Names(ctx)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			invocation.Reply(ctx, "no privileges defined")
			return nil
		}
		invocation.Reply(ctx, "privileges: %s", strings.Join(names, ", "))
		return nil

	case "new":
		if len(args) != 2 {
			return UserError(usage)
		}
		if err := p.store.Create(ctx, args[1]); err != nil {
			return err
		}
		invocation.Reply(ctx, "created privilege %q", args[1])
		return nil

	case "delete":
		if len(args) != 2 {
			return UserError(usage)
		}
		if err := p.store.Delete(ctx, args[1]); err != nil {
			return err
		}
		invocation.Reply(ctx, "deleted privilege %q", args[1])
		return nil

	case "show":
		if len(args) != 2 {
			return UserError(usage)
		}
		listing, err := p.show(ctx, args[1])
		if err != nil {
			return err
		}
		invocation.Reply(ctx, "%s", listing)
		return nil

	case "add":
		return p.mutate(ctx, invocation, args[1:], true)

	case "remove":
		return p.mutate(ctx, invocation, args[1:], false)

	default:
		return UserError(usage)
	}
}

// mutate handles "priv add|remove user|role <name> <id>".
func (p *Plugin) mutate(ctx context.Context, invocation *bot.Invocation, args []string, add bool) error {
	if len(args) != 3 {
		return UserError(usage)
	}
	kind, name, rawID := args[0], args[1], args[2]

	verb := "removed"
	preposition := "from"
	if add {
		verb = "added"
		preposition = "to"
	}

	switch kind {
	case "user":
		userID, err := ref.ParseUserID(rawID)
		if err != nil {
			return UserError(fmt.Sprintf("invalid user ID %q", rawID))
		}
		if add {
			err = p.store.AddUser(ctx, name, userID)
		} else {
			err = p.store.RemoveUser(ctx, name, userID)
		}
		if err != nil {
			return err
		}
		invocation.Reply(ctx, "%s user %s %s privilege %q", verb, userID, preposition, name)
		return nil

	case "role":
		roleID, err := ref.ParseRoomID(rawID)
		if err != nil {
			return UserError(fmt.Sprintf("invalid role room ID %q", rawID))
		}
		if add {
			err = p.store.AddRole(ctx, name, roleID)
		} else {
			err = p.store.RemoveRole(ctx, name, roleID)
		}
		if err != nil {
			return err
		}
		invocation.Reply(ctx, "%s role %s %s privilege %q", verb, roleID, preposition, name)
		return nil

	default:
		return UserError(usage)
	}
}

// show renders the member listing for a privilege set, resolving user
// display names where the homeserver has them.
func (p *Plugin) show(ctx context.Context, name string) (string, error) {
	users, roles, err := p.store.Members(ctx, name)
	if err != nil {
		return "", err
	}
	if len(users) == 0 && len(roles) == 0 {
		return fmt.Sprintf("privilege %q has no members", name), nil
	}

	var lines []string
	lines = append(lines, fmt.Sprintf("privilege %q:", name))
	for _, user := range users {
		display, err := p.bot.Session().GetDisplayName(ctx, user)
		if err != nil || display == "" {
			lines = append(lines, fmt.Sprintf("  user %s", user))
			continue
		}
		lines = append(lines, fmt.Sprintf("  user %s (%s)", display, user))
	}
	for _, role := range roles {
		lines = append(lines, fmt.Sprintf("  role %s", role))
	}
	return strings.Join(lines, "\n"), nil
}
