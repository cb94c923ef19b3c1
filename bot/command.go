// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/warden-project/warden/lib/ref"
	"github.com/warden-project/warden/messaging"
)

// Command is a chat command a plugin registers with the bot. The body
// "<prefix><name> <args...>" routes to Handler.
type Command struct {
	// Name is the first token after the command prefix.
	Name string

	// Usage is the argument synopsis shown on malformed invocations,
	// e.g. "priv add user <name> <user>".
	Usage string

	// Gate names the privilege required to invoke the command. Empty
	// means ungated.
	Gate string

	// Handler runs the command. Returning an error with a
	// UserMessage() string method sends that text as the reply; any
	// other error is logged and answered generically.
	Handler func(ctx context.Context, invocation *Invocation) error
}

// Invocation carries one command invocation to its handler.
type Invocation struct {
	Bot    *Bot
	Room   ref.RoomID
	Sender ref.UserID
	// Roles are the role rooms the sender belongs to; nil when the
	// command arrived via a direct chat.
	Roles []ref.RoomID
	// Args are the tokens after the command name.
	Args []string
}

// Reply answers the invocation in its room.
func (inv *Invocation) Reply(ctx context.Context, format string, args ...any) {
	inv.Bot.Reply(ctx, inv.Room, fmt.Sprintf(format, args...))
}

// Authorizer decides whether an actor holds a named privilege. The
// privilege plugin installs itself as the bot's Authorizer.
type Authorizer interface {
	Allowed(ctx context.Context, privilege string, sender ref.UserID, roles []ref.RoomID) (bool, error)
}

// RegisterCommand adds a command to the dispatch table. Registering a
// duplicate name is a programming error and panics.
func (b *Bot) RegisterCommand(command *Command) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.commands[command.Name]; exists {
		panic(fmt.Sprintf("bot: command %q registered twice", command.Name))
	}
	b.commands[command.Name] = command
}

// SetAuthorizer installs the privilege checker gated commands consult.
func (b *Bot) SetAuthorizer(auth Authorizer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.auth = auth
}

// userFacing is the contract for errors whose text is shown to the
// command's sender (privilege.UserError implements it).
type userFacing interface {
	UserMessage() string
}

// maybeDispatch routes a timeline event to a command handler if it is
// a prefixed command message from someone other than the bot.
func (b *Bot) maybeDispatch(ctx context.Context, roomID ref.RoomID, event messaging.Event) {
	if event.Sender == b.session.UserID() {
		return
	}
	body, ok := event.MessageBody()
	if !ok || !strings.HasPrefix(body, b.prefix) {
		return
	}

	tokens := strings.Fields(strings.TrimPrefix(body, b.prefix))
	if len(tokens) == 0 {
		return
	}
	name := tokens[0]

	b.mu.RLock()
	command := b.commands[name]
	auth := b.auth
	b.mu.RUnlock()
	if command == nil {
		b.logger.Debug("ignoring unknown command", "command", name, "room_id", roomID)
		return
	}

	invocation := &Invocation{
		Bot:    b,
		Room:   roomID,
		Sender: event.Sender,
		Roles:  b.rolesOf(roomID, event.Sender),
		Args:   tokens[1:],
	}

	if command.Gate != "" {
		allowed := false
		if auth != nil {
			var err error
			allowed, err = auth.Allowed(ctx, command.Gate, invocation.Sender, invocation.Roles)
			if err != nil {
				b.logger.Error("privilege check failed",
					"command", name,
					"sender", invocation.Sender,
					"error", err,
				)
				invocation.Reply(ctx, "internal error")
				return
			}
		}
		if !allowed {
			b.logger.Info("command denied",
				"command", name,
				"sender", invocation.Sender,
				"privilege", command.Gate,
			)
			invocation.Reply(ctx, "you do not have permission to do that")
			return
		}
	}

	if err := command.Handler(ctx, invocation); err != nil {
		var user userFacing
		if errors.As(err, &user) {
			invocation.Reply(ctx, "%s", user.UserMessage())
			return
		}
		b.logger.Error("command failed",
			"command", name,
			"sender", invocation.Sender,
			"error", err,
		)
		invocation.Reply(ctx, "internal error")
	}
}
