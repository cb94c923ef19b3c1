// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package bot

import (
	"context"
	"errors"
	"fmt"
)

// Plugin is a unit of bot functionality. Init registers commands and
// log sinks; Close tears them down.
type Plugin interface {
	Name() string
	Init(ctx context.Context, b *Bot) error
	Close() error
}

// InitPlugins initializes plugins in order. On failure, already
// initialized plugins are closed (in reverse order) before the error
// is returned.
func (b *Bot) InitPlugins(ctx context.Context, plugins ...Plugin) error {
	for _, plugin := range plugins {
		if err := plugin.Init(ctx, b); err != nil {
			closeErr := b.ClosePlugins()
			return errors.Join(
				fmt.Errorf("bot: initializing plugin %q: %w", plugin.Name(), err),
				closeErr,
			)
		}
		b.plugins = append(b.plugins, plugin)
		b.logger.Info("plugin initialized", "plugin", plugin.Name())
	}
	return nil
}

// ClosePlugins closes initialized plugins in reverse registration
// order and returns the joined errors.
func (b *Bot) ClosePlugins() error {
	var errs []error
	for i := len(b.plugins) - 1; i >= 0; i-- {
		plugin := b.plugins[i]
		if err := plugin.Close(); err != nil {
			errs = append(errs, fmt.Errorf("bot: closing plugin %q: %w", plugin.Name(), err))
		}
	}
	b.plugins = nil
	return errors.Join(errs...)
}
