// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package logfan provides a slog.Handler that fans records out to a
// set of sinks that can be attached and detached at runtime. The
// binary installs one Fanout as the process logger; plugins that want
// to observe log records (the log relay) attach their sink during
// Init and detach it at teardown. This replaces mutation of a global
// logging registry with an explicit install/uninstall lifecycle owned
// by whoever created the Fanout.
package logfan

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Fanout dispatches each record to a base handler and to every
// attached sink. The base handler (typically the binary's JSON
// handler on stderr) is fixed; sinks come and go.
//
// Fanout is safe for concurrent use. Attach and Detach may be called
// while other goroutines are logging.
type Fanout struct {
	base slog.Handler

	mu    sync.RWMutex
	sinks []slog.Handler
}

// New creates a Fanout over the given base handler.
func New(base slog.Handler) *Fanout {
	return &Fanout{base: base}
}

// Attach adds a sink. Records are delivered to the sink until the
// returned detach function is called. Detach is idempotent.
func (f *Fanout) Attach(sink slog.Handler) (detach func()) {
	f.mu.Lock()
	f.sinks = append(f.sinks, sink)
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			for i, s := range f.sinks {
				if s == sink {
					f.sinks = append(f.sinks[:i], f.sinks[i+1:]...)
					break
				}
			}
		})
	}
}

// Enabled reports whether any handler would accept a record at the
// given level.
func (f *Fanout) Enabled(ctx context.Context, level slog.Level) bool {
	if f.base.Enabled(ctx, level) {
		return true
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, sink := range f.sinks {
		if sink.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle delivers the record to the base handler and every attached
// sink that accepts its level. Sink errors are joined; a failing sink
// never prevents delivery to the others.
func (f *Fanout) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	if f.base.Enabled(ctx, record.Level) {
		if err := f.base.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}

	f.mu.RLock()
	sinks := make([]slog.Handler, len(f.sinks))
	copy(sinks, f.sinks)
	f.mu.RUnlock()

	for _, sink := range sinks {
		if !sink.Enabled(ctx, record.Level) {
			continue
		}
		if err := sink.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WithAttrs returns a Fanout whose base and sinks carry the
// attributes. The derived Fanout shares no sink list with the
// original: sinks attached later to the original are not seen by the
// derived handler.
func (f *Fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	f.mu.RLock()
	defer f.mu.RUnlock()

	derived := &Fanout{base: f.base.WithAttrs(attrs)}
	for _, sink := range f.sinks {
		derived.sinks = append(derived.sinks, sink.WithAttrs(attrs))
	}
	return derived
}

// WithGroup returns a Fanout whose base and sinks open the group.
func (f *Fanout) WithGroup(name string) slog.Handler {
	f.mu.RLock()
	defer f.mu.RUnlock()

	derived := &Fanout{base: f.base.WithGroup(name)}
	for _, sink := range f.sinks {
		derived.sinks = append(derived.sinks, sink.WithGroup(name))
	}
	return derived
}
