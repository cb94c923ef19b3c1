// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle coordinates in-place restart of the warden
// process. Any component holding the Coordinator can request a
// restart; the process main loop shuts down cleanly and, if a restart
// was requested, replaces itself with a fresh copy of the binary via
// exec. The process keeps its PID, so supervisors see an uninterrupted
// service.
package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Coordinator tracks whether a restart has been requested and drives
// shutdown of the root context. It is safe for concurrent use.
type Coordinator struct {
	restart atomic.Bool
	cancel  context.CancelFunc
}

// NewCoordinator creates a Coordinator wrapping the given context.
// The returned context is canceled when RequestRestart or
// RequestShutdown is called.
func NewCoordinator(parent context.Context) (*Coordinator, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &Coordinator{cancel: cancel}, ctx
}

// RequestRestart asks the process to shut down and replace itself
// with a fresh copy of the binary. The actual exec happens in Finish,
// after the caller has completed its cleanup.
func (c *Coordinator) RequestRestart() {
	c.restart.Store(true)
	c.cancel()
}

// RequestShutdown asks the process to shut down without restarting.
func (c *Coordinator) RequestShutdown() {
	c.cancel()
}

// WillRestart reports whether a restart has been requested.
func (c *Coordinator) WillRestart() bool {
	return c.restart.Load()
}

// Finish completes the lifecycle after cleanup. If a restart was
// requested it replaces the current process image with a fresh
// invocation of the same binary, arguments, and environment. On exec
// failure, or when no restart was requested, Finish returns and the
// caller exits normally.
func (c *Coordinator) Finish(logger *slog.Logger) {
	if !c.restart.Load() {
		return
	}

	executable, err := os.Executable()
	if err != nil {
		logger.Error("restart: cannot resolve executable path", "error", err)
		return
	}

	logger.Info("restarting", "executable", executable)

	// Exec does not return on success: the process image is replaced
	// in place and the PID is preserved.
	if err := unix.Exec(executable, os.Args, os.Environ()); err != nil {
		logger.Error("restart: exec failed", "error", err, "executable", executable)
	}
}
