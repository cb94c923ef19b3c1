// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"testing"
)

func TestRequestRestart(t *testing.T) {
	coordinator, ctx := NewCoordinator(context.Background())

	if coordinator.WillRestart() {
		t.Error("WillRestart() = true before any request")
	}
	select {
	case <-ctx.Done():
		t.Fatal("context canceled before any request")
	default:
	}

	coordinator.RequestRestart()

	if !coordinator.WillRestart() {
		t.Error("WillRestart() = false after RequestRestart")
	}
	select {
	case <-ctx.Done():
	default:
		t.Error("context not canceled after RequestRestart")
	}
}

func TestRequestShutdown(t *testing.T) {
	coordinator, ctx := NewCoordinator(context.Background())

	coordinator.RequestShutdown()

	select {
	case <-ctx.Done():
	default:
		t.Error("context not canceled after RequestShutdown")
	}
	if coordinator.WillRestart() {
		t.Error("WillRestart() = true after plain shutdown")
	}
}

func TestRestartWinsOverShutdown(t *testing.T) {
	coordinator, _ := NewCoordinator(context.Background())

	coordinator.RequestRestart()
	coordinator.RequestShutdown()

	if !coordinator.WillRestart() {
		t.Error("WillRestart() = false, restart request lost")
	}
}

func TestParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	coordinator, ctx := NewCoordinator(parent)

	cancel()

	select {
	case <-ctx.Done():
	default:
		t.Error("child context not canceled with parent")
	}
	if coordinator.WillRestart() {
		t.Error("WillRestart() = true after parent cancellation")
	}
}
