// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package bot hosts Warden's plugin modules on top of a Matrix
// session. It runs the /sync long-poll loop, maintains a room
// membership index for role resolution, accepts invites, and
// dispatches prefixed chat commands to registered handlers.
package bot
