// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for deterministic tests. The sync loop
// and anything else with retry backoff or timers takes a clock.Clock
// instead of calling the time package directly, so tests can drive
// time forward explicitly with a FakeClock.
package clock
