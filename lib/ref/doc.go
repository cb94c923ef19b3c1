// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable identity references
// for Matrix entities: user IDs, room IDs, room aliases, and event
// IDs. Raw strings coming from configuration, the key-value store, or
// homeserver responses are parsed into these types at the boundary, so
// the rest of the codebase never passes bare strings where an identity
// is meant.
//
// All types are value types whose zero value is invalid; use IsZero to
// check. They implement encoding.TextMarshaler and TextUnmarshaler so
// JSON (and CBOR via lib/codec) serialization validates on the way in.
package ref
