// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package kv provides the generic namespaced key-value store that
// plugin configuration and state persist through. Each plugin owns a
// namespace; within it, keys map to CBOR-encoded values (lib/codec).
//
// Storage is a single SQLite database opened through a fixed-size
// connection pool with WAL journaling and a busy timeout, so
// concurrent readers never block and writes are serialized by SQLite
// itself. All operations are synchronous: when Set returns nil, the
// row is durably written.
package kv
