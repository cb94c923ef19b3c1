// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/warden-project/warden/lib/codec"
)

// Config holds the parameters for opening a key-value store.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist; the file is created if it does
	// not. Use ":memory:" with PoolSize 1 for tests — each in-memory
	// connection is an independent database, so a larger pool would
	// see different data per connection.
	Path string

	// PoolSize is the number of connections in the pool. If zero or
	// negative, defaults to 4. SQLite serializes writes regardless of
	// pool size; extra connections only help concurrent reads.
	PoolSize int

	// Logger receives operational messages (store open/close, pragma
	// errors). If nil, a no-op logger is used.
	Logger *slog.Logger
}

// Store is a namespaced key-value store backed by SQLite. Values are
// CBOR-encoded via lib/codec. Store is safe for concurrent use.
type Store struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	namespace  TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (namespace, key)
) WITHOUT ROWID;
`

// Open creates a key-value store, applying standard pragmas and the
// schema to every connection. The caller must call Close when done.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("kv: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("kv: opening %s: %w", cfg.Path, err)
	}

	logger.Info("kv store opened", "path", cfg.Path, "pool_size", poolSize)

	return &Store{
		pool:   pool,
		logger: logger,
		path:   cfg.Path,
	}, nil
}

// prepareConnection applies standard pragmas and ensures the schema.
// Runs once per pooled connection, on first use.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("kv: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("kv: creating schema: %w", err)
	}
	return nil
}

// Close closes all connections in the pool. Blocks until all borrowed
// connections are returned.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("kv: closing %s: %w", s.path, err)
	}
	s.logger.Info("kv store closed", "path", s.path)
	return nil
}

// Get reads the value under (namespace, key) into out, which must be
// a pointer. Returns false with a nil error when the key is absent.
func (s *Store) Get(ctx context.Context, namespace, key string, out any) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("kv: get %s/%s: %w", namespace, key, err)
	}
	defer s.pool.Put(conn)

	var raw []byte
	err = sqlitex.Execute(conn, "SELECT value FROM kv WHERE namespace = ? AND key = ?", &sqlitex.ExecOptions{
		Args: []any{namespace, key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			raw = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, raw)
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("kv: get %s/%s: %w", namespace, key, err)
	}
	if raw == nil {
		return false, nil
	}
	if err := codec.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("kv: decoding %s/%s: %w", namespace, key, err)
	}
	return true, nil
}

// Set writes value under (namespace, key), replacing any previous
// value. The write is durable when Set returns nil.
func (s *Store) Set(ctx context.Context, namespace, key string, value any) error {
	encoded, err := codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("kv: encoding %s/%s: %w", namespace, key, err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("kv: set %s/%s: %w", namespace, key, err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO kv (namespace, key, value, updated_at) VALUES (?, ?, ?, ?) "+
			"ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at",
		&sqlitex.ExecOptions{
			Args: []any{namespace, key, encoded, time.Now().UnixMilli()},
		})
	if err != nil {
		return fmt.Errorf("kv: set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes the value under (namespace, key). Returns false when
// the key was not present.
func (s *Store) Delete(ctx context.Context, namespace, key string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("kv: delete %s/%s: %w", namespace, key, err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM kv WHERE namespace = ? AND key = ?", &sqlitex.ExecOptions{
		Args: []any{namespace, key},
	})
	if err != nil {
		return false, fmt.Errorf("kv: delete %s/%s: %w", namespace, key, err)
	}
	return conn.Changes() > 0, nil
}

// List returns the keys in a namespace with the given prefix, in
// lexicographic order. An empty prefix lists the whole namespace.
func (s *Store) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("kv: list %s: %w", namespace, err)
	}
	defer s.pool.Put(conn)

	// Range scan over the primary key: [prefix, prefix+U+10FFFF).
	// This avoids LIKE escaping for keys containing % or _.
	upperBound := prefix + "\U0010FFFF"

	var keys []string
	err = sqlitex.Execute(conn,
		"SELECT key FROM kv WHERE namespace = ? AND key >= ? AND key < ? ORDER BY key",
		&sqlitex.ExecOptions{
			Args: []any{namespace, prefix, upperBound},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				keys = append(keys, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("kv: list %s: %w", namespace, err)
	}
	return keys, nil
}
