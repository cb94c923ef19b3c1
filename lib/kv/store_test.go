// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package kv_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/warden-project/warden/lib/kv"
)

// openTestStore opens a store backed by a file in a per-test temp
// directory, closed automatically at test cleanup.
func openTestStore(t *testing.T) *kv.Store {
	t.Helper()
	store, err := kv.Open(kv.Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return store
}

func TestSetGetRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	original := []string{"@alice:local", "@bob:local"}
	if err := store.Set(ctx, "privileges", "shell/users", original); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var decoded []string
	found, err := store.Get(ctx, "privileges", "shell/users", &decoded)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("Get: key not found after Set")
	}
	if len(decoded) != 2 || decoded[0] != "@alice:local" || decoded[1] != "@bob:local" {
		t.Errorf("Get = %v, want %v", decoded, original)
	}
}

func TestGetMissingKey(t *testing.T) {
	store := openTestStore(t)

	var out string
	found, err := store.Get(context.Background(), "privileges", "nope", &out)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Error("Get reported a missing key as found")
	}
}

func TestSetReplaces(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "logrelay", "channel", "!first:local"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Set(ctx, "logrelay", "channel", "!second:local"); err != nil {
		t.Fatalf("Set (replace): %v", err)
	}

	var channel string
	found, err := store.Get(ctx, "logrelay", "channel", &channel)
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if channel != "!second:local" {
		t.Errorf("channel = %q, want %q", channel, "!second:local")
	}
}

func TestDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "ns", "key", 42); err != nil {
		t.Fatalf("Set: %v", err)
	}

	deleted, err := store.Delete(ctx, "ns", "key")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !deleted {
		t.Error("Delete of existing key reported not found")
	}

	var out int
	found, err := store.Get(ctx, "ns", "key", &out)
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if found {
		t.Error("key still present after Delete")
	}

	deleted, err = store.Delete(ctx, "ns", "key")
	if err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if deleted {
		t.Error("Delete of absent key reported found")
	}
}

func TestNamespaceIsolation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "one", "shared", "a"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Set(ctx, "two", "shared", "b"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var value string
	if _, err := store.Get(ctx, "one", "shared", &value); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if value != "a" {
		t.Errorf("namespace one value = %q, want %q", value, "a")
	}
}

func TestListWithPrefix(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	entries := map[string]int{
		"shell/users": 1,
		"shell/roles": 2,
		"mod/users":   3,
	}
	for key, value := range entries {
		if err := store.Set(ctx, "privileges", key, value); err != nil {
			t.Fatalf("Set %s: %v", key, err)
		}
	}

	keys, err := store.List(ctx, "privileges", "shell/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("List returned %d keys, want 2: %v", len(keys), keys)
	}
	// Lexicographic order.
	if keys[0] != "shell/roles" || keys[1] != "shell/users" {
		t.Errorf("List = %v, want [shell/roles shell/users]", keys)
	}

	all, err := store.List(ctx, "privileges", "")
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List all returned %d keys, want 3: %v", len(all), all)
	}
}
