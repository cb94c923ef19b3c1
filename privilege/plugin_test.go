// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package privilege

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/warden-project/warden/bot"
	"github.com/warden-project/warden/lib/ref"
	"github.com/warden-project/warden/messaging"
)

// commandHarness hosts the plugin on a bot over a fake homeserver so
// handlers can be driven directly.
type commandHarness struct {
	plugin *Plugin
	store  *Store

	mu      sync.Mutex
	replies []string
}

func newCommandHarness(t *testing.T) *commandHarness {
	t.Helper()
	harness := &commandHarness{}

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		switch {
		case request.URL.Path == "/_matrix/client/v3/account/whoami":
			json.NewEncoder(writer).Encode(map[string]string{"user_id": "@warden:local"})
		case strings.Contains(request.URL.Path, "/send/m.room.message/"):
			var content messaging.MessageContent
			json.NewDecoder(request.Body).Decode(&content)
			harness.mu.Lock()
			harness.replies = append(harness.replies, content.Body)
			harness.mu.Unlock()
			json.NewEncoder(writer).Encode(map[string]string{"event_id": "$e:local"})
		case strings.HasSuffix(request.URL.Path, "/displayname"):
			if strings.Contains(request.URL.Path, "@alice") {
				json.NewEncoder(writer).Encode(map[string]string{"displayname": "Alice"})
			} else {
				writer.WriteHeader(http.StatusNotFound)
				json.NewEncoder(writer).Encode(map[string]string{"errcode": "M_NOT_FOUND", "error": "none"})
			}
		default:
			writer.WriteHeader(http.StatusNotFound)
			json.NewEncoder(writer).Encode(map[string]string{"errcode": "M_NOT_FOUND", "error": "unknown"})
		}
	}))
	t.Cleanup(server.Close)

	client, err := messaging.NewClient(messaging.ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	session, err := client.SessionFromToken(context.Background(), "test-token")
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	t.Cleanup(session.Close)

	b, err := bot.New(bot.Config{Session: session})
	if err != nil {
		t.Fatalf("bot.New: %v", err)
	}

	harness.store = newTestStore(t)
	harness.plugin = NewPlugin(harness.store)
	if err := harness.plugin.Init(context.Background(), b); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return harness
}

// run invokes the priv handler with the given arguments.
func (h *commandHarness) run(t *testing.T, args ...string) error {
	t.Helper()
	room, err := ref.ParseRoomID("!control:local")
	if err != nil {
		t.Fatalf("ParseRoomID: %v", err)
	}
	sender, err := ref.ParseUserID("@admin:local")
	if err != nil {
		t.Fatalf("ParseUserID: %v", err)
	}
	return h.plugin.handle(context.Background(), &bot.Invocation{
		Bot:    h.plugin.bot,
		Room:   room,
		Sender: sender,
		Args:   args,
	})
}

func (h *commandHarness) lastReply(t *testing.T) string {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.replies) == 0 {
		t.Fatal("no reply sent")
	}
	return h.replies[len(h.replies)-1]
}

func TestPrivCommandLifecycle(t *testing.T) {
	harness := newCommandHarness(t)

	if err := harness.run(t, "new", "deploy"); err != nil {
		t.Fatalf("priv new: %v", err)
	}
	if got := harness.lastReply(t); !strings.Contains(got, "created") {
		t.Errorf("reply = %q, want creation acknowledgement", got)
	}

	if err := harness.run(t, "add", "user", "deploy", "@alice:local"); err != nil {
		t.Fatalf("priv add user: %v", err)
	}
	if err := harness.run(t, "add", "role", "deploy", "!ops:local"); err != nil {
		t.Fatalf("priv add role: %v", err)
	}

	if err := harness.run(t, "show", "deploy"); err != nil {
		t.Fatalf("priv show: %v", err)
	}
	listing := harness.lastReply(t)
	if !strings.Contains(listing, "user Alice (@alice:local)") {
		t.Errorf("listing missing resolved user: %q", listing)
	}
	if !strings.Contains(listing, "role !ops:local") {
		t.Errorf("listing missing role: %q", listing)
	}

	if err := harness.run(t, "remove", "user", "deploy", "@alice:local"); err != nil {
		t.Fatalf("priv remove user: %v", err)
	}
	if err := harness.run(t, "delete", "deploy"); err != nil {
		t.Fatalf("priv delete: %v", err)
	}
	err := harness.run(t, "show", "deploy")
	if _, ok := AsUserError(err); !ok {
		t.Errorf("show after delete: got %v, want UserError", err)
	}
}

func TestPrivCommandList(t *testing.T) {
	harness := newCommandHarness(t)

	if err := harness.run(t, "list"); err != nil {
		t.Fatalf("priv list: %v", err)
	}
	if got := harness.lastReply(t); got != "no privileges defined" {
		t.Errorf("reply = %q, want no privileges defined", got)
	}

	for _, name := range []string{"deploy", "audit"} {
		if err := harness.run(t, "new", name); err != nil {
			t.Fatalf("priv new %s: %v", name, err)
		}
	}
	if err := harness.run(t, "list"); err != nil {
		t.Fatalf("priv list: %v", err)
	}
	// Names come back sorted from the store.
	if got := harness.lastReply(t); got != "privileges: audit, deploy" {
		t.Errorf("reply = %q, want sorted listing", got)
	}
}

func TestPrivCommandShowFallsBackToRawID(t *testing.T) {
	harness := newCommandHarness(t)

	if err := harness.run(t, "new", "deploy"); err != nil {
		t.Fatalf("priv new: %v", err)
	}
	// @bob has no display name on the homeserver.
	if err := harness.run(t, "add", "user", "deploy", "@bob:local"); err != nil {
		t.Fatalf("priv add user: %v", err)
	}
	if err := harness.run(t, "show", "deploy"); err != nil {
		t.Fatalf("priv show: %v", err)
	}
	if got := harness.lastReply(t); !strings.Contains(got, "user @bob:local") {
		t.Errorf("listing = %q, want raw ID fallback", got)
	}
}

func TestPrivCommandUsageErrors(t *testing.T) {
	harness := newCommandHarness(t)

	invocations := [][]string{
		{},
		{"frobnicate"},
		{"new"},
		{"add", "user", "deploy"},
		{"add", "widget", "deploy", "@x:local"},
	}
	for _, args := range invocations {
		err := harness.run(t, args...)
		if _, ok := AsUserError(err); !ok {
			t.Errorf("priv %v: got %v, want UserError", args, err)
		}
	}
}

func TestPrivCommandInvalidIDs(t *testing.T) {
	harness := newCommandHarness(t)
	if err := harness.run(t, "new", "deploy"); err != nil {
		t.Fatalf("priv new: %v", err)
	}

	err := harness.run(t, "add", "user", "deploy", "not-a-user")
	if message, ok := AsUserError(err); !ok || !strings.Contains(message, "invalid user ID") {
		t.Errorf("got %v, want invalid user ID UserError", err)
	}
	err = harness.run(t, "add", "role", "deploy", "not-a-room")
	if message, ok := AsUserError(err); !ok || !strings.Contains(message, "invalid role room ID") {
		t.Errorf("got %v, want invalid role room ID UserError", err)
	}
}

func TestPluginAllowed(t *testing.T) {
	harness := newCommandHarness(t)
	ctx := context.Background()
	admin := userID(t, "@admin:local")
	ops := roomID(t, "!ops:local")

	if err := harness.store.Create(ctx, AdminPrivilege); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := harness.store.AddRole(ctx, AdminPrivilege, ops); err != nil {
		t.Fatalf("AddRole: %v", err)
	}

	allowed, err := harness.plugin.Allowed(ctx, AdminPrivilege, admin, []ref.RoomID{ops})
	if err != nil {
		t.Fatalf("Allowed: %v", err)
	}
	if !allowed {
		t.Error("role member not allowed")
	}

	allowed, err = harness.plugin.Allowed(ctx, AdminPrivilege, admin, nil)
	if err != nil {
		t.Fatalf("Allowed: %v", err)
	}
	if allowed {
		t.Error("DM actor allowed via role")
	}
}
