// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package bot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/warden-project/warden/lib/clock"
	"github.com/warden-project/warden/lib/ref"
	"github.com/warden-project/warden/lib/testutil"
	"github.com/warden-project/warden/messaging"
)

// fakeHomeserver answers whoami, records message sends and room
// joins, and serves scripted /sync responses.
type fakeHomeserver struct {
	mu      sync.Mutex
	replies []string
	joins   []string

	syncResponses chan any // map[string]any response or an int HTTP status
}

func newFakeHomeserver() *fakeHomeserver {
	return &fakeHomeserver{syncResponses: make(chan any, 16)}
}

func (f *fakeHomeserver) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	switch {
	case request.URL.Path == "/_matrix/client/v3/account/whoami":
		writeJSON(writer, map[string]string{"user_id": "@warden:local"})

	case strings.Contains(request.URL.Path, "/send/m.room.message/"):
		var content messaging.MessageContent
		json.NewDecoder(request.Body).Decode(&content)
		f.mu.Lock()
		f.replies = append(f.replies, content.Body)
		f.mu.Unlock()
		writeJSON(writer, map[string]string{"event_id": "$e:local"})

	case strings.HasPrefix(request.URL.Path, "/_matrix/client/v3/join/"):
		roomID := strings.TrimPrefix(request.URL.Path, "/_matrix/client/v3/join/")
		f.mu.Lock()
		f.joins = append(f.joins, roomID)
		f.mu.Unlock()
		writeJSON(writer, map[string]string{"room_id": roomID})

	case request.URL.Path == "/_matrix/client/v3/sync":
		select {
		case response := <-f.syncResponses:
			if status, ok := response.(int); ok {
				writer.WriteHeader(status)
				writeJSON(writer, map[string]string{"errcode": "M_UNKNOWN", "error": "scripted failure"})
				return
			}
			writeJSON(writer, response)
		case <-request.Context().Done():
		}

	default:
		writer.WriteHeader(http.StatusNotFound)
		writeJSON(writer, map[string]string{"errcode": "M_NOT_FOUND", "error": "unknown endpoint"})
	}
}

func (f *fakeHomeserver) sentReplies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.replies...)
}

func writeJSON(writer http.ResponseWriter, value any) {
	writer.Header().Set("Content-Type", "application/json")
	json.NewEncoder(writer).Encode(value)
}

func newTestBot(t *testing.T, homeserver *fakeHomeserver, config Config) *Bot {
	t.Helper()
	server := httptest.NewServer(homeserver)
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

	config.Session = session
	b, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func mustRoomID(t *testing.T, raw string) ref.RoomID {
	t.Helper()
	roomID, err := ref.ParseRoomID(raw)
	if err != nil {
		t.Fatalf("ParseRoomID(%q): %v", raw, err)
	}
	return roomID
}

// memberEvent builds an m.room.member event for the membership index.
func memberEvent(userID, membership string) messaging.Event {
	stateKey := userID
	sender, _ := ref.ParseUserID(userID)
	return messaging.Event{
		Type:     "m.room.member",
		Sender:   sender,
		StateKey: &stateKey,
		Content:  map[string]any{"membership": membership},
	}
}

// messageEvent builds an m.room.message timeline event.
func messageEvent(sender, body string) messaging.Event {
	senderID, _ := ref.ParseUserID(sender)
	return messaging.Event{
		Type:    "m.room.message",
		Sender:  senderID,
		Content: map[string]any{"msgtype": "m.text", "body": body},
	}
}

// syncWith builds a sync response carrying events for one room.
func syncWith(roomID ref.RoomID, state, timeline []messaging.Event) messaging.SyncResponse {
	return messaging.SyncResponse{
		NextBatch: "next",
		Rooms: messaging.RoomsSection{
			Join: map[ref.RoomID]messaging.JoinedRoom{
				roomID: {
					State:    messaging.StateSection{Events: state},
					Timeline: messaging.TimelineSection{Events: timeline},
				},
			},
		},
	}
}

type testUserError string

func (e testUserError) Error() string       { return string(e) }
func (e testUserError) UserMessage() string { return string(e) }

// allowAll authorizes every gated invocation and records what it saw.
type allowAll struct {
	allowed bool
	lastGot struct {
		privilege string
		sender    ref.UserID
		roles     []ref.RoomID
	}
}

func (a *allowAll) Allowed(ctx context.Context, privilege string, sender ref.UserID, roles []ref.RoomID) (bool, error) {
	a.lastGot.privilege = privilege
	a.lastGot.sender = sender
	a.lastGot.roles = roles
	return a.allowed, nil
}

func TestCommandDispatch(t *testing.T) {
	homeserver := newFakeHomeserver()
	b := newTestBot(t, homeserver, Config{})
	room := mustRoomID(t, "!room:local")

	var gotArgs []string
	var gotSender ref.UserID
	b.RegisterCommand(&Command{
		Name: "echo",
		Handler: func(ctx context.Context, invocation *Invocation) error {
			gotArgs = invocation.Args
			gotSender = invocation.Sender
			invocation.Reply(ctx, "echo: %s", strings.Join(invocation.Args, " "))
			return nil
		},
	})

	// Populate the room so it does not look like a direct chat.
	state := []messaging.Event{
		memberEvent("@warden:local", "join"),
		memberEvent("@alice:local", "join"),
		memberEvent("@bob:local", "join"),
	}
	b.process(context.Background(), syncWith(room, state, []messaging.Event{
		messageEvent("@alice:local", "hello without prefix"),
		messageEvent("@alice:local", "!echo one two"),
		messageEvent("@warden:local", "!echo from the bot itself"),
		messageEvent("@alice:local", "!unknowncommand"),
	}), true)

	if len(gotArgs) != 2 || gotArgs[0] != "one" || gotArgs[1] != "two" {
		t.Errorf("args = %v, want [one two]", gotArgs)
	}
	if gotSender.String() != "@alice:local" {
		t.Errorf("sender = %s, want @alice:local", gotSender)
	}
	replies := homeserver.sentReplies()
	if len(replies) != 1 || replies[0] != "echo: one two" {
		t.Errorf("replies = %v, want [echo: one two]", replies)
	}
}

func TestInitialSyncDoesNotDispatch(t *testing.T) {
	homeserver := newFakeHomeserver()
	b := newTestBot(t, homeserver, Config{})
	room := mustRoomID(t, "!room:local")

	invoked := false
	b.RegisterCommand(&Command{
		Name: "echo",
		Handler: func(ctx context.Context, invocation *Invocation) error {
			invoked = true
			return nil
		},
	})

	b.process(context.Background(), syncWith(room, nil, []messaging.Event{
		messageEvent("@alice:local", "!echo replayed history"),
	}), false)

	if invoked {
		t.Error("command dispatched from initial sync")
	}
}

func TestGatedCommand(t *testing.T) {
	homeserver := newFakeHomeserver()
	b := newTestBot(t, homeserver, Config{})
	room := mustRoomID(t, "!room:local")

	invoked := false
	b.RegisterCommand(&Command{
		Name: "guarded",
		Gate: "shell",
		Handler: func(ctx context.Context, invocation *Invocation) error {
			invoked = true
			return nil
		},
	})
	state := []messaging.Event{
		memberEvent("@warden:local", "join"),
		memberEvent("@alice:local", "join"),
		memberEvent("@bob:local", "join"),
	}
	command := []messaging.Event{messageEvent("@alice:local", "!guarded")}

	t.Run("denied", func(t *testing.T) {
		auth := &allowAll{allowed: false}
		b.SetAuthorizer(auth)
		b.process(context.Background(), syncWith(room, state, command), true)

		if invoked {
			t.Error("denied command ran")
		}
		if auth.lastGot.privilege != "shell" {
			t.Errorf("checked privilege %q, want shell", auth.lastGot.privilege)
		}
		replies := homeserver.sentReplies()
		if len(replies) != 1 || !strings.Contains(replies[0], "permission") {
			t.Errorf("replies = %v, want permission denial", replies)
		}
	})

	t.Run("no authorizer denies", func(t *testing.T) {
		b.SetAuthorizer(nil)
		b.process(context.Background(), syncWith(room, state, command), true)
		if invoked {
			t.Error("gated command ran without an authorizer")
		}
	})

	t.Run("allowed", func(t *testing.T) {
		b.SetAuthorizer(&allowAll{allowed: true})
		b.process(context.Background(), syncWith(room, state, command), true)
		if !invoked {
			t.Error("allowed command did not run")
		}
	})
}

func TestUserErrorBecomesReply(t *testing.T) {
	homeserver := newFakeHomeserver()
	b := newTestBot(t, homeserver, Config{})
	room := mustRoomID(t, "!room:local")

	b.RegisterCommand(&Command{
		Name: "fail",
		Handler: func(ctx context.Context, invocation *Invocation) error {
			return testUserError("that name is taken")
		},
	})
	b.process(context.Background(), syncWith(room, nil, []messaging.Event{
		messageEvent("@alice:local", "!fail"),
	}), true)

	replies := homeserver.sentReplies()
	if len(replies) != 1 || replies[0] != "that name is taken" {
		t.Errorf("replies = %v, want [that name is taken]", replies)
	}
}

func TestRoleResolution(t *testing.T) {
	homeserver := newFakeHomeserver()
	adminRoom := mustRoomID(t, "!admins:local")
	b := newTestBot(t, homeserver, Config{RoleRooms: []ref.RoomID{adminRoom}})
	room := mustRoomID(t, "!room:local")
	dm := mustRoomID(t, "!dm:local")

	// Alice is in the admin role room, Bob is not.
	b.process(context.Background(), syncWith(adminRoom, []messaging.Event{
		memberEvent("@warden:local", "join"),
		memberEvent("@alice:local", "join"),
	}, nil), false)
	b.process(context.Background(), syncWith(room, []messaging.Event{
		memberEvent("@warden:local", "join"),
		memberEvent("@alice:local", "join"),
		memberEvent("@bob:local", "join"),
	}, nil), false)
	b.process(context.Background(), syncWith(dm, []messaging.Event{
		memberEvent("@warden:local", "join"),
		memberEvent("@alice:local", "join"),
	}, nil), false)

	alice, _ := ref.ParseUserID("@alice:local")
	bob, _ := ref.ParseUserID("@bob:local")

	roles := b.rolesOf(room, alice)
	if len(roles) != 1 || roles[0] != adminRoom {
		t.Errorf("alice roles = %v, want [%s]", roles, adminRoom)
	}
	if roles := b.rolesOf(room, bob); len(roles) != 0 || roles == nil {
		t.Errorf("bob roles = %v, want empty non-nil", roles)
	}
	// A two-member room is a direct chat: no role context at all.
	if roles := b.rolesOf(dm, alice); roles != nil {
		t.Errorf("DM roles = %v, want nil", roles)
	}
}

func TestMembershipLeaveRemoves(t *testing.T) {
	homeserver := newFakeHomeserver()
	adminRoom := mustRoomID(t, "!admins:local")
	b := newTestBot(t, homeserver, Config{RoleRooms: []ref.RoomID{adminRoom}})
	room := mustRoomID(t, "!room:local")

	b.process(context.Background(), syncWith(adminRoom, []messaging.Event{
		memberEvent("@warden:local", "join"),
		memberEvent("@alice:local", "join"),
		memberEvent("@carol:local", "join"),
	}, nil), false)
	b.process(context.Background(), syncWith(room, []messaging.Event{
		memberEvent("@warden:local", "join"),
		memberEvent("@alice:local", "join"),
		memberEvent("@carol:local", "join"),
	}, nil), false)

	// Alice leaves the role room via a timeline member event.
	b.process(context.Background(), syncWith(adminRoom, nil, []messaging.Event{
		memberEvent("@alice:local", "leave"),
	}), true)

	alice, _ := ref.ParseUserID("@alice:local")
	if roles := b.rolesOf(room, alice); len(roles) != 0 {
		t.Errorf("alice roles after leave = %v, want none", roles)
	}
}

func TestInviteAccepted(t *testing.T) {
	homeserver := newFakeHomeserver()
	b := newTestBot(t, homeserver, Config{})
	room := mustRoomID(t, "!invited:local")

	b.process(context.Background(), messaging.SyncResponse{
		NextBatch: "next",
		Rooms: messaging.RoomsSection{
			Invite: map[ref.RoomID]messaging.InvitedRoom{room: {}},
		},
	}, false)

	if len(homeserver.joins) != 1 {
		t.Fatalf("joins = %v, want one", homeserver.joins)
	}
}

// TestRunRetriesWithBackoff scripts an initial sync, a failing
// incremental sync, and a successful one carrying a command. The
// fake clock gates the retry delay.
func TestRunRetriesWithBackoff(t *testing.T) {
	homeserver := newFakeHomeserver()
	fakeClock := clock.Fake(time.Unix(1000, 0))
	b := newTestBot(t, homeserver, Config{Clock: fakeClock})
	room := mustRoomID(t, "!room:local")

	invoked := make(chan struct{}, 1)
	b.RegisterCommand(&Command{
		Name: "ping",
		Handler: func(ctx context.Context, invocation *Invocation) error {
			invoked <- struct{}{}
			return nil
		},
	})

	homeserver.syncResponses <- map[string]any{"next_batch": "b1"}
	homeserver.syncResponses <- http.StatusInternalServerError
	homeserver.syncResponses <- map[string]any{
		"next_batch": "b2",
		"rooms": map[string]any{
			"join": map[string]any{
				room.String(): map[string]any{
					"timeline": map[string]any{
						"events": []map[string]any{
							{
								"event_id": "$e1:local",
								"type":     "m.room.message",
								"sender":   "@alice:local",
								"content":  map[string]any{"msgtype": "m.text", "body": "!ping"},
							},
						},
					},
				},
			},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	// The failed sync parks the loop on the backoff timer.
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(time.Second)

	testutil.RequireReceive(t, invoked, 5*time.Second, "command dispatch after retry")

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "Run return after cancellation"); err != nil {
		t.Errorf("Run returned %v, want nil on cancellation", err)
	}
}
