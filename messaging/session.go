// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"

	"github.com/warden-project/warden/lib/ref"
)

// Session is an authenticated connection to the homeserver. A Session
// is safe for concurrent use. After Close, all methods return
// ErrSessionClosed.
type Session struct {
	client      *Client
	accessToken string
	userID      ref.UserID
	logger      *slog.Logger

	// txnCounter generates unique transaction IDs for event sends.
	txnCounter atomic.Int64

	closed atomic.Bool
}

// SessionFromToken creates a Session from an existing access token.
// The token is verified against the homeserver with /whoami, which
// also yields the session's user ID.
func (c *Client) SessionFromToken(ctx context.Context, accessToken string) (*Session, error) {
	session := &Session{
		client:      c,
		accessToken: accessToken,
	}

	whoami, err := session.WhoAmI(ctx)
	if err != nil {
		return nil, fmt.Errorf("messaging: token verification failed: %w", err)
	}
	session.userID = whoami.UserID
	session.logger = c.logger.With("user_id", whoami.UserID)

	return session, nil
}

// UserID returns the Matrix user ID this session is authenticated as.
func (s *Session) UserID() ref.UserID {
	return s.userID
}

// Close marks the session closed. Subsequent method calls return
// ErrSessionClosed. Close does not invalidate the access token on
// the server.
func (s *Session) Close() {
	s.closed.Store(true)
	s.client.CloseIdleConnections()
}

// IsClosed reports whether Close has been called.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// do performs an authenticated JSON request and decodes the response
// into out (when out is non-nil).
func (s *Session) do(ctx context.Context, method, path string, requestBody, out any, query ...url.Values) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	responseBody, err := s.client.doRequest(ctx, method, path, s.accessToken, requestBody, query...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(responseBody, out); err != nil {
		return fmt.Errorf("messaging: failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

// WhoAmI returns the user ID associated with the access token.
func (s *Session) WhoAmI(ctx context.Context) (WhoAmIResponse, error) {
	var response WhoAmIResponse
	err := s.do(ctx, "GET", "/_matrix/client/v3/account/whoami", nil, &response)
	return response, err
}

// SendMessage sends an m.room.message event to a room.
func (s *Session) SendMessage(ctx context.Context, roomID ref.RoomID, content MessageContent) (ref.EventID, error) {
	return s.SendEvent(ctx, roomID, "m.room.message", content)
}

// SendEvent sends an event of the given type to a room. The
// transaction ID is generated from a per-session counter; retries of
// the same logical send are not deduplicated across sessions.
func (s *Session) SendEvent(ctx context.Context, roomID ref.RoomID, eventType string, content any) (ref.EventID, error) {
	txnID := "warden" + strconv.FormatInt(s.txnCounter.Add(1), 10)
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID.String()) +
		"/send/" + url.PathEscape(eventType) + "/" + txnID

	var response SendEventResponse
	if err := s.do(ctx, "PUT", path, content, &response); err != nil {
		return ref.EventID{}, err
	}
	return response.EventID, nil
}

// UploadMedia uploads content to the homeserver's media repository
// and returns the mxc content URI.
func (s *Session) UploadMedia(ctx context.Context, filename, contentType string, content io.Reader) (string, error) {
	if s.closed.Load() {
		return "", ErrSessionClosed
	}

	query := url.Values{"filename": []string{filename}}
	path := "/_matrix/media/v3/upload?" + query.Encode()

	responseBody, err := s.client.doRequestRaw(ctx, "POST", path, s.accessToken, contentType, content)
	if err != nil {
		return "", err
	}

	var response UploadResponse
	if err := json.Unmarshal(responseBody, &response); err != nil {
		return "", fmt.Errorf("messaging: failed to decode upload response: %w", err)
	}
	return response.ContentURI, nil
}

// JoinRoom joins a room by ID. Joining an already-joined room is a
// no-op on the server side.
func (s *Session) JoinRoom(ctx context.Context, roomID ref.RoomID) error {
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomID.String())
	return s.do(ctx, "POST", path, struct{}{}, nil)
}

// JoinedRooms returns the rooms this session's user has joined.
func (s *Session) JoinedRooms(ctx context.Context) ([]ref.RoomID, error) {
	var response JoinedRoomsResponse
	if err := s.do(ctx, "GET", "/_matrix/client/v3/joined_rooms", nil, &response); err != nil {
		return nil, err
	}
	return response.JoinedRooms, nil
}

// ResolveAlias resolves a room alias to a room ID.
func (s *Session) ResolveAlias(ctx context.Context, alias ref.RoomAlias) (ref.RoomID, error) {
	path := "/_matrix/client/v3/directory/room/" + url.PathEscape(alias.String())
	var response ResolveAliasResponse
	if err := s.do(ctx, "GET", path, nil, &response); err != nil {
		return ref.RoomID{}, err
	}
	return response.RoomID, nil
}

// GetRoomMembers returns the current members of a room. Only members
// with membership "join" are included.
func (s *Session) GetRoomMembers(ctx context.Context, roomID ref.RoomID) ([]RoomMember, error) {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID.String()) + "/members"
	query := url.Values{"membership": []string{"join"}}

	var response roomMembersResponse
	if err := s.do(ctx, "GET", path, nil, &response, query); err != nil {
		return nil, err
	}

	members := make([]RoomMember, 0, len(response.Chunk))
	for _, event := range response.Chunk {
		if event.Type != "m.room.member" {
			continue
		}
		members = append(members, RoomMember{
			UserID:      event.StateKey,
			DisplayName: event.Content.DisplayName,
			Membership:  event.Content.Membership,
		})
	}
	return members, nil
}

// GetDisplayName returns a user's display name, or the empty string
// if none is set.
func (s *Session) GetDisplayName(ctx context.Context, userID ref.UserID) (string, error) {
	path := "/_matrix/client/v3/profile/" + url.PathEscape(userID.String()) + "/displayname"

	var response DisplayNameResponse
	err := s.do(ctx, "GET", path, nil, &response)
	if IsMatrixError(err, ErrCodeNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return response.DisplayName, nil
}

// Sync performs a /sync request. With an empty Since, this is the
// initial sync; with a Timeout, the server long-polls until new
// events arrive or the timeout elapses.
func (s *Session) Sync(ctx context.Context, options SyncOptions) (SyncResponse, error) {
	query := url.Values{}
	if options.Since != "" {
		query.Set("since", options.Since)
	}
	if options.Timeout > 0 || options.SetTimeout {
		query.Set("timeout", strconv.Itoa(options.Timeout))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}

	var response SyncResponse
	err := s.do(ctx, "GET", "/_matrix/client/v3/sync", nil, &response, query)
	return response, err
}
