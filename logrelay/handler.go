// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package logrelay forwards log records to a Matrix room. The Handler
// is a slog.Handler attached to the process log fan-out; records at or
// above its level are queued and a single forwarding goroutine drains
// the queue into room messages, batching lines into Markdown code
// blocks and falling back to a file upload for oversized lines.
package logrelay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/warden-project/warden/lib/kv"
	"github.com/warden-project/warden/lib/ref"
	"github.com/warden-project/warden/messaging"
)

// Namespace and key of the destination room in the kv store.
const (
	Namespace  = "logrelay"
	ChannelKey = "channel"
)

// suppressKey marks a record as originating inside the relay's own
// forwarding path. Suppressed records are never enqueued, which keeps
// a failing forwarder from feeding itself.
const suppressKey = "logrelay_suppress"

// Suppress returns the attribute that exempts a record from relaying.
// The relay's own failure logging always carries it; other code can
// attach it to logs that must never leave the process.
func Suppress() slog.Attr {
	return slog.Bool(suppressKey, true)
}

// maxMessageLength is the longest message body sent to the room.
// Longer single lines are uploaded as a text file instead.
const maxMessageLength = 2000

// Config configures a Handler.
type Config struct {
	// Session sends the relayed messages. A closed session drops
	// records silently.
	Session *messaging.Session

	// KV is consulted per record for the destination room (namespace
	// "logrelay", key "channel"). Unset or unparsable destination
	// drops records silently.
	KV *kv.Store

	// Level is the minimum level relayed. Default: slog.LevelError.
	Level slog.Leveler

	// Fallback receives the relay's own failure logs, tagged with the
	// suppression attribute. Default: slog.Default().
	Fallback *slog.Logger
}

// Handler relays log records to a Matrix room. Safe for concurrent
// use by multiple goroutines.
type Handler struct {
	session  *messaging.Session
	kv       *kv.Store
	level    slog.Leveler
	fallback *slog.Logger

	// prefix is the rendered form of attrs added via WithAttrs,
	// prepended to each record's own attrs.
	prefix     string
	groups     []string
	suppressed bool

	mu         *sync.Mutex
	queue      *[]string
	forwarding *bool
}

// NewHandler creates a relay handler. It performs no I/O until a
// record is handled.
func NewHandler(config Config) *Handler {
	level := config.Level
	if level == nil {
		level = slog.LevelError
	}
	fallback := config.Fallback
	if fallback == nil {
		fallback = slog.Default()
	}
	return &Handler{
		session:    config.Session,
		kv:         config.KV,
		level:      level,
		fallback:   fallback.With(Suppress()),
		mu:         &sync.Mutex{},
		queue:      &[]string{},
		forwarding: new(bool),
	}
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// WithAttrs implements slog.Handler. Derived handlers share the queue
// and forwarder with their parent.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	derived := *h
	for _, attr := range attrs {
		if attr.Key == suppressKey {
			derived.suppressed = true
			continue
		}
		derived.prefix += " " + h.renderAttr(attr)
	}
	return &derived
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	derived := *h
	derived.groups = append(append([]string(nil), h.groups...), name)
	return &derived
}

// Handle implements slog.Handler. The record is formatted to a single
// line and enqueued; if the forwarder is idle, one is started. Records
// are dropped silently when suppressed, when no destination room is
// configured, or when the session is closed.
func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	if h.suppressed {
		return nil
	}
	suppressed := false
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == suppressKey {
			suppressed = true
			return false
		}
		return true
	})
	if suppressed {
		return nil
	}

	roomID, ok := h.destination(ctx)
	if !ok {
		return nil
	}
	if h.session.IsClosed() {
		return nil
	}

	line := h.formatRecord(record)

	h.mu.Lock()
	*h.queue = append(*h.queue, line)
	start := !*h.forwarding
	if start {
		*h.forwarding = true
	}
	h.mu.Unlock()

	if start {
		go h.forward(roomID)
	}
	return nil
}

// destination reads the configured relay room from the kv store.
func (h *Handler) destination(ctx context.Context) (ref.RoomID, bool) {
	var raw string
	found, err := h.kv.Get(ctx, Namespace, ChannelKey, &raw)
	if err != nil || !found {
		return ref.RoomID{}, false
	}
	roomID, err := ref.ParseRoomID(raw)
	if err != nil {
		return ref.RoomID{}, false
	}
	return roomID, true
}

// formatRecord renders a record to one text line:
// "LEVEL: message key=value ...".
func (h *Handler) formatRecord(record slog.Record) string {
	var builder strings.Builder
	builder.WriteString(record.Level.String())
	builder.WriteString(": ")
	builder.WriteString(record.Message)
	builder.WriteString(h.prefix)
	record.Attrs(func(attr slog.Attr) bool {
		builder.WriteString(" ")
		builder.WriteString(h.renderAttr(attr))
		return true
	})
	return builder.String()
}

func (h *Handler) renderAttr(attr slog.Attr) string {
	key := attr.Key
	if len(h.groups) > 0 {
		key = strings.Join(h.groups, ".") + "." + key
	}
	return fmt.Sprintf("%s=%v", key, attr.Value.Resolve())
}

// forward drains the queue into the room. It runs until the queue is
// empty; exactly one forward goroutine is active per handler family
// at a time. Lines are wrapped in code blocks and batched up to the
// message length limit; a single line too long for one message is
// uploaded as a text file instead. Failures are logged through the
// fallback logger (with suppression) and the offending line is
// dropped; draining continues.
func (h *Handler) forward(roomID ref.RoomID) {
	// The forwarder has no cancellation: it runs until the queue is
	// drained, even during shutdown, so late error records still get
	// out when possible.
	ctx := context.Background()

	var buffer string
	flush := func() {
		if buffer == "" {
			return
		}
		if _, err := h.session.SendMessage(ctx, roomID, messaging.NewNoticeMessage(buffer)); err != nil {
			h.fallback.Error("log relay send failed", "room_id", roomID, "error", err)
		}
		buffer = ""
	}

	for {
		h.mu.Lock()
		if len(*h.queue) == 0 {
			// Flush outside the lock, then only go idle if nothing
			// arrived in the meantime. Marking idle before the last
			// send would let a second forwarder start concurrently.
			h.mu.Unlock()
			flush()
			h.mu.Lock()
			if len(*h.queue) == 0 {
				*h.forwarding = false
				h.mu.Unlock()
				return
			}
			h.mu.Unlock()
			continue
		}
		line := (*h.queue)[0]
		*h.queue = (*h.queue)[1:]
		h.mu.Unlock()

		wrapped := "```\n" + line + "\n```"

		if len(buffer)+len(wrapped)+1 > maxMessageLength {
			flush()
			if len(wrapped) > maxMessageLength {
				h.sendAsFile(ctx, roomID, line)
				continue
			}
		}
		if buffer == "" {
			buffer = wrapped
		} else {
			buffer += "\n" + wrapped
		}
	}
}

// sendAsFile uploads an oversized line as text/plain and sends it as
// a file message.
func (h *Handler) sendAsFile(ctx context.Context, roomID ref.RoomID, line string) {
	contentURI, err := h.session.UploadMedia(ctx, "log.txt", "text/plain", strings.NewReader(line))
	if err != nil {
		h.fallback.Error("log relay upload failed", "room_id", roomID, "error", err)
		return
	}
	content := messaging.NewFileMessage("log.txt", contentURI, "text/plain", int64(len(line)))
	if _, err := h.session.SendMessage(ctx, roomID, content); err != nil {
		h.fallback.Error("log relay send failed", "room_id", roomID, "error", err)
	}
}
