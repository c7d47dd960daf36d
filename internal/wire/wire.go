// Package wire defines the frame and payload shapes exchanged with the
// realtime backend, plus room scope naming. Payloads crossing the wire are
// duck-typed JSON; every decode applies defaults and validates required
// fields at the boundary instead of trusting the sender.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// SchemaVersion is stamped on outbound payloads. Decoders accept payloads
// without a version (treated as version 1).
const SchemaVersion = 1

// Frame is the unit exchanged over the realtime websocket.
type Frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref,omitempty"`
}

// Channel-level events (client -> server).
const (
	EventJoin      = "join"
	EventLeave     = "leave"
	EventTrack     = "track"
	EventBroadcast = "broadcast"
	EventHeartbeat = "heartbeat"
)

// Channel-level events (server -> client).
const (
	EventJoined        = "joined"
	EventPresenceState = "presence_state"
	EventPresenceJoin  = "presence_join"
	EventPresenceLeave = "presence_leave"
)

// Broadcast sub-events carried inside EventBroadcast frames.
const (
	BroadcastMessage = "message"
	BroadcastDelete  = "delete"
	BroadcastTyping  = "typing"
)

// JoinPayload announces the connection's presence key when joining a topic.
type JoinPayload struct {
	V           int    `json:"v,omitempty"`
	PresenceKey string `json:"presenceKey"`
}

// BroadcastEnvelope wraps an application event inside a broadcast frame.
type BroadcastEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// PresenceMeta is the payload tracked for one connection of one participant.
type PresenceMeta struct {
	V          int    `json:"v,omitempty"`
	UserID     string `json:"userId"`
	Name       string `json:"name"`
	FontFamily string `json:"fontFamily"`
	Color      string `json:"color"`
	Status     string `json:"status"`
	Typing     bool   `json:"typing"`
}

// PresenceState is the backend's raw presence table: presence key (the
// participant's user id) to the tracked payloads of each of its live
// connections. A user with two open connections has two metas under one key.
type PresenceState map[string][]PresenceMeta

// PresencePayload accompanies every presence event. State is always the full
// authoritative table so consumers can reconcile by re-flattening rather than
// trusting the delta fields.
type PresencePayload struct {
	Key   string         `json:"key,omitempty"`
	Metas []PresenceMeta `json:"metas,omitempty"`
	State PresenceState  `json:"state"`
}

// Message is a chat message broadcast to a room or DM channel.
type Message struct {
	V          int    `json:"v,omitempty"`
	ID         string `json:"id"`
	UserID     string `json:"userId"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	FontFamily string `json:"fontFamily"`
	Color      string `json:"color"`
	Bubble     string `json:"bubbleColor"`
	TS         int64  `json:"ts"`
}

// DeleteEvent retracts a previously broadcast message. UserID identifies the
// requester so receivers can enforce author-only deletion.
type DeleteEvent struct {
	V      int    `json:"v,omitempty"`
	ID     string `json:"id"`
	UserID string `json:"userId,omitempty"`
}

// TypingEvent signals a participant's composing state.
type TypingEvent struct {
	V      int    `json:"v,omitempty"`
	UserID string `json:"userId"`
	Typing bool   `json:"typing"`
}

// Display defaults, matching the profile defaults.
const (
	DefaultName   = "anon"
	DefaultColor  = "#111827"
	DefaultBubble = "#0b93f6"
)

// DefaultFonts is the selectable font list; the first entry is the default.
var DefaultFonts = []string{
	"Inter, system-ui, sans-serif",
	"Arial, Helvetica, sans-serif",
	"Georgia, serif",
	"Courier New, monospace",
	"Comic Sans MS, cursive",
	"Trebuchet MS, sans-serif",
	"Times New Roman, serif",
	"Verdana, sans-serif",
}

var (
	ErrMissingID     = errors.New("wire: payload missing id")
	ErrMissingUserID = errors.New("wire: payload missing userId")
)

// DecodeMessage parses a broadcast message payload, sanitizing display text
// and filling defaults for optional fields.
func DecodeMessage(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.ID == "" {
		return Message{}, ErrMissingID
	}
	if m.UserID == "" {
		return Message{}, ErrMissingUserID
	}
	if m.V == 0 {
		m.V = 1
	}
	m.Name = SanitizeName(m.Name)
	if m.Name == "" {
		m.Name = DefaultName
	}
	m.Content = SanitizeContent(m.Content)
	if m.FontFamily == "" {
		m.FontFamily = DefaultFonts[0]
	}
	if m.Color == "" {
		m.Color = DefaultColor
	}
	if m.Bubble == "" {
		m.Bubble = DefaultBubble
	}
	if m.TS == 0 {
		m.TS = time.Now().UnixMilli()
	}
	return m, nil
}

// DecodeDelete parses a delete payload. Only the id is required.
func DecodeDelete(raw []byte) (DeleteEvent, error) {
	var d DeleteEvent
	if err := json.Unmarshal(raw, &d); err != nil {
		return DeleteEvent{}, fmt.Errorf("decode delete: %w", err)
	}
	if d.ID == "" {
		return DeleteEvent{}, ErrMissingID
	}
	return d, nil
}

// DecodeTyping parses a typing payload.
func DecodeTyping(raw []byte) (TypingEvent, error) {
	var t TypingEvent
	if err := json.Unmarshal(raw, &t); err != nil {
		return TypingEvent{}, fmt.Errorf("decode typing: %w", err)
	}
	if t.UserID == "" {
		return TypingEvent{}, ErrMissingUserID
	}
	return t, nil
}

// DecodeMeta parses a tracked presence payload with display defaults.
func DecodeMeta(raw []byte) (PresenceMeta, error) {
	var p PresenceMeta
	if err := json.Unmarshal(raw, &p); err != nil {
		return PresenceMeta{}, fmt.Errorf("decode presence meta: %w", err)
	}
	return CleanMeta(p)
}

// CleanMeta validates an already-decoded presence payload and applies display
// defaults. Presence state arrives pre-decoded inside the state table, so
// every meta passes through here before it is stored, whichever side of the
// wire it came from.
func CleanMeta(p PresenceMeta) (PresenceMeta, error) {
	if p.UserID == "" {
		return PresenceMeta{}, ErrMissingUserID
	}
	p.Name = SanitizeName(p.Name)
	if p.Name == "" {
		p.Name = DefaultName
	}
	if p.FontFamily == "" {
		p.FontFamily = DefaultFonts[0]
	}
	if p.Color == "" {
		p.Color = DefaultColor
	}
	return p, nil
}

// GlobalRoom is the reserved code for the default global room.
const GlobalRoom = "GLOBAL"

var roomCodeRe = regexp.MustCompile(`^[A-Z0-9]{1,16}$`)

var ErrBadRoomCode = errors.New("wire: room code must be 1-16 uppercase letters or digits")

// NormalizeRoomCode upper-cases and validates a human-shareable room code.
// An empty input resolves to the global room.
func NormalizeRoomCode(code string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if c == "" {
		return GlobalRoom, nil
	}
	if !roomCodeRe.MatchString(c) {
		return "", ErrBadRoomCode
	}
	return c, nil
}

// RoomScope returns the channel topic for a room code.
func RoomScope(code string) string {
	return "room:" + code
}

// DMScope returns the deterministic pairwise DM topic for two user ids.
// The ids are sorted so both participants derive the same name.
func DMScope(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return "dm:" + ids[0] + "-" + ids[1]
}
