// Package session owns exactly one realtime channel at a time for a room or
// DM scope. It wires presence events into the roster synchronizer, broadcast
// events into the message assembler, and drains the outbox once the channel
// is confirmed subscribed.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/roomchat/internal/identity"
	"github.com/gosuda/roomchat/internal/outbox"
	"github.com/gosuda/roomchat/internal/realtime"
	"github.com/gosuda/roomchat/internal/roster"
	"github.com/gosuda/roomchat/internal/stream"
	"github.com/gosuda/roomchat/internal/wire"
)

// State is the session lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Subscribed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}

// Channel is the slice of the realtime channel contract the session uses.
// *realtime.Channel satisfies it; tests substitute fakes.
type Channel interface {
	OnBroadcast(event string, fn func(payload json.RawMessage))
	OnPresence(fn func(realtime.PresenceEventKind))
	OnStatus(fn func(realtime.Status))
	Subscribe(ctx context.Context) error
	Track(meta wire.PresenceMeta) error
	Broadcast(event string, payload any) error
	PresenceState() wire.PresenceState
	Unsubscribe()
}

// Dialer creates a channel for a topic. The default uses the process-wide
// realtime client.
type Dialer func(topic, presenceKey string) (Channel, error)

// DefaultDialer builds channels from the global realtime client. A missing
// endpoint configuration surfaces here as a terminal error.
func DefaultDialer(topic, presenceKey string) (Channel, error) {
	client, err := realtime.Get()
	if err != nil {
		return nil, err
	}
	return client.Channel(topic, presenceKey), nil
}

// Handlers receive session events. Nil fields are skipped. Handlers are
// invoked from channel and timer goroutines; they must not call back into
// the session synchronously from OnState.
type Handlers struct {
	OnMessage func(m stream.Message)
	OnDelete  func(id string)
	OnRoster  func(entries []roster.Entry)
	OnTyping  func(userID string, typing bool)
	OnState   func(st State, retries int)
}

// Config assembles a session.
type Config struct {
	Scope    string
	Identity *identity.Store
	Outbox   *outbox.Queue
	Cache    *roster.Cache
	Handlers Handlers

	Dial Dialer
	// SubscribeTimeout bounds the Connecting state before teardown-and-retry.
	SubscribeTimeout time.Duration
	// RetryDelay is the pause before re-dialing after a failed attempt.
	RetryDelay time.Duration
	// TypingDebounce is how long after the last keystroke the typing
	// indicator reverts.
	TypingDebounce time.Duration
}

const (
	defaultSubscribeTimeout = 5 * time.Second
	defaultRetryDelay       = time.Second
	defaultTypingDebounce   = 1200 * time.Millisecond
)

var (
	ErrClosed       = errors.New("session: closed")
	ErrEmptyMessage = errors.New("session: empty message")
	ErrNotAuthor    = errors.New("session: only the author can delete a message")
)

// Session is one logical channel subscription plus its local state.
type Session struct {
	scope    string
	userID   string
	dial     Dialer
	box      *outbox.Queue
	cache    *roster.Cache
	st       *identity.Store
	handlers Handlers

	subscribeTimeout time.Duration
	retryDelay       time.Duration
	typingDebounce   time.Duration

	msgs *stream.Assembler
	sync *roster.Synchronizer

	mu           sync.Mutex
	profile      identity.Profile
	ch           Channel
	gen          int
	state        State
	retries      int
	tracked      bool
	typing       bool
	typingTimer  *time.Timer
	confirmTimer *time.Timer
	closed       bool
}

// New builds a session for scope. The identity store supplies the stable
// user id and profile.
func New(cfg Config) (*Session, error) {
	userID, err := cfg.Identity.UserID()
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	s := &Session{
		scope:            cfg.Scope,
		userID:           userID,
		dial:             cfg.Dial,
		box:              cfg.Outbox,
		cache:            cfg.Cache,
		st:               cfg.Identity,
		handlers:         cfg.Handlers,
		subscribeTimeout: cfg.SubscribeTimeout,
		retryDelay:       cfg.RetryDelay,
		typingDebounce:   cfg.TypingDebounce,
		profile:          cfg.Identity.Profile(),
		msgs:             stream.New(userID),
		state:            Disconnected,
	}
	if s.dial == nil {
		s.dial = DefaultDialer
	}
	if s.subscribeTimeout <= 0 {
		s.subscribeTimeout = defaultSubscribeTimeout
	}
	if s.retryDelay <= 0 {
		s.retryDelay = defaultRetryDelay
	}
	if s.typingDebounce <= 0 {
		s.typingDebounce = defaultTypingDebounce
	}
	s.sync = roster.NewSynchronizer(userID, s.selfMeta)
	return s, nil
}

// UserID returns the local user's stable id.
func (s *Session) UserID() string { return s.userID }

// Scope returns the channel scope the session was built for.
func (s *Session) Scope() string { return s.scope }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Retries reports how many reconnect attempts the current outage has cost.
func (s *Session) Retries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// Messages returns the visible message list in append order.
func (s *Session) Messages() []stream.Message { return s.msgs.Messages() }

// People returns the persisted roster cache, online first.
func (s *Session) People() []roster.CachedEntry { return s.cache.People() }

// Roster returns the current live roster, independent of the change
// fingerprint used to suppress no-op updates.
func (s *Session) Roster() []roster.Entry {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	state := wire.PresenceState{}
	if ch != nil {
		state = ch.PresenceState()
	}
	entries := roster.Flatten(state)
	s.mu.Lock()
	hasSelf := false
	for _, e := range entries {
		if e.UserID == s.userID {
			hasSelf = true
			break
		}
	}
	if !hasSelf {
		m := s.selfMeta()
		entries = append(entries, roster.Entry{
			UserID: m.UserID, Name: m.Name, FontFamily: m.FontFamily,
			Color: m.Color, Status: m.Status,
		})
	}
	s.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].UserID < entries[j].UserID
	})
	return entries
}

// Profile returns a copy of the current profile.
func (s *Session) Profile() identity.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// Connect opens the channel. Any previous channel is fully torn down first
// so two live channels for one scope never coexist. A dialer error (missing
// backend configuration) is terminal and returned; transient subscribe
// failures recover through the bounded retry timer.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	old := s.ch
	s.ch = nil
	s.gen++
	s.mu.Unlock()
	if old != nil {
		old.Unsubscribe()
	}
	return s.open(ctx)
}

func (s *Session) open(ctx context.Context) error {
	ch, err := s.dial(s.scope, s.userID)
	if err != nil {
		s.setState(Disconnected)
		return fmt.Errorf("open channel for %s: %w", s.scope, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ch.Unsubscribe()
		return ErrClosed
	}
	s.ch = ch
	s.gen++
	gen := s.gen
	s.tracked = false
	s.mu.Unlock()

	ch.OnBroadcast(wire.BroadcastMessage, func(raw json.RawMessage) { s.onBroadcastMessage(gen, raw) })
	ch.OnBroadcast(wire.BroadcastDelete, func(raw json.RawMessage) { s.onBroadcastDelete(gen, raw) })
	ch.OnBroadcast(wire.BroadcastTyping, func(raw json.RawMessage) { s.onBroadcastTyping(gen, raw) })
	ch.OnPresence(func(kind realtime.PresenceEventKind) { s.onPresence(gen, kind) })
	ch.OnStatus(func(st realtime.Status) { s.onChannelStatus(gen, st) })

	s.setState(Connecting)
	if err := ch.Subscribe(ctx); err != nil {
		log.Warn().Err(err).Str("scope", s.scope).Msg("[session] subscribe failed; will retry")
		s.retry(gen)
		return nil
	}

	s.mu.Lock()
	if gen == s.gen && !s.closed {
		s.confirmTimer = time.AfterFunc(s.subscribeTimeout, func() { s.onConfirmTimeout(gen) })
	}
	s.mu.Unlock()
	return nil
}

// Close tears the session down. Idempotent; safe on every exit path.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	old := s.ch
	s.ch = nil
	s.gen++
	if s.confirmTimer != nil {
		s.confirmTimer.Stop()
	}
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.state = Disconnected
	s.mu.Unlock()
	if old != nil {
		old.Unsubscribe()
	}
}

// current returns the live channel if gen still identifies it. Stale
// callbacks from a torn-down channel fail this check and are dropped,
// preventing cross-room event leakage.
func (s *Session) current(gen int) (Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.gen || s.ch == nil {
		return nil, false
	}
	return s.ch, true
}

func (s *Session) onConfirmTimeout(gen int) {
	s.mu.Lock()
	stale := s.closed || gen != s.gen || s.state != Connecting
	s.mu.Unlock()
	if stale {
		return
	}
	log.Warn().Str("scope", s.scope).Msg("[session] subscribe not confirmed in time; reconnecting")
	s.retry(gen)
}

// retry tears down the current channel and re-attempts with an incremented
// counter. It runs the teardown on a fresh goroutine because it may be
// called from the channel's own reader.
func (s *Session) retry(gen int) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	old := s.ch
	s.ch = nil
	s.gen++
	s.retries++
	if s.confirmTimer != nil {
		s.confirmTimer.Stop()
	}
	s.mu.Unlock()

	go func() {
		if old != nil {
			old.Unsubscribe()
		}
		time.Sleep(s.retryDelay)
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		if err := s.open(context.Background()); err != nil {
			log.Error().Err(err).Str("scope", s.scope).Msg("[session] reconnect failed")
		}
	}()
}

func (s *Session) onChannelStatus(gen int, st realtime.Status) {
	switch st {
	case realtime.StatusSubscribed:
		ch, ok := s.current(gen)
		if !ok {
			return
		}
		s.mu.Lock()
		if s.confirmTimer != nil {
			s.confirmTimer.Stop()
		}
		s.state = Subscribed
		s.retries = 0
		first := !s.tracked
		s.tracked = true
		meta := s.profile.Meta(s.userID, s.typing)
		s.mu.Unlock()
		s.notifyState(Subscribed, 0)

		// Announce local presence exactly once per connection, then drain
		// the outbox completely.
		if first {
			if err := ch.Track(meta); err != nil {
				log.Warn().Err(err).Msg("[session] track failed")
			}
		}
		n, err := s.box.Flush(func(m wire.Message) error {
			return ch.Broadcast(wire.BroadcastMessage, m)
		})
		if err != nil {
			log.Warn().Err(err).Msg("[session] outbox flush failed; items kept")
		} else if n > 0 {
			log.Info().Int("count", n).Str("scope", s.scope).Msg("[session] outbox flushed")
		}

	case realtime.StatusError:
		if _, ok := s.current(gen); !ok {
			return
		}
		s.retry(gen)
	}
}

// Send composes a message from the current profile, appends it optimistically
// and publishes it, or queues it in the outbox while not subscribed.
func (s *Session) Send(content string) (stream.Message, error) {
	text := strings.TrimSpace(content)
	if text == "" {
		return stream.Message{}, ErrEmptyMessage
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return stream.Message{}, ErrClosed
	}
	m := wire.Message{
		V:          wire.SchemaVersion,
		ID:         uuid.NewString(),
		UserID:     s.userID,
		Name:       s.profile.Name,
		Content:    text,
		FontFamily: s.profile.FontFamily,
		Color:      s.profile.Color,
		Bubble:     s.profile.Bubble,
		TS:         time.Now().UnixMilli(),
	}
	subscribed := s.state == Subscribed
	ch := s.ch
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	wasTyping := s.typing
	s.typing = false
	meta := s.profile.Meta(s.userID, false)
	s.mu.Unlock()

	s.msgs.Append(m)

	if subscribed && ch != nil {
		if err := ch.Broadcast(wire.BroadcastMessage, m); err != nil {
			// Transient send failure: buffer, do not surface as an error.
			_ = s.box.Enqueue(m)
		}
		if wasTyping {
			_ = ch.Track(meta)
			_ = ch.Broadcast(wire.BroadcastTyping, wire.TypingEvent{V: wire.SchemaVersion, UserID: s.userID, Typing: false})
		}
	} else {
		if err := s.box.Enqueue(m); err != nil {
			return stream.Message{}, fmt.Errorf("queue message: %w", err)
		}
	}
	return stream.Message{Message: m, IsSelf: true}, nil
}

// Delete removes one of the local user's own messages everywhere.
// Author-only: deleting someone else's message is rejected.
func (s *Session) Delete(id string) error {
	m, ok := s.msgs.Get(id)
	if !ok {
		return nil
	}
	if !m.IsSelf {
		return ErrNotAuthor
	}
	s.msgs.Delete(id)

	s.mu.Lock()
	subscribed := s.state == Subscribed
	ch := s.ch
	s.mu.Unlock()
	if subscribed && ch != nil {
		return ch.Broadcast(wire.BroadcastDelete, wire.DeleteEvent{V: wire.SchemaVersion, ID: id, UserID: s.userID})
	}
	return nil
}

// InputChanged marks the local user as typing and arms the debounce timer.
// Each keystroke cancels and replaces the previous timer; the indicator
// reverts after the debounce window elapses with no further keystrokes.
func (s *Session) InputChanged() {
	s.mu.Lock()
	if s.closed || s.state != Subscribed {
		s.mu.Unlock()
		return
	}
	started := !s.typing
	s.typing = true
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = time.AfterFunc(s.typingDebounce, s.typingExpired)
	ch := s.ch
	meta := s.profile.Meta(s.userID, true)
	s.mu.Unlock()

	if started && ch != nil {
		_ = ch.Track(meta)
		_ = ch.Broadcast(wire.BroadcastTyping, wire.TypingEvent{V: wire.SchemaVersion, UserID: s.userID, Typing: true})
	}
}

// Typing reports whether the local typing indicator is currently set.
func (s *Session) Typing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing
}

func (s *Session) typingExpired() {
	s.mu.Lock()
	if s.closed || !s.typing {
		s.mu.Unlock()
		return
	}
	s.typing = false
	ch := s.ch
	subscribed := s.state == Subscribed
	meta := s.profile.Meta(s.userID, false)
	s.mu.Unlock()

	if subscribed && ch != nil {
		_ = ch.Track(meta)
		_ = ch.Broadcast(wire.BroadcastTyping, wire.TypingEvent{V: wire.SchemaVersion, UserID: s.userID, Typing: false})
	}
}

// UpdateProfile applies mutate to the profile, persists it, and re-tracks so
// other participants see the change immediately.
func (s *Session) UpdateProfile(mutate func(p *identity.Profile)) error {
	s.mu.Lock()
	mutate(&s.profile)
	if s.profile.Name == "" {
		s.profile.Name = identity.DefaultProfile().Name
	}
	p := s.profile
	s.mu.Unlock()

	if err := s.st.SaveProfile(p); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	s.Retrack()
	return nil
}

// Retrack republishes the local presence payload and refreshes the roster
// from the last known state. Used after profile edits and on demand when the
// client returns to the foreground.
func (s *Session) Retrack() {
	s.mu.Lock()
	subscribed := s.state == Subscribed
	ch := s.ch
	meta := s.profile.Meta(s.userID, s.typing)
	s.mu.Unlock()
	if !subscribed || ch == nil {
		return
	}
	_ = ch.Track(meta)
	s.publishRoster(ch)
}

func (s *Session) onBroadcastMessage(gen int, raw json.RawMessage) {
	if _, ok := s.current(gen); !ok {
		return
	}
	m, err := wire.DecodeMessage(raw)
	if err != nil {
		log.Debug().Err(err).Msg("[session] dropping malformed message")
		return
	}
	if !s.msgs.Append(m) {
		return // duplicate delivery, silently ignored
	}
	if s.handlers.OnMessage != nil {
		s.handlers.OnMessage(stream.Message{Message: m, IsSelf: m.UserID == s.userID})
	}
}

func (s *Session) onBroadcastDelete(gen int, raw json.RawMessage) {
	if _, ok := s.current(gen); !ok {
		return
	}
	d, err := wire.DecodeDelete(raw)
	if err != nil {
		return
	}
	if m, ok := s.msgs.Get(d.ID); ok && d.UserID != "" && m.UserID != d.UserID {
		return // author-only: ignore deletes from anyone else
	}
	if s.msgs.Delete(d.ID) && s.handlers.OnDelete != nil {
		s.handlers.OnDelete(d.ID)
	}
}

func (s *Session) onBroadcastTyping(gen int, raw json.RawMessage) {
	if _, ok := s.current(gen); !ok {
		return
	}
	t, err := wire.DecodeTyping(raw)
	if err != nil || t.UserID == s.userID {
		return
	}
	if s.handlers.OnTyping != nil {
		s.handlers.OnTyping(t.UserID, t.Typing)
	}
}

// onPresence treats every presence cue as a reason to re-query the full
// state rather than trusting the delta payload.
func (s *Session) onPresence(gen int, kind realtime.PresenceEventKind) {
	ch, ok := s.current(gen)
	if !ok {
		return
	}
	state := ch.PresenceState()

	switch kind {
	case realtime.PresenceSync:
		s.cache.MarkSeen(allMetas(state))
		s.cache.Reconcile(roster.OnlineIDs(state))
	case realtime.PresenceJoin:
		s.cache.MarkSeen(allMetas(state))
	case realtime.PresenceLeave:
		s.cache.Reconcile(roster.OnlineIDs(state))
	}

	s.applyRoster(state)
}

func (s *Session) publishRoster(ch Channel) {
	s.applyRoster(ch.PresenceState())
}

func (s *Session) applyRoster(state wire.PresenceState) {
	s.mu.Lock()
	entries, changed := s.sync.Apply(state)
	s.mu.Unlock()
	if changed && s.handlers.OnRoster != nil {
		s.handlers.OnRoster(entries)
	}
}

func (s *Session) selfMeta() wire.PresenceMeta {
	// Called by the synchronizer under s.mu; no locking here.
	return wire.PresenceMeta{
		V:          wire.SchemaVersion,
		UserID:     s.userID,
		Name:       s.profile.Name,
		FontFamily: s.profile.FontFamily,
		Color:      s.profile.Color,
		Status:     s.profile.Status,
		Typing:     false,
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	retries := s.retries
	s.mu.Unlock()
	s.notifyState(st, retries)
}

func (s *Session) notifyState(st State, retries int) {
	if s.handlers.OnState != nil {
		s.handlers.OnState(st, retries)
	}
}

func allMetas(state wire.PresenceState) []wire.PresenceMeta {
	out := make([]wire.PresenceMeta, 0, len(state))
	for _, metas := range state {
		out = append(out, metas...)
	}
	return out
}
