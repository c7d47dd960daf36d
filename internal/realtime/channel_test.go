package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/roomchat/internal/devserver"
	"github.com/gosuda/roomchat/internal/wire"
)

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{})
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewClient(Config{URL: "http://localhost:4020", APIKey: ""})
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewClient(Config{URL: "ftp://localhost", APIKey: "k"})
	assert.Error(t, err)

	c, err := NewClient(Config{URL: "http://localhost:4020/realtime/websocket", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "ws", c.wsURL.Scheme)

	c, err = NewClient(Config{URL: "https://example.com/realtime/websocket", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "wss", c.wsURL.Scheme)
}

func TestGlobalClientRemembersError(t *testing.T) {
	Configure(Config{})
	_, err := Get()
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = Get()
	assert.ErrorIs(t, err, ErrNotConfigured, "construction failure is sticky")

	Configure(Config{URL: "ws://localhost:4020/realtime/websocket", APIKey: "k"})
	first, err := Get()
	require.NoError(t, err)
	second, err := Get()
	require.NoError(t, err)
	assert.Same(t, first, second, "the global client is built once")
}

// testBackend runs the dev server behind httptest and hands out clients.
type testBackend struct {
	srv *devserver.Server
	ts  *httptest.Server
}

func startBackend(t *testing.T) *testBackend {
	t.Helper()
	srv, err := devserver.New(devserver.Options{APIKey: "test-key"})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return &testBackend{srv: srv, ts: ts}
}

func (b *testBackend) client(t *testing.T, apiKey string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		URL:             b.ts.URL + "/realtime/websocket",
		APIKey:          apiKey,
		EventsPerSecond: 1000,
	})
	require.NoError(t, err)
	return c
}

// subscriber bundles a channel with recorded events for assertions.
type subscriber struct {
	ch       *Channel
	statuses chan Status
	presence chan PresenceEventKind
	messages chan wire.Message
}

func subscribe(t *testing.T, c *Client, topic, key string) *subscriber {
	t.Helper()
	s := &subscriber{
		ch:       c.Channel(topic, key),
		statuses: make(chan Status, 16),
		presence: make(chan PresenceEventKind, 16),
		messages: make(chan wire.Message, 16),
	}
	s.ch.OnStatus(func(st Status) { s.statuses <- st })
	s.ch.OnPresence(func(k PresenceEventKind) { s.presence <- k })
	s.ch.OnBroadcast(wire.BroadcastMessage, func(raw json.RawMessage) {
		m, err := wire.DecodeMessage(raw)
		if err == nil {
			s.messages <- m
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.ch.Subscribe(ctx))
	t.Cleanup(s.ch.Unsubscribe)

	require.Equal(t, StatusSubscribed, s.waitStatus(t), "join must be confirmed")
	return s
}

func (s *subscriber) waitStatus(t *testing.T) Status {
	t.Helper()
	select {
	case st := <-s.statuses:
		return st
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for status")
		return StatusClosed
	}
}

func (s *subscriber) waitMessage(t *testing.T) wire.Message {
	t.Helper()
	select {
	case m := <-s.messages:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for broadcast")
		return wire.Message{}
	}
}

func hasUser(state wire.PresenceState, userID string) bool {
	for _, metas := range state {
		for _, m := range metas {
			if m.UserID == userID {
				return true
			}
		}
	}
	return false
}

func TestSubscribeRejectsBadAPIKey(t *testing.T) {
	b := startBackend(t)
	c := b.client(t, "wrong-key")
	ch := c.Channel("room:AUTH", "u1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Error(t, ch.Subscribe(ctx))
}

func TestPresenceTrackAndLeave(t *testing.T) {
	b := startBackend(t)
	c := b.client(t, "test-key")

	a := subscribe(t, c, "room:PRES", "ua")
	require.NoError(t, a.ch.Track(wire.PresenceMeta{UserID: "ua", Name: "Ann"}))
	assert.Eventually(t, func() bool {
		return hasUser(a.ch.PresenceState(), "ua")
	}, 5*time.Second, 10*time.Millisecond, "own track lands in the state table")

	bsub := subscribe(t, c, "room:PRES", "ub")
	require.NoError(t, bsub.ch.Track(wire.PresenceMeta{UserID: "ub", Name: "Bob"}))

	// Both sides converge on the same two-person table.
	for _, s := range []*subscriber{a, bsub} {
		assert.Eventually(t, func() bool {
			st := s.ch.PresenceState()
			return hasUser(st, "ua") && hasUser(st, "ub")
		}, 5*time.Second, 10*time.Millisecond)
	}

	// Dropping B announces the leave and shrinks A's state.
	bsub.ch.Unsubscribe()
	assert.Eventually(t, func() bool {
		st := a.ch.PresenceState()
		return hasUser(st, "ua") && !hasUser(st, "ub")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBroadcastFanoutSkipsSender(t *testing.T) {
	b := startBackend(t)
	c := b.client(t, "test-key")

	a := subscribe(t, c, "room:FAN", "ua")
	bsub := subscribe(t, c, "room:FAN", "ub")

	sent := wire.Message{ID: "m1", UserID: "ua", Name: "Ann", Content: "hello"}
	require.NoError(t, a.ch.Broadcast(wire.BroadcastMessage, sent))

	got := bsub.waitMessage(t)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, sent.Content, got.Content)

	// The server never echoes a broadcast back to its origin.
	select {
	case m := <-a.messages:
		t.Fatalf("sender received its own broadcast back: %+v", m)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBroadcastIsolatedPerTopic(t *testing.T) {
	b := startBackend(t)
	c := b.client(t, "test-key")

	a := subscribe(t, c, "room:ONE", "ua")
	other := subscribe(t, c, "room:TWO", "ub")

	require.NoError(t, a.ch.Broadcast(wire.BroadcastMessage, wire.Message{ID: "m1", UserID: "ua", Content: "x"}))

	select {
	case m := <-other.messages:
		t.Fatalf("broadcast leaked across topics: %+v", m)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestUnsubscribeIsIdempotentAndSilencesHandlers(t *testing.T) {
	b := startBackend(t)
	c := b.client(t, "test-key")

	a := subscribe(t, c, "room:BYE", "ua")
	a.ch.Unsubscribe()
	a.ch.Unsubscribe()

	assert.Equal(t, StatusClosed, a.ch.Status())
	assert.ErrorIs(t, a.ch.Broadcast(wire.BroadcastMessage, wire.Message{ID: "m", UserID: "ua"}), ErrChannelClosed)
	assert.ErrorIs(t, a.ch.Track(wire.PresenceMeta{UserID: "ua"}), ErrChannelClosed)
}

func TestPresenceStateIsSanitizedOnReceipt(t *testing.T) {
	b := startBackend(t)
	c := b.client(t, "test-key")
	ch := c.Channel("room:X", "ua")

	// Presence tables come from peers via the backend; a hosted backend does
	// not sanitize them for us.
	payload, _ := json.Marshal(wire.PresencePayload{State: wire.PresenceState{
		"u1": {{UserID: "u1", Name: "<script>alert(1)</script>Bob"}},
		"u2": {{Name: "no user id"}},
	}})
	ch.applyPresence(payload, PresenceSync)

	state := ch.PresenceState()
	require.Contains(t, state, "u1")
	assert.Equal(t, "Bob", state["u1"][0].Name)
	assert.NotEmpty(t, state["u1"][0].FontFamily, "defaults applied on receipt")
	assert.NotContains(t, state, "u2", "metas without a user id are dropped")
}

func TestWriteFailureTearsDownConnection(t *testing.T) {
	b := startBackend(t)
	c := b.client(t, "test-key")
	a := subscribe(t, c, "room:WF", "ua")

	// Force the next write to fail while the read side is still healthy.
	a.ch.mu.Lock()
	conn := a.ch.conn
	a.ch.mu.Unlock()
	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(-time.Second)))

	require.NoError(t, a.ch.Broadcast(wire.BroadcastMessage, wire.Message{ID: "m", UserID: "ua"}))
	assert.Equal(t, StatusError, a.waitStatus(t), "a dead writer must surface as a connection error")
}

func TestConnectionLossReportsError(t *testing.T) {
	b := startBackend(t)
	c := b.client(t, "test-key")

	a := subscribe(t, c, "room:DROP", "ua")

	// Server-side force close looks like a lost connection to the client.
	b.srv.Close()
	assert.Eventually(t, func() bool {
		select {
		case st := <-a.statuses:
			return st == StatusError
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}
