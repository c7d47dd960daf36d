package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/roomchat/internal/wire"
)

// Status is the channel lifecycle state as reported by the backend.
type Status int

const (
	StatusClosed Status = iota
	StatusJoining
	StatusSubscribed
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusJoining:
		return "joining"
	case StatusSubscribed:
		return "subscribed"
	case StatusError:
		return "error"
	default:
		return "closed"
	}
}

// PresenceEventKind distinguishes the three presence event cues.
type PresenceEventKind int

const (
	PresenceSync PresenceEventKind = iota
	PresenceJoin
	PresenceLeave
)

var ErrChannelClosed = errors.New("realtime: channel closed")

const heartbeatInterval = 25 * time.Second

// Channel is one logical channel subscription. Handlers must be registered
// before Subscribe; they are dispatched from a single reader goroutine, so
// within one channel they never run concurrently.
type Channel struct {
	client      *Client
	topic       string
	presenceKey string

	mu          sync.Mutex
	conn        *websocket.Conn
	status      Status
	state       wire.PresenceState
	onBroadcast map[string]func(json.RawMessage)
	onPresence  func(PresenceEventKind)
	onStatus    func(Status)

	send      chan wire.Frame
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	lastBroadcast time.Time
}

// Channel creates an unsubscribed channel for topic. presenceKey is the key
// the backend files this connection's presence payload under (the user id).
func (c *Client) Channel(topic, presenceKey string) *Channel {
	return &Channel{
		client:      c,
		topic:       topic,
		presenceKey: presenceKey,
		status:      StatusClosed,
		state:       wire.PresenceState{},
		onBroadcast: make(map[string]func(json.RawMessage)),
		send:        make(chan wire.Frame, 64),
		done:        make(chan struct{}),
	}
}

// Topic returns the channel's topic name.
func (ch *Channel) Topic() string { return ch.topic }

// OnBroadcast registers a handler for one broadcast sub-event.
func (ch *Channel) OnBroadcast(event string, fn func(payload json.RawMessage)) {
	ch.mu.Lock()
	ch.onBroadcast[event] = fn
	ch.mu.Unlock()
}

// OnPresence registers the handler invoked on every presence cue.
func (ch *Channel) OnPresence(fn func(PresenceEventKind)) {
	ch.mu.Lock()
	ch.onPresence = fn
	ch.mu.Unlock()
}

// OnStatus registers the handler invoked on subscription status changes.
func (ch *Channel) OnStatus(fn func(Status)) {
	ch.mu.Lock()
	ch.onStatus = fn
	ch.mu.Unlock()
}

// Subscribe dials the backend and requests the join. It returns once the
// connection is established; the confirmed-subscribed transition is reported
// asynchronously through the status handler.
func (ch *Channel) Subscribe(ctx context.Context) error {
	u := *ch.client.wsURL
	q := u.Query()
	q.Set("apikey", ch.client.apiKey)
	q.Set("topic", ch.topic)
	u.RawQuery = q.Encode()

	conn, _, err := ch.client.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}

	ch.mu.Lock()
	ch.conn = conn
	ch.status = StatusJoining
	ch.mu.Unlock()

	ch.wg.Add(1)
	go func() {
		ch.writePump(conn)
		ch.wg.Done()
	}()
	ch.wg.Add(1)
	go func() {
		ch.readPump(conn)
		ch.wg.Done()
	}()

	join, _ := json.Marshal(wire.JoinPayload{V: wire.SchemaVersion, PresenceKey: ch.presenceKey})
	return ch.enqueue(wire.Frame{Topic: ch.topic, Event: wire.EventJoin, Payload: join, Ref: uuid.NewString()})
}

// Track publishes or updates this connection's presence payload.
func (ch *Channel) Track(meta wire.PresenceMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return ch.enqueue(wire.Frame{Topic: ch.topic, Event: wire.EventTrack, Payload: raw})
}

// Broadcast publishes an application event to all other subscribers.
// Fire-and-forget: no delivery acknowledgment is modeled.
func (ch *Channel) Broadcast(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env, _ := json.Marshal(wire.BroadcastEnvelope{Event: event, Payload: raw})
	return ch.enqueue(wire.Frame{Topic: ch.topic, Event: wire.EventBroadcast, Payload: env})
}

// PresenceState returns a snapshot of the backend's presence table as last
// reported for this channel. It is queryable on demand so consumers can
// reconcile by re-flattening instead of trusting deltas.
func (ch *Channel) PresenceState() wire.PresenceState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make(wire.PresenceState, len(ch.state))
	for k, metas := range ch.state {
		out[k] = append([]wire.PresenceMeta(nil), metas...)
	}
	return out
}

// Status returns the current subscription status.
func (ch *Channel) Status() Status {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.status
}

// Unsubscribe releases the channel and unregisters all handlers. It is
// idempotent and safe to call on every exit path.
func (ch *Channel) Unsubscribe() {
	ch.closeOnce.Do(func() {
		ch.mu.Lock()
		conn := ch.conn
		ch.status = StatusClosed
		ch.mu.Unlock()

		close(ch.done)
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		}
		ch.wg.Wait()

		// Unregister handlers so a stale channel can never leak events into
		// a newer session for a different scope.
		ch.mu.Lock()
		ch.onBroadcast = make(map[string]func(json.RawMessage))
		ch.onPresence = nil
		ch.onStatus = nil
		ch.mu.Unlock()
	})
}

func (ch *Channel) enqueue(f wire.Frame) error {
	// Check done first: with a closed channel the buffered send could
	// otherwise win the select and silently accept a frame nothing drains.
	select {
	case <-ch.done:
		return ErrChannelClosed
	default:
	}
	select {
	case <-ch.done:
		return ErrChannelClosed
	case ch.send <- f:
		return nil
	}
}

func (ch *Channel) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	// A dead writer must kill the connection too, otherwise the reader keeps
	// the channel looking healthy while sends back up. Closing here forces
	// readPump into its error path; during Unsubscribe the close is a no-op.
	defer func() { _ = conn.Close() }()
	for {
		select {
		case <-ch.done:
			return
		case f := <-ch.send:
			if f.Event == wire.EventBroadcast {
				// Outbound pacing inherited from the backend's rate limit.
				if gap := ch.client.sendGap - time.Since(ch.lastBroadcast); gap > 0 {
					time.Sleep(gap)
				}
				ch.lastBroadcast = time.Now()
			}
			if err := conn.WriteJSON(f); err != nil {
				log.Debug().Err(err).Str("topic", ch.topic).Msg("[realtime] write failed")
				return
			}
		case <-ticker.C:
			hb := wire.Frame{Topic: ch.topic, Event: wire.EventHeartbeat}
			if err := conn.WriteJSON(hb); err != nil {
				return
			}
		}
	}
}

func (ch *Channel) readPump(conn *websocket.Conn) {
	for {
		var f wire.Frame
		if err := conn.ReadJSON(&f); err != nil {
			select {
			case <-ch.done:
				// Expected during Unsubscribe.
			default:
				log.Debug().Err(err).Str("topic", ch.topic).Msg("[realtime] connection lost")
				ch.setStatus(StatusError)
			}
			return
		}
		ch.dispatch(f)
	}
}

func (ch *Channel) dispatch(f wire.Frame) {
	switch f.Event {
	case wire.EventJoined:
		ch.setStatus(StatusSubscribed)

	case wire.EventPresenceState:
		ch.applyPresence(f.Payload, PresenceSync)

	case wire.EventPresenceJoin:
		ch.applyPresence(f.Payload, PresenceJoin)

	case wire.EventPresenceLeave:
		ch.applyPresence(f.Payload, PresenceLeave)

	case wire.EventBroadcast:
		var env wire.BroadcastEnvelope
		if err := json.Unmarshal(f.Payload, &env); err != nil {
			log.Debug().Err(err).Msg("[realtime] bad broadcast envelope")
			return
		}
		ch.mu.Lock()
		fn := ch.onBroadcast[env.Event]
		ch.mu.Unlock()
		if fn != nil {
			fn(env.Payload)
		}

	case wire.EventHeartbeat:
		// Server echo; nothing to do.
	}
}

func (ch *Channel) applyPresence(raw json.RawMessage, kind PresenceEventKind) {
	var p wire.PresencePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Debug().Err(err).Msg("[realtime] bad presence payload")
		return
	}
	ch.mu.Lock()
	if p.State != nil {
		ch.state = cleanState(p.State)
	}
	fn := ch.onPresence
	ch.mu.Unlock()
	if fn != nil {
		fn(kind)
	}
}

// cleanState sanitizes every meta in a server-reported presence table.
// Payloads that fail validation are dropped; the backend is not trusted to
// have sanitized what peers tracked.
func cleanState(state wire.PresenceState) wire.PresenceState {
	out := make(wire.PresenceState, len(state))
	for key, metas := range state {
		kept := make([]wire.PresenceMeta, 0, len(metas))
		for _, m := range metas {
			cm, err := wire.CleanMeta(m)
			if err != nil {
				continue
			}
			kept = append(kept, cm)
		}
		if len(kept) > 0 {
			out[key] = kept
		}
	}
	return out
}

func (ch *Channel) setStatus(s Status) {
	ch.mu.Lock()
	ch.status = s
	fn := ch.onStatus
	ch.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}
