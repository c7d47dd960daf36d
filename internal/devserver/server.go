// Package devserver is a development stand-in for the hosted realtime
// backend. It speaks the same channel contract the client consumes:
// join/track/broadcast frames in, joined/presence/broadcast frames out,
// with per-topic presence and no self-echo on broadcasts.
package devserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/roomchat/internal/wire"
)

// Options configures the dev server.
type Options struct {
	// APIKey is required on every websocket connection.
	APIKey string
	// DataPath optionally persists broadcast message history via PebbleDB.
	DataPath string
}

// Server fans out broadcasts and maintains presence per topic.
type Server struct {
	apiKey   string
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	topics map[string]map[*client]struct{}
	hist   *historyStore
	wg     sync.WaitGroup
}

type client struct {
	ws          *websocket.Conn
	topic       string
	presenceKey string
	meta        *wire.PresenceMeta // nil until the first track
	send        chan wire.Frame
	once        sync.Once
}

func New(opts Options) (*Server, error) {
	s := &Server{
		apiKey:   opts.APIKey,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		topics:   map[string]map[*client]struct{}{},
	}
	if opts.DataPath != "" {
		hist, err := openHistoryStore(opts.DataPath)
		if err != nil {
			return nil, err
		}
		s.hist = hist
	}
	return s, nil
}

// Handler builds the router: the websocket endpoint plus health and history.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/realtime/websocket", s.handleWS)
	r.Get("/history/{topic}", s.handleHistory)
	return r
}

// Close force-closes every connection and the history store.
func (s *Server) Close() {
	s.mu.Lock()
	var all []*client
	for _, conns := range s.topics {
		for c := range conns {
			all = append(all, c)
		}
	}
	s.mu.Unlock()
	for _, c := range all {
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"))
		_ = c.ws.Close()
	}
	s.wg.Wait()
	if s.hist != nil {
		if err := s.hist.Close(); err != nil {
			log.Warn().Err(err).Msg("[devserver] history close error")
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.apiKey != "" && r.URL.Query().Get("apikey") != s.apiKey {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
		return
	}
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		http.Error(w, "missing topic", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{
		ws:    conn,
		topic: topic,
		send:  make(chan wire.Frame, 64),
	}
	s.mu.Lock()
	if s.topics[topic] == nil {
		s.topics[topic] = map[*client]struct{}{}
	}
	s.topics[topic][c] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		c.writePump()
		s.wg.Done()
	}()
	s.wg.Add(1)
	go func() {
		s.readLoop(c)
		s.drop(c)
		s.wg.Done()
	}()
}

func (c *client) writePump() {
	for f := range c.send {
		if err := c.ws.WriteJSON(f); err != nil {
			return
		}
	}
}

func (c *client) push(f wire.Frame) {
	select {
	case c.send <- f:
	default:
		// Slow consumer; broadcast delivery is at-most-once.
	}
}

func (s *Server) readLoop(c *client) {
	for {
		var f wire.Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			return
		}
		switch f.Event {
		case wire.EventJoin:
			var jp wire.JoinPayload
			if err := json.Unmarshal(f.Payload, &jp); err != nil || jp.PresenceKey == "" {
				jp.PresenceKey = uuid.NewString()
			}
			c.presenceKey = jp.PresenceKey
			c.push(wire.Frame{Topic: c.topic, Event: wire.EventJoined, Ref: f.Ref})
			state, _ := json.Marshal(wire.PresencePayload{State: s.presenceState(c.topic)})
			c.push(wire.Frame{Topic: c.topic, Event: wire.EventPresenceState, Payload: state})

		case wire.EventTrack:
			meta, err := wire.DecodeMeta(f.Payload)
			if err != nil {
				continue
			}
			s.mu.Lock()
			c.meta = &meta
			s.mu.Unlock()
			s.broadcastPresence(c.topic, wire.EventPresenceJoin, c.presenceKey, []wire.PresenceMeta{meta})

		case wire.EventBroadcast:
			s.fanout(c, f)

		case wire.EventHeartbeat:
			c.push(wire.Frame{Topic: c.topic, Event: wire.EventHeartbeat})

		case wire.EventLeave:
			return
		}
	}
}

// drop removes the connection and, if it had tracked presence, announces the
// leave with a fresh full state snapshot.
func (s *Server) drop(c *client) {
	s.mu.Lock()
	conns := s.topics[c.topic]
	if conns != nil {
		delete(conns, c)
		if len(conns) == 0 {
			delete(s.topics, c.topic)
		}
	}
	tracked := c.meta != nil
	var metas []wire.PresenceMeta
	if tracked {
		metas = []wire.PresenceMeta{*c.meta}
	}
	s.mu.Unlock()

	c.once.Do(func() { close(c.send) })
	_ = c.ws.Close()

	if tracked {
		s.broadcastPresence(c.topic, wire.EventPresenceLeave, c.presenceKey, metas)
	}
}

// presenceState builds the raw table: presence key -> one meta per tracked
// connection. Untracked connections are invisible.
func (s *Server) presenceState(topic string) wire.PresenceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := wire.PresenceState{}
	for c := range s.topics[topic] {
		if c.meta == nil {
			continue
		}
		state[c.presenceKey] = append(state[c.presenceKey], *c.meta)
	}
	return state
}

// broadcastPresence pushes a presence event, always carrying the full
// authoritative state, to every connection on the topic including the origin.
func (s *Server) broadcastPresence(topic, event, key string, metas []wire.PresenceMeta) {
	payload, _ := json.Marshal(wire.PresencePayload{
		Key:   key,
		Metas: metas,
		State: s.presenceState(topic),
	})
	f := wire.Frame{Topic: topic, Event: event, Payload: payload}
	for _, c := range s.conns(topic) {
		c.push(f)
	}
}

// fanout delivers a broadcast frame to every other subscriber of the topic.
// The sender never receives its own broadcast back.
func (s *Server) fanout(from *client, f wire.Frame) {
	f.Topic = from.topic
	for _, c := range s.conns(from.topic) {
		if c == from {
			continue
		}
		c.push(f)
	}
	if s.hist != nil {
		var env wire.BroadcastEnvelope
		if err := json.Unmarshal(f.Payload, &env); err == nil && env.Event == wire.BroadcastMessage {
			if m, err := wire.DecodeMessage(env.Payload); err == nil {
				if err := s.hist.Append(from.topic, m); err != nil {
					log.Debug().Err(err).Msg("[devserver] persist message")
				}
			}
		}
	}
}

func (s *Server) conns(topic string) []*client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*client, 0, len(s.topics[topic]))
	for c := range s.topics[topic] {
		out = append(out, c)
	}
	return out
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	if s.hist == nil {
		http.Error(w, "history not enabled", http.StatusNotFound)
		return
	}
	msgs, err := s.hist.LoadRecent(topic, 100)
	if err != nil {
		http.Error(w, "history read error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Topic    string         `json:"topic"`
		Messages []wire.Message `json:"messages"`
		At       time.Time      `json:"at"`
	}{Topic: topic, Messages: msgs, At: time.Now().UTC()})
}
