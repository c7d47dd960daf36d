// Package realtime is a thin client for the backend's channel contract:
// subscribe to a named topic, track a presence payload, broadcast events,
// and query the presence table on demand.
package realtime

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Config carries the backend endpoint settings.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://localhost:4020/realtime/websocket.
	// http(s) schemes are accepted and rewritten to ws(s).
	URL string
	// APIKey is the public API key passed on every connection.
	APIKey string
	// EventsPerSecond caps outbound broadcast frames. Defaults to 10.
	EventsPerSecond int
	// HandshakeTimeout bounds the websocket dial. Defaults to 10s.
	HandshakeTimeout time.Duration
}

// ErrNotConfigured is returned when the endpoint URL or API key is missing.
// This is a terminal configuration error: there is no degraded mode.
var ErrNotConfigured = errors.New("realtime: endpoint URL and API key are required")

// Client dials channels against one backend endpoint.
type Client struct {
	wsURL   *url.URL
	apiKey  string
	sendGap time.Duration
	dialer  *websocket.Dialer
}

// NewClient validates the config and builds a client. It does not connect.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" || cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("realtime: parse endpoint URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("realtime: unsupported endpoint scheme %q", u.Scheme)
	}
	eps := cfg.EventsPerSecond
	if eps <= 0 {
		eps = 10
	}
	hst := cfg.HandshakeTimeout
	if hst <= 0 {
		hst = 10 * time.Second
	}
	return &Client{
		wsURL:   u,
		apiKey:  cfg.APIKey,
		sendGap: time.Second / time.Duration(eps),
		dialer:  &websocket.Dialer{HandshakeTimeout: hst},
	}, nil
}

// The backend client is process-wide: constructed lazily once and reused.
// Construction failure is remembered and reported to every caller so they
// can degrade gracefully instead of panicking.
var (
	globalMu  sync.Mutex
	globalCfg Config
	global    *Client
	globalErr error
	globalUp  bool
)

// Configure sets the endpoint used by Get. Calling it again resets any
// previously constructed global client.
func Configure(cfg Config) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCfg = cfg
	global = nil
	globalErr = nil
	globalUp = false
}

// Get returns the process-wide client, constructing it on first use.
func Get() (*Client, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if !globalUp {
		global, globalErr = NewClient(globalCfg)
		globalUp = true
	}
	return global, globalErr
}
