package roster

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble/v2"

	"github.com/gosuda/roomchat/internal/wire"
)

// CachedEntry is one remembered participant of a room. Online is advisory
// UI decoration; the live roster, not the cache, decides who is online now.
type CachedEntry struct {
	UserID     string `json:"userId"`
	Name       string `json:"name"`
	FontFamily string `json:"fontFamily"`
	Color      string `json:"color"`
	Status     string `json:"status"`
	Online     bool   `json:"online"`
	LastSeen   int64  `json:"lastSeen"`
}

// Cache is a persisted per-room roster of everyone ever observed online.
// Keys are "<room>/<userId>". A nil cache is usable and keeps nothing.
type Cache struct {
	db   *pebble.DB
	room string
	mu   sync.Mutex
	now  func() time.Time
}

// OpenCache opens the roster cache at dir, scoped to room.
func OpenCache(dir, room string) (*Cache, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Cache{db: db, room: room, now: time.Now}, nil
}

func (c *Cache) key(userID string) []byte {
	return []byte(c.room + "/" + userID)
}

// MarkSeen records every meta as online with a fresh lastSeen stamp.
func (c *Cache) MarkSeen(metas []wire.PresenceMeta) {
	if c == nil || c.db == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.now().UnixMilli()
	for _, m := range metas {
		if m.UserID == "" {
			continue
		}
		e := CachedEntry{
			UserID:     m.UserID,
			Name:       m.Name,
			FontFamily: m.FontFamily,
			Color:      m.Color,
			Status:     m.Status,
			Online:     true,
			LastSeen:   ts,
		}
		val, _ := json.Marshal(e)
		_ = c.db.Set(c.key(m.UserID), val, pebble.Sync)
	}
}

// Reconcile flips every cached id not in online to offline, stamping
// lastSeen the moment it is first observed missing. Entries already offline
// keep their original stamp.
func (c *Cache) Reconcile(online map[string]bool) {
	if c == nil || c.db == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.now().UnixMilli()
	for _, e := range c.all() {
		switch {
		case online[e.UserID] && !e.Online:
			e.Online = true
			e.LastSeen = ts
		case !online[e.UserID] && e.Online:
			e.Online = false
			e.LastSeen = ts
		default:
			continue
		}
		val, _ := json.Marshal(e)
		_ = c.db.Set(c.key(e.UserID), val, pebble.Sync)
	}
}

// People returns the cached roster ordered online-first, then by name.
func (c *Cache) People() []CachedEntry {
	if c == nil || c.db == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	people := c.all()
	sort.Slice(people, func(i, j int) bool {
		if people[i].Online != people[j].Online {
			return people[i].Online
		}
		return people[i].Name < people[j].Name
	})
	return people
}

// Evict removes a user from the cache.
func (c *Cache) Evict(userID string) {
	if c == nil || c.db == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.db.Delete(c.key(userID), pebble.Sync)
}

func (c *Cache) all() []CachedEntry {
	prefix := c.room + "/"
	it, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(c.room + "0"), // '0' is '/'+1
	})
	if err != nil {
		return nil
	}
	defer func() { _ = it.Close() }()
	out := make([]CachedEntry, 0, 16)
	for it.First(); it.Valid(); it.Next() {
		if !strings.HasPrefix(string(it.Key()), prefix) {
			continue
		}
		var e CachedEntry
		if err := json.Unmarshal(it.Value(), &e); err == nil {
			out = append(out, e)
		}
	}
	return out
}

func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}
