// Package identity persists the local participant's stable user id, display
// profile, and theme preference in a PebbleDB key-value store.
package identity

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/cockroachdb/pebble/v2"
	"github.com/google/uuid"

	"github.com/gosuda/roomchat/internal/wire"
)

// Profile is the local user's display profile. It is broadcast to other
// participants via presence tracking, never stored centrally.
type Profile struct {
	Name           string   `json:"name"`
	FontFamily     string   `json:"fontFamily"`
	Color          string   `json:"color"`
	Status         string   `json:"status"`
	CustomStatuses []string `json:"customStatuses"`
	Bubble         string   `json:"bubble"`
}

// DefaultProfile returns a fresh profile with a generated guest name.
func DefaultProfile() Profile {
	return Profile{
		Name:       fmt.Sprintf("Guest-%03d", rand.Intn(1000)),
		FontFamily: wire.DefaultFonts[0],
		Color:      wire.DefaultColor,
		Bubble:     wire.DefaultBubble,
	}
}

// AddCustomStatus adds v to the custom status set and selects it.
func (p *Profile) AddCustomStatus(v string) {
	if v == "" {
		return
	}
	if !slices.Contains(p.CustomStatuses, v) {
		p.CustomStatuses = append(p.CustomStatuses, v)
	}
	p.Status = v
}

// RemoveCustomStatus drops v from the custom status set. The current status
// is cleared if it was the removed one.
func (p *Profile) RemoveCustomStatus(v string) {
	p.CustomStatuses = slices.DeleteFunc(p.CustomStatuses, func(s string) bool { return s == v })
	if p.Status == v {
		p.Status = ""
	}
}

// Meta renders the profile as a presence payload for the given user id.
func (p Profile) Meta(userID string, typing bool) wire.PresenceMeta {
	return wire.PresenceMeta{
		V:          wire.SchemaVersion,
		UserID:     userID,
		Name:       p.Name,
		FontFamily: p.FontFamily,
		Color:      p.Color,
		Status:     p.Status,
		Typing:     typing,
	}
}

var (
	keyUserID  = []byte("uid")
	keyProfile = []byte("profile")
	keyTheme   = []byte("theme")
)

// Store is the local identity store. A nil store is usable and keeps nothing.
type Store struct {
	db *pebble.DB
	mu sync.Mutex
}

// Open opens (creating if needed) the identity store at dir.
func Open(dir string) (*Store, error) {
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
	return &Store{db: db}, nil
}

func (s *Store) get(key []byte) ([]byte, bool) {
	if s == nil || s.db == nil {
		return nil, false
	}
	val, closer, err := s.db.Get(key)
	if err != nil {
		return nil, false
	}
	out := append([]byte(nil), val...)
	_ = closer.Close()
	return out, true
}

func (s *Store) set(key, val []byte) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Set(key, val, pebble.Sync)
}

// UserID returns the stored opaque user id, minting and persisting a new one
// on first use. The id is stable for the lifetime of the store.
func (s *Store) UserID() (string, error) {
	if s == nil || s.db == nil {
		return uuid.NewString(), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if val, ok := s.get(keyUserID); ok && len(val) > 0 {
		return string(val), nil
	}
	id := uuid.NewString()
	if err := s.set(keyUserID, []byte(id)); err != nil {
		return "", fmt.Errorf("persist user id: %w", err)
	}
	return id, nil
}

// Profile returns the stored profile merged over defaults, so fields added
// after the profile was first saved degrade gracefully. If nothing is stored
// the defaults are returned as-is.
func (s *Store) Profile() Profile {
	p := DefaultProfile()
	if s == nil || s.db == nil {
		return p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if raw, ok := s.get(keyProfile); ok {
		// Unmarshal over the pre-filled defaults; absent fields keep them.
		_ = json.Unmarshal(raw, &p)
	}
	if p.Name == "" {
		p.Name = DefaultProfile().Name
	}
	if p.FontFamily == "" {
		p.FontFamily = wire.DefaultFonts[0]
	}
	if p.Color == "" {
		p.Color = wire.DefaultColor
	}
	if p.Bubble == "" {
		p.Bubble = wire.DefaultBubble
	}
	return p
}

// SaveProfile persists the profile. An empty name falls back to a generated
// guest name; no other validation is applied.
func (s *Store) SaveProfile(p Profile) error {
	if p.Name == "" {
		p.Name = DefaultProfile().Name
	}
	if s == nil || s.db == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.set(keyProfile, raw)
}

// Theme returns the persisted theme preference, defaulting to "light".
func (s *Store) Theme() string {
	if val, ok := s.get(keyTheme); ok && len(val) > 0 {
		return string(val)
	}
	return "light"
}

// SaveTheme persists the theme preference.
func (s *Store) SaveTheme(theme string) error {
	return s.set(keyTheme, []byte(theme))
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
