// Package roster reconciles the backend's raw presence table into a flat,
// deduplicated, deterministically ordered participant list, and keeps an
// advisory per-room offline roster cache.
package roster

import (
	"sort"
	"strings"

	"github.com/gosuda/roomchat/internal/wire"
)

// Entry is one participant in the live roster, keyed by user id.
type Entry struct {
	UserID     string
	Name       string
	FontFamily string
	Color      string
	Status     string
	Typing     bool
}

// Synchronizer converts presence state snapshots into a stable roster.
// Every presence event (sync, join or leave) is treated as a cue to re-run
// the full flatten from state, so a missed or reordered delta can never
// leave the roster stale.
type Synchronizer struct {
	selfID string
	self   func() wire.PresenceMeta

	fingerprint string
}

// NewSynchronizer creates a synchronizer for the local user. self supplies
// the presence payload used to synthesize the local entry when the backend
// has not yet echoed the local track.
func NewSynchronizer(selfID string, self func() wire.PresenceMeta) *Synchronizer {
	return &Synchronizer{selfID: selfID, self: self}
}

// Apply flattens state into the ordered roster. The returned bool reports
// whether the roster changed since the last published one; callers should
// skip downstream updates when it is false.
func (s *Synchronizer) Apply(state wire.PresenceState) ([]Entry, bool) {
	entries := Flatten(state)

	if s.selfID != "" {
		found := false
		for _, e := range entries {
			if e.UserID == s.selfID {
				found = true
				break
			}
		}
		if !found && s.self != nil {
			m := s.self()
			entries = append(entries, fromMeta(m))
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].UserID < entries[j].UserID
	})

	fp := fingerprint(entries)
	if fp == s.fingerprint {
		return entries, false
	}
	s.fingerprint = fp
	return entries, true
}

// Flatten collapses the raw per-connection table into one entry per user id.
// Duplicate payloads for the same id, within one bucket or across buckets,
// collapse last-seen-wins; buckets are visited in sorted key order so the
// result does not depend on map iteration order.
func Flatten(state wire.PresenceState) []Entry {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	byID := make(map[string]Entry, len(state))
	order := make([]string, 0, len(state))
	for _, k := range keys {
		for _, m := range state[k] {
			if m.UserID == "" {
				continue
			}
			if _, seen := byID[m.UserID]; !seen {
				order = append(order, m.UserID)
			}
			byID[m.UserID] = fromMeta(m)
		}
	}

	out := make([]Entry, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

// OnlineIDs returns the set of user ids present in state.
func OnlineIDs(state wire.PresenceState) map[string]bool {
	ids := make(map[string]bool)
	for _, metas := range state {
		for _, m := range metas {
			if m.UserID != "" {
				ids[m.UserID] = true
			}
		}
	}
	return ids
}

func fromMeta(m wire.PresenceMeta) Entry {
	return Entry{
		UserID:     m.UserID,
		Name:       m.Name,
		FontFamily: m.FontFamily,
		Color:      m.Color,
		Status:     m.Status,
		Typing:     m.Typing,
	}
}

// fingerprint is a cheap structural hash over the fields that affect
// rendering order and labels.
func fingerprint(entries []Entry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.UserID)
		b.WriteByte(0x1f)
		b.WriteString(e.Name)
		b.WriteByte(0x1f)
		b.WriteString(e.Status)
		b.WriteByte(0x1f)
		if e.Typing {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
		b.WriteByte(0x1e)
	}
	return b.String()
}
