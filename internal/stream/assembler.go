// Package stream assembles the visible message list: inbound broadcasts are
// deduplicated by id and merged with optimistically appended local sends.
// Messages render in append order; no reordering or gap-filling is attempted.
package stream

import (
	"sync"

	"github.com/gosuda/roomchat/internal/wire"
)

// Message is a wire message annotated with whether the local user sent it.
type Message struct {
	wire.Message
	IsSelf bool
}

// Assembler keeps the ordered message list and the seen-id set.
type Assembler struct {
	selfID string

	mu   sync.RWMutex
	seen map[string]struct{}
	msgs []Message
}

func New(selfID string) *Assembler {
	return &Assembler{
		selfID: selfID,
		seen:   make(map[string]struct{}),
		msgs:   make([]Message, 0, 64),
	}
}

// Append adds a message to the list unless its id was already seen.
// It reports whether the message was actually added, so a repeated
// broadcast of the same id never renders twice.
func (a *Assembler) Append(m wire.Message) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.seen[m.ID]; dup {
		return false
	}
	a.seen[m.ID] = struct{}{}
	a.msgs = append(a.msgs, Message{Message: m, IsSelf: m.UserID == a.selfID})
	return true
}

// Delete removes the message with the given id. Deleting an id that was
// never added is a no-op.
func (a *Assembler) Delete(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, m := range a.msgs {
		if m.ID == id {
			a.msgs = append(a.msgs[:i], a.msgs[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns the message with the given id, if present in the list.
func (a *Assembler) Get(id string) (Message, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, m := range a.msgs {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

// Messages returns a snapshot of the list in append order.
func (a *Assembler) Messages() []Message {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Message(nil), a.msgs...)
}

// Len reports the number of visible messages.
func (a *Assembler) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.msgs)
}
