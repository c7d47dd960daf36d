// Package outbox buffers locally composed messages while no channel is
// confirmed subscribed, persisted in a PebbleDB key-value store so queued
// items survive a restart. Keys are 8-byte big-endian sequence numbers, so
// iteration order is enqueue order.
package outbox

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble/v2"

	"github.com/gosuda/roomchat/internal/wire"
)

// Queue is the persisted outbox. A nil queue is usable and keeps nothing.
type Queue struct {
	db   *pebble.DB
	mu   sync.Mutex
	next uint64
}

// Open opens (creating if needed) the outbox at dir.
func Open(dir string) (*Queue, error) {
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
	q := &Queue{db: db}
	// Discover next sequence by reading the last key.
	it, err := db.NewIter(nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()
	if it.Last() {
		if len(it.Key()) >= 8 {
			q.next = binary.BigEndian.Uint64(it.Key()[:8]) + 1
		}
	}
	return q, nil
}

// Enqueue appends a message to the queue.
func (q *Queue) Enqueue(m wire.Message) error {
	if q == nil || q.db == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, q.next)
	q.next++
	val, _ := json.Marshal(m)
	return q.db.Set(key, val, pebble.Sync)
}

// Items returns the queued messages in enqueue order.
func (q *Queue) Items() ([]wire.Message, error) {
	if q == nil || q.db == nil {
		return nil, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items()
}

func (q *Queue) items() ([]wire.Message, error) {
	it, err := q.db.NewIter(nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()
	out := make([]wire.Message, 0, 16)
	for it.First(); it.Valid(); it.Next() {
		var m wire.Message
		if err := json.Unmarshal(it.Value(), &m); err == nil {
			out = append(out, m)
		}
	}
	return out, nil
}

// Len reports the number of queued messages.
func (q *Queue) Len() int {
	items, _ := q.Items()
	return len(items)
}

// Flush issues one send per queued item, in enqueue order, then clears the
// queue. The drain is all-or-nothing: if any send cannot be issued, nothing
// is cleared and every item remains queued for the next flush.
func (q *Queue) Flush(send func(wire.Message) error) (int, error) {
	if q == nil || q.db == nil {
		return 0, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	items, err := q.items()
	if err != nil {
		return 0, err
	}
	for _, m := range items {
		if err := send(m); err != nil {
			return 0, err
		}
	}
	if len(items) > 0 {
		batch := q.db.NewBatch()
		it, err := q.db.NewIter(nil)
		if err != nil {
			return 0, err
		}
		for it.First(); it.Valid(); it.Next() {
			_ = batch.Delete(append([]byte(nil), it.Key()...), nil)
		}
		_ = it.Close()
		if err := batch.Commit(pebble.Sync); err != nil {
			return 0, err
		}
		q.next = 0
	}
	return len(items), nil
}

func (q *Queue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}
