package devserver

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble/v2"

	"github.com/gosuda/roomchat/internal/wire"
)

// historyStore persists broadcast messages per topic in a PebbleDB store.
// Keys are "<topic>/" followed by an 8-byte big-endian sequence number, so
// iteration within a topic prefix yields receipt order.
type historyStore struct {
	db   *pebble.DB
	mu   sync.Mutex
	next map[string]uint64
}

func openHistoryStore(dir string) (*historyStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &historyStore{db: db, next: map[string]uint64{}}, nil
}

func topicBounds(topic string) (lower, upper []byte) {
	lower = []byte(topic + "/")
	upper = []byte(topic + "0") // '0' is '/'+1
	return
}

func (h *historyStore) key(topic string, seq uint64) []byte {
	key := make([]byte, 0, len(topic)+9)
	key = append(key, topic...)
	key = append(key, '/')
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

func (h *historyStore) Append(topic string, m wire.Message) error {
	if h == nil || h.db == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	seq, ok := h.next[topic]
	if !ok {
		// Discover the next sequence from the last key under the prefix.
		lower, upper := topicBounds(topic)
		it, err := h.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
		if err != nil {
			return err
		}
		if it.Last() {
			if k := it.Key(); len(k) >= len(lower)+8 {
				seq = binary.BigEndian.Uint64(k[len(k)-8:]) + 1
			}
		}
		_ = it.Close()
	}
	h.next[topic] = seq + 1
	val, _ := json.Marshal(m)
	return h.db.Set(h.key(topic, seq), val, pebble.Sync)
}

// LoadRecent loads the most recent limit messages for a topic, oldest first.
func (h *historyStore) LoadRecent(topic string, limit int) ([]wire.Message, error) {
	if h == nil || h.db == nil {
		return nil, nil
	}
	lower, upper := topicBounds(topic)
	it, err := h.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	out := make([]wire.Message, 0, limit)
	// Walk backwards collecting up to limit, then reverse.
	for ok := it.Last(); ok && (limit <= 0 || len(out) < limit); ok = it.Prev() {
		var m wire.Message
		if err := json.Unmarshal(it.Value(), &m); err == nil {
			out = append(out, m)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (h *historyStore) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}
