package outbox

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/roomchat/internal/wire"
)

func msg(id string) wire.Message {
	return wire.Message{ID: id, UserID: "me", Content: "c-" + id}
}

func TestFlushSendsInEnqueueOrderAndClears(t *testing.T) {
	q, err := Open(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = q.Close() }()

	for i := range 5 {
		require.NoError(t, q.Enqueue(msg(fmt.Sprintf("m%d", i))))
	}

	var sent []string
	n, err := q.Flush(func(m wire.Message) error {
		sent = append(sent, m.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, sent)
	assert.Equal(t, 0, q.Len(), "outbox must be empty after a successful flush")

	// A second flush issues nothing.
	n, err = q.Flush(func(wire.Message) error { t.Fatal("unexpected send"); return nil })
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFlushIsAllOrNothing(t *testing.T) {
	q, err := Open(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = q.Close() }()

	require.NoError(t, q.Enqueue(msg("m0")))
	require.NoError(t, q.Enqueue(msg("m1")))

	boom := errors.New("disconnected")
	_, err = q.Flush(func(m wire.Message) error {
		if m.ID == "m1" {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, q.Len(), "a failed drain must keep every item queued")
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(msg("m0")))
	require.NoError(t, q.Enqueue(msg("m1")))
	require.NoError(t, q.Close())

	q, err = Open(dir)
	require.NoError(t, err)
	defer func() { _ = q.Close() }()

	// New enqueues land after the persisted ones.
	require.NoError(t, q.Enqueue(msg("m2")))
	items, err := q.Items()
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "m0", items[0].ID)
	assert.Equal(t, "m2", items[2].ID)
}

func TestNilQueueIsUsable(t *testing.T) {
	var q *Queue
	assert.NoError(t, q.Enqueue(msg("m0")))
	n, err := q.Flush(func(wire.Message) error { return nil })
	assert.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, q.Len())
	assert.NoError(t, q.Close())
}
