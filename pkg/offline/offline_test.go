package offline_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stuschach/bunkr-sub005/pkg/offline"
)

func newQueue(t *testing.T) *offline.Queue {
	t.Helper()
	q, err := offline.NewQueue(offline.NewMemoryStorage(), zerolog.Nop())
	require.NoError(t, err)
	return q
}

func enqueue(t *testing.T, q *offline.Queue, owner string, typ offline.Type, docID string) string {
	t.Helper()
	id, err := q.Enqueue(owner, typ, map[string]any{
		offline.PayloadDocID: docID,
		offline.PayloadData:  map[string]any{"content": "hello " + docID},
	})
	require.NoError(t, err)
	return id
}

func TestEnqueueListRoundTrip(t *testing.T) {
	q := newQueue(t)

	var ids []string
	for _, doc := range []string{"m1", "m2", "m3"} {
		ids = append(ids, enqueue(t, q, "conv-1", offline.OpCreate, doc))
	}

	ops := q.List("conv-1")
	require.Len(t, ops, 3)
	for i, op := range ops {
		assert.Equal(t, ids[i], op.ID)
		assert.Equal(t, "conv-1", op.OwnerID)
		if i > 0 {
			// Newest op's timestamp is >= every previous one.
			assert.GreaterOrEqual(t, op.Timestamp, ops[i-1].Timestamp)
		}
	}

	// The newest enqueue is always the last element.
	last := enqueue(t, q, "conv-1", offline.OpUpdate, "m1")
	ops = q.List("conv-1")
	require.Len(t, ops, 4)
	assert.Equal(t, last, ops[3].ID)
}

func TestListIsPerOwner(t *testing.T) {
	q := newQueue(t)

	enqueue(t, q, "conv-1", offline.OpCreate, "a")
	enqueue(t, q, "conv-2", offline.OpCreate, "b")
	enqueue(t, q, "conv-1", offline.OpCreate, "c")

	assert.Len(t, q.List("conv-1"), 2)
	assert.Len(t, q.List("conv-2"), 1)
	assert.Empty(t, q.List("conv-3"))
	assert.ElementsMatch(t, []string{"conv-1", "conv-2"}, q.Owners())
}

func TestDequeueRemovesExactlyOne(t *testing.T) {
	q := newQueue(t)

	a := enqueue(t, q, "conv-1", offline.OpCreate, "m1")
	b := enqueue(t, q, "conv-1", offline.OpCreate, "m2")

	require.NoError(t, q.Dequeue(a))
	ops := q.List("conv-1")
	require.Len(t, ops, 1)
	assert.Equal(t, b, ops[0].ID)

	// Dequeueing an unknown id is a no-op.
	require.NoError(t, q.Dequeue("nope"))
	assert.Equal(t, 1, q.Pending("conv-1"))
}

func TestReplayIsolatesFailures(t *testing.T) {
	q := newQueue(t)

	a := enqueue(t, q, "conv-1", offline.OpCreate, "m1")
	b := enqueue(t, q, "conv-1", offline.OpCreate, "m2")
	c := enqueue(t, q, "conv-1", offline.OpCreate, "m3")

	var applied []string
	res := q.Replay(context.Background(), "conv-1", func(ctx context.Context, op offline.Operation) error {
		if op.ID == b {
			return errors.New("remote rejected")
		}
		applied = append(applied, op.ID)
		return nil
	})

	// A dequeues, B stays, C is attempted and dequeues even though B
	// failed: per-operation isolation, not blocking.
	assert.Equal(t, []string{a, c}, res.Applied)
	assert.Equal(t, []string{b}, res.Failed)
	assert.Equal(t, []string{a, c}, applied)

	remaining := q.List("conv-1")
	require.Len(t, remaining, 1)
	assert.Equal(t, b, remaining[0].ID)

	// A later replay retries B, still in order.
	res = q.Replay(context.Background(), "conv-1", func(ctx context.Context, op offline.Operation) error {
		return nil
	})
	assert.Equal(t, []string{b}, res.Applied)
	assert.Empty(t, q.List("conv-1"))
}

func TestReplayOrderWithinOwner(t *testing.T) {
	q := newQueue(t)

	want := []string{
		enqueue(t, q, "conv-1", offline.OpCreate, "m1"),
		enqueue(t, q, "conv-1", offline.OpUpdate, "m1"),
		enqueue(t, q, "conv-1", offline.OpDelete, "m1"),
	}

	var got []string
	q.Replay(context.Background(), "conv-1", func(ctx context.Context, op offline.Operation) error {
		got = append(got, op.ID)
		return nil
	})
	assert.Equal(t, want, got)
}

func TestReplayHaltsOnCanceledContext(t *testing.T) {
	q := newQueue(t)

	enqueue(t, q, "conv-1", offline.OpCreate, "m1")
	enqueue(t, q, "conv-1", offline.OpCreate, "m2")
	enqueue(t, q, "conv-1", offline.OpCreate, "m3")

	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	res := q.Replay(ctx, "conv-1", func(ctx context.Context, op offline.Operation) error {
		n++
		if n == 1 {
			cancel() // connectivity lost mid-replay
		}
		return nil
	})

	assert.Len(t, res.Applied, 1)
	// The remainder stays queued for the next online transition.
	assert.Equal(t, 2, q.Pending("conv-1"))
}

func TestOnFailureCallback(t *testing.T) {
	q := newQueue(t)
	enqueue(t, q, "conv-1", offline.OpCreate, "m1")

	var failedOps []string
	q.OnFailure(func(op offline.Operation, err error) {
		failedOps = append(failedOps, op.ID)
	})

	q.Replay(context.Background(), "conv-1", func(ctx context.Context, op offline.Operation) error {
		return errors.New("boom")
	})
	assert.Len(t, failedOps, 1)
}

func TestMaterializedOptimisticCopy(t *testing.T) {
	q := newQueue(t)

	id, err := q.Enqueue("conv-1", offline.OpCreate, map[string]any{
		offline.PayloadDocID: "m1",
		offline.PayloadData:  map[string]any{"content": "draft"},
	})
	require.NoError(t, err)

	docs := q.Materialized("conv-1")
	require.Len(t, docs, 1)
	assert.Equal(t, "m1", docs[0].ID)
	assert.Equal(t, "draft", docs[0].Data["content"])
	assert.True(t, docs[0].Pending)

	// A field update mutates the same local document.
	_, err = q.Enqueue("conv-1", offline.OpUpdateField, map[string]any{
		offline.PayloadDocID: "m1",
		offline.PayloadField: "content",
		offline.PayloadValue: "edited",
	})
	require.NoError(t, err)

	docs = q.Materialized("conv-1")
	require.Len(t, docs, 1)
	assert.Equal(t, "edited", docs[0].Data["content"])

	// Confirmation flips the pending tag.
	require.NoError(t, q.Dequeue(id))
	for _, op := range q.List("conv-1") {
		require.NoError(t, q.Dequeue(op.ID))
	}
	docs = q.Materialized("conv-1")
	require.Len(t, docs, 1)
	assert.False(t, docs[0].Pending)
}

func TestMaterializedDelete(t *testing.T) {
	q := newQueue(t)

	enqueue(t, q, "conv-1", offline.OpCreate, "m1")
	_, err := q.Enqueue("conv-1", offline.OpDelete, map[string]any{offline.PayloadDocID: "m1"})
	require.NoError(t, err)

	assert.Empty(t, q.Materialized("conv-1"))
}

func TestFileStoragePersistsAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline.json")

	q1, err := offline.NewQueue(offline.NewFileStorage(path), zerolog.Nop())
	require.NoError(t, err)
	a := enqueue(t, q1, "conv-1", offline.OpCreate, "m1")
	b := enqueue(t, q1, "conv-1", offline.OpUpdateField, "m1")

	// A fresh queue over the same file sees the same log, same order.
	q2, err := offline.NewQueue(offline.NewFileStorage(path), zerolog.Nop())
	require.NoError(t, err)
	ops := q2.List("conv-1")
	require.Len(t, ops, 2)
	assert.Equal(t, a, ops[0].ID)
	assert.Equal(t, b, ops[1].ID)
	assert.Equal(t, offline.OpCreate, ops[0].Type)

	// And the optimistic copy is rebuilt from the log.
	docs := q2.Materialized("conv-1")
	require.Len(t, docs, 1)
	assert.True(t, docs[0].Pending)

	require.NoError(t, q2.Dequeue(a))

	q3, err := offline.NewQueue(offline.NewFileStorage(path), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, q3.Pending("conv-1"))
}

func TestFileStorageMissingFile(t *testing.T) {
	s := offline.NewFileStorage(filepath.Join(t.TempDir(), "absent.json"))
	ops, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, ops)
}
