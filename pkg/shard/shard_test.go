package shard_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stuschach/bunkr-sub005/internal/fakestore"
	"github.com/stuschach/bunkr-sub005/pkg/constants"
	"github.com/stuschach/bunkr-sub005/pkg/remote"
	"github.com/stuschach/bunkr-sub005/pkg/shard"
)

func newLocator(store remote.Store) *shard.Locator {
	return shard.NewLocator(store, shard.Config{}, zerolog.Nop())
}

func TestName(t *testing.T) {
	assert.Equal(t, "primary", shard.Name(0))
	assert.Equal(t, "primary_1", shard.Name(1))
	assert.Equal(t, "primary_19", shard.Name(19))
}

func TestForCount(t *testing.T) {
	l := newLocator(fakestore.New())

	tests := []struct {
		count int
		index int
	}{
		{0, 0},
		{499, 0},
		{500, 1},
		{1203, 2},
		{10000, 19},
		{50000, 19}, // saturates into the final shard
	}
	for _, tt := range tests {
		ref := l.ForCount("conv-1", tt.count)
		assert.Equal(t, tt.index, ref.Index, "count=%d", tt.count)
		assert.Equal(t, shard.Name(tt.index), ref.Name)
		assert.Equal(t, "conv-1", ref.ConversationID)
	}
}

func TestAll(t *testing.T) {
	store := fakestore.New()
	store.Seed("conversations", "conv-1", remote.Document{"messageCount": 1203})

	l := newLocator(store)
	refs := l.All(context.Background(), "conv-1")

	require.Len(t, refs, 3)
	for i, ref := range refs {
		assert.Equal(t, i, ref.Index)
	}
}

func TestAllSaturated(t *testing.T) {
	store := fakestore.New()
	store.Seed("conversations", "conv-1", remote.Document{"messageCount": 50000})

	l := newLocator(store)
	refs := l.All(context.Background(), "conv-1")

	require.Len(t, refs, constants.MaxShards)
	assert.Equal(t, constants.MaxShards-1, refs[len(refs)-1].Index)
}

func TestAllUnknownConversation(t *testing.T) {
	l := newLocator(fakestore.New())

	refs := l.All(context.Background(), "conv-unknown")
	require.Len(t, refs, 1)
	assert.Equal(t, 0, refs[0].Index)
}

func TestLocateProbesOldestFirst(t *testing.T) {
	store := fakestore.New()
	store.Seed("conversations", "conv-1", remote.Document{"messageCount": 1204})
	store.Seed("messages/conv-1/primary_2", "msg-new", remote.Document{"id": "msg-new"})

	l := newLocator(store)
	ref, err := l.Locate(context.Background(), "conv-1", "msg-new")
	require.NoError(t, err)
	assert.Equal(t, 2, ref.Index)

	calls := store.GetCalls()
	// First call reads the count, then shards probe in order 0, 1, 2.
	require.Len(t, calls, 4)
	assert.Equal(t, "conversations/conv-1", calls[0])
	assert.Equal(t, "messages/conv-1/primary/msg-new", calls[1])
	assert.Equal(t, "messages/conv-1/primary_1/msg-new", calls[2])
	assert.Equal(t, "messages/conv-1/primary_2/msg-new", calls[3])
}

func TestLocateStopsAtFirstHit(t *testing.T) {
	store := fakestore.New()
	store.Seed("conversations", "conv-1", remote.Document{"messageCount": 1500})
	store.Seed("messages/conv-1/primary", "msg-old", remote.Document{"id": "msg-old"})

	l := newLocator(store)
	ref, err := l.Locate(context.Background(), "conv-1", "msg-old")
	require.NoError(t, err)
	assert.Equal(t, 0, ref.Index)

	// Count read plus exactly one probe.
	assert.Len(t, store.GetCalls(), 2)
}

func TestLocateNotFound(t *testing.T) {
	store := fakestore.New()
	store.Seed("conversations", "conv-1", remote.Document{"messageCount": 10})

	l := newLocator(store)
	_, err := l.Locate(context.Background(), "conv-1", "msg-missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, constants.ErrNotFound)
}

func TestLocateSkipsFailingShard(t *testing.T) {
	store := fakestore.New()
	store.Seed("conversations", "conv-1", remote.Document{"messageCount": 700})
	store.Seed("messages/conv-1/primary_1", "msg-1", remote.Document{"id": "msg-1"})
	store.FailNext = func(method, collection, id string) error {
		if method == "get" && collection == "messages/conv-1/primary" {
			return errors.New("shard read failed")
		}
		return nil
	}

	l := newLocator(store)
	ref, err := l.Locate(context.Background(), "conv-1", "msg-1")
	require.NoError(t, err)
	assert.Equal(t, 1, ref.Index)
}

func TestCountFailureDegradesToZero(t *testing.T) {
	store := fakestore.New()
	store.FailNext = func(method, collection, id string) error {
		if collection == "conversations" {
			return errors.New("remote unavailable")
		}
		return nil
	}

	l := newLocator(store)
	assert.Equal(t, 0, l.Count(context.Background(), "conv-1"))

	// The failure must not be cached: once the remote recovers, the next
	// read refreshes from it.
	store.FailNext = nil
	store.Seed("conversations", "conv-1", remote.Document{"messageCount": 600})
	assert.Equal(t, 600, l.Count(context.Background(), "conv-1"))
}

func TestCountCache(t *testing.T) {
	store := fakestore.New()
	store.Seed("conversations", "conv-1", remote.Document{"messageCount": 42})

	l := newLocator(store)
	assert.Equal(t, 42, l.Count(context.Background(), "conv-1"))
	assert.Equal(t, 42, l.Count(context.Background(), "conv-1"))
	// Only one remote read happened.
	assert.Len(t, store.GetCalls(), 1)

	l.SetCount("conv-1", 43)
	assert.Equal(t, 43, l.Count(context.Background(), "conv-1"))
	assert.Len(t, store.GetCalls(), 1)

	store.Seed("conversations", "conv-1", remote.Document{"messageCount": 100})
	l.Invalidate("conv-1")
	assert.Equal(t, 100, l.Count(context.Background(), "conv-1"))
	assert.Len(t, store.GetCalls(), 2)
}

func TestCustomConfig(t *testing.T) {
	store := fakestore.New()
	l := shard.NewLocator(store, shard.Config{ShardSize: 10, MaxShards: 3}, zerolog.Nop())

	assert.Equal(t, 0, l.ForCount("c", 9).Index)
	assert.Equal(t, 1, l.ForCount("c", 10).Index)
	assert.Equal(t, 2, l.ForCount("c", 29).Index)
	assert.Equal(t, 2, l.ForCount("c", 1000).Index)
}
