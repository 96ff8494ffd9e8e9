// Package shard maps a conversation's logical message stream onto physically
// bounded sub-collections of the remote store. A conversation cannot hold
// unbounded children in one collection, so messages are split across up to
// MaxShards shards of ShardSize messages each. The Locator computes shard
// addresses, enumerates a conversation's shards, and finds the shard holding
// a given message.
package shard

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/stuschach/bunkr-sub005/pkg/constants"
	"github.com/stuschach/bunkr-sub005/pkg/remote"
)

// Ref addresses one shard of one conversation.
type Ref struct {
	ConversationID string
	Index          int
	Name           string
}

// Path is the remote collection path holding this shard's messages.
func (r Ref) Path() string {
	return fmt.Sprintf("messages/%s/%s", r.ConversationID, r.Name)
}

// Name returns the deterministic shard collection name for an index:
// "primary" for shard 0, "primary_{index}" beyond it.
func Name(index int) string {
	if index == 0 {
		return "primary"
	}
	return fmt.Sprintf("primary_%d", index)
}

// Config sizes the shard space. Zero values fall back to the defaults in
// pkg/constants.
type Config struct {
	ShardSize int
	MaxShards int
}

func (c Config) withDefaults() Config {
	if c.ShardSize <= 0 {
		c.ShardSize = constants.ShardSize
	}
	if c.MaxShards <= 0 {
		c.MaxShards = constants.MaxShards
	}
	return c
}

// Locator owns shard addressing and the advisory per-conversation message
// count cache. The cache only avoids redundant remote reads; it is never
// authoritative and must be invalidated after any write that changes a
// count.
type Locator struct {
	store  remote.Store
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	counts map[string]int
}

func NewLocator(store remote.Store, cfg Config, logger zerolog.Logger) *Locator {
	return &Locator{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger,
		counts: make(map[string]int),
	}
}

// ForCount returns the shard the next write lands in, given the current
// message count. Counts at or beyond the shard ceiling saturate into the
// final shard: a documented capacity degradation, never an invalid index.
func (l *Locator) ForCount(conversationID string, count int) Ref {
	index := count / l.cfg.ShardSize
	if index > l.cfg.MaxShards-1 {
		index = l.cfg.MaxShards - 1
	}
	if index < 0 {
		index = 0
	}
	return Ref{ConversationID: conversationID, Index: index, Name: Name(index)}
}

// All enumerates every shard the conversation currently spans, ordered
// oldest to newest.
func (l *Locator) All(ctx context.Context, conversationID string) []Ref {
	count := l.Count(ctx, conversationID)

	n := count/l.cfg.ShardSize + 1
	if n > l.cfg.MaxShards {
		n = l.cfg.MaxShards
	}

	refs := make([]Ref, n)
	for i := 0; i < n; i++ {
		refs[i] = Ref{ConversationID: conversationID, Index: i, Name: Name(i)}
	}
	return refs
}

// Locate finds the shard holding messageID by probing each shard oldest to
// newest and stopping at the first hit. A linear probe is fine here: the
// shard count is small and bounded. Probe errors other than a miss are
// logged and treated as a miss so one failing shard read cannot mask a hit
// in a later shard; if no shard holds the message the result is
// constants.ErrNotFound.
func (l *Locator) Locate(ctx context.Context, conversationID, messageID string) (Ref, error) {
	for _, ref := range l.All(ctx, conversationID) {
		_, err := l.store.Get(ctx, ref.Path(), messageID)
		if err == nil {
			return ref, nil
		}
		if !remote.IsNotFound(err) {
			l.logger.Warn().Err(err).
				Str("conversation", conversationID).
				Int("shard", ref.Index).
				Msg("shard probe failed")
		}
	}
	return Ref{}, fmt.Errorf("%w: message %s in conversation %s", constants.ErrNotFound, messageID, conversationID)
}

// Count returns the conversation's last known message count, reading the
// conversation document lazily on a cache miss. A failed remote read
// degrades to zero rather than propagating: new messages may then land in an
// earlier shard than ideal, which fills shards unevenly but never loses a
// message or produces an invalid shard index.
func (l *Locator) Count(ctx context.Context, conversationID string) int {
	l.mu.Lock()
	if count, ok := l.counts[conversationID]; ok {
		l.mu.Unlock()
		return count
	}
	l.mu.Unlock()

	doc, err := l.store.Get(ctx, "conversations", conversationID)
	if err != nil {
		if !remote.IsNotFound(err) {
			l.logger.Warn().Err(err).
				Str("conversation", conversationID).
				Msg("count read failed, defaulting to shard 0")
			return 0
		}
		// Unknown conversation: genuinely zero messages, safe to cache.
		l.SetCount(conversationID, 0)
		return 0
	}

	count := countField(doc)
	l.SetCount(conversationID, count)
	return count
}

// Invalidate drops the cached count so the next read refreshes it from the
// remote store. Call it after any write that changes the count.
func (l *Locator) Invalidate(conversationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.counts, conversationID)
}

// SetCount records a known count, e.g. after the caller incremented the
// remote counter itself.
func (l *Locator) SetCount(conversationID string, count int) {
	if count < 0 {
		count = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[conversationID] = count
}

// countField pulls messageCount out of a conversation document. The codec
// may hand back any integer width, or a float for JSON-shaped documents.
func countField(doc remote.Document) int {
	switch v := doc["messageCount"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
