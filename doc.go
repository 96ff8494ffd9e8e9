// The [bunkrsync] package is the client-side synchronization engine behind
// the messaging feature: it keeps chat usable against a hosted document
// database despite three backend constraints.
//
// # Sharded message store
//
// A single conversation cannot hold unbounded children in one collection,
// so its message stream is split across up to MaxShards sub-collections of
// ShardSize messages each. [github.com/stuschach/bunkr-sub005/pkg/shard]
// computes shard addresses, enumerates a conversation's shards, and finds
// the shard holding a given message with a bounded linear probe.
//
// # Bounded subscription pool
//
// Holding a live subscription per visible item is expensive, so
// [github.com/stuschach/bunkr-sub005/pkg/listener] caps concurrent
// subscriptions at MaxConcurrentListeners, evicting the oldest activation
// under pressure and applying a grace window before tearing down a
// subscription whose consumer briefly disappeared.
//
// # Durable offline queue
//
// Writes issued while offline are recorded in an ordered durable log by
// [github.com/stuschach/bunkr-sub005/pkg/offline] and replayed in
// submission order once connectivity returns, with per-operation failure
// isolation and an optimistic local copy so the UI reflects pending writes
// immediately.
//
// [Engine] is the thin composition root wiring the three together over a
// [github.com/stuschach/bunkr-sub005/pkg/remote.Store].
package bunkrsync
