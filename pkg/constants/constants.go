package constants

import "time"

// Defaults for the synchronization engine configuration surface.
const (
	// ShardSize is the number of messages held by one shard sub-collection.
	ShardSize = 500

	// MaxShards caps the shard count per conversation. Once reached, all
	// overflow writes land in the final shard; the engine never rebalances
	// or splits a full shard. The effective per-conversation ceiling is
	// MaxShards * ShardSize messages.
	MaxShards = 20

	// MaxConcurrentListeners bounds the number of simultaneous live
	// subscriptions held against the remote store.
	MaxConcurrentListeners = 15

	// DeactivationGrace is how long a listener survives after its consumer
	// disappears, so rapid show/hide cycles do not churn subscriptions.
	DeactivationGrace = time.Second

	// OfflineOperationsKey is the storage key under which the pending
	// operation log is persisted.
	OfflineOperationsKey = "offline_operations"

	RequestIDLength  = 16
	DefaultWSTimeout = 30 * time.Second
	CloseMessageCode = 1000
)
