// Package offline makes writes resilient to loss of connectivity. Mutations
// issued while the remote store is unreachable are recorded in a durable,
// ordered log and replayed in submission order once connectivity returns.
// Replay is last-writer-wins: the log re-applies intent, it does not merge.
//
// While offline, an owner's entities are also materialized into a local
// optimistic copy that is mutated synchronously on enqueue, so callers see
// pending writes immediately and can distinguish them from confirmed state.
package offline

import (
	"context"
	cryptorand "crypto/rand"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Type identifies which remote mutation a queued operation maps to.
type Type string

const (
	OpCreate      Type = "create"
	OpUpdate      Type = "update"
	OpDelete      Type = "delete"
	OpUpdateField Type = "updateField"
)

// Operation is one recorded mutation. IDs are client-generated ULIDs, so
// they are unique, stable, and lexically ordered by creation; Timestamp
// establishes replay order and is monotonic non-decreasing per owner.
//
// The log is append-only: removal after confirmed remote application is the
// only mutation ever performed on it.
type Operation struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Timestamp int64          `json:"timestamp"` // ms since epoch
	OwnerID   string         `json:"ownerId"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// ApplyFunc applies one operation against the remote store. It is supplied
// by the composition layer, which knows how to dispatch each Type to the
// corresponding remote mutation.
type ApplyFunc func(ctx context.Context, op Operation) error

// Result aggregates per-operation replay outcomes so the caller can report
// partial success instead of failing the whole batch.
type Result struct {
	Applied []string
	Failed  []string
}

// FailureFunc is notified when a replayed operation fails. Failures are
// scoped to the specific operation, never surfaced as a global error state.
type FailureFunc func(op Operation, err error)

// Queue is the durable offline operation log. All access to the persisted
// log is serialized by one mutex; the log is single-writer-per-process
// (serializing appends across processes is the storage's problem and out of
// scope here).
type Queue struct {
	storage Storage
	logger  zerolog.Logger

	mu      sync.Mutex
	ops     []Operation
	lastTS  map[string]int64
	local   *localCache
	entropy io.Reader

	onFailure FailureFunc
}

// NewQueue loads the persisted log from storage. Operations recorded by a
// previous run survive restarts.
func NewQueue(storage Storage, logger zerolog.Logger) (*Queue, error) {
	ops, err := storage.Load()
	if err != nil {
		return nil, fmt.Errorf("loading offline log: %w", err)
	}

	q := &Queue{
		storage: storage,
		logger:  logger,
		ops:     ops,
		lastTS:  make(map[string]int64),
		local:   newLocalCache(),
		entropy: ulid.Monotonic(cryptorand.Reader, 0),
	}
	for _, op := range ops {
		if op.Timestamp > q.lastTS[op.OwnerID] {
			q.lastTS[op.OwnerID] = op.Timestamp
		}
		q.local.apply(op)
	}
	return q, nil
}

// OnFailure registers a callback invoked for each operation that fails
// during replay.
func (q *Queue) OnFailure(fn FailureFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onFailure = fn
}

// Enqueue appends a new operation to the durable log and applies it to the
// owner's optimistic local copy. It never touches the network and returns as
// soon as the log is persisted.
func (q *Queue) Enqueue(ownerID string, typ Type, payload map[string]any) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	ts := now.UnixMilli()
	if last := q.lastTS[ownerID]; ts < last {
		// Clock went backwards; keep per-owner order monotonic anyway.
		ts = last
	}

	id, err := ulid.New(ulid.Timestamp(now), q.entropy)
	if err != nil {
		return "", fmt.Errorf("generating operation id: %w", err)
	}

	op := Operation{
		ID:        id.String(),
		Type:      typ,
		Timestamp: ts,
		OwnerID:   ownerID,
		Payload:   payload,
	}

	q.ops = append(q.ops, op)
	if err := q.storage.Save(q.ops); err != nil {
		q.ops = q.ops[:len(q.ops)-1]
		return "", fmt.Errorf("persisting offline log: %w", err)
	}

	q.lastTS[ownerID] = ts
	q.local.apply(op)

	q.logger.Debug().Str("op", op.ID).Str("owner", ownerID).Str("type", string(typ)).Msg("operation queued")
	return op.ID, nil
}

// List returns the pending operations for an owner, sorted by timestamp
// ascending; equal timestamps keep enqueue order via the ULID tiebreak.
func (q *Queue) List(ownerID string) []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.listLocked(ownerID)
}

func (q *Queue) listLocked(ownerID string) []Operation {
	var out []Operation
	for _, op := range q.ops {
		if op.OwnerID == ownerID {
			out = append(out, op)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Dequeue removes exactly one operation after its remote application was
// confirmed, and promotes the owner's optimistic copy for it to confirmed.
func (q *Queue) Dequeue(operationID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dequeueLocked(operationID)
}

func (q *Queue) dequeueLocked(operationID string) error {
	for i, op := range q.ops {
		if op.ID != operationID {
			continue
		}
		q.ops = append(q.ops[:i], q.ops[i+1:]...)
		if err := q.storage.Save(q.ops); err != nil {
			return fmt.Errorf("persisting offline log: %w", err)
		}
		q.local.confirm(op)
		return nil
	}
	return nil
}

// Pending returns the number of queued operations for an owner.
func (q *Queue) Pending(ownerID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, op := range q.ops {
		if op.OwnerID == ownerID {
			n++
		}
	}
	return n
}

// Replay re-applies an owner's pending operations in submission order. Each
// failure is isolated: the operation stays queued for the next replay and
// the loop continues, so one bad record cannot block everything behind it.
// A canceled context halts the loop; the remainder stays queued for the next
// online transition.
//
// Callers must only invoke Replay while the connectivity check reports
// online. Operations for different owners have no relative ordering
// guarantee and may be replayed from separate goroutines.
func (q *Queue) Replay(ctx context.Context, ownerID string, apply ApplyFunc) Result {
	q.mu.Lock()
	ops := q.listLocked(ownerID)
	onFailure := q.onFailure
	q.mu.Unlock()

	var result Result
	for _, op := range ops {
		if ctx.Err() != nil {
			break
		}

		if err := apply(ctx, op); err != nil {
			result.Failed = append(result.Failed, op.ID)
			q.logger.Warn().Err(err).Str("op", op.ID).Str("owner", ownerID).Msg("replay failed, operation kept")
			if onFailure != nil {
				onFailure(op, err)
			}
			continue
		}

		q.mu.Lock()
		err := q.dequeueLocked(op.ID)
		q.mu.Unlock()
		if err != nil {
			// Applied remotely but the log could not be rewritten; the
			// operation will be replayed again, which is why remote
			// application must be idempotent.
			result.Failed = append(result.Failed, op.ID)
			q.logger.Error().Err(err).Str("op", op.ID).Msg("dequeue after apply failed")
			continue
		}
		result.Applied = append(result.Applied, op.ID)
	}
	return result
}

// Owners returns every owner that currently has pending operations.
func (q *Queue) Owners() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	seen := make(map[string]struct{})
	var owners []string
	for _, op := range q.ops {
		if _, ok := seen[op.OwnerID]; !ok {
			seen[op.OwnerID] = struct{}{}
			owners = append(owners, op.OwnerID)
		}
	}
	return owners
}

// Materialized returns the owner's optimistic local documents. Documents
// backed by un-replayed operations are tagged Pending.
func (q *Queue) Materialized(ownerID string) []LocalDocument {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.local.materialized(ownerID)
}
