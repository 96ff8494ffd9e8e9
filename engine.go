package bunkrsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/stuschach/bunkr-sub005/pkg/listener"
	"github.com/stuschach/bunkr-sub005/pkg/logger"
	"github.com/stuschach/bunkr-sub005/pkg/offline"
	"github.com/stuschach/bunkr-sub005/pkg/remote"
	"github.com/stuschach/bunkr-sub005/pkg/shard"
)

// Config is the engine's recognized configuration surface. Zero values fall
// back to the defaults in pkg/constants.
type Config struct {
	ShardSize              int
	MaxShards              int
	MaxConcurrentListeners int
	DeactivationGrace      time.Duration

	// Logger receives structured engine logs. Nil discards them.
	Logger *logger.LogData

	// OnSyncFailure is notified when a queued operation fails during
	// replay after reconnecting. Failures are scoped to the specific
	// operation; there is no global error state.
	OnSyncFailure func(op offline.Operation, err error)
}

// Engine is the synchronization facade. It wires UI-visible entities to the
// subscription pool, and mutations to the remote store when online or to the
// durable offline queue when not. The three subsystems never share mutable
// state; they compose only here.
type Engine struct {
	store   remote.Store
	locator *shard.Locator
	pool    *listener.Pool
	queue   *offline.Queue
	logger  zerolog.Logger

	mu          sync.Mutex
	online      bool
	drainCancel context.CancelFunc
}

// New builds an Engine over a remote store and an offline log storage. The
// engine starts online; hosts feed connectivity transitions via SetOnline.
func New(store remote.Store, storage offline.Storage, cfg Config) (*Engine, error) {
	log := logger.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.Logger
	}

	queue, err := offline.NewQueue(storage, log)
	if err != nil {
		return nil, err
	}
	if cfg.OnSyncFailure != nil {
		queue.OnFailure(cfg.OnSyncFailure)
	}

	e := &Engine{
		store: store,
		locator: shard.NewLocator(store, shard.Config{
			ShardSize: cfg.ShardSize,
			MaxShards: cfg.MaxShards,
		}, log),
		pool: listener.NewPool(listener.Config{
			MaxConcurrent:     cfg.MaxConcurrentListeners,
			DeactivationGrace: cfg.DeactivationGrace,
		}, log),
		queue:  queue,
		logger: log,
		online: true,
	}
	return e, nil
}

// Online reports the last connectivity state fed via SetOnline.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// SetOnline records a connectivity transition. Coming online starts draining
// the offline queue: each owner's pending operations replay strictly in
// enqueue order, owners independently of each other. Going offline cancels
// an in-flight drain; whatever had not been applied stays queued.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	if e.online == online {
		e.mu.Unlock()
		return
	}
	e.online = online

	if !online {
		if e.drainCancel != nil {
			e.drainCancel()
			e.drainCancel = nil
		}
		e.mu.Unlock()
		e.logger.Info().Msg("connectivity lost")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.drainCancel = cancel
	e.mu.Unlock()

	e.logger.Info().Msg("connectivity restored, draining offline queue")
	go e.drain(ctx)
}

func (e *Engine) drain(ctx context.Context) {
	var wg sync.WaitGroup
	for _, owner := range e.queue.Owners() {
		owner := owner
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := e.queue.Replay(ctx, owner, e.applyOperation)
			e.logger.Info().
				Str("owner", owner).
				Int("applied", len(res.Applied)).
				Int("failed", len(res.Failed)).
				Msg("offline replay finished")
		}()
	}
	wg.Wait()
}

// SendMessage appends a message to a conversation. Online, it writes the
// next-write shard directly and bumps the conversation's message count;
// offline, it queues a create operation and the message appears immediately
// in the conversation's optimistic local copy. Either way the caller gets
// the client-generated message id back right away.
func (e *Engine) SendMessage(ctx context.Context, conversationID string, message remote.Document) (string, error) {
	messageID := ulid.Make().String()

	op := offline.Operation{
		Type:    offline.OpCreate,
		OwnerID: conversationID,
		Payload: createPayload(conversationID, messageID, message),
	}

	if e.Online() {
		if err := e.applyOperation(ctx, op); err != nil {
			return "", err
		}
		return messageID, nil
	}

	if _, err := e.queue.Enqueue(conversationID, op.Type, op.Payload); err != nil {
		return "", err
	}
	e.locator.Invalidate(conversationID)
	return messageID, nil
}

// EditMessage merges partial into an existing message, wherever its shard
// is. Offline edits queue an update operation.
func (e *Engine) EditMessage(ctx context.Context, conversationID, messageID string, partial remote.Document) error {
	return e.mutate(ctx, offline.Operation{
		Type:    offline.OpUpdate,
		OwnerID: conversationID,
		Payload: updatePayload(conversationID, messageID, partial),
	})
}

// SetMessageField sets a single field of an existing message.
func (e *Engine) SetMessageField(ctx context.Context, conversationID, messageID, field string, value any) error {
	return e.mutate(ctx, offline.Operation{
		Type:    offline.OpUpdateField,
		OwnerID: conversationID,
		Payload: fieldPayload(conversationID, messageID, field, value),
	})
}

// DeleteMessage removes a message. Deleting an already-gone message is not
// an error, which keeps replay idempotent.
func (e *Engine) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	return e.mutate(ctx, offline.Operation{
		Type:    offline.OpDelete,
		OwnerID: conversationID,
		Payload: deletePayload(conversationID, messageID),
	})
}

// mutate applies op directly when online, queues it when not. A write made
// while offline appears to succeed immediately from the caller's
// perspective; only a failed replay after reconnecting surfaces later, via
// Config.OnSyncFailure.
func (e *Engine) mutate(ctx context.Context, op offline.Operation) error {
	if e.Online() {
		return e.applyOperation(ctx, op)
	}

	if _, err := e.queue.Enqueue(op.OwnerID, op.Type, op.Payload); err != nil {
		return err
	}
	return nil
}

// Messages reads a conversation's history across all of its shards, oldest
// to newest. With limit > 0 only the newest limit messages are returned.
func (e *Engine) Messages(ctx context.Context, conversationID string, limit int) ([]remote.Document, error) {
	var out []remote.Document
	for _, ref := range e.locator.All(ctx, conversationID) {
		docs, err := e.store.Query(ctx, ref.Path(), remote.Query{OrderBy: "createdAt"})
		if err != nil {
			return nil, fmt.Errorf("reading shard %s: %w", ref.Name, err)
		}
		out = append(out, docs...)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// PendingMessages returns the conversation's optimistic local documents,
// tagged so callers can distinguish confirmed from pending state.
func (e *Engine) PendingMessages(conversationID string) []offline.LocalDocument {
	return e.queue.Materialized(conversationID)
}

// PendingCount returns the number of queued operations for a conversation.
func (e *Engine) PendingCount(conversationID string) int {
	return e.queue.Pending(conversationID)
}

// Watch opens (or keeps) a live subscription for an arbitrary entity,
// routed through the pool so the concurrency ceiling holds. path is the
// remote path to subscribe; onChange receives every change event.
func (e *Engine) Watch(ctx context.Context, key, path string, onChange func(remote.Document), opts ...listener.Option) error {
	return e.pool.Activate(key, func() (func(), error) {
		detach, err := e.store.Subscribe(ctx, path, onChange)
		if err != nil {
			return nil, err
		}
		return detach, nil
	}, opts...)
}

// WatchConversation subscribes to a conversation's newest shard, where new
// messages land.
func (e *Engine) WatchConversation(ctx context.Context, conversationID string, onChange func(remote.Document), opts ...listener.Option) error {
	count := e.locator.Count(ctx, conversationID)
	ref := e.locator.ForCount(conversationID, count)
	return e.Watch(ctx, "conversation:"+conversationID, ref.Path(), onChange, opts...)
}

// Unwatch schedules the entity's subscription for teardown after the grace
// window. Watching the key again before the window elapses keeps the
// subscription alive.
func (e *Engine) Unwatch(key string) {
	e.pool.ScheduleDeactivate(key, 0)
}

// UnwatchConversation is Unwatch for WatchConversation keys.
func (e *Engine) UnwatchConversation(conversationID string) {
	e.Unwatch("conversation:" + conversationID)
}

// ListenerStats exposes the subscription pool's activity snapshot.
func (e *Engine) ListenerStats() listener.Stats {
	return e.pool.Stats()
}

// Locator exposes shard addressing for callers that page through history
// themselves.
func (e *Engine) Locator() *shard.Locator {
	return e.locator
}

// Close tears down every live subscription and cancels any in-flight
// replay. Queued operations stay persisted for the next run.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.drainCancel != nil {
		e.drainCancel()
		e.drainCancel = nil
	}
	e.mu.Unlock()

	e.pool.DeactivateAll()
}

// applyOperation dispatches one operation to the corresponding remote
// mutation. It is used both for direct online writes and for offline
// replay, so every branch must be idempotent: replay can re-apply an
// operation whose previous application was confirmed but not yet dequeued.
func (e *Engine) applyOperation(ctx context.Context, op offline.Operation) error {
	conversationID := op.OwnerID
	messageID, _ := op.Payload[offline.PayloadDocID].(string)
	if messageID == "" {
		return fmt.Errorf("operation %s: payload has no document id", op.ID)
	}

	switch op.Type {
	case offline.OpCreate:
		count := e.locator.Count(ctx, conversationID)
		ref := e.locator.ForCount(conversationID, count)

		data := documentData(op.Payload)
		if err := e.store.Set(ctx, ref.Path(), messageID, data, false); err != nil {
			return err
		}
		if err := e.store.Update(ctx, "conversations", conversationID, remote.Document{"messageCount": count + 1}); err != nil {
			// The message is stored; only the advisory count is stale.
			e.logger.Warn().Err(err).Str("conversation", conversationID).Msg("message count bump failed")
			e.locator.Invalidate(conversationID)
			return nil
		}
		e.locator.SetCount(conversationID, count+1)
		return nil

	case offline.OpUpdate:
		ref, err := e.locator.Locate(ctx, conversationID, messageID)
		if err != nil {
			return err
		}
		return e.store.Set(ctx, ref.Path(), messageID, documentData(op.Payload), true)

	case offline.OpUpdateField:
		field, _ := op.Payload[offline.PayloadField].(string)
		if field == "" {
			return fmt.Errorf("operation %s: updateField without field", op.ID)
		}
		ref, err := e.locator.Locate(ctx, conversationID, messageID)
		if err != nil {
			return err
		}
		return e.store.Update(ctx, ref.Path(), messageID, remote.Document{field: op.Payload[offline.PayloadValue]})

	case offline.OpDelete:
		ref, err := e.locator.Locate(ctx, conversationID, messageID)
		if err != nil {
			if remote.IsNotFound(err) {
				return nil
			}
			return err
		}
		return e.store.Delete(ctx, ref.Path(), messageID)

	default:
		return fmt.Errorf("operation %s: unknown type %q", op.ID, op.Type)
	}
}

func createPayload(conversationID, messageID string, message remote.Document) map[string]any {
	data := make(map[string]any, len(message)+2)
	for k, v := range message {
		data[k] = v
	}
	data["id"] = messageID
	if _, ok := data["createdAt"]; !ok {
		data["createdAt"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return map[string]any{
		offline.PayloadDocID: messageID,
		offline.PayloadData:  data,
		"conversation":       conversationID,
	}
}

func updatePayload(conversationID, messageID string, partial remote.Document) map[string]any {
	data := make(map[string]any, len(partial))
	for k, v := range partial {
		data[k] = v
	}
	return map[string]any{
		offline.PayloadDocID: messageID,
		offline.PayloadData:  data,
		"conversation":       conversationID,
	}
}

func fieldPayload(conversationID, messageID, field string, value any) map[string]any {
	return map[string]any{
		offline.PayloadDocID: messageID,
		offline.PayloadField: field,
		offline.PayloadValue: value,
		"conversation":       conversationID,
	}
}

func deletePayload(conversationID, messageID string) map[string]any {
	return map[string]any{
		offline.PayloadDocID: messageID,
		"conversation":       conversationID,
	}
}

func documentData(payload map[string]any) remote.Document {
	if data, ok := payload[offline.PayloadData].(map[string]any); ok {
		return remote.Document(data)
	}
	return remote.Document{}
}
