// Package remote defines the contract the synchronization engine requires
// from the hosted document database, plus a websocket-backed implementation
// of it. The engine itself only ever sees the Store interface; anything that
// can get, query, mutate and subscribe to documents can stand in for the
// hosted backend.
package remote

import (
	"context"
	"errors"

	"github.com/stuschach/bunkr-sub005/pkg/constants"
)

// Document is a single schemaless record held in a collection.
type Document map[string]any

// Query narrows and orders a collection read. A nil Where matches every
// document. Limit <= 0 means no limit.
type Query struct {
	Where   map[string]any
	OrderBy string
	Desc    bool
	Limit   int
}

// Detach cancels a live subscription. It must be safe to call more than
// once: eviction, explicit deactivation and pool teardown can all race to
// call it.
type Detach func()

// Store is the minimal surface of the remote document database. Get returns
// constants.ErrNotFound (possibly wrapped) when no document exists under id.
type Store interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	Query(ctx context.Context, collection string, q Query) ([]Document, error)
	Set(ctx context.Context, collection, id string, data Document, merge bool) error
	Update(ctx context.Context, collection, id string, partial Document) error
	Delete(ctx context.Context, collection, id string) error
	Subscribe(ctx context.Context, path string, onChange func(Document)) (Detach, error)
}

// IsNotFound reports whether err indicates a missing document.
func IsNotFound(err error) bool {
	return err != nil && errors.Is(err, constants.ErrNotFound)
}
