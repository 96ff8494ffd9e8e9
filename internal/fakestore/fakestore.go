// Package fakestore provides an in-memory remote.Store for tests: seeded
// collections, ordered queries, injectable failures, manual firing of
// subscription events, and call recording so tests can assert probe order.
package fakestore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stuschach/bunkr-sub005/pkg/constants"
	"github.com/stuschach/bunkr-sub005/pkg/remote"
)

type subscriber struct {
	id       int
	onChange func(remote.Document)
}

// Store implements remote.Store in memory.
type Store struct {
	mu          sync.Mutex
	collections map[string]map[string]remote.Document
	subs        map[string][]subscriber
	nextSubID   int

	getCalls []string

	// FailNext, when set, is consulted before every operation; returning a
	// non-nil error makes that operation fail. method is one of get, query,
	// set, update, delete, subscribe.
	FailNext func(method, collection, id string) error
}

func New() *Store {
	return &Store{
		collections: make(map[string]map[string]remote.Document),
		subs:        make(map[string][]subscriber),
	}
}

// Seed places a document directly into a collection, bypassing failure
// injection and subscribers.
func (s *Store) Seed(collection, id string, doc remote.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coll(collection)[id] = doc
}

// GetCalls returns every Get performed, as "collection/id", in order.
func (s *Store) GetCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.getCalls...)
}

// SubscriberCount reports the number of live subscriptions on path.
func (s *Store) SubscriberCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[path])
}

// Fire delivers a change event to every subscriber of path.
func (s *Store) Fire(path string, doc remote.Document) {
	s.mu.Lock()
	subs := append([]subscriber(nil), s.subs[path]...)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.onChange(doc)
	}
}

func (s *Store) coll(collection string) map[string]remote.Document {
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]remote.Document)
		s.collections[collection] = docs
	}
	return docs
}

func (s *Store) fail(method, collection, id string) error {
	if s.FailNext != nil {
		return s.FailNext(method, collection, id)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (remote.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.getCalls = append(s.getCalls, collection+"/"+id)
	if err := s.fail("get", collection, id); err != nil {
		return nil, err
	}

	doc, ok := s.coll(collection)[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", constants.ErrNotFound, collection, id)
	}
	return doc, nil
}

func (s *Store) Query(ctx context.Context, collection string, q remote.Query) ([]remote.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail("query", collection, ""); err != nil {
		return nil, err
	}

	var out []remote.Document
	for _, doc := range s.coll(collection) {
		if matches(doc, q.Where) {
			out = append(out, doc)
		}
	}
	if q.OrderBy != "" {
		sort.Slice(out, func(i, j int) bool {
			a := fmt.Sprint(out[i][q.OrderBy])
			b := fmt.Sprint(out[j][q.OrderBy])
			if q.Desc {
				return a > b
			}
			return a < b
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) Set(ctx context.Context, collection, id string, data remote.Document, merge bool) error {
	s.mu.Lock()
	if err := s.fail("set", collection, id); err != nil {
		s.mu.Unlock()
		return err
	}

	docs := s.coll(collection)
	if merge {
		existing, ok := docs[id]
		if !ok {
			existing = make(remote.Document)
		}
		for k, v := range data {
			existing[k] = v
		}
		docs[id] = existing
	} else {
		docs[id] = data
	}
	doc := docs[id]
	s.mu.Unlock()

	s.Fire(collection, doc)
	return nil
}

func (s *Store) Update(ctx context.Context, collection, id string, partial remote.Document) error {
	s.mu.Lock()
	if err := s.fail("update", collection, id); err != nil {
		s.mu.Unlock()
		return err
	}

	docs := s.coll(collection)
	doc, ok := docs[id]
	if !ok {
		doc = make(remote.Document)
		docs[id] = doc
	}
	for k, v := range partial {
		doc[k] = v
	}
	s.mu.Unlock()

	s.Fire(collection, doc)
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail("delete", collection, id); err != nil {
		return err
	}
	delete(s.coll(collection), id)
	return nil
}

func (s *Store) Subscribe(ctx context.Context, path string, onChange func(remote.Document)) (remote.Detach, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail("subscribe", path, ""); err != nil {
		return nil, err
	}

	s.nextSubID++
	id := s.nextSubID
	s.subs[path] = append(s.subs[path], subscriber{id: id, onChange: onChange})

	var once sync.Once
	detach := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			subs := s.subs[path]
			for i, sub := range subs {
				if sub.id == id {
					s.subs[path] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		})
	}
	return detach, nil
}

func matches(doc remote.Document, where map[string]any) bool {
	for k, want := range where {
		if fmt.Sprint(doc[k]) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}
