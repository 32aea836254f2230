// Package memstore is an in-memory Store intended for tests, examples and
// hosts that do not need the cache to survive a restart.
package memstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/wilhg/pantrysync/pkg/errmodel"
	"github.com/wilhg/pantrysync/pkg/store"
)

// Store keeps cache entries in a map and the queue in an ordered slice.
type Store struct {
	keys *store.KeyLock

	mu      sync.RWMutex
	entries map[string]store.CacheEntry

	qmu    sync.Mutex
	nextID int64
	queue  []store.QueuedMutation

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		keys:    store.NewKeyLock(),
		entries: make(map[string]store.CacheEntry),
		now:     time.Now,
	}
}

// Put inserts or replaces the entry for endpoint.
func (s *Store) Put(ctx context.Context, endpoint string, payload json.RawMessage) error {
	unlock := s.keys.Lock(endpoint)
	defer unlock()
	s.set(endpoint, payload)
	return nil
}

func (s *Store) set(endpoint string, payload json.RawMessage) {
	dup := append(json.RawMessage(nil), payload...)
	s.mu.Lock()
	s.entries[endpoint] = store.CacheEntry{Endpoint: endpoint, Payload: dup, CapturedAt: s.now()}
	s.mu.Unlock()
}

// Get returns a copy of the entry for endpoint.
func (s *Store) Get(ctx context.Context, endpoint string) (store.CacheEntry, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[endpoint]
	s.mu.RUnlock()
	if !ok {
		return store.CacheEntry{}, false, nil
	}
	e.Payload = append(json.RawMessage(nil), e.Payload...)
	return e, true, nil
}

// Update runs fn while holding the key, so concurrent updates of one endpoint apply in turn.
func (s *Store) Update(ctx context.Context, endpoint string, fn store.TransformFunc) (json.RawMessage, bool, error) {
	unlock := s.keys.Lock(endpoint)
	defer unlock()

	cur, ok, _ := s.Get(ctx, endpoint)
	if !ok {
		return nil, false, nil
	}
	next, err := fn(cur.Payload)
	if err != nil {
		return nil, false, err
	}
	s.set(endpoint, next)
	return next, true, nil
}

// ClearCache drops all entries.
func (s *Store) ClearCache(ctx context.Context) error {
	s.mu.Lock()
	s.entries = make(map[string]store.CacheEntry)
	s.mu.Unlock()
	return nil
}

// Enqueue appends a pending mutation with the next id.
func (s *Store) Enqueue(ctx context.Context, method store.Method, endpoint string, payload json.RawMessage) (store.QueuedMutation, error) {
	if method.Kind() == "" {
		return store.QueuedMutation{}, errmodel.Validation("bad_method", "method cannot be queued", map[string]any{"method": string(method)})
	}
	s.qmu.Lock()
	defer s.qmu.Unlock()
	s.nextID++
	m := store.QueuedMutation{
		ID:         s.nextID,
		Method:     method,
		Endpoint:   endpoint,
		EnqueuedAt: s.now(),
		Status:     store.StatusPending,
	}
	if len(payload) > 0 {
		m.Payload = append(json.RawMessage(nil), payload...)
	}
	s.queue = append(s.queue, m)
	return m, nil
}

// ListPending returns pending mutations oldest first.
func (s *Store) ListPending(ctx context.Context) ([]store.QueuedMutation, error) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	var out []store.QueuedMutation
	for _, m := range s.queue {
		if m.Status == store.StatusPending {
			out = append(out, m)
		}
	}
	return out, nil
}

// MarkSynced flips the status of id.
func (s *Store) MarkSynced(ctx context.Context, id int64) error {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	for i := range s.queue {
		if s.queue[i].ID == id {
			s.queue[i].Status = store.StatusSynced
			return nil
		}
	}
	return errmodel.Validation("not_found", "queued mutation not found", map[string]any{"id": id})
}

// PurgeSynced removes synced mutations.
func (s *Store) PurgeSynced(ctx context.Context) (int64, error) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	kept := s.queue[:0]
	var n int64
	for _, m := range s.queue {
		if m.Status == store.StatusSynced {
			n++
			continue
		}
		kept = append(kept, m)
	}
	s.queue = kept
	return n, nil
}

// PendingCount counts pending mutations.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	n := 0
	for _, m := range s.queue {
		if m.Status == store.StatusPending {
			n++
		}
	}
	return n, nil
}

// Len reports how many rows the queue holds, synced rows included.
func (s *Store) Len() int {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return len(s.queue)
}

// ClearQueue drops every queued mutation. IDs keep increasing afterwards.
func (s *Store) ClearQueue(ctx context.Context) error {
	s.qmu.Lock()
	s.queue = nil
	s.qmu.Unlock()
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
