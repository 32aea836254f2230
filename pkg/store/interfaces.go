package store

import (
	"context"
	"encoding/json"
)

// TransformFunc rewrites a cached payload. Returning an error aborts the update
// and leaves the stored payload untouched.
type TransformFunc func(current json.RawMessage) (json.RawMessage, error)

// CacheStore persists last-known-good GET responses keyed by endpoint.
// Operations are atomic per key; different keys never block each other.
type CacheStore interface {
	Put(ctx context.Context, endpoint string, payload json.RawMessage) error
	Get(ctx context.Context, endpoint string) (CacheEntry, bool, error)
	// Update applies fn to the current payload and persists the result.
	// If no entry exists fn is not invoked and ok is false.
	Update(ctx context.Context, endpoint string, fn TransformFunc) (payload json.RawMessage, ok bool, err error)
	ClearCache(ctx context.Context) error
}

// MutationQueue is a durable FIFO of pending writes.
type MutationQueue interface {
	// Enqueue appends a pending mutation. IDs are strictly increasing.
	Enqueue(ctx context.Context, method Method, endpoint string, payload json.RawMessage) (QueuedMutation, error)
	// ListPending returns pending mutations oldest first.
	ListPending(ctx context.Context) ([]QueuedMutation, error)
	MarkSynced(ctx context.Context, id int64) error
	// PurgeSynced deletes every synced mutation in one transaction.
	PurgeSynced(ctx context.Context) (int64, error)
	PendingCount(ctx context.Context) (int, error)
	ClearQueue(ctx context.Context) error
}

// Store aggregates the cache and the queue, as provided by a single database.
type Store interface {
	CacheStore
	MutationQueue
	Close() error
}
