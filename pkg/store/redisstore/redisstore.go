// Package redisstore implements store.CacheStore on Redis so several local
// processes on one device can share a single offline snapshot.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wilhg/pantrysync/pkg/errmodel"
	"github.com/wilhg/pantrysync/pkg/store"
)

const (
	fieldData      = "data"
	fieldTimestamp = "timestamp"

	defaultPrefix     = "pantrysync:cache:"
	defaultMaxRetries = 8
)

// Options configures the Redis connection and key layout.
type Options struct {
	Addr     string
	Password string
	Database int
	Timeout  time.Duration

	// Prefix is prepended to every endpoint key.
	Prefix string
	// MaxRetries bounds optimistic transaction retries in Update.
	MaxRetries int
}

// Store keeps one hash per endpoint with the "data" and "timestamp" fields of api_cache.
type Store struct {
	cli        *redis.Client
	prefix     string
	maxRetries int
	keys       *store.KeyLock
	now        func() time.Time
}

var _ store.CacheStore = (*Store)(nil)

// New connects to Redis. It does not ping; the first operation reports connectivity errors.
func New(opt Options) (*Store, error) {
	if opt.Addr == "" {
		return nil, fmt.Errorf("redis: missing addr")
	}
	if opt.Timeout == 0 {
		opt.Timeout = 5 * time.Second
	}
	if opt.Prefix == "" {
		opt.Prefix = defaultPrefix
	}
	if opt.MaxRetries <= 0 {
		opt.MaxRetries = defaultMaxRetries
	}
	cli := redis.NewClient(&redis.Options{
		Addr:         opt.Addr,
		Password:     opt.Password,
		DB:           opt.Database,
		DialTimeout:  opt.Timeout,
		ReadTimeout:  opt.Timeout,
		WriteTimeout: opt.Timeout,
	})
	return NewWithClient(cli, opt.Prefix, opt.MaxRetries), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(cli *redis.Client, prefix string, maxRetries int) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Store{cli: cli, prefix: prefix, maxRetries: maxRetries, keys: store.NewKeyLock(), now: time.Now}
}

// Close closes the client.
func (s *Store) Close() error { return s.cli.Close() }

func (s *Store) key(endpoint string) string { return s.prefix + endpoint }

// Put overwrites the entry for endpoint.
func (s *Store) Put(ctx context.Context, endpoint string, payload json.RawMessage) error {
	err := s.cli.HSet(ctx, s.key(endpoint),
		fieldData, string(payload),
		fieldTimestamp, s.now().UnixMilli(),
	).Err()
	if err != nil {
		return errmodel.Storage("put", err)
	}
	return nil
}

// Get returns the entry for endpoint, if any.
func (s *Store) Get(ctx context.Context, endpoint string) (store.CacheEntry, bool, error) {
	e, ok, err := readEntry(ctx, s.cli, s.key(endpoint), endpoint)
	if err != nil {
		return store.CacheEntry{}, false, errmodel.Storage("get", err)
	}
	return e, ok, nil
}

type hashGetter interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func readEntry(ctx context.Context, c hashGetter, key, endpoint string) (store.CacheEntry, bool, error) {
	m, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return store.CacheEntry{}, false, err
	}
	data, ok := m[fieldData]
	if !ok {
		return store.CacheEntry{}, false, nil
	}
	ts, _ := strconv.ParseInt(m[fieldTimestamp], 10, 64)
	return store.CacheEntry{Endpoint: endpoint, Payload: json.RawMessage(data), CapturedAt: time.UnixMilli(ts)}, true, nil
}

// transformError marks an error returned by the caller's transform.
type transformError struct{ err error }

func (e transformError) Error() string { return e.err.Error() }
func (e transformError) Unwrap() error { return e.err }

// Update applies fn inside a WATCH/MULTI transaction, retrying when another
// writer touched the key in between.
func (s *Store) Update(ctx context.Context, endpoint string, fn store.TransformFunc) (json.RawMessage, bool, error) {
	unlock := s.keys.Lock(endpoint)
	defer unlock()

	key := s.key(endpoint)
	var (
		next  json.RawMessage
		found bool
	)
	txf := func(tx *redis.Tx) error {
		cur, ok, err := readEntry(ctx, tx, key, endpoint)
		if err != nil {
			return err
		}
		found = ok
		if !ok {
			return nil
		}
		out, err := fn(cur.Payload)
		if err != nil {
			return transformError{err}
		}
		next = out
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldData, string(out), fieldTimestamp, s.now().UnixMilli())
			return nil
		})
		return err
	}

	for i := 0; i < s.maxRetries; i++ {
		err := s.cli.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		var te transformError
		if errors.As(err, &te) {
			return nil, false, te.err
		}
		if err != nil {
			return nil, false, errmodel.Storage("update", err)
		}
		if !found {
			return nil, false, nil
		}
		return next, true, nil
	}
	return nil, false, errmodel.Storage("update", fmt.Errorf("key %q kept changing after %d attempts", key, s.maxRetries))
}

// ClearCache deletes every key under the prefix.
func (s *Store) ClearCache(ctx context.Context) error {
	iter := s.cli.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			if err := s.cli.Del(ctx, batch...).Err(); err != nil {
				return errmodel.Storage("clear", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return errmodel.Storage("clear", err)
	}
	if len(batch) > 0 {
		if err := s.cli.Del(ctx, batch...).Err(); err != nil {
			return errmodel.Storage("clear", err)
		}
	}
	return nil
}
