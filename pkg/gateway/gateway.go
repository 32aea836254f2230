// Package gateway routes household API calls to the network while online and
// to the local snapshot cache and mutation queue while not.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wilhg/pantrysync/pkg/connectivity"
	"github.com/wilhg/pantrysync/pkg/errmodel"
	"github.com/wilhg/pantrysync/pkg/metrics"
	"github.com/wilhg/pantrysync/pkg/optimistic"
	"github.com/wilhg/pantrysync/pkg/store"
	"github.com/wilhg/pantrysync/pkg/transport"
)

// Options wires a Gateway. Updater may be nil to disable optimistic updates.
type Options struct {
	Transport transport.Client
	Monitor   connectivity.Monitor
	Cache     store.CacheStore
	Queue     store.MutationQueue
	Updater   *optimistic.Updater
	// Cacheable overrides DefaultCacheable.
	Cacheable []string
	Logger    *zap.Logger
}

// Gateway implements transport.Client with offline fallbacks.
type Gateway struct {
	net    transport.Client
	mon    connectivity.Monitor
	cache  store.CacheStore
	queue  store.MutationQueue
	upd    *optimistic.Updater
	policy Policy
	log    *zap.Logger
}

var _ transport.Client = (*Gateway)(nil)

// New validates opts and returns a Gateway.
func New(opts Options) (*Gateway, error) {
	if opts.Transport == nil || opts.Monitor == nil || opts.Cache == nil || opts.Queue == nil {
		return nil, errors.New("gateway: transport, monitor, cache and queue are required")
	}
	prefixes := opts.Cacheable
	if len(prefixes) == 0 {
		prefixes = DefaultCacheable
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		net:    opts.Transport,
		mon:    opts.Monitor,
		cache:  opts.Cache,
		queue:  opts.Queue,
		upd:    opts.Updater,
		policy: Policy{Prefixes: prefixes},
		log:    log,
	}, nil
}

// Cacheable reports whether GET responses for endpoint are cached.
func (g *Gateway) Cacheable(endpoint string) bool { return g.policy.Cacheable(endpoint) }

func startSpan(ctx context.Context, name, method, endpoint string) (context.Context, trace.Span) {
	return otel.Tracer("pantrysync/gateway").Start(ctx, name, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("pantrysync.endpoint", endpoint),
	))
}

// Get reads from the network while online and falls back to the snapshot
// cache when offline or when no response comes back.
func (g *Gateway) Get(ctx context.Context, endpoint string) (*transport.Response, error) {
	ctx, span := startSpan(ctx, "Gateway.Get", http.MethodGet, endpoint)
	defer span.End()

	cacheable := g.policy.Cacheable(endpoint)
	online := g.mon.IsOnline(ctx)
	span.SetAttributes(attribute.Bool("pantrysync.online", online), attribute.Bool("pantrysync.cacheable", cacheable))

	if online {
		res, err := g.net.Get(ctx, endpoint)
		switch {
		case err == nil:
			if cacheable {
				g.remember(ctx, endpoint, res.Data)
			}
			return res, nil
		case errmodel.IsNetwork(err):
			g.log.Warn("network read failed, trying cache", zap.String("endpoint", endpoint), zap.Error(err))
			if !cacheable {
				span.RecordError(err)
				return nil, err
			}
		default:
			if errmodel.IsServer(err) {
				metrics.ServerFailures.Inc()
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return res, err
		}
	}

	if !cacheable {
		return nil, errmodel.NoOfflineData(endpoint)
	}
	e, ok, err := g.cache.Get(ctx, endpoint)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("get").Inc()
		g.log.Error("cache read failed", zap.String("endpoint", endpoint), zap.Error(err))
		ok = false
	}
	if !ok {
		metrics.CacheMisses.Inc()
		return nil, errmodel.NoOfflineData(endpoint)
	}
	metrics.CacheHits.Inc()
	span.SetAttributes(attribute.Bool("pantrysync.from_cache", true))
	return &transport.Response{
		StatusCode: http.StatusOK,
		Data:       e.Payload,
		FromCache:  true,
		Offline:    true,
	}, nil
}

func (g *Gateway) remember(ctx context.Context, endpoint string, data json.RawMessage) {
	if len(data) == 0 {
		return
	}
	if err := g.cache.Put(ctx, endpoint, data); err != nil {
		metrics.StorageErrors.WithLabelValues("put").Inc()
		g.log.Error("cache write failed", zap.String("endpoint", endpoint), zap.Error(err))
		return
	}
	metrics.CacheWrites.Inc()
}

func (g *Gateway) Post(ctx context.Context, endpoint string, payload json.RawMessage) (*transport.Response, error) {
	return g.mutate(ctx, store.MethodPost, endpoint, payload)
}

func (g *Gateway) Put(ctx context.Context, endpoint string, payload json.RawMessage) (*transport.Response, error) {
	return g.mutate(ctx, store.MethodPut, endpoint, payload)
}

func (g *Gateway) Patch(ctx context.Context, endpoint string, payload json.RawMessage) (*transport.Response, error) {
	return g.mutate(ctx, store.MethodPatch, endpoint, payload)
}

func (g *Gateway) Delete(ctx context.Context, endpoint string, payload json.RawMessage) (*transport.Response, error) {
	return g.mutate(ctx, store.MethodDelete, endpoint, payload)
}

// Do dispatches by verb. GET goes through the read path; other verbs must be queueable.
func (g *Gateway) Do(ctx context.Context, method, endpoint string, payload json.RawMessage) (*transport.Response, error) {
	if method == http.MethodGet {
		return g.Get(ctx, endpoint)
	}
	m, ok := store.ParseMethod(method)
	if !ok {
		return nil, errmodel.Validation("bad_method", "unsupported method", map[string]any{"method": method})
	}
	return g.mutate(ctx, m, endpoint, payload)
}

// Accepted is the body of the synthetic reply to a queued mutation.
type Accepted struct {
	Queued      bool   `json:"queued"`
	ID          int64  `json:"id"`
	SyntheticID string `json:"syntheticId,omitempty"`
}

func (g *Gateway) mutate(ctx context.Context, method store.Method, endpoint string, payload json.RawMessage) (*transport.Response, error) {
	ctx, span := startSpan(ctx, "Gateway.Mutate", string(method), endpoint)
	defer span.End()

	online := g.mon.IsOnline(ctx)
	span.SetAttributes(attribute.Bool("pantrysync.online", online))
	if online {
		res, err := g.net.Do(ctx, string(method), endpoint, payload)
		if err == nil {
			return res, nil
		}
		if !errmodel.IsNetwork(err) {
			if errmodel.IsServer(err) {
				metrics.ServerFailures.Inc()
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return res, err
		}
		g.log.Warn("network write failed, queueing", zap.String("method", string(method)), zap.String("endpoint", endpoint), zap.Error(err))
	}

	q, err := g.queue.Enqueue(ctx, method, endpoint, payload)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("enqueue").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("queue %s %s: %w", method, endpoint, err)
	}
	metrics.Queued.WithLabelValues(string(method)).Inc()
	g.log.Info("mutation queued", zap.Int64("id", q.ID), zap.String("method", string(method)), zap.String("endpoint", endpoint))
	span.SetAttributes(attribute.Int64("pantrysync.queue_id", q.ID))

	acc := Accepted{Queued: true, ID: q.ID}
	if g.upd != nil {
		res, err := g.upd.Apply(ctx, g.cache, method, endpoint, payload)
		if err != nil {
			g.log.Warn("optimistic update skipped", zap.Int64("id", q.ID), zap.String("endpoint", endpoint), zap.Error(err))
		} else if res.Applied {
			metrics.OptimisticApplied.Inc()
			acc.SyntheticID = res.SyntheticID
		}
	}
	body, _ := json.Marshal(acc)
	return &transport.Response{
		StatusCode: http.StatusAccepted,
		Data:       body,
		Offline:    true,
		QueuedID:   q.ID,
	}, nil
}
