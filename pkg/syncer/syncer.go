// Package syncer replays queued mutations against the backend once
// connectivity returns.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/sonyflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/wilhg/pantrysync/pkg/connectivity"
	"github.com/wilhg/pantrysync/pkg/metrics"
	"github.com/wilhg/pantrysync/pkg/store"
	"github.com/wilhg/pantrysync/pkg/transport"
)

// State of the coordinator.
type State string

const (
	StateIdle    State = "IDLE"
	StateSyncing State = "SYNCING"
)

// Report summarizes one sync pass.
type Report struct {
	PassID         uint64                 `json:"passId,omitempty"`
	Attempted      int                    `json:"attempted"`
	Succeeded      int                    `json:"succeeded"`
	Failed         []store.QueuedMutation `json:"failed,omitempty"`
	Purged         int64                  `json:"purged"`
	Pending        int                    `json:"pending"`
	AlreadySyncing bool                   `json:"alreadySyncing,omitempty"`
	StartedAt      time.Time              `json:"startedAt"`
	FinishedAt     time.Time              `json:"finishedAt"`
}

// Refresher re-reads the cache entries touched by synced mutations.
type Refresher interface {
	RefreshMutations(ctx context.Context, synced []store.QueuedMutation) error
}

// Options wires a Coordinator. Transport must be the raw network client, not the gateway.
type Options struct {
	Queue     store.MutationQueue
	Transport transport.Client
	Monitor   connectivity.Monitor
	Refresher Refresher
	Logger    *zap.Logger
	OnReport  func(Report)
}

// Coordinator runs at most one sync pass at a time.
type Coordinator struct {
	queue     store.MutationQueue
	net       transport.Client
	mon       connectivity.Monitor
	refresher Refresher
	log       *zap.Logger
	onReport  func(Report)
	flake     *sonyflake.Sonyflake

	pass       sync.Mutex
	syncing    atomic.Bool
	hasPending atomic.Bool

	mu   sync.Mutex
	last *Report
}

// New returns an idle Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Queue == nil || opts.Transport == nil {
		return nil, errors.New("syncer: queue and transport are required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	flake, err := sonyflake.New(sonyflake.Settings{
		StartTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		// Pass ids only need to be unique per device.
		MachineID: func() (uint16, error) { return 1, nil },
	})
	if err != nil {
		return nil, fmt.Errorf("syncer: id generator: %w", err)
	}
	return &Coordinator{
		queue:     opts.Queue,
		net:       opts.Transport,
		mon:       opts.Monitor,
		refresher: opts.Refresher,
		log:       log,
		onReport:  opts.OnReport,
		flake:     flake,
	}, nil
}

// State reports whether a pass is running.
func (c *Coordinator) State() State {
	if c.syncing.Load() {
		return StateSyncing
	}
	return StateIdle
}

// HasPendingWork is true while the last pass left failures behind or
// mutations were queued since.
func (c *Coordinator) HasPendingWork(ctx context.Context) bool {
	if n, err := c.queue.PendingCount(ctx); err == nil {
		return n > 0
	}
	return c.hasPending.Load()
}

// PendingCount returns the number of pending mutations.
func (c *Coordinator) PendingCount(ctx context.Context) (int, error) {
	return c.queue.PendingCount(ctx)
}

// LastReport returns the most recent completed pass, if any.
func (c *Coordinator) LastReport() (Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Report{}, false
	}
	return *c.last, true
}

// Sync replays every pending mutation in enqueue order. A failed replay
// leaves the mutation pending and the pass continues. If another pass is
// running Sync returns immediately with AlreadySyncing set.
func (c *Coordinator) Sync(ctx context.Context) (Report, error) {
	if !c.pass.TryLock() {
		metrics.SyncPasses.WithLabelValues("skipped").Inc()
		return Report{AlreadySyncing: true}, nil
	}
	c.syncing.Store(true)

	rep, synced, err := c.run(ctx)

	c.syncing.Store(false)
	c.pass.Unlock()

	c.emit(rep)
	if len(synced) > 0 && c.refresher != nil {
		if rerr := c.refresher.RefreshMutations(ctx, synced); rerr != nil {
			c.log.Warn("refresh after sync failed", zap.Uint64("pass", rep.PassID), zap.Error(rerr))
		}
	}
	return rep, err
}

func (c *Coordinator) run(ctx context.Context) (Report, []store.QueuedMutation, error) {
	ctx, span := otel.Tracer("pantrysync/syncer").Start(ctx, "Coordinator.Sync")
	defer span.End()

	rep := Report{StartedAt: time.Now()}
	if id, err := c.flake.NextID(); err == nil {
		rep.PassID = id
	}
	span.SetAttributes(attribute.Int64("pantrysync.pass_id", int64(rep.PassID)))

	pending, err := c.queue.ListPending(ctx)
	if err != nil {
		span.RecordError(err)
		rep.FinishedAt = time.Now()
		return rep, nil, fmt.Errorf("list pending: %w", err)
	}

	var synced []store.QueuedMutation
	var runErr error
	for i, m := range pending {
		if err := ctx.Err(); err != nil {
			rep.Failed = append(rep.Failed, pending[i:]...)
			runErr = err
			break
		}
		rep.Attempted++
		if err := c.replay(ctx, m); err != nil {
			metrics.ReplayFail.Inc()
			c.log.Warn("replay failed", zap.Int64("id", m.ID), zap.String("method", string(m.Method)), zap.String("endpoint", m.Endpoint), zap.Error(err))
			rep.Failed = append(rep.Failed, m)
			continue
		}
		metrics.ReplayOK.Inc()
		rep.Succeeded++
		synced = append(synced, m)
	}

	// Synced rows left behind by an earlier failed purge are collected here too.
	n, err := c.queue.PurgeSynced(ctx)
	if err != nil {
		c.log.Error("purge synced failed", zap.Error(err))
	}
	rep.Purged = n
	rep.Pending = len(rep.Failed)
	if left, err := c.queue.PendingCount(ctx); err == nil {
		rep.Pending = left
	} else {
		c.log.Warn("count pending failed", zap.Error(err))
	}
	c.hasPending.Store(rep.Pending > 0)
	rep.FinishedAt = time.Now()
	span.SetAttributes(
		attribute.Int("pantrysync.attempted", rep.Attempted),
		attribute.Int("pantrysync.succeeded", rep.Succeeded),
		attribute.Int("pantrysync.failed", len(rep.Failed)),
	)
	return rep, synced, runErr
}

func (c *Coordinator) replay(ctx context.Context, m store.QueuedMutation) error {
	if _, err := c.net.Do(ctx, string(m.Method), m.Endpoint, m.Payload); err != nil {
		return err
	}
	return c.queue.MarkSynced(ctx, m.ID)
}

func (c *Coordinator) emit(rep Report) {
	outcome := "ok"
	if len(rep.Failed) > 0 {
		outcome = "partial"
	}
	metrics.SyncPasses.WithLabelValues(outcome).Inc()
	metrics.Pending.Set(float64(rep.Pending))
	c.log.Info("sync pass finished",
		zap.Uint64("pass", rep.PassID),
		zap.Int("attempted", rep.Attempted),
		zap.Int("succeeded", rep.Succeeded),
		zap.Int("failed", len(rep.Failed)),
		zap.Int64("purged", rep.Purged),
		zap.Duration("took", rep.FinishedAt.Sub(rep.StartedAt)),
	)
	c.mu.Lock()
	c.last = &rep
	c.mu.Unlock()
	if c.onReport != nil {
		c.onReport(rep)
	}
}

// Run syncs on every offline to online transition until ctx is done. If
// the monitor already reports online, one pass runs at start.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.mon == nil {
		return errors.New("syncer: Run needs a monitor")
	}
	ch, cancel := c.mon.Subscribe()
	defer cancel()

	if c.mon.IsOnline(ctx) && c.HasPendingWork(ctx) {
		c.syncQuietly(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tr, ok := <-ch:
			if !ok {
				return nil
			}
			if tr.Online {
				c.syncQuietly(ctx)
			}
		}
	}
}

func (c *Coordinator) syncQuietly(ctx context.Context) {
	if _, err := c.Sync(ctx); err != nil {
		c.log.Warn("sync pass aborted", zap.Error(err))
	}
}
