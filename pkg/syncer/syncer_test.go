package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wilhg/pantrysync/pkg/connectivity"
	"github.com/wilhg/pantrysync/pkg/errmodel"
	"github.com/wilhg/pantrysync/pkg/metrics"
	"github.com/wilhg/pantrysync/pkg/store"
	"github.com/wilhg/pantrysync/pkg/store/memstore"
	"github.com/wilhg/pantrysync/pkg/transport"
)

type sent struct {
	Method, Endpoint, Payload string
}

// backend is a transport.Client that records replays.
type backend struct {
	mu   sync.Mutex
	sent []sent
	// fail returns a non-nil error to fail the call.
	fail func(s sent) error
	// gate, if set, blocks every call until closed.
	gate chan struct{}
}

func (b *backend) Do(ctx context.Context, method, endpoint string, payload json.RawMessage) (*transport.Response, error) {
	if b.gate != nil {
		<-b.gate
	}
	s := sent{method, endpoint, string(payload)}
	b.mu.Lock()
	b.sent = append(b.sent, s)
	b.mu.Unlock()
	if b.fail != nil {
		if err := b.fail(s); err != nil {
			return nil, err
		}
	}
	return &transport.Response{StatusCode: 200}, nil
}

func (b *backend) Get(ctx context.Context, ep string) (*transport.Response, error) {
	return b.Do(ctx, http.MethodGet, ep, nil)
}
func (b *backend) Post(ctx context.Context, ep string, p json.RawMessage) (*transport.Response, error) {
	return b.Do(ctx, http.MethodPost, ep, p)
}
func (b *backend) Put(ctx context.Context, ep string, p json.RawMessage) (*transport.Response, error) {
	return b.Do(ctx, http.MethodPut, ep, p)
}
func (b *backend) Patch(ctx context.Context, ep string, p json.RawMessage) (*transport.Response, error) {
	return b.Do(ctx, http.MethodPatch, ep, p)
}
func (b *backend) Delete(ctx context.Context, ep string, p json.RawMessage) (*transport.Response, error) {
	return b.Do(ctx, http.MethodDelete, ep, p)
}

func (b *backend) Sent() []sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sent(nil), b.sent...)
}

type recordingRefresher struct {
	mu     sync.Mutex
	synced []store.QueuedMutation
}

func (r *recordingRefresher) RefreshMutations(_ context.Context, synced []store.QueuedMutation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synced = append(r.synced, synced...)
	return nil
}

func enqueue(t *testing.T, q store.MutationQueue, method store.Method, ep, payload string) store.QueuedMutation {
	t.Helper()
	m, err := q.Enqueue(context.Background(), method, ep, json.RawMessage(payload))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return m
}

func newCoordinator(t *testing.T, q store.MutationQueue, net transport.Client, opts ...func(*Options)) *Coordinator {
	t.Helper()
	o := Options{Queue: q, Transport: net}
	for _, fn := range opts {
		fn(&o)
	}
	c, err := New(o)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return c
}

func TestReplayIsFIFO(t *testing.T) {
	st := memstore.New()
	for _, q := range []string{"1", "2", "3", "4", "5"} {
		enqueue(t, st, store.MethodPatch, "/fridge/", `{"itemId":"a1","newQuantity":`+q+`}`)
	}
	be := &backend{}
	c := newCoordinator(t, st, be)

	rep, err := c.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Succeeded != 5 || len(rep.Failed) != 0 || rep.Purged != 5 || rep.PassID == 0 {
		t.Fatalf("report=%+v", rep)
	}
	got := be.Sent()
	for i, s := range got {
		want := `{"itemId":"a1","newQuantity":` + string(rune('1'+i)) + `}`
		if s.Payload != want || s.Method != http.MethodPatch {
			t.Fatalf("sent[%d]=%+v want payload %s", i, s, want)
		}
	}
	if st.Len() != 0 {
		t.Fatalf("queue len=%d want 0", st.Len())
	}
}

func TestPartialFailureKeepsFailedPending(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	enqueue(t, st, store.MethodPost, "/shopping/", `{"name":"a"}`)
	second := enqueue(t, st, store.MethodPost, "/shopping/", `{"name":"b"}`)
	enqueue(t, st, store.MethodDelete, "/recipe/r1", ``)

	be := &backend{fail: func(s sent) error {
		if s.Payload == `{"name":"b"}` {
			return errmodel.Server(s.Method, s.Endpoint, 500, nil)
		}
		return nil
	}}
	ref := &recordingRefresher{}
	var reports []Report
	c := newCoordinator(t, st, be, func(o *Options) {
		o.Refresher = ref
		o.OnReport = func(r Report) { reports = append(reports, r) }
	})

	rep, err := c.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Attempted != 3 || rep.Succeeded != 2 || len(rep.Failed) != 1 || rep.Failed[0].ID != second.ID {
		t.Fatalf("report=%+v", rep)
	}
	ps, _ := st.ListPending(ctx)
	if len(ps) != 1 || ps[0].ID != second.ID {
		t.Fatalf("pending=%+v", ps)
	}
	if st.Len() != 1 {
		t.Fatalf("synced rows not purged: len=%d", st.Len())
	}
	if !c.HasPendingWork(ctx) {
		t.Fatal("HasPendingWork=false with a failure left")
	}
	if len(reports) != 1 || len(ref.synced) != 2 {
		t.Fatalf("reports=%d refreshed=%d", len(reports), len(ref.synced))
	}
	if last, ok := c.LastReport(); !ok || last.PassID != rep.PassID {
		t.Fatalf("last report=%+v ok=%v", last, ok)
	}

	// Failures are not retried on their own; the next pass picks them up.
	be.fail = nil
	rep, err = c.Sync(ctx)
	if err != nil || rep.Succeeded != 1 || c.HasPendingWork(ctx) {
		t.Fatalf("second pass report=%+v err=%v", rep, err)
	}
}

func TestReentrantSyncIsNoOp(t *testing.T) {
	st := memstore.New()
	enqueue(t, st, store.MethodPost, "/fridge/", `{"foodName":"Milk"}`)
	be := &backend{gate: make(chan struct{})}
	c := newCoordinator(t, st, be)

	done := make(chan Report)
	go func() {
		rep, _ := c.Sync(context.Background())
		done <- rep
	}()
	deadline := time.Now().Add(time.Second)
	for c.State() != StateSyncing {
		if time.Now().After(deadline) {
			t.Fatal("first pass never started")
		}
		time.Sleep(time.Millisecond)
	}

	rep, err := c.Sync(context.Background())
	if err != nil || !rep.AlreadySyncing || rep.Attempted != 0 {
		t.Fatalf("re-entrant report=%+v err=%v", rep, err)
	}
	close(be.gate)
	if first := <-done; first.Succeeded != 1 {
		t.Fatalf("first pass=%+v", first)
	}
	if c.State() != StateIdle {
		t.Fatalf("state=%s", c.State())
	}
	if len(be.Sent()) != 1 {
		t.Fatalf("sent=%d want exactly 1", len(be.Sent()))
	}
}

func TestMarkSyncedFailureLeavesPending(t *testing.T) {
	st := memstore.New()
	enqueue(t, st, store.MethodPost, "/fridge/", `{}`)
	q := flakyQueue{MutationQueue: st}
	c := newCoordinator(t, q, &backend{})

	rep, err := c.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Succeeded != 0 || len(rep.Failed) != 1 {
		t.Fatalf("report=%+v", rep)
	}
	if n, _ := st.PendingCount(context.Background()); n != 1 {
		t.Fatalf("pending=%d want 1", n)
	}
}

type flakyQueue struct{ store.MutationQueue }

func (flakyQueue) MarkSynced(context.Context, int64) error {
	return errmodel.Storage("mark_synced", errors.New("locked"))
}

func TestRunSyncsOnReconnect(t *testing.T) {
	st := memstore.New()
	mon := connectivity.NewManual(false)
	be := &backend{}
	synced := make(chan Report, 4)
	c := newCoordinator(t, st, be, func(o *Options) {
		o.Monitor = mon
		o.OnReport = func(r Report) { synced <- r }
	})
	enqueue(t, st, store.MethodPost, "/fridge/", `{"foodName":"Eggs"}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	if len(be.Sent()) != 0 {
		t.Fatal("synced while offline")
	}

	mon.Set(true)
	select {
	case rep := <-synced:
		if rep.Succeeded != 1 {
			t.Fatalf("report=%+v", rep)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no sync after reconnect")
	}
}

func TestCancelledContextStopsPass(t *testing.T) {
	st := memstore.New()
	enqueue(t, st, store.MethodPost, "/fridge/", `{}`)
	enqueue(t, st, store.MethodPost, "/fridge/", `{}`)
	c := newCoordinator(t, st, &backend{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := c.Sync(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
	if rep.Attempted != 0 || len(rep.Failed) != 2 {
		t.Fatalf("report=%+v", rep)
	}
}

// purgeOnceFails fails the first PurgeSynced call only.
type purgeOnceFails struct {
	store.MutationQueue
	calls int
}

func (q *purgeOnceFails) PurgeSynced(ctx context.Context) (int64, error) {
	q.calls++
	if q.calls == 1 {
		return 0, errmodel.Storage("purge_synced", errors.New("disk full"))
	}
	return q.MutationQueue.PurgeSynced(ctx)
}

func TestFailedPurgeIsRetriedOnNextPass(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	enqueue(t, st, store.MethodPost, "/fridge/", `{"foodName":"Milk"}`)
	q := &purgeOnceFails{MutationQueue: st}
	c := newCoordinator(t, q, &backend{})

	rep, err := c.Sync(ctx)
	if err != nil || rep.Succeeded != 1 || rep.Purged != 0 {
		t.Fatalf("first pass report=%+v err=%v", rep, err)
	}
	if st.Len() != 1 {
		t.Fatalf("synced row gone after failed purge: len=%d", st.Len())
	}

	rep, err = c.Sync(ctx)
	if err != nil || rep.Attempted != 0 || rep.Purged != 1 {
		t.Fatalf("second pass report=%+v err=%v", rep, err)
	}
	if st.Len() != 0 {
		t.Fatalf("synced row left behind: len=%d", st.Len())
	}
}

// enqueueDuringReplay adds a mutation while the pass is replaying.
type enqueueDuringReplay struct {
	backend
	q    store.MutationQueue
	once sync.Once
}

func (b *enqueueDuringReplay) Do(ctx context.Context, method, endpoint string, payload json.RawMessage) (*transport.Response, error) {
	b.once.Do(func() {
		_, _ = b.q.Enqueue(ctx, store.MethodPost, "/shopping/", json.RawMessage(`{"name":"late"}`))
	})
	return b.backend.Do(ctx, method, endpoint, payload)
}

func pendingGauge(t *testing.T) float64 {
	t.Helper()
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.Pending)
	mfs, err := reg.Gather()
	if err != nil || len(mfs) != 1 {
		t.Fatalf("gather: %v (%d families)", err, len(mfs))
	}
	return mfs[0].GetMetric()[0].GetGauge().GetValue()
}

func TestPendingReflectsQueueAfterPass(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	enqueue(t, st, store.MethodPost, "/fridge/", `{"foodName":"Milk"}`)
	c := newCoordinator(t, st, &enqueueDuringReplay{q: st})

	rep, err := c.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Succeeded != 1 || len(rep.Failed) != 0 || rep.Pending != 1 {
		t.Fatalf("report=%+v", rep)
	}
	if got := pendingGauge(t); got != 1 {
		t.Fatalf("pending gauge=%v want 1", got)
	}
	if !c.HasPendingWork(ctx) {
		t.Fatal("HasPendingWork=false with a mutation queued mid-pass")
	}

	rep, err = c.Sync(ctx)
	if err != nil || rep.Succeeded != 1 || rep.Pending != 0 {
		t.Fatalf("second pass report=%+v err=%v", rep, err)
	}
	if got := pendingGauge(t); got != 0 {
		t.Fatalf("pending gauge=%v want 0", got)
	}
}
