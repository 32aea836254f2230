package connectivity

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wilhg/pantrysync/pkg/metrics"
)

// Prober polls a health URL. The backend counts as reachable when any HTTP
// response comes back, whatever its status.
type Prober struct {
	URL      string
	Interval time.Duration
	Client   *http.Client
	Log      *zap.Logger

	h hub
}

var _ Monitor = (*Prober)(nil)

// NewProber returns a Prober with a 15s interval and 5s probe timeout.
func NewProber(url string, log *zap.Logger) *Prober {
	if log == nil {
		log = zap.NewNop()
	}
	return &Prober{
		URL:      url,
		Interval: 15 * time.Second,
		Client:   &http.Client{Timeout: 5 * time.Second},
		Log:      log,
	}
}

// Probe performs one reachability check and records the result. A check cut
// short by ctx records nothing and reports the last known state.
func (p *Prober) Probe(ctx context.Context) bool {
	online := p.reachable(ctx)
	if ctx.Err() != nil {
		last, _ := p.h.state()
		return last
	}
	if p.h.set(online, time.Now()) {
		metrics.ConnectivityTransitions.WithLabelValues(stateLabel(online)).Inc()
		p.Log.Info("connectivity changed", zap.Bool("online", online), zap.String("url", p.URL))
	}
	if online {
		metrics.Online.Set(1)
	} else {
		metrics.Online.Set(0)
	}
	return online
}

func (p *Prober) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		p.Log.Debug("probe failed", zap.Error(err))
		return false
	}
	_ = resp.Body.Close()
	return true
}

// IsOnline returns the last observed state, probing once if nothing has been observed yet.
func (p *Prober) IsOnline(ctx context.Context) bool {
	if on, known := p.h.state(); known {
		return on
	}
	return p.Probe(ctx)
}

func (p *Prober) Subscribe() (<-chan Transition, func()) { return p.h.subscribe() }

// Run probes every Interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	p.Probe(ctx)
	t := time.NewTicker(p.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.Probe(ctx)
		}
	}
}

func stateLabel(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
