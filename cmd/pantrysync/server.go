package main

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/wilhg/pantrysync/pkg/errmodel"
	"github.com/wilhg/pantrysync/pkg/syncer"
)

const maxBody = 1 << 20

type statusView struct {
	State      syncer.State   `json:"state"`
	Online     bool           `json:"online"`
	Pending    int            `json:"pending"`
	HasPending bool           `json:"hasPending"`
	LastSync   *syncer.Report `json:"lastSync,omitempty"`
}

func (a *app) handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", a.status)
	r.Post("/sync", a.syncNow)

	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if a.reg != nil {
		gatherer = a.reg
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.HandleFunc("/api/*", a.proxy)

	return otelhttp.NewHandler(r, "pantrysync")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *app) status(w http.ResponseWriter, r *http.Request) {
	n, err := a.sync.PendingCount(r.Context())
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	v := statusView{
		State:      a.sync.State(),
		Online:     a.mon.IsOnline(r.Context()),
		Pending:    n,
		HasPending: n > 0,
	}
	if rep, ok := a.sync.LastReport(); ok {
		v.LastSync = &rep
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *app) syncNow(w http.ResponseWriter, r *http.Request) {
	if !a.mon.IsOnline(r.Context()) {
		errmodel.WriteHTTP(w, r, errmodel.New(errmodel.CategoryOffline, "offline", "backend unreachable; sync deferred", nil))
		return
	}
	rep, err := a.sync.Sync(r.Context())
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	status := http.StatusOK
	if rep.AlreadySyncing {
		status = http.StatusAccepted
	}
	writeJSON(w, status, rep)
}

// proxy forwards /api/<endpoint> through the gateway.
func (a *app) proxy(w http.ResponseWriter, r *http.Request) {
	endpoint := "/" + chi.URLParam(r, "*")
	if r.URL.RawQuery != "" {
		endpoint += "?" + r.URL.RawQuery
	}
	var payload json.RawMessage
	if r.Body != nil && r.Method != http.MethodGet {
		b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
		if err != nil {
			errmodel.WriteHTTP(w, r, errmodel.Validation("body_too_large", err.Error(), nil))
			return
		}
		if len(strings.TrimSpace(string(b))) > 0 {
			if !json.Valid(b) {
				errmodel.WriteHTTP(w, r, errmodel.Validation("bad_json", "request body is not valid JSON", nil))
				return
			}
			payload = b
		}
	}

	res, err := a.gw.Do(r.Context(), r.Method, endpoint, payload)
	if err != nil && !(errmodel.IsServer(err) && res != nil) {
		a.log.Debug("proxy failed", zap.String("method", r.Method), zap.String("endpoint", endpoint), zap.Error(err))
		errmodel.WriteHTTP(w, r, err)
		return
	}
	if res.FromCache {
		w.Header().Set("X-From-Cache", "true")
	}
	if res.Offline {
		w.Header().Set("X-Offline", "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.StatusCode)
	if len(res.Data) > 0 {
		_, _ = w.Write(res.Data)
	}
}
