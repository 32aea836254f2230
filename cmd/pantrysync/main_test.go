package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wilhg/pantrysync/pkg/connectivity"
	"github.com/wilhg/pantrysync/pkg/metrics"
	"github.com/wilhg/pantrysync/pkg/store/sqlstore"
	"github.com/wilhg/pantrysync/pkg/syncer"
	"github.com/wilhg/pantrysync/pkg/transport"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	if got := getEnv("FOO", "default"); got != "bar" {
		t.Fatalf("getEnv returned %q, want %q", got, "bar")
	}
	if got := getEnv("MISSING", "default"); got != "default" {
		t.Fatalf("getEnv returned %q, want %q", got, "default")
	}
}

// shoppingBackend stores shopping items in memory.
func shoppingBackend(t *testing.T) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	items := []map[string]any{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.URL.Path != "/shopping/" {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{"data": items})
		case http.MethodPost:
			var in map[string]any
			_ = json.NewDecoder(r.Body).Decode(&in)
			in["_id"] = "srv-1"
			items = append(items, in)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(in)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
}

func do(t *testing.T, method, url, body string) (*http.Response, string) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(res.Body)
	return res, string(b)
}

func TestDaemon_OfflineRoundTrip(t *testing.T) {
	const dsn = "sqlite:file:daemontest?mode=memory&cache=shared&_pragma=busy_timeout(5000)"
	st, err := sqlstore.Open(t.Context(), dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(t.Context()); err != nil {
		t.Fatal(err)
	}

	backend := shoppingBackend(t)
	defer backend.Close()
	net, err := transport.New(transport.Config{BaseURL: backend.URL})
	if err != nil {
		t.Fatal(err)
	}
	mon := connectivity.NewManual(true)
	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	a, err := newApp(appDeps{Transport: net, Monitor: mon, Cache: st, Queue: st, Registry: reg})
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(a.handler())
	defer srv.Close()

	if res, _ := do(t, http.MethodGet, srv.URL+"/healthz", ""); res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status=%d", res.StatusCode)
	}

	// prime the cache
	if res, body := do(t, http.MethodGet, srv.URL+"/api/shopping/", ""); res.StatusCode != http.StatusOK || res.Header.Get("X-From-Cache") != "" {
		t.Fatalf("online get status=%d body=%s", res.StatusCode, body)
	}

	mon.Set(false)
	res, body := do(t, http.MethodPost, srv.URL+"/api/shopping/", `{"name":"Eggs"}`)
	if res.StatusCode != http.StatusAccepted || res.Header.Get("X-Offline") != "true" {
		t.Fatalf("offline post status=%d body=%s", res.StatusCode, body)
	}
	res, body = do(t, http.MethodGet, srv.URL+"/api/shopping/", "")
	if res.Header.Get("X-From-Cache") != "true" || !strings.Contains(body, "temp_") {
		t.Fatalf("offline get headers=%v body=%s", res.Header, body)
	}
	if res, body := do(t, http.MethodGet, srv.URL+"/api/auth/me", ""); res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("non-cacheable offline status=%d body=%s", res.StatusCode, body)
	}

	var st1 statusView
	_, body = do(t, http.MethodGet, srv.URL+"/status", "")
	if err := json.Unmarshal([]byte(body), &st1); err != nil || st1.Pending != 1 || st1.Online {
		t.Fatalf("status=%s err=%v", body, err)
	}

	if res, _ := do(t, http.MethodPost, srv.URL+"/sync", ""); res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("offline sync status=%d", res.StatusCode)
	}

	mon.Set(true)
	res, body = do(t, http.MethodPost, srv.URL+"/sync", "")
	var rep syncer.Report
	if err := json.Unmarshal([]byte(body), &rep); err != nil || res.StatusCode != http.StatusOK || rep.Succeeded != 1 {
		t.Fatalf("sync status=%d body=%s err=%v", res.StatusCode, body, err)
	}

	_, body = do(t, http.MethodGet, srv.URL+"/api/shopping/", "")
	if strings.Contains(body, "temp_") || !strings.Contains(body, "srv-1") {
		t.Fatalf("after sync body=%s", body)
	}

	res, body = do(t, http.MethodGet, srv.URL+"/metrics", "")
	if res.StatusCode != http.StatusOK || !strings.Contains(body, "pantrysync_mutations_queued_total") {
		t.Fatalf("metrics status=%d", res.StatusCode)
	}
}

func TestDaemon_ServerErrorPassesThrough(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"quantity required"}`))
	}))
	defer backend.Close()
	net, _ := transport.New(transport.Config{BaseURL: backend.URL})

	const dsn = "sqlite:file:daemontest422?mode=memory&cache=shared&_pragma=busy_timeout(5000)"
	st, err := sqlstore.Open(t.Context(), dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(t.Context()); err != nil {
		t.Fatal(err)
	}
	a, err := newApp(appDeps{Transport: net, Monitor: connectivity.NewManual(true), Cache: st, Queue: st})
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(a.handler())
	defer srv.Close()

	res, body := do(t, http.MethodPost, srv.URL+"/api/fridge/", `{"foodName":"Milk"}`)
	if res.StatusCode != http.StatusUnprocessableEntity || !strings.Contains(body, "quantity required") {
		t.Fatalf("status=%d body=%s", res.StatusCode, body)
	}
	if n, _ := st.PendingCount(t.Context()); n != 0 {
		t.Fatalf("pending=%d want 0", n)
	}
	res, _ = do(t, http.MethodPost, srv.URL+"/api/fridge/", `{not json`)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad json status=%d", res.StatusCode)
	}
}
