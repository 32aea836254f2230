// Package transport is the HTTP client for the household backend. It sorts
// every failure into one of two classes: no response received (network) or
// a non-2xx response received (server).
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wilhg/pantrysync/pkg/errmodel"
)

// Response is a backend reply. FromCache and Offline are set by the gateway
// when the reply did not come from the network.
type Response struct {
	StatusCode int             `json:"status"`
	Data       json.RawMessage `json:"data,omitempty"`
	FromCache  bool            `json:"fromCache,omitempty"`
	Offline    bool            `json:"offline,omitempty"`
	// QueuedID is the queue id of a mutation accepted while offline.
	QueuedID int64 `json:"queuedId,omitempty"`
}

// Client is the request surface shared by the raw transport and the gateway.
type Client interface {
	Get(ctx context.Context, endpoint string) (*Response, error)
	Post(ctx context.Context, endpoint string, payload json.RawMessage) (*Response, error)
	Put(ctx context.Context, endpoint string, payload json.RawMessage) (*Response, error)
	Patch(ctx context.Context, endpoint string, payload json.RawMessage) (*Response, error)
	Delete(ctx context.Context, endpoint string, payload json.RawMessage) (*Response, error)
	// Do sends an arbitrary verb.
	Do(ctx context.Context, method, endpoint string, payload json.RawMessage) (*Response, error)
}

// TokenSource supplies the bearer token for each request. An empty token
// sends no Authorization header.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Config controls the HTTP transport.
//
// BaseURL: backend root, e.g. https://api.example.com. Endpoints are appended verbatim.
// Timeout: per-request deadline; exceeding it counts as a network failure. Default 15s.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Tokens  TokenSource
	// Base is the RoundTripper wrapped by otelhttp. Defaults to http.DefaultTransport.
	Base http.RoundTripper
}

// HTTP implements Client over net/http.
type HTTP struct {
	base   string
	tokens TokenSource
	http   *http.Client
}

var _ Client = (*HTTP)(nil)

// New validates cfg and returns an instrumented client.
func New(cfg Config) (*HTTP, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("transport: invalid base url %q", cfg.BaseURL)
	}
	to := cfg.Timeout
	if to <= 0 {
		to = 15 * time.Second
	}
	rt := cfg.Base
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &HTTP{
		base:   strings.TrimRight(u.String(), "/"),
		tokens: cfg.Tokens,
		http:   &http.Client{Timeout: to, Transport: otelhttp.NewTransport(rt)},
	}, nil
}

func (c *HTTP) Get(ctx context.Context, endpoint string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, endpoint, nil)
}

func (c *HTTP) Post(ctx context.Context, endpoint string, payload json.RawMessage) (*Response, error) {
	return c.Do(ctx, http.MethodPost, endpoint, payload)
}

func (c *HTTP) Put(ctx context.Context, endpoint string, payload json.RawMessage) (*Response, error) {
	return c.Do(ctx, http.MethodPut, endpoint, payload)
}

func (c *HTTP) Patch(ctx context.Context, endpoint string, payload json.RawMessage) (*Response, error) {
	return c.Do(ctx, http.MethodPatch, endpoint, payload)
}

// Delete sends payload as the request body; the household API identifies
// some deletions by body fields.
func (c *HTTP) Delete(ctx context.Context, endpoint string, payload json.RawMessage) (*Response, error) {
	return c.Do(ctx, http.MethodDelete, endpoint, payload)
}

// Do sends one request. A nil response with a network error means nothing
// came back; a non-nil response with a server error means the backend
// answered with a non-2xx status.
func (c *HTTP) Do(ctx context.Context, method, endpoint string, payload json.RawMessage) (*Response, error) {
	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), body)
	if err != nil {
		return nil, errmodel.Validation("bad_request", err.Error(), map[string]any{"method": method, "endpoint": endpoint})
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, errmodel.System("token", "token source failed", map[string]any{"endpoint": endpoint}, err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, errmodel.Network(method, endpoint, err)
	}
	defer func() { _ = res.Body.Close() }()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, errmodel.Network(method, endpoint, err)
	}
	out := &Response{StatusCode: res.StatusCode, Data: asJSON(raw)}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return out, errmodel.Server(method, endpoint, res.StatusCode, raw)
	}
	return out, nil
}

func (c *HTTP) url(endpoint string) string {
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return c.base + endpoint
}

// asJSON keeps valid JSON bodies as-is and wraps anything else as a JSON string.
func asJSON(raw []byte) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return json.RawMessage(raw)
	}
	b, _ := json.Marshal(string(raw))
	return b
}
