// Package errmodel defines the compact, categorized error used across pantrysync.
//
// The category is the load-bearing part: the gateway decides between cache
// fallback, queueing and propagation purely from it.
package errmodel

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
)

// Category values for compact errors.
const (
	CategoryValidation = "validation"
	// CategoryNetwork marks a request for which no response was received.
	CategoryNetwork = "network"
	// CategoryServer marks a response received with a non-2xx status.
	CategoryServer = "server"
	// CategoryOffline marks an offline read with no cached value to serve.
	CategoryOffline = "offline"
	// CategoryStorage marks a local cache/queue failure.
	CategoryStorage = "storage"
	CategorySystem  = "system"
)

// Error is the compact error payload returned by APIs and used internally.
// It implements the error interface.
type Error struct {
	Category string         `json:"category"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
	Causes   []Error        `json:"causes,omitempty"`

	// Status is the HTTP status received from the backend for server errors.
	Status int `json:"status,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Unwrap exposes the original cause so errors.Is keeps working across the boundary.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// New constructs a new compact error.
func New(category, code, message string, ctx map[string]any, causes ...error) *Error {
	ce := &Error{Category: category, Code: code, Message: truncate(message, 512)}
	if len(ctx) > 0 {
		ce.Context = truncateContext(ctx)
	}
	for _, c := range causes {
		if c == nil {
			continue
		}
		if ce.cause == nil {
			ce.cause = c
		}
		ce.Causes = append(ce.Causes, *From(c))
	}
	return ce
}

// From converts any error into a compact Error. If err is already *Error, it's returned as-is.
func From(err error) *Error {
	var ce *Error
	if err == nil {
		return nil
	}
	if errors.As(err, &ce) {
		return ce
	}
	// Default to system/internal for unknown error types.
	return &Error{Category: CategorySystem, Code: "internal", Message: truncate(err.Error(), 512), cause: err}
}

// Convenience constructors.
func Validation(code, message string, ctx map[string]any) *Error {
	return New(CategoryValidation, code, message, ctx)
}

func System(code, message string, ctx map[string]any, cause error) *Error {
	if cause != nil {
		return New(CategorySystem, code, message, ctx, cause)
	}
	return New(CategorySystem, code, message, ctx)
}

// Network wraps a transport failure where no response was received.
func Network(method, endpoint string, cause error) *Error {
	msg := "no response received"
	if cause != nil {
		msg = cause.Error()
	}
	return New(CategoryNetwork, "unreachable", msg, map[string]any{"method": method, "endpoint": endpoint}, cause)
}

// Server wraps a backend response with a non-2xx status. The body is kept as a preview.
func Server(method, endpoint string, status int, body []byte) *Error {
	ctx := map[string]any{"method": method, "endpoint": endpoint}
	if len(body) > 0 {
		ctx["body"] = string(body)
	}
	ce := New(CategoryServer, serverCode(status), "server responded with "+strconv.Itoa(status), ctx)
	ce.Status = status
	return ce
}

// NoOfflineData is returned for offline reads without a cached value.
func NoOfflineData(endpoint string) *Error {
	return New(CategoryOffline, "no_offline_data", "no connectivity and no cached data", map[string]any{"endpoint": endpoint})
}

// Storage wraps a local store failure.
func Storage(op string, cause error) *Error {
	msg := op + " failed"
	if cause != nil {
		msg = op + ": " + cause.Error()
	}
	return New(CategoryStorage, "storage_"+op, msg, nil, cause)
}

func serverCode(status int) string {
	switch {
	case status >= 500:
		return "server_error"
	case status == http.StatusNotFound:
		return "not_found"
	case status == http.StatusConflict:
		return "conflict"
	case status == http.StatusUnauthorized:
		return "unauthorized"
	case status == http.StatusForbidden:
		return "forbidden"
	default:
		return "rejected"
	}
}

// HTTPStatus maps category/code to HTTP status.
func HTTPStatus(e *Error) int {
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.Category {
	case CategoryValidation:
		switch e.Code {
		case "not_found":
			return http.StatusNotFound
		case "conflict":
			return http.StatusConflict
		default:
			return http.StatusBadRequest
		}
	case CategoryServer:
		if e.Status >= 400 && e.Status < 600 {
			return e.Status
		}
		return http.StatusBadGateway
	case CategoryNetwork:
		return http.StatusBadGateway
	case CategoryOffline:
		return http.StatusServiceUnavailable
	case CategoryStorage, CategorySystem:
		fallthrough
	default:
		return http.StatusInternalServerError
	}
}

// WriteHTTP writes a compact error envelope to the response writer.
// It attempts to include the trace_id if present in ctx.
func WriteHTTP(w http.ResponseWriter, r *http.Request, err error) {
	ce := From(err)
	if ce == nil {
		ce = &Error{Category: CategorySystem, Code: "internal", Message: "unknown error"}
	}
	status := HTTPStatus(ce)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	traceID := ""
	if r != nil {
		if span := trace.SpanFromContext(r.Context()); span != nil {
			sc := span.SpanContext()
			if sc.HasTraceID() {
				traceID = sc.TraceID().String()
			}
		}
	}
	// Envelope { error: Error, trace_id?: string }
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":    ce,
		"trace_id": traceID,
	})
}

// truncate trims s to at most max bytes without splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	suffix := "..."
	if max <= len(suffix) {
		suffix = ""
	}
	cut := max - len(suffix)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + suffix
}

// truncateContext trims long string values in the context map.
func truncateContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		switch t := v.(type) {
		case string:
			out[k] = truncate(t, 256)
		default:
			b, err := json.Marshal(t)
			if err == nil && len(b) > 0 {
				s := string(b)
				if len(s) > 256 {
					s = truncate(s, 256)
				}
				out[k] = s
			} else {
				out[k] = t
			}
		}
	}
	return out
}

// IsCategory checks if err belongs to a specific category.
func IsCategory(err error, category string) bool {
	ce := From(err)
	return ce != nil && strings.EqualFold(ce.Category, category)
}

func IsNetwork(err error) bool { return IsCategory(err, CategoryNetwork) }
func IsServer(err error) bool  { return IsCategory(err, CategoryServer) }
func IsStorage(err error) bool { return IsCategory(err, CategoryStorage) }
func IsOffline(err error) bool { return IsCategory(err, CategoryOffline) }
