// Package store defines persistence contracts for the offline cache and the
// mutation queue. Implementations must provide identical semantics across
// backends so replay order and cache contents do not depend on the driver.
package store

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// Method is the HTTP verb of a queued mutation.
type Method string

const (
	MethodPost   Method = http.MethodPost
	MethodPut    Method = http.MethodPut
	MethodPatch  Method = http.MethodPatch
	MethodDelete Method = http.MethodDelete
)

// Kind is the abstract effect of a mutation on a collection.
type Kind string

const (
	KindCreate Kind = "CREATE"
	KindUpdate Kind = "UPDATE"
	KindDelete Kind = "DELETE"
)

// Kind maps the verb onto its collection effect. Unknown verbs map to "".
func (m Method) Kind() Kind {
	switch m {
	case MethodPost:
		return KindCreate
	case MethodPut, MethodPatch:
		return KindUpdate
	case MethodDelete:
		return KindDelete
	}
	return ""
}

// ParseMethod normalizes a verb and reports whether it may be queued.
func ParseMethod(s string) (Method, bool) {
	m := Method(strings.ToUpper(strings.TrimSpace(s)))
	return m, m.Kind() != ""
}

// Status of a queued mutation.
type Status string

const (
	StatusPending Status = "pending"
	StatusSynced  Status = "synced"
)

// CacheEntry is the last-known-good response for an endpoint.
type CacheEntry struct {
	Endpoint   string
	Payload    json.RawMessage
	CapturedAt time.Time
}

// QueuedMutation is a write captured while the backend was unreachable.
// Only Status changes after creation.
type QueuedMutation struct {
	ID         int64           `json:"id"`
	Method     Method          `json:"method"`
	Endpoint   string          `json:"endpoint"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Status     Status          `json:"status"`
}
