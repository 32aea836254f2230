// Package optimistic reflects queued mutations in cached list snapshots so
// offline callers see their own writes before the server confirms them.
package optimistic

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/wilhg/pantrysync/pkg/store"
)

// SyntheticPrefix marks ids minted locally for rows the server has not seen yet.
const SyntheticPrefix = "temp_"

// IsSynthetic reports whether id was minted locally.
func IsSynthetic(id string) bool { return strings.HasPrefix(id, SyntheticPrefix) }

// Mutation is the input handed to a rule transform.
type Mutation struct {
	Kind        store.Kind
	Endpoint    string
	Payload     map[string]any
	SyntheticID string
	At          time.Time
}

// Segment returns the i-th slash separated component of the endpoint path,
// ignoring any query string. "/recipe/r1" has segment 2 == "r1".
func (m Mutation) Segment(i int) string {
	p := m.Endpoint
	if q := strings.IndexByte(p, '?'); q >= 0 {
		p = p[:q]
	}
	parts := strings.Split(p, "/")
	if i < 0 || i >= len(parts) {
		return ""
	}
	return parts[i]
}

// Str returns a string payload field, or "" when missing or not a string.
func (m Mutation) Str(key string) string {
	s, _ := m.Payload[key].(string)
	return s
}

// Item is one element of a cached list.
type Item = map[string]any

// Transform rewrites the list held in a cached snapshot. It must not mutate items in place.
type Transform func(items []any, m Mutation) ([]any, error)

// Rule maps a (kind, endpoint) pair onto the cache entry it touches.
type Rule struct {
	Prefix string
	// Exact requires the endpoint to equal Prefix.
	Exact  bool
	Method store.Kind
	// Target is the cache key to rewrite. Empty means the endpoint itself.
	Target    string
	Schema    []byte
	Transform Transform
}

func (r Rule) matches(kind store.Kind, endpoint string) bool {
	if r.Method != kind {
		return false
	}
	if r.Exact {
		return endpoint == r.Prefix
	}
	return strings.HasPrefix(endpoint, r.Prefix)
}

func (r Rule) target(endpoint string) string {
	if r.Target != "" {
		return r.Target
	}
	return endpoint
}

// Append adds a new element built from the payload. The element carries the
// synthetic id and a createdAt stamp; decorate may add rule specific fields.
func Append(decorate func(Item, Mutation)) Transform {
	return func(items []any, m Mutation) ([]any, error) {
		el := make(Item, len(m.Payload)+2)
		for k, v := range m.Payload {
			el[k] = v
		}
		el["_id"] = m.SyntheticID
		el["createdAt"] = m.At.UTC().Format(time.RFC3339)
		if decorate != nil {
			decorate(el, m)
		}
		out := make([]any, 0, len(items)+1)
		out = append(out, items...)
		return append(out, el), nil
	}
}

// KeyFunc derives the _id an UPDATE applies to.
type KeyFunc func(Mutation) string

// PayloadKey reads the key from a payload field.
func PayloadKey(field string) KeyFunc {
	return func(m Mutation) string { return m.Str(field) }
}

// PathSegment reads the key from the endpoint path.
func PathSegment(i int) KeyFunc {
	return func(m Mutation) string { return m.Segment(i) }
}

// Merge replaces the element whose _id equals key(m) with a shallow merge of
// that element and the payload. rename maps payload fields onto item fields.
func Merge(key KeyFunc, rename map[string]string) Transform {
	return func(items []any, m Mutation) ([]any, error) {
		id := key(m)
		if id == "" {
			return items, nil
		}
		out := make([]any, len(items))
		for i, it := range items {
			el, ok := it.(Item)
			if !ok || el["_id"] != id {
				out[i] = it
				continue
			}
			merged := make(Item, len(el)+len(m.Payload))
			for k, v := range el {
				merged[k] = v
			}
			for from, to := range rename {
				if v, ok := m.Payload[from]; ok {
					merged[to] = v
				}
			}
			for k, v := range m.Payload {
				merged[k] = v
			}
			out[i] = merged
		}
		return out, nil
	}
}

// Predicate selects list elements.
type Predicate func(el Item, m Mutation) bool

// Remove drops every element matching pred.
func Remove(pred Predicate) Transform {
	return func(items []any, m Mutation) ([]any, error) {
		out := make([]any, 0, len(items))
		for _, it := range items {
			if el, ok := it.(Item); ok && pred(el, m) {
				continue
			}
			out = append(out, it)
		}
		return out, nil
	}
}

// IDEquals matches elements whose _id equals key(m).
func IDEquals(key KeyFunc) Predicate {
	return func(el Item, m Mutation) bool {
		id := key(m)
		return id != "" && el["_id"] == id
	}
}

// applyToSnapshot runs t over the list in a cached snapshot. Snapshots are
// either the household envelope {"data":[...]} or a bare array; "data":null
// counts as an empty list and anything else is returned unchanged.
func applyToSnapshot(snapshot json.RawMessage, t Transform, m Mutation) (json.RawMessage, error) {
	var doc any
	if err := decodeJSON(snapshot, &doc); err != nil {
		return snapshot, nil
	}
	switch v := doc.(type) {
	case []any:
		items, err := t(v, m)
		if err != nil {
			return nil, err
		}
		return json.Marshal(items)
	case map[string]any:
		raw, present := v["data"]
		list, ok := raw.([]any)
		if !ok && !(present && raw == nil) {
			return snapshot, nil
		}
		items, err := t(list, m)
		if err != nil {
			return nil, err
		}
		env := make(map[string]any, len(v))
		for k, val := range v {
			env[k] = val
		}
		env["data"] = items
		return json.Marshal(env)
	}
	return snapshot, nil
}

// decodeJSON keeps numbers as json.Number so untouched elements are
// re-encoded with their original digits.
func decodeJSON(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}
