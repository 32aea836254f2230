package optimistic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/wilhg/pantrysync/pkg/errmodel"
	"github.com/wilhg/pantrysync/pkg/store"
)

// Result describes what an Apply call did.
type Result struct {
	Applied     bool
	Target      string
	SyntheticID string
	Payload     json.RawMessage
}

// Updater dispatches mutations to the rule table.
type Updater struct {
	rules   []Rule
	schemas []*jsonschema.Schema
	newID   func() string
	now     func() time.Time
	log     *zap.Logger
}

// Option configures an Updater.
type Option func(*Updater)

// WithIDFunc overrides synthetic id generation.
func WithIDFunc(fn func() string) Option { return func(u *Updater) { u.newID = fn } }

// WithClock overrides the createdAt clock.
func WithClock(fn func() time.Time) Option { return func(u *Updater) { u.now = fn } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(u *Updater) { u.log = l } }

// NewSyntheticID mints a fresh temp_ id.
func NewSyntheticID() string { return SyntheticPrefix + uuid.NewString() }

// New compiles every rule schema up front.
func New(rules []Rule, opts ...Option) (*Updater, error) {
	u := &Updater{
		rules:   append([]Rule(nil), rules...),
		schemas: make([]*jsonschema.Schema, len(rules)),
		newID:   NewSyntheticID,
		now:     time.Now,
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(u)
	}
	for i, r := range u.rules {
		if r.Transform == nil {
			return nil, fmt.Errorf("rule %s %s: nil transform", r.Method, r.Prefix)
		}
		sch, err := compileSchema(fmt.Sprintf("rule%d", i), r.Schema)
		if err != nil {
			return nil, fmt.Errorf("rule %s %s: compile schema: %w", r.Method, r.Prefix, err)
		}
		u.schemas[i] = sch
	}
	return u, nil
}

// NewHousehold returns an Updater loaded with HouseholdRules.
func NewHousehold(opts ...Option) (*Updater, error) { return New(HouseholdRules(), opts...) }

func (u *Updater) lookup(kind store.Kind, endpoint string) (int, bool) {
	best := -1
	for i, r := range u.rules {
		if !r.matches(kind, endpoint) {
			continue
		}
		if best < 0 || len(r.Prefix) > len(u.rules[best].Prefix) ||
			(len(r.Prefix) == len(u.rules[best].Prefix) && r.Exact && !u.rules[best].Exact) {
			best = i
		}
	}
	return best, best >= 0
}

// Target reports the cache key a mutation would rewrite.
func (u *Updater) Target(method store.Method, endpoint string) (string, bool) {
	i, ok := u.lookup(method.Kind(), endpoint)
	if !ok {
		return "", false
	}
	return u.rules[i].target(endpoint), true
}

// TransformFor returns the store transform for a mutation together with the
// target key. fn is nil when no rule applies.
func (u *Updater) TransformFor(method store.Method, endpoint string, payload json.RawMessage) (target string, syntheticID string, fn store.TransformFunc, err error) {
	kind := method.Kind()
	i, ok := u.lookup(kind, endpoint)
	if !ok {
		return "", "", nil, nil
	}
	if err := validatePayload(u.schemas[i], payload); err != nil {
		return "", "", nil, errmodel.Validation("payload_schema", err.Error(), map[string]any{"endpoint": endpoint, "method": string(method)})
	}
	fields := map[string]any{}
	if len(payload) > 0 {
		if err := decodeJSON(payload, &fields); err != nil {
			return "", "", nil, errmodel.Validation("payload_shape", "payload is not a JSON object", map[string]any{"endpoint": endpoint})
		}
		if fields == nil {
			fields = map[string]any{}
		}
	}
	r := u.rules[i]
	m := Mutation{Kind: kind, Endpoint: endpoint, Payload: fields, At: u.now()}
	if kind == store.KindCreate {
		m.SyntheticID = u.newID()
	}
	fn = func(cur json.RawMessage) (json.RawMessage, error) {
		return applyToSnapshot(cur, r.Transform, m)
	}
	return r.target(endpoint), m.SyntheticID, fn, nil
}

// Apply rewrites the cached snapshot a mutation targets. Unmapped mutations,
// invalid payloads and missing snapshots are no-ops; the error is only
// non-nil for validation or storage failures and is advisory to callers.
func (u *Updater) Apply(ctx context.Context, cache store.CacheStore, method store.Method, endpoint string, payload json.RawMessage) (Result, error) {
	target, sid, fn, err := u.TransformFor(method, endpoint, payload)
	if err != nil {
		return Result{}, err
	}
	if fn == nil {
		return Result{}, nil
	}
	next, ok, err := cache.Update(ctx, target, fn)
	if err != nil {
		var ee *errmodel.Error
		if !errors.As(err, &ee) {
			err = errmodel.System("optimistic_apply", "transform failed", map[string]any{"target": target}, err)
		}
		return Result{Target: target}, err
	}
	if !ok {
		u.log.Debug("no snapshot to update", zap.String("target", target), zap.String("endpoint", endpoint))
		return Result{Target: target}, nil
	}
	return Result{Applied: true, Target: target, SyntheticID: sid, Payload: next}, nil
}
