package gateway

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/wilhg/pantrysync/pkg/store"
)

// Targets returns the cache keys touched by the given mutations, deduplicated
// in first-seen order. Only cacheable keys are returned.
func (g *Gateway) Targets(muts []store.QueuedMutation) []string {
	seen := make(map[string]bool, len(muts))
	var out []string
	for _, m := range muts {
		key := m.Endpoint
		if g.upd != nil {
			if t, ok := g.upd.Target(m.Method, m.Endpoint); ok {
				key = t
			}
		}
		if seen[key] || !g.policy.Cacheable(key) {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	return out
}

// Refresh re-reads endpoints from the network and overwrites their cache
// entries, replacing any synthetic rows with server data.
func (g *Gateway) Refresh(ctx context.Context, endpoints []string) error {
	var errs []error
	for _, ep := range endpoints {
		if !g.policy.Cacheable(ep) {
			continue
		}
		res, err := g.net.Get(ctx, ep)
		if err != nil {
			g.log.Warn("refresh failed", zap.String("endpoint", ep), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		g.remember(ctx, ep, res.Data)
	}
	return errors.Join(errs...)
}

// RefreshMutations refreshes the cache targets of synced mutations.
func (g *Gateway) RefreshMutations(ctx context.Context, synced []store.QueuedMutation) error {
	return g.Refresh(ctx, g.Targets(synced))
}
