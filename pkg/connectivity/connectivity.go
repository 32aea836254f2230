// Package connectivity reports whether the backend is reachable and emits
// offline/online transitions.
package connectivity

import (
	"context"
	"sync"
	"time"
)

// Transition is emitted whenever reachability flips.
type Transition struct {
	Online bool
	At     time.Time
}

// Monitor answers reachability questions.
type Monitor interface {
	IsOnline(ctx context.Context) bool
	// Subscribe returns a channel of transitions and a cancel func. Slow
	// subscribers miss transitions rather than block the monitor.
	Subscribe() (<-chan Transition, func())
}

type hub struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan Transition
	online bool
	known  bool
}

func (h *hub) subscribe() (<-chan Transition, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[int]chan Transition)
	}
	id := h.next
	h.next++
	ch := make(chan Transition, 4)
	h.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// set records the new state and reports whether it was a transition. The
// first observation only establishes a baseline.
func (h *hub) set(online bool, at time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.known && h.online == online {
		return false
	}
	first := !h.known
	h.online, h.known = online, true
	if first {
		return false
	}
	tr := Transition{Online: online, At: at}
	for _, ch := range h.subs {
		select {
		case ch <- tr:
		default:
		}
	}
	return true
}

func (h *hub) state() (online, known bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.online, h.known
}

// Manual is a Monitor whose state is set by the caller, e.g. a host
// application bridging the platform's network callbacks.
type Manual struct {
	h hub
}

var _ Monitor = (*Manual)(nil)

// NewManual returns a Manual monitor starting in the given state.
func NewManual(online bool) *Manual {
	m := &Manual{}
	m.h.set(online, time.Now())
	return m
}

// Set updates the state and notifies subscribers on change.
func (m *Manual) Set(online bool) { m.h.set(online, time.Now()) }

func (m *Manual) IsOnline(context.Context) bool {
	on, _ := m.h.state()
	return on
}

func (m *Manual) Subscribe() (<-chan Transition, func()) { return m.h.subscribe() }
