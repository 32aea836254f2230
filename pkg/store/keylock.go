package store

import "sync"

// KeyLock hands out one mutex per key. Entries are reference counted and
// dropped when the last holder unlocks, so the table only holds busy keys.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyLock returns an empty lock table.
func NewKeyLock() *KeyLock {
	return &KeyLock{locks: make(map[string]*keyEntry)}
}

// Lock blocks until key is held and returns the matching unlock func.
func (k *KeyLock) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
