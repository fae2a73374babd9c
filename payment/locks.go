package payment

import "sync"

// LockTable serializes state transitions per payment id. Many payments make
// progress concurrently, but no two transitions for the same id may be
// evaluated at once. Reads never take these locks.
type LockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func NewLockTable() *LockTable {
	return &LockTable{entries: make(map[string]*lockEntry)}
}

// Acquire blocks until the per-payment lock is held and returns the release
// func. Entries are dropped once the last holder releases.
func (t *LockTable) Acquire(paymentID string) func() {
	t.mu.Lock()
	e, ok := t.entries[paymentID]
	if !ok {
		e = &lockEntry{}
		t.entries[paymentID] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		t.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(t.entries, paymentID)
		}
		t.mu.Unlock()
	}
}
