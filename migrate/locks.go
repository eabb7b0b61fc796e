package migrate

import "sync"

// lockTable is the per-id migration lock: the only lock that spans tier
// boundaries. A migration (or an explicit promote) must hold an id's lock
// from before the source read until after commit or rollback, so a single
// item never has two in-flight migrations.
type lockTable struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[string]struct{})}
}

// TryAcquire acquires the lock for id without blocking. It returns false if
// the lock is already held; the caller is expected to retry on a later pass
// rather than wait.
func (t *lockTable) TryAcquire(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.held[id]; ok {
		return false
	}
	t.held[id] = struct{}{}
	return true
}

// Release releases the lock for id.
func (t *lockTable) Release(id string) {
	t.mu.Lock()
	delete(t.held, id)
	t.mu.Unlock()
}
