// Package locator maintains the in-memory routing index from item id to
// owning tier. It is the manager's answer to "which backend holds this id"
// without probing every tier on the read path.
package locator

import (
	"sync"

	"github.com/hupe1980/tiermem/model"
)

// Locator maps ids to tiers. Safe for concurrent use.
type Locator struct {
	mu sync.RWMutex
	m  map[string]model.Tier
}

// New creates an empty locator.
func New() *Locator {
	return &Locator{m: make(map[string]model.Tier)}
}

// Lookup returns the tier owning id.
func (l *Locator) Lookup(id string) (model.Tier, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.m[id]
	return t, ok
}

// Set records id as resident in tier.
func (l *Locator) Set(id string, tier model.Tier) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.m[id] = tier
}

// CompareAndSet moves id from expected to tier, returning false if the
// current mapping is not expected. Used by the migration scheduler to avoid
// clobbering a concurrent delete.
func (l *Locator) CompareAndSet(id string, expected, tier model.Tier) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.m[id]
	if !ok || cur != expected {
		return false
	}
	l.m[id] = tier
	return true
}

// Delete removes id from the index.
func (l *Locator) Delete(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.m, id)
}

// DeleteIf removes id only while it is still mapped to expected.
func (l *Locator) DeleteIf(id string, expected model.Tier) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.m[id]
	if !ok || cur != expected {
		return false
	}
	delete(l.m, id)
	return true
}

// Len returns the number of indexed ids.
func (l *Locator) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.m)
}
