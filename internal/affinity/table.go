// Package affinity keeps sessions on the credential they were first given,
// for as long as that credential stays eligible.
package affinity

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSize bounds the number of remembered sessions.
const DefaultSize = 10000

// Table maps session identifiers to credential indices.
// When full, the least recently used binding is evicted; an evicted session
// simply gets a fresh credential on its next request.
type Table struct {
	cache *lru.Cache[string, int]
}

// New creates a table holding at most size bindings (DefaultSize when size <= 0).
func New(size int) (*Table, error) {
	if size <= 0 {
		size = DefaultSize
	}
	cache, err := lru.New[string, int](size)
	if err != nil {
		return nil, fmt.Errorf("affinity: failed to create session table: %w", err)
	}
	return &Table{cache: cache}, nil
}

// Resolve returns the credential bound to sessionID when eligible accepts it.
// Otherwise the stale binding is dropped, pick chooses a new credential and
// the session is bound to it. sticky reports whether the existing binding was used.
func (t *Table) Resolve(sessionID string, eligible func(int) bool, pick func() (int, error)) (index int, sticky bool, err error) {
	if bound, ok := t.cache.Get(sessionID); ok {
		if eligible(bound) {
			return bound, true, nil
		}
		t.cache.Remove(sessionID)
	}

	index, err = pick()
	if err != nil {
		return 0, false, err
	}
	t.cache.Add(sessionID, index)
	return index, false, nil
}

// Remove drops the binding of sessionID.
func (t *Table) Remove(sessionID string) {
	t.cache.Remove(sessionID)
}

// RemoveIndex drops every binding pointing at index and returns how many were removed.
func (t *Table) RemoveIndex(index int) int {
	removed := 0
	for _, session := range t.cache.Keys() {
		if bound, ok := t.cache.Peek(session); ok && bound == index {
			t.cache.Remove(session)
			removed++
		}
	}
	return removed
}

// Prune drops every binding whose session is not in live and returns how
// many were removed.
func (t *Table) Prune(live map[string]struct{}) int {
	removed := 0
	for _, session := range t.cache.Keys() {
		if _, ok := live[session]; !ok {
			t.cache.Remove(session)
			removed++
		}
	}
	return removed
}

// Clear drops all bindings.
func (t *Table) Clear() {
	t.cache.Purge()
}

// Len returns the number of bindings.
func (t *Table) Len() int {
	return t.cache.Len()
}

// Bindings returns a copy of the table.
func (t *Table) Bindings() map[string]int {
	out := make(map[string]int, t.cache.Len())
	for _, session := range t.cache.Keys() {
		if bound, ok := t.cache.Peek(session); ok {
			out[session] = bound
		}
	}
	return out
}
