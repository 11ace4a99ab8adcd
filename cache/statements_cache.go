// Package cache implements the bounded, insertion-ordered,
// LRU-on-access Statements Cache of spec.md §4.2, plus its side-set of
// keys pending eviction at the next DDL boundary. It is grounded on
// hashicorp/golang-lru (present in the examples pack under
// _examples/kubernetes-kubernetes/vendor/github.com/hashicorp/golang-lru)
// for the core bounded-LRU mechanics; the DDL-pending side-set and the
// explicit NeedsCleanup/CleanupOne API are spec-specific additions layered
// on top.
//
// A StatementsCache is thread-unsafe and owned by a single session.View,
// exactly as spec.md §4.2 requires.
package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// unboundedCapacity is the fixed capacity the underlying LRU is created
// with. The externally-visible bound (maxsize, changeable via Resize) is
// enforced by this package itself in Add/NeedsCleanup/CleanupOne, rather
// than by the library's own size, so that Resize can shrink the bound
// without silently evicting entries out from under NeedsCleanup/CleanupOne
// callers.
const unboundedCapacity = 1 << 30

// StatementsCache is a bounded map from K to V with LRU-on-Get eviction
// order, plus a side-set of keys to be dropped en masse at the next DDL
// commit boundary.
type StatementsCache[K comparable, V any] struct {
	lru     *lru.Cache[K, V]
	maxsize int

	// removeOnDDL holds keys added via AddToRemoveOnDDL, pending eviction
	// at the next call to RemoveOnDDLBoundary.
	removeOnDDL map[K]struct{}
}

// New builds a StatementsCache bounded at maxsize entries.
func New[K comparable, V any](maxsize int) *StatementsCache[K, V] {
	if maxsize <= 0 {
		maxsize = 1
	}
	l, err := lru.New[K, V](unboundedCapacity)
	if err != nil {
		panic(err)
	}
	return &StatementsCache[K, V]{
		lru:         l,
		maxsize:     maxsize,
		removeOnDDL: make(map[K]struct{}),
	}
}

// Get looks up key, promoting it to most-recently-used on a hit.
func (c *StatementsCache[K, V]) Get(key K) (V, bool) {
	return c.lru.Get(key)
}

// Add inserts or updates key -> val. If the cache is over its bound
// afterward, the least-recently-used entry is evicted to make room,
// satisfying the "bounded" half of spec.md §4.2; NeedsCleanup/CleanupOne
// below exist for callers that want to observe or drive that eviction
// explicitly, e.g. after a Resize shrinks the bound.
func (c *StatementsCache[K, V]) Add(key K, val V) {
	c.lru.Add(key, val)
	if c.lru.Len() > c.maxsize {
		c.lru.RemoveOldest()
	}
}

// AddToRemoveOnDDL records key to be evicted at the next DDL commit
// boundary, regardless of its recency.
func (c *StatementsCache[K, V]) AddToRemoveOnDDL(key K) {
	c.removeOnDDL[key] = struct{}{}
}

// NeedsCleanup reports whether the cache currently holds more entries than
// its configured bound. Under normal operation this is always false,
// because Add evicts eagerly; it can report true after a caller lowers the
// bound via Resize below the current number of entries.
func (c *StatementsCache[K, V]) NeedsCleanup() bool {
	return c.lru.Len() > c.maxsize
}

// CleanupOne evicts the single least-recently-used entry, returning its
// key. It reports ok=false if the cache is empty.
func (c *StatementsCache[K, V]) CleanupOne() (key K, ok bool) {
	k, _, evicted := c.lru.RemoveOldest()
	return k, evicted
}

// RemoveOnDDLBoundary evicts every key previously recorded via
// AddToRemoveOnDDL and clears the pending set, returning the keys actually
// present (and thus removed).
func (c *StatementsCache[K, V]) RemoveOnDDLBoundary() []K {
	removed := make([]K, 0, len(c.removeOnDDL))
	for k := range c.removeOnDDL {
		if c.lru.Remove(k) {
			removed = append(removed, k)
		}
	}
	c.removeOnDDL = make(map[K]struct{})
	return removed
}

// Remove evicts key unconditionally, reporting whether it was present.
func (c *StatementsCache[K, V]) Remove(key K) bool {
	return c.lru.Remove(key)
}

// Len returns the current number of entries.
func (c *StatementsCache[K, V]) Len() int {
	return c.lru.Len()
}

// Resize changes the cache's bound. It does not evict immediately: a
// shrink leaves existing entries in place until NeedsCleanup/CleanupOne
// drain them down to the new bound; each later Add evicts only one entry.
func (c *StatementsCache[K, V]) Resize(maxsize int) {
	if maxsize <= 0 {
		maxsize = 1
	}
	c.maxsize = maxsize
}

// Purge empties the cache entirely, used when a whole namespace's compiled
// cache is invalidated (spec.md §3 Invariant ii).
func (c *StatementsCache[K, V]) Purge() {
	c.lru.Purge()
	c.removeOnDDL = make(map[K]struct{})
}
