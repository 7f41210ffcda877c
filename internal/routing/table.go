// Package routing holds the connector's prefix routing table.
package routing

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ilpmesh/connector/internal/ilp"
)

// Route maps an address prefix to the peer that packets under it should be
// forwarded to. Higher priority wins among routes with equal prefix length.
type Route struct {
	Prefix   ilp.Address
	NextHop  string
	Priority int32
}

// Table is a longest-prefix-match routing table. Lookups run against an
// immutable snapshot swapped atomically on every write, so the forwarding
// path never blocks on updates and a lookup does not allocate.
type Table struct {
	mu       sync.Mutex // serializes writers
	snapshot atomic.Pointer[[]Route]
}

// NewTable returns an empty routing table.
func NewTable() *Table {
	t := &Table{}
	empty := make([]Route, 0)
	t.snapshot.Store(&empty)
	return t
}

// Add inserts or updates a route. Idempotent on (prefix, nextHop): re-adding
// replaces the priority.
func (t *Table) Add(r Route) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := *t.snapshot.Load()
	next := make([]Route, 0, len(cur)+1)
	replaced := false
	for _, existing := range cur {
		if existing.Prefix == r.Prefix && existing.NextHop == r.NextHop {
			next = append(next, r)
			replaced = true
			continue
		}
		next = append(next, existing)
	}
	if !replaced {
		next = append(next, r)
	}
	sortRoutes(next)
	t.snapshot.Store(&next)
}

// Remove deletes the route for (prefix, nextHop) if present.
func (t *Table) Remove(prefix ilp.Address, nextHop string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := *t.snapshot.Load()
	next := make([]Route, 0, len(cur))
	for _, existing := range cur {
		if existing.Prefix == prefix && existing.NextHop == nextHop {
			continue
		}
		next = append(next, existing)
	}
	t.snapshot.Store(&next)
}

// NextHopFor returns the peer for the longest prefix matching destination.
// Ties on prefix length break by higher priority, then lexicographically
// smaller next hop. Returns "" when no route matches.
func (t *Table) NextHopFor(destination ilp.Address) string {
	// The snapshot is sorted by the full tie-break rule, so the first
	// matching entry is the answer.
	for _, r := range *t.snapshot.Load() {
		if ilp.PrefixMatches(r.Prefix, destination) {
			return r.NextHop
		}
	}
	return ""
}

// Snapshot returns a consistent copy of all routes for telemetry.
func (t *Table) Snapshot() []Route {
	cur := *t.snapshot.Load()
	out := make([]Route, len(cur))
	copy(out, cur)
	return out
}

// Len returns the number of routes.
func (t *Table) Len() int {
	return len(*t.snapshot.Load())
}

func sortRoutes(routes []Route) {
	sort.Slice(routes, func(i, j int) bool {
		a, b := routes[i], routes[j]
		if len(a.Prefix) != len(b.Prefix) {
			return len(a.Prefix) > len(b.Prefix)
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.NextHop < b.NextHop
	})
}
