package routing

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLongestPrefixWins(t *testing.T) {
	tbl := NewTable()
	tbl.Add(Route{Prefix: "g", NextHop: "default"})
	tbl.Add(Route{Prefix: "g.acme", NextHop: "acme"})
	tbl.Add(Route{Prefix: "g.acme.eu", NextHop: "acme-eu"})

	assert.Equal(t, "acme-eu", tbl.NextHopFor("g.acme.eu.shop"))
	assert.Equal(t, "acme", tbl.NextHopFor("g.acme.us.shop"))
	assert.Equal(t, "default", tbl.NextHopFor("g.other"))
	assert.Equal(t, "", tbl.NextHopFor("test.acme"))
}

func TestExactMatchAndDotBoundary(t *testing.T) {
	tbl := NewTable()
	tbl.Add(Route{Prefix: "g.c", NextHop: "c"})

	assert.Equal(t, "c", tbl.NextHopFor("g.c"))
	assert.Equal(t, "c", tbl.NextHopFor("g.c.receiver"))
	// "g.cx" does not fall under "g.c": prefix match is per segment.
	assert.Equal(t, "", tbl.NextHopFor("g.cx"))
}

func TestPriorityTieBreak(t *testing.T) {
	tbl := NewTable()
	tbl.Add(Route{Prefix: "g.a", NextHop: "low", Priority: 0})
	tbl.Add(Route{Prefix: "g.a", NextHop: "high", Priority: 10})
	assert.Equal(t, "high", tbl.NextHopFor("g.a.x"))
}

func TestLexicographicTieBreak(t *testing.T) {
	tbl := NewTable()
	tbl.Add(Route{Prefix: "g.a", NextHop: "zeta", Priority: 5})
	tbl.Add(Route{Prefix: "g.a", NextHop: "alpha", Priority: 5})
	assert.Equal(t, "alpha", tbl.NextHopFor("g.a.x"))
}

func TestAddIsIdempotentAndReplacesPriority(t *testing.T) {
	tbl := NewTable()
	tbl.Add(Route{Prefix: "g.a", NextHop: "p1", Priority: 0})
	tbl.Add(Route{Prefix: "g.a", NextHop: "p1", Priority: 0})
	assert.Equal(t, 1, tbl.Len())

	tbl.Add(Route{Prefix: "g.a", NextHop: "p2", Priority: 1})
	assert.Equal(t, "p2", tbl.NextHopFor("g.a.x"))

	// Re-adding p1 with a higher priority replaces, not duplicates.
	tbl.Add(Route{Prefix: "g.a", NextHop: "p1", Priority: 2})
	assert.Equal(t, 2, tbl.Len())
	assert.Equal(t, "p1", tbl.NextHopFor("g.a.x"))
}

func TestAddRemoveRestoresLookup(t *testing.T) {
	tbl := NewTable()
	tbl.Add(Route{Prefix: "g", NextHop: "default"})
	before := tbl.NextHopFor("g.x.y")

	tbl.Add(Route{Prefix: "g.x", NextHop: "x"})
	assert.Equal(t, "x", tbl.NextHopFor("g.x.y"))

	tbl.Remove("g.x", "x")
	assert.Equal(t, before, tbl.NextHopFor("g.x.y"))
}

func TestSnapshotIsStable(t *testing.T) {
	tbl := NewTable()
	tbl.Add(Route{Prefix: "g.a", NextHop: "a"})
	snap := tbl.Snapshot()
	tbl.Add(Route{Prefix: "g.b", NextHop: "b"})
	assert.Len(t, snap, 1)
	assert.Len(t, tbl.Snapshot(), 2)
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	tbl := NewTable()
	tbl.Add(Route{Prefix: "g", NextHop: "default"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			prefix := fmt.Sprintf("g.peer%d", i)
			for j := 0; j < 100; j++ {
				tbl.Add(Route{Prefix: prefix, NextHop: fmt.Sprintf("p%d", i)})
				tbl.NextHopFor("g.peer0.x")
				tbl.Remove(prefix, fmt.Sprintf("p%d", i))
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, "default", tbl.NextHopFor("g.anything"))
}
