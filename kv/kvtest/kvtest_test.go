package kvtest

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ntp1chain/ntp1node/kv/lrucache"
	"github.com/ntp1chain/ntp1node/kv/memdb"
	"github.com/ntp1chain/ntp1node/kv/mdbx"
	"github.com/ntp1chain/ntp1node/kv/readcache"
	"github.com/ntp1chain/ntp1node/kv/writecache"
)

// TestStackedCacheMatchesOracle applies the same random operation sequence
// to an oracle (MB) and to a WTC-over-RTC-over-PB stack, then asserts
// ReadAll/ReadAllUnique agree across every index once the stack is
// flushed — spec.md §8 property 8.
func TestStackedCacheMatchesOracle(t *testing.T) {
	oracle := memdb.New(nil)

	pb, err := mdbx.Open(t.TempDir(), false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pb.Close() })
	stack := writecache.New(readcache.New(pb, nil), 0, nil)
	t.Cleanup(func() { _ = stack.Close() })

	rng := rand.New(rand.NewSource(1))
	ops := RandomOps(rng, 200)

	require.NoError(t, Apply(oracle, ops))
	require.NoError(t, Apply(stack, ops))

	ok, err := stack.Flush(0)
	require.NoError(t, err)
	require.True(t, ok)

	AssertEquivalent(t, stack, oracle)
}

// TestLRUOverMemdbMatchesOracle exercises the generic LRU variant over a
// second in-memory backend through ten rounds of operations that keep a
// three-entry cache under eviction pressure, then flushes and compares
// against an independent oracle.
func TestLRUOverMemdbMatchesOracle(t *testing.T) {
	oracle := memdb.New(nil)
	lower := memdb.New(nil)
	cache := lrucache.New[*memdb.DB](lower, 3, nil)

	rng := rand.New(rand.NewSource(2))
	for round := 0; round < 10; round++ {
		ops := RandomOps(rng, 20)
		require.NoError(t, Apply(oracle, ops))
		require.NoError(t, Apply(cache, ops))
	}

	ok, err := cache.Flush(0)
	require.NoError(t, err)
	require.True(t, ok)

	AssertEquivalent(t, cache, oracle)
}

// TestFlushCountStrictlyIncreases covers spec.md §8 property 9.
func TestFlushCountStrictlyIncreases(t *testing.T) {
	w := writecache.New(memdb.New(nil), 0, nil)
	t.Cleanup(func() { _ = w.Close() })

	require.NoError(t, Apply(w, RandomOps(rand.New(rand.NewSource(3)), 10)))
	before := w.GetFlushCount()

	ok, err := w.Flush(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Greater(t, w.GetFlushCount(), before)
}
