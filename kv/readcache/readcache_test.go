package readcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ntp1chain/ntp1node/kv"
	"github.com/ntp1chain/ntp1node/kv/memdb"
)

func mustWrite(t *testing.T, db kv.IDB, idx kv.Index, key, value []byte) {
	t.Helper()
	require.NoError(t, db.BeginDBTransaction(0))
	require.NoError(t, db.Write(idx, key, value))
	require.NoError(t, db.CommitDBTransaction())
}

func TestReadPopulatesCacheAndServesWithoutLower(t *testing.T) {
	lower := memdb.New(nil)
	mustWrite(t, lower, kv.MAIN, []byte("k"), []byte("v"))
	r := New(lower, nil)

	got, found, err := r.Read(kv.MAIN, []byte("k"), 0, kv.SizeUnbounded)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v"), got)

	// Mutate lower directly, bypassing the cache; a cached positive entry
	// must keep serving the stale-but-cached value.
	mustWrite(t, lower, kv.MAIN, []byte("k"), []byte("changed-behind-cache"))
	got, found, err = r.Read(kv.MAIN, []byte("k"), 0, kv.SizeUnbounded)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v"), got)
}

func TestAbsentTombstoneAvoidsReQuery(t *testing.T) {
	lower := memdb.New(nil)
	r := New(lower, nil)

	exists, err := r.Exists(kv.MAIN, []byte("missing"))
	require.NoError(t, err)
	require.False(t, exists)

	// Write it directly into lower without going through r; the tombstone
	// should still report absent until something invalidates it.
	mustWrite(t, lower, kv.MAIN, []byte("missing"), []byte("now here"))
	exists, err = r.Exists(kv.MAIN, []byte("missing"))
	require.NoError(t, err)
	require.False(t, exists)
}

func TestWriteUpdatesCacheWithoutReQuery(t *testing.T) {
	lower := memdb.New(nil)
	r := New(lower, nil)

	require.NoError(t, r.BeginDBTransaction(0))
	require.NoError(t, r.Write(kv.MAIN, []byte("k"), []byte("v1")))
	require.NoError(t, r.CommitDBTransaction())

	got, found, err := r.Read(kv.MAIN, []byte("k"), 0, kv.SizeUnbounded)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v1"), got)

	exists, err := lower.Exists(kv.MAIN, []byte("k"))
	require.NoError(t, err)
	require.True(t, exists, "writes apply to lower immediately, not buffered")
}

func TestDuplicateAppendUpdatesCachedList(t *testing.T) {
	lower := memdb.New(nil)
	r := New(lower, nil)

	require.NoError(t, r.BeginDBTransaction(0))
	require.NoError(t, r.Write(kv.NTP1TOKENNAMES, []byte("tok"), []byte("a")))
	require.NoError(t, r.CommitDBTransaction())

	// Load into cache.
	_, _, err := r.Read(kv.NTP1TOKENNAMES, []byte("tok"), 0, kv.SizeUnbounded)
	require.NoError(t, err)

	require.NoError(t, r.BeginDBTransaction(0))
	require.NoError(t, r.Write(kv.NTP1TOKENNAMES, []byte("tok"), []byte("b")))
	require.NoError(t, r.CommitDBTransaction())

	vals, err := r.ReadMultiple(kv.NTP1TOKENNAMES, []byte("tok"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, vals)
}

func TestEraseAllSetsTombstone(t *testing.T) {
	lower := memdb.New(nil)
	r := New(lower, nil)

	require.NoError(t, r.BeginDBTransaction(0))
	require.NoError(t, r.Write(kv.NTP1TOKENNAMES, []byte("tok"), []byte("a")))
	require.NoError(t, r.Write(kv.NTP1TOKENNAMES, []byte("tok"), []byte("b")))
	require.NoError(t, r.CommitDBTransaction())

	require.NoError(t, r.BeginDBTransaction(0))
	require.NoError(t, r.EraseAll(kv.NTP1TOKENNAMES, []byte("tok")))
	require.NoError(t, r.CommitDBTransaction())

	exists, err := r.Exists(kv.NTP1TOKENNAMES, []byte("tok"))
	require.NoError(t, err)
	require.False(t, exists)
}

func TestAbortInvalidatesTouchedEntries(t *testing.T) {
	lower := memdb.New(nil)
	mustWrite(t, lower, kv.MAIN, []byte("k"), []byte("original"))
	r := New(lower, nil)

	// Prime the cache with the original value.
	_, _, err := r.Read(kv.MAIN, []byte("k"), 0, kv.SizeUnbounded)
	require.NoError(t, err)

	require.NoError(t, r.BeginDBTransaction(0))
	require.NoError(t, r.Write(kv.MAIN, []byte("k"), []byte("overwritten")))
	require.NoError(t, r.AbortDBTransaction())

	// lower's own Abort (memdb) discards the write, but since r wrote
	// straight through before aborting, the touched-key invalidation is
	// what forces a fresh read below rather than serving a stale cache hit.
	got, found, err := r.Read(kv.MAIN, []byte("k"), 0, kv.SizeUnbounded)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("original"), got)
}

func TestClearCacheDropsCachedEntries(t *testing.T) {
	lower := memdb.New(nil)
	mustWrite(t, lower, kv.MAIN, []byte("k"), []byte("v"))
	r := New(lower, nil)

	_, _, err := r.Read(kv.MAIN, []byte("k"), 0, kv.SizeUnbounded)
	require.NoError(t, err)

	mustWrite(t, lower, kv.MAIN, []byte("k"), []byte("v2"))
	r.ClearCache()

	got, found, err := r.Read(kv.MAIN, []byte("k"), 0, kv.SizeUnbounded)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v2"), got)
}

func TestGetFlushCountIsAlwaysZero(t *testing.T) {
	r := New(memdb.New(nil), nil)
	require.EqualValues(t, 0, r.GetFlushCount())
}
