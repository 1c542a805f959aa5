package lrucache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ntp1chain/ntp1node/kv"
	"github.com/ntp1chain/ntp1node/kv/memdb"
)

var _ kv.IDB = (*LRU[*memdb.DB])(nil)

// keepOpen shields a memdb from the Close that the cache above passes
// down, so a test can still read it afterwards (a closed memdb answers
// every read with kv.ErrClosed).
type keepOpen struct{ *memdb.DB }

func (keepOpen) Close() error { return nil }

func TestUnboundedBehavesLikeNonLRUVariant(t *testing.T) {
	lower := memdb.New(nil)
	l := New[*memdb.DB](lower, 0, nil)

	require.NoError(t, l.BeginDBTransaction(0))
	require.NoError(t, l.Write(kv.MAIN, []byte("k"), []byte("v")))
	require.NoError(t, l.CommitDBTransaction())

	got, found, err := l.Read(kv.MAIN, []byte("k"), 0, kv.SizeUnbounded)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v"), got)

	// Unbounded: never evicts, so lower never sees the write without an
	// explicit Flush.
	exists, err := lower.Exists(kv.MAIN, []byte("k"))
	require.NoError(t, err)
	require.False(t, exists)
}

func TestEvictionFlushesDirtyEntry(t *testing.T) {
	lower := memdb.New(nil)
	l := New[*memdb.DB](lower, 1, nil) // one entry fits; the next write evicts it

	require.NoError(t, l.BeginDBTransaction(0))
	require.NoError(t, l.Write(kv.MAIN, []byte("a"), []byte("1")))
	require.NoError(t, l.Write(kv.MAIN, []byte("b"), []byte("2")))
	require.NoError(t, l.CommitDBTransaction())

	// "a" was evicted by "b"; it must have been flushed to lower already.
	exists, err := lower.Exists(kv.MAIN, []byte("a"))
	require.NoError(t, err)
	require.True(t, exists)
	require.EqualValues(t, 1, l.GetFlushCount())

	got, found, err := l.Read(kv.MAIN, []byte("b"), 0, kv.SizeUnbounded)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("2"), got)
}

func TestAbortRestoresPreImage(t *testing.T) {
	lower := memdb.New(nil)
	require.NoError(t, lower.BeginDBTransaction(0))
	require.NoError(t, lower.Write(kv.MAIN, []byte("k"), []byte("original")))
	require.NoError(t, lower.CommitDBTransaction())

	l := New[*memdb.DB](lower, 10, nil)
	_, _, err := l.Read(kv.MAIN, []byte("k"), 0, kv.SizeUnbounded) // prime cache

	require.NoError(t, err)
	require.NoError(t, l.BeginDBTransaction(0))
	require.NoError(t, l.Write(kv.MAIN, []byte("k"), []byte("changed")))
	require.NoError(t, l.AbortDBTransaction())

	got, found, err := l.Read(kv.MAIN, []byte("k"), 0, kv.SizeUnbounded)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("original"), got)
}

func TestFlushPushesAllDirtyEntriesNow(t *testing.T) {
	lower := memdb.New(nil)
	l := New[*memdb.DB](lower, 10, nil)

	require.NoError(t, l.BeginDBTransaction(0))
	require.NoError(t, l.Write(kv.MAIN, []byte("k1"), []byte("v1")))
	require.NoError(t, l.Write(kv.MAIN, []byte("k2"), []byte("v2")))
	require.NoError(t, l.CommitDBTransaction())

	ok, err := l.Flush(0)
	require.NoError(t, err)
	require.True(t, ok)

	for _, k := range [][]byte{[]byte("k1"), []byte("k2")} {
		exists, err := lower.Exists(kv.MAIN, k)
		require.NoError(t, err)
		require.True(t, exists)
	}
}

func TestDuplicateIndexAppendAcrossFlush(t *testing.T) {
	lower := memdb.New(nil)
	l := New[*memdb.DB](lower, 10, nil)

	require.NoError(t, l.BeginDBTransaction(0))
	require.NoError(t, l.Write(kv.NTP1TOKENNAMES, []byte("tok"), []byte("a")))
	require.NoError(t, l.CommitDBTransaction())

	ok, err := l.Flush(0)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.BeginDBTransaction(0))
	require.NoError(t, l.Write(kv.NTP1TOKENNAMES, []byte("tok"), []byte("b")))
	require.NoError(t, l.CommitDBTransaction())

	vals, err := l.ReadMultiple(kv.NTP1TOKENNAMES, []byte("tok"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, vals)
}

func TestEraseAllMarksAbsentAndFlushes(t *testing.T) {
	lower := memdb.New(nil)
	l := New[*memdb.DB](lower, 10, nil)

	require.NoError(t, l.BeginDBTransaction(0))
	require.NoError(t, l.Write(kv.MAIN, []byte("k"), []byte("v")))
	require.NoError(t, l.CommitDBTransaction())

	require.NoError(t, l.BeginDBTransaction(0))
	require.NoError(t, l.EraseAll(kv.MAIN, []byte("k")))
	require.NoError(t, l.CommitDBTransaction())

	exists, err := l.Exists(kv.MAIN, []byte("k"))
	require.NoError(t, err)
	require.False(t, exists)

	ok, err := l.Flush(0)
	require.NoError(t, err)
	require.True(t, ok)

	exists, err = lower.Exists(kv.MAIN, []byte("k"))
	require.NoError(t, err)
	require.False(t, exists)
}

func TestBareWriteWithoutBeginIsImplicitlyBatchedAndCommittedOnClose(t *testing.T) {
	lower := memdb.New(nil)
	l := New[keepOpen](keepOpen{lower}, 10, nil)

	require.NoError(t, l.Write(kv.MAIN, []byte("k"), []byte("v")))

	exists, err := lower.Exists(kv.MAIN, []byte("k"))
	require.NoError(t, err)
	require.False(t, exists, "lower layer must not see the write before Close commits the implicit transaction")

	require.NoError(t, l.Close())

	exists, err = lower.Exists(kv.MAIN, []byte("k"))
	require.NoError(t, err)
	require.True(t, exists)
}

func TestAbandonedExplicitTransactionIsDiscardedOnClose(t *testing.T) {
	lower := memdb.New(nil)
	require.NoError(t, lower.BeginDBTransaction(0))
	require.NoError(t, lower.Write(kv.MAIN, []byte("k"), []byte("original")))
	require.NoError(t, lower.CommitDBTransaction())

	l := New[keepOpen](keepOpen{lower}, 10, nil)
	_, _, err := l.Read(kv.MAIN, []byte("k"), 0, kv.SizeUnbounded) // prime cache
	require.NoError(t, err)

	require.NoError(t, l.BeginDBTransaction(0))
	require.NoError(t, l.Write(kv.MAIN, []byte("k"), []byte("changed")))
	require.NoError(t, l.Close())

	got, found, err := lower.Read(kv.MAIN, []byte("k"), 0, kv.SizeUnbounded)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("original"), got, "abandoned explicit transaction must be aborted, not committed, on Close")
}

func TestCloseFlushesDirtyEntries(t *testing.T) {
	lower := memdb.New(nil)
	l := New[keepOpen](keepOpen{lower}, 10, nil)

	require.NoError(t, l.BeginDBTransaction(0))
	require.NoError(t, l.Write(kv.MAIN, []byte("k"), []byte("v")))
	require.NoError(t, l.CommitDBTransaction())
	require.NoError(t, l.Close())

	exists, err := lower.Exists(kv.MAIN, []byte("k"))
	require.NoError(t, err)
	require.True(t, exists)
}
