package writecache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ntp1chain/ntp1node/kv"
	"github.com/ntp1chain/ntp1node/kv/memdb"
)

// keepOpen shields a memdb from the Close that the cache above passes
// down, so a test can still read it afterwards (a closed memdb answers
// every read with kv.ErrClosed).
type keepOpen struct{ *memdb.DB }

func (keepOpen) Close() error { return nil }

func TestReadYourOwnWriteBeforeCommit(t *testing.T) {
	w := New(memdb.New(nil), 0, nil)
	require.NoError(t, w.BeginDBTransaction(0))
	require.NoError(t, w.Write(kv.MAIN, []byte("k"), []byte("v")))

	got, found, err := w.Read(kv.MAIN, []byte("k"), 0, kv.SizeUnbounded)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v"), got)

	require.NoError(t, w.CommitDBTransaction())
}

func TestLowerUnaffectedUntilFlush(t *testing.T) {
	lower := memdb.New(nil)
	w := New(lower, 0, nil)
	require.NoError(t, w.BeginDBTransaction(0))
	require.NoError(t, w.Write(kv.MAIN, []byte("k"), []byte("v")))
	require.NoError(t, w.CommitDBTransaction())

	exists, err := lower.Exists(kv.MAIN, []byte("k"))
	require.NoError(t, err)
	require.False(t, exists, "lower layer must not see the write before Flush")

	ok, err := w.Flush(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, w.GetFlushCount())

	exists, err = lower.Exists(kv.MAIN, []byte("k"))
	require.NoError(t, err)
	require.True(t, exists)
}

func TestAbortDiscardsBufferedWrite(t *testing.T) {
	w := New(memdb.New(nil), 0, nil)
	require.NoError(t, w.BeginDBTransaction(0))
	require.NoError(t, w.Write(kv.MAIN, []byte("k"), []byte("v")))
	require.NoError(t, w.AbortDBTransaction())

	exists, err := w.Exists(kv.MAIN, []byte("k"))
	require.NoError(t, err)
	require.False(t, exists)
}

func TestNestedTransactionMergesIntoParent(t *testing.T) {
	w := New(memdb.New(nil), 0, nil)
	require.NoError(t, w.BeginDBTransaction(0))
	require.NoError(t, w.Write(kv.MAIN, []byte("outer"), []byte("1")))

	require.NoError(t, w.BeginDBTransaction(0))
	require.NoError(t, w.Write(kv.MAIN, []byte("inner"), []byte("2")))
	require.NoError(t, w.CommitDBTransaction()) // commits inner into outer

	got, found, err := w.Read(kv.MAIN, []byte("inner"), 0, kv.SizeUnbounded)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("2"), got)

	require.NoError(t, w.CommitDBTransaction()) // commits outer

	ok, err := w.Flush(0)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNestedAbortDropsOnlyChild(t *testing.T) {
	w := New(memdb.New(nil), 0, nil)
	require.NoError(t, w.BeginDBTransaction(0))
	require.NoError(t, w.Write(kv.MAIN, []byte("outer"), []byte("1")))

	require.NoError(t, w.BeginDBTransaction(0))
	require.NoError(t, w.Write(kv.MAIN, []byte("inner"), []byte("2")))
	require.NoError(t, w.AbortDBTransaction())

	exists, err := w.Exists(kv.MAIN, []byte("inner"))
	require.NoError(t, err)
	require.False(t, exists)

	got, found, err := w.Read(kv.MAIN, []byte("outer"), 0, kv.SizeUnbounded)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), got)

	require.NoError(t, w.CommitDBTransaction())
}

func TestAutoFlushOnCacheMaxSize(t *testing.T) {
	w := New(memdb.New(nil), 10, nil) // tiny cap: triggers after first commit
	require.NoError(t, w.BeginDBTransaction(0))
	require.NoError(t, w.Write(kv.MAIN, []byte("key"), []byte("0123456789")))
	require.NoError(t, w.CommitDBTransaction())

	require.EqualValues(t, 1, w.GetFlushCount())
}

func TestDuplicateIndexReadYourOwnAppend(t *testing.T) {
	w := New(memdb.New(nil), 0, nil)
	require.NoError(t, w.BeginDBTransaction(0))
	require.NoError(t, w.Write(kv.NTP1TOKENNAMES, []byte("tok"), []byte("a")))
	require.NoError(t, w.Write(kv.NTP1TOKENNAMES, []byte("tok"), []byte("b")))
	require.NoError(t, w.CommitDBTransaction())

	vals, err := w.ReadMultiple(kv.NTP1TOKENNAMES, []byte("tok"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, vals)
}

func TestBareWriteWithoutBeginIsImplicitlyBatchedAndFlushedOnClose(t *testing.T) {
	lower := memdb.New(nil)
	w := New(keepOpen{lower}, 0, nil)
	require.NoError(t, w.Write(kv.MAIN, []byte("k"), []byte("v")))

	exists, err := lower.Exists(kv.MAIN, []byte("k"))
	require.NoError(t, err)
	require.False(t, exists, "lower layer must not see the write before Flush/Close")

	require.NoError(t, w.Close())

	exists, err = lower.Exists(kv.MAIN, []byte("k"))
	require.NoError(t, err)
	require.True(t, exists)
}

func TestAbandonedExplicitTransactionIsDiscardedOnClose(t *testing.T) {
	lower := memdb.New(nil)
	w := New(keepOpen{lower}, 0, nil)
	require.NoError(t, w.BeginDBTransaction(0))
	require.NoError(t, w.Write(kv.MAIN, []byte("k"), []byte("v")))
	require.NoError(t, w.Close())

	exists, err := lower.Exists(kv.MAIN, []byte("k"))
	require.NoError(t, err)
	require.False(t, exists)
}

func TestImplicitBaseSurvivesAbandonedNestedExplicitTransaction(t *testing.T) {
	lower := memdb.New(nil)
	w := New(keepOpen{lower}, 0, nil)
	require.NoError(t, w.Write(kv.MAIN, []byte("base"), []byte("1"))) // implicit frame

	require.NoError(t, w.BeginDBTransaction(0)) // explicit nested frame, left dangling
	require.NoError(t, w.Write(kv.MAIN, []byte("nested"), []byte("2")))

	require.NoError(t, w.Close())

	exists, err := lower.Exists(kv.MAIN, []byte("base"))
	require.NoError(t, err)
	require.True(t, exists, "the implicit batch underneath the abandoned explicit one must still commit")

	exists, err = lower.Exists(kv.MAIN, []byte("nested"))
	require.NoError(t, err)
	require.False(t, exists)
}

func TestCloseFlushesPendingBuffer(t *testing.T) {
	lower := memdb.New(nil)
	w := New(keepOpen{lower}, 0, nil)
	require.NoError(t, w.BeginDBTransaction(0))
	require.NoError(t, w.Write(kv.MAIN, []byte("k"), []byte("v")))
	require.NoError(t, w.CommitDBTransaction())
	require.NoError(t, w.Close())

	exists, err := lower.Exists(kv.MAIN, []byte("k"))
	require.NoError(t, err)
	require.True(t, exists)
}
