// Package kvtest is the oracle-comparison property test harness (spec.md
// §8): a random operation generator plus an equivalence assertion, shared
// by every backend and cache package's own tests rather than duplicated
// per package.
package kvtest

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ntp1chain/ntp1node/kv"
)

type OpKind uint8

const (
	OpWrite OpKind = iota
	OpErase
	OpEraseAll
)

type Op struct {
	Kind  OpKind
	Index kv.Index
	Key   []byte
	Value []byte
}

// RandomOps generates n random operations spread across every index,
// respecting each index's key/value size limits (kv.MaxKeyBytes,
// kv.MaxDupValueBytes). Keys are drawn from a small pool so writes,
// erases, and overwrites of the same key actually exercise each other.
func RandomOps(rng *rand.Rand, n int) []Op {
	indexes := []kv.Index{
		kv.MAIN, kv.BLOCKINDEX, kv.BLOCKS, kv.TX, kv.NTP1TX,
		kv.NTP1TOKENNAMES, kv.ADDRSVSPUBKEYS,
	}
	const keyPool = 12
	ops := make([]Op, 0, n)
	for i := 0; i < n; i++ {
		idx := indexes[rng.Intn(len(indexes))]
		key := []byte(fmt.Sprintf("key-%02d", rng.Intn(keyPool)))

		switch rng.Intn(3) {
		case 0, 1: // bias toward writes so there's usually something to erase
			valLen := rng.Intn(64) + 1
			if kv.DuplicateKeysAllowed(idx) && valLen > kv.MaxDupValueBytes {
				valLen = kv.MaxDupValueBytes
			}
			value := make([]byte, valLen)
			rng.Read(value)
			ops = append(ops, Op{Kind: OpWrite, Index: idx, Key: key, Value: value})
		case 2:
			if rng.Intn(2) == 0 {
				ops = append(ops, Op{Kind: OpErase, Index: idx, Key: key})
			} else {
				ops = append(ops, Op{Kind: OpEraseAll, Index: idx, Key: key})
			}
		}
	}
	return ops
}

// Apply replays ops against db inside a single write transaction.
func Apply(db kv.IDB, ops []Op) error {
	if err := db.BeginDBTransaction(0); err != nil {
		return err
	}
	for _, op := range ops {
		var err error
		switch op.Kind {
		case OpWrite:
			err = db.Write(op.Index, op.Key, op.Value)
		case OpErase:
			err = db.Erase(op.Index, op.Key)
		case OpEraseAll:
			err = db.EraseAll(op.Index, op.Key)
		}
		if err != nil {
			_ = db.AbortDBTransaction()
			return err
		}
	}
	return db.CommitDBTransaction()
}

// AssertEquivalent fails t unless a and b agree, across every index, on
// both ReadAll and ReadAllUnique (spec.md §8 property 8). Both sides must
// have had the identical operation sequence applied in the identical
// order for this to hold: a duplicate index's value order is part of the
// comparison, not just its key set.
func AssertEquivalent(t *testing.T, a, b kv.IDB) {
	t.Helper()
	indexes := []kv.Index{
		kv.MAIN, kv.BLOCKINDEX, kv.BLOCKS, kv.TX, kv.NTP1TX,
		kv.NTP1TOKENNAMES, kv.ADDRSVSPUBKEYS,
	}
	for _, idx := range indexes {
		aAll, err := a.ReadAll(idx)
		require.NoError(t, err)
		bAll, err := b.ReadAll(idx)
		require.NoError(t, err)
		require.Equalf(t, aAll, bAll, "ReadAll(%s) diverged", idx)

		aUniq, err := a.ReadAllUnique(idx)
		require.NoError(t, err)
		bUniq, err := b.ReadAllUnique(idx)
		require.NoError(t, err)
		require.Equalf(t, aUniq, bUniq, "ReadAllUnique(%s) diverged", idx)
	}
}
