package mdbx

import (
	"github.com/google/btree"
)

// freeSet tracks reusable single pages as an ordered set, so allocation
// always returns the lowest-numbered free page. It lives only as long as
// one write transaction and holds only pages that transaction allocated
// and then superseded before committing (Txn.retirePage); pages from a
// prior commit are never added (see DESIGN.md "page reclamation").
type freeSet struct {
	t *btree.BTreeG[uint64]
}

func newFreeSet() *freeSet {
	return &freeSet{t: btree.NewG(32, func(a, b uint64) bool { return a < b })}
}

func (f *freeSet) add(page uint64) {
	f.t.ReplaceOrInsert(page)
}

// takeLowest removes and returns the lowest free page number, or
// (0, false) if the set is empty.
func (f *freeSet) takeLowest() (uint64, bool) {
	min, ok := f.t.Min()
	if !ok {
		return 0, false
	}
	f.t.Delete(min)
	return min, true
}

func (f *freeSet) len() int { return f.t.Len() }
