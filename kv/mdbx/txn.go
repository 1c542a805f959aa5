package mdbx

import (
	"github.com/ntp1chain/ntp1node/kv"
)

// Txn is a single pass over the store: either a read-only snapshot taken
// at a point in time, or a writable copy-on-write session that stages new
// page content in memory until Commit flushes it. A writable Txn never
// mutates a page that existed before it began — every touched page on a
// modification's path gets a freshly allocated page number — so concurrent
// readers holding an older snapshot's meta never observe its changes.
type Txn struct {
	env      *Env
	writable bool

	treeRoots [numTrees]uint64

	// txnStartNextPage is the page-number high-water mark this txn began
	// with; any page number >= this value was allocated by this txn itself
	// and so can be safely retired back into scratch if superseded before
	// commit (see retirePage). Pages below it belong to a prior commit and
	// are never reclaimed — see DESIGN.md "page reclamation" note.
	txnStartNextPage uint64
	nextPage         uint64
	growAttempts     int

	staged  map[uint64][]byte
	scratch *freeSet
}

func newReadTxn(env *Env) *Txn {
	env.mu.RLock()
	meta := env.readMeta()
	env.mu.RUnlock()
	return &Txn{env: env, writable: false, treeRoots: meta.TreeRoots, nextPage: meta.NextPage}
}

func newWriteTxn(env *Env) *Txn {
	env.mu.RLock()
	meta := env.readMeta()
	env.mu.RUnlock()
	return &Txn{
		env:              env,
		writable:         true,
		treeRoots:        meta.TreeRoots,
		txnStartNextPage: meta.NextPage,
		nextPage:         meta.NextPage,
		staged:           make(map[uint64][]byte),
		scratch:          newFreeSet(),
	}
}

func (t *Txn) treeRoot(idx kv.Index) uint64 { return t.treeRoots[idx] }

func (t *Txn) setTreeRoot(idx kv.Index, pageNum uint64) { t.treeRoots[idx] = pageNum }

// stagePage records newly written content for pageNum, visible to this
// txn's own subsequent reads but not written to the mmap until Commit.
func (t *Txn) stagePage(pageNum uint64, content []byte) {
	t.staged[pageNum] = content
}

// retirePage marks oldPageNum reusable if it was itself allocated by this
// still-open txn (never yet visible to any reader); pages from a prior
// commit are left alone.
func (t *Txn) retirePage(oldPageNum uint64) {
	if !t.writable || oldPageNum == 0 {
		return
	}
	if oldPageNum >= t.txnStartNextPage {
		t.scratch.add(oldPageNum)
		delete(t.staged, oldPageNum)
	}
}

// readPage returns a private copy of pageNum's content, preferring this
// txn's own staged version. A copy (rather than a slice into the mmap) is
// required because a later allocContiguous/allocPage call within the same
// txn may grow the map, which unmaps and remaps the whole file.
func (t *Txn) readPage(pageNum uint64) ([]byte, error) {
	if buf, ok := t.staged[pageNum]; ok {
		return buf, nil
	}
	t.env.mu.RLock()
	defer t.env.mu.RUnlock()
	start := pageNum * PageSize
	end := start + PageSize
	if end > uint64(len(t.env.data)) {
		return nil, kv.NewError(kv.KindCorruption, "page number beyond map size", nil)
	}
	out := make([]byte, PageSize)
	copy(out, t.env.data[start:end])
	return out, nil
}

// allocPage returns a fresh single page number, growing the map in place
// if needed, bounded by maxGrowthAttempts doublings.
func (t *Txn) allocPage() (uint64, error) {
	if pn, ok := t.scratch.takeLowest(); ok {
		return pn, nil
	}
	pn := t.nextPage
	if err := t.ensureCapacity(pn + 1); err != nil {
		return 0, err
	}
	t.nextPage++
	return pn, nil
}

// allocContiguous returns the first of a run of `pages` freshly allocated,
// contiguous page numbers. Blob runs never pull from scratch (see blob.go).
func (t *Txn) allocContiguous(pages int) (uint64, error) {
	first := t.nextPage
	if err := t.ensureCapacity(first + uint64(pages)); err != nil {
		return 0, err
	}
	t.nextPage += uint64(pages)
	return first, nil
}

func (t *Txn) ensureCapacity(pagesNeeded uint64) error {
	needed := pagesNeeded * PageSize
	for needed > t.env.mapSize {
		if t.growAttempts >= maxGrowthAttempts {
			return kv.NewError(kv.KindOutOfSpace, "exceeded maximum map growth attempts", nil)
		}
		if err := t.env.growMap(int64(needed)); err != nil {
			return err
		}
		t.growAttempts++
	}
	return nil
}

// commit flushes staged pages into the mmap, writes a new meta page to
// whichever slot carries the lower TxnID, and msyncs data before meta so a
// crash mid-commit can never leave a meta page pointing at unflushed data.
func (t *Txn) commit() error {
	t.env.mu.Lock()
	defer t.env.mu.Unlock()

	base := t.env.readMeta()
	for pn, content := range t.staged {
		start := pn * PageSize
		end := start + PageSize
		if end > uint64(len(t.env.data)) {
			return kv.NewError(kv.KindCorruption, "staged page beyond map size at commit", nil)
		}
		copy(t.env.data[start:end], content)
	}
	if err := t.env.data.Flush(); err != nil {
		return kv.NewError(kv.KindIoError, "flush data pages", err)
	}

	newMeta := metaPage{
		TxnID:     base.TxnID + 1,
		MapSize:   t.env.mapSize,
		NextPage:  t.nextPage,
		TreeRoots: t.treeRoots,
	}
	slot := t.env.nextMetaSlot()
	buf := make([]byte, PageSize)
	newMeta.encode(buf)
	copy(t.env.data[uint64(slot)*PageSize:uint64(slot+1)*PageSize], buf)
	if err := t.env.data.Flush(); err != nil {
		return kv.NewError(kv.KindIoError, "flush meta page", err)
	}
	return nil
}
