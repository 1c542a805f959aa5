package mdbx

import (
	"bytes"
	"sort"

	"github.com/ntp1chain/ntp1node/kv"
)

// maxBranchFanout bounds how many separator keys a branch page holds
// before it splits; combined with the encoded-size check this keeps
// branch pages well under PageSize even for the largest keys spec.md
// allows (511 bytes).
const maxBranchFanout = 32

func findEntryIndex(entries []leafEntry, key []byte) (int, bool) {
	i := sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].Key, key) >= 0
	})
	if i < len(entries) && bytes.Equal(entries[i].Key, key) {
		return i, true
	}
	return i, false
}

// findChildIndex returns which child of branch covers key: children[i]
// covers [keys[i-1], keys[i]) (children[0] covers everything < keys[0]).
func findChildIndex(branch *branchPage, key []byte) int {
	i := sort.Search(len(branch.keys), func(i int) bool {
		return bytes.Compare(branch.keys[i], key) > 0
	})
	return i
}

// resolveValues returns the logical value sequence for a leaf entry,
// fetching the out-of-line blob if the entry spilled.
func (t *Txn) resolveValues(e leafEntry) ([][]byte, error) {
	if !e.Spilled {
		return e.Inline, nil
	}
	blob, err := t.readBlob(e.BlobPage, e.BlobLen)
	if err != nil {
		return nil, err
	}
	return decodeValues(blob), nil
}

// buildEntry encodes newValues for key, spilling to an out-of-line blob
// if the inline encoding would exceed maxInlineValueBytes.
func (t *Txn) buildEntry(key []byte, newValues [][]byte) (leafEntry, error) {
	vb := encodeValues(newValues)
	if len(vb) <= maxInlineValueBytes {
		return leafEntry{Key: key, Inline: newValues}, nil
	}
	first, err := t.writeBlob(vb)
	if err != nil {
		return leafEntry{}, err
	}
	return leafEntry{Key: key, Spilled: true, BlobPage: first, BlobLen: uint64(len(vb))}, nil
}

// getEntry looks up key in idx's tree, resolving any spilled blob.
func (t *Txn) getEntry(idx kv.Index, key []byte) ([][]byte, bool, error) {
	root := t.treeRoot(idx)
	if root == 0 {
		return nil, false, nil
	}
	cur := root
	for {
		buf, err := t.readPage(cur)
		if err != nil {
			return nil, false, err
		}
		switch pageKind(buf) {
		case pageKindLeaf:
			leaf := decodeLeaf(buf)
			i, found := findEntryIndex(leaf.entries, key)
			if !found {
				return nil, false, nil
			}
			vals, err := t.resolveValues(leaf.entries[i])
			return vals, true, err
		case pageKindBranch:
			branch := decodeBranch(buf)
			ci := findChildIndex(branch, key)
			cur = branch.children[ci]
		default:
			return nil, false, kv.NewError(kv.KindCorruption, "unexpected page kind during lookup", nil)
		}
	}
}

type pathStep struct {
	pageNum  uint64
	branch   *branchPage
	childIdx int
}

// upsertEntry resolves the current logical values for key (nil, false if
// absent), calls mutate to compute the new values, and — unless mutate
// signals removal — writes the result back, splitting leaf/branch pages
// and growing the tree height as needed. Every page on the path from root
// to leaf is rewritten with a fresh page number (copy-on-write): readers
// holding an older snapshot's meta page never reach the new pages, since
// their traversal starts at the old root.
func (t *Txn) upsertEntry(idx kv.Index, key []byte, mutate func(existing [][]byte, found bool) (newValues [][]byte, remove bool)) error {
	root := t.treeRoot(idx)

	if root == 0 {
		newValues, remove := mutate(nil, false)
		if remove {
			return nil
		}
		entry, err := t.buildEntry(key, newValues)
		if err != nil {
			return err
		}
		pn, err := t.allocPage()
		if err != nil {
			return err
		}
		t.stagePage(pn, encodeLeaf(&leafPage{entries: []leafEntry{entry}}))
		t.setTreeRoot(idx, pn)
		return nil
	}

	var path []pathStep
	cur := root
	for {
		buf, err := t.readPage(cur)
		if err != nil {
			return err
		}
		if pageKind(buf) == pageKindLeaf {
			leaf := decodeLeaf(buf)
			i, found := findEntryIndex(leaf.entries, key)
			var existing [][]byte
			if found {
				existing, err = t.resolveValues(leaf.entries[i])
				if err != nil {
					return err
				}
			}
			newValues, remove := mutate(existing, found)

			switch {
			case remove && found:
				leaf.entries = append(leaf.entries[:i], leaf.entries[i+1:]...)
			case remove && !found:
				return nil // idempotent erase of an absent key
			case !remove && found:
				entry, err := t.buildEntry(key, newValues)
				if err != nil {
					return err
				}
				leaf.entries[i] = entry
			case !remove && !found:
				entry, err := t.buildEntry(key, newValues)
				if err != nil {
					return err
				}
				leaf.entries = append(leaf.entries, leafEntry{})
				copy(leaf.entries[i+1:], leaf.entries[i:])
				leaf.entries[i] = entry
			}

			t.retirePage(cur)
			return t.writeLeafAndPropagate(idx, path, leaf)
		}

		branch := decodeBranch(buf)
		ci := findChildIndex(branch, key)
		path = append(path, pathStep{pageNum: cur, branch: branch, childIdx: ci})
		cur = branch.children[ci]
	}
}

// writeLeafAndPropagate stages the (possibly split) leaf and rewrites
// every branch page on path with fresh page numbers, splitting branch
// pages that overflow and growing the tree height if the root splits.
func (t *Txn) writeLeafAndPropagate(idx kv.Index, path []pathStep, leaf *leafPage) error {
	if len(leaf.entries) == 0 {
		// Degenerate: the only entry on this leaf was removed. Stage an
		// empty leaf page rather than implementing page merging: it costs
		// disk space, never correctness, since lookups on an empty leaf
		// simply report "not found" and its parent keeps its separator.
	}

	leafBuf := encodeLeaf(leaf)
	if len(leafBuf) <= PageSize {
		pn, err := t.allocPage()
		if err != nil {
			return err
		}
		t.stagePage(pn, leafBuf)
		return t.propagateChild(idx, path, pn, leftmostKey(leaf.entries), nil, 0)
	}

	mid := len(leaf.entries) / 2
	left := &leafPage{entries: leaf.entries[:mid]}
	right := &leafPage{entries: leaf.entries[mid:]}
	leftPn, err := t.allocPage()
	if err != nil {
		return err
	}
	t.stagePage(leftPn, encodeLeaf(left))
	rightPn, err := t.allocPage()
	if err != nil {
		return err
	}
	t.stagePage(rightPn, encodeLeaf(right))
	return t.propagateChild(idx, path, leftPn, leftmostKey(left.entries), &rightPn, separatorKey(right.entries))
}

func leftmostKey(entries []leafEntry) []byte {
	if len(entries) == 0 {
		return nil
	}
	return entries[0].Key
}

func separatorKey(entries []leafEntry) []byte {
	return entries[0].Key
}

// propagateChild rewrites path (bottom to top) replacing the old child
// pointer at each level with newChild (and, if split != nil, inserting a
// second child + separator key). If the root itself splits, a new root
// branch page is allocated, growing the tree by one level.
func (t *Txn) propagateChild(idx kv.Index, path []pathStep, newChild uint64, newChildFirstKey []byte, split *uint64, splitFirstKey []byte) error {
	child := newChild
	var splitChild *uint64 = split
	splitKey := splitFirstKey

	for i := len(path) - 1; i >= 0; i-- {
		step := path[i]
		t.retirePage(step.pageNum)
		branch := step.branch
		branch.children[step.childIdx] = child
		if step.childIdx > 0 {
			// the separator key preceding this child position is a lower
			// bound for the subtree; refresh it to the subtree's minimum
			// key when that is known (nil for an emptied leaf: keep it).
			if newChildFirstKey != nil {
				branch.keys[step.childIdx-1] = newChildFirstKey
			}
			// This branch's own minimum lies under children[0], which this
			// step did not touch, so it is not known here; ancestors keep
			// their separators, which remain valid lower bounds.
			newChildFirstKey = nil
		}

		if splitChild != nil {
			// insert splitKey/ *splitChild right after childIdx
			branch.keys = append(branch.keys, nil)
			copy(branch.keys[step.childIdx+1:], branch.keys[step.childIdx:])
			branch.keys[step.childIdx] = splitKey

			branch.children = append(branch.children, 0)
			copy(branch.children[step.childIdx+2:], branch.children[step.childIdx+1:])
			branch.children[step.childIdx+1] = *splitChild
		}

		buf := encodeBranch(branch)
		if len(buf) <= PageSize && len(branch.keys) <= maxBranchFanout {
			pn, err := t.allocPage()
			if err != nil {
				return err
			}
			t.stagePage(pn, buf)
			child = pn
			splitChild = nil
			continue
		}

		// branch overflowed: split it into two branch pages.
		mid := len(branch.keys) / 2
		leftKeys := append([][]byte(nil), branch.keys[:mid]...)
		leftChildren := append([]uint64(nil), branch.children[:mid+1]...)
		rightKeys := append([][]byte(nil), branch.keys[mid+1:]...)
		rightChildren := append([]uint64(nil), branch.children[mid+1:]...)
		promoted := branch.keys[mid]

		left := &branchPage{keys: leftKeys, children: leftChildren}
		right := &branchPage{keys: rightKeys, children: rightChildren}
		leftPn, err := t.allocPage()
		if err != nil {
			return err
		}
		t.stagePage(leftPn, encodeBranch(left))
		rightPn, err := t.allocPage()
		if err != nil {
			return err
		}
		t.stagePage(rightPn, encodeBranch(right))

		child = leftPn
		rp := rightPn
		splitChild = &rp
		splitKey = promoted
	}

	if splitChild != nil {
		newRoot := &branchPage{keys: [][]byte{splitKey}, children: []uint64{child, *splitChild}}
		pn, err := t.allocPage()
		if err != nil {
			return err
		}
		t.stagePage(pn, encodeBranch(newRoot))
		t.setTreeRoot(idx, pn)
		return nil
	}

	t.setTreeRoot(idx, child)
	return nil
}

// walkAll visits every entry in idx's tree in ascending key order.
func (t *Txn) walkAll(idx kv.Index, visit func(key []byte, values [][]byte) error) error {
	root := t.treeRoot(idx)
	if root == 0 {
		return nil
	}
	return t.walkPage(root, visit)
}

func (t *Txn) walkPage(pageNum uint64, visit func(key []byte, values [][]byte) error) error {
	buf, err := t.readPage(pageNum)
	if err != nil {
		return err
	}
	switch pageKind(buf) {
	case pageKindLeaf:
		leaf := decodeLeaf(buf)
		for _, e := range leaf.entries {
			vals, err := t.resolveValues(e)
			if err != nil {
				return err
			}
			if err := visit(e.Key, vals); err != nil {
				return err
			}
		}
		return nil
	case pageKindBranch:
		branch := decodeBranch(buf)
		for _, c := range branch.children {
			if err := t.walkPage(c, visit); err != nil {
				return err
			}
		}
		return nil
	default:
		return kv.NewError(kv.KindCorruption, "unexpected page kind during walk", nil)
	}
}
