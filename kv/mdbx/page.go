package mdbx

import (
	"encoding/binary"

	"github.com/ntp1chain/ntp1node/kv"
)

// PageSize is the fixed page size of the on-disk store. SPEC_FULL.md §3.1
// documents the whole format; this file only implements the page-level
// encode/decode.
const PageSize = 4096

const (
	pageKindMeta   = 1
	pageKindBranch = 2
	pageKindLeaf   = 3
	pageKindBlob   = 4
)

// numTrees is one B+Tree root per index in the closed taxonomy.
const numTrees = int(kv.ADDRSVSPUBKEYS) + 1

// metaPage is the double-buffered root of the whole store. Pages 0 and 1
// on disk are always meta pages; commit always writes to whichever of the
// two carries the lower TxnID, then msyncs, and readers always load the
// one with the higher TxnID (Env.readMeta) — so a crash mid-commit leaves
// the previous, higher-TxnID meta page (the prior successful commit)
// intact and loadable.
type metaPage struct {
	TxnID     uint64
	MapSize   uint64 // bytes
	NextPage  uint64 // high-water mark for page allocation
	FreeRoot  uint64 // first page of the encoded free-page list, 0 = empty
	FreeLen   uint64 // byte length of the encoded free-page list
	TreeRoots [numTrees]uint64
}

func (m *metaPage) encode(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint64(buf[0:], m.TxnID)
	binary.LittleEndian.PutUint64(buf[8:], m.MapSize)
	binary.LittleEndian.PutUint64(buf[16:], m.NextPage)
	binary.LittleEndian.PutUint64(buf[24:], m.FreeRoot)
	binary.LittleEndian.PutUint64(buf[32:], m.FreeLen)
	off := 40
	for i := 0; i < numTrees; i++ {
		binary.LittleEndian.PutUint64(buf[off:], m.TreeRoots[i])
		off += 8
	}
}

func decodeMeta(buf []byte) metaPage {
	var m metaPage
	m.TxnID = binary.LittleEndian.Uint64(buf[0:])
	m.MapSize = binary.LittleEndian.Uint64(buf[8:])
	m.NextPage = binary.LittleEndian.Uint64(buf[16:])
	m.FreeRoot = binary.LittleEndian.Uint64(buf[24:])
	m.FreeLen = binary.LittleEndian.Uint64(buf[32:])
	off := 40
	for i := 0; i < numTrees; i++ {
		m.TreeRoots[i] = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	return m
}

// maxInlineValueBytes bounds how much of the encoded value-sequence blob
// (see encodeValues) a leaf entry will carry inline. Larger blobs spill to
// a contiguous run of blob pages instead (see blob.go); this keeps leaf
// pages small and their split logic simple regardless of how large a
// single unique-index value (up to 10KB, per spec.md §3) gets.
const maxInlineValueBytes = 2048

// leafEntry is one key's record within a leaf page: the key, and either
// the value-sequence inline or a pointer to an out-of-line blob run.
type leafEntry struct {
	Key      []byte
	Inline   [][]byte // nil if Spilled
	Spilled  bool
	BlobPage uint64
	BlobLen  uint64
}

func encodeValues(values [][]byte) []byte {
	buf := make([]byte, 0, 4+len(values)*4)
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(values)))
	buf = append(buf, tmp[:n]...)
	for _, v := range values {
		n := binary.PutUvarint(tmp[:], uint64(len(v)))
		buf = append(buf, tmp[:n]...)
		buf = append(buf, v...)
	}
	return buf
}

func decodeValues(buf []byte) [][]byte {
	count, n := binary.Uvarint(buf)
	buf = buf[n:]
	out := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		vlen, n := binary.Uvarint(buf)
		buf = buf[n:]
		out = append(out, append([]byte(nil), buf[:vlen]...))
		buf = buf[vlen:]
	}
	return out
}

// leafPage and branchPage are the in-memory (decoded) representation of a
// tree page, kept sorted by key. Serialization is a flat length-prefixed
// encoding rather than a fixed-slot layout, since decode-then-search is
// fast enough for this store's purposes and far simpler to get right
// without a test run than true binary search over raw page bytes.
type leafPage struct {
	entries []leafEntry
}

type branchPage struct {
	// keys[i] is a lower bound for every key reachable via children[i+1]
	// and an exclusive upper bound for children[i] (children[0] covers
	// everything less than keys[0]). len(children) == len(keys)+1.
	keys     [][]byte
	children []uint64
}

func encodeLeaf(p *leafPage) []byte {
	buf := make([]byte, 0, PageSize)
	buf = append(buf, byte(pageKindLeaf))
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(p.entries)))
	buf = append(buf, tmp[:n]...)
	for _, e := range p.entries {
		n := binary.PutUvarint(tmp[:], uint64(len(e.Key)))
		buf = append(buf, tmp[:n]...)
		buf = append(buf, e.Key...)
		if e.Spilled {
			buf = append(buf, 1)
			n = binary.PutUvarint(tmp[:], e.BlobPage)
			buf = append(buf, tmp[:n]...)
			n = binary.PutUvarint(tmp[:], e.BlobLen)
			buf = append(buf, tmp[:n]...)
		} else {
			buf = append(buf, 0)
			vb := encodeValues(e.Inline)
			n = binary.PutUvarint(tmp[:], uint64(len(vb)))
			buf = append(buf, tmp[:n]...)
			buf = append(buf, vb...)
		}
	}
	return buf
}

func decodeLeaf(buf []byte) *leafPage {
	p := &leafPage{}
	pos := 1 // skip kind byte
	count, n := binary.Uvarint(buf[pos:])
	pos += n
	p.entries = make([]leafEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		klen, n := binary.Uvarint(buf[pos:])
		pos += n
		key := append([]byte(nil), buf[pos:pos+int(klen)]...)
		pos += int(klen)
		spilled := buf[pos]
		pos++
		if spilled == 1 {
			blobPage, n := binary.Uvarint(buf[pos:])
			pos += n
			blobLen, n := binary.Uvarint(buf[pos:])
			pos += n
			p.entries = append(p.entries, leafEntry{Key: key, Spilled: true, BlobPage: blobPage, BlobLen: blobLen})
			continue
		}
		vlen, n := binary.Uvarint(buf[pos:])
		pos += n
		values := decodeValues(buf[pos : pos+int(vlen)])
		pos += int(vlen)
		p.entries = append(p.entries, leafEntry{Key: key, Inline: values})
	}
	return p
}

func encodeBranch(p *branchPage) []byte {
	buf := make([]byte, 0, PageSize)
	buf = append(buf, byte(pageKindBranch))
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(p.keys)))
	buf = append(buf, tmp[:n]...)
	for _, c := range p.children {
		n := binary.PutUvarint(tmp[:], c)
		buf = append(buf, tmp[:n]...)
	}
	for _, k := range p.keys {
		n := binary.PutUvarint(tmp[:], uint64(len(k)))
		buf = append(buf, tmp[:n]...)
		buf = append(buf, k...)
	}
	return buf
}

func decodeBranch(buf []byte) *branchPage {
	p := &branchPage{}
	pos := 1
	count, n := binary.Uvarint(buf[pos:])
	pos += n
	p.children = make([]uint64, 0, count+1)
	for i := uint64(0); i < count+1; i++ {
		c, n := binary.Uvarint(buf[pos:])
		pos += n
		p.children = append(p.children, c)
	}
	p.keys = make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		klen, n := binary.Uvarint(buf[pos:])
		pos += n
		key := append([]byte(nil), buf[pos:pos+int(klen)]...)
		pos += int(klen)
		p.keys = append(p.keys, key)
	}
	return p
}

func pageKind(buf []byte) byte { return buf[0] }
