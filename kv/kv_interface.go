// Package kv defines the uniform transactional key-value contract
// (IDB) that every storage backend and every cache layer in this
// repository implements. All composition — stacking a cache over a
// backend, or a cache over another cache — happens purely against this
// interface; nothing downstream of kv.IDB knows or cares what concrete
// type it is talking to.
//
// Variables naming:
//
//	idx  - Index (one of the seven named partitions)
//	k, v - key, value ([]byte)
//	hint - hintSizeBytes, an estimated upper bound on bytes a pending
//	       transaction/flush will write, used to pre-grow the persistent
//	       backend's map size
package kv

// SizeUnbounded is the sentinel passed as size to Read when the caller
// wants the value from offset to the end ("size=none" in spec.md §4.1).
const SizeUnbounded = -1

// IDB is the contract every backend (persistent, in-memory) and every
// cache layer (write-through, read-through, LRU) satisfies. See spec.md
// §4.1 for the full per-method contract; this file only carries the Go
// signatures and the invariants that aren't obvious from the name.
type IDB interface {
	// Write inserts (unique index) or appends (duplicate index) value
	// under key. Fails with KindInvalidArgument if value exceeds
	// MaxDupValueBytes on a duplicate-allowed index, or if key's length
	// is outside [MinKeyBytes, MaxKeyBytes].
	Write(idx Index, key, value []byte) error

	// Read returns the value (or, for duplicate indexes, one of the
	// values — unspecified which, but stable for the duration of this
	// call) stored under key, sliced to [offset, offset+size). offset is
	// clamped to the value's length (yielding an empty slice, not an
	// error); size == SizeUnbounded means "to the end". ok is false iff
	// key has no value in idx — that is not an error.
	Read(idx Index, key []byte, offset, size int) (value []byte, ok bool, err error)

	// ReadMultiple returns every value stored under key, in insertion
	// order, for duplicate indexes; 0 or 1 values for unique indexes. A
	// zero-length slice (not an error) if key is absent.
	ReadMultiple(idx Index, key []byte) ([][]byte, error)

	// ReadAll returns every key in idx mapped to its insertion-ordered
	// value sequence.
	ReadAll(idx Index) (map[string][][]byte, error)

	// ReadAllUnique returns every key in idx mapped to exactly one value;
	// for duplicate indexes it picks one of the stored values
	// deterministically (see SPEC_FULL.md §11) but that choice is not
	// part of the public contract.
	ReadAllUnique(idx Index) (map[string][]byte, error)

	// Exists reports whether key has any stored value in idx.
	Exists(idx Index, key []byte) (bool, error)

	// Erase removes key's single value (unique index) or one arbitrary
	// value (duplicate index). Idempotent if key is absent.
	Erase(idx Index, key []byte) error

	// EraseAll removes every value stored under key. Idempotent if
	// absent.
	EraseAll(idx Index, key []byte) error

	// BeginDBTransaction opens a write transaction on this instance.
	// hintSizeBytes is an estimated upper bound on total bytes that will
	// be written. The persistent backend acts on it immediately; the
	// read-through and LRU caches pass it to the BeginDBTransaction they
	// open on the layer below; the write-through cache ignores it and
	// opens nothing below until Flush. Fails with KindTransactionState if
	// a write transaction is already open, except on the write-through
	// cache, where a second Begin opens a nested transaction.
	BeginDBTransaction(hintSizeBytes int64) error

	// CommitDBTransaction atomically applies every write/erase staged
	// since the matching BeginDBTransaction and makes it visible to
	// subsequent reads. Fails with KindTransactionState if no
	// transaction is open.
	CommitDBTransaction() error

	// AbortDBTransaction discards every write/erase staged since the
	// matching BeginDBTransaction. Fails with KindTransactionState if no
	// transaction is open.
	AbortDBTransaction() error

	// Flush drains any buffered writes down to the next layer and returns
	// true on success. Layers that buffer nothing still return true: the
	// in-memory backend does nothing, the read-through cache passes the
	// call to the layer below, and the persistent backend pre-grows its
	// map to hintSizeBytes and msyncs. The write-through cache passes
	// hintSizeBytes to the lower layer's BeginDBTransaction as the size
	// hint, 0 meaning "use the buffered byte count"; the LRU variant
	// ignores it. Returns false, with the buffer left intact, if the
	// flush failed (e.g. OutOfSpace after exhausting the growth budget)
	// so the caller can free space and retry.
	Flush(hintSizeBytes int64) (bool, error)

	// ClearCache drops any cached state held by this layer (and,
	// recursively, layers below) without touching committed data.
	ClearCache()

	// GetFlushCount returns how many times this layer has pushed buffered
	// writes down to the layer below, for test assertions (spec.md §8,
	// property 9). A Flush with nothing buffered is not counted; the LRU
	// variant also counts the flushes that eviction triggers. The
	// persistent backend counts every successful commit (including the
	// one Close makes for an implicit batch) and not its Flush calls.
	// Layers that neither buffer nor sync anything of their own (MB, RTC)
	// always return 0.
	GetFlushCount() uint64

	// Close flushes any buffered writes, commits any implicit open batch,
	// and releases every resource (including, recursively, the layer
	// below — see SPEC_FULL.md §11 "no cyclic ownership").
	Close() error
}

// ValidateKey enforces the [MinKeyBytes, MaxKeyBytes] length invariant
// shared by every backend and cache layer.
func ValidateKey(key []byte) error {
	if len(key) == 0 {
		return ErrKeyEmpty
	}
	if len(key) < MinKeyBytes || len(key) > MaxKeyBytes {
		return ErrKeyTooLarge
	}
	return nil
}

// ValidateWrite enforces the per-index value-size ceiling in addition to
// the key-length invariant, before a Write reaches any backend.
func ValidateWrite(idx Index, key, value []byte) error {
	if !idx.Valid() {
		return ErrUnknownIndex
	}
	if err := ValidateKey(key); err != nil {
		return err
	}
	if DuplicateKeysAllowed(idx) && len(value) > MaxDupValueBytes {
		return ErrValueTooLargeForDup
	}
	return nil
}

// SliceValue implements the offset/size slicing contract shared by every
// Read implementation (spec.md §8, property 7): offset is clamped to
// len(v) (yielding empty, never an error), size == SizeUnbounded means "to
// the end", otherwise the result is v[from:from+min(size, len(v)-from)].
func SliceValue(v []byte, offset, size int) []byte {
	if offset < 0 {
		offset = 0
	}
	if offset > len(v) {
		offset = len(v)
	}
	if size == SizeUnbounded || size < 0 {
		return v[offset:]
	}
	end := offset + size
	if end > len(v) {
		end = len(v)
	}
	return v[offset:end]
}
