// Package writecache implements the write-through cache (WTC): it buffers
// writes/erases against an underlying kv.IDB and only ever opens a
// transaction on that underlying layer inside Flush. See SPEC_FULL.md §4.4.
package writecache

import (
	"sync"

	"github.com/ntp1chain/ntp1node/internal/ntplog"
	"github.com/ntp1chain/ntp1node/kv"
)

type opKind uint8

const (
	opWrite opKind = iota
	opErase
	opEraseAll
)

type bufferedOp struct {
	kind  opKind
	value []byte // only meaningful for opWrite
}

// opMap is the shape both a single open transaction frame and the durable
// committed buffer use: per index, per key (string-cast), the ordered
// sequence of buffered operations.
type opMap = map[kv.Index]map[string][]bufferedOp

func mergeOps(dst, src opMap) {
	for idx, keys := range src {
		if dst[idx] == nil {
			dst[idx] = make(map[string][]bufferedOp)
		}
		for k, ops := range keys {
			dst[idx][k] = append(dst[idx][k], ops...)
		}
	}
}

// frame is one open (uncommitted) BeginDBTransaction. WTC supports nested
// Begin calls — Begin while already inside a transaction pushes a child
// frame; Commit merges the top frame into its parent (or, at depth zero,
// into the durable committed buffer); Abort discards the top frame outright.
type frame struct {
	ops      opMap
	bytes    int64
	implicit bool // pushed by ensureFrame rather than an explicit BeginDBTransaction
}

func newFrame() *frame { return &frame{ops: make(opMap)} }

// WTC buffers writes against lower until Flush (or Close) applies them.
// cacheMaxSize bounds the committed-but-unflushed buffer in bytes; 0
// disables auto-flush entirely.
type WTC struct {
	mu    sync.RWMutex
	lower kv.IDB
	log   *ntplog.Logger

	cacheMaxSize int64

	committed      opMap
	committedBytes int64
	stack          []*frame

	flushCount uint64
	closed     bool
}

var _ kv.IDB = (*WTC)(nil)

func New(lower kv.IDB, cacheMaxSize int64, log *ntplog.Logger) *WTC {
	if log == nil {
		log = ntplog.Nop()
	}
	return &WTC{lower: lower, cacheMaxSize: cacheMaxSize, log: log, committed: make(opMap)}
}

func applyOp(dup bool, existing [][]byte, found bool, op bufferedOp) (newValues [][]byte, remove bool) {
	switch op.kind {
	case opWrite:
		if dup && found {
			return append(append([][]byte(nil), existing...), op.value), false
		}
		return [][]byte{op.value}, false
	case opErase:
		if !found || len(existing) <= 1 {
			return nil, true
		}
		return existing[:len(existing)-1], false
	default: // opEraseAll
		return nil, true
	}
}

// currentValues replays every buffered op for key (committed buffer, then
// each open frame oldest-first) on top of lower's stored value, giving the
// read-your-own-writes view this layer promises even before Commit/Flush.
func (w *WTC) currentValues(idx kv.Index, key []byte) ([][]byte, bool, error) {
	vals, err := w.lower.ReadMultiple(idx, key)
	if err != nil {
		return nil, false, err
	}
	found := len(vals) > 0
	dup := kv.DuplicateKeysAllowed(idx)
	ks := string(key)

	replay := func(m opMap) {
		ops, ok := m[idx][ks]
		if !ok {
			return
		}
		for _, op := range ops {
			nv, remove := applyOp(dup, vals, found, op)
			if remove {
				vals, found = nil, false
			} else {
				vals, found = nv, true
			}
		}
	}
	replay(w.committed)
	for _, f := range w.stack {
		replay(f.ops)
	}
	return vals, found, nil
}

func (w *WTC) Read(idx kv.Index, key []byte, offset, size int) ([]byte, bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !idx.Valid() {
		return nil, false, kv.ErrUnknownIndex
	}
	vals, found, err := w.currentValues(idx, key)
	if err != nil || !found || len(vals) == 0 {
		return nil, found, err
	}
	return kv.SliceValue(vals[len(vals)-1], offset, size), true, nil
}

func (w *WTC) ReadMultiple(idx kv.Index, key []byte) ([][]byte, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !idx.Valid() {
		return nil, kv.ErrUnknownIndex
	}
	vals, _, err := w.currentValues(idx, key)
	return vals, err
}

func (w *WTC) touchedKeys(idx kv.Index) map[string]struct{} {
	out := make(map[string]struct{})
	for k := range w.committed[idx] {
		out[k] = struct{}{}
	}
	for _, f := range w.stack {
		for k := range f.ops[idx] {
			out[k] = struct{}{}
		}
	}
	return out
}

func (w *WTC) ReadAll(idx kv.Index) (map[string][][]byte, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !idx.Valid() {
		return nil, kv.ErrUnknownIndex
	}
	out, err := w.lower.ReadAll(idx)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = make(map[string][][]byte)
	}
	for k := range w.touchedKeys(idx) {
		vals, found, err := w.currentValues(idx, []byte(k))
		if err != nil {
			return nil, err
		}
		if found {
			out[k] = vals
		} else {
			delete(out, k)
		}
	}
	return out, nil
}

func (w *WTC) ReadAllUnique(idx kv.Index) (map[string][]byte, error) {
	all, err := w.ReadAll(idx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(all))
	for k, vs := range all {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out, nil
}

func (w *WTC) Exists(idx kv.Index, key []byte) (bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !idx.Valid() {
		return false, kv.ErrUnknownIndex
	}
	_, found, err := w.currentValues(idx, key)
	return found, err
}

// ensureFrame pushes a frame if none is open, so a bare Write/Erase/EraseAll
// with no preceding BeginDBTransaction still has somewhere to buffer into.
// This is the WTC side of spec.md §4.1's "implicit batch": Close (and an
// explicit CommitDBTransaction, once the caller does call one) drains it the
// same way as any other frame.
func (w *WTC) ensureFrame() {
	if len(w.stack) == 0 {
		f := newFrame()
		f.implicit = true
		w.stack = append(w.stack, f)
	}
}

func (w *WTC) appendOp(idx kv.Index, key []byte, op bufferedOp) {
	top := w.stack[len(w.stack)-1]
	if top.ops[idx] == nil {
		top.ops[idx] = make(map[string][]bufferedOp)
	}
	ks := string(key)
	top.ops[idx][ks] = append(top.ops[idx][ks], op)
	top.bytes += int64(len(key)) + int64(len(op.value))
}

func (w *WTC) Write(idx kv.Index, key, value []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := kv.ValidateWrite(idx, key, value); err != nil {
		return err
	}
	w.ensureFrame()
	w.appendOp(idx, key, bufferedOp{kind: opWrite, value: value})
	return nil
}

func (w *WTC) Erase(idx kv.Index, key []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !idx.Valid() {
		return kv.ErrUnknownIndex
	}
	w.ensureFrame()
	w.appendOp(idx, key, bufferedOp{kind: opErase})
	return nil
}

func (w *WTC) EraseAll(idx kv.Index, key []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !idx.Valid() {
		return kv.ErrUnknownIndex
	}
	w.ensureFrame()
	w.appendOp(idx, key, bufferedOp{kind: opEraseAll})
	return nil
}

// BeginDBTransaction pushes a new frame. hintSizeBytes is not propagated to
// lower here — lower only ever sees a transaction inside Flush, where the
// accumulated buffer size becomes its hint (SPEC_FULL.md §11).
func (w *WTC) BeginDBTransaction(int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stack = append(w.stack, newFrame())
	return nil
}

func (w *WTC) CommitDBTransaction() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.stack) == 0 {
		return kv.ErrNoTx
	}
	top := w.stack[len(w.stack)-1]
	w.stack = w.stack[:len(w.stack)-1]

	if len(w.stack) > 0 {
		parent := w.stack[len(w.stack)-1]
		mergeOps(parent.ops, top.ops)
		parent.bytes += top.bytes
		return nil
	}

	mergeOps(w.committed, top.ops)
	w.committedBytes += top.bytes
	if w.cacheMaxSize > 0 && w.committedBytes > w.cacheMaxSize {
		_, err := w.flushLocked(w.committedBytes)
		return err
	}
	return nil
}

func (w *WTC) AbortDBTransaction() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.stack) == 0 {
		return kv.ErrNoTx
	}
	w.stack = w.stack[:len(w.stack)-1]
	return nil
}

func (w *WTC) Flush(hintSizeBytes int64) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(hintSizeBytes)
}

func (w *WTC) flushLocked(hintSizeBytes int64) (bool, error) {
	if len(w.committed) == 0 {
		return true, nil
	}
	hint := hintSizeBytes
	if hint == 0 {
		hint = w.committedBytes
	}
	if err := w.lower.BeginDBTransaction(hint); err != nil {
		return false, err
	}
	for idx, keys := range w.committed {
		for key, ops := range keys {
			for _, op := range ops {
				var err error
				switch op.kind {
				case opWrite:
					err = w.lower.Write(idx, []byte(key), op.value)
				case opErase:
					err = w.lower.Erase(idx, []byte(key))
				case opEraseAll:
					err = w.lower.EraseAll(idx, []byte(key))
				}
				if err != nil {
					_ = w.lower.AbortDBTransaction()
					return false, err
				}
			}
		}
	}
	if err := w.lower.CommitDBTransaction(); err != nil {
		return false, err
	}
	w.committed = make(opMap)
	w.committedBytes = 0
	w.flushCount++
	w.log.Debug("flushed write-through buffer", "flushCount", w.flushCount)
	return true, nil
}

// ClearCache is a pass-through: the WTC's buffer holds writes the caller
// already committed (from its own point of view), not disposable cached
// state, so clearing it here would silently lose data. Only the lower
// layer's cache (if any) is cleared.
func (w *WTC) ClearCache() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lower.ClearCache()
}

func (w *WTC) GetFlushCount() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.flushCount
}

// Close commits any implicit batch left open by bare writes (spec.md §4.1),
// as kv_interface.go's own doc comment for Close promises, flushes the
// buffer, and closes lower. An explicit transaction the caller opened and
// never committed or aborted is instead treated as aborted on destruction
// (spec.md §5): its frame is discarded rather than merged in.
func (w *WTC) Close() error {
	w.mu.Lock()
	for len(w.stack) > 0 {
		top := w.stack[len(w.stack)-1]
		w.stack = w.stack[:len(w.stack)-1]
		if !top.implicit {
			continue
		}
		if len(w.stack) > 0 {
			parent := w.stack[len(w.stack)-1]
			mergeOps(parent.ops, top.ops)
			parent.bytes += top.bytes
		} else {
			mergeOps(w.committed, top.ops)
			w.committedBytes += top.bytes
		}
	}
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	_, ferr := w.flushLocked(0)
	w.mu.Unlock()
	if ferr != nil {
		return ferr
	}
	return w.lower.Close()
}
