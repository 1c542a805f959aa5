// Package memdb implements kv.IDB entirely in process memory. It is the
// oracle: the reference implementation every other backend and cache
// stack is tested against (spec.md §4.3, §8 property 8).
package memdb

import (
	"sync"

	"github.com/ntp1chain/ntp1node/internal/ntplog"
	"github.com/ntp1chain/ntp1node/kv"
)

// store is one index's logical state: an insertion-ordered sequence of
// values per key, plus the key insertion order itself so ReadAll can
// reproduce it.
type store struct {
	values map[string][][]byte
	order  []string
}

func newStore() *store {
	return &store{values: make(map[string][][]byte)}
}

func (s *store) clone() *store {
	c := newStore()
	c.order = append([]string(nil), s.order...)
	for k, v := range s.values {
		c.values[k] = append([][]byte(nil), v...)
	}
	return c
}

func (s *store) write(idx kv.Index, key, value []byte) {
	k := string(key)
	if _, ok := s.values[k]; !ok {
		s.order = append(s.order, k)
	}
	if kv.DuplicateKeysAllowed(idx) {
		s.values[k] = append(s.values[k], append([]byte(nil), value...))
		return
	}
	s.values[k] = [][]byte{append([]byte(nil), value...)}
}

func (s *store) erase(key []byte) {
	k := string(key)
	vals, ok := s.values[k]
	if !ok {
		return
	}
	if len(vals) <= 1 {
		s.eraseAll(key)
		return
	}
	s.values[k] = vals[:len(vals)-1]
}

func (s *store) eraseAll(key []byte) {
	k := string(key)
	if _, ok := s.values[k]; !ok {
		return
	}
	delete(s.values, k)
	for i, ok := range s.order {
		if ok == k {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// DB is the in-memory reference backend.
type DB struct {
	mu     sync.RWMutex
	stores [kv.ADDRSVSPUBKEYS + 1]*store
	log    *ntplog.Logger
	closed bool

	inTx      bool
	txSnaps   [kv.ADDRSVSPUBKEYS + 1]*store // snapshot-copy for indexes touched in the open tx
	txTouched [kv.ADDRSVSPUBKEYS + 1]bool
}

var _ kv.IDB = (*DB)(nil)

// New constructs an empty in-memory backend. memdb has no on-disk state,
// so it ignores clearBeforeOpen-style arguments entirely — there is
// nothing to clear.
func New(log *ntplog.Logger) *DB {
	if log == nil {
		log = ntplog.Nop()
	}
	d := &DB{log: log}
	for i := range d.stores {
		d.stores[i] = newStore()
	}
	return d
}

func (d *DB) activeStore(idx kv.Index) *store {
	if d.inTx && d.txTouched[idx] {
		return d.txSnaps[idx]
	}
	return d.stores[idx]
}

// storeForWrite returns the store a write under idx should mutate,
// lazily copy-on-write snapshotting it into the open transaction the
// first time that index is touched.
func (d *DB) storeForWrite(idx kv.Index) *store {
	if !d.inTx {
		return d.stores[idx]
	}
	if !d.txTouched[idx] {
		d.txSnaps[idx] = d.stores[idx].clone()
		d.txTouched[idx] = true
	}
	return d.txSnaps[idx]
}

func (d *DB) checkOpen() error {
	if d.closed {
		return kv.ErrClosed
	}
	return nil
}

func (d *DB) Write(idx kv.Index, key, value []byte) error {
	if err := kv.ValidateWrite(idx, key, value); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpen(); err != nil {
		return err
	}
	d.storeForWrite(idx).write(idx, key, value)
	return nil
}

func (d *DB) Read(idx kv.Index, key []byte, offset, size int) ([]byte, bool, error) {
	if !idx.Valid() {
		return nil, false, kv.ErrUnknownIndex
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if err := d.checkOpen(); err != nil {
		return nil, false, err
	}
	vals := d.activeStore(idx).values[string(key)]
	if len(vals) == 0 {
		return nil, false, nil
	}
	return kv.SliceValue(vals[len(vals)-1], offset, size), true, nil
}

func (d *DB) ReadMultiple(idx kv.Index, key []byte) ([][]byte, error) {
	if !idx.Valid() {
		return nil, kv.ErrUnknownIndex
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	vals := d.activeStore(idx).values[string(key)]
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = append([]byte(nil), v...)
	}
	return out, nil
}

func (d *DB) ReadAll(idx kv.Index) (map[string][][]byte, error) {
	if !idx.Valid() {
		return nil, kv.ErrUnknownIndex
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	s := d.activeStore(idx)
	out := make(map[string][][]byte, len(s.order))
	for _, k := range s.order {
		vals := s.values[k]
		cp := make([][]byte, len(vals))
		for i, v := range vals {
			cp[i] = append([]byte(nil), v...)
		}
		out[k] = cp
	}
	return out, nil
}

func (d *DB) ReadAllUnique(idx kv.Index) (map[string][]byte, error) {
	if !idx.Valid() {
		return nil, kv.ErrUnknownIndex
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	s := d.activeStore(idx)
	out := make(map[string][]byte, len(s.order))
	for _, k := range s.order {
		vals := s.values[k]
		if len(vals) == 0 {
			continue
		}
		out[k] = append([]byte(nil), vals[0]...)
	}
	return out, nil
}

func (d *DB) Exists(idx kv.Index, key []byte) (bool, error) {
	if !idx.Valid() {
		return false, kv.ErrUnknownIndex
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if err := d.checkOpen(); err != nil {
		return false, err
	}
	return len(d.activeStore(idx).values[string(key)]) > 0, nil
}

func (d *DB) Erase(idx kv.Index, key []byte) error {
	if !idx.Valid() {
		return kv.ErrUnknownIndex
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpen(); err != nil {
		return err
	}
	d.storeForWrite(idx).erase(key)
	return nil
}

func (d *DB) EraseAll(idx kv.Index, key []byte) error {
	if !idx.Valid() {
		return kv.ErrUnknownIndex
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpen(); err != nil {
		return err
	}
	d.storeForWrite(idx).eraseAll(key)
	return nil
}

func (d *DB) BeginDBTransaction(hintSizeBytes int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpen(); err != nil {
		return err
	}
	if d.inTx {
		return kv.ErrTxAlreadyOpen
	}
	d.inTx = true
	for i := range d.txTouched {
		d.txTouched[i] = false
		d.txSnaps[i] = nil
	}
	return nil
}

func (d *DB) CommitDBTransaction() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.inTx {
		return kv.ErrNoTx
	}
	for i := range d.txTouched {
		if d.txTouched[i] {
			d.stores[i] = d.txSnaps[i]
		}
	}
	d.inTx = false
	return nil
}

func (d *DB) AbortDBTransaction() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.inTx {
		return kv.ErrNoTx
	}
	d.inTx = false
	return nil
}

// Flush is a no-op for memdb: there is no lower layer and nothing is ever
// buffered beyond the open transaction itself.
func (d *DB) Flush(int64) (bool, error) { return true, nil }

func (d *DB) ClearCache() {}

func (d *DB) GetFlushCount() uint64 { return 0 }

func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.log.Info("memdb closed")
	return nil
}
