package mdbx

import (
	"sync"

	"github.com/ntp1chain/ntp1node/internal/ntplog"
	"github.com/ntp1chain/ntp1node/kv"
)

// DB is the persistent backend's kv.IDB implementation: one Env plus the
// single in-flight transaction a session may have open at a time, mirroring
// memdb.DB's shape (mu + inTx + one active snapshot) so the two backends
// are interchangeable wherever kv.IDB is expected.
type DB struct {
	mu  sync.Mutex
	env *Env
	log *ntplog.Logger

	cur        *Txn
	implicitTx bool // cur was auto-opened by a bare Write/Erase/EraseAll, not an explicit BeginDBTransaction
	flushCount uint64
	closed     bool
}

var _ kv.IDB = (*DB)(nil)

// Open opens (or creates) a persistent store at dir.
func Open(dir string, clearBeforeOpen bool, log *ntplog.Logger) (*DB, error) {
	if log == nil {
		log = ntplog.Nop()
	}
	env, err := openEnv(dir, clearBeforeOpen, log)
	if err != nil {
		return nil, err
	}
	return &DB{env: env, log: log}, nil
}

func (d *DB) readTxn() *Txn {
	if d.cur != nil {
		return d.cur
	}
	return newReadTxn(d.env)
}

// ensureWriteTxn opens a write transaction automatically if a bare
// Write/Erase/EraseAll arrives with no transaction already open. spec.md
// §4.1 documents close() as committing "any implicit batch" accumulated
// this way, so callers may mutate the store without ever calling
// BeginDBTransaction themselves.
func (d *DB) ensureWriteTxn() {
	if d.cur != nil {
		return
	}
	d.env.wmu.Lock()
	d.cur = newWriteTxn(d.env)
	d.implicitTx = true
}

func (d *DB) Write(index kv.Index, key, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := kv.ValidateWrite(index, key, value); err != nil {
		return err
	}
	d.ensureWriteTxn()
	dup := kv.DuplicateKeysAllowed(index)
	return d.cur.upsertEntry(index, key, func(existing [][]byte, found bool) ([][]byte, bool) {
		if dup && found {
			return append(append([][]byte(nil), existing...), value), false
		}
		return [][]byte{value}, false
	})
}

func (d *DB) Read(index kv.Index, key []byte, offset, size int) ([]byte, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !index.Valid() {
		return nil, false, kv.ErrUnknownIndex
	}
	vals, found, err := d.readTxn().getEntry(index, key)
	if err != nil || !found || len(vals) == 0 {
		return nil, found, err
	}
	return kv.SliceValue(vals[len(vals)-1], offset, size), true, nil
}

func (d *DB) ReadMultiple(index kv.Index, key []byte) ([][]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !index.Valid() {
		return nil, kv.ErrUnknownIndex
	}
	vals, _, err := d.readTxn().getEntry(index, key)
	return vals, err
}

func (d *DB) ReadAll(index kv.Index) (map[string][][]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !index.Valid() {
		return nil, kv.ErrUnknownIndex
	}
	out := make(map[string][][]byte)
	err := d.readTxn().walkAll(index, func(key []byte, values [][]byte) error {
		out[string(key)] = values
		return nil
	})
	return out, err
}

func (d *DB) ReadAllUnique(index kv.Index) (map[string][]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !index.Valid() {
		return nil, kv.ErrUnknownIndex
	}
	out := make(map[string][]byte)
	err := d.readTxn().walkAll(index, func(key []byte, values [][]byte) error {
		if len(values) > 0 {
			out[string(key)] = values[0]
		}
		return nil
	})
	return out, err
}

func (d *DB) Exists(index kv.Index, key []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !index.Valid() {
		return false, kv.ErrUnknownIndex
	}
	_, found, err := d.readTxn().getEntry(index, key)
	return found, err
}

func (d *DB) Erase(index kv.Index, key []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !index.Valid() {
		return kv.ErrUnknownIndex
	}
	d.ensureWriteTxn()
	return d.cur.upsertEntry(index, key, func(existing [][]byte, found bool) ([][]byte, bool) {
		if !found || len(existing) <= 1 {
			return nil, true
		}
		return existing[:len(existing)-1], false
	})
}

func (d *DB) EraseAll(index kv.Index, key []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !index.Valid() {
		return kv.ErrUnknownIndex
	}
	d.ensureWriteTxn()
	return d.cur.upsertEntry(index, key, func(_ [][]byte, found bool) ([][]byte, bool) {
		return nil, true
	})
}

func (d *DB) BeginDBTransaction(hintSizeBytes int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cur != nil {
		return kv.ErrTxAlreadyOpen
	}
	d.env.wmu.Lock()
	if hintSizeBytes > 0 {
		if err := d.env.ensureMapSize(hintSizeBytes); err != nil {
			d.env.wmu.Unlock()
			return err
		}
	}
	d.cur = newWriteTxn(d.env)
	return nil
}

func (d *DB) CommitDBTransaction() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cur == nil {
		return kv.ErrNoTx
	}
	err := d.cur.commit()
	d.cur = nil
	d.implicitTx = false
	d.env.wmu.Unlock()
	if err == nil {
		d.flushCount++
	}
	return err
}

func (d *DB) AbortDBTransaction() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cur == nil {
		return kv.ErrNoTx
	}
	d.cur = nil
	d.implicitTx = false
	d.env.wmu.Unlock()
	return nil
}

// Flush grows the map to accommodate hintSizeBytes (if given) and msyncs
// the mmap. The persistent backend buffers nothing of its own, so it
// reports true whenever that succeeds.
func (d *DB) Flush(hintSizeBytes int64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if hintSizeBytes > 0 {
		if err := d.env.ensureMapSize(hintSizeBytes); err != nil {
			return false, err
		}
	}
	d.env.mu.RLock()
	defer d.env.mu.RUnlock()
	if err := d.env.data.Flush(); err != nil {
		return false, kv.NewError(kv.KindIoError, "flush", err)
	}
	return true, nil
}

// ClearCache is a no-op: the persistent backend has no in-memory cache of
// its own, only the OS page cache behind the mmap.
func (d *DB) ClearCache() {}

func (d *DB) GetFlushCount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushCount
}

// Close commits any implicit batch left open by bare writes (spec.md §4.1),
// as kv_interface.go's own doc comment for Close promises. An explicit
// transaction the caller opened and never committed or aborted is instead
// treated as aborted on destruction, per spec.md §5.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	if d.cur != nil {
		cur := d.cur
		implicit := d.implicitTx
		d.cur = nil
		d.implicitTx = false
		if implicit {
			if err := cur.commit(); err != nil {
				d.env.wmu.Unlock()
				return err
			}
			d.flushCount++
		}
		d.env.wmu.Unlock()
	}
	d.closed = true
	return d.env.Close()
}
