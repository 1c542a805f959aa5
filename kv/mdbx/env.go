// Package mdbx implements the persistent backend: a single-writer,
// multi-reader, copy-on-write B+Tree store over a memory-mapped file,
// with transparent map-size growth on space exhaustion. See
// SPEC_FULL.md §3.1/§4.2 for the on-disk format and growth algorithm.
package mdbx

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/gofrs/flock"

	"github.com/ntp1chain/ntp1node/internal/mathutil"
	"github.com/ntp1chain/ntp1node/internal/ntplog"
	"github.com/ntp1chain/ntp1node/kv"
)

const (
	dataFileName = "data.ntp1db"
	lockFileName = "LOCK"

	// initialMapSize is the starting map size for a freshly created
	// store: enough for the two meta pages plus a modest number of tree
	// pages before the first growth is needed.
	initialMapSize = 1 << 20 // 1 MiB

	// maxGrowthAttempts bounds the resize-retry loop (spec.md §4.2).
	maxGrowthAttempts = 16
)

// Env owns the memory-mapped file, the advisory lock file, and the
// current map geometry. It is the unit of "open a directory".
type Env struct {
	mu   sync.RWMutex // guards data/mapSize; readers RLock, writer Lock on commit and growth
	wmu  sync.Mutex   // serializes write transactions (at most one writer)

	dir      string
	f        *os.File
	lock     *flock.Flock
	data     mmap.MMap
	mapSize  uint64
	closed   bool

	log *ntplog.Logger
}

// openEnv creates or opens the store at dir. If clearBeforeOpen is set, any
// prior data/lock files in dir are removed first.
func openEnv(dir string, clearBeforeOpen bool, log *ntplog.Logger) (*Env, error) {
	if log == nil {
		log = ntplog.Nop()
	}
	if clearBeforeOpen {
		if err := os.RemoveAll(dir); err != nil {
			return nil, kv.NewError(kv.KindIoError, "clearBeforeOpen: remove dir", err)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, kv.NewError(kv.KindIoError, "mkdir", err)
	}

	lk := flock.New(filepath.Join(dir, lockFileName))
	ok, err := lk.TryLock()
	if err != nil {
		return nil, kv.NewError(kv.KindIoError, "lock directory", err)
	}
	if !ok {
		return nil, kv.NewError(kv.KindConflict, "directory already open by another process", nil)
	}

	dataPath := filepath.Join(dir, dataFileName)
	created := false
	f, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		_ = lk.Unlock()
		return nil, kv.NewError(kv.KindIoError, "open data file", err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		_ = lk.Unlock()
		return nil, kv.NewError(kv.KindIoError, "stat data file", err)
	}
	if fi.Size() == 0 {
		created = true
		if err := f.Truncate(int64(initialMapSize)); err != nil {
			_ = f.Close()
			_ = lk.Unlock()
			return nil, kv.NewError(kv.KindIoError, "truncate new data file", err)
		}
	}

	size := initialMapSize
	if !created {
		size = int(fi.Size())
	}
	m, err := mmap.MapRegion(f, size, mmap.RDWR, 0, 0)
	if err != nil {
		_ = f.Close()
		_ = lk.Unlock()
		return nil, kv.NewError(kv.KindIoError, "mmap data file", err)
	}

	e := &Env{
		dir:     dir,
		f:       f,
		lock:    lk,
		data:    m,
		mapSize: uint64(size),
		log:     log,
	}

	if created {
		if err := e.initFresh(); err != nil {
			_ = e.Close()
			return nil, err
		}
		log.Info("created new persistent store", "dir", dir, "mapSize", size)
	} else {
		if err := e.validateExisting(); err != nil {
			_ = e.Close()
			return nil, err
		}
		log.Info("opened existing persistent store", "dir", dir, "mapSize", size)
	}
	return e, nil
}

func (e *Env) initFresh() error {
	meta := metaPage{TxnID: 1, MapSize: e.mapSize, NextPage: 2}
	buf := make([]byte, PageSize)
	meta.encode(buf)
	copy(e.data[0:PageSize], buf)
	// Page 1 starts as a copy with TxnID 0 so the first real commit (which
	// always targets the lower-TxnID meta page) writes page 1 next.
	var empty metaPage
	empty.encode(buf)
	copy(e.data[PageSize:2*PageSize], buf)
	return e.data.Flush()
}

func (e *Env) validateExisting() error {
	if len(e.data) < 2*PageSize {
		return kv.NewError(kv.KindCorruption, "data file smaller than two meta pages", nil)
	}
	return nil
}

// readMeta returns whichever of the two meta pages carries the higher
// TxnID — the most recently committed state.
func (e *Env) readMeta() metaPage {
	m0 := decodeMeta(e.data[0:PageSize])
	m1 := decodeMeta(e.data[PageSize : 2*PageSize])
	if m1.TxnID > m0.TxnID {
		return m1
	}
	return m0
}

// nextMetaSlot returns which of the two meta page slots (0 or 1) the next
// commit should write: the one currently holding the lower TxnID.
func (e *Env) nextMetaSlot() int {
	m0 := decodeMeta(e.data[0:PageSize])
	m1 := decodeMeta(e.data[PageSize : 2*PageSize])
	if m0.TxnID <= m1.TxnID {
		return 0
	}
	return 1
}

// growMap doubles the map size (or grows to twice hintSizeBytes, whichever
// is larger), rounds up to the page size, truncates the file, and remaps.
// spec.md §4.2's resize algorithm.
func (e *Env) growMap(hintSizeBytes int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	target := e.mapSize * 2
	if hintSizeBytes > 0 {
		hinted, overflow := mathutil.SafeMul(uint64(hintSizeBytes), 2)
		if !overflow && hinted > target {
			target = hinted
		}
	}
	target = mathutil.CeilToPage(target, PageSize)
	if target <= e.mapSize {
		target = e.mapSize + PageSize
	}

	if err := e.data.Unmap(); err != nil {
		return kv.NewError(kv.KindIoError, "unmap before grow", err)
	}
	if err := e.f.Truncate(int64(target)); err != nil {
		return kv.NewError(kv.KindIoError, "truncate for grow", err)
	}
	m, err := mmap.MapRegion(e.f, int(target), mmap.RDWR, 0, 0)
	if err != nil {
		return kv.NewError(kv.KindIoError, "remap after grow", err)
	}
	e.data = m
	e.mapSize = target
	e.log.Info("grew persistent store map size", "dir", e.dir, "newMapSize", target)
	return nil
}

// ensureMapSize grows the map, if needed, so it is at least sizeBytes.
func (e *Env) ensureMapSize(sizeBytes int64) error {
	e.mu.RLock()
	big := uint64(sizeBytes) <= e.mapSize
	e.mu.RUnlock()
	if big {
		return nil
	}
	return e.growMap(sizeBytes)
}

// Close flushes, unmaps, and releases the lock file. Safe to call more
// than once.
func (e *Env) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	var firstErr error
	if e.data != nil {
		if err := e.data.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := e.data.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.f != nil {
		if err := e.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.lock != nil {
		if err := e.lock.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return kv.NewError(kv.KindIoError, "close persistent store", firstErr)
	}
	return nil
}
