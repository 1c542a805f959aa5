// Package lrucache implements the generic, entry-count-bounded LRU
// variant of the caching stack: it can sit over the persistent backend,
// the oracle backend, or either of the other two cache layers. See
// SPEC_FULL.md §4.6.
package lrucache

import (
	"sync"

	simplelru "github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/ntp1chain/ntp1node/internal/ntplog"
	"github.com/ntp1chain/ntp1node/kv"
)

type cacheKey struct {
	idx kv.Index
	key string
}

// cacheEntry holds the full, authoritative current value list for a key —
// nil means "confirmed absent" — plus whether lower's own copy still
// matches it. An entry only ever leaves the cache clean (matching lower)
// or gets flushed to lower the moment it's evicted or the cache is
// explicitly flushed.
type cacheEntry struct {
	values [][]byte
	dirty  bool
}

type evicted struct {
	key   cacheKey
	entry *cacheEntry
}

// LRU wraps any kv.IDB (persistent backend, oracle backend, RTC, or WTC)
// with an LRU-ordered, entry-count-bounded cache. maxEntries == 0 disables
// eviction entirely — every entry stays cached until Flush/Close, the same
// as the unbounded caches.
type LRU[L kv.IDB] struct {
	mu    sync.Mutex
	lower L
	log   *ntplog.Logger

	maxEntries int
	order      *simplelru.LRU[cacheKey, *cacheEntry] // non-nil iff maxEntries > 0
	unbounded  map[cacheKey]*cacheEntry               // used iff maxEntries == 0

	pendingEvictions []evicted

	inTx       bool
	implicitTx bool // inTx was opened automatically by a bare Write/Erase/EraseAll, not an explicit BeginDBTransaction
	preImages  map[cacheKey]*cacheEntry // nil value means "key was absent from the cache before Begin"

	flushCount uint64
	closed     bool
}

func New[L kv.IDB](lower L, maxEntries int, log *ntplog.Logger) *LRU[L] {
	if log == nil {
		log = ntplog.Nop()
	}
	l := &LRU[L]{lower: lower, maxEntries: maxEntries, log: log}
	if maxEntries > 0 {
		c, err := simplelru.NewLRU[cacheKey, *cacheEntry](maxEntries, func(k cacheKey, v *cacheEntry) {
			l.pendingEvictions = append(l.pendingEvictions, evicted{k, v})
		})
		if err != nil {
			// maxEntries > 0 was just checked, so simplelru.NewLRU cannot
			// actually fail here; this guards against a future constraint
			// change in that library.
			panic(err)
		}
		l.order = c
	} else {
		l.unbounded = make(map[cacheKey]*cacheEntry)
	}
	return l
}

func (l *LRU[L]) get(k cacheKey) (*cacheEntry, bool) {
	if l.order != nil {
		return l.order.Get(k)
	}
	v, ok := l.unbounded[k]
	return v, ok
}

func (l *LRU[L]) rawSet(k cacheKey, e *cacheEntry) {
	if l.order != nil {
		l.order.Add(k, e)
		return
	}
	l.unbounded[k] = e
}

// set installs e for k and, if this pushed an older entry out of the LRU
// window, flushes every evicted dirty entry to lower before returning.
func (l *LRU[L]) set(k cacheKey, e *cacheEntry) error {
	l.rawSet(k, e)
	return l.drainEvictions()
}

func (l *LRU[L]) remove(k cacheKey) {
	if l.order != nil {
		l.order.Remove(k)
		return
	}
	delete(l.unbounded, k)
}

func (l *LRU[L]) allEntries() []evicted {
	var out []evicted
	if l.order != nil {
		for _, k := range l.order.Keys() {
			if v, ok := l.order.Peek(k); ok {
				out = append(out, evicted{k, v})
			}
		}
		return out
	}
	for k, v := range l.unbounded {
		out = append(out, evicted{k, v})
	}
	return out
}

func (l *LRU[L]) collectDirty() []evicted {
	var dirty []evicted
	for _, e := range l.allEntries() {
		if e.entry.dirty {
			dirty = append(dirty, e)
		}
	}
	return dirty
}

func (l *LRU[L]) drainEvictions() error {
	if len(l.pendingEvictions) == 0 {
		return nil
	}
	pending := l.pendingEvictions
	l.pendingEvictions = nil
	var dirty []evicted
	for _, e := range pending {
		if e.entry.dirty {
			dirty = append(dirty, e)
		}
	}
	if len(dirty) == 0 {
		return nil
	}
	return l.flushEntries(dirty)
}

func (l *LRU[L]) flushOneDirty(key cacheKey, entry *cacheEntry) error {
	if err := l.lower.EraseAll(key.idx, []byte(key.key)); err != nil {
		return err
	}
	for _, v := range entry.values {
		if err := l.lower.Write(key.idx, []byte(key.key), v); err != nil {
			return err
		}
	}
	return nil
}

// flushEntries pushes every entry to lower. If a write transaction is
// already open on lower (because an outer LRU transaction is in
// progress), it piggybacks on that transaction rather than opening a
// second one, which lower would reject as already-open.
func (l *LRU[L]) flushEntries(entries []evicted) error {
	openedOwn := false
	if !l.inTx {
		if err := l.lower.BeginDBTransaction(0); err != nil {
			return err
		}
		openedOwn = true
	}
	for _, e := range entries {
		if err := l.flushOneDirty(e.key, e.entry); err != nil {
			if openedOwn {
				_ = l.lower.AbortDBTransaction()
			}
			return err
		}
		e.entry.dirty = false
	}
	if openedOwn {
		if err := l.lower.CommitDBTransaction(); err != nil {
			return err
		}
	}
	l.flushCount++
	return nil
}

func (l *LRU[L]) valuesFor(idx kv.Index, key []byte) ([][]byte, bool, error) {
	k := cacheKey{idx, string(key)}
	if entry, ok := l.get(k); ok {
		return entry.values, entry.values != nil, nil
	}
	vals, err := l.lower.ReadMultiple(idx, key)
	if err != nil {
		return nil, false, err
	}
	var stored [][]byte
	if len(vals) > 0 {
		stored = vals
	}
	if err := l.set(k, &cacheEntry{values: stored}); err != nil {
		return nil, false, err
	}
	return stored, len(stored) > 0, nil
}

func (l *LRU[L]) Read(idx kv.Index, key []byte, offset, size int) ([]byte, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !idx.Valid() {
		return nil, false, kv.ErrUnknownIndex
	}
	vals, found, err := l.valuesFor(idx, key)
	if err != nil || !found || len(vals) == 0 {
		return nil, found, err
	}
	return kv.SliceValue(vals[len(vals)-1], offset, size), true, nil
}

func (l *LRU[L]) ReadMultiple(idx kv.Index, key []byte) ([][]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !idx.Valid() {
		return nil, kv.ErrUnknownIndex
	}
	vals, _, err := l.valuesFor(idx, key)
	return vals, err
}

func (l *LRU[L]) Exists(idx kv.Index, key []byte) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !idx.Valid() {
		return false, kv.ErrUnknownIndex
	}
	_, found, err := l.valuesFor(idx, key)
	return found, err
}

// ReadAll/ReadAllUnique pass straight through uncached, for the same
// reason kv/readcache does: this layer earns its keep on repeated point
// lookups bounded by maxEntries, not on whole-index scans.
func (l *LRU[L]) ReadAll(idx kv.Index) (map[string][][]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !idx.Valid() {
		return nil, kv.ErrUnknownIndex
	}
	return l.lower.ReadAll(idx)
}

func (l *LRU[L]) ReadAllUnique(idx kv.Index) (map[string][]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !idx.Valid() {
		return nil, kv.ErrUnknownIndex
	}
	return l.lower.ReadAllUnique(idx)
}

// ensureTx opens a transaction on lower automatically if a bare
// Write/Erase/EraseAll arrives with no transaction already open. spec.md
// §4.1 documents Close as committing "any implicit batch" accumulated this
// way, so callers may mutate the store without ever calling
// BeginDBTransaction themselves.
func (l *LRU[L]) ensureTx() error {
	if l.inTx {
		return nil
	}
	if err := l.lower.BeginDBTransaction(0); err != nil {
		return err
	}
	l.inTx = true
	l.implicitTx = true
	l.preImages = make(map[cacheKey]*cacheEntry)
	return nil
}

func (l *LRU[L]) touchPreImage(k cacheKey) {
	if !l.inTx {
		return
	}
	if _, already := l.preImages[k]; already {
		return
	}
	entry, ok := l.get(k)
	if ok {
		l.preImages[k] = entry
	} else {
		l.preImages[k] = nil
	}
}

func (l *LRU[L]) Write(idx kv.Index, key, value []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := kv.ValidateWrite(idx, key, value); err != nil {
		return err
	}
	if err := l.ensureTx(); err != nil {
		return err
	}
	k := cacheKey{idx, string(key)}
	l.touchPreImage(k)

	var newValues [][]byte
	if kv.DuplicateKeysAllowed(idx) {
		if entry, ok := l.get(k); ok {
			newValues = append(append([][]byte(nil), entry.values...), value)
		} else {
			cur, err := l.lower.ReadMultiple(idx, key)
			if err != nil {
				return err
			}
			newValues = append(append([][]byte(nil), cur...), value)
		}
	} else {
		newValues = [][]byte{value}
	}
	return l.set(k, &cacheEntry{values: newValues, dirty: true})
}

func (l *LRU[L]) Erase(idx kv.Index, key []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !idx.Valid() {
		return kv.ErrUnknownIndex
	}
	if err := l.ensureTx(); err != nil {
		return err
	}
	k := cacheKey{idx, string(key)}
	l.touchPreImage(k)

	var existing [][]byte
	if entry, ok := l.get(k); ok {
		existing = entry.values
	} else {
		cur, err := l.lower.ReadMultiple(idx, key)
		if err != nil {
			return err
		}
		existing = cur
	}
	var newValues [][]byte
	if len(existing) > 1 {
		newValues = existing[:len(existing)-1]
	}
	return l.set(k, &cacheEntry{values: newValues, dirty: true})
}

func (l *LRU[L]) EraseAll(idx kv.Index, key []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !idx.Valid() {
		return kv.ErrUnknownIndex
	}
	if err := l.ensureTx(); err != nil {
		return err
	}
	k := cacheKey{idx, string(key)}
	l.touchPreImage(k)
	return l.set(k, &cacheEntry{dirty: true})
}

func (l *LRU[L]) BeginDBTransaction(hintSizeBytes int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inTx {
		return kv.ErrTxAlreadyOpen
	}
	if err := l.lower.BeginDBTransaction(hintSizeBytes); err != nil {
		return err
	}
	l.inTx = true
	l.implicitTx = false
	l.preImages = make(map[cacheKey]*cacheEntry)
	return nil
}

func (l *LRU[L]) CommitDBTransaction() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.inTx {
		return kv.ErrNoTx
	}
	if err := l.lower.CommitDBTransaction(); err != nil {
		l.restorePreImagesLocked()
		l.inTx = false
		l.implicitTx = false
		l.preImages = nil
		return err
	}
	l.inTx = false
	l.implicitTx = false
	l.preImages = nil
	return nil
}

func (l *LRU[L]) restorePreImagesLocked() {
	for k, pre := range l.preImages {
		if pre == nil {
			// Removing fires the eviction callback for the entry being
			// rolled back; drop that queued eviction so it is never flushed.
			n := len(l.pendingEvictions)
			l.remove(k)
			l.pendingEvictions = l.pendingEvictions[:n]
		} else {
			l.rawSet(k, pre)
		}
	}
}

func (l *LRU[L]) AbortDBTransaction() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.inTx {
		return kv.ErrNoTx
	}
	err := l.lower.AbortDBTransaction()
	l.restorePreImagesLocked()
	l.inTx = false
	l.implicitTx = false
	l.preImages = nil
	return err
}

// Flush pushes every still-dirty cache entry down to lower right now,
// rather than waiting for LRU eviction pressure to force it.
func (l *LRU[L]) Flush(hintSizeBytes int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	dirty := l.collectDirty()
	if len(dirty) == 0 {
		return true, nil
	}
	if err := l.flushEntries(dirty); err != nil {
		return false, err
	}
	return true, nil
}

// ClearCache flushes dirty entries to lower first (they are this layer's
// only copy of writes the caller already considers committed), then drops
// every cached entry and recurses into lower.
func (l *LRU[L]) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if dirty := l.collectDirty(); len(dirty) > 0 {
		if err := l.flushEntries(dirty); err != nil {
			l.log.Error("failed flushing dirty entries during ClearCache", "err", err)
		}
	}
	if l.order != nil {
		l.order.Purge()
	} else {
		l.unbounded = make(map[cacheKey]*cacheEntry)
	}
	l.lower.ClearCache()
}

func (l *LRU[L]) GetFlushCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushCount
}

// Close commits any implicit batch left open by bare writes (spec.md §4.1),
// the same as kv_interface.go's doc comment for Close promises. An explicit
// transaction the caller opened and never committed or aborted is instead
// treated as aborted on destruction, per spec.md §5.
func (l *LRU[L]) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	if l.inTx {
		if l.implicitTx {
			if err := l.lower.CommitDBTransaction(); err != nil {
				l.mu.Unlock()
				return err
			}
		} else if err := l.lower.AbortDBTransaction(); err != nil {
			l.mu.Unlock()
			return err
		} else {
			l.restorePreImagesLocked()
		}
		l.inTx = false
		l.implicitTx = false
		l.preImages = nil
	}
	if dirty := l.collectDirty(); len(dirty) > 0 {
		if err := l.flushEntries(dirty); err != nil {
			l.mu.Unlock()
			return err
		}
	}
	l.closed = true
	l.mu.Unlock()
	return l.lower.Close()
}
