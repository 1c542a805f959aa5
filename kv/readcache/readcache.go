// Package readcache implements the read-through cache (RTC): point reads
// are served from an in-memory cache once loaded, writes/erases apply to
// the lower layer first and then the cache is kept in sync. See
// SPEC_FULL.md §4.5.
package readcache

import (
	"sync"

	"github.com/ntp1chain/ntp1node/internal/ntplog"
	"github.com/ntp1chain/ntp1node/kv"
)

// readCacheEntry is either a populated value list or an explicit
// "confirmed absent" tombstone — distinguishing "never queried" (no entry
// in the map at all) from "queried and found nothing" is what lets
// Exists/Read be served from cache without re-querying lower.
type readCacheEntry struct {
	values [][]byte
	absent bool
}

type RTC struct {
	mu    sync.RWMutex
	lower kv.IDB
	log   *ntplog.Logger

	cache map[kv.Index]map[string]readCacheEntry

	inTx    bool
	touched map[kv.Index]map[string]struct{} // keys updated since Begin, for Abort invalidation
}

var _ kv.IDB = (*RTC)(nil)

func New(lower kv.IDB, log *ntplog.Logger) *RTC {
	if log == nil {
		log = ntplog.Nop()
	}
	return &RTC{lower: lower, log: log, cache: make(map[kv.Index]map[string]readCacheEntry)}
}

func (r *RTC) indexCache(idx kv.Index) map[string]readCacheEntry {
	m := r.cache[idx]
	if m == nil {
		m = make(map[string]readCacheEntry)
		r.cache[idx] = m
	}
	return m
}

func (r *RTC) markTouched(idx kv.Index, key string) {
	if !r.inTx {
		return
	}
	if r.touched[idx] == nil {
		r.touched[idx] = make(map[string]struct{})
	}
	r.touched[idx][key] = struct{}{}
}

// loadAndCache queries lower and populates the cache entry (or tombstone)
// for key, returning the current value list.
func (r *RTC) loadAndCache(idx kv.Index, key []byte) ([][]byte, bool, error) {
	vals, err := r.lower.ReadMultiple(idx, key)
	if err != nil {
		return nil, false, err
	}
	ks := string(key)
	if len(vals) == 0 {
		r.indexCache(idx)[ks] = readCacheEntry{absent: true}
		return nil, false, nil
	}
	r.indexCache(idx)[ks] = readCacheEntry{values: vals}
	return vals, true, nil
}

func (r *RTC) valuesFor(idx kv.Index, key []byte) ([][]byte, bool, error) {
	ks := string(key)
	if entry, ok := r.cache[idx][ks]; ok {
		if entry.absent {
			return nil, false, nil
		}
		return entry.values, true, nil
	}
	return r.loadAndCache(idx, key)
}

func (r *RTC) Read(idx kv.Index, key []byte, offset, size int) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !idx.Valid() {
		return nil, false, kv.ErrUnknownIndex
	}
	vals, found, err := r.valuesFor(idx, key)
	if err != nil || !found || len(vals) == 0 {
		return nil, found, err
	}
	return kv.SliceValue(vals[len(vals)-1], offset, size), true, nil
}

func (r *RTC) ReadMultiple(idx kv.Index, key []byte) ([][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !idx.Valid() {
		return nil, kv.ErrUnknownIndex
	}
	vals, _, err := r.valuesFor(idx, key)
	return vals, err
}

func (r *RTC) Exists(idx kv.Index, key []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !idx.Valid() {
		return false, kv.ErrUnknownIndex
	}
	_, found, err := r.valuesFor(idx, key)
	return found, err
}

// ReadAll/ReadAllUnique pass straight through: caching whole-index scans
// would need a separate "this index is fully cached" flag per index, which
// point-lookup caching doesn't need — a read-through cache earns its keep
// on repeated point reads, not table scans.
func (r *RTC) ReadAll(idx kv.Index) (map[string][][]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !idx.Valid() {
		return nil, kv.ErrUnknownIndex
	}
	return r.lower.ReadAll(idx)
}

func (r *RTC) ReadAllUnique(idx kv.Index) (map[string][]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !idx.Valid() {
		return nil, kv.ErrUnknownIndex
	}
	return r.lower.ReadAllUnique(idx)
}

func (r *RTC) Write(idx kv.Index, key, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := kv.ValidateWrite(idx, key, value); err != nil {
		return err
	}
	if err := r.lower.Write(idx, key, value); err != nil {
		return err
	}
	ks := string(key)
	m := r.indexCache(idx)
	if !kv.DuplicateKeysAllowed(idx) {
		m[ks] = readCacheEntry{values: [][]byte{value}}
		r.markTouched(idx, ks)
		return nil
	}
	if entry, ok := m[ks]; ok {
		if entry.absent {
			m[ks] = readCacheEntry{values: [][]byte{value}}
		} else {
			m[ks] = readCacheEntry{values: append(append([][]byte(nil), entry.values...), value)}
		}
		r.markTouched(idx, ks)
	}
	// Not cached: leave it that way rather than guess at the full value
	// sequence; the next read loads the true state from lower.
	return nil
}

func (r *RTC) Erase(idx kv.Index, key []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !idx.Valid() {
		return kv.ErrUnknownIndex
	}
	if err := r.lower.Erase(idx, key); err != nil {
		return err
	}
	ks := string(key)
	m := r.indexCache(idx)
	if entry, ok := m[ks]; ok && !entry.absent {
		if len(entry.values) <= 1 {
			m[ks] = readCacheEntry{absent: true}
		} else {
			m[ks] = readCacheEntry{values: entry.values[:len(entry.values)-1]}
		}
		r.markTouched(idx, ks)
	}
	return nil
}

func (r *RTC) EraseAll(idx kv.Index, key []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !idx.Valid() {
		return kv.ErrUnknownIndex
	}
	if err := r.lower.EraseAll(idx, key); err != nil {
		return err
	}
	ks := string(key)
	r.indexCache(idx)[ks] = readCacheEntry{absent: true}
	r.markTouched(idx, ks)
	return nil
}

func (r *RTC) invalidateTouchedLocked() {
	for idx, keys := range r.touched {
		m := r.cache[idx]
		for k := range keys {
			delete(m, k)
		}
	}
	r.touched = nil
}

func (r *RTC) BeginDBTransaction(hintSizeBytes int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.lower.BeginDBTransaction(hintSizeBytes); err != nil {
		return err
	}
	r.inTx = true
	r.touched = make(map[kv.Index]map[string]struct{})
	return nil
}

// CommitDBTransaction commits lower. If that fails, the cache entries
// optimistically updated since Begin can no longer be trusted (the
// transaction did not actually apply), so they're invalidated exactly as
// on Abort.
func (r *RTC) CommitDBTransaction() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.lower.CommitDBTransaction()
	if err != nil {
		r.invalidateTouchedLocked()
	} else {
		r.touched = nil
	}
	r.inTx = false
	return err
}

func (r *RTC) AbortDBTransaction() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.lower.AbortDBTransaction()
	r.invalidateTouchedLocked()
	r.inTx = false
	return err
}

// Flush has nothing of its own to drain; it passes straight through so a
// Flush call at the top of a stack still reaches a buffering layer below.
func (r *RTC) Flush(hintSizeBytes int64) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lower.Flush(hintSizeBytes)
}

func (r *RTC) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[kv.Index]map[string]readCacheEntry)
	r.lower.ClearCache()
}

// GetFlushCount is always 0: RTC never buffers, so it never flushes.
func (r *RTC) GetFlushCount() uint64 { return 0 }

func (r *RTC) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lower.Close()
}
