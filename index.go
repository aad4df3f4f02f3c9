package fastbu

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
)

// Metadata describes a stored entry. Timestamps are UTC.
type Metadata struct {
	CreatedAt time.Time
	UpdatedAt time.Time
	Size      int64
}

// indexRecord points a key at its backing record file.
type indexRecord struct {
	Path string
	Meta Metadata
}

// index is the in-memory key → location map. The critical section covers only
// map access; disk I/O happens outside it.
type index struct {
	mu    sync.RWMutex
	m     map[string]indexRecord
	dirty bool
	// gen counts mutations. save captures it with the snapshot and clears
	// dirty only if no mutation landed in between, so a write racing a
	// flush is never dropped from the next flush cycle.
	gen uint64
}

func newIndex() *index {
	return &index{m: make(map[string]indexRecord)}
}

func (ix *index) lookup(key string) (indexRecord, bool) {
	ix.mu.RLock()
	rec, ok := ix.m[key]
	ix.mu.RUnlock()
	return rec, ok
}

// install replaces the record for key and returns the superseded one, if any.
func (ix *index) install(key string, rec indexRecord) (prev indexRecord, had bool) {
	ix.mu.Lock()
	prev, had = ix.m[key]
	ix.m[key] = rec
	ix.markDirtyLocked()
	ix.mu.Unlock()
	return prev, had
}

func (ix *index) markDirtyLocked() {
	ix.dirty = true
	ix.gen++
}

func (ix *index) remove(key string) (indexRecord, bool) {
	ix.mu.Lock()
	rec, ok := ix.m[key]
	if ok {
		delete(ix.m, key)
		ix.markDirtyLocked()
	}
	ix.mu.Unlock()
	return rec, ok
}

// removeIfPath drops the entry for key only if it still points at path.
// Guards the consistency-fault cleanup against racing a concurrent Set that
// already installed a fresh record.
func (ix *index) removeIfPath(key, path string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	rec, ok := ix.m[key]
	if !ok || rec.Path != path {
		return false
	}
	delete(ix.m, key)
	ix.markDirtyLocked()
	return true
}

func (ix *index) len() int {
	ix.mu.RLock()
	n := len(ix.m)
	ix.mu.RUnlock()
	return n
}

// snapshot returns a copy of the map for lock-free iteration.
func (ix *index) snapshot() map[string]indexRecord {
	ix.mu.RLock()
	out := make(map[string]indexRecord, len(ix.m))
	for k, v := range ix.m {
		out[k] = v
	}
	ix.mu.RUnlock()
	return out
}

// snapshotEntry is the persisted form of one index record.
type snapshotEntry struct {
	Key       string `cbor:"k"`
	Path      string `cbor:"p"`
	CreatedAt int64  `cbor:"c"`
	UpdatedAt int64  `cbor:"u"`
	Size      int64  `cbor:"s"`
}

// save writes the index snapshot to dir atomically. The dirty flag is
// cleared only when no mutation landed after the snapshot copy; otherwise
// the next flush cycle picks the late write up.
func (ix *index) save(dir string) error {
	ix.mu.RLock()
	gen := ix.gen
	entries := make([]snapshotEntry, 0, len(ix.m))
	for k, rec := range ix.m {
		entries = append(entries, snapshotEntry{
			Key:       k,
			Path:      rec.Path,
			CreatedAt: rec.Meta.CreatedAt.UnixNano(),
			UpdatedAt: rec.Meta.UpdatedAt.UnixNano(),
			Size:      rec.Meta.Size,
		})
	}
	ix.mu.RUnlock()

	raw, err := cbor.Marshal(entries)
	if err != nil {
		return err
	}

	final := filepath.Join(dir, indexFile)
	tmp := final + tmpSuffix
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return err
	}

	ix.clearDirtyIf(gen)
	return nil
}

func (ix *index) clearDirtyIf(gen uint64) {
	ix.mu.Lock()
	if ix.gen == gen {
		ix.dirty = false
	}
	ix.mu.Unlock()
}

// load replaces the map with the snapshot stored in dir. A missing snapshot
// is not an error; the caller falls back to a directory scan.
func (ix *index) load(dir string) (bool, error) {
	raw, err := os.ReadFile(filepath.Join(dir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	var entries []snapshotEntry
	if err := cbor.Unmarshal(raw, &entries); err != nil {
		return false, err
	}

	m := make(map[string]indexRecord, len(entries))
	for _, e := range entries {
		m[e.Key] = indexRecord{
			Path: e.Path,
			Meta: Metadata{
				CreatedAt: time.Unix(0, e.CreatedAt).UTC(),
				UpdatedAt: time.Unix(0, e.UpdatedAt).UTC(),
				Size:      e.Size,
			},
		}
	}

	ix.mu.Lock()
	ix.m = m
	ix.dirty = false
	ix.mu.Unlock()
	return true, nil
}

func (ix *index) isDirty() bool {
	ix.mu.RLock()
	d := ix.dirty
	ix.mu.RUnlock()
	return d
}
