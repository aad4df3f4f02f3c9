package fastbu

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestCache(t *testing.T, dir string) *Cache {
	t.Helper()
	c, err := Open(Config{Dir: dir, FlushInterval: 0})
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	return c
}

func TestCacheSetGetDelete(t *testing.T) {
	c := openTestCache(t, t.TempDir())
	defer c.Close()

	if err := c.Set("alpha", []byte("one")); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, err := c.Get("alpha")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(v, []byte("one")) {
		t.Fatalf("got %q, want %q", v, "one")
	}

	if _, err := c.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := c.Delete("alpha"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := c.Get("alpha"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	// Deleting an absent key is a no-op.
	if err := c.Delete("alpha"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestCacheOverwrite(t *testing.T) {
	c := openTestCache(t, t.TempDir())
	defer c.Close()

	if err := c.Set("k", []byte("v1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	m1, ok := c.Stat("k")
	if !ok {
		t.Fatal("expected metadata after set")
	}

	time.Sleep(5 * time.Millisecond)
	if err := c.Set("k", []byte("v2")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	v, err := c.Get("k")
	if err != nil || !bytes.Equal(v, []byte("v2")) {
		t.Fatalf("got %q/%v, want v2", v, err)
	}

	m2, ok := c.Stat("k")
	if !ok {
		t.Fatal("expected metadata after overwrite")
	}
	if !m2.CreatedAt.Equal(m1.CreatedAt) {
		t.Fatalf("created_at changed on overwrite: %v -> %v", m1.CreatedAt, m2.CreatedAt)
	}
	if !m2.UpdatedAt.After(m1.UpdatedAt) {
		t.Fatalf("updated_at not advanced: %v -> %v", m1.UpdatedAt, m2.UpdatedAt)
	}

	// The superseded record file must be reclaimed: one key, one file.
	files, err := c.store.listFiles()
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 record file after overwrite, got %d: %v", len(files), files)
	}
}

func TestCachePersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	c := openTestCache(t, dir)
	if err := c.Set("persisted", []byte("survives")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	c2 := openTestCache(t, dir)
	defer c2.Close()
	v, err := c2.Get("persisted")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if !bytes.Equal(v, []byte("survives")) {
		t.Fatalf("got %q after reopen", v)
	}
}

func TestCacheRebuildWithoutSnapshot(t *testing.T) {
	dir := t.TempDir()

	c := openTestCache(t, dir)
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("key-%d", i)
		if err := c.Set(key, []byte(key)); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Losing the snapshot must not lose data: the scan rebuilds the index
	// from the record envelopes.
	if err := os.Remove(filepath.Join(dir, indexFile)); err != nil {
		t.Fatalf("remove snapshot: %v", err)
	}

	c2 := openTestCache(t, dir)
	defer c2.Close()
	if c2.Len() != 5 {
		t.Fatalf("expected 5 entries after rebuild, got %d", c2.Len())
	}
	v, err := c2.Get("key-3")
	if err != nil || !bytes.Equal(v, []byte("key-3")) {
		t.Fatalf("get key-3 after rebuild: %q/%v", v, err)
	}
}

func TestCacheGetDuringOverwrite(t *testing.T) {
	c := openTestCache(t, t.TempDir())
	defer c.Close()

	if err := c.Set("hot", []byte("v0")); err != nil {
		t.Fatalf("set: %v", err)
	}

	// A Get can look up an entry, lose the backing file to the overwrite's
	// reclaim, and must then retry against the fresh record instead of
	// reporting the key absent.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 300; i++ {
			if err := c.Set("hot", []byte(fmt.Sprintf("v%d", i))); err != nil {
				t.Errorf("overwrite %d: %v", i, err)
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		default:
		}
		v, err := c.Get("hot")
		if err != nil {
			t.Fatalf("get during overwrite: %v", err)
		}
		if len(v) == 0 {
			t.Fatal("got empty value for a key that always has one")
		}
	}
}

func TestCacheReopenAfterCrashKeepsAcknowledgedWrites(t *testing.T) {
	dir := t.TempDir()

	c := openTestCache(t, dir)
	if err := c.Set("a", []byte("1")); err != nil {
		t.Fatalf("set a: %v", err)
	}
	if err := c.idx.save(dir); err != nil {
		t.Fatalf("flush snapshot: %v", err)
	}

	// Writes after the flush are acknowledged and durably on disk, but the
	// snapshot does not know them.
	if err := c.Set("b", []byte("2")); err != nil {
		t.Fatalf("set b: %v", err)
	}
	if err := c.Set("a", []byte("1v2")); err != nil {
		t.Fatalf("overwrite a: %v", err)
	}
	// No Close: the process dies with the stale snapshot on disk.

	c2 := openTestCache(t, dir)
	defer c2.Close()

	v, err := c2.Get("b")
	if err != nil || !bytes.Equal(v, []byte("2")) {
		t.Fatalf("acknowledged write lost across crash-restart: %q/%v", v, err)
	}
	v, err = c2.Get("a")
	if err != nil || !bytes.Equal(v, []byte("1v2")) {
		t.Fatalf("newest generation of a not recovered: %q/%v", v, err)
	}
	if c2.Len() != 2 {
		t.Fatalf("expected 2 entries after reconcile, got %d", c2.Len())
	}
}

func TestCacheReconcileSkipsStaleGeneration(t *testing.T) {
	dir := t.TempDir()

	c := openTestCache(t, dir)
	if err := c.Set("k", []byte("new")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// An older generation left behind by a failed reclaim must not displace
	// the snapshot's newer claim; it stays unclaimed for Verify.
	s, err := openDiskStore(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	old := time.Now().Add(-time.Hour).UTC().UnixNano()
	if _, _, err := s.writeRecord(&record{Key: "k", Value: []byte("old"), CreatedAt: old, UpdatedAt: old}); err != nil {
		t.Fatalf("plant stale generation: %v", err)
	}

	c2 := openTestCache(t, dir)
	defer c2.Close()

	v, err := c2.Get("k")
	if err != nil || !bytes.Equal(v, []byte("new")) {
		t.Fatalf("stale generation won reconcile: %q/%v", v, err)
	}
	rep, err := c2.Verify()
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rep.Orphans != 1 {
		t.Fatalf("expected the stale generation as 1 orphan, got %d (%v)", rep.Orphans, rep.OrphanFiles)
	}
}

func TestCacheConsistencyFault(t *testing.T) {
	c := openTestCache(t, t.TempDir())
	defer c.Close()

	if err := c.Set("fragile", []byte("data")); err != nil {
		t.Fatalf("set: %v", err)
	}

	// Simulate silent corruption: yank the backing record out from under the
	// index.
	rec, ok := c.idx.lookup("fragile")
	if !ok {
		t.Fatal("expected index entry")
	}
	if err := os.Remove(filepath.Join(c.cfg.Dir, rec.Path)); err != nil {
		t.Fatalf("remove backing record: %v", err)
	}

	if _, err := c.Get("fragile"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on consistency fault, got %v", err)
	}
	// The mismatched entry must be gone, not retried forever.
	if _, ok := c.idx.lookup("fragile"); ok {
		t.Fatal("expected index entry to be dropped after fault")
	}
}

func TestCacheVerifyOrphan(t *testing.T) {
	c := openTestCache(t, t.TempDir())
	defer c.Close()

	if err := c.Set("tracked", []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}

	// Plant a record file no index entry claims.
	now := time.Now().UTC().UnixNano()
	if _, _, err := c.store.writeRecord(&record{Key: "stray", Value: []byte("x"), CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("write orphan: %v", err)
	}

	rep, err := c.Verify()
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rep.Orphans != 1 {
		t.Fatalf("expected exactly 1 orphan, got %d (%v)", rep.Orphans, rep.OrphanFiles)
	}
	if rep.MissingBacking != 0 {
		t.Fatalf("expected 0 missing-backing entries, got %d", rep.MissingBacking)
	}
	if rep.Entries != 1 {
		t.Fatalf("expected 1 index entry, got %d", rep.Entries)
	}

	// Verify reports; it must not have repaired anything.
	files, _ := c.store.listFiles()
	if len(files) != 2 {
		t.Fatalf("verify must not delete files, have %d", len(files))
	}
}

func TestCacheVerifyMissingBacking(t *testing.T) {
	c := openTestCache(t, t.TempDir())
	defer c.Close()

	if err := c.Set("a", []byte("1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := c.Set("b", []byte("2")); err != nil {
		t.Fatalf("set: %v", err)
	}

	rec, _ := c.idx.lookup("a")
	if err := os.Remove(filepath.Join(c.cfg.Dir, rec.Path)); err != nil {
		t.Fatalf("remove backing: %v", err)
	}

	rep, err := c.Verify()
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rep.MissingBacking != 1 || len(rep.MissingKeys) != 1 || rep.MissingKeys[0] != "a" {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if rep.Orphans != 0 {
		t.Fatalf("expected 0 orphans, got %d", rep.Orphans)
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := openTestCache(t, t.TempDir())
	defer c.Close()

	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := fmt.Sprintf("w%d-k%d", w, i)
				if err := c.Set(key, []byte(key)); err != nil {
					t.Errorf("set %s: %v", key, err)
					return
				}
				v, err := c.Get(key)
				if err != nil || !bytes.Equal(v, []byte(key)) {
					t.Errorf("get %s: %q/%v", key, v, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	if c.Len() != workers*perWorker {
		t.Fatalf("expected %d entries, got %d", workers*perWorker, c.Len())
	}
}

func TestCacheClosed(t *testing.T) {
	c := openTestCache(t, t.TempDir())
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if err := c.Set("k", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Set, got %v", err)
	}
	if _, err := c.Get("k"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Get, got %v", err)
	}
}
