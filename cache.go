package fastbu

import (
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultDir           = "cache_storage"
	defaultFlushInterval = 5 * time.Second
)

// Config groups storage location and index persistence options.
type Config struct {
	// Dir is the storage directory holding record files and the index
	// snapshot. Created if absent.
	Dir string

	// FlushInterval is how often a dirty index snapshot is written back to
	// disk. Zero disables the background flusher; the snapshot is still
	// written on Close.
	FlushInterval time.Duration
}

// DefaultConfig returns the defaults used by the standalone server.
func DefaultConfig() Config {
	return Config{
		Dir:           defaultDir,
		FlushInterval: defaultFlushInterval,
	}
}

// ConsistencyReport is the outcome of a Verify pass. It reports counts and
// file names; it never repairs anything on its own.
type ConsistencyReport struct {
	Entries        int      `json:"entries"`
	MissingBacking int      `json:"missing_backing"`
	Orphans        int      `json:"orphans"`
	OrphanFiles    []string `json:"orphan_files,omitempty"`
	MissingKeys    []string `json:"missing_keys,omitempty"`
}

// Cache is the disk-backed cache engine: an in-memory index over append-style
// record files. An index entry exists only for a fully written on-disk record
// (write-then-index ordering); readers never observe a half-written value.
type Cache struct {
	cfg   Config
	store *diskStore
	idx   *index

	closed    int32
	closeCh   chan struct{}
	closeOnce sync.Once
	flushDone chan struct{}
}

// Open initializes the storage directory, loads the index snapshot when one
// exists, and reconciles it against the record files on disk. Without a
// snapshot the index is rebuilt from a full directory scan.
func Open(cfg Config) (*Cache, error) {
	if cfg.Dir == "" {
		cfg.Dir = defaultDir
	}

	store, err := openDiskStore(cfg.Dir)
	if err != nil {
		return nil, newStorageError("open", "", err)
	}

	c := &Cache{
		cfg:       cfg,
		store:     store,
		idx:       newIndex(),
		closeCh:   make(chan struct{}),
		flushDone: make(chan struct{}),
	}

	loaded, err := c.idx.load(cfg.Dir)
	if err != nil {
		// A corrupt snapshot is recoverable: the records carry everything
		// needed to rebuild.
		log.Printf("[warn] cache: unreadable index snapshot, rebuilding from scan: %v", err)
		loaded = false
	}

	if loaded {
		if err := c.reconcileSnapshot(); err != nil {
			return nil, newStorageError("open", "", err)
		}
	} else if err := c.rebuildFromScan(); err != nil {
		return nil, newStorageError("open", "", err)
	}

	if cfg.FlushInterval > 0 {
		go c.flushLoop()
	} else {
		close(c.flushDone)
	}
	return c, nil
}

// reconcileSnapshot squares a loaded snapshot with the storage directory.
// Entries whose record file disappeared are dropped. Record files the
// snapshot does not know about were durably written and acknowledged before
// the crash, so they are adopted when they are the newest generation of
// their key; a file that lost a generation race stays unclaimed for Verify
// to report.
func (c *Cache) reconcileSnapshot() error {
	entries, bad, err := c.store.scan()
	if err != nil {
		return err
	}
	for _, name := range bad {
		log.Printf("[warn] cache: skipping unreadable record file %s", name)
	}

	exists := make(map[string]struct{}, len(entries)+len(bad))
	for _, e := range entries {
		exists[e.name] = struct{}{}
	}
	for _, name := range bad {
		exists[name] = struct{}{}
	}
	for key, rec := range c.idx.snapshot() {
		if _, ok := exists[rec.Path]; !ok {
			c.idx.removeIfPath(key, rec.Path)
			log.Printf("[warn] cache: dropped index entry %q, backing record missing", key)
		}
	}

	claimed := make(map[string]struct{}, c.idx.len())
	for _, rec := range c.idx.snapshot() {
		claimed[rec.Path] = struct{}{}
	}

	// Oldest first so the newest unclaimed generation ends up installed.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].rec.UpdatedAt < entries[j].rec.UpdatedAt
	})
	for _, e := range entries {
		if _, ok := claimed[e.name]; ok {
			continue
		}
		if cur, ok := c.idx.lookup(e.rec.Key); ok && cur.Meta.UpdatedAt.UnixNano() >= e.rec.UpdatedAt {
			continue
		}
		c.idx.install(e.rec.Key, indexRecord{
			Path: e.name,
			Meta: Metadata{
				CreatedAt: time.Unix(0, e.rec.CreatedAt).UTC(),
				UpdatedAt: time.Unix(0, e.rec.UpdatedAt).UTC(),
				Size:      e.size,
			},
		})
		log.Printf("[warn] cache: adopted record %s for %q missing from the index snapshot", e.name, e.rec.Key)
	}
	return nil
}

// rebuildFromScan reconstructs the index from record envelopes. When multiple
// generations of a key survive a crash, the newest wins and older files are
// left for Verify to report.
func (c *Cache) rebuildFromScan() error {
	entries, bad, err := c.store.scan()
	if err != nil {
		return err
	}
	for _, name := range bad {
		log.Printf("[warn] cache: skipping unreadable record file %s", name)
	}

	// Oldest first so the newest generation ends up installed.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].rec.UpdatedAt < entries[j].rec.UpdatedAt
	})
	for _, e := range entries {
		c.idx.install(e.rec.Key, indexRecord{
			Path: e.name,
			Meta: Metadata{
				CreatedAt: time.Unix(0, e.rec.CreatedAt).UTC(),
				UpdatedAt: time.Unix(0, e.rec.UpdatedAt).UTC(),
				Size:      e.size,
			},
		})
	}
	return nil
}

// Set durably writes value to a fresh record file, then atomically installs
// the index entry. The superseded record is reclaimed only after the swap, so
// concurrent readers of the old entry never see invalidated bytes dangling
// from the index.
func (c *Cache) Set(key string, value []byte) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrClosed
	}

	now := time.Now().UTC()
	created := now
	if prev, ok := c.idx.lookup(key); ok {
		created = prev.Meta.CreatedAt
	}

	rec := &record{
		Key:       key,
		Value:     value,
		CreatedAt: created.UnixNano(),
		UpdatedAt: now.UnixNano(),
	}
	name, size, err := c.store.writeRecord(rec)
	if err != nil {
		return newStorageError("set", key, err)
	}

	prev, had := c.idx.install(key, indexRecord{
		Path: name,
		Meta: Metadata{CreatedAt: created, UpdatedAt: now, Size: size},
	})
	if had && prev.Path != name {
		if err := c.store.remove(prev.Path); err != nil {
			log.Printf("[warn] cache: reclaim of %s failed: %v", prev.Path, err)
		}
	}
	return nil
}

// Get reads the value backing key. A read can race an overwriting Set: the
// looked-up record may be reclaimed after the index swap, so a failed read
// retries against the fresh entry. Only when the entry still points at the
// dead path is it a consistency fault; the stale entry is dropped and the
// key reported absent rather than failing the caller.
func (c *Cache) Get(key string) ([]byte, error) {
	if atomic.LoadInt32(&c.closed) == 1 {
		return nil, ErrClosed
	}

	for {
		ixRec, ok := c.idx.lookup(key)
		if !ok {
			return nil, ErrNotFound
		}

		rec, err := c.store.readRecord(ixRec.Path)
		if err == nil {
			return rec.Value, nil
		}
		if c.idx.removeIfPath(key, ixRec.Path) {
			log.Printf("[warn] cache: consistency fault on %q (%s): %v", key, ixRec.Path, err)
			return nil, ErrNotFound
		}
		// The entry moved while we read: a concurrent Set installed a new
		// record and reclaimed this one, or a Delete removed the key. The
		// next lookup sees the current state.
	}
}

// Delete removes the index entry first, making the deletion immediately
// visible, then reclaims the backing record best-effort.
func (c *Cache) Delete(key string) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrClosed
	}

	rec, ok := c.idx.remove(key)
	if !ok {
		return nil
	}
	if err := c.store.remove(rec.Path); err != nil {
		log.Printf("[warn] cache: reclaim of %s failed: %v", rec.Path, err)
	}
	return nil
}

// Stat returns the metadata recorded for key.
func (c *Cache) Stat(key string) (Metadata, bool) {
	rec, ok := c.idx.lookup(key)
	if !ok {
		return Metadata{}, false
	}
	return rec.Meta, true
}

// Len returns the number of indexed keys.
func (c *Cache) Len() int {
	return c.idx.len()
}

// Verify cross-checks the index against the storage directory: every entry
// must have a readable backing record, and every record file must be claimed
// by an entry. Findings are reported, not repaired.
func (c *Cache) Verify() (ConsistencyReport, error) {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ConsistencyReport{}, ErrClosed
	}

	snap := c.idx.snapshot()
	rep := ConsistencyReport{Entries: len(snap)}

	claimed := make(map[string]struct{}, len(snap))
	for key, rec := range snap {
		claimed[rec.Path] = struct{}{}
		if _, err := c.store.readRecord(rec.Path); err != nil {
			rep.MissingBacking++
			rep.MissingKeys = append(rep.MissingKeys, key)
		}
	}

	files, err := c.store.listFiles()
	if err != nil {
		return rep, newStorageError("verify", "", err)
	}
	for _, f := range files {
		if _, ok := claimed[f]; !ok {
			rep.Orphans++
			rep.OrphanFiles = append(rep.OrphanFiles, f)
		}
	}

	sort.Strings(rep.OrphanFiles)
	sort.Strings(rep.MissingKeys)
	return rep, nil
}

// flushLoop writes the index snapshot back whenever it is dirty.
func (c *Cache) flushLoop() {
	defer close(c.flushDone)
	t := time.NewTicker(c.cfg.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if c.idx.isDirty() {
				if err := c.idx.save(c.cfg.Dir); err != nil {
					log.Printf("[warn] cache: index flush failed: %v", err)
				}
			}
		case <-c.closeCh:
			return
		}
	}
}

// Close stops the flusher and writes a final index snapshot. It is
// idempotent; operations after Close return ErrClosed.
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.closed, 1)
		close(c.closeCh)
		<-c.flushDone
		err = c.idx.save(c.cfg.Dir)
	})
	return err
}
