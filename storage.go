package fastbu

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	cbor "github.com/fxamacker/cbor/v2"
)

const (
	recordSuffix = ".cache"
	tmpSuffix    = ".tmp"
	indexFile    = "cache_index.bin"
)

// record is the on-disk envelope for a single cache entry. The key and
// timestamps travel with the value so the index can be rebuilt from a
// directory scan alone.
type record struct {
	Key       string `cbor:"k"`
	Value     []byte `cbor:"v"`
	CreatedAt int64  `cbor:"c"` // unix nanos, UTC
	UpdatedAt int64  `cbor:"u"`
}

// diskStore persists one record per file under a single directory. Every
// write produces a fresh file (temp write + fsync + rename), so a record that
// is visible under its final name is always fully written. Overwrites never
// touch the superseded file; reclamation is the caller's job after the index
// swap.
type diskStore struct {
	dir string
	seq uint64 // per-process write sequence, seeded from the clock
}

func openDiskStore(dir string) (*diskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &diskStore{
		dir: dir,
		seq: uint64(time.Now().UnixNano()),
	}, nil
}

// recordName derives a file name from the key hash and a monotonic sequence
// number. Two writes of the same key never share a name.
func (s *diskStore) recordName(key string) string {
	n := atomic.AddUint64(&s.seq, 1)
	return fmt.Sprintf("%016x-%x%s", xxhash.Sum64String(key), n, recordSuffix)
}

// writeRecord durably writes rec to a new file and returns its name and the
// encoded size. The record becomes visible only after the rename.
func (s *diskStore) writeRecord(rec *record) (name string, size int64, err error) {
	raw, err := cbor.Marshal(rec)
	if err != nil {
		return "", 0, err
	}

	name = s.recordName(rec.Key)
	tmp := filepath.Join(s.dir, name+tmpSuffix)

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", 0, err
	}
	if _, err = f.Write(raw); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", 0, err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", 0, err
	}
	if err = f.Close(); err != nil {
		os.Remove(tmp)
		return "", 0, err
	}
	if err = os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp)
		return "", 0, err
	}
	return name, int64(len(raw)), nil
}

func (s *diskStore) readRecord(name string) (*record, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, err
	}
	var rec record
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *diskStore) remove(name string) error {
	err := os.Remove(filepath.Join(s.dir, name))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// scanEntry is one readable record found by scan, plus its file name and
// encoded size.
type scanEntry struct {
	name string
	size int64
	rec  *record
}

// scan enumerates record files in the storage directory. Unreadable or
// undecodable files are returned in bad rather than aborting the scan.
func (s *diskStore) scan() (entries []scanEntry, bad []string, err error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, err
	}
	for _, de := range dirents {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, recordSuffix) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			bad = append(bad, name)
			continue
		}
		rec, err := s.readRecord(name)
		if err != nil {
			bad = append(bad, name)
			continue
		}
		entries = append(entries, scanEntry{name: name, size: info.Size(), rec: rec})
	}
	return entries, bad, nil
}

// listFiles returns the names of all record files, without decoding them.
func (s *diskStore) listFiles() ([]string, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, de := range dirents {
		if de.IsDir() || !strings.HasSuffix(de.Name(), recordSuffix) {
			continue
		}
		names = append(names, de.Name())
	}
	return names, nil
}
