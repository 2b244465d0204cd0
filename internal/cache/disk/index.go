package disk

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// IndexFileName is the metadata file kept at the cache root.
const IndexFileName = "cache_metadata.json"

// Entry is the persisted metadata for one cached blob.
type Entry struct {
	URL      string    `json:"url"`
	Size     int64     `json:"size"`
	CachedAt time.Time `json:"cached_at"`
	Path     string    `json:"path"`
}

// Index maps storage keys to blob metadata.
type Index map[string]Entry

// TotalSize sums the recorded sizes of all entries.
func (ix Index) TotalSize() int64 {
	var total int64
	for _, e := range ix {
		total += e.Size
	}
	return total
}

// OldestFirst returns keys ordered by CachedAt ascending, ties broken by key.
func (ix Index) OldestFirst() []string {
	keys := make([]string, 0, len(ix))
	for k := range ix {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := ix[keys[i]], ix[keys[j]]
		if a.CachedAt.Equal(b.CachedAt) {
			return keys[i] < keys[j]
		}
		return a.CachedAt.Before(b.CachedAt)
	})
	return keys
}

// loadIndex reads the index at path. A missing file yields an empty index.
func loadIndex(path string) (Index, error) {
	// #nosec G304 -- path is derived from the configured cache root.
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Index{}, nil
		}
		return Index{}, fmt.Errorf("read index: %w", err)
	}
	ix := Index{}
	if err := json.Unmarshal(raw, &ix); err != nil {
		return Index{}, fmt.Errorf("decode index: %w", err)
	}
	return ix, nil
}

// save writes the index to path, replacing the previous file atomically so
// concurrent readers never observe a partially written index.
func (ix Index) save(path string) error {
	payload, err := json.MarshalIndent(ix, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	return writeFileAtomic(path, payload)
}

// writeFileAtomic writes data to a temp file beside path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
