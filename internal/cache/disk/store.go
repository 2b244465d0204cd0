// Package disk implements the persistent tier of the blob cache: one file per
// entry, sharded by key prefix, with a JSON metadata index, lazy TTL expiry
// and oldest-first eviction past a byte budget.
package disk

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saidsurucu/yoktez-mcp/internal/clock/system"
	"github.com/saidsurucu/yoktez-mcp/internal/hash/sha256"
	"github.com/saidsurucu/yoktez-mcp/internal/metrics"
)

const bytesPerMB = 1024 * 1024

var (
	// ErrDiskUnavailable means the cache root could not be prepared; the store
	// runs disabled.
	ErrDiskUnavailable = errors.New("disk cache unavailable")
	// ErrPersistenceWrite wraps blob or index write failures.
	ErrPersistenceWrite = errors.New("disk cache write failed")
)

// Clock supplies the time used to stamp and age entries.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// Keyer maps a logical identifier to a fixed-length, filesystem-safe key.
type Keyer interface {
	Key(identifier string) string
}

// Config controls where and how much the tier stores.
type Config struct {
	Dir       string
	MaxSizeMB int
	TTLDays   int
	// Extension is appended to blob file names, e.g. ".pdf".
	Extension string
}

// Stats describes tier occupancy.
type Stats struct {
	Enabled   bool    `json:"enabled"`
	Items     int     `json:"items,omitempty"`
	SizeBytes int64   `json:"size_bytes,omitempty"`
	SizeMB    float64 `json:"size_mb,omitempty"`
	MaxSizeMB float64 `json:"max_size_mb,omitempty"`
	TTLDays   int     `json:"ttl_days,omitempty"`
	CacheDir  string  `json:"cache_dir,omitempty"`
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithKeyer overrides key derivation.
func WithKeyer(k Keyer) Option {
	return func(s *Store) {
		if k != nil {
			s.keyer = k
		}
	}
}

// Store is the disk tier. Index mutation is serialized by mu; blob reads are
// not locked against writes of other keys.
type Store struct {
	enabled   bool
	dir       string
	indexPath string
	ext       string
	maxBytes  int64
	ttl       time.Duration
	clock     Clock
	keyer     Keyer
	logger    *zap.Logger

	mu    sync.RWMutex
	index Index
}

// DefaultDir returns ~/.cache/yoktez-mcp.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "yoktez-mcp-cache")
	}
	return filepath.Join(home, ".cache", "yoktez-mcp")
}

// New opens the tier rooted at cfg.Dir. When the directory cannot be created
// or written, the returned store is disabled: lookups miss and writes are no-ops.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		ext:      cfg.Extension,
		maxBytes: int64(cfg.MaxSizeMB) * bytesPerMB,
		ttl:      time.Duration(cfg.TTLDays) * 24 * time.Hour,
		clock:    system.New(),
		keyer:    sha256.New(),
		logger:   logger,
		index:    Index{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.open(cfg.Dir); err != nil {
		s.logger.Warn("Disk cache disabled", zap.Error(err))
		return s
	}
	s.enabled = true
	s.publishSize()
	return s
}

func (s *Store) open(dir string) error {
	if strings.TrimSpace(dir) == "" {
		dir = DefaultDir()
	}
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(dir, 0o750); mkErr != nil {
			return fmt.Errorf("%w: create %s: %w", ErrDiskUnavailable, dir, mkErr)
		}
	case err != nil:
		return fmt.Errorf("%w: stat %s: %w", ErrDiskUnavailable, dir, err)
	case !info.IsDir():
		return fmt.Errorf("%w: %s is not a directory", ErrDiskUnavailable, dir)
	}

	probe := filepath.Join(dir, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return fmt.Errorf("%w: %s is not writable: %w", ErrDiskUnavailable, dir, err)
	}
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("%w: clean up probe: %w", ErrDiskUnavailable, err)
	}

	s.dir = dir
	s.indexPath = filepath.Join(dir, IndexFileName)
	ix, err := loadIndex(s.indexPath)
	if err != nil {
		s.logger.Warn("Failed to load cache metadata; starting empty", zap.Error(err))
		ix = Index{}
	}
	s.index = ix
	s.logger.Info("Loaded cache metadata",
		zap.String("dir", dir),
		zap.Int("entries", len(ix)),
	)
	return nil
}

// Enabled reports whether the tier is backed by disk.
func (s *Store) Enabled() bool {
	return s.enabled
}

// Get returns the blob cached for identifier. Entries older than the TTL are
// deleted and reported absent. Read failures are logged and reported absent.
func (s *Store) Get(ctx context.Context, identifier string) ([]byte, bool) {
	if !s.enabled || ctx.Err() != nil {
		return nil, false
	}
	key := s.keyer.Key(identifier)
	path := s.pathFor(key)

	if _, err := os.Stat(path); err != nil {
		metrics.ObserveCacheLookup("disk", "miss")
		return nil, false
	}

	s.mu.RLock()
	meta, ok := s.index[key]
	s.mu.RUnlock()
	if !ok {
		s.dropOrphan(key)
		metrics.ObserveCacheLookup("disk", "miss")
		return nil, false
	}
	if s.clock.Since(meta.CachedAt) > s.ttl {
		s.logger.Info("Disk cache TTL expired", zap.String("url", short(identifier)))
		s.expire(key, meta.CachedAt)
		metrics.ObserveCacheLookup("disk", "expired")
		return nil, false
	}

	// #nosec G304 -- path is built from a hex digest under the cache root.
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Error("Failed to read from disk cache", zap.String("path", path), zap.Error(err))
		metrics.ObserveCacheLookup("disk", "miss")
		return nil, false
	}
	s.logger.Info("Disk cache HIT", zap.String("url", short(identifier)), zap.Int("bytes", len(data)))
	metrics.ObserveCacheLookup("disk", "hit")
	return data, true
}

// Set persists data for identifier, records it in the index and evicts the
// oldest entries while the tier exceeds its byte budget.
func (s *Store) Set(ctx context.Context, identifier string, data []byte) error {
	if !s.enabled {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("disk cache set: %w", err)
	}
	key := s.keyer.Key(identifier)
	path := s.pathFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("%w: blob: %w", ErrPersistenceWrite, err)
	}
	s.index[key] = Entry{
		URL:      identifier,
		Size:     int64(len(data)),
		CachedAt: s.clock.Now(),
		Path:     path,
	}
	saveErr := s.index.save(s.indexPath)
	s.logger.Info("Disk cache SET", zap.String("url", short(identifier)), zap.Int("bytes", len(data)))

	s.enforceSizeLimitLocked()
	s.publishSizeLocked()
	if saveErr != nil {
		return fmt.Errorf("%w: index: %w", ErrPersistenceWrite, saveErr)
	}
	return nil
}

// Delete removes the blob and index entry for identifier. Deleting an absent
// entry is a no-op.
func (s *Store) Delete(_ context.Context, identifier string) error {
	if !s.enabled {
		return nil
	}
	key := s.keyer.Key(identifier)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(key)
}

// Clear removes every indexed blob and empties the index.
func (s *Store) Clear(_ context.Context) error {
	if !s.enabled {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.index {
		if err := removeIfExists(s.pathFor(key)); err != nil {
			s.logger.Warn("Failed to remove cached blob", zap.String("key", key), zap.Error(err))
		}
	}
	s.index = Index{}
	s.publishSizeLocked()
	if err := s.index.save(s.indexPath); err != nil {
		return fmt.Errorf("%w: index: %w", ErrPersistenceWrite, err)
	}
	s.logger.Info("Disk cache cleared")
	return nil
}

// Stats returns a snapshot of tier occupancy.
func (s *Store) Stats() Stats {
	if !s.enabled {
		return Stats{Enabled: false}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := s.index.TotalSize()
	return Stats{
		Enabled:   true,
		Items:     len(s.index),
		SizeBytes: total,
		SizeMB:    toMB(total),
		MaxSizeMB: toMB(s.maxBytes),
		TTLDays:   int(s.ttl / (24 * time.Hour)),
		CacheDir:  s.dir,
	}
}

// expire deletes key only if the entry still carries the timestamp observed
// as stale, so a concurrent refresh of the same key is not thrown away.
func (s *Store) expire(key string, observed time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.index[key]; ok && !e.CachedAt.Equal(observed) {
		return
	}
	if err := s.deleteLocked(key); err != nil {
		s.logger.Error("Failed to delete expired entry", zap.String("key", key), zap.Error(err))
		return
	}
	metrics.ObserveCacheEviction("disk", "ttl", 1)
}

// dropOrphan removes a blob that has no index entry. Set writes the blob and
// its entry under the same lock, so the entry is re-checked before removal.
func (s *Store) dropOrphan(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[key]; ok {
		return
	}
	if err := removeIfExists(s.pathFor(key)); err != nil {
		s.logger.Warn("Failed to remove unindexed blob", zap.String("key", key), zap.Error(err))
		return
	}
	s.logger.Info("Removed unindexed blob", zap.String("key", key))
}

func (s *Store) deleteLocked(key string) error {
	_, indexed := s.index[key]
	if err := removeIfExists(s.pathFor(key)); err != nil {
		return fmt.Errorf("remove blob: %w", err)
	}
	if !indexed {
		return nil
	}
	delete(s.index, key)
	s.publishSizeLocked()
	if err := s.index.save(s.indexPath); err != nil {
		return fmt.Errorf("%w: index: %w", ErrPersistenceWrite, err)
	}
	return nil
}

// enforceSizeLimitLocked evicts oldest entries until the indexed total fits
// the budget. Entries whose blob is already gone are still dropped.
func (s *Store) enforceSizeLimitLocked() {
	total := s.index.TotalSize()
	if total <= s.maxBytes {
		return
	}
	evicted := 0
	for _, key := range s.index.OldestFirst() {
		if total <= s.maxBytes {
			break
		}
		e := s.index[key]
		if err := removeIfExists(s.pathFor(key)); err != nil {
			s.logger.Error("Failed to evict from disk cache", zap.String("key", key), zap.Error(err))
			continue
		}
		total -= e.Size
		delete(s.index, key)
		evicted++
		s.logger.Info("Disk cache EVICTED", zap.String("url", short(e.URL)))
	}
	metrics.ObserveCacheEviction("disk", "size", evicted)
	if err := s.index.save(s.indexPath); err != nil {
		metrics.ObserveCacheWriteFailure("disk")
		s.logger.Error("Failed to save cache metadata", zap.Error(err))
	}
}

// pathFor is the only source of blob locations. Entry.Path is informational
// and never trusted, so a moved cache root or an edited index cannot redirect
// removals.
func (s *Store) pathFor(key string) string {
	return filepath.Join(s.dir, key[:2], key+s.ext)
}

func (s *Store) publishSize() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.publishSizeLocked()
}

func (s *Store) publishSizeLocked() {
	metrics.SetCacheSize("disk", s.index.TotalSize(), len(s.index))
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func toMB(n int64) float64 {
	return math.Round(float64(n)/bytesPerMB*100) / 100
}

func short(s string) string {
	const limit = 60
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
