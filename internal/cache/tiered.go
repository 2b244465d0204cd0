// Package cache composes the memory and disk tiers into a single read-through,
// write-through blob cache.
package cache

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/saidsurucu/yoktez-mcp/internal/cache/disk"
	"github.com/saidsurucu/yoktez-mcp/internal/cache/memory"
	"github.com/saidsurucu/yoktez-mcp/internal/metrics"
)

// Config sizes both tiers.
type Config struct {
	MemoryMaxItems  int
	MemoryMaxSizeMB int
	EnableDisk      bool
	Disk            disk.Config
}

// Stats reports both tiers.
type Stats struct {
	Memory memory.Stats `json:"memory"`
	Disk   disk.Stats   `json:"disk"`
}

// Tiered is an L1 memory cache in front of an optional L2 disk cache.
type Tiered struct {
	memory *memory.LRU
	disk   *disk.Store
	logger *zap.Logger
}

// New builds both tiers from cfg. The disk tier is omitted when disabled by
// configuration, and runs in no-op mode when its directory is unusable.
func New(cfg Config, logger *zap.Logger, opts ...disk.Option) *Tiered {
	if logger == nil {
		logger = zap.NewNop()
	}
	mem := memory.New(memory.Config{MaxItems: cfg.MemoryMaxItems, MaxSizeMB: cfg.MemoryMaxSizeMB})
	var store *disk.Store
	if cfg.EnableDisk {
		store = disk.New(cfg.Disk, logger.Named("disk"), opts...)
	}
	return NewTiered(mem, store, logger)
}

// NewTiered wires existing tiers together. store may be nil.
func NewTiered(mem *memory.LRU, store *disk.Store, logger *zap.Logger) *Tiered {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tiered{memory: mem, disk: store, logger: logger}
}

// Get looks in memory first, then on disk. A disk hit is promoted into memory.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	if data, ok := t.memory.Get(key); ok {
		t.logger.Debug("Memory cache HIT", zap.String("key", key))
		return data, true
	}
	if t.disk == nil {
		return nil, false
	}
	data, ok := t.disk.Get(ctx, key)
	if !ok {
		return nil, false
	}
	t.memory.Set(key, data)
	return data, true
}

// Set stores value in memory and then writes it through to disk. Disk
// failures are logged and counted; the memory write always stands.
func (t *Tiered) Set(ctx context.Context, key string, value []byte) {
	t.memory.Set(key, value)
	if t.disk == nil {
		return
	}
	if err := t.disk.Set(ctx, key, value); err != nil {
		metrics.ObserveCacheWriteFailure("disk")
		t.logger.Error("Disk cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// Has reports memory residency only; it does not consult the disk tier.
func (t *Tiered) Has(key string) bool {
	return t.memory.Has(key)
}

// Delete removes key from both tiers.
func (t *Tiered) Delete(ctx context.Context, key string) error {
	t.memory.Delete(key)
	if t.disk == nil {
		return nil
	}
	if err := t.disk.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete from disk: %w", err)
	}
	return nil
}

// Clear empties both tiers.
func (t *Tiered) Clear(ctx context.Context) error {
	t.memory.Clear()
	if t.disk == nil {
		return nil
	}
	if err := t.disk.Clear(ctx); err != nil {
		return fmt.Errorf("clear disk: %w", err)
	}
	return nil
}

// Stats returns occupancy for both tiers.
func (t *Tiered) Stats() Stats {
	s := Stats{Memory: t.memory.Stats()}
	if t.disk != nil {
		s.Disk = t.disk.Stats()
	}
	return s
}
