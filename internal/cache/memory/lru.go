// Package memory implements the bounded in-process LRU tier of the blob cache.
package memory

import (
	"container/list"
	"math"
	"sync"

	"github.com/saidsurucu/yoktez-mcp/internal/metrics"
)

const bytesPerMB = 1024 * 1024

// Config bounds the tier by entry count and total payload bytes.
type Config struct {
	MaxItems  int
	MaxSizeMB int
}

// Stats describes tier occupancy.
type Stats struct {
	Items     int     `json:"items"`
	MaxItems  int     `json:"max_items"`
	SizeBytes int64   `json:"size_bytes"`
	SizeMB    float64 `json:"size_mb"`
	MaxSizeMB float64 `json:"max_size_mb"`
	Evictions int64   `json:"evictions"`
}

type entry struct {
	key   string
	value []byte
}

// LRU is a size- and count-bounded least-recently-used byte cache. The front
// of order is the most recently used entry.
type LRU struct {
	mu        sync.Mutex
	items     map[string]*list.Element
	order     *list.List
	maxItems  int
	maxBytes  int64
	sizeBytes int64
	evictions int64
}

// New creates an LRU tier.
func New(cfg Config) *LRU {
	return &LRU{
		items:    make(map[string]*list.Element),
		order:    list.New(),
		maxItems: cfg.MaxItems,
		maxBytes: int64(cfg.MaxSizeMB) * bytesPerMB,
	}
}

// Get returns the blob for key and marks it most recently used.
func (c *LRU) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		metrics.ObserveCacheLookup("memory", "miss")
		return nil, false
	}
	c.order.MoveToFront(el)
	metrics.ObserveCacheLookup("memory", "hit")
	return el.Value.(*entry).value, true
}

// Set inserts or replaces key. Least recently used entries are evicted while
// the new blob would exceed the byte budget or the tier is at its item cap.
// A single blob larger than the whole budget is still stored, alone.
func (c *LRU) Set(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := int64(len(value))
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}

	evicted := 0
	for c.sizeBytes+size > c.maxBytes || len(c.items) >= c.maxItems {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
		evicted++
	}
	c.evictions += int64(evicted)
	metrics.ObserveCacheEviction("memory", "capacity", evicted)

	c.items[key] = c.order.PushFront(&entry{key: key, value: value})
	c.sizeBytes += size
	metrics.SetCacheSize("memory", c.sizeBytes, len(c.items))
}

// Has reports whether key is resident without touching recency.
func (c *LRU) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

// Delete removes key if present.
func (c *LRU) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
		metrics.SetCacheSize("memory", c.sizeBytes, len(c.items))
	}
}

// Clear drops every entry.
func (c *LRU) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.sizeBytes = 0
	metrics.SetCacheSize("memory", 0, 0)
}

// Len returns the number of resident entries.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// SizeBytes returns the total payload bytes resident.
func (c *LRU) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sizeBytes
}

// Stats returns a snapshot of tier occupancy.
func (c *LRU) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Items:     len(c.items),
		MaxItems:  c.maxItems,
		SizeBytes: c.sizeBytes,
		SizeMB:    toMB(c.sizeBytes),
		MaxSizeMB: toMB(c.maxBytes),
		Evictions: c.evictions,
	}
}

func (c *LRU) removeElement(el *list.Element) {
	e := c.order.Remove(el).(*entry)
	delete(c.items, e.key)
	c.sizeBytes -= int64(len(e.value))
}

func toMB(n int64) float64 {
	return math.Round(float64(n)/bytesPerMB*100) / 100
}
