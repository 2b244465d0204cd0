package memory

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const kb = 1024

func TestLRUSetThenGet(t *testing.T) {
	t.Parallel()

	c := New(Config{MaxItems: 10, MaxSizeMB: 1})
	c.Set("k", []byte("value"))

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("value"), got)

	size := c.SizeBytes()
	for i := 0; i < 5; i++ {
		_, ok := c.Get("k")
		require.True(t, ok)
	}
	assert.Equal(t, size, c.SizeBytes(), "repeated gets must not change total size")
}

func TestLRUMissingKey(t *testing.T) {
	t.Parallel()

	c := New(Config{MaxItems: 2, MaxSizeMB: 1})
	_, ok := c.Get("absent")
	assert.False(t, ok)
	assert.False(t, c.Has("absent"))
}

func TestLRUEvictsOldestBySize(t *testing.T) {
	t.Parallel()

	c := New(Config{MaxItems: 2, MaxSizeMB: 1})
	c.Set("a", make([]byte, 500*kb))
	c.Set("b", make([]byte, 500*kb))
	c.Set("c", make([]byte, 500*kb))

	assert.False(t, c.Has("a"))
	assert.True(t, c.Has("b"))
	assert.True(t, c.Has("c"))
	assert.Equal(t, int64(1000*kb), c.SizeBytes())
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestLRUItemCap(t *testing.T) {
	t.Parallel()

	c := New(Config{MaxItems: 3, MaxSizeMB: 10})
	for i := 0; i < 10; i++ {
		c.Set(fmt.Sprintf("k%d", i), []byte("x"))
		require.LessOrEqual(t, c.Len(), 3)
	}
	for i := 0; i < 7; i++ {
		assert.False(t, c.Has(fmt.Sprintf("k%d", i)))
	}
	for i := 7; i < 10; i++ {
		assert.True(t, c.Has(fmt.Sprintf("k%d", i)))
	}
}

func TestLRUGetRefreshesRecency(t *testing.T) {
	t.Parallel()

	c := New(Config{MaxItems: 2, MaxSizeMB: 1})
	c.Set("a", []byte("1"))
	c.Set("b", []byte("2"))
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("c", []byte("3"))

	assert.True(t, c.Has("a"), "recently read entry must survive")
	assert.False(t, c.Has("b"), "least recently used entry must be evicted")
	assert.True(t, c.Has("c"))
}

func TestLRUBudgetRespectedAfterOverflow(t *testing.T) {
	t.Parallel()

	c := New(Config{MaxItems: 100, MaxSizeMB: 1})
	for i := 0; i < 10; i++ {
		c.Set(fmt.Sprintf("k%d", i), make([]byte, 300*kb))
		require.LessOrEqual(t, c.SizeBytes(), int64(1024*kb))
	}
	// 3 x 300KB fit into 1MB; the oldest seven were removed in order.
	for i := 0; i < 7; i++ {
		assert.False(t, c.Has(fmt.Sprintf("k%d", i)))
	}
	for i := 7; i < 10; i++ {
		assert.True(t, c.Has(fmt.Sprintf("k%d", i)))
	}
}

func TestLRUOverwriteAdjustsSize(t *testing.T) {
	t.Parallel()

	c := New(Config{MaxItems: 5, MaxSizeMB: 1})
	c.Set("k", make([]byte, 100))
	c.Set("k", make([]byte, 40))

	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(40), c.SizeBytes())
}

func TestLRUOversizedItemStoredAlone(t *testing.T) {
	t.Parallel()

	c := New(Config{MaxItems: 5, MaxSizeMB: 1})
	c.Set("small", []byte("s"))
	big := bytes.Repeat([]byte{1}, 2*1024*kb)
	c.Set("big", big)

	assert.False(t, c.Has("small"))
	assert.True(t, c.Has("big"))
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(len(big)), c.SizeBytes())
}

func TestLRUDeleteAndClear(t *testing.T) {
	t.Parallel()

	c := New(Config{MaxItems: 5, MaxSizeMB: 1})
	c.Set("a", []byte("aa"))
	c.Set("b", []byte("bbb"))

	c.Delete("a")
	c.Delete("missing")
	assert.False(t, c.Has("a"))
	assert.Equal(t, int64(3), c.SizeBytes())

	c.Clear()
	stats := c.Stats()
	assert.Equal(t, 0, stats.Items)
	assert.Equal(t, int64(0), stats.SizeBytes)
	assert.Equal(t, 5, stats.MaxItems)
	assert.InDelta(t, 1.0, stats.MaxSizeMB, 0.001)
}
