package stream

import (
	"fmt"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dshills/sfxflow/pkg/types"
)

// DefaultCacheSize is the number of parsed streams kept by NewCache(0)
const DefaultCacheSize = 256

type cacheEntry struct {
	size    int64
	modTime time.Time
	cells   []types.UnitCell
}

// Cache provides in-memory LRU caching of parsed unit cells by stream path.
// An entry is reused only while the file's size and modification time match.
type Cache struct {
	cache *lru.Cache[string, cacheEntry]
}

// NewCache creates a new stream cache with LRU eviction
func NewCache(maxLen int) *Cache {
	if maxLen <= 0 {
		maxLen = DefaultCacheSize
	}
	cache, err := lru.New[string, cacheEntry](maxLen)
	if err != nil {
		cache, _ = lru.New[string, cacheEntry](DefaultCacheSize)
	}
	return &Cache{cache: cache}
}

// UnitCells returns every unit cell of a stream, parsing it only when the
// cached copy is missing or stale. The returned slice must not be modified.
func (c *Cache) UnitCells(path string) ([]types.UnitCell, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat stream %s: %w", path, err)
	}

	if entry, ok := c.cache.Get(path); ok && entry.size == info.Size() && entry.modTime.Equal(info.ModTime()) {
		return entry.cells, nil
	}

	cells, err := ReadUnitCells(path, 0)
	if err != nil {
		return nil, err
	}
	c.cache.Add(path, cacheEntry{size: info.Size(), modTime: info.ModTime(), cells: cells})
	return cells, nil
}

// Len returns the number of cached streams
func (c *Cache) Len() int {
	return c.cache.Len()
}

// Purge empties the cache
func (c *Cache) Purge() {
	c.cache.Purge()
}
