package cache

import (
	"time"

	"github.com/karlseguin/ccache/v3"
)

// MemoryCache keeps tile bytes in a bounded in-process LRU. Entries older
// than ttl are treated as missing.
type MemoryCache struct {
	ttl   time.Duration
	items *ccache.Cache[[]byte]
}

// NewMemoryCache creates a cache holding at most maxTiles tiles
func NewMemoryCache(maxTiles int, ttl time.Duration) *MemoryCache {
	prune := maxTiles / 10
	if prune < 1 {
		prune = 1
	}
	return &MemoryCache{
		ttl:   ttl,
		items: ccache.New(ccache.Configure[[]byte]().MaxSize(int64(maxTiles)).ItemsToPrune(uint32(prune))),
	}
}

func (c *MemoryCache) Has(key TileKey) bool {
	item := c.items.Get(key.String())
	return item != nil && !item.Expired()
}

func (c *MemoryCache) Get(key TileKey) ([]byte, bool) {
	item := c.items.Get(key.String())
	if item == nil || item.Expired() {
		return nil, false
	}
	return item.Value(), true
}

func (c *MemoryCache) Set(key TileKey, value []byte) error {
	c.items.Set(key.String(), value, c.ttl)
	return nil
}

func (c *MemoryCache) Clear() {
	c.items.Clear()
}

func (c *MemoryCache) Close() {
	c.items.Stop()
}
