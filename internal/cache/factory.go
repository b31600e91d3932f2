package cache

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// NewCache creates a tile store based on the cache type
func NewCache(cacheType, cacheFileDir string, cacheMemoryTiles int, ttl time.Duration, log *zap.Logger) (Cache, error) {
	switch cacheType {
	case "memory":
		log.Info("Using memory tile store", zap.Int("max_tiles", cacheMemoryTiles), zap.Duration("ttl", ttl))
		return NewMemoryCache(cacheMemoryTiles, ttl), nil
	case "file":
		log.Info("Using file tile store", zap.String("cache_dir", cacheFileDir))
		return NewFileCache(cacheFileDir)
	case "disabled":
		log.Info("Tile store disabled")
		return NewNoopCache(), nil
	default:
		return nil, fmt.Errorf("unknown cache type: %s (supported: memory, file, disabled)", cacheType)
	}
}
