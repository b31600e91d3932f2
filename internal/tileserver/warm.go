package tileserver

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"tileview/internal/cache"
)

// WarmStats counts the outcome of a Warm run.
type WarmStats struct {
	Cached  int64
	Fetched int64
	Failed  int64
}

// Warm fills the persistent store with keys, at most workers at a time.
// It bypasses the queue and the ready cache and returns when every key was
// tried or ctx is done.
func (p *Pool) Warm(ctx context.Context, keys []cache.TileKey, workers int) WarmStats {
	if workers <= 0 {
		workers = 1
	}

	p.log.Info("Starting tile warmup", zap.Int("tiles", len(keys)), zap.Int("workers", workers))

	var stats WarmStats
	workerChan := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		if p.store.Has(key) {
			atomic.AddInt64(&stats.Cached, 1)
			continue
		}

		wg.Add(1)
		workerChan <- struct{}{} // Acquire worker slot

		go func(key cache.TileKey) {
			defer wg.Done()
			defer func() { <-workerChan }() // Release worker slot

			if _, err := p.load(ctx, key); err != nil {
				atomic.AddInt64(&stats.Failed, 1)
				p.log.Debug("Warmup tile failed", zap.Stringer("tile", key), zap.Error(err))
				return
			}
			atomic.AddInt64(&stats.Fetched, 1)
		}(key)
	}

	wg.Wait()
	p.log.Info("Tile warmup completed",
		zap.Int64("cached", stats.Cached),
		zap.Int64("fetched", stats.Fetched),
		zap.Int64("failed", stats.Failed))
	return stats
}
