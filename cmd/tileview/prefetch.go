package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"tileview/internal/cache"
	"tileview/internal/config"
	"tileview/internal/imaging"
	"tileview/internal/projection"
	"tileview/internal/provider"
	"tileview/internal/tiles"
	"tileview/internal/tileserver"
)

var errTooManyTiles = errors.New("too many tiles to prefetch")

// box is a lat/lon rectangle.
type box struct {
	South, West, North, East float64
}

func (b box) validate() error {
	if b.South >= b.North || b.West >= b.East {
		return fmt.Errorf("empty box %v", b)
	}
	if b.South < -projection.MaxLatitude || b.North > projection.MaxLatitude {
		return fmt.Errorf("latitudes must lie within ±%.4f", projection.MaxLatitude)
	}
	if b.West < -180 || b.East > 180 {
		return fmt.Errorf("longitudes must lie within ±180")
	}
	return nil
}

func prefetch(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.CacheType != "file" {
		return fmt.Errorf("prefetch needs the file tile store, CACHE is %q", cfg.CacheType)
	}

	b := box{South: c.Float64(MINLAT), West: c.Float64(MINLON), North: c.Float64(MAXLAT), East: c.Float64(MAXLON)}
	if err := b.validate(); err != nil {
		return err
	}
	minZoom, maxZoom := c.Int(MINZOOM), c.Int(MAXZOOM)
	if minZoom < 1 || minZoom > maxZoom || maxZoom > cfg.MaxZoom {
		return fmt.Errorf("zoom range %d..%d outside 1..%d", minZoom, maxZoom, cfg.MaxZoom)
	}
	total, err := prefetchCount(b, minZoom, maxZoom, c.Int(MAXTILES))
	if err != nil {
		return err
	}

	name := c.String(PROVIDER)
	if name == "" {
		name = cfg.Provider
	}
	p, err := provider.Lookup(name)
	if err != nil {
		return err
	}
	mapType, err := p.CheckMapType(c.String(MAPTYPE))
	if err != nil {
		return err
	}

	log, cleanup, err := setup(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	store, err := cache.NewCache(cfg.CacheType, cfg.CacheFileDir, cfg.CacheMemoryTiles, cfg.TileCacheTimeout, log)
	if err != nil {
		return fmt.Errorf("failed to initialize tile store: %w", err)
	}
	defer store.Close()

	decoder, err := imaging.NewDecoder(cfg.Decoder, log)
	if err != nil {
		return err
	}
	fetcher := tileserver.NewHTTPFetcher(cfg.FetchTimeout, cfg.UserAgent)
	pool := tileserver.New(p, store, fetcher, decoder, poolOptions(cfg), log)
	defer pool.Stop()

	log.Info("Prefetching tiles",
		zap.String("provider", p.Name),
		zap.String("map_type", mapType),
		zap.Int("min_zoom", minZoom),
		zap.Int("max_zoom", maxZoom),
		zap.Int("tiles", total),
	)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// One level at a time keeps only that level's keys in memory.
	var stats tileserver.WarmStats
	for z := minZoom; z <= maxZoom; z++ {
		level := pool.Warm(ctx, levelKeys(pool, mapType, b, z), c.Int(WORKERS))
		stats.Cached += level.Cached
		stats.Fetched += level.Fetched
		stats.Failed += level.Failed
		if ctx.Err() != nil {
			break
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("prefetch interrupted: %w", err)
	}
	if stats.Failed > 0 {
		return fmt.Errorf("%d of %d tiles failed", stats.Failed, total)
	}
	return nil
}

// prefetchCount returns the number of tiles levelKeys yields over the zoom
// range, failing once it passes limit. A limit of 0 or less disables the
// check.
func prefetchCount(b box, minZoom, maxZoom, limit int) (int, error) {
	min := tiles.PlaneFromLatLon(b.South, b.West)
	max := tiles.PlaneFromLatLon(b.North, b.East)

	total := 0
	for z := minZoom; z <= maxZoom; z++ {
		total += tiles.Count(z, min, max)
		if limit > 0 && total > limit {
			return 0, fmt.Errorf("%w: more than %d by zoom %d, narrow the box or the zoom range or raise --%s",
				errTooManyTiles, limit, z, MAXTILES)
		}
	}
	return total, nil
}

// levelKeys lists the tiles covering b at zoom, plus the one tile margin
// the viewer also loads.
func levelKeys(pool *tileserver.Pool, mapType string, b box, zoom int) []cache.TileKey {
	min := tiles.PlaneFromLatLon(b.South, b.West)
	max := tiles.PlaneFromLatLon(b.North, b.East)

	var calc tiles.Calculator
	refs, _ := calc.Compute(zoom, zoom, min, max, nil)

	keys := make([]cache.TileKey, 0, tiles.Count(zoom, min, max))
	seen := make(map[cache.TileKey]struct{}, cap(keys))
	for _, ref := range refs {
		key := pool.Key(ref.NX, ref.Row(), zoom, mapType)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}
