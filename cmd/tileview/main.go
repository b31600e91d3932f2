package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"github.com/iancoleman/strcase"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"tileview/internal/cache"
	"tileview/internal/config"
	httphandlers "tileview/internal/http"
	"tileview/internal/imaging"
	"tileview/internal/logger"
	"tileview/internal/overlay"
	"tileview/internal/provider"
	"tileview/internal/render"
	"tileview/internal/tileserver"
	"tileview/internal/viewport"
)

const PROVIDER string = `provider`
const MAPTYPE string = `mapType`
const MINLAT string = `minLat`
const MAXLAT string = `maxLat`
const MINLON string = `minLon`
const MAXLON string = `maxLon`
const MINZOOM string = `minZoom`
const MAXZOOM string = `maxZoom`
const WORKERS string = `workers`
const MAXTILES string = `maxTiles`

func main() {
	app := cli.NewApp()
	app.Name = "tileview"
	app.Usage = "Slippy map renderer for tile servers with WMS and WFS overlays"

	app.Commands = []*cli.Command{
		{
			Name:   "serve",
			Usage:  "Render the configured view and serve frames over HTTP",
			Action: serve,
		},
		{
			Name:  "prefetch",
			Usage: "Fill the file tile store for a lat/lon box over a zoom range",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    PROVIDER,
					Aliases: []string{"p"},
					Usage:   "Tile provider. Defaults to the configured provider",
					EnvVars: []string{strcase.ToScreamingSnake(PROVIDER)},
				},
				&cli.StringFlag{
					Name:    MAPTYPE,
					Aliases: []string{"m"},
					Usage:   "Map type of the provider. Defaults to its first map type",
					EnvVars: []string{strcase.ToScreamingSnake(MAPTYPE)},
				},
				&cli.Float64Flag{
					Name:     MINLAT,
					Usage:    "Southern edge of the box in degrees",
					Required: true,
					EnvVars:  []string{strcase.ToScreamingSnake(MINLAT)},
				},
				&cli.Float64Flag{
					Name:     MAXLAT,
					Usage:    "Northern edge of the box in degrees",
					Required: true,
					EnvVars:  []string{strcase.ToScreamingSnake(MAXLAT)},
				},
				&cli.Float64Flag{
					Name:     MINLON,
					Usage:    "Western edge of the box in degrees",
					Required: true,
					EnvVars:  []string{strcase.ToScreamingSnake(MINLON)},
				},
				&cli.Float64Flag{
					Name:     MAXLON,
					Usage:    "Eastern edge of the box in degrees",
					Required: true,
					EnvVars:  []string{strcase.ToScreamingSnake(MAXLON)},
				},
				&cli.IntFlag{
					Name:    MINZOOM,
					Aliases: []string{"z"},
					Usage:   "First zoom level",
					Value:   1,
					EnvVars: []string{strcase.ToScreamingSnake(MINZOOM)},
				},
				&cli.IntFlag{
					Name:    MAXZOOM,
					Aliases: []string{"Z"},
					Usage:   "Last zoom level",
					Value:   8,
					EnvVars: []string{strcase.ToScreamingSnake(MAXZOOM)},
				},
				&cli.IntFlag{
					Name:    WORKERS,
					Aliases: []string{"w"},
					Usage:   "Concurrent downloads",
					Value:   4,
					EnvVars: []string{strcase.ToScreamingSnake(WORKERS)},
				},
				&cli.IntFlag{
					Name:    MAXTILES,
					Usage:   "Refuse boxes needing more tiles than this. 0 disables the limit",
					Value:   100000,
					EnvVars: []string{strcase.ToScreamingSnake(MAXTILES)},
				},
			},
			Action: prefetch,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(cfg *config.Config) (*zap.Logger, func(), error) {
	log, err := logger.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if cfg.Decoder != "vips" {
		return log, func() { log.Sync() }, nil
	}

	vipsConfig := &vips.Config{
		ConcurrencyLevel: cfg.VipsConcurrency,
		MaxCacheMem:      cfg.VipsMaxCacheMB * 1024 * 1024, // Convert MB to bytes
		MaxCacheFiles:    0,                                // Disable disk cache
		MaxCacheSize:     0,                                // Disable disk cache
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.VipsMaxCacheMB),
		zap.Int("concurrency", cfg.VipsConcurrency),
	)
	return log, func() {
		vips.Shutdown()
		log.Sync()
	}, nil
}

func poolOptions(cfg *config.Config) tileserver.Options {
	return tileserver.Options{
		Workers:         cfg.FetchWorkers,
		Attempts:        cfg.FetchAttempts,
		CacheLimit:      cfg.TileCacheLimit,
		CacheTimeout:    cfg.TileCacheTimeout,
		FailureCooldown: cfg.FailureCooldown,
	}
}

func serve(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, cleanup, err := setup(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	log.Info("Starting tileview server",
		zap.Int("port", cfg.Port),
		zap.String("provider", cfg.Provider),
		zap.String("cache", cfg.CacheType),
	)

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

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	overlays, err := buildOverlays(ctx, cfg, fetcher, decoder, log)
	if err != nil {
		return err
	}

	plane := viewport.New(float64(cfg.ViewWidth), float64(cfg.ViewHeight), cfg.StartScale)
	plane.CenterOn(cfg.StartLat, cfg.StartLon)

	factory := func(p *provider.Provider) render.Source {
		return tileserver.New(p, store, fetcher, decoder, poolOptions(cfg), log)
	}
	driver := render.New(ctx, plane, factory, overlays, render.Options{
		Quality:         cfg.Quality,
		MaxFallback:     cfg.MaxFallback,
		DrawDepth:       cfg.DrawDepth,
		MaxZoom:         cfg.MaxZoom,
		OverlayDebounce: cfg.OverlayDebounce,
		CloseOnIdle:     cfg.CloseOnIdle,
		IdleTimeout:     cfg.IdleTimeout,
	}, log)
	defer driver.Close()

	if err := driver.SwitchProvider(cfg.Provider, cfg.MapType); err != nil {
		return err
	}

	handlers := httphandlers.New(cfg, log, driver)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handlers.Routes(),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	done := make(chan error, 1)
	go func() {
		done <- driver.Run(ctx, cfg.TickInterval, nil)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("Shutting down server...")
	case err := <-done:
		if errors.Is(err, render.ErrIdleTimeout) {
			log.Info("No interaction within the idle timeout, shutting down", zap.Duration("idle_timeout", cfg.IdleTimeout))
		} else if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Render loop stopped", zap.Error(err))
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server stopped")
	return nil
}

// buildOverlays creates the configured WMS and WFS overlays.
func buildOverlays(ctx context.Context, cfg *config.Config, fetcher overlay.Fetcher, decoder imaging.Decoder, log *zap.Logger) ([]overlay.Overlay, error) {
	bounds, err := cfg.Bounds()
	if err != nil {
		return nil, err
	}
	loader := overlay.LoaderOptions{FailureCooldown: cfg.FailureCooldown}

	var overlays []overlay.Overlay
	if oc := cfg.WMSOverlay; oc.URL != "" {
		layer, err := chooseLayer(ctx, oc, func(ctx context.Context) (*overlay.Capabilities, error) {
			return overlay.DiscoverWMS(ctx, fetcher, oc.URL)
		}, log)
		if err != nil {
			return nil, fmt.Errorf("wms overlay: %w", err)
		}
		wms, err := overlay.NewWMS(ctx, overlay.WMSConfig{
			BaseURL:  oc.URL,
			Layer:    layer,
			SRS:      overlay.SRS{Code: oc.SRS, Bounds: bounds},
			MaxAlpha: oc.Alpha,
			Loader:   loader,
		}, fetcher, decoder, log)
		if err != nil {
			return nil, fmt.Errorf("wms overlay: %w", err)
		}
		log.Info("WMS overlay enabled", zap.String("url", oc.URL), zap.String("layer", layer), zap.String("srs", oc.SRS))
		overlays = append(overlays, wms)
	}

	if oc := cfg.WFSOverlay; oc.URL != "" {
		featureType, err := chooseLayer(ctx, oc, func(ctx context.Context) (*overlay.Capabilities, error) {
			return overlay.DiscoverWFS(ctx, fetcher, oc.URL)
		}, log)
		if err != nil {
			return nil, fmt.Errorf("wfs overlay: %w", err)
		}
		wfs, err := overlay.NewWFS(ctx, overlay.WFSConfig{
			BaseURL:     oc.URL,
			FeatureType: featureType,
			SRS:         overlay.SRS{Code: oc.SRS, Bounds: bounds},
			Loader:      loader,
		}, fetcher, log)
		if err != nil {
			return nil, fmt.Errorf("wfs overlay: %w", err)
		}
		log.Info("WFS overlay enabled", zap.String("url", oc.URL), zap.String("feature_type", featureType), zap.String("srs", oc.SRS))
		overlays = append(overlays, wfs)
	}
	return overlays, nil
}

// chooseLayer resolves the configured layer against the service
// capabilities. A numeric setting is an index into the layers sorted by
// name. Named layers survive a failed discovery unchecked.
func chooseLayer(ctx context.Context, oc config.OverlayConfig, discover func(context.Context) (*overlay.Capabilities, error), log *zap.Logger) (string, error) {
	name, index := oc.Layer, -1
	if i, err := strconv.Atoi(oc.Layer); err == nil {
		name, index = "", i
	}

	caps, err := discover(ctx)
	if err != nil {
		if name == "" {
			return "", err
		}
		log.Warn("Capabilities discovery failed, using configured layer", zap.String("layer", name), zap.Error(err))
		return name, nil
	}

	layer, err := caps.Choose(name, index, oc.SRS)
	if err != nil {
		return "", err
	}
	return layer.Name, nil
}
