package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"

	"tileview/internal/projection"
)

// OverlayConfig describes an optional WMS or WFS overlay. URL empty means
// the overlay is disabled.
type OverlayConfig struct {
	URL   string  `validate:"omitempty,url"`
	Layer string  `validate:"required_with=URL"`
	SRS   string  `default:"EPSG:4326"`
	Alpha float64 `default:"1" validate:"gt=0,lte=1"`
}

type Config struct {
	Port          int    `default:"8080" validate:"min=1,max=65535"`
	DataDir       string `default:"/data"`
	LogLevel      string `default:"info" validate:"oneof=debug info warn error"`
	LogEncoding   string `default:"json" validate:"oneof=json console"`
	AllowedOrigin string

	Provider string `default:"openstreetmap" validate:"required"`
	MapType  string

	CacheType        string `default:"file" validate:"oneof=file memory disabled"`
	CacheFileDir     string `validate:"required_if=CacheType file"`
	CacheMemoryTiles int    `default:"2000" validate:"min=1"`

	Decoder         string `default:"std" validate:"oneof=std vips"`
	VipsMaxCacheMB  int    `default:"256" validate:"min=0"`
	VipsConcurrency int    `default:"1" validate:"min=0"`

	FetchWorkers     int           `default:"10" validate:"min=1,max=256"`
	FetchAttempts    int           `default:"2" validate:"min=1,max=10"`
	FetchTimeout     time.Duration `default:"30s" validate:"gt=0"`
	UserAgent        string        `default:"tileview/1.0"`
	TileCacheLimit   int           `default:"1000" validate:"min=1"`
	TileCacheTimeout time.Duration `default:"1m" validate:"gt=0"`
	FailureCooldown  time.Duration `default:"5s" validate:"gt=0"`

	Quality         int           `default:"1" validate:"min=0,max=4"`
	MaxFallback     int           `default:"2" validate:"min=0,max=10"`
	DrawDepth       int           `default:"1" validate:"min=0,max=10"`
	MaxZoom         int           `default:"19" validate:"min=1,max=30"`
	TickInterval    time.Duration `default:"100ms" validate:"gt=0"`
	OverlayDebounce time.Duration `default:"500ms" validate:"gte=0"`
	CloseOnIdle     bool
	IdleTimeout     time.Duration `default:"300s" validate:"gt=0"`

	StartLat   float64 `default:"60" validate:"gte=-85,lte=85"`
	StartLon   float64 `default:"10" validate:"gte=-180,lte=180"`
	StartScale float64 `default:"3" validate:"gt=0"`
	ViewWidth  int     `default:"1024" validate:"min=1"`
	ViewHeight int     `default:"768" validate:"min=1"`

	WMSOverlay    OverlayConfig
	WFSOverlay    OverlayConfig
	OverlayBounds string
}

// Load reads the environment on top of the defaults and validates the
// result.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to set config defaults: %w", err)
	}

	cfg.Port = getEnvInt("PORT", cfg.Port)
	cfg.DataDir = getEnv("DATA_DIR", cfg.DataDir)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogEncoding = getEnv("LOG_ENCODING", cfg.LogEncoding)
	cfg.AllowedOrigin = getEnv("ALLOWED_ORIGIN", cfg.AllowedOrigin)

	cfg.Provider = getEnv("PROVIDER", cfg.Provider)
	cfg.MapType = getEnv("MAP_TYPE", cfg.MapType)

	cfg.CacheType = getEnv("CACHE", cfg.CacheType)
	cfg.CacheFileDir = getEnv("CACHE_FILE_DIR", filepath.Join(cfg.DataDir, "tiles"))
	cfg.CacheMemoryTiles = getEnvInt("CACHE_MEMORY_TILES", cfg.CacheMemoryTiles)

	cfg.Decoder = getEnv("DECODER", cfg.Decoder)
	cfg.VipsMaxCacheMB = getEnvInt("VIPS_MAX_CACHE_MB", cfg.VipsMaxCacheMB)
	cfg.VipsConcurrency = getEnvInt("VIPS_CONCURRENCY", cfg.VipsConcurrency)

	cfg.FetchWorkers = getEnvInt("FETCH_WORKERS", cfg.FetchWorkers)
	cfg.FetchAttempts = getEnvInt("FETCH_ATTEMPTS", cfg.FetchAttempts)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", cfg.FetchTimeout)
	cfg.UserAgent = getEnv("USER_AGENT", cfg.UserAgent)
	cfg.TileCacheLimit = getEnvInt("TILE_CACHE_LIMIT", cfg.TileCacheLimit)
	cfg.TileCacheTimeout = getEnvDuration("TILE_CACHE_TIMEOUT", cfg.TileCacheTimeout)
	cfg.FailureCooldown = getEnvDuration("FAILURE_COOLDOWN", cfg.FailureCooldown)

	cfg.Quality = getEnvInt("QUALITY", cfg.Quality)
	cfg.MaxFallback = getEnvInt("MAX_FALLBACK", cfg.MaxFallback)
	cfg.DrawDepth = getEnvInt("DRAW_DEPTH", cfg.DrawDepth)
	cfg.MaxZoom = getEnvInt("MAX_ZOOM", cfg.MaxZoom)
	cfg.TickInterval = getEnvDuration("TICK_INTERVAL", cfg.TickInterval)
	cfg.OverlayDebounce = getEnvDuration("OVERLAY_DEBOUNCE", cfg.OverlayDebounce)
	cfg.CloseOnIdle = getEnvBool("CLOSE_ON_IDLE", cfg.CloseOnIdle)
	cfg.IdleTimeout = getEnvDuration("IDLE_TIMEOUT", cfg.IdleTimeout)

	cfg.StartLat = getEnvFloat("START_LAT", cfg.StartLat)
	cfg.StartLon = getEnvFloat("START_LON", cfg.StartLon)
	cfg.StartScale = getEnvFloat("START_SCALE", cfg.StartScale)
	cfg.ViewWidth = getEnvInt("VIEW_WIDTH", cfg.ViewWidth)
	cfg.ViewHeight = getEnvInt("VIEW_HEIGHT", cfg.ViewHeight)

	cfg.WMSOverlay.URL = getEnv("WMS_OVERLAY_URL", cfg.WMSOverlay.URL)
	cfg.WMSOverlay.Layer = getEnv("WMS_OVERLAY_LAYER", cfg.WMSOverlay.Layer)
	cfg.WMSOverlay.SRS = getEnv("WMS_OVERLAY_SRS", cfg.WMSOverlay.SRS)
	cfg.WMSOverlay.Alpha = getEnvFloat("WMS_OVERLAY_ALPHA", cfg.WMSOverlay.Alpha)
	cfg.WFSOverlay.URL = getEnv("WFS_OVERLAY_URL", cfg.WFSOverlay.URL)
	cfg.WFSOverlay.Layer = getEnv("WFS_OVERLAY_FEATURE", cfg.WFSOverlay.Layer)
	cfg.WFSOverlay.SRS = getEnv("WFS_OVERLAY_SRS", cfg.WFSOverlay.SRS)
	cfg.OverlayBounds = getEnv("OVERLAY_BOUNDS", cfg.OverlayBounds)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and the overlay bounds syntax.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := c.Bounds(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Bounds parses OverlayBounds ("minx,miny,maxx,maxy"). It returns nil when
// no custom bounds are configured.
func (c *Config) Bounds() (*projection.Bounds, error) {
	if strings.TrimSpace(c.OverlayBounds) == "" {
		return nil, nil
	}
	parts := strings.Split(c.OverlayBounds, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("overlay bounds %q: want minx,miny,maxx,maxy", c.OverlayBounds)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("overlay bounds %q: %w", c.OverlayBounds, err)
		}
		v[i] = f
	}
	if v[2] <= v[0] || v[3] <= v[1] {
		return nil, fmt.Errorf("overlay bounds %q: empty rectangle", c.OverlayBounds)
	}
	return &projection.Bounds{MinX: v[0], MinY: v[1], MaxX: v[2], MaxY: v[3]}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		// bare numbers are seconds
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
