package overlay

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"go.uber.org/zap"
)

// WFSConfig describes one WFS feature type.
type WFSConfig struct {
	Name        string
	BaseURL     string
	FeatureType string
	Namespace   string
	SRS         SRS
	MaxFeatures int
	Loader      LoaderOptions
}

// WFS is a vector overlay of points and rings.
type WFS struct {
	cfg      WFSConfig
	queryURL string
	fetcher  Fetcher
	log      *zap.Logger
	features *loader[*geojson.FeatureCollection]

	mu   sync.Mutex
	last *geojson.FeatureCollection
}

// NewWFS validates cfg and creates the overlay. Background requests run
// under ctx.
func NewWFS(ctx context.Context, cfg WFSConfig, fetcher Fetcher, log *zap.Logger) (*WFS, error) {
	if err := cfg.SRS.Check(); err != nil {
		return nil, err
	}
	if cfg.FeatureType == "" {
		return nil, fmt.Errorf("wfs overlay %s: no feature type", cfg.BaseURL)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.FeatureType
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "namespace"
	}
	if cfg.MaxFeatures <= 0 {
		cfg.MaxFeatures = 50
	}

	typeName := cfg.FeatureType
	if !strings.Contains(typeName, ":") {
		typeName = cfg.Namespace + ":" + typeName
	}

	w := &WFS{
		cfg:     cfg,
		fetcher: fetcher,
		log:     log.With(zap.String("overlay", cfg.Name)),
		queryURL: fmt.Sprintf("%s?typeName=%s&SERVICE=WFS&VERSION=1.1.0&REQUEST=GetFeature&maxFeatures=%d",
			cfg.BaseURL, queryValue(typeName), cfg.MaxFeatures),
	}
	w.features = newLoader(ctx, cfg.Loader, w.load, w.log)
	return w, nil
}

func (w *WFS) Name() string { return w.cfg.Name }

func (w *WFS) Kind() Kind { return Vector }

// FeatureURL is the GetFeature request covering v.
func (w *WFS) FeatureURL(v View) string {
	return w.queryURL + "&bbox=" + w.cfg.SRS.bbox(v)
}

func (w *WFS) Get(v View) *Result {
	fc, ok := w.features.get(w.FeatureURL(v))
	if !ok {
		return nil
	}
	w.mu.Lock()
	w.last = fc
	w.mu.Unlock()
	return &Result{Features: fc}
}

// Info describes the feature nearest to lat/lon among those last returned
// by Get, if one lies within tolerance degrees.
func (w *WFS) Info(_ context.Context, lat, lon, tolerance float64) (string, bool) {
	w.mu.Lock()
	fc := w.last
	w.mu.Unlock()
	if fc == nil {
		return "", false
	}

	p := orb.Point{lon, lat}
	var best *geojson.Feature
	bestDist := math.Inf(1)
	for _, f := range fc.Features {
		d := distanceTo(f.Geometry, p)
		if d <= tolerance && d < bestDist {
			best, bestDist = f, d
		}
	}
	if best == nil {
		return "", false
	}
	return describe(best), true
}

func (w *WFS) Close() {
	w.features.close()
}

func (w *WFS) load(ctx context.Context, u string) (*geojson.FeatureCollection, error) {
	body, err := w.fetcher.Fetch(ctx, u)
	if err != nil {
		return nil, err
	}
	return ParseGML(body, w.cfg.SRS)
}

func distanceTo(g orb.Geometry, p orb.Point) float64 {
	if r, ok := g.(orb.Ring); ok && planar.RingContains(r, p) {
		return 0
	}
	return planar.DistanceFrom(g, p)
}

func describe(f *geojson.Feature) string {
	keys := make([]string, 0, len(f.Properties))
	for k := range f.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if f.ID != nil {
		fmt.Fprintf(&b, "id: %v\n", f.ID)
	}
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, f.Properties[k])
	}
	return strings.TrimRight(b.String(), "\n")
}
