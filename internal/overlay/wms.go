package overlay

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"tileview/internal/imaging"
	"tileview/internal/tileserver"
)

// WMSConfig describes one WMS layer.
type WMSConfig struct {
	Name     string
	BaseURL  string
	Layer    string
	SRS      SRS
	MaxAlpha float64
	Loader   LoaderOptions
}

// WMS is a raster overlay rendered by a WMS server for the whole view.
type WMS struct {
	cfg     WMSConfig
	mapURL  string
	fetcher Fetcher
	decoder imaging.Decoder
	log     *zap.Logger

	images *loader[*imaging.Image]
	infos  *loader[string]
}

// NewWMS validates cfg and creates the overlay. Background requests run
// under ctx.
func NewWMS(ctx context.Context, cfg WMSConfig, fetcher Fetcher, decoder imaging.Decoder, log *zap.Logger) (*WMS, error) {
	if err := cfg.SRS.Check(); err != nil {
		return nil, err
	}
	if cfg.Layer == "" {
		return nil, fmt.Errorf("wms overlay %s: no layer", cfg.BaseURL)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Layer
	}
	if cfg.MaxAlpha <= 0 || cfg.MaxAlpha > 1 {
		cfg.MaxAlpha = 1
	}

	w := &WMS{
		cfg:     cfg,
		fetcher: fetcher,
		decoder: decoder,
		log:     log.With(zap.String("overlay", cfg.Name)),
		mapURL: fmt.Sprintf("%s?LAYERS=%s&SRS=%s&FORMAT=image/png&TRANSPARENT=TRUE&SERVICE=WMS&VERSION=1.1.1&REQUEST=GetMap",
			cfg.BaseURL, queryValue(cfg.Layer), queryValue(cfg.SRS.Code)),
	}
	w.images = newLoader(ctx, cfg.Loader, w.loadImage, w.log)
	w.infos = newLoader(ctx, cfg.Loader, w.loadInfo, w.log)
	return w, nil
}

func (w *WMS) Name() string { return w.cfg.Name }

func (w *WMS) Kind() Kind { return Raster }

// MaxAlpha is the opacity the overlay fades in to.
func (w *WMS) MaxAlpha() float64 { return w.cfg.MaxAlpha }

// MapURL is the GetMap request covering v.
func (w *WMS) MapURL(v View) string {
	return fmt.Sprintf("%s&BBOX=%s&WIDTH=%d&HEIGHT=%d&ext=.png", w.mapURL, w.cfg.SRS.bbox(v), v.Width, v.Height)
}

// LegendURL is the GetLegendGraphic request of the layer.
func (w *WMS) LegendURL() string {
	return fmt.Sprintf("%s?SERVICE=WMS&VERSION=1.1.1&REQUEST=GetLegendGraphic&LAYER=%s&FORMAT=image/png",
		w.cfg.BaseURL, queryValue(w.cfg.Layer))
}

// InfoURL is a GetFeatureInfo request for a small square around lat/lon.
func (w *WMS) InfoURL(lat, lon, tolerance float64) string {
	const size = 101
	x1, y1 := w.cfg.SRS.FromLatLon(lat-tolerance, lon-tolerance)
	x2, y2 := w.cfg.SRS.FromLatLon(lat+tolerance, lon+tolerance)
	return fmt.Sprintf("%s?LAYERS=%s&QUERY_LAYERS=%s&SRS=%s&SERVICE=WMS&VERSION=1.1.1&REQUEST=GetFeatureInfo"+
		"&BBOX=%f,%f,%f,%f&WIDTH=%d&HEIGHT=%d&X=%d&Y=%d&INFO_FORMAT=text/plain",
		w.cfg.BaseURL, queryValue(w.cfg.Layer), queryValue(w.cfg.Layer), queryValue(w.cfg.SRS.Code),
		x1, y1, x2, y2, size, size, size/2, size/2)
}

func (w *WMS) Get(v View) *Result {
	if v.Width <= 0 || v.Height <= 0 {
		return nil
	}
	img, ok := w.images.get(w.MapURL(v))
	if !ok {
		return nil
	}
	return &Result{Image: img}
}

// Legend returns the legend graphic once it has been fetched.
func (w *WMS) Legend() *imaging.Image {
	img, ok := w.images.get(w.LegendURL())
	if !ok {
		return nil
	}
	return img
}

func (w *WMS) Info(ctx context.Context, lat, lon, tolerance float64) (string, bool) {
	text, err := w.infos.wait(ctx, w.InfoURL(lat, lon, tolerance))
	if err != nil || text == "" {
		return "", false
	}
	return text, true
}

func (w *WMS) Close() {
	w.images.close()
	w.infos.close()
}

func (w *WMS) loadImage(ctx context.Context, u string) (*imaging.Image, error) {
	body, err := w.fetcher.Fetch(ctx, u)
	if err != nil {
		return nil, err
	}
	if err := tileserver.CheckServiceException(body); err != nil {
		return nil, err
	}
	return w.decoder.Decode(body)
}

func (w *WMS) loadInfo(ctx context.Context, u string) (string, error) {
	body, err := w.fetcher.Fetch(ctx, u)
	if err != nil {
		return "", err
	}
	if err := tileserver.CheckServiceException(body); err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// queryValue escapes a layer or type name for a query string. Namespace
// separators stay readable.
func queryValue(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "%3A", ":")
}
