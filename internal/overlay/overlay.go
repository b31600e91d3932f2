// Package overlay implements the WMS raster and WFS vector layers drawn on
// top of the base tiles. Requests run in the background; Get only ever
// returns what is already cached.
package overlay

import (
	"context"
	"errors"
	"fmt"

	"github.com/paulmach/orb/geojson"

	"tileview/internal/imaging"
	"tileview/internal/projection"
)

var (
	ErrUnsupportedSRS = errors.New("unsupported SRS")
	errNotCached      = errors.New("response not cached")
)

// Kind tells raster overlays from vector ones.
type Kind int

const (
	Raster Kind = iota
	Vector
)

// View is the part of the viewport an overlay request depends on.
type View struct {
	BottomLeft projection.LatLon
	TopRight   projection.LatLon
	Zoom       int
	Width      int
	Height     int
}

// Result is a ready overlay response. Raster overlays fill Image, vector
// overlays fill Features.
type Result struct {
	Image    *imaging.Image
	Features *geojson.FeatureCollection
}

// Overlay is one layer consulted by the render driver.
type Overlay interface {
	Name() string
	Kind() Kind
	// Get returns nil until the response for v is cached.
	Get(v View) *Result
	// Info describes what lies within tolerance degrees of lat/lon.
	Info(ctx context.Context, lat, lon, tolerance float64) (string, bool)
	Close()
}

// SRS converts between geographic coordinates and an overlay's coordinate
// system. Custom bounds take precedence over the EPSG code.
type SRS struct {
	Code   string
	Bounds *projection.Bounds
}

// Check reports whether the SRS can be converted without a projection
// library.
func (s SRS) Check() error {
	if s.Bounds != nil {
		return nil
	}
	switch s.Code {
	case "EPSG:4326", "EPSG:3857", "EPSG:900913":
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedSRS, s.Code)
	}
}

// FromLatLon returns (x, y) in the SRS.
func (s SRS) FromLatLon(lat, lon float64) (float64, float64) {
	switch {
	case s.Bounds != nil:
		return projection.LatLonToCustom(lat, lon, *s.Bounds)
	case s.Code == "EPSG:4326":
		return lon, lat
	default:
		return projection.LatLonToGoogle(lat, lon)
	}
}

// ToLatLon is the inverse of FromLatLon.
func (s SRS) ToLatLon(x, y float64) (float64, float64) {
	switch {
	case s.Bounds != nil:
		return projection.CustomToLatLon(x, y, *s.Bounds)
	case s.Code == "EPSG:4326":
		return y, x
	default:
		return projection.GoogleToLatLon(x, y)
	}
}

// bbox renders the view corners as minx,miny,maxx,maxy in the SRS.
func (s SRS) bbox(v View) string {
	x1, y1 := s.FromLatLon(v.BottomLeft.Lat, v.BottomLeft.Lon)
	x2, y2 := s.FromLatLon(v.TopRight.Lat, v.TopRight.Lon)
	return fmt.Sprintf("%f,%f,%f,%f", x1, y1, x2, y2)
}
