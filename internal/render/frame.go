package render

import (
	"time"

	"github.com/paulmach/orb/geojson"

	"tileview/internal/tileserver"
)

// Tile is one draw call. X/Y is the bottom-left screen corner.
type Tile struct {
	Key    string  `json:"key"`
	Image  string  `json:"image"`
	Zoom   int     `json:"zoom"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Alpha  float64 `json:"alpha"`
}

// Raster is an overlay image stretched over a screen rectangle.
type Raster struct {
	Overlay string  `json:"overlay"`
	Image   string  `json:"image"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
	Alpha   float64 `json:"alpha"`
}

// Shape kinds.
const (
	Disc     = "disc"
	Polyline = "polyline"
)

// Shape is a vector primitive in screen coordinates.
type Shape struct {
	Overlay string       `json:"overlay"`
	Kind    string       `json:"kind"`
	Points  [][2]float64 `json:"points"`
	Radius  float64      `json:"radius,omitempty"`
	Color   string       `json:"color"`
}

// Frame is everything a host needs to paint one tick. Tiles are in paint
// order: coarse fallback levels first, the center of the current level
// last.
type Frame struct {
	Time      time.Time                             `json:"time"`
	Provider  string                                `json:"provider"`
	MapType   string                                `json:"map_type"`
	Zoom      int                                   `json:"zoom"`
	Scale     float64                               `json:"scale"`
	Tiles     []Tile                                `json:"tiles"`
	Rasters   []Raster                              `json:"rasters,omitempty"`
	Shapes    []Shape                               `json:"shapes,omitempty"`
	Features  map[string]*geojson.FeatureCollection `json:"features,omitempty"`
	TileCount int                                   `json:"tile_count"`
	Drained   int                                   `json:"drained"`
	Stats     tileserver.Stats                      `json:"stats"`
}
