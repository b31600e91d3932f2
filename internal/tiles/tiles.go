// Package tiles enumerates the tiles of one pyramid level that cover a
// viewport on the map plane.
//
// The map plane is the unit square scaled by TileSize and shifted so the
// world spans [0, 2*TileSize) on both axes, y growing northward. At zoom z
// the world is 2^z tiles across, each TileSize/2^(z-1) plane units wide.
package tiles

import (
	"math"

	"tileview/internal/projection"
)

// TileSize is the pixel edge of one tile image.
const TileSize = 256

// WorldSize is the extent of the map plane on each axis.
const WorldSize = 2 * TileSize

// Point is a position on the map plane.
type Point struct {
	X, Y float64
}

// Ref places one tile on the plane. NX/NY are the wrapped indices used for
// addressing; TX/TY keep the unwrapped position so neighbouring world copies
// line up.
type Ref struct {
	NX, NY int
	TX, TY float64
	SX, SY float64
	Zoom   int
	Bound  int
}

// Row returns the north-origin row that tile servers address.
func (r Ref) Row() int {
	return r.Bound - r.NY - 1
}

// Box is an inclusive tile index rectangle.
type Box struct {
	MinX, MinY, MaxX, MaxY int
}

// ExistsFunc reports whether tile (x, row, zoom) is ready in the cache.
type ExistsFunc func(x, row, zoom int) bool

// Calculator computes tile sets. DrawDepth controls how many levels below
// the current zoom still produce draw entries; deeper levels are only
// checked for completeness.
type Calculator struct {
	Exists    ExistsFunc
	DrawDepth int
}

// Result of one Compute call.
type Result struct {
	Complete bool
	Visited  int
}

// PlaneFromLatLon returns the plane position of a geographic coordinate.
func PlaneFromLatLon(lat, lon float64) Point {
	ux, uy := projection.LatLonToUnit(lat, lon)
	return Point{X: (ux + 1) * TileSize, Y: (uy + 1) * TileSize}
}

// LatLonFromPlane wraps p into the world and returns its coordinate.
func LatLonFromPlane(p Point) (float64, float64) {
	ux := floorMod(p.X/TileSize, 2) - 1
	uy := floorMod(p.Y/TileSize, 2) - 1
	return projection.UnitToLatLon(ux, uy)
}

// BBox returns the tile rectangle of the viewport at zoom, used to detect
// when a pan or zoom crossed a tile boundary.
func BBox(zoom int, min, max Point) Box {
	min, max = normalize(min, max)
	pz := math.Pow(2, float64(zoom)) / TileSize
	return Box{
		MinX: int(math.Floor(min.X * pz)),
		MinY: int(math.Floor(min.Y * pz)),
		MaxX: int(math.Floor(max.X * pz)),
		MaxY: int(math.Floor(max.Y * pz)),
	}
}

// Compute appends to tiles the placements needed to cover [min, max] at
// zoom, enumerated from the center outward, and reports whether every
// enumerated tile already exists. current is the zoom the viewer displays.
func (c *Calculator) Compute(zoom, current int, min, max Point, tiles []Ref) ([]Ref, Result) {
	min, max = normalize(min, max)

	pzoom := math.Pow(2, float64(zoom-1))
	bound := 1 << zoom
	tw := TileSize / pzoom
	th := TileSize / pzoom
	midx, lenx, midy, leny := span(zoom, min, max)

	res := Result{Complete: true}
	draw := zoom >= current-c.DrawDepth

	for dx := 0; dx < lenx; dx++ {
		for _, x := range [2]int{midx + dx, midx - 1 - dx} {
			for dy := 0; dy < leny; dy++ {
				for _, y := range [2]int{midy + dy, midy - 1 - dy} {
					res.Visited++
					ref := Ref{
						NX:    floorModInt(x, bound),
						NY:    floorModInt(y, bound),
						TX:    float64(x) * tw,
						TY:    float64(y) * th,
						SX:    tw,
						SY:    th,
						Zoom:  zoom,
						Bound: bound,
					}
					if res.Complete {
						res.Complete = c.Exists != nil && c.Exists(ref.NX, ref.Row(), zoom)
					}
					if draw {
						tiles = append(tiles, ref)
					}
				}
			}
		}
	}
	return tiles, res
}

// Count returns how many distinct tiles Compute enumerates for [min, max]
// at zoom, without enumerating them.
func Count(zoom int, min, max Point) int {
	min, max = normalize(min, max)
	_, lenx, _, leny := span(zoom, min, max)
	bound := 1 << zoom
	cols, rows := 2*lenx, 2*leny
	if cols > bound {
		cols = bound
	}
	if rows > bound {
		rows = bound
	}
	return cols * rows
}

// span returns the center index and half extent on each axis of the tiles
// covering [min, max] at zoom.
func span(zoom int, min, max Point) (midx, lenx, midy, leny int) {
	pz := math.Pow(2, float64(zoom-1)) / TileSize

	// Floor keeps negative indices on their lower edge; the extra tile on
	// each side preloads what a short pan will reveal.
	minx := int(math.Floor(min.X*pz)) - 1
	miny := int(math.Floor(min.Y*pz)) - 1
	maxx := int(math.Floor(max.X*pz)) + 1
	maxy := int(math.Floor(max.Y*pz)) + 1

	midx, lenx = floorDiv(minx+maxx, 2), floorDiv(maxx-minx, 2)+1
	midy, leny = floorDiv(miny+maxy, 2), floorDiv(maxy-miny, 2)+1
	return midx, lenx, midy, leny
}

func normalize(a, b Point) (Point, Point) {
	return Point{X: math.Min(a.X, b.X), Y: math.Min(a.Y, b.Y)},
		Point{X: math.Max(a.X, b.X), Y: math.Max(a.Y, b.Y)}
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorModInt(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func floorMod(a, b float64) float64 {
	m := math.Mod(a, b)
	if m < 0 {
		m += b
	}
	return m
}
