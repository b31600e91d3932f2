package tiles

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allExist(int, int, int) bool { return true }

func TestComputeCenterFirst(t *testing.T) {
	c := &Calculator{Exists: allExist, DrawDepth: 1}

	// zoom 3: tiles are 64 plane units wide, both corners fall in tile 1
	got, res := c.Compute(3, 3, Point{100, 100}, Point{120, 120}, nil)

	require.True(t, res.Complete)
	require.Equal(t, 16, res.Visited)
	require.Len(t, got, 16)

	first := got[0]
	assert.Equal(t, 1, first.NX)
	assert.Equal(t, 1, first.NY)
	assert.Equal(t, 64.0, first.TX)
	assert.Equal(t, 64.0, first.SX)
	assert.Equal(t, 8, first.Bound)

	// consecutive pairs share a column and mirror around the center row
	for i := 0; i+1 < len(got); i += 2 {
		a, b := got[i], got[i+1]
		assert.Equal(t, a.TX, b.TX, "pair %d", i)
		assert.Equal(t, 2*64.0*1-64.0, a.TY+b.TY, "pair %d", i)
	}
}

func TestComputeWrapsNegativeIndices(t *testing.T) {
	c := &Calculator{Exists: allExist}

	got, _ := c.Compute(3, 3, Point{-10, -10}, Point{10, 10}, nil)
	require.NotEmpty(t, got)

	// -10 sits on tile -1, not tile 0
	assert.Equal(t, -64.0, got[0].TX)
	assert.Equal(t, 7, got[0].NX)

	for _, r := range got {
		assert.GreaterOrEqual(t, r.NX, 0)
		assert.Less(t, r.NX, r.Bound)
		assert.GreaterOrEqual(t, r.NY, 0)
		assert.Less(t, r.NY, r.Bound)
		assert.Equal(t, float64(r.NX), floorMod(r.TX/r.SX, float64(r.Bound)))
	}
}

func TestComputeWrappedRange(t *testing.T) {
	c := &Calculator{Exists: allExist}
	boxes := [][2]Point{
		{{0, 0}, {512, 512}},
		{{-900, 40}, {-300, 700}},
		{{1000, -2000}, {1300, -1800}},
	}
	for z := 1; z <= 6; z++ {
		for _, b := range boxes {
			got, _ := c.Compute(z, z, b[0], b[1], nil)
			for _, r := range got {
				require.True(t, r.NX >= 0 && r.NX < 1<<z, "zoom %d nx %d", z, r.NX)
				require.True(t, r.NY >= 0 && r.NY < 1<<z, "zoom %d ny %d", z, r.NY)
			}
		}
	}
}

func TestComputeSwappedCorners(t *testing.T) {
	c := &Calculator{Exists: allExist}
	a, ra := c.Compute(4, 4, Point{30, 400}, Point{210, 150}, nil)
	b, rb := c.Compute(4, 4, Point{210, 150}, Point{30, 400}, nil)
	assert.Equal(t, a, b)
	assert.Equal(t, ra, rb)
}

func TestComputeCompleteness(t *testing.T) {
	missing := func(x, row, zoom int) bool { return !(x == 2 && zoom == 3) }
	c := &Calculator{Exists: missing}
	_, res := c.Compute(3, 3, Point{100, 100}, Point{120, 120}, nil)
	assert.False(t, res.Complete)
	assert.Equal(t, 16, res.Visited)

	c.Exists = nil
	_, res = c.Compute(3, 3, Point{100, 100}, Point{120, 120}, nil)
	assert.False(t, res.Complete)
}

func TestComputeDrawDepth(t *testing.T) {
	c := &Calculator{Exists: allExist, DrawDepth: 1}

	got, res := c.Compute(3, 5, Point{100, 100}, Point{120, 120}, nil)
	assert.Empty(t, got)
	assert.Equal(t, 16, res.Visited)

	got, _ = c.Compute(4, 5, Point{100, 100}, Point{120, 120}, nil)
	assert.NotEmpty(t, got)

	c.DrawDepth = 0
	got, _ = c.Compute(4, 5, Point{100, 100}, Point{120, 120}, nil)
	assert.Empty(t, got)
}

func TestComputeAppends(t *testing.T) {
	c := &Calculator{Exists: allExist}
	prev := []Ref{{Zoom: 9}}
	got, _ := c.Compute(3, 3, Point{100, 100}, Point{120, 120}, prev)
	require.Len(t, got, 17)
	assert.Equal(t, 9, got[0].Zoom)
}

func TestComputeCoversOslo(t *testing.T) {
	const zoom = 5
	c := &Calculator{Exists: allExist}

	p := PlaneFromLatLon(60, 10)
	got, _ := c.Compute(zoom, zoom, Point{p.X - 40, p.Y - 30}, Point{p.X + 40, p.Y + 30}, nil)

	var hit *Ref
	for i := range got {
		r := got[i]
		if p.X >= r.TX && p.X < r.TX+r.SX && p.Y >= r.TY && p.Y < r.TY+r.SY {
			hit = &got[i]
			break
		}
	}
	require.NotNil(t, hit)

	lat, lon := LatLonFromPlane(Point{hit.TX + hit.SX/2, hit.TY + hit.SY/2})
	south, _ := LatLonFromPlane(Point{hit.TX, hit.TY})
	north, _ := LatLonFromPlane(Point{hit.TX, hit.TY + hit.SY})
	assert.Less(t, math.Abs(lon-10), 360.0/(1<<zoom))
	assert.Less(t, math.Abs(lat-60), north-south)

	want := maptile.At(orb.Point{10, 60}, zoom)
	assert.Equal(t, int(want.X), hit.NX)
	assert.Equal(t, int(want.Y), hit.Row())
}

func TestCount(t *testing.T) {
	c := &Calculator{}
	boxes := []struct {
		zoom     int
		min, max Point
	}{
		{zoom: 3, min: Point{100, 100}, max: Point{120, 120}},
		{zoom: 1, min: Point{10, 10}, max: Point{500, 500}},
		{zoom: 7, min: Point{-20, 300}, max: Point{15, 340}},
		{zoom: 9, min: PlaneFromLatLon(59, 10), max: PlaneFromLatLon(60, 11)},
	}
	for _, b := range boxes {
		got, _ := c.Compute(b.zoom, b.zoom, b.min, b.max, nil)
		distinct := make(map[[2]int]bool)
		for _, r := range got {
			distinct[[2]int{r.NX, r.NY}] = true
		}
		assert.Equal(t, len(distinct), Count(b.zoom, b.min, b.max), "zoom %d", b.zoom)
	}

	assert.Equal(t, 16, Count(2, Point{0, 0}, Point{WorldSize, WorldSize}))
	assert.Equal(t, 16, Count(2, Point{WorldSize, WorldSize}, Point{0, 0}), "swapped corners")
}

func TestPlaneRoundTrip(t *testing.T) {
	p := PlaneFromLatLon(-33.9, 151.2)
	lat, lon := LatLonFromPlane(p)
	assert.InDelta(t, -33.9, lat, 1e-9)
	assert.InDelta(t, 151.2, lon, 1e-9)

	// one world to the east is the same place
	lat, lon = LatLonFromPlane(Point{p.X + WorldSize, p.Y})
	assert.InDelta(t, -33.9, lat, 1e-9)
	assert.InDelta(t, 151.2, lon, 1e-9)
}

func TestBBox(t *testing.T) {
	b := BBox(3, Point{120, 100}, Point{10, 300})
	assert.Equal(t, Box{MinX: 0, MinY: 3, MaxX: 3, MaxY: 9}, b)

	b = BBox(2, Point{-1, -1}, Point{1, 1})
	assert.Equal(t, Box{MinX: -1, MinY: -1, MaxX: 0, MaxY: 0}, b)
}
