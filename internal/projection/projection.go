// Package projection converts between geographic coordinates and the
// bent-Mercator unit square [-1,1]x[-1,1] that the tile pyramid is laid on.
//
// All angles are degrees. The unit square is the common intermediate: tile
// space, pseudo-Mercator meters and custom overlay bounds are all derived
// from it.
package projection

import "math"

const (
	// GoogleConst is half the Web-Mercator world circumference in meters.
	GoogleConst = 20037508.342789244

	// MaxLatitude is where the unit-square mapping reaches |uy| == 1.
	MaxLatitude = 85.05112877980659

	earthRadiusKm = 6371.0
)

// Bounds is a rectangle (MinX, MinY, MaxX, MaxY) in some local coordinate
// system that an overlay source declares it operates in.
type Bounds struct {
	MinX, MinY, MaxX, MaxY float64
}

// LatLon is a geographic coordinate.
type LatLon struct {
	Lat, Lon float64
}

// LatLonToUnit projects lat/lon onto the unit square. Latitudes beyond
// MaxLatitude are clamped so the poles map to +-1 instead of +-Inf.
func LatLonToUnit(lat, lon float64) (float64, float64) {
	lat = math.Max(-MaxLatitude, math.Min(MaxLatitude, lat))
	ux := lon / 180.0
	uy := math.Log(math.Tan(math.Pi/4.0+(lat*math.Pi/180.0)/2.0)) / math.Pi
	return ux, uy
}

// UnitToLatLon is the inverse of LatLonToUnit.
func UnitToLatLon(ux, uy float64) (float64, float64) {
	lat := (2*math.Atan(math.Exp(uy*math.Pi)) - math.Pi/2) * 180.0 / math.Pi
	return lat, ux * 180.0
}

// P4326ToUnit maps plate carree lon/lat linearly onto the unit square.
func P4326ToUnit(lon, lat float64) (float64, float64) {
	return lon / 180.0, lat / 90.0
}

// UnitToP4326 is the inverse of P4326ToUnit, returning (lon, lat).
func UnitToP4326(ux, uy float64) (float64, float64) {
	return ux * 180.0, uy * 90.0
}

// LatLonToGoogle returns pseudo-Mercator (EPSG:3857) meters.
func LatLonToGoogle(lat, lon float64) (float64, float64) {
	ux, uy := LatLonToUnit(lat, lon)
	return ux * GoogleConst, uy * GoogleConst
}

// GoogleToLatLon is the inverse of LatLonToGoogle.
func GoogleToLatLon(x, y float64) (float64, float64) {
	return UnitToLatLon(x/GoogleConst, y/GoogleConst)
}

// UnitToCustom remaps the unit square affinely onto b.
func UnitToCustom(ux, uy float64, b Bounds) (float64, float64) {
	dx, dy := b.MaxX-b.MinX, b.MaxY-b.MinY
	return b.MinX + (ux+1.0)/2.0*dx, b.MinY + (uy+1.0)/2.0*dy
}

// CustomToUnit is the inverse of UnitToCustom.
func CustomToUnit(x, y float64, b Bounds) (float64, float64) {
	dx, dy := b.MaxX-b.MinX, b.MaxY-b.MinY
	return (x-b.MinX)*2.0/dx - 1.0, (y-b.MinY)*2.0/dy - 1.0
}

// LatLonToCustom pretends the local system in b is globally georeferenced:
// it stretches the whole Mercator world over b. This is not a reprojection.
func LatLonToCustom(lat, lon float64, b Bounds) (float64, float64) {
	ux, uy := LatLonToUnit(lat, lon)
	return UnitToCustom(ux, uy, b)
}

// CustomToLatLon is the inverse of LatLonToCustom.
func CustomToLatLon(x, y float64, b Bounds) (float64, float64) {
	ux, uy := CustomToUnit(x, y, b)
	return UnitToLatLon(ux, uy)
}

// Fix180 wraps x into [-180, 180).
func Fix180(x float64) float64 {
	r := math.Mod(x+180, 360)
	if r < 0 {
		r += 360
	}
	if r >= 360 {
		r -= 360
	}
	return r - 180
}

// Distance returns the great-circle distance in kilometers.
func Distance(a, b LatLon) float64 {
	lat1, lon1 := a.Lat*math.Pi/180, a.Lon*math.Pi/180
	lat2, lon2 := b.Lat*math.Pi/180, b.Lon*math.Pi/180

	dlon := lon2 - lon1
	dlat := lat2 - lat1
	h := math.Pow(math.Sin(dlat/2), 2) + math.Cos(lat1)*math.Cos(lat2)*math.Pow(math.Sin(dlon/2), 2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}
