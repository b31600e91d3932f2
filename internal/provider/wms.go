package provider

import (
	"fmt"

	"tileview/internal/projection"
)

// NewWMS builds a provider that requests each tile as a 256x256 WMS GetMap
// image. layers become the provider's map types.
func NewWMS(name, scheme, host string, params WMSParams, layers ...string) *Provider {
	return &Provider{
		Name:     name,
		Kind:     WMS,
		Scheme:   scheme,
		Hosts:    []string{host},
		MapTypes: layers,
		Format:   "png",
		WMS:      &params,
	}
}

// TileBBox returns the WMS bounding box (minx, miny, maxx, maxy) of tile
// (x, row, zoom) in the provider's SRS.
func (w *WMSParams) TileBBox(x, row, zoom int) [4]float64 {
	tz := float64(int(1) << zoom)
	nx, ny := float64(x), float64(row)

	if w.Bounds != nil {
		b := *w.Bounds
		dx, dy := b.MaxX-b.MinX, b.MaxY-b.MinY
		return [4]float64{
			b.MinX + dx*nx/tz,
			b.MinY + dy*(1-(ny+1)/tz),
			b.MinX + dx*(nx+1)/tz,
			b.MinY + dy*(1-ny/tz),
		}
	}

	west, north := 2*nx/tz-1, 1-2*ny/tz
	east, south := 2*(nx+1)/tz-1, 1-2*(ny+1)/tz

	switch w.SRS {
	case "EPSG:4326":
		nlat, wlon := projection.UnitToLatLon(west, north)
		slat, elon := projection.UnitToLatLon(east, south)
		return [4]float64{wlon, slat, elon, nlat}
	default:
		// EPSG:3857 and its legacy alias EPSG:900913
		return [4]float64{
			west * projection.GoogleConst,
			south * projection.GoogleConst,
			east * projection.GoogleConst,
			north * projection.GoogleConst,
		}
	}
}

func wmsPath(p *Provider, r Request) string {
	w := p.WMS
	bbox := w.TileBBox(r.X, r.Y, r.Zoom)
	return fmt.Sprintf("%s?SRS=%s&FORMAT=image/png&SERVICE=WMS&VERSION=1.1.1&REQUEST=GetMap&BBOX=%f,%f,%f,%f&WIDTH=256&HEIGHT=256&LAYERS=%s",
		w.Path, w.SRS, bbox[0], bbox[1], bbox[2], bbox[3], r.MapType)
}
