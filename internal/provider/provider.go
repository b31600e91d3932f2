// Package provider holds the tile servers the viewer can fetch from and
// the URL scheme each one uses to address a tile.
package provider

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb/maptile"

	"tileview/internal/projection"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrUnknownMapType  = errors.New("unknown map type")
)

// Kind selects the addressing scheme of a provider.
type Kind int

const (
	OpenStreetMap Kind = iota
	Bing
	Yahoo
	BlueMarble
	WMS
)

func (k Kind) String() string {
	switch k {
	case OpenStreetMap:
		return "openstreetmap"
	case Bing:
		return "bing"
	case Yahoo:
		return "yahoo"
	case BlueMarble:
		return "bluemarble"
	case WMS:
		return "wms"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Request describes one tile to address. Y is the row counted from the
// north edge. Lat/Lon is the tile center.
type Request struct {
	X, Y    int
	Zoom    int
	Lat     float64
	Lon     float64
	Width   int
	Height  int
	Format  string
	MapType string
}

// WMSParams configures a provider that serves tiles through WMS GetMap.
type WMSParams struct {
	Path   string
	SRS    string
	Bounds *projection.Bounds
}

// Provider is one tile source.
type Provider struct {
	Name     string
	Kind     Kind
	Scheme   string
	Hosts    []string
	MapTypes []string
	Format   string
	WMS      *WMSParams
}

type pathFunc func(p *Provider, r Request) string

var paths = map[Kind]pathFunc{
	OpenStreetMap: osmPath,
	Bing:          bingPath,
	Yahoo:         yahooPath,
	BlueMarble:    blueMarblePath,
	WMS:           wmsPath,
}

var registry = map[string]Provider{
	"openstreetmap": {
		Name:     "openstreetmap",
		Kind:     OpenStreetMap,
		Scheme:   "https",
		Hosts:    []string{"tile.openstreetmap.org"},
		MapTypes: []string{"roadmap"},
		Format:   "png",
	},
	"bing": {
		Name:     "bing",
		Kind:     Bing,
		Scheme:   "http",
		Hosts:    []string{"r0.ortho.tiles.virtualearth.net", "r1.ortho.tiles.virtualearth.net", "r2.ortho.tiles.virtualearth.net", "r3.ortho.tiles.virtualearth.net"},
		MapTypes: []string{"roadmap", "satellite", "aerial"},
		Format:   "png",
	},
	"yahoo": {
		Name:     "yahoo",
		Kind:     Yahoo,
		Scheme:   "http",
		Hosts:    []string{"us.maps2.yimg.com"},
		MapTypes: []string{"roadmap"},
		Format:   "png",
	},
	"bluemarble": {
		Name:     "bluemarble",
		Kind:     BlueMarble,
		Scheme:   "http",
		Hosts:    []string{"s3.amazonaws.com"},
		MapTypes: []string{"satellite"},
		Format:   "jpg",
	},
	"osmwms": {
		Name:     "osmwms",
		Kind:     WMS,
		Scheme:   "http",
		Hosts:    []string{"129.206.229.158"},
		MapTypes: []string{"osm_auto:all"},
		Format:   "png",
		WMS: &WMSParams{
			Path: "/cached/osm",
			SRS:  "EPSG:900913",
		},
	},
}

// Lookup returns a copy of the named provider.
func Lookup(name string) (*Provider, error) {
	p, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	p.Hosts = slices.Clone(p.Hosts)
	p.MapTypes = slices.Clone(p.MapTypes)
	if p.WMS != nil {
		w := *p.WMS
		p.WMS = &w
	}
	return &p, nil
}

// Names lists the registered providers in alphabetical order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CheckMapType returns the canonical spelling of mapType, falling back to
// the first map type the provider offers when mapType is empty.
func (p *Provider) CheckMapType(mapType string) (string, error) {
	if mapType == "" {
		return p.MapTypes[0], nil
	}
	for _, mt := range p.MapTypes {
		if strings.EqualFold(mt, mapType) {
			return mt, nil
		}
	}
	return "", fmt.Errorf("%w: %q for %s (have %s)", ErrUnknownMapType, mapType, p.Name, strings.Join(p.MapTypes, ", "))
}

// Host picks one of the provider's mirror hosts.
func (p *Provider) Host() string {
	if len(p.Hosts) == 1 {
		return p.Hosts[0]
	}
	return p.Hosts[rand.IntN(len(p.Hosts))]
}

// Path returns the provider relative URL of a tile.
func (p *Provider) Path(r Request) string {
	return paths[p.Kind](p, r)
}

// URL returns the absolute URL of a tile.
func (p *Provider) URL(r Request) string {
	return p.Scheme + "://" + p.Host() + p.Path(r)
}

func osmPath(_ *Provider, r Request) string {
	return fmt.Sprintf("/%d/%d/%d.png", r.Zoom, r.X, r.Y)
}

func bingPath(_ *Provider, r Request) string {
	prefix := "r"
	if r.MapType == "satellite" || r.MapType == "aerial" {
		prefix = "h"
	}
	return fmt.Sprintf("/tiles/%s%s.png?g=90&shading=hill", prefix, Quadkey(r.X, r.Y, r.Zoom))
}

func yahooPath(_ *Provider, r Request) string {
	y := (1 << (r.Zoom - 1)) - r.Y - 1
	return fmt.Sprintf("/us.png.maps.yimg.com/png?v=3.52&t=m&x=%d&y=%d&z=%d", r.X, y, 18-r.Zoom)
}

func blueMarblePath(_ *Provider, r Request) string {
	return fmt.Sprintf("/com.modestmaps.bluemarble/%d-r%d-c%d.jpg", r.Zoom, r.Y, r.X)
}

// Quadkey encodes a tile as the base-4 digit string Bing addresses tiles by.
func Quadkey(x, y, zoom int) string {
	if zoom == 0 {
		return ""
	}
	q := maptile.New(uint32(x), uint32(y), maptile.Zoom(zoom)).Quadkey()
	s := strconv.FormatUint(q, 4)
	if len(s) < zoom {
		s = strings.Repeat("0", zoom-len(s)) + s
	}
	return s
}

// NewRequest fills the tile center and size for tile (x, row, zoom).
func NewRequest(x, row, zoom int, mapType, format string) Request {
	tz := float64(int(1) << zoom)
	lat, lon := projection.UnitToLatLon(2*(float64(x)+0.5)/tz-1, 1-2*(float64(row)+0.5)/tz)
	return Request{
		X:       x,
		Y:       row,
		Zoom:    zoom,
		Lat:     lat,
		Lon:     projection.Fix180(lon),
		Width:   256,
		Height:  256,
		Format:  format,
		MapType: mapType,
	}
}
