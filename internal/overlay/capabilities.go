package overlay

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"sort"
	"strings"

	"tileview/internal/tileserver"
)

var ErrNoLayer = errors.New("no matching layer")

// Layer is a named layer or feature type offered by a service.
type Layer struct {
	Name  string
	Title string
	SRS   []string
}

// Supports reports whether code is one of the layer's coordinate systems.
func (l Layer) Supports(code string) bool {
	for _, s := range l.SRS {
		if strings.EqualFold(s, code) {
			return true
		}
	}
	return false
}

// Capabilities lists the layers of a service sorted by name.
type Capabilities struct {
	Layers []Layer
}

// Choose picks a layer by name, or by index into the sorted list when name
// is empty. A non-empty srs must be supported by the chosen layer.
func (c *Capabilities) Choose(name string, index int, srs string) (Layer, error) {
	var (
		layer Layer
		found bool
	)
	if name != "" {
		for _, l := range c.Layers {
			if l.Name == name {
				layer, found = l, true
				break
			}
		}
	} else if index >= 0 && index < len(c.Layers) {
		layer, found = c.Layers[index], true
	}
	if !found {
		return Layer{}, fmt.Errorf("%w: name %q index %d", ErrNoLayer, name, index)
	}
	if srs != "" && len(layer.SRS) > 0 && !layer.Supports(srs) {
		return Layer{}, fmt.Errorf("%w: %s on layer %s", ErrUnsupportedSRS, srs, layer.Name)
	}
	return layer, nil
}

type wmsLayer struct {
	Name   string     `xml:"Name"`
	Title  string     `xml:"Title"`
	SRS    []string   `xml:"SRS"`
	CRS    []string   `xml:"CRS"`
	Layers []wmsLayer `xml:"Layer"`
}

type wmsCapabilities struct {
	Layers []wmsLayer `xml:"Capability>Layer"`
}

type wfsCapabilities struct {
	FeatureTypes []struct {
		Name       string   `xml:"Name"`
		Title      string   `xml:"Title"`
		SRS        []string `xml:"SRS"`
		DefaultSRS []string `xml:"DefaultSRS"`
		DefaultCRS []string `xml:"DefaultCRS"`
		OtherSRS   []string `xml:"OtherSRS"`
		OtherCRS   []string `xml:"OtherCRS"`
	} `xml:"FeatureTypeList>FeatureType"`
}

// DiscoverWMS fetches and parses a WMS GetCapabilities document.
func DiscoverWMS(ctx context.Context, fetcher Fetcher, baseURL string) (*Capabilities, error) {
	body, err := fetcher.Fetch(ctx, baseURL+"?SERVICE=WMS&VERSION=1.1.1&REQUEST=GetCapabilities")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch WMS capabilities: %w", err)
	}
	return ParseWMSCapabilities(body)
}

// DiscoverWFS fetches and parses a WFS GetCapabilities document.
func DiscoverWFS(ctx context.Context, fetcher Fetcher, baseURL string) (*Capabilities, error) {
	body, err := fetcher.Fetch(ctx, baseURL+"?SERVICE=WFS&VERSION=1.1.0&REQUEST=GetCapabilities")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch WFS capabilities: %w", err)
	}
	return ParseWFSCapabilities(body)
}

// ParseWMSCapabilities collects the named layers of the layer tree. Nested
// layers inherit the coordinate systems of their parents.
func ParseWMSCapabilities(data []byte) (*Capabilities, error) {
	if err := tileserver.CheckServiceException(data); err != nil {
		return nil, err
	}
	var doc wmsCapabilities
	if err := xml.NewDecoder(bytes.NewReader(data)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse WMS capabilities: %w", err)
	}

	caps := &Capabilities{}
	var walk func(l wmsLayer, inherited []string)
	walk = func(l wmsLayer, inherited []string) {
		srs := appendCodes(append([]string(nil), inherited...), l.SRS...)
		srs = appendCodes(srs, l.CRS...)
		if l.Name != "" {
			caps.Layers = append(caps.Layers, Layer{Name: l.Name, Title: l.Title, SRS: srs})
		}
		for _, child := range l.Layers {
			walk(child, srs)
		}
	}
	for _, l := range doc.Layers {
		walk(l, nil)
	}
	caps.sort()
	return caps, nil
}

// ParseWFSCapabilities collects the feature types of a WFS.
func ParseWFSCapabilities(data []byte) (*Capabilities, error) {
	if err := tileserver.CheckServiceException(data); err != nil {
		return nil, err
	}
	var doc wfsCapabilities
	if err := xml.NewDecoder(bytes.NewReader(data)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse WFS capabilities: %w", err)
	}

	caps := &Capabilities{}
	for _, ft := range doc.FeatureTypes {
		if ft.Name == "" {
			continue
		}
		var srs []string
		for _, list := range [][]string{ft.SRS, ft.DefaultSRS, ft.DefaultCRS, ft.OtherSRS, ft.OtherCRS} {
			srs = appendCodes(srs, list...)
		}
		caps.Layers = append(caps.Layers, Layer{Name: ft.Name, Title: ft.Title, SRS: srs})
	}
	caps.sort()
	return caps, nil
}

func (c *Capabilities) sort() {
	sort.SliceStable(c.Layers, func(i, j int) bool {
		return c.Layers[i].Name < c.Layers[j].Name
	})
}

// appendCodes adds whitespace separated codes, normalizing the URN form
// urn:ogc:def:crs:EPSG::4326 to EPSG:4326 and skipping duplicates.
func appendCodes(dst []string, values ...string) []string {
	for _, v := range values {
		for _, code := range strings.Fields(v) {
			code = normalizeCode(code)
			dup := false
			for _, have := range dst {
				if have == code {
					dup = true
					break
				}
			}
			if !dup {
				dst = append(dst, code)
			}
		}
	}
	return dst
}

func normalizeCode(code string) string {
	const urn = "urn:ogc:def:crs:epsg:"
	if strings.HasPrefix(strings.ToLower(code), urn) {
		rest := strings.TrimLeft(code[len(urn):], ":")
		if i := strings.LastIndex(rest, ":"); i >= 0 {
			rest = rest[i+1:]
		}
		return "EPSG:" + rest
	}
	return strings.ToUpper(code)
}
