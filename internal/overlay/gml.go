package overlay

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"tileview/internal/tileserver"
)

// GMLNamespace is the namespace of GML geometry and member elements.
const GMLNamespace = "http://www.opengis.net/gml"

type gmlNode struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Text    string     `xml:",chardata"`
	Nodes   []gmlNode  `xml:",any"`
}

func (n *gmlNode) is(local string) bool {
	return n.XMLName.Local == local && isGML(n.XMLName.Space)
}

// isGML also accepts an undeclared gml prefix.
func isGML(space string) bool {
	return space == GMLNamespace || space == "gml"
}

func (n *gmlNode) attr(local string) string {
	for _, a := range n.Attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// ParseGML reads a WFS GetFeature response. Each feature member yields the
// first Point or LinearRing found in it, converted to lon/lat with srs.
// Members without a supported geometry are skipped.
func ParseGML(data []byte, srs SRS) (*geojson.FeatureCollection, error) {
	if err := tileserver.CheckServiceException(data); err != nil {
		return nil, err
	}
	var root gmlNode
	if err := xml.NewDecoder(bytes.NewReader(data)).Decode(&root); err != nil {
		return nil, fmt.Errorf("failed to parse GML: %w", err)
	}

	fc := geojson.NewFeatureCollection()
	for i := range root.Nodes {
		member := &root.Nodes[i]
		switch {
		case member.is("featureMember"):
			if len(member.Nodes) == 0 {
				continue
			}
			if f := parseFeature(&member.Nodes[0], srs); f != nil {
				fc.Append(f)
			}
		case member.is("featureMembers"):
			for j := range member.Nodes {
				if f := parseFeature(&member.Nodes[j], srs); f != nil {
					fc.Append(f)
				}
			}
		}
	}
	return fc, nil
}

func parseFeature(elem *gmlNode, srs SRS) *geojson.Feature {
	geom := findGeometry(elem)
	if geom == nil {
		return nil
	}
	g, err := toGeometry(geom, srs)
	if err != nil {
		return nil
	}

	f := geojson.NewFeature(g)
	if id := elem.attr("id"); id != "" {
		f.ID = id
	} else if fid := elem.attr("fid"); fid != "" {
		f.ID = fid
	}
	f.Properties["type"] = elem.XMLName.Local
	for i := range elem.Nodes {
		child := &elem.Nodes[i]
		if len(child.Nodes) > 0 || isGML(child.XMLName.Space) {
			continue
		}
		if text := strings.TrimSpace(child.Text); text != "" {
			f.Properties[child.XMLName.Local] = text
		}
	}
	return f
}

// findGeometry returns the first Point or LinearRing at or below elem,
// preferring direct children.
func findGeometry(elem *gmlNode) *gmlNode {
	for i := range elem.Nodes {
		if elem.Nodes[i].is("Point") {
			return &elem.Nodes[i]
		}
	}
	for i := range elem.Nodes {
		if elem.Nodes[i].is("LinearRing") {
			return &elem.Nodes[i]
		}
	}
	for i := range elem.Nodes {
		if g := findGeometry(&elem.Nodes[i]); g != nil {
			return g
		}
	}
	return nil
}

func toGeometry(geom *gmlNode, srs SRS) (orb.Geometry, error) {
	coords, err := coordinates(geom)
	if err != nil {
		return nil, err
	}
	if len(coords) == 0 {
		return nil, fmt.Errorf("%s without coordinates", geom.XMLName.Local)
	}

	pts := make([]orb.Point, len(coords))
	for i, c := range coords {
		lat, lon := srs.ToLatLon(c[0], c[1])
		pts[i] = orb.Point{lon, lat}
	}

	if geom.is("Point") {
		return pts[0], nil
	}
	ring := orb.Ring(pts)
	if !ring.Closed() {
		ring = append(ring, ring[0])
	}
	return ring, nil
}

// coordinates reads gml:pos, gml:posList or gml:coordinates children.
func coordinates(geom *gmlNode) ([][2]float64, error) {
	var out [][2]float64
	for i := range geom.Nodes {
		child := &geom.Nodes[i]
		switch {
		case child.is("pos"), child.is("posList"):
			pts, err := parsePosList(child.Text)
			if err != nil {
				return nil, err
			}
			out = append(out, pts...)
		case child.is("coordinates"):
			pts, err := parseCoordinates(child.Text)
			if err != nil {
				return nil, err
			}
			out = append(out, pts...)
		}
	}
	return out, nil
}

// parsePosList reads "x1 y1 x2 y2 ...".
func parsePosList(s string) ([][2]float64, error) {
	fields := strings.Fields(s)
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("odd number of ordinates: %d", len(fields))
	}
	out := make([][2]float64, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		x, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return nil, err
		}
		y, err := strconv.ParseFloat(fields[i+1], 64)
		if err != nil {
			return nil, err
		}
		out = append(out, [2]float64{x, y})
	}
	return out, nil
}

// parseCoordinates reads GML 2 "x1,y1 x2,y2 ...". Tuples without a comma
// fall back to the space separated form.
func parseCoordinates(s string) ([][2]float64, error) {
	if !strings.Contains(s, ",") {
		return parsePosList(s)
	}
	var out [][2]float64
	for _, tuple := range strings.Fields(s) {
		parts := strings.Split(tuple, ",")
		if len(parts) < 2 {
			return nil, fmt.Errorf("bad coordinate tuple %q", tuple)
		}
		x, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return nil, err
		}
		y, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, err
		}
		out = append(out, [2]float64{x, y})
	}
	return out, nil
}
