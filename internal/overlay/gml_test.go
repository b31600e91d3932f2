package overlay

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tileview/internal/projection"
	"tileview/internal/tileserver"
)

const featureCollection = `<?xml version="1.0" encoding="UTF-8"?>
<wfs:FeatureCollection xmlns:wfs="http://www.opengis.net/wfs" xmlns:gml="http://www.opengis.net/gml" xmlns:ns="http://example.com/ns">
  <gml:featureMember>
    <ns:city gml:id="city.1">
      <ns:name>Oslo</ns:name>
      <ns:geom><gml:Point><gml:pos>10.75 59.91</gml:pos></gml:Point></ns:geom>
    </ns:city>
  </gml:featureMember>
  <gml:featureMember>
    <ns:lake fid="lake.7">
      <ns:name>Mjosa</ns:name>
      <ns:geom>
        <gml:Polygon><gml:exterior><gml:LinearRing>
          <gml:posList>10 60 11 60 11 61 10 61</gml:posList>
        </gml:LinearRing></gml:exterior></gml:Polygon>
      </ns:geom>
    </ns:lake>
  </gml:featureMember>
  <gml:featureMember>
    <ns:road><ns:name>E6</ns:name></ns:road>
  </gml:featureMember>
</wfs:FeatureCollection>`

func TestParseGML(t *testing.T) {
	fc, err := ParseGML([]byte(featureCollection), SRS{Code: "EPSG:4326"})
	require.NoError(t, err)
	require.Len(t, fc.Features, 2, "the road has no geometry")

	city := fc.Features[0]
	assert.Equal(t, "city.1", city.ID)
	assert.Equal(t, "city", city.Properties["type"])
	assert.Equal(t, "Oslo", city.Properties["name"])
	assert.Equal(t, orb.Point{10.75, 59.91}, city.Geometry)

	lake := fc.Features[1]
	assert.Equal(t, "lake.7", lake.ID)
	ring, ok := lake.Geometry.(orb.Ring)
	require.True(t, ok)
	assert.Len(t, ring, 5)
	assert.True(t, ring.Closed())
	assert.Equal(t, orb.Point{10, 60}, ring[0])
}

func TestParseGMLVariants(t *testing.T) {
	t.Run("gml2 coordinates in meters", func(t *testing.T) {
		x, y := projection.LatLonToGoogle(60, 10)
		doc := `<FeatureCollection xmlns:gml="http://www.opengis.net/gml">
  <gml:featureMember><site><gml:Point><gml:coordinates>` +
			formatPair(x, y) + `</gml:coordinates></gml:Point></site></gml:featureMember>
</FeatureCollection>`
		fc, err := ParseGML([]byte(doc), SRS{Code: "EPSG:3857"})
		require.NoError(t, err)
		require.Len(t, fc.Features, 1)
		p := fc.Features[0].Geometry.(orb.Point)
		assert.InDelta(t, 10, p.Lon(), 1e-6)
		assert.InDelta(t, 60, p.Lat(), 1e-6)
	})

	t.Run("feature members", func(t *testing.T) {
		doc := `<FeatureCollection xmlns:gml="http://www.opengis.net/gml">
  <gml:featureMembers>
    <a><gml:Point><gml:pos>1 2</gml:pos></gml:Point></a>
    <b><gml:Point><gml:pos>3 4</gml:pos></gml:Point></b>
  </gml:featureMembers>
</FeatureCollection>`
		fc, err := ParseGML([]byte(doc), SRS{Code: "EPSG:4326"})
		require.NoError(t, err)
		assert.Len(t, fc.Features, 2)
	})

	t.Run("exception report", func(t *testing.T) {
		doc := `<ows:ExceptionReport xmlns:ows="http://www.opengis.net/ows"><ows:Exception><ows:ExceptionText>unknown type</ows:ExceptionText></ows:Exception></ows:ExceptionReport>`
		_, err := ParseGML([]byte(doc), SRS{Code: "EPSG:4326"})
		require.ErrorIs(t, err, tileserver.ErrServiceException)
		assert.Contains(t, err.Error(), "unknown type")
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := ParseGML([]byte("<FeatureCollection><gml:featureMember>"), SRS{Code: "EPSG:4326"})
		assert.Error(t, err)
	})

	t.Run("odd ordinates skip the member", func(t *testing.T) {
		doc := `<FeatureCollection xmlns:gml="http://www.opengis.net/gml">
  <gml:featureMember><a><gml:Point><gml:pos>1 2 3</gml:pos></gml:Point></a></gml:featureMember>
</FeatureCollection>`
		fc, err := ParseGML([]byte(doc), SRS{Code: "EPSG:4326"})
		require.NoError(t, err)
		assert.Empty(t, fc.Features)
	})
}

func formatPair(x, y float64) string {
	return strconv.FormatFloat(x, 'f', -1, 64) + "," + strconv.FormatFloat(y, 'f', -1, 64)
}

func TestWFS(t *testing.T) {
	f := &fakeFetcher{routes: map[string][]byte{"GetFeature": []byte(featureCollection)}}
	w, err := NewWFS(context.Background(), WFSConfig{
		BaseURL:     "http://wfs.example.com/wfs",
		FeatureType: "cities",
		SRS:         SRS{Code: "EPSG:4326"},
	}, f, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(w.Close)

	assert.Equal(t, "cities", w.Name())
	assert.Equal(t, Vector, w.Kind())
	assert.Equal(t,
		"http://wfs.example.com/wfs?typeName=namespace:cities&SERVICE=WFS&VERSION=1.1.0&REQUEST=GetFeature&maxFeatures=50"+
			"&bbox=9.000000,59.000000,12.000000,61.000000",
		w.FeatureURL(testView()))

	_, ok := w.Info(context.Background(), 59.91, 10.75, 0.1)
	assert.False(t, ok, "no features yet")

	assert.Nil(t, w.Get(testView()))
	require.Eventually(t, func() bool { return w.Get(testView()) != nil }, time.Second, 5*time.Millisecond)
	res := w.Get(testView())
	require.NotNil(t, res.Features)
	assert.Nil(t, res.Image)
	assert.Len(t, res.Features.Features, 2)

	text, ok := w.Info(context.Background(), 59.92, 10.75, 0.05)
	require.True(t, ok)
	assert.Equal(t, "id: city.1\nname: Oslo\ntype: city", text)

	text, ok = w.Info(context.Background(), 60.5, 10.5, 0.05)
	require.True(t, ok, "inside the ring")
	assert.Equal(t, "id: lake.7\nname: Mjosa\ntype: lake", text)

	_, ok = w.Info(context.Background(), 0, 0, 0.05)
	assert.False(t, ok)
}

func TestWFSQualifiedType(t *testing.T) {
	w, err := NewWFS(context.Background(), WFSConfig{
		BaseURL:     "http://wfs.example.com/wfs",
		FeatureType: "topp:states",
		MaxFeatures: 10,
		SRS:         SRS{Code: "EPSG:4326"},
	}, &fakeFetcher{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(w.Close)

	u := w.FeatureURL(testView())
	assert.Contains(t, u, "typeName=topp:states&")
	assert.Contains(t, u, "maxFeatures=10")
}
