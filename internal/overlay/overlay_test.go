package overlay

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tileview/internal/imaging"
	"tileview/internal/projection"
	"tileview/internal/tileserver"
)

// fakeFetcher answers with the body of the first route whose key is a
// substring of the URL.
type fakeFetcher struct {
	mu     sync.Mutex
	routes map[string][]byte
	err    error
	urls   []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	if f.err != nil {
		return nil, f.err
	}
	for k, body := range f.routes {
		if strings.Contains(url, k) {
			return body, nil
		}
	}
	return nil, errors.New("not found")
}

func (f *fakeFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.urls)
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func overlayPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 40, 30))))
	return buf.Bytes()
}

func testView() View {
	return View{
		BottomLeft: projection.LatLon{Lat: 59, Lon: 9},
		TopRight:   projection.LatLon{Lat: 61, Lon: 12},
		Zoom:       6,
		Width:      400,
		Height:     300,
	}
}

func TestLoaderFetchesOnce(t *testing.T) {
	f := &fakeFetcher{routes: map[string][]byte{"a": []byte("hello")}}
	l := newLoader(context.Background(), LoaderOptions{}, func(ctx context.Context, u string) (string, error) {
		body, err := f.Fetch(ctx, u)
		return string(body), err
	}, zaptest.NewLogger(t))
	t.Cleanup(l.close)

	_, ok := l.get("http://x/a")
	assert.False(t, ok, "first get only starts the request")

	require.Eventually(t, func() bool {
		v, ok := l.get("http://x/a")
		return ok && v == "hello"
	}, time.Second, 5*time.Millisecond)

	for i := 0; i < 10; i++ {
		l.get("http://x/a")
	}
	assert.Equal(t, 1, f.calls())
}

func TestLoaderFailureCooldown(t *testing.T) {
	f := &fakeFetcher{err: errors.New("down")}
	l := newLoader(context.Background(), LoaderOptions{FailureCooldown: 50 * time.Millisecond}, func(ctx context.Context, u string) (string, error) {
		body, err := f.Fetch(ctx, u)
		return string(body), err
	}, zaptest.NewLogger(t))
	t.Cleanup(l.close)

	l.get("http://x/a")
	require.Eventually(t, func() bool { return f.calls() == 1 }, time.Second, time.Millisecond)

	// failure is remembered for the cooldown
	time.Sleep(5 * time.Millisecond)
	_, ok := l.get("http://x/a")
	assert.False(t, ok)

	f.setErr(nil)
	f.mu.Lock()
	f.routes = map[string][]byte{"a": []byte("back")}
	f.mu.Unlock()

	require.Eventually(t, func() bool {
		v, ok := l.get("http://x/a")
		return ok && v == "back"
	}, time.Second, 5*time.Millisecond)
}

func TestLoaderWait(t *testing.T) {
	f := &fakeFetcher{routes: map[string][]byte{"a": []byte("hello")}}
	l := newLoader(context.Background(), LoaderOptions{}, func(ctx context.Context, u string) (string, error) {
		body, err := f.Fetch(ctx, u)
		return string(body), err
	}, zaptest.NewLogger(t))
	t.Cleanup(l.close)

	v, err := l.wait(context.Background(), "http://x/a")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	_, err = l.wait(context.Background(), "http://x/missing")
	assert.Error(t, err)
}

func TestLoaderClosed(t *testing.T) {
	l := newLoader(context.Background(), LoaderOptions{}, func(context.Context, string) (string, error) {
		return "x", nil
	}, zaptest.NewLogger(t))
	l.close()
	l.close()

	_, ok := l.get("http://x/a")
	assert.False(t, ok)
}

func TestSRS(t *testing.T) {
	tests := []struct {
		name string
		srs  SRS
		lat  float64
		lon  float64
	}{
		{name: "geographic", srs: SRS{Code: "EPSG:4326"}, lat: 60, lon: 10},
		{name: "mercator", srs: SRS{Code: "EPSG:3857"}, lat: 60, lon: 10},
		{name: "google", srs: SRS{Code: "EPSG:900913"}, lat: -33.9, lon: 151.2},
		{name: "custom", srs: SRS{Code: "EPSG:32633", Bounds: &projection.Bounds{MinX: -2500000, MinY: 3500000, MaxX: 3045984, MaxY: 9045984}}, lat: 60, lon: 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.srs.Check())
			x, y := tt.srs.FromLatLon(tt.lat, tt.lon)
			lat, lon := tt.srs.ToLatLon(x, y)
			assert.InDelta(t, tt.lat, lat, 1e-9)
			assert.InDelta(t, tt.lon, lon, 1e-9)
		})
	}

	x, y := SRS{Code: "EPSG:4326"}.FromLatLon(60, 10)
	assert.Equal(t, 10.0, x)
	assert.Equal(t, 60.0, y)

	assert.ErrorIs(t, SRS{Code: "EPSG:32633"}.Check(), ErrUnsupportedSRS)
}

func TestWMSURLs(t *testing.T) {
	w, err := NewWMS(context.Background(), WMSConfig{
		BaseURL: "http://wms.example.com/wms",
		Layer:   "roads",
		SRS:     SRS{Code: "EPSG:4326"},
	}, &fakeFetcher{}, imaging.StdDecoder{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(w.Close)

	assert.Equal(t, "roads", w.Name())
	assert.Equal(t, Raster, w.Kind())
	assert.Equal(t, 1.0, w.MaxAlpha())

	assert.Equal(t,
		"http://wms.example.com/wms?LAYERS=roads&SRS=EPSG:4326&FORMAT=image/png&TRANSPARENT=TRUE&SERVICE=WMS&VERSION=1.1.1&REQUEST=GetMap"+
			"&BBOX=9.000000,59.000000,12.000000,61.000000&WIDTH=400&HEIGHT=300&ext=.png",
		w.MapURL(testView()))
	assert.Equal(t,
		"http://wms.example.com/wms?SERVICE=WMS&VERSION=1.1.1&REQUEST=GetLegendGraphic&LAYER=roads&FORMAT=image/png",
		w.LegendURL())

	info := w.InfoURL(60, 10, 0.5)
	assert.Contains(t, info, "REQUEST=GetFeatureInfo")
	assert.Contains(t, info, "QUERY_LAYERS=roads")
	assert.Contains(t, info, "BBOX=9.500000,59.500000,10.500000,60.500000")
	assert.Contains(t, info, "WIDTH=101&HEIGHT=101&X=50&Y=50")
}

func TestNewWMSRejectsBadConfig(t *testing.T) {
	_, err := NewWMS(context.Background(), WMSConfig{BaseURL: "http://x", Layer: "a", SRS: SRS{Code: "EPSG:2000"}},
		&fakeFetcher{}, imaging.StdDecoder{}, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, ErrUnsupportedSRS)

	_, err = NewWMS(context.Background(), WMSConfig{BaseURL: "http://x", SRS: SRS{Code: "EPSG:4326"}},
		&fakeFetcher{}, imaging.StdDecoder{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestWMSGet(t *testing.T) {
	f := &fakeFetcher{routes: map[string][]byte{
		"GetMap":           overlayPNG(t),
		"GetLegendGraphic": overlayPNG(t),
		"GetFeatureInfo":   []byte("  road: E6\n"),
	}}
	w, err := NewWMS(context.Background(), WMSConfig{
		BaseURL:  "http://wms.example.com/wms",
		Layer:    "roads",
		SRS:      SRS{Code: "EPSG:3857"},
		MaxAlpha: 0.7,
	}, f, imaging.StdDecoder{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(w.Close)

	assert.Nil(t, w.Get(testView()), "nothing cached yet")
	require.Eventually(t, func() bool { return w.Get(testView()) != nil }, time.Second, 5*time.Millisecond)

	res := w.Get(testView())
	require.NotNil(t, res.Image)
	assert.Equal(t, 40, res.Image.Width)
	assert.Nil(t, res.Features)

	require.Eventually(t, func() bool { return w.Legend() != nil }, time.Second, 5*time.Millisecond)

	text, ok := w.Info(context.Background(), 60, 10, 0.01)
	require.True(t, ok)
	assert.Equal(t, "road: E6", text)

	assert.Nil(t, w.Get(View{}), "empty view")
}

func TestWMSServiceException(t *testing.T) {
	f := &fakeFetcher{routes: map[string][]byte{
		"GetMap": []byte(`<?xml version="1.0"?><ServiceExceptionReport><ServiceException>bad layer</ServiceException></ServiceExceptionReport>`),
	}}
	w, err := NewWMS(context.Background(), WMSConfig{BaseURL: "http://x/wms", Layer: "a", SRS: SRS{Code: "EPSG:4326"}},
		f, imaging.StdDecoder{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(w.Close)

	w.Get(testView())
	require.Eventually(t, func() bool { return f.calls() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Nil(t, w.Get(testView()))
	assert.Equal(t, 1, f.calls(), "failure is not retried during the cooldown")

	_, ok := w.Info(context.Background(), 60, 10, 0.01)
	assert.False(t, ok)
}

func TestWMSInfoServiceException(t *testing.T) {
	f := &fakeFetcher{routes: map[string][]byte{
		"GetFeatureInfo": []byte("\n  <ServiceExceptionReport><ServiceException>layer not queryable</ServiceException></ServiceExceptionReport>\n"),
	}}
	w, err := NewWMS(context.Background(), WMSConfig{BaseURL: "http://x/wms", Layer: "a", SRS: SRS{Code: "EPSG:4326"}},
		f, imaging.StdDecoder{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(w.Close)

	_, err = w.loadInfo(context.Background(), w.InfoURL(60, 10, 0.01))
	require.ErrorIs(t, err, tileserver.ErrServiceException)
	assert.Contains(t, err.Error(), "layer not queryable")

	_, ok := w.Info(context.Background(), 60, 10, 0.01)
	assert.False(t, ok, "exception text is not feature info")
}

func TestLayerNamesEscaped(t *testing.T) {
	w, err := NewWMS(context.Background(), WMSConfig{
		BaseURL: "http://wms.example.com/wms",
		Layer:   "roads & rails",
		SRS:     SRS{Code: "EPSG:4326"},
	}, &fakeFetcher{}, imaging.StdDecoder{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(w.Close)

	for _, u := range []string{w.MapURL(testView()), w.InfoURL(60, 10, 0.5), w.LegendURL()} {
		q, err := url.Parse(u)
		require.NoError(t, err)
		values := q.Query()
		assert.Equal(t, "WMS", values.Get("SERVICE"), u)
		assert.Equal(t, "1.1.1", values.Get("VERSION"), u)
		assert.NotContains(t, values, " rails", u)
	}
	assert.Contains(t, w.MapURL(testView()), "LAYERS=roads+%26+rails&SRS=EPSG:4326&")
	assert.Contains(t, w.InfoURL(60, 10, 0.5), "QUERY_LAYERS=roads+%26+rails&")

	q, err := url.Parse(w.InfoURL(60, 10, 0.5))
	require.NoError(t, err)
	assert.Equal(t, "roads & rails", q.Query().Get("LAYERS"))
	assert.Equal(t, "roads & rails", q.Query().Get("QUERY_LAYERS"))

	wfs, err := NewWFS(context.Background(), WFSConfig{
		BaseURL:     "http://wfs.example.com/wfs",
		FeatureType: "topp:rivers & lakes",
		SRS:         SRS{Code: "EPSG:4326"},
	}, &fakeFetcher{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(wfs.Close)

	q, err = url.Parse(wfs.FeatureURL(testView()))
	require.NoError(t, err)
	assert.Equal(t, "topp:rivers & lakes", q.Query().Get("typeName"))
	assert.Equal(t, "GetFeature", q.Query().Get("REQUEST"))
}
