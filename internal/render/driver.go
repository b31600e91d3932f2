// Package render drives a viewport: on every tick it drains finished tile
// fetches, works out which tiles cover the view across a few zoom levels
// and produces a Frame of draw calls plus overlay output.
package render

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/karlseguin/ccache/v3"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"tileview/internal/cache"
	"tileview/internal/imaging"
	"tileview/internal/overlay"
	"tileview/internal/projection"
	"tileview/internal/provider"
	"tileview/internal/tiles"
	"tileview/internal/tileserver"
	"tileview/internal/viewport"
)

// ErrIdleTimeout is returned by Tick once the viewer has been left alone
// for longer than the configured idle timeout.
var ErrIdleTimeout = errors.New("viewer idle timeout")

var errClosed = errors.New("driver closed")

// Source is a tile pool for one provider.
type Source interface {
	Provider() *provider.Provider
	Key(x, row, zoom int, mapType string) cache.TileKey
	Start(ctx context.Context)
	Stop()
	Exists(key cache.TileKey) bool
	Get(key cache.TileKey) *imaging.Image
	Update() int
	Stats() tileserver.Stats
}

// SourceFactory creates the pool of a provider.
type SourceFactory func(p *provider.Provider) Source

// Options tune a Driver.
type Options struct {
	Quality         int
	MaxFallback     int
	DrawDepth       int
	MaxZoom         int
	FadeRate        float64
	OverlayFadeRate float64
	OverlayDebounce time.Duration // idle time after an interaction before overlays are asked; 0 asks every tick
	CloseOnIdle     bool
	IdleTimeout     time.Duration
	AlphaCacheSize  int
	ImageTTL        time.Duration
	Now             func() time.Time
}

func (o *Options) setDefaults() {
	if o.Quality < 0 {
		o.Quality = 0
	}
	if o.MaxFallback < 0 {
		o.MaxFallback = 0
	}
	if o.DrawDepth < 0 {
		o.DrawDepth = 0
	}
	if o.MaxZoom <= 0 {
		o.MaxZoom = 19
	}
	if o.FadeRate <= 0 {
		o.FadeRate = 4
	}
	if o.OverlayFadeRate <= 0 {
		o.OverlayFadeRate = 1
	}
	if o.OverlayDebounce < 0 {
		o.OverlayDebounce = 0
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 300 * time.Second
	}
	if o.AlphaCacheSize <= 0 {
		o.AlphaCacheSize = 4096
	}
	if o.ImageTTL <= 0 {
		o.ImageTTL = time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// OverlayInfo is one overlay's answer to a point query.
type OverlayInfo struct {
	Overlay string `json:"overlay"`
	Text    string `json:"text"`
}

// placed is an overlay image pinned to the plane rectangle it was
// requested for.
type placed struct {
	image    *imaging.Image
	min, max tiles.Point
	alpha    float64
}

type overlayState struct {
	current  *placed
	next     *placed
	features *geojson.FeatureCollection
}

// Driver owns the tile set, the fade state and the overlay hand-off. Tick
// is meant to be called from one loop; the other methods are safe to call
// from request handlers concurrently.
type Driver struct {
	ctx     context.Context
	plane   *viewport.Plane
	factory SourceFactory
	opts    Options
	log     *zap.Logger

	alpha   *ccache.Cache[float64]
	images  *ccache.Cache[*imaging.Image]
	stopped atomic.Bool

	mu       sync.Mutex
	source   Source
	mapType  string
	overlays []overlay.Overlay
	states   map[string]*overlayState
	calc     tiles.Calculator
	set      []tiles.Ref
	zoom     int
	bbox     tiles.Box
	frame    *Frame
	closed   bool
}

// New creates a driver for plane. Pools are started under ctx. Call
// SwitchProvider before the first Tick to choose the base layer.
func New(ctx context.Context, plane *viewport.Plane, factory SourceFactory, overlays []overlay.Overlay, opts Options, log *zap.Logger) *Driver {
	opts.setDefaults()
	d := &Driver{
		ctx:      ctx,
		plane:    plane,
		factory:  factory,
		opts:     opts,
		log:      log,
		alpha:    ccache.New(ccache.Configure[float64]().MaxSize(int64(opts.AlphaCacheSize)).ItemsToPrune(uint32(opts.AlphaCacheSize/10 + 1))),
		images:   ccache.New(ccache.Configure[*imaging.Image]().MaxSize(int64(opts.AlphaCacheSize)).ItemsToPrune(uint32(opts.AlphaCacheSize/10 + 1))),
		overlays: overlays,
		states:   make(map[string]*overlayState, len(overlays)),
	}
	d.calc = tiles.Calculator{Exists: d.exists, DrawDepth: opts.DrawDepth}
	for _, ov := range overlays {
		d.states[ov.Name()] = &overlayState{}
	}
	return d
}

// Zoom is the pyramid level shown at scale.
func Zoom(scale float64, quality int) int {
	z := 1
	if scale > 0 {
		if l := int(math.Floor(math.Log2(scale))); l > z {
			z = l
		}
	}
	return z + quality
}

// Plane returns the viewport the driver renders.
func (d *Driver) Plane() *viewport.Plane {
	return d.plane
}

// SwitchProvider replaces the base layer. The new pool is started before
// the old one is stopped so a frame always has a source.
func (d *Driver) SwitchProvider(name, mapType string) error {
	p, err := provider.Lookup(name)
	if err != nil {
		return err
	}
	mt, err := p.CheckMapType(mapType)
	if err != nil {
		return err
	}

	src := d.factory(p)
	src.Start(d.ctx)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		src.Stop()
		return errClosed
	}
	old := d.source
	d.source = src
	d.mapType = mt
	d.set = nil
	d.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	d.log.Info("Switched tile provider", zap.String("provider", p.Name), zap.String("map_type", mt))
	return nil
}

// Provider returns the active provider name and map type.
func (d *Driver) Provider() (string, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.source == nil {
		return "", ""
	}
	return d.source.Provider().Name, d.mapType
}

// Tick advances the driver by dt seconds and returns the frame to paint.
func (d *Driver) Tick(dt float64) (*Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, errClosed
	}
	now := d.opts.Now()
	st := d.plane.State()
	if d.opts.CloseOnIdle && !st.LastMove.IsZero() && now.Sub(st.LastMove) > d.opts.IdleTimeout {
		return nil, ErrIdleTimeout
	}

	zoom := Zoom(st.Scale, d.opts.Quality)
	if zoom > d.opts.MaxZoom {
		zoom = d.opts.MaxZoom
	}
	min, max := st.Corners()

	frame := &Frame{
		Time:    now,
		MapType: d.mapType,
		Zoom:    zoom,
		Scale:   st.Scale,
	}

	if d.source != nil {
		frame.Provider = d.source.Provider().Name
		frame.Drained = d.source.Update()
		stats := d.source.Stats()

		bbox := tiles.BBox(zoom, min, max)
		if zoom != d.zoom || bbox != d.bbox {
			d.set = nil
		}
		// Everything requested has landed; rebuild so finished levels can
		// drop their fallbacks.
		if frame.Drained > 0 && stats.Queued == 0 {
			d.set = nil
		}
		d.zoom, d.bbox = zoom, bbox
		if len(d.set) == 0 {
			d.set = d.compute(zoom, min, max)
		}

		frame.Tiles = d.drawTiles(st, dt)
		frame.TileCount = len(d.set)
		frame.Stats = d.source.Stats()
	}

	d.drawOverlays(frame, st, zoom, now, dt)
	d.frame = frame
	return frame, nil
}

// Frame returns the most recent frame, or nil before the first tick.
func (d *Driver) Frame() *Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frame
}

// Image returns a tile or overlay image drawn recently.
func (d *Driver) Image(id string) (*imaging.Image, bool) {
	if d.stopped.Load() {
		return nil, false
	}
	item := d.images.Get(id)
	if item == nil || item.Expired() {
		return nil, false
	}
	return item.Value(), true
}

// Legend returns the legend graphic of the named overlay once available.
func (d *Driver) Legend(name string) (*imaging.Image, error) {
	for _, ov := range d.overlays {
		if ov.Name() != name {
			continue
		}
		l, ok := ov.(interface{ Legend() *imaging.Image })
		if !ok {
			return nil, fmt.Errorf("overlay %s has no legend", name)
		}
		img := l.Legend()
		if img == nil || d.stopped.Load() {
			return nil, nil
		}
		d.images.Set(img.ID, img, d.opts.ImageTTL)
		return img, nil
	}
	return nil, fmt.Errorf("unknown overlay %q", name)
}

// Run ticks every interval until ctx is done or the idle timeout fires.
// onFrame, if set, receives every frame.
func (d *Driver) Run(ctx context.Context, interval time.Duration, onFrame func(*Frame)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := d.opts.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := ctx.Err(); err != nil {
				return err
			}
			now := d.opts.Now()
			frame, err := d.Tick(now.Sub(last).Seconds())
			last = now
			if err != nil {
				return err
			}
			if onFrame != nil {
				onFrame(frame)
			}
		}
	}
}

// Close stops the active pool and all overlays.
func (d *Driver) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	src := d.source
	d.source = nil
	d.stopped.Store(true)
	d.mu.Unlock()

	if src != nil {
		src.Stop()
	}
	for _, ov := range d.overlays {
		ov.Close()
	}
	d.alpha.Stop()
	d.images.Stop()
}

// LatLonAt returns the coordinate under a screen point.
func (d *Driver) LatLonAt(sx, sy float64) projection.LatLon {
	p := d.plane.State().ToLocal(sx, sy)
	lat, lon := tiles.LatLonFromPlane(p)
	return projection.LatLon{Lat: lat, Lon: lon}
}

// XYFromLatLon returns the screen position of a coordinate.
func (d *Driver) XYFromLatLon(lat, lon float64) (float64, float64) {
	return d.plane.State().ToScreen(tiles.PlaneFromLatLon(lat, lon))
}

// CenterOn moves the view so lat/lon is in the middle of the screen.
func (d *Driver) CenterOn(lat, lon float64) {
	d.plane.CenterOn(lat, lon)
}

// Distance is the great circle distance in kilometers.
func Distance(a, b projection.LatLon) float64 {
	return projection.Distance(a, b)
}

// InfoTolerance is the point query radius in degrees: 100 screen pixels at
// scale.
func InfoTolerance(scale float64) float64 {
	return 100 / scale * 360 / tiles.WorldSize
}

// Info asks every overlay what lies under a screen point.
func (d *Driver) Info(ctx context.Context, sx, sy float64) (projection.LatLon, []OverlayInfo) {
	st := d.plane.State()
	pos := d.LatLonAt(sx, sy)
	tolerance := InfoTolerance(st.Scale)

	var out []OverlayInfo
	for _, ov := range d.overlays {
		if text, ok := ov.Info(ctx, pos.Lat, pos.Lon, tolerance); ok {
			out = append(out, OverlayInfo{Overlay: ov.Name(), Text: text})
		}
	}
	return pos, out
}

func (d *Driver) exists(x, row, zoom int) bool {
	return d.source.Exists(d.source.Key(x, row, zoom, d.mapType))
}

// compute descends from zoom until a level is fully cached, adding one
// more level below it, but never past MaxFallback levels.
func (d *Driver) compute(zoom int, min, max tiles.Point) []tiles.Ref {
	lowest := zoom - d.opts.MaxFallback
	if lowest < 1 {
		lowest = 1
	}

	var set []tiles.Ref
	for z := zoom; z >= lowest; z-- {
		var res tiles.Result
		set, res = d.calc.Compute(z, zoom, min, max, set)
		if res.Complete {
			if z-1 >= lowest {
				set, _ = d.calc.Compute(z-1, zoom, min, max, set)
			}
			break
		}
	}
	return set
}

// drawTiles walks the set backwards so center tiles of the finest level
// are requested last, which a LIFO pool fetches first, and painted on top.
func (d *Driver) drawTiles(st viewport.State, dt float64) []Tile {
	out := make([]Tile, 0, len(d.set))
	for i := len(d.set) - 1; i >= 0; i-- {
		ref := d.set[i]
		key := d.source.Key(ref.NX, ref.Row(), ref.Zoom, d.mapType)
		img := d.source.Get(key)
		if img == nil {
			continue
		}
		d.images.Set(img.ID, img, d.opts.ImageTTL)

		x, y := st.ToScreen(tiles.Point{X: ref.TX, Y: ref.TY})
		out = append(out, Tile{
			Key:    key.String(),
			Image:  img.ID,
			Zoom:   ref.Zoom,
			X:      x,
			Y:      y,
			Width:  ref.SX * st.Scale,
			Height: ref.SY * st.Scale,
			Alpha:  d.fade(img.ID, dt),
		})
	}
	return out
}

func (d *Driver) fade(id string, dt float64) float64 {
	a := 0.0
	if item := d.alpha.Get(id); item != nil {
		a = item.Value()
	}
	if a < 1 {
		a = math.Min(1, a+math.Min(dt*d.opts.FadeRate, 1))
	}
	d.alpha.Set(id, a, d.opts.ImageTTL)
	return a
}

func (d *Driver) drawOverlays(frame *Frame, st viewport.State, zoom int, now time.Time, dt float64) {
	if len(d.overlays) == 0 {
		return
	}
	settled := st.LastMove.IsZero() || now.Sub(st.LastMove) >= d.opts.OverlayDebounce
	min, max := st.Corners()
	view := viewOf(st, zoom)

	for _, ov := range d.overlays {
		s := d.states[ov.Name()]
		if settled {
			if res := ov.Get(view); res != nil {
				switch {
				case res.Image != nil:
					s.offer(res.Image, min, max)
				case res.Features != nil:
					s.features = res.Features
				}
			}
		}

		switch ov.Kind() {
		case overlay.Raster:
			s.advance(dt*d.opts.OverlayFadeRate, maxAlpha(ov))
			for _, p := range []*placed{s.current, s.next} {
				if p == nil {
					continue
				}
				d.images.Set(p.image.ID, p.image, d.opts.ImageTTL)
				x1, y1 := st.ToScreen(p.min)
				x2, y2 := st.ToScreen(p.max)
				frame.Rasters = append(frame.Rasters, Raster{
					Overlay: ov.Name(),
					Image:   p.image.ID,
					X:       x1,
					Y:       y1,
					Width:   x2 - x1,
					Height:  y2 - y1,
					Alpha:   p.alpha,
				})
			}
		case overlay.Vector:
			if s.features == nil {
				continue
			}
			if frame.Features == nil {
				frame.Features = make(map[string]*geojson.FeatureCollection)
			}
			frame.Features[ov.Name()] = s.features
			frame.Shapes = append(frame.Shapes, shapes(ov.Name(), s.features, st)...)
		}
	}
}

// offer starts fading in img unless it is already shown or fading in.
func (s *overlayState) offer(img *imaging.Image, min, max tiles.Point) {
	if s.current != nil && s.current.image.ID == img.ID {
		return
	}
	if s.next != nil && s.next.image.ID == img.ID {
		return
	}
	s.next = &placed{image: img, min: min, max: max}
}

// advance fades the incoming image; once it is fully visible it replaces
// the one underneath.
func (s *overlayState) advance(step, limit float64) {
	if s.current != nil {
		s.current.alpha = limit
	}
	if s.next == nil {
		return
	}
	s.next.alpha = math.Min(limit, s.next.alpha+step)
	if s.next.alpha >= limit {
		s.current, s.next = s.next, nil
	}
}

func maxAlpha(ov overlay.Overlay) float64 {
	if m, ok := ov.(interface{ MaxAlpha() float64 }); ok && m.MaxAlpha() > 0 {
		return math.Min(1, m.MaxAlpha())
	}
	return 1
}

// viewOf clamps the visible plane rectangle to the world before converting
// it so the corners never wrap past each other.
func viewOf(st viewport.State, zoom int) overlay.View {
	min, max := st.Corners()
	clamp := func(v float64) float64 {
		return math.Max(0, math.Min(tiles.WorldSize, v))
	}
	toLatLon := func(p tiles.Point) projection.LatLon {
		lat, lon := projection.UnitToLatLon(clamp(p.X)/tiles.TileSize-1, clamp(p.Y)/tiles.TileSize-1)
		return projection.LatLon{Lat: lat, Lon: lon}
	}
	return overlay.View{
		BottomLeft: toLatLon(min),
		TopRight:   toLatLon(max),
		Zoom:       zoom,
		Width:      int(st.Width),
		Height:     int(st.Height),
	}
}

// shapes renders points as a black disc under a white one, 10 and 8 pixels
// across the screen at any scale, and rings as closed polylines.
func shapes(name string, fc *geojson.FeatureCollection, st viewport.State) []Shape {
	screen := func(p orb.Point) [2]float64 {
		x, y := st.ToScreen(tiles.PlaneFromLatLon(p.Lat(), p.Lon()))
		return [2]float64{x, y}
	}

	var out []Shape
	for _, f := range fc.Features {
		switch g := f.Geometry.(type) {
		case orb.Point:
			c := screen(g)
			out = append(out,
				Shape{Overlay: name, Kind: Disc, Points: [][2]float64{c}, Radius: 10, Color: "black"},
				Shape{Overlay: name, Kind: Disc, Points: [][2]float64{c}, Radius: 8, Color: "white"},
			)
		case orb.Ring:
			pts := make([][2]float64, len(g))
			for i, p := range g {
				pts[i] = screen(p)
			}
			out = append(out, Shape{Overlay: name, Kind: Polyline, Points: pts, Color: "black"})
		}
	}
	return out
}
