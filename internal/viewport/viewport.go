// Package viewport is the pan/zoom plane a host drives. Screen coordinates
// have their origin at the bottom-left corner of the view and grow up and
// right, like the map plane: screen = local*scale + origin.
package viewport

import (
	"math"
	"sync"
	"time"

	"tileview/internal/tiles"
)

const (
	DefaultMinScale = 1.0
	DefaultMaxScale = 1 << 35
)

// State is an immutable snapshot of the plane.
type State struct {
	X, Y          float64 // screen position of the plane origin
	Width, Height float64
	Scale         float64
	LastMove      time.Time // zero until the user first pans or zooms
}

// ToLocal maps a screen point onto the map plane.
func (s State) ToLocal(sx, sy float64) tiles.Point {
	return tiles.Point{X: (sx - s.X) / s.Scale, Y: (sy - s.Y) / s.Scale}
}

// ToScreen maps a plane point onto the screen.
func (s State) ToScreen(p tiles.Point) (float64, float64) {
	return p.X*s.Scale + s.X, p.Y*s.Scale + s.Y
}

// Corners returns the plane positions of the bottom-left and top-right
// screen corners.
func (s State) Corners() (tiles.Point, tiles.Point) {
	return s.ToLocal(0, 0), s.ToLocal(s.Width, s.Height)
}

// Plane is safe for concurrent use: hosts mutate it from input handlers
// while the render loop snapshots it.
type Plane struct {
	mu       sync.RWMutex
	state    State
	minScale float64
	maxScale float64
	now      func() time.Time
}

// Option configures a Plane.
type Option func(*Plane)

// WithScaleLimits bounds the zoom factor.
func WithScaleLimits(min, max float64) Option {
	return func(p *Plane) {
		p.minScale, p.maxScale = min, max
	}
}

// WithClock replaces time.Now for interaction timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Plane) { p.now = now }
}

func New(width, height, scale float64, opts ...Option) *Plane {
	p := &Plane{
		minScale: DefaultMinScale,
		maxScale: DefaultMaxScale,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.state = State{Width: width, Height: height, Scale: p.clamp(scale)}
	return p
}

// State returns the current snapshot.
func (p *Plane) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Resize changes the screen size, keeping the plane origin.
func (p *Plane) Resize(width, height float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Width, p.state.Height = width, height
}

// Pan moves the plane by a screen offset. It counts as an interaction.
func (p *Plane) Pan(dx, dy float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.X += dx
	p.state.Y += dy
	p.state.LastMove = p.now()
}

// ZoomAt multiplies the scale by factor keeping screen point (sx, sy) fixed.
// It counts as an interaction.
func (p *Plane) ZoomAt(factor, sx, sy float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	anchor := p.state.ToLocal(sx, sy)
	p.state.Scale = p.clamp(p.state.Scale * factor)
	p.state.X = sx - anchor.X*p.state.Scale
	p.state.Y = sy - anchor.Y*p.state.Scale
	p.state.LastMove = p.now()
}

// MoveTo places the plane origin at screen (x, y) with the given scale.
func (p *Plane) MoveTo(x, y, scale float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.X, p.state.Y = x, y
	p.state.Scale = p.clamp(scale)
}

// CenterOn puts lat/lon in the middle of the screen at the current scale.
func (p *Plane) CenterOn(lat, lon float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	target := tiles.PlaneFromLatLon(lat, lon)
	p.state.X = p.state.Width/2 - target.X*p.state.Scale
	p.state.Y = p.state.Height/2 - target.Y*p.state.Scale
}

func (p *Plane) clamp(scale float64) float64 {
	if math.IsNaN(scale) || scale < p.minScale {
		return p.minScale
	}
	if scale > p.maxScale {
		return p.maxScale
	}
	return scale
}
