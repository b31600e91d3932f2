package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tileview/internal/cache"
	"tileview/internal/config"
	"tileview/internal/imaging"
	"tileview/internal/overlay"
	"tileview/internal/projection"
	"tileview/internal/provider"
	"tileview/internal/tileserver"
)

func testCapabilities() *overlay.Capabilities {
	return &overlay.Capabilities{Layers: []overlay.Layer{
		{Name: "borders", SRS: []string{"EPSG:4326"}},
		{Name: "rivers", SRS: []string{"EPSG:4326", "EPSG:3857"}},
		{Name: "roads", SRS: []string{"EPSG:3857"}},
	}}
}

func TestChooseLayer(t *testing.T) {
	log := zaptest.NewLogger(t)
	discover := func(context.Context) (*overlay.Capabilities, error) { return testCapabilities(), nil }
	broken := func(context.Context) (*overlay.Capabilities, error) { return nil, errors.New("connection refused") }

	tests := []struct {
		name     string
		cfg      config.OverlayConfig
		discover func(context.Context) (*overlay.Capabilities, error)
		want     string
		wantErr  bool
	}{
		{name: "by name", cfg: config.OverlayConfig{Layer: "rivers", SRS: "EPSG:3857"}, discover: discover, want: "rivers"},
		{name: "by index", cfg: config.OverlayConfig{Layer: "2", SRS: "EPSG:3857"}, discover: discover, want: "roads"},
		{name: "unknown name", cfg: config.OverlayConfig{Layer: "lakes"}, discover: discover, wantErr: true},
		{name: "index out of range", cfg: config.OverlayConfig{Layer: "7"}, discover: discover, wantErr: true},
		{name: "unsupported srs", cfg: config.OverlayConfig{Layer: "roads", SRS: "EPSG:4326"}, discover: discover, wantErr: true},
		{name: "name without discovery", cfg: config.OverlayConfig{Layer: "rivers"}, discover: broken, want: "rivers"},
		{name: "index without discovery", cfg: config.OverlayConfig{Layer: "0"}, discover: broken, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := chooseLayer(context.Background(), tt.cfg, tt.discover, log)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBoxValidate(t *testing.T) {
	assert.NoError(t, box{South: 59, West: 10, North: 60, East: 11}.validate())
	assert.Error(t, box{South: 60, West: 10, North: 59, East: 11}.validate())
	assert.Error(t, box{South: 59, West: 11, North: 60, East: 11}.validate())
	assert.Error(t, box{South: -89, West: 10, North: 60, East: 11}.validate())
	assert.Error(t, box{South: 59, West: -181, North: 60, East: 11}.validate())
}

func TestLevelKeys(t *testing.T) {
	p, err := provider.Lookup("openstreetmap")
	require.NoError(t, err)
	pool := tileserver.New(p, cache.NewNoopCache(), nil, imaging.StdDecoder{}, tileserver.Options{}, zaptest.NewLogger(t))
	t.Cleanup(pool.Stop)

	b := box{South: 59, West: 10, North: 60, East: 11}
	// The margin covers the whole world at these levels.
	for zoom, want := range map[int]int{1: 4, 2: 16} {
		keys := levelKeys(pool, "roadmap", b, zoom)
		require.Len(t, keys, want, "zoom %d", zoom)

		seen := make(map[cache.TileKey]bool)
		for _, k := range keys {
			assert.False(t, seen[k], "duplicate %s", k)
			seen[k] = true

			assert.Equal(t, "openstreetmap", k.Provider)
			assert.Equal(t, "roadmap", k.MapType)
			assert.Equal(t, zoom, k.Zoom)
			bound := 1 << k.Zoom
			assert.True(t, k.X >= 0 && k.X < bound, "x %d at zoom %d", k.X, k.Zoom)
			assert.True(t, k.Y >= 0 && k.Y < bound, "row %d at zoom %d", k.Y, k.Zoom)
		}
	}

	keys := levelKeys(pool, "roadmap", b, 12)
	total, err := prefetchCount(b, 12, 12, 0)
	require.NoError(t, err)
	assert.Len(t, keys, total)
}

func TestPrefetchCount(t *testing.T) {
	b := box{South: 59, West: 10, North: 60, East: 11}

	total, err := prefetchCount(b, 1, 2, 20)
	require.NoError(t, err)
	assert.Equal(t, 20, total)

	_, err = prefetchCount(b, 1, 2, 19)
	assert.ErrorIs(t, err, errTooManyTiles)

	// A whole world box at a deep level is refused before any key exists.
	world := box{South: -85, West: -180, North: 85, East: 180}
	_, err = prefetchCount(world, 1, 18, 100000)
	require.ErrorIs(t, err, errTooManyTiles)
	assert.Contains(t, err.Error(), "maxTiles")

	full := box{South: -projection.MaxLatitude, West: -180, North: projection.MaxLatitude, East: 180}
	total, err = prefetchCount(full, 18, 18, 0)
	require.NoError(t, err)
	assert.Equal(t, (1<<18)*(1<<18), total)
}
