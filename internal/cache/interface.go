package cache

import "strconv"

// TileKey identifies one raster tile of one provider. Y is the row counted
// from the north edge, as tile servers address it.
type TileKey struct {
	Provider string
	X        int
	Y        int
	Zoom     int
	MapType  string
	Format   string
}

// ID is the tile's file name: x_y_zoom_maptype.format
func (k TileKey) ID() string {
	return strconv.Itoa(k.X) + "_" + strconv.Itoa(k.Y) + "_" + strconv.Itoa(k.Zoom) + "_" + k.MapType + "." + k.Format
}

// Shard is the directory bucket a tile file lives in.
func (k TileKey) Shard() string {
	id := k.ID()
	return id[:2]
}

func (k TileKey) String() string {
	return k.Provider + "/" + k.ID()
}

// Cache stores encoded tile bytes.
type Cache interface {
	Get(key TileKey) ([]byte, bool)
	Set(key TileKey, value []byte) error
	Has(key TileKey) bool // Check if tile exists without reading it
	Clear()
	Close()
}
