package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileCache implements file-based cache. Files are immutable once written
// and reused across runs.
// Structure: {cacheDir}/{provider}/{shard}/{x}_{y}_{zoom}_{maptype}.{format}
type FileCache struct {
	cacheDir string
}

func NewFileCache(cacheDir string) (*FileCache, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return &FileCache{
		cacheDir: cacheDir,
	}, nil
}

// Path builds the file path of a tile.
func (c *FileCache) Path(key TileKey) string {
	return filepath.Join(c.cacheDir, key.Provider, key.Shard(), key.ID())
}

func (c *FileCache) Has(key TileKey) bool {
	info, err := os.Stat(c.Path(key))
	return err == nil && info.Mode().IsRegular()
}

func (c *FileCache) Get(key TileKey) ([]byte, bool) {
	data, err := os.ReadFile(c.Path(key))
	if err != nil {
		return nil, false
	}

	return data, true
}

func (c *FileCache) Set(key TileKey, value []byte) error {
	filePath := c.Path(key)
	dir := filepath.Dir(filePath)

	// Concurrent workers race to create the same shard; losing is fine.
	if err := os.MkdirAll(dir, 0755); err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("failed to create shard directory: %w", err)
	}

	// Write atomically
	tmp, err := os.CreateTemp(dir, key.ID()+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write tile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write tile: %w", err)
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move tile into place: %w", err)
	}
	return nil
}

func (c *FileCache) Clear() {
	if err := os.RemoveAll(c.cacheDir); err != nil {
		return
	}

	os.MkdirAll(c.cacheDir, 0755)
}

func (c *FileCache) Close() {}
