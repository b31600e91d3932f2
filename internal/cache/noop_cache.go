package cache

type NoopCache struct{}

func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) Get(TileKey) ([]byte, bool) {
	return nil, false
}

func (c *NoopCache) Set(TileKey, []byte) error {
	return nil
}

func (c *NoopCache) Has(TileKey) bool {
	return false
}

func (c *NoopCache) Clear() {}

func (c *NoopCache) Close() {}
