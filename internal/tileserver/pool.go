// Package tileserver turns tile keys into images through a pool of fetch
// workers backed by a persistent tile store.
//
// Get never blocks: a miss marks the key pending and queues it. Workers
// only append to a completion list; Update, called once per render tick,
// is the single place results enter the ready cache.
package tileserver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/karlseguin/ccache/v3"
	"go.uber.org/zap"

	"tileview/internal/cache"
	"tileview/internal/imaging"
	"tileview/internal/provider"
)

// State of one key.
type State int

const (
	Unknown State = iota
	Pending
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

var errFetchFailed = errors.New("all fetch attempts failed")

// Options tune a Pool.
type Options struct {
	Workers         int
	Attempts        int
	CacheLimit      int
	CacheTimeout    time.Duration
	FailureCooldown time.Duration
	Now             func() time.Time
}

func (o *Options) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = 10
	}
	if o.Attempts <= 0 {
		o.Attempts = 2
	}
	if o.CacheLimit <= 0 {
		o.CacheLimit = 1000
	}
	if o.CacheTimeout <= 0 {
		o.CacheTimeout = time.Minute
	}
	if o.FailureCooldown <= 0 {
		o.FailureCooldown = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Stats is a snapshot of the pool's bookkeeping.
type Stats struct {
	Queued  int `json:"queued"`
	Pending int `json:"pending"`
	Ready   int `json:"ready"`
	Failed  int `json:"failed"`
}

type result struct {
	key   cache.TileKey
	image *imaging.Image
	err   error
}

// Pool fetches tiles of one provider.
type Pool struct {
	provider *provider.Provider
	store    cache.Cache
	fetcher  Fetcher
	decoder  imaging.Decoder
	log      *zap.Logger
	opts     Options

	ready *ccache.Cache[*imaging.Image]

	mu          sync.Mutex
	cond        *sync.Cond
	queue       []cache.TileKey
	pending     map[cache.TileKey]struct{}
	failed      map[cache.TileKey]time.Time
	completed   []result
	outstanding int
	started     bool
	closed      bool

	// set once workers are gone; the ready cache must not be touched after
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// New creates a pool. Start must be called before queued keys are fetched.
func New(p *provider.Provider, store cache.Cache, fetcher Fetcher, decoder imaging.Decoder, opts Options, log *zap.Logger) *Pool {
	opts.setDefaults()
	prune := opts.CacheLimit / 10
	if prune < 1 {
		prune = 1
	}

	pool := &Pool{
		provider: p,
		store:    store,
		fetcher:  fetcher,
		decoder:  decoder,
		log:      log.With(zap.String("provider", p.Name)),
		opts:     opts,
		ready:    ccache.New(ccache.Configure[*imaging.Image]().MaxSize(int64(opts.CacheLimit)).ItemsToPrune(uint32(prune))),
		pending:  make(map[cache.TileKey]struct{}),
		failed:   make(map[cache.TileKey]time.Time),
	}
	pool.cond = sync.NewCond(&pool.mu)
	return pool
}

// Provider returns the provider this pool fetches from.
func (p *Pool) Provider() *provider.Provider {
	return p.provider
}

// Key builds the key of tile (x, row, zoom) for this pool's provider.
func (p *Pool) Key(x, row, zoom int, mapType string) cache.TileKey {
	return cache.TileKey{
		Provider: p.provider.Name,
		X:        x,
		Y:        row,
		Zoom:     zoom,
		MapType:  mapType,
		Format:   p.provider.Format,
	}
}

// Start launches the workers. Fetches use ctx; cancelling it aborts
// in-flight requests.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	p.log.Info("Starting tile workers", zap.Int("workers", p.opts.Workers))
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Stop tells workers to exit after their current request and waits.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
	p.stopped.Store(true)
	p.ready.Stop()
	p.log.Info("Tile workers stopped")
}

// Exists reports whether key is ready in memory.
func (p *Pool) Exists(key cache.TileKey) bool {
	if p.stopped.Load() {
		return false
	}
	item := p.ready.Get(key.String())
	return item != nil && !item.Expired()
}

// OnDisk reports whether the persistent store already holds key.
func (p *Pool) OnDisk(key cache.TileKey) bool {
	return p.store.Has(key)
}

// State reports where key is in its lifecycle.
func (p *Pool) State(key cache.TileKey) State {
	if p.Exists(key) {
		return Ready
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[key]; ok {
		return Pending
	}
	if until, ok := p.failed[key]; ok && p.opts.Now().Before(until) {
		return Failed
	}
	return Unknown
}

// Get returns the image for key, or nil while it is not ready. A miss
// queues exactly one fetch; failed keys are requeued once their cooldown
// has passed.
func (p *Pool) Get(key cache.TileKey) *imaging.Image {
	if p.stopped.Load() {
		return nil
	}
	if item := p.ready.Get(key.String()); item != nil && !item.Expired() {
		item.Extend(p.opts.CacheTimeout)
		return item.Value()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	if _, ok := p.pending[key]; ok {
		return nil
	}
	if until, ok := p.failed[key]; ok {
		if p.opts.Now().Before(until) {
			return nil
		}
		delete(p.failed, key)
	}

	p.pending[key] = struct{}{}
	p.queue = append(p.queue, key)
	p.outstanding++
	p.cond.Signal()
	return nil
}

// Update moves finished fetches into the ready cache. It returns the
// number of results drained.
func (p *Pool) Update() int {
	p.mu.Lock()
	done := p.completed
	p.completed = nil
	p.mu.Unlock()

	if len(done) == 0 || p.stopped.Load() {
		return 0
	}

	// Publish images before clearing pending so a concurrent Get never
	// sees the key as unknown.
	for _, r := range done {
		if r.image != nil {
			p.ready.Set(r.key.String(), r.image, p.opts.CacheTimeout)
		}
	}

	p.mu.Lock()
	until := p.opts.Now().Add(p.opts.FailureCooldown)
	for _, r := range done {
		delete(p.pending, r.key)
		if r.image == nil {
			p.failed[r.key] = until
			p.log.Debug("Tile unavailable, cooling down", zap.Stringer("tile", r.key), zap.Error(r.err))
		}
		p.outstanding--
	}
	p.mu.Unlock()
	return len(done)
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	ready := 0
	if !p.stopped.Load() {
		ready = p.ready.ItemCount()
	}
	now := p.opts.Now()
	failed := 0
	for _, until := range p.failed {
		if now.Before(until) {
			failed++
		}
	}
	return Stats{
		Queued:  p.outstanding,
		Pending: len(p.pending),
		Ready:   ready,
		Failed:  failed,
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		// Newest first: the driver requests the view center last.
		n := len(p.queue) - 1
		key := p.queue[n]
		p.queue = p.queue[:n]
		p.mu.Unlock()

		img, err := p.load(ctx, key)

		p.mu.Lock()
		p.completed = append(p.completed, result{key: key, image: img, err: err})
		p.mu.Unlock()
	}
}

// load returns the image for key from the store or the network.
func (p *Pool) load(ctx context.Context, key cache.TileKey) (*imaging.Image, error) {
	if data, ok := p.store.Get(key); ok {
		return imaging.DecodeOrPlaceholder(p.decoder, data, p.log), nil
	}

	req := provider.NewRequest(key.X, key.Y, key.Zoom, key.MapType, key.Format)
	for attempt := 1; attempt <= p.opts.Attempts; attempt++ {
		url := p.provider.URL(req)

		body, err := p.fetcher.Fetch(ctx, url)
		if err == nil {
			err = CheckServiceException(body)
		}
		if err != nil {
			p.log.Warn("Tile fetch failed",
				zap.Stringer("tile", key),
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Error(err))
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		img, err := p.decoder.Decode(body)
		if err != nil {
			p.log.Warn("Discarding undecodable tile",
				zap.Stringer("tile", key),
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}

		if err := p.store.Set(key, body); err != nil {
			p.log.Error("Failed to store tile", zap.Stringer("tile", key), zap.Error(err))
		}
		return img, nil
	}

	return nil, errFetchFailed
}
