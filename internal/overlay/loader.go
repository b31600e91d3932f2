package overlay

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/karlseguin/ccache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Fetcher performs one blocking GET.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// LoaderOptions tune the response cache shared by overlay clients.
type LoaderOptions struct {
	CacheSize       int
	CacheTTL        time.Duration
	FailureCooldown time.Duration
	MaxConcurrent   int
}

func (o *LoaderOptions) setDefaults() {
	if o.CacheSize <= 0 {
		o.CacheSize = 64
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 10 * time.Minute
	}
	if o.FailureCooldown <= 0 {
		o.FailureCooldown = 5 * time.Second
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 2
	}
}

// loader resolves URLs in the background. get never blocks: the first
// call for a URL starts one fetch and later calls see the cached result.
type loader[T any] struct {
	ctx    context.Context
	opts   LoaderOptions
	parse  func(ctx context.Context, url string) (T, error)
	log    *zap.Logger
	cache  *ccache.Cache[T]
	failed *ccache.Cache[error]
	group  singleflight.Group
	sem    *semaphore.Weighted
	closed atomic.Bool
}

func newLoader[T any](ctx context.Context, opts LoaderOptions, parse func(context.Context, string) (T, error), log *zap.Logger) *loader[T] {
	opts.setDefaults()
	return &loader[T]{
		ctx:    ctx,
		opts:   opts,
		parse:  parse,
		log:    log,
		cache:  ccache.New(ccache.Configure[T]().MaxSize(int64(opts.CacheSize)).ItemsToPrune(1)),
		failed: ccache.New(ccache.Configure[error]().MaxSize(int64(opts.CacheSize)).ItemsToPrune(1)),
		sem:    semaphore.NewWeighted(int64(opts.MaxConcurrent)),
	}
}

func cacheKey(url string) string {
	sum := md5.Sum([]byte(url))
	return hex.EncodeToString(sum[:])
}

// get returns the cached value for url, starting a fetch on a miss.
func (l *loader[T]) get(url string) (T, bool) {
	var zero T
	if l.closed.Load() {
		return zero, false
	}
	key := cacheKey(url)

	if item := l.cache.Get(key); item != nil && !item.Expired() {
		return item.Value(), true
	}
	if item := l.failed.Get(key); item != nil && !item.Expired() {
		return zero, false
	}

	// The result channel is buffered; nobody needs to read it.
	l.group.DoChan(key, func() (any, error) {
		return nil, l.load(key, url)
	})
	return zero, false
}

// wait blocks until url is resolved, sharing an in-flight fetch if any.
func (l *loader[T]) wait(ctx context.Context, url string) (T, error) {
	var zero T
	if l.closed.Load() {
		return zero, errNotCached
	}
	key := cacheKey(url)

	if item := l.cache.Get(key); item != nil && !item.Expired() {
		return item.Value(), nil
	}

	ch := l.group.DoChan(key, func() (any, error) {
		return nil, l.load(key, url)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	if l.closed.Load() {
		return zero, errNotCached
	}
	item := l.cache.Get(key)
	if item == nil {
		return zero, errNotCached
	}
	return item.Value(), nil
}

func (l *loader[T]) load(key, url string) error {
	if err := l.sem.Acquire(l.ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)

	v, err := l.parse(l.ctx, url)
	if l.closed.Load() {
		return errNotCached
	}
	if err != nil {
		l.log.Warn("Overlay request failed", zap.String("url", url), zap.Error(err))
		l.failed.Set(key, err, l.opts.FailureCooldown)
		return err
	}
	l.cache.Set(key, v, l.opts.CacheTTL)
	return nil
}

func (l *loader[T]) close() {
	if l.closed.Swap(true) {
		return
	}
	l.cache.Stop()
	l.failed.Stop()
}
