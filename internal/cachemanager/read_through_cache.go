package cachemanager

import (
	"context"
	"time"
)

// ReadThroughOptions controls how a ReadThroughCache uses its manager.
type ReadThroughOptions struct {
	// Bypass sends every read to the loader and caches nothing.
	Bypass bool

	// Sliding extends an entry's ttl on every hit, so entries expire only
	// after going unread for ttl.
	Sliding bool
}

// ReadThroughCache loads missing values with fn and caches them. Errors are
// never cached.
type ReadThroughCache[K comparable, V any, I any] struct {
	cache CacheManager[K, V]
	fn    func(ctx context.Context, input I) (V, error)
	opts  ReadThroughOptions
}

func NewReadThroughCache[K comparable, V any, I any](
	cache CacheManager[K, V],
	fn func(ctx context.Context, input I) (V, error),
	opts ReadThroughOptions,
) *ReadThroughCache[K, V, I] {
	return &ReadThroughCache[K, V, I]{cache: cache, fn: fn, opts: opts}
}

// Get returns the cached value for key, loading it from input on a miss.
func (r *ReadThroughCache[K, V, I]) Get(ctx context.Context, key K, input I, ttl time.Duration) (V, error) {
	if r.opts.Bypass {
		return r.fn(ctx, input)
	}

	var (
		value V
		hit   bool
	)
	if r.opts.Sliding {
		value, hit = r.cache.GetWithRefresh(ctx, key, ttl)
	} else {
		value, hit = r.cache.Get(ctx, key)
	}
	if hit {
		return value, nil
	}

	value, err := r.fn(ctx, input)
	if err != nil {
		return value, err
	}
	r.cache.Set(ctx, key, value, ttl)
	return value, nil
}

// Forget drops the given keys.
func (r *ReadThroughCache[K, V, I]) Forget(ctx context.Context, keys ...K) error {
	return r.cache.Delete(ctx, keys...)
}
