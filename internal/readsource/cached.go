package readsource

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"dehc/pkg/domain"
)

// DefaultCleanupInterval is how often expired cache entries are purged.
const DefaultCleanupInterval = 5 * time.Minute

var _ domain.ReadInvalidator = (*Cached)(nil)

// Cached fronts a ReadSource with a TTL cache. Concurrent fetches of the same
// key share one upstream call. Only successful lookups are cached, so a
// missing value is retried on the next fetch.
type Cached struct {
	inner domain.ReadSource
	cache *gocache.Cache // nil when caching is off
	group singleflight.Group
}

type fetchResult struct {
	value string
	ok    bool
}

// NewCached wraps inner. A non-positive ttl turns caching off; fetches still
// collapse concurrent calls for the same key.
func NewCached(inner domain.ReadSource, ttl time.Duration) *Cached {
	c := &Cached{inner: inner}
	if ttl > 0 {
		c.cache = gocache.New(ttl, DefaultCleanupInterval)
	}
	return c
}

func cacheKey(source, key string) string { return source + "\x00" + key }

// Fetch implements domain.ReadSource.
func (c *Cached) Fetch(ctx context.Context, source, key string) (string, bool, error) {
	ck := cacheKey(source, key)
	if c.cache != nil {
		if v, found := c.cache.Get(ck); found {
			if s, ok := v.(string); ok {
				return s, true, nil
			}
		}
	}
	out, err, _ := c.group.Do(ck, func() (any, error) {
		v, ok, err := c.inner.Fetch(ctx, source, key)
		if err != nil {
			return nil, err
		}
		if ok && c.cache != nil {
			c.cache.SetDefault(ck, v)
		}
		return fetchResult{value: v, ok: ok}, nil
	})
	if err != nil {
		return "", false, err
	}
	res := out.(fetchResult)
	return res.value, res.ok, nil
}

// Invalidate drops the cached value for one key.
func (c *Cached) Invalidate(source, key string) {
	if c.cache != nil {
		c.cache.Delete(cacheKey(source, key))
	}
}

// Flush drops every cached value.
func (c *Cached) Flush() {
	if c.cache != nil {
		c.cache.Flush()
	}
}

// FlushOn flushes the cache whenever signal fires, typically
// FileSource.Reloaded, until ctx is done or signal is closed.
func (c *Cached) FlushOn(ctx context.Context, signal <-chan struct{}) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-signal:
				if !ok {
					return
				}
				c.Flush()
			}
		}
	}()
}
