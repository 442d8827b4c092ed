package redis

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// BundleVersionCache persists the scraped portal bundle version across
// restarts. It implements the cache contract of the portal's bundle
// resolver, which requires errors to be swallowed: a broken cache must
// never break a refresh, it only costs one extra scrape.
type BundleVersionCache struct {
	cache  *Cache
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

// NewBundleVersionCache creates a bundle version cache for one portal host.
func NewBundleVersionCache(cache *Cache, portalHost string, logger *slog.Logger) *BundleVersionCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &BundleVersionCache{
		cache:  cache,
		key:    BundleKey(portalHost),
		ttl:    TTLBundleVersion,
		logger: logger.With("component", "bundle_cache"),
	}
}

// Get returns the cached bundle version. Misses and backend errors both
// come back as false; the resolver scrapes the portal either way.
func (c *BundleVersionCache) Get(ctx context.Context) (string, bool) {
	version, err := c.cache.GetString(ctx, c.key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.Warn("bundle version lookup failed", "error", err)
		}
		return "", false
	}
	return version, true
}

// Set stores a freshly scraped bundle version.
func (c *BundleVersionCache) Set(ctx context.Context, version string) {
	if version == "" {
		return
	}
	if err := c.cache.SetString(ctx, c.key, version, c.ttl); err != nil {
		c.logger.Warn("bundle version not cached", "error", err)
	}
}

// Delete evicts the cached version. The resolver calls this when the
// portal stops accepting the version, which means a new deployment.
func (c *BundleVersionCache) Delete(ctx context.Context) {
	if err := c.cache.Delete(ctx, c.key); err != nil {
		c.logger.Warn("bundle version not evicted", "error", err)
	}
}
