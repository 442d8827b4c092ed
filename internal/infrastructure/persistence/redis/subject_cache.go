package redis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/schulhub/schulsync/internal/domain/grades"
	"github.com/schulhub/schulsync/internal/domain/shared"
)

// SubjectCatalogCache keeps the subject catalog per student between refresh
// cycles. The catalog is static within a school year, so refetching it
// every cycle is the most wasteful call of the whole pipeline.
type SubjectCatalogCache struct {
	cache  *Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewSubjectCatalogCache creates a subject catalog cache.
func NewSubjectCatalogCache(cache *Cache, logger *slog.Logger) *SubjectCatalogCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubjectCatalogCache{
		cache:  cache,
		ttl:    TTLSubjectCatalog,
		logger: logger.With("component", "subject_cache"),
	}
}

// Get returns the cached catalog of one student. Misses and backend errors
// both come back as false; the caller fetches from the portal either way.
func (c *SubjectCatalogCache) Get(ctx context.Context, key shared.StudentKey) ([]grades.Subject, bool) {
	var subjects []grades.Subject
	if err := c.cache.Get(ctx, SubjectsKey(key), &subjects); err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.Warn("subject catalog lookup failed",
				"student", key.String(),
				"error", err,
			)
		}
		return nil, false
	}
	if len(subjects) == 0 {
		return nil, false
	}
	return subjects, true
}

// Set stores a freshly fetched catalog. An empty catalog is not pinned;
// it usually means a portal hiccup rather than a school without subjects.
func (c *SubjectCatalogCache) Set(ctx context.Context, key shared.StudentKey, subjects []grades.Subject) {
	if len(subjects) == 0 {
		return
	}
	if err := c.cache.Set(ctx, SubjectsKey(key), subjects, c.ttl); err != nil {
		c.logger.Warn("subject catalog not cached",
			"student", key.String(),
			"error", err,
		)
	}
}

// Invalidate evicts one student's catalog, forcing the next cycle to
// refetch. Used when grade mapping encounters a subject id the cached
// catalog does not know.
func (c *SubjectCatalogCache) Invalidate(ctx context.Context, key shared.StudentKey) {
	if err := c.cache.Delete(ctx, SubjectsKey(key)); err != nil {
		c.logger.Warn("subject catalog not evicted",
			"student", key.String(),
			"error", err,
		)
	}
}
