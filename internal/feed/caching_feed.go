package feed

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/routegate/internal/domain"
)

// CachingFeed wraps a ReferenceFeed and writes every successful observation
// through to the price cache. The guard keeps fetching the authoritative
// value; the cache exists for scanner workers, which tolerate slight
// staleness in exchange for not hammering the feed every tick.
type CachingFeed struct {
	inner  domain.ReferenceFeed
	cache  domain.PriceCache
	logger *slog.Logger
}

// NewCachingFeed creates the write-through decorator. cache may be nil, in
// which case observations pass through without caching.
func NewCachingFeed(inner domain.ReferenceFeed, cache domain.PriceCache, logger *slog.Logger) *CachingFeed {
	return &CachingFeed{
		inner:  inner,
		cache:  cache,
		logger: logger.With(slog.String("component", "feed")),
	}
}

// Latest fetches from the wrapped feed and caches the result. Cache write
// failures are logged, never surfaced: a working feed with a broken cache
// must not block validation.
func (c *CachingFeed) Latest(ctx context.Context, feedID string) (domain.PricePoint, error) {
	point, err := c.inner.Latest(ctx, feedID)
	if err != nil {
		return domain.PricePoint{}, err
	}

	if c.cache != nil {
		if cacheErr := c.cache.SetPrice(ctx, feedID, point.Price, point.Decimals, point.UpdatedAt); cacheErr != nil {
			c.logger.WarnContext(ctx, "price cache write failed",
				slog.String("feed_id", feedID),
				slog.String("error", cacheErr.Error()),
			)
		}
	}

	return point, nil
}

var _ domain.ReferenceFeed = (*CachingFeed)(nil)
