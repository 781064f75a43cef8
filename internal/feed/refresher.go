package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/routegate/internal/domain"
)

// Refresher polls a set of feed IDs on a fixed interval. Pointed at a
// CachingFeed it keeps the shared price cache warm so scanner workers always
// find a recent reference observation.
type Refresher struct {
	feed     domain.ReferenceFeed
	feedIDs  []string
	interval time.Duration
	logger   *slog.Logger
}

// NewRefresher creates a Refresher over the given feed IDs. Duplicate IDs are
// collapsed.
func NewRefresher(feed domain.ReferenceFeed, feedIDs []string, interval time.Duration, logger *slog.Logger) *Refresher {
	seen := make(map[string]bool, len(feedIDs))
	unique := make([]string, 0, len(feedIDs))
	for _, id := range feedIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}
	return &Refresher{
		feed:     feed,
		feedIDs:  unique,
		interval: interval,
		logger:   logger.With(slog.String("component", "feed_refresher")),
	}
}

// Run fetches every feed immediately and then on each tick until ctx is
// cancelled. Individual fetch failures are logged and skipped.
func (r *Refresher) Run(ctx context.Context) error {
	if len(r.feedIDs) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	r.refreshAll(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "feed refresher stopped")
			return ctx.Err()
		case <-ticker.C:
			r.refreshAll(ctx)
		}
	}
}

func (r *Refresher) refreshAll(ctx context.Context) {
	for _, id := range r.feedIDs {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.feed.Latest(ctx, id); err != nil {
			r.logger.WarnContext(ctx, "feed refresh failed",
				slog.String("feed_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}
