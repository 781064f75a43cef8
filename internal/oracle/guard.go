// Package oracle validates route-implied prices against trusted reference
// feeds. The guard is fail-closed: an asset must be explicitly configured or
// explicitly bypassed, otherwise validation rejects.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/alanyoungcy/routegate/internal/audit"
	"github.com/alanyoungcy/routegate/internal/domain"
	"github.com/alanyoungcy/routegate/internal/spread"
)

// ConfigSource exposes the per-asset oracle policy. Owned by governance;
// the guard only reads it.
type ConfigSource interface {
	OracleConfig(asset domain.Asset) (domain.OracleConfig, bool)
}

// DeviationError reports a deviation rejection with both prices and the
// computed bps so the decision can be reconstructed offline.
type DeviationError struct {
	Asset          domain.Asset
	ImpliedPrice   *big.Int
	ReferencePrice *big.Int
	DeviationBps   int64
	MaxBps         int64
}

func (e *DeviationError) Error() string {
	return fmt.Sprintf("oracle: price deviation %d bps exceeds max %d bps for %s (implied=%s reference=%s)",
		e.DeviationBps, e.MaxBps, e.Asset, e.ImpliedPrice, e.ReferencePrice)
}

func (e *DeviationError) Unwrap() error { return domain.ErrPriceDeviation }

// Config holds the guard's operational parameters.
type Config struct {
	// FeedTimeout bounds each reference feed fetch.
	FeedTimeout time.Duration
	// FetchRetries is the number of extra attempts after a transient feed
	// failure.
	FetchRetries int
	// RetryBackoff is the pause between feed fetch attempts.
	RetryBackoff time.Duration
	// EscalationWindow and EscalationThreshold control when repeated
	// staleness/deviation failures for one asset raise a policy review
	// signal. Reviews never trip the circuit; oracle disagreement is an
	// expected, noisy signal.
	EscalationWindow    time.Duration
	EscalationThreshold int
}

// DefaultConfig returns production defaults for the guard.
func DefaultConfig() Config {
	return Config{
		FeedTimeout:         3 * time.Second,
		FetchRetries:        2,
		RetryBackoff:        200 * time.Millisecond,
		EscalationWindow:    10 * time.Minute,
		EscalationThreshold: 5,
	}
}

// Guard validates route-implied prices against the configured reference feed
// for each asset.
type Guard struct {
	feed    domain.ReferenceFeed
	configs ConfigSource
	audit   *audit.Recorder
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	failures map[domain.Asset][]time.Time
}

// NewGuard creates a Guard with all required dependencies.
func NewGuard(feed domain.ReferenceFeed, configs ConfigSource, rec *audit.Recorder, cfg Config, logger *slog.Logger) *Guard {
	return &Guard{
		feed:     feed,
		configs:  configs,
		audit:    rec,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "oracle_guard")),
		now:      time.Now,
		failures: make(map[domain.Asset][]time.Time),
	}
}

// SetClock overrides the guard's time source. Intended for tests.
func (g *Guard) SetClock(now func() time.Time) { g.now = now }

// Validate checks a route-implied price for asset against the configured
// reference feed. impliedPrice is fixed point at assetDecimals. It returns
// nil when the price passes, or one of:
//
//   - domain.ErrOracleNotConfigured (fail-closed default)
//   - domain.ErrFeedUnavailable (transient, wrapped in domain.ErrTransient)
//   - domain.ErrStaleOracleData
//   - domain.ErrInvalidOraclePrice
//   - *DeviationError (wraps domain.ErrPriceDeviation)
func (g *Guard) Validate(ctx context.Context, asset domain.Asset, impliedPrice *big.Int, assetDecimals uint8) error {
	cfg, ok := g.configs.OracleConfig(asset)
	if !ok || (!cfg.Configured && !cfg.BypassEnabled) {
		g.audit.Record(ctx, "oracle_not_configured", map[string]any{
			"asset": asset.Hex(),
		})
		return fmt.Errorf("oracle: asset %s: %w", asset, domain.ErrOracleNotConfigured)
	}

	if cfg.BypassEnabled {
		// Explicit escape hatch. Logged so a bypassed asset is always
		// visible in the trail.
		g.audit.Record(ctx, "oracle_bypassed", map[string]any{
			"asset": asset.Hex(),
		})
		return nil
	}

	point, err := g.fetch(ctx, cfg.FeedID)
	if err != nil {
		return err
	}

	now := g.now()
	if age := now.Sub(point.UpdatedAt); age > cfg.StalePeriod {
		g.recordFailure(ctx, asset, "stale")
		g.audit.Record(ctx, "oracle_stale", map[string]any{
			"asset":        asset.Hex(),
			"feed_id":      cfg.FeedID,
			"age_seconds":  int64(age.Seconds()),
			"stale_period": int64(cfg.StalePeriod.Seconds()),
		})
		return fmt.Errorf("oracle: feed %s age %s exceeds %s: %w",
			cfg.FeedID, age.Truncate(time.Second), cfg.StalePeriod, domain.ErrStaleOracleData)
	}

	if point.Price == nil || point.Price.Sign() <= 0 {
		g.recordFailure(ctx, asset, "invalid_price")
		g.audit.Record(ctx, "oracle_invalid_price", map[string]any{
			"asset":   asset.Hex(),
			"feed_id": cfg.FeedID,
		})
		return fmt.Errorf("oracle: feed %s: %w", cfg.FeedID, domain.ErrInvalidOraclePrice)
	}

	reference := scaleDecimals(point.Price, point.Decimals, assetDecimals)

	dev, err := spread.Compute(impliedPrice, reference)
	if err != nil {
		return fmt.Errorf("oracle: deviation for %s: %w", asset, err)
	}

	if dev.Bps > cfg.DeviationBps {
		g.recordFailure(ctx, asset, "deviation")
		g.audit.Record(ctx, "oracle_deviation", map[string]any{
			"asset":           asset.Hex(),
			"implied_price":   impliedPrice.String(),
			"reference_price": reference.String(),
			"deviation_bps":   dev.Bps,
			"max_bps":         cfg.DeviationBps,
			"direction":       dev.Direction.String(),
		})
		return &DeviationError{
			Asset:          asset,
			ImpliedPrice:   new(big.Int).Set(impliedPrice),
			ReferencePrice: reference,
			DeviationBps:   dev.Bps,
			MaxBps:         cfg.DeviationBps,
		}
	}

	return nil
}

// fetch retrieves the latest feed point with a bounded timeout per attempt
// and a small bounded retry on transient failures.
func (g *Guard) fetch(ctx context.Context, feedID string) (domain.PricePoint, error) {
	var lastErr error
	for attempt := 0; attempt <= g.cfg.FetchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return domain.PricePoint{}, ctx.Err()
			case <-time.After(g.cfg.RetryBackoff):
			}
		}

		fetchCtx, cancel := context.WithTimeout(ctx, g.cfg.FeedTimeout)
		point, err := g.feed.Latest(fetchCtx, feedID)
		cancel()

		if err == nil {
			return point, nil
		}

		if errors.Is(err, context.DeadlineExceeded) || domain.IsTransient(err) {
			lastErr = err
			g.logger.WarnContext(ctx, "feed fetch failed, will retry",
				slog.String("feed_id", feedID),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)
			continue
		}
		return domain.PricePoint{}, fmt.Errorf("oracle: fetch feed %s: %w", feedID, err)
	}
	return domain.PricePoint{}, fmt.Errorf("oracle: feed %s: %w: %w", feedID, domain.ErrFeedUnavailable, errors.Join(domain.ErrTransient, lastErr))
}

// recordFailure tracks staleness/deviation rejections per asset and emits a
// policy_review audit signal when the threshold is crossed inside the window.
func (g *Guard) recordFailure(ctx context.Context, asset domain.Asset, kind string) {
	if g.cfg.EscalationThreshold <= 0 {
		return
	}
	now := g.now()
	cutoff := now.Add(-g.cfg.EscalationWindow)

	g.mu.Lock()
	recent := g.failures[asset][:0]
	for _, t := range g.failures[asset] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	escalate := len(recent) >= g.cfg.EscalationThreshold
	if escalate {
		recent = recent[:0]
	}
	g.failures[asset] = recent
	g.mu.Unlock()

	if escalate {
		g.audit.Record(ctx, "policy_review", map[string]any{
			"asset":          asset.Hex(),
			"kind":           kind,
			"window_seconds": int64(g.cfg.EscalationWindow.Seconds()),
			"threshold":      g.cfg.EscalationThreshold,
		})
	}
}

// scaleDecimals rescales a fixed-point value from one decimal precision to
// another by an exact power of ten. Scaling down truncates digits beyond the
// target precision.
func scaleDecimals(v *big.Int, from, to uint8) *big.Int {
	out := new(big.Int).Set(v)
	switch {
	case to > from:
		out.Mul(out, pow10(int(to-from)))
	case from > to:
		out.Quo(out, pow10(int(from-to)))
	}
	return out
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
