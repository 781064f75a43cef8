// Package scanner produces candidate routes for the risk-gated pipeline. One
// worker per configured route family polls an injected quoter on its own
// ticker, attaches the cached reference price, and ships candidates to a
// shared channel consumed by the coordinator.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/alanyoungcy/routegate/internal/domain"
)

// RouteFamily is one scanning target: a fixed route shape probed at a fixed
// input size.
type RouteFamily struct {
	Name        string
	Route       domain.Route
	AmountIn    *big.Int
	FeedID      string
	Decimals    uint8
	Interval    time.Duration
	GasEstimate *big.Int
	SlippageBps int64
}

// Validate checks the family is shaped well enough to scan.
func (f RouteFamily) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("scanner: route family needs a name")
	}
	if err := f.Route.Validate(); err != nil {
		return fmt.Errorf("scanner: family %s: %w", f.Name, err)
	}
	if f.AmountIn == nil || f.AmountIn.Sign() <= 0 {
		return fmt.Errorf("scanner: family %s: amount_in must be positive", f.Name)
	}
	if f.FeedID == "" {
		return fmt.Errorf("scanner: family %s: feed_id is required", f.Name)
	}
	if f.Interval <= 0 {
		return fmt.Errorf("scanner: family %s: interval must be positive", f.Name)
	}
	return nil
}

// Worker scans a single route family.
type Worker struct {
	family RouteFamily
	quoter domain.RouteQuoter
	prices domain.PriceCache
	out    chan<- domain.CandidateRoute
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewWorker creates a Worker. candidateTTL bounds how long a produced
// candidate stays dispatchable.
func NewWorker(
	family RouteFamily,
	quoter domain.RouteQuoter,
	prices domain.PriceCache,
	out chan<- domain.CandidateRoute,
	candidateTTL time.Duration,
	logger *slog.Logger,
) *Worker {
	return &Worker{
		family: family,
		quoter: quoter,
		prices: prices,
		out:    out,
		ttl:    candidateTTL,
		logger: logger.With(slog.String("component", "scanner"), slog.String("family", family.Name)),
		now:    time.Now,
	}
}

// SetClock overrides the worker's time source. Intended for tests.
func (w *Worker) SetClock(now func() time.Time) { w.now = now }

// RunLoop scans immediately and then on every tick until ctx is cancelled.
// Individual scan failures are logged and skipped; only cancellation stops the
// loop.
func (w *Worker) RunLoop(ctx context.Context) error {
	if err := w.scanOnce(ctx); err != nil {
		w.logger.WarnContext(ctx, "scan failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(w.family.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "scanner worker stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := w.scanOnce(ctx); err != nil {
				w.logger.WarnContext(ctx, "scan failed", slog.String("error", err.Error()))
			}
		}
	}
}

// scanOnce quotes the family's route at its probe size and emits a candidate
// when a reference price is available.
func (w *Worker) scanOnce(ctx context.Context) error {
	implied, amountOut, err := w.quoter.Quote(ctx, w.family.Route, w.family.AmountIn)
	if err != nil {
		return fmt.Errorf("quote %s: %w", w.family.Name, err)
	}
	if implied == nil || implied.Sign() <= 0 {
		return fmt.Errorf("quote %s: non-positive implied price", w.family.Name)
	}

	point, err := w.prices.GetPrice(ctx, w.family.FeedID)
	if err != nil {
		return fmt.Errorf("reference price %s: %w", w.family.FeedID, err)
	}
	reference, err := normalizePrice(point)
	if err != nil {
		return fmt.Errorf("reference price %s: %w", w.family.FeedID, err)
	}

	gas := w.family.GasEstimate
	if gas == nil {
		gas = new(big.Int)
	}
	profit := new(big.Int).Sub(amountOut, w.family.AmountIn)

	now := w.now()
	cand := domain.CandidateRoute{
		Route:                w.family.Route,
		AmountIn:             new(big.Int).Set(w.family.AmountIn),
		ImpliedPrice:         implied,
		ReferencePrice:       reference,
		EstimatedProfit:      profit,
		EstimatedGasCost:     gas,
		EstimatedSlippageBps: w.family.SlippageBps,
		AssetDecimals:        w.family.Decimals,
		Source:               "scanner:" + w.family.Name,
		DetectedAt:           now,
		ExpiresAt:            now.Add(w.ttl),
	}

	select {
	case w.out <- cand:
		w.logger.DebugContext(ctx, "candidate emitted",
			slog.String("implied", implied.String()),
			slog.String("reference", reference.String()),
		)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// normalizePrice rescales a cached observation to the shared 1e18 price scale.
func normalizePrice(point domain.PricePoint) (*big.Int, error) {
	if point.Price == nil || point.Price.Sign() <= 0 {
		return nil, fmt.Errorf("non-positive cached price")
	}
	p := new(big.Int).Set(point.Price)
	switch {
	case point.Decimals == 18:
		return p, nil
	case point.Decimals < 18:
		exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(18-point.Decimals)), nil)
		return p.Mul(p, exp), nil
	default:
		exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(point.Decimals-18)), nil)
		return p.Quo(p, exp), nil
	}
}
