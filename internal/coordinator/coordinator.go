// Package coordinator turns raw candidate routes into authorized-or-rejected
// opportunities and hands authorized ones to the execution collaborator. It
// composes the spread calculator, the oracle guard, and the volume circuit
// breaker into a single risk-gated pipeline.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/routegate/internal/audit"
	"github.com/alanyoungcy/routegate/internal/breaker"
	"github.com/alanyoungcy/routegate/internal/domain"
	"github.com/alanyoungcy/routegate/internal/oracle"
	"github.com/alanyoungcy/routegate/internal/spread"
)

// Config holds the coordinator's gate thresholds and execution parameters.
type Config struct {
	// MinSpreadBps is the cheap early-exit gate: candidates below this
	// absolute spread are rejected before any guard call.
	MinSpreadBps int64
	// FlashLoanMinLegs routes with at least this many legs execute through
	// borrowed capital.
	FlashLoanMinLegs int
	// FlashLoanMinProfit: net profit at or above this also selects the
	// borrowed-capital path, regardless of leg count.
	FlashLoanMinProfit *big.Int
	// SubmitTimeout bounds a single execution submission.
	SubmitTimeout time.Duration
	// MaxRetries is how many extra submissions are attempted after a
	// transient transport failure. Policy rejections are never retried.
	MaxRetries int
	// RetryBackoff is the pause between submission attempts.
	RetryBackoff time.Duration
	// DryRun evaluates candidates without consuming volume or dispatching.
	DryRun bool
}

// DefaultConfig returns production defaults for the coordinator.
func DefaultConfig() Config {
	return Config{
		MinSpreadBps:       23,
		FlashLoanMinLegs:   3,
		FlashLoanMinProfit: new(big.Int).Mul(big.NewInt(500), domain.PriceScale),
		SubmitTimeout:      15 * time.Second,
		MaxRetries:         2,
		RetryBackoff:       500 * time.Millisecond,
	}
}

// Coordinator is the risk-gated execution pipeline.
type Coordinator struct {
	guard     *oracle.Guard
	breaker   *breaker.Breaker
	submitter domain.ExecutionSubmitter
	opps      domain.OpportunityStore // optional
	audit     *audit.Recorder
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Coordinator with all required dependencies. opps may be nil.
func New(
	guard *oracle.Guard,
	brk *breaker.Breaker,
	submitter domain.ExecutionSubmitter,
	opps domain.OpportunityStore,
	rec *audit.Recorder,
	cfg Config,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		guard:     guard,
		breaker:   brk,
		submitter: submitter,
		opps:      opps,
		audit:     rec,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "coordinator")),
		now:       time.Now,
	}
}

// SetClock overrides the coordinator's time source. Intended for tests.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// Evaluate runs one candidate through the full gate sequence:
//
//  1. spread gate (cheap early exit, no guard calls)
//  2. oracle guard (failures never trip the circuit on this path)
//  3. net profit gate
//  4. volume breaker check-and-consume
//  5. strategy selection and dispatch
//  6. settlement or rejection from the executor result
//
// A non-nil error is returned only for malformed input (bad route, invalid
// reference price); every policy decision is expressed on the returned
// opportunity. A retry after a transport failure must start from a fresh
// candidate so the full guard sequence re-runs; Evaluate never resumes
// mid-way.
func (c *Coordinator) Evaluate(ctx context.Context, cand domain.CandidateRoute) (domain.Opportunity, error) {
	if err := cand.Route.Validate(); err != nil {
		return domain.Opportunity{}, fmt.Errorf("coordinator: %w", err)
	}
	if cand.AmountIn == nil || cand.AmountIn.Sign() <= 0 {
		return domain.Opportunity{}, fmt.Errorf("coordinator: amount_in must be positive")
	}

	opp := domain.Opportunity{
		ID:               uuid.New().String(),
		Route:            cand.Route,
		AmountIn:         cand.AmountIn,
		ImpliedPrice:     cand.ImpliedPrice,
		ReferencePrice:   cand.ReferencePrice,
		EstimatedProfit:  cand.EstimatedProfit,
		EstimatedGasCost: cand.EstimatedGasCost,
		Status:           domain.OppDetected,
		Source:           cand.Source,
		DetectedAt:       cand.DetectedAt,
		ExpiresAt:        cand.ExpiresAt,
	}

	log := c.logger.With(
		slog.String("opp_id", opp.ID),
		slog.String("route", cand.Route.String()),
		slog.String("source", cand.Source),
	)

	if opp.Expired(c.now()) {
		return c.expire(ctx, opp, log), nil
	}

	// 1. Spread gate. Invalid reference is an input error, never a silent
	// divide-by-zero.
	dev, err := spread.Compute(cand.ImpliedPrice, cand.ReferencePrice)
	if err != nil {
		return domain.Opportunity{}, fmt.Errorf("coordinator: spread: %w", err)
	}
	opp.SpreadBps = dev.SignedBps()
	if dev.Bps < c.cfg.MinSpreadBps {
		return c.reject(ctx, opp, domain.RejectBelowThreshold,
			fmt.Sprintf("spread %d bps below min %d bps", dev.Bps, c.cfg.MinSpreadBps), log), nil
	}
	opp.Status = domain.OppValidated

	// 2. Oracle guard. Oracle disagreement is rejection, not a trip.
	asset := cand.Route.StartAsset()
	if err := c.guard.Validate(ctx, asset, cand.ImpliedPrice, cand.AssetDecimals); err != nil {
		log.WarnContext(ctx, "oracle validation failed", slog.String("error", err.Error()))
		return c.reject(ctx, opp, domain.RejectOracleFailure, err.Error(), log), nil
	}

	// 3. Net profit gate.
	net := opp.NetProfit()
	if net.Sign() <= 0 {
		return c.reject(ctx, opp, domain.RejectUnprofitable,
			fmt.Sprintf("net profit %s after gas", net), log), nil
	}

	// 4. Volume policy, serialized per asset by the breaker.
	req := breaker.ConsumeRequest{
		Asset:       asset,
		Amount:      cand.AmountIn,
		ProfitBps:   profitBps(net, cand.AmountIn),
		SlippageBps: cand.EstimatedSlippageBps,
		Venues:      cand.Route.Venues(),
		Assets:      cand.Route.Assets(),
	}
	consumeErr := func() error {
		if c.cfg.DryRun {
			return c.breaker.Check(ctx, req)
		}
		return c.breaker.CheckAndConsume(ctx, req)
	}()
	if consumeErr != nil {
		return c.reject(ctx, opp, domain.RejectPolicyDenied, consumeErr.Error(), log), nil
	}

	opp.Status = domain.OppAuthorized
	opp.Strategy = SelectStrategy(net, len(cand.Route.Legs), c.cfg)
	c.audit.Record(ctx, "opportunity_authorized", map[string]any{
		"opp_id":     opp.ID,
		"asset":      asset.Hex(),
		"spread_bps": opp.SpreadBps,
		"net_profit": net.String(),
		"strategy":   string(opp.Strategy),
	})

	if c.cfg.DryRun {
		c.record(ctx, opp)
		return opp, nil
	}

	// Staleness of the opportunity itself, re-checked at the last moment:
	// an expired candidate is never dispatched regardless of apparent
	// profitability.
	if opp.Expired(c.now()) {
		return c.expire(ctx, opp, log), nil
	}

	return c.dispatch(ctx, opp, log)
}

// dispatch submits the authorized opportunity, retrying only transient
// transport failures, bounded by MaxRetries.
func (c *Coordinator) dispatch(ctx context.Context, opp domain.Opportunity, log *slog.Logger) (domain.Opportunity, error) {
	opp.Status = domain.OppExecuting

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			log.WarnContext(ctx, "retrying execution submit",
				slog.Int("attempt", attempt+1),
				slog.String("error", lastErr.Error()),
			)
			select {
			case <-ctx.Done():
				return c.unknown(ctx, opp, ctx.Err(), log)
			case <-time.After(c.cfg.RetryBackoff):
			}
		}

		submitCtx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
		result, err := c.submitter.Submit(submitCtx, opp, opp.Strategy)
		timedOut := submitCtx.Err() != nil && errors.Is(err, context.DeadlineExceeded)
		cancel()

		switch {
		case err == nil && result.Success:
			return c.settle(ctx, opp, result, log), nil
		case err == nil:
			// Executor reported a definite failure.
			return c.reject(ctx, opp, domain.RejectExecutionFailed, result.Message, log), nil
		case timedOut:
			// Outcome unknown: the submission may have landed. Never
			// assume failure and re-consume volume for a retry;
			// reconciliation happens out of band.
			return c.unknown(ctx, opp, err, log)
		case domain.IsTransient(err):
			lastErr = err
		default:
			return c.reject(ctx, opp, domain.RejectExecutionFailed, err.Error(), log), nil
		}
	}

	return c.reject(ctx, opp, domain.RejectExecutionFailed,
		fmt.Sprintf("retries exhausted: %v", lastErr), log), nil
}

func (c *Coordinator) settle(ctx context.Context, opp domain.Opportunity, result domain.ExecutionResult, log *slog.Logger) domain.Opportunity {
	now := c.now().UTC()
	opp.Status = domain.OppSettled
	opp.RealizedProfit = result.RealizedProfit
	opp.SettledAt = &now

	log.InfoContext(ctx, "opportunity settled",
		slog.String("realized_profit", bigString(result.RealizedProfit)),
		slog.String("cost_paid", bigString(result.CostPaid)),
	)
	c.audit.Record(ctx, "opportunity_settled", map[string]any{
		"opp_id":          opp.ID,
		"realized_profit": bigString(result.RealizedProfit),
		"cost_paid":       bigString(result.CostPaid),
		"strategy":        string(opp.Strategy),
	})
	c.record(ctx, opp)
	return opp
}

func (c *Coordinator) reject(ctx context.Context, opp domain.Opportunity, reason domain.RejectReason, detail string, log *slog.Logger) domain.Opportunity {
	opp.Status = domain.OppRejected
	opp.Reason = reason
	opp.ReasonDetail = detail

	log.WarnContext(ctx, "opportunity rejected",
		slog.String("reason", string(reason)),
		slog.String("detail", detail),
	)
	c.audit.Record(ctx, "opportunity_rejected", map[string]any{
		"opp_id":     opp.ID,
		"reason":     string(reason),
		"detail":     detail,
		"spread_bps": opp.SpreadBps,
	})
	c.record(ctx, opp)
	return opp
}

func (c *Coordinator) expire(ctx context.Context, opp domain.Opportunity, log *slog.Logger) domain.Opportunity {
	opp.Status = domain.OppExpired
	log.DebugContext(ctx, "opportunity expired", slog.Time("expires_at", opp.ExpiresAt))
	c.audit.Record(ctx, "opportunity_expired", map[string]any{
		"opp_id":     opp.ID,
		"expires_at": opp.ExpiresAt.Format(time.RFC3339),
	})
	c.record(ctx, opp)
	return opp
}

// unknown handles a timed-out dispatch: the opportunity stays in Executing
// for out-of-band reconciliation and the caller sees ErrExecutionUnknown.
func (c *Coordinator) unknown(ctx context.Context, opp domain.Opportunity, cause error, log *slog.Logger) (domain.Opportunity, error) {
	log.ErrorContext(ctx, "execution outcome unknown",
		slog.String("error", cause.Error()),
	)
	c.audit.Record(ctx, "execution_unknown", map[string]any{
		"opp_id":   opp.ID,
		"strategy": string(opp.Strategy),
		"error":    cause.Error(),
	})
	c.record(ctx, opp)
	return opp, fmt.Errorf("coordinator: dispatch %s: %w", opp.ID, domain.ErrExecutionUnknown)
}

func (c *Coordinator) record(ctx context.Context, opp domain.Opportunity) {
	if c.opps == nil {
		return
	}
	if err := c.opps.Create(ctx, opp); err != nil {
		c.logger.WarnContext(ctx, "opportunity store write failed",
			slog.String("opp_id", opp.ID),
			slog.String("error", err.Error()),
		)
	}
}

// SelectStrategy picks the execution path from documented thresholds: routes
// with cfg.FlashLoanMinLegs or more legs, or net profit at or above
// cfg.FlashLoanMinProfit, take the borrowed-capital multi-leg path; everything
// else is a simple two-party swap.
func SelectStrategy(netProfit *big.Int, legCount int, cfg Config) domain.ExecutionStrategy {
	if cfg.FlashLoanMinLegs > 0 && legCount >= cfg.FlashLoanMinLegs {
		return domain.StrategyFlashLoan
	}
	if cfg.FlashLoanMinProfit != nil && netProfit.Cmp(cfg.FlashLoanMinProfit) >= 0 {
		return domain.StrategyFlashLoan
	}
	return domain.StrategySimpleSwap
}

// profitBps expresses net profit relative to the input amount in basis
// points, saturating at zero for non-positive inputs.
func profitBps(netProfit, amountIn *big.Int) int64 {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return 0
	}
	bps := new(big.Int).Mul(netProfit, big.NewInt(10_000))
	bps.Quo(bps, amountIn)
	if !bps.IsInt64() {
		return 0
	}
	return bps.Int64()
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
