// Package breaker enforces per-asset daily volume caps, minimum-profit and
// maximum-slippage policy, venue/asset listing, and anomaly-triggered circuit
// tripping. Check-and-consume is atomic per asset: two candidates racing on
// the same asset's remaining cap cannot both succeed when only one fits.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/alanyoungcy/routegate/internal/audit"
	"github.com/alanyoungcy/routegate/internal/domain"
)

// rolloverPeriod is the daily volume window. Rollover is lazy: it happens on
// the first consume after the window elapses, not on a schedule.
const rolloverPeriod = 24 * time.Hour

// PolicySource exposes the volume policy and listing state. Owned by
// governance; the breaker only reads it.
type PolicySource interface {
	AssetLimits(asset domain.Asset) (domain.AssetLimits, bool)
	VenueAllowed(venue domain.Venue) bool
	AssetDenied(asset domain.Asset) bool
}

// ConsumeRequest describes one candidate's demand on the volume policy.
type ConsumeRequest struct {
	Asset       domain.Asset
	Amount      *big.Int
	ProfitBps   int64
	SlippageBps int64
	Venues      []domain.Venue
	Assets      []domain.Asset
}

// CapError reports a daily cap rejection with the remaining headroom.
type CapError struct {
	Asset     domain.Asset
	Amount    *big.Int
	Remaining *big.Int
	DailyCap  *big.Int
}

func (e *CapError) Error() string {
	return fmt.Sprintf("breaker: amount %s exceeds remaining daily headroom %s (cap %s) for %s",
		e.Amount, e.Remaining, e.DailyCap, e.Asset)
}

func (e *CapError) Unwrap() error { return domain.ErrDailyCapExceeded }

// VenueError reports the specific venue that is not allowed.
type VenueError struct {
	Venue domain.Venue
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("breaker: venue %s not allowed", e.Venue)
}

func (e *VenueError) Unwrap() error { return domain.ErrVenueNotAllowed }

// AssetBlockedError reports the specific deny-listed asset.
type AssetBlockedError struct {
	Asset domain.Asset
}

func (e *AssetBlockedError) Error() string {
	return fmt.Sprintf("breaker: asset %s deny-listed", e.Asset)
}

func (e *AssetBlockedError) Unwrap() error { return domain.ErrAssetBlocked }

// ledger is the mutable consumed-so-far state for one asset. Its mutex
// serializes same-asset consumers without cross-asset contention.
type ledger struct {
	mu        sync.Mutex
	volume    *big.Int
	lastReset time.Time
}

// Breaker applies the full check-and-consume sequence.
type Breaker struct {
	policy  PolicySource
	circuit *Circuit
	audit   *audit.Recorder
	logger  *slog.Logger
	now     func() time.Time

	// anomalyThresholdBps: a single consume larger than
	// dailyCap*threshold/10000 trips the circuit.
	anomalyThresholdBps int64

	mu      sync.Mutex
	ledgers map[domain.Asset]*ledger
}

// NewBreaker creates a Breaker with all required dependencies.
func NewBreaker(policy PolicySource, circuit *Circuit, rec *audit.Recorder, anomalyThresholdBps int64, logger *slog.Logger) *Breaker {
	return &Breaker{
		policy:              policy,
		circuit:             circuit,
		audit:               rec,
		logger:              logger.With(slog.String("component", "breaker")),
		now:                 time.Now,
		anomalyThresholdBps: anomalyThresholdBps,
		ledgers:             make(map[domain.Asset]*ledger),
	}
}

// SetClock overrides the breaker's time source. Intended for tests.
func (b *Breaker) SetClock(now func() time.Time) { b.now = now }

// Circuit returns the global circuit cell.
func (b *Breaker) Circuit() *Circuit { return b.circuit }

// CheckAndConsume validates req against the circuit, the deny/allow lists,
// and the asset's limits, then consumes the amount from the daily ledger.
// It is all-or-nothing: any rejection leaves the ledger untouched. The
// sequence short-circuits on the first failure:
//
//  1. circuit tripped
//  2. asset deny list (primary asset plus every route asset)
//  3. venue allow list
//  4. limits disabled for this asset: success, nothing consumed against policy
//  5. lazy daily rollover
//  6. daily cap
//  7. minimum profit
//  8. maximum slippage
//  9. anomaly: a disproportionate amount trips the circuit and rejects
func (b *Breaker) CheckAndConsume(ctx context.Context, req ConsumeRequest) error {
	return b.run(ctx, req, true)
}

// Check runs the same sequence as CheckAndConsume without consuming volume or
// tripping the circuit. Used by offline replay.
func (b *Breaker) Check(ctx context.Context, req ConsumeRequest) error {
	return b.run(ctx, req, false)
}

func (b *Breaker) run(ctx context.Context, req ConsumeRequest, consume bool) error {
	// 1. Global kill switch.
	if b.circuit.Tripped() {
		b.reject(ctx, req, "circuit_tripped", nil)
		return fmt.Errorf("breaker: %s: %w", req.Asset, domain.ErrCircuitTripped)
	}

	// 2. Asset deny list, primary asset included.
	for _, a := range append([]domain.Asset{req.Asset}, req.Assets...) {
		if b.policy.AssetDenied(a) {
			err := &AssetBlockedError{Asset: a}
			b.reject(ctx, req, "asset_blocked", map[string]any{"blocked_asset": a.Hex()})
			return err
		}
	}

	// 3. Venue allow list. Absence from the allow list is denial.
	for _, v := range req.Venues {
		if !b.policy.VenueAllowed(v) {
			err := &VenueError{Venue: v}
			b.reject(ctx, req, "venue_not_allowed", map[string]any{"venue": v.Hex()})
			return err
		}
	}

	// 4. Volume policy is opt-in per asset.
	limits, ok := b.policy.AssetLimits(req.Asset)
	if !ok || !limits.Enabled {
		b.allow(ctx, req, "policy_inactive")
		return nil
	}

	led := b.ledger(req.Asset)
	led.mu.Lock()
	defer led.mu.Unlock()

	now := b.now().UTC()

	// 5. Lazy daily rollover, before the cap check.
	if led.lastReset.IsZero() || !now.Before(led.lastReset.Add(rolloverPeriod)) {
		led.volume = new(big.Int)
		led.lastReset = now
	}

	// 6. Daily cap.
	projected := new(big.Int).Add(led.volume, req.Amount)
	if projected.Cmp(limits.DailyCap) > 0 {
		remaining := new(big.Int).Sub(limits.DailyCap, led.volume)
		if remaining.Sign() < 0 {
			remaining.SetInt64(0)
		}
		err := &CapError{
			Asset:     req.Asset,
			Amount:    new(big.Int).Set(req.Amount),
			Remaining: remaining,
			DailyCap:  new(big.Int).Set(limits.DailyCap),
		}
		b.reject(ctx, req, "daily_cap_exceeded", map[string]any{
			"remaining": remaining.String(),
			"daily_cap": limits.DailyCap.String(),
		})
		return err
	}

	// 7. Minimum profit.
	if req.ProfitBps < limits.MinProfitBps {
		b.reject(ctx, req, "profit_too_low", map[string]any{
			"profit_bps": req.ProfitBps,
			"min_bps":    limits.MinProfitBps,
		})
		return fmt.Errorf("breaker: profit %d bps below min %d bps: %w",
			req.ProfitBps, limits.MinProfitBps, domain.ErrProfitTooLow)
	}

	// 8. Maximum slippage.
	if req.SlippageBps > limits.MaxSlippageBps {
		b.reject(ctx, req, "slippage_too_high", map[string]any{
			"slippage_bps": req.SlippageBps,
			"max_bps":      limits.MaxSlippageBps,
		})
		return fmt.Errorf("breaker: slippage %d bps above max %d bps: %w",
			req.SlippageBps, limits.MaxSlippageBps, domain.ErrSlippageTooHigh)
	}

	// 9. Anomaly: a single trade disproportionate to the cap rejects and
	// trips the circuit, even though it would otherwise fit. Nothing is
	// consumed; reopening requires a guardian reset.
	if b.anomalyThresholdBps > 0 {
		limit := new(big.Int).Mul(limits.DailyCap, big.NewInt(b.anomalyThresholdBps))
		limit.Quo(limit, big.NewInt(10_000))
		if req.Amount.Cmp(limit) > 0 {
			if consume {
				b.circuit.Trip(ctx, "anomaly")
			}
			b.reject(ctx, req, "anomaly", map[string]any{
				"anomaly_limit": limit.String(),
				"threshold_bps": b.anomalyThresholdBps,
			})
			return fmt.Errorf("breaker: amount %s exceeds anomaly limit %s: %w",
				req.Amount, limit, domain.ErrAnomalyDetected)
		}
	}

	if consume {
		led.volume.Add(led.volume, req.Amount)
	}
	b.allow(ctx, req, "consumed")
	return nil
}

// ledger returns the per-asset ledger, creating it on first use.
func (b *Breaker) ledger(asset domain.Asset) *ledger {
	b.mu.Lock()
	defer b.mu.Unlock()
	led, ok := b.ledgers[asset]
	if !ok {
		led = &ledger{volume: new(big.Int)}
		b.ledgers[asset] = led
	}
	return led
}

// LimitsSnapshot returns the asset's configured limits merged with its
// current ledger state.
func (b *Breaker) LimitsSnapshot(asset domain.Asset) (domain.AssetLimits, bool) {
	limits, ok := b.policy.AssetLimits(asset)
	if !ok {
		return domain.AssetLimits{}, false
	}
	led := b.ledger(asset)
	led.mu.Lock()
	limits.DailyVolume = new(big.Int).Set(led.volume)
	limits.LastResetTime = led.lastReset
	led.mu.Unlock()
	return limits, true
}

func (b *Breaker) reject(ctx context.Context, req ConsumeRequest, reason string, extra map[string]any) {
	detail := map[string]any{
		"asset":        req.Asset.Hex(),
		"amount":       req.Amount.String(),
		"profit_bps":   req.ProfitBps,
		"slippage_bps": req.SlippageBps,
		"outcome":      "deny",
		"reason":       reason,
	}
	for k, v := range extra {
		detail[k] = v
	}
	b.audit.Record(ctx, "volume_check", detail)
}

func (b *Breaker) allow(ctx context.Context, req ConsumeRequest, note string) {
	b.audit.Record(ctx, "volume_check", map[string]any{
		"asset":        req.Asset.Hex(),
		"amount":       req.Amount.String(),
		"profit_bps":   req.ProfitBps,
		"slippage_bps": req.SlippageBps,
		"outcome":      "allow",
		"note":         note,
	})
}
