package domain

import (
	"math/big"
	"time"
)

// OracleConfig is the per-asset reference feed policy. Owned by the
// governance timelock; read-only to the oracle guard.
type OracleConfig struct {
	Asset         Asset
	FeedID        string // handle the reference feed resolves, e.g. an aggregator address
	FeedDecimals  uint8
	DeviationBps  int64 // max allowed divergence between route-implied and reference price
	StalePeriod   time.Duration
	BypassEnabled bool // explicit escape hatch: skip validation entirely
	Configured    bool
}

// AssetLimits is the per-asset volume policy plus the consumed-so-far ledger.
// The ledger fields (DailyVolume, LastResetTime) are mutated only through the
// breaker's atomic check-and-consume or its lazy daily reset.
type AssetLimits struct {
	Asset          Asset
	DailyCap       *big.Int
	MinProfitBps   int64
	MaxSlippageBps int64
	DailyVolume    *big.Int
	LastResetTime  time.Time
	Enabled        bool
}

// Remaining returns the headroom left under the daily cap, never negative.
func (l AssetLimits) Remaining() *big.Int {
	if l.DailyCap == nil {
		return new(big.Int)
	}
	rem := new(big.Int).Set(l.DailyCap)
	if l.DailyVolume != nil {
		rem.Sub(rem, l.DailyVolume)
	}
	if rem.Sign() < 0 {
		rem.SetInt64(0)
	}
	return rem
}

// CircuitState is the one process-wide mutable safety flag. Once tripped,
// every authorization request fails until an explicit guardian reset.
type CircuitState struct {
	Tripped    bool
	LastReason string
	TrippedAt  time.Time
}

// PricePoint is a reference feed observation: a fixed-point price, the
// decimals it is expressed in, and when the feed last updated it.
type PricePoint struct {
	Price     *big.Int
	Decimals  uint8
	UpdatedAt time.Time
}
