package domain

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrLockHeld     = errors.New("lock already held")

	// Spread calculation.
	ErrInvalidReference = errors.New("invalid reference price")
	ErrInvalidImplied   = errors.New("invalid implied price")

	// Oracle guard.
	ErrOracleNotConfigured = errors.New("oracle not configured for asset")
	ErrStaleOracleData     = errors.New("stale oracle data")
	ErrInvalidOraclePrice  = errors.New("invalid oracle price")
	ErrFeedUnavailable     = errors.New("reference feed unavailable")
	ErrPriceDeviation      = errors.New("price deviation too high")

	// Volume circuit breaker.
	ErrCircuitTripped   = errors.New("circuit breaker tripped")
	ErrAssetBlocked     = errors.New("asset deny-listed")
	ErrVenueNotAllowed  = errors.New("venue not allowed")
	ErrDailyCapExceeded = errors.New("daily volume cap exceeded")
	ErrProfitTooLow     = errors.New("profit below minimum")
	ErrSlippageTooHigh  = errors.New("slippage above maximum")
	ErrAnomalyDetected  = errors.New("anomalous trade size")

	// Governance.
	ErrProposalNotFound        = errors.New("proposal not found")
	ErrProposalNotReady        = errors.New("proposal delay has not elapsed")
	ErrProposalAlreadyExecuted = errors.New("proposal already executed")
	ErrProposalCancelled       = errors.New("proposal cancelled")
	ErrProposalExecuting       = errors.New("proposal execution in progress")

	// Execution.
	ErrTransient          = errors.New("transient failure")
	ErrExecutionUnknown   = errors.New("execution outcome unknown")
	ErrOpportunityExpired = errors.New("opportunity expired")
)

// IsTransient reports whether err is (or wraps) a transient transport-level
// failure that is eligible for a bounded retry. Policy rejections are never
// transient.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
