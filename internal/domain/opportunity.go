package domain

import (
	"math/big"
	"time"
)

// PriceScale is the fixed-point scale for all prices: 1e18. Integer price
// arithmetic at this scale avoids floating-point drift in bps calculations.
var PriceScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// OpportunityStatus is the lifecycle state of an opportunity.
type OpportunityStatus string

const (
	OppDetected   OpportunityStatus = "detected"
	OppValidated  OpportunityStatus = "validated"
	OppAuthorized OpportunityStatus = "authorized"
	OppExecuting  OpportunityStatus = "executing"
	OppSettled    OpportunityStatus = "settled"
	OppRejected   OpportunityStatus = "rejected"
	OppExpired    OpportunityStatus = "expired"
)

// Terminal reports whether the status is a terminal state.
func (s OpportunityStatus) Terminal() bool {
	switch s {
	case OppSettled, OppRejected, OppExpired:
		return true
	default:
		return false
	}
}

// RejectReason classifies why an opportunity was rejected.
type RejectReason string

const (
	RejectNone            RejectReason = ""
	RejectBelowThreshold  RejectReason = "below_threshold"
	RejectOracleFailure   RejectReason = "oracle_failure"
	RejectUnprofitable    RejectReason = "unprofitable"
	RejectPolicyDenied    RejectReason = "policy_denied"
	RejectExecutionFailed RejectReason = "execution_failed"
)

// ExecutionStrategy selects how an authorized opportunity is submitted.
type ExecutionStrategy string

const (
	// StrategySimpleSwap executes a plain two-party swap path funded from
	// inventory.
	StrategySimpleSwap ExecutionStrategy = "simple_swap"
	// StrategyFlashLoan executes a borrowed-capital multi-leg path.
	StrategyFlashLoan ExecutionStrategy = "flash_loan"
)

// Opportunity is a concrete, time-bounded candidate trade with attached
// profitability numbers and validation status. Created by the coordinator on
// each evaluation; archived once terminal.
type Opportunity struct {
	ID               string
	Route            Route
	AmountIn         *big.Int
	ImpliedPrice     *big.Int
	ReferencePrice   *big.Int
	SpreadBps        int64 // signed: positive when implied above reference
	EstimatedProfit  *big.Int
	EstimatedGasCost *big.Int
	RealizedProfit   *big.Int
	Status           OpportunityStatus
	Reason           RejectReason
	ReasonDetail     string
	Strategy         ExecutionStrategy
	Source           string
	DetectedAt       time.Time
	ExpiresAt        time.Time
	SettledAt        *time.Time
}

// NetProfit returns estimatedProfit - estimatedGasCost, treating nil fields
// as zero.
func (o Opportunity) NetProfit() *big.Int {
	net := new(big.Int)
	if o.EstimatedProfit != nil {
		net.Set(o.EstimatedProfit)
	}
	if o.EstimatedGasCost != nil {
		net.Sub(net, o.EstimatedGasCost)
	}
	return net
}

// Expired reports whether the opportunity's own deadline has passed at now.
// This is staleness of the opportunity itself, independent of any oracle
// staleness check.
func (o Opportunity) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}
