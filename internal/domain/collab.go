package domain

import (
	"context"
	"math/big"
)

// RouteQuoter returns the implied exchange rate and output amount for a route
// at a given input size. Implemented by DEX/aggregator integrations.
type RouteQuoter interface {
	Quote(ctx context.Context, route Route, amountIn *big.Int) (impliedPrice, amountOut *big.Int, err error)
}

// ReferenceFeed returns the latest trusted reference price for an asset.
// Implementations wrap an oracle network client. Transport failures should be
// wrapped in ErrTransient so callers can apply bounded retries.
type ReferenceFeed interface {
	Latest(ctx context.Context, feedID string) (PricePoint, error)
}

// ExecutionResult is the outcome reported by the execution collaborator.
type ExecutionResult struct {
	Success        bool
	RealizedProfit *big.Int
	CostPaid       *big.Int
	Message        string
}

// ExecutionSubmitter submits an authorized opportunity for execution with the
// chosen strategy. Transient transport failures must wrap ErrTransient;
// a context deadline expiry means the outcome is unknown, not failed.
type ExecutionSubmitter interface {
	Submit(ctx context.Context, opp Opportunity, strategy ExecutionStrategy) (ExecutionResult, error)
}
