// Package relay provides the REST client for the execution relay: the
// service that takes an authorized route and submits the on-chain
// transaction on the gate's behalf.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/alanyoungcy/routegate/internal/crypto"
	"github.com/alanyoungcy/routegate/internal/domain"
)

// resultTTL bounds how long a submission outcome is remembered for
// idempotent re-submits of the same opportunity.
const resultTTL = 2 * time.Minute

// Client is the REST client for the execution relay API. Every submission is
// HMAC-authenticated and carries an EIP-712 execution authorization the relay
// verifies before broadcasting.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	hmacAuth   *crypto.HMACAuth
	results    *resultCache
}

// New creates a relay client.
//
// baseURL is the relay API root, e.g. "https://relay.example.com".
// signer signs execution authorizations; hmac authenticates API requests.
func New(baseURL string, signer *crypto.Signer, hmac *crypto.HMACAuth, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		signer:   signer,
		hmacAuth: hmac,
		results:  newResultCache(resultTTL),
	}
}

type executionLeg struct {
	AssetIn  string `json:"asset_in"`
	AssetOut string `json:"asset_out"`
	Venue    string `json:"venue"`
}

type executionRequest struct {
	IdempotencyKey string                  `json:"idempotency_key"`
	Legs           []executionLeg          `json:"legs"`
	Authorization  crypto.ExecutionPayload `json:"authorization"`
	Signature      string                  `json:"signature"`
}

type executionResponse struct {
	Success        bool   `json:"success"`
	RealizedProfit string `json:"realized_profit"`
	CostPaid       string `json:"cost_paid"`
	Message        string `json:"message"`
}

// Submit sends an authorized opportunity to the relay. A repeated submit of
// the same opportunity within the idempotency window returns the original
// outcome without a second request. Transport failures and relay 5xx
// responses wrap domain.ErrTransient; a deadline expiry surfaces
// context.DeadlineExceeded so the caller can treat the outcome as unknown.
func (c *Client) Submit(ctx context.Context, opp domain.Opportunity, strategy domain.ExecutionStrategy) (domain.ExecutionResult, error) {
	if cached, ok := c.results.get(opp.ID); ok {
		return cached, nil
	}

	auth, err := c.buildAuthorization(opp, strategy)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	sig, err := c.signer.SignExecution(auth)
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("relay: sign authorization: %w", err)
	}

	legs := make([]executionLeg, 0, len(opp.Route.Legs))
	for _, leg := range opp.Route.Legs {
		legs = append(legs, executionLeg{
			AssetIn:  leg.AssetIn.Hex(),
			AssetOut: leg.AssetOut.Hex(),
			Venue:    leg.Venue.Hex(),
		})
	}

	payload, err := json.Marshal(executionRequest{
		IdempotencyKey: opp.ID,
		Legs:           legs,
		Authorization:  auth,
		Signature:      sig,
	})
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("relay: encode request: %w", err)
	}

	const path = "/v1/executions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("relay: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// HMAC credentials are optional; relays in permissive deployments accept
	// the EIP-712 signature alone.
	if c.hmacAuth != nil {
		for k, v := range c.hmacAuth.Headers(c.signer.Address().Hex(), http.MethodPost, path, string(payload)) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return domain.ExecutionResult{}, fmt.Errorf("relay: submit %s: %w", opp.ID, ctx.Err())
		}
		return domain.ExecutionResult{}, fmt.Errorf("relay: submit %s: %v: %w", opp.ID, err, domain.ErrTransient)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("relay: read response for %s: %v: %w", opp.ID, err, domain.ErrTransient)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return domain.ExecutionResult{}, fmt.Errorf("relay: submit %s: HTTP %d: %w", opp.ID, resp.StatusCode, domain.ErrTransient)
	default:
		// A definite relay rejection is a failed execution, not an error.
		return domain.ExecutionResult{
			Success: false,
			Message: fmt.Sprintf("relay rejected (HTTP %d): %s", resp.StatusCode, string(body)),
		}, nil
	}

	var er executionResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("relay: decode response for %s: %w", opp.ID, err)
	}

	result := domain.ExecutionResult{
		Success: er.Success,
		Message: er.Message,
	}
	if er.RealizedProfit != "" {
		if v, ok := new(big.Int).SetString(er.RealizedProfit, 10); ok {
			result.RealizedProfit = v
		}
	}
	if er.CostPaid != "" {
		if v, ok := new(big.Int).SetString(er.CostPaid, 10); ok {
			result.CostPaid = v
		}
	}

	if result.Success {
		c.results.put(opp.ID, result)
	}
	c.results.cleanup()

	return result, nil
}

// buildAuthorization assembles the EIP-712 payload the relay verifies. The
// profit floor is the estimate net of gas, clamped at zero; the deadline is
// the opportunity's expiry.
func (c *Client) buildAuthorization(opp domain.Opportunity, strategy domain.ExecutionStrategy) (crypto.ExecutionPayload, error) {
	if opp.AmountIn == nil {
		return crypto.ExecutionPayload{}, fmt.Errorf("relay: opportunity %s has no input amount", opp.ID)
	}

	minProfit := new(big.Int)
	if opp.EstimatedProfit != nil {
		minProfit.Set(opp.EstimatedProfit)
		if opp.EstimatedGasCost != nil {
			minProfit.Sub(minProfit, opp.EstimatedGasCost)
		}
		if minProfit.Sign() < 0 {
			minProfit.SetInt64(0)
		}
	}

	strategyCode := 0
	if strategy == domain.StrategyFlashLoan {
		strategyCode = 1
	}

	id := uuid.New()
	nonce := new(big.Int).SetBytes(id[:])

	return crypto.ExecutionPayload{
		RouteHash: HashRoute(opp.Route),
		AmountIn:  opp.AmountIn.String(),
		MinProfit: minProfit.String(),
		Deadline:  strconv.FormatInt(opp.ExpiresAt.Unix(), 10),
		Nonce:     nonce.String(),
		Strategy:  strategyCode,
	}, nil
}

// HashRoute computes the keccak256 hash of the route's packed legs
// (assetIn || assetOut || venue per leg), matching the relay contract's
// encoding.
func HashRoute(route domain.Route) string {
	packed := make([]byte, 0, len(route.Legs)*60)
	for _, leg := range route.Legs {
		packed = append(packed, common.Address(leg.AssetIn).Bytes()...)
		packed = append(packed, common.Address(leg.AssetOut).Bytes()...)
		packed = append(packed, common.Address(leg.Venue).Bytes()...)
	}
	return "0x" + common.Bytes2Hex(ethcrypto.Keccak256(packed))
}

var _ domain.ExecutionSubmitter = (*Client)(nil)
