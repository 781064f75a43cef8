// Package quoter provides the REST client for the route quoting service used
// by scanner workers to price candidate routes.
package quoter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/alanyoungcy/routegate/internal/domain"
)

// Client is the REST client for the aggregator quote API. It prices a route
// at a given input size without committing to execution.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a quote client. baseURL is the API root, e.g.
// "https://quotes.example.com".
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type quoteLeg struct {
	AssetIn  string `json:"asset_in"`
	AssetOut string `json:"asset_out"`
	Venue    string `json:"venue"`
}

type quoteRequest struct {
	Legs     []quoteLeg `json:"legs"`
	AmountIn string     `json:"amount_in"`
}

type quoteResponse struct {
	ImpliedPrice string `json:"implied_price"` // fixed-point at 1e18
	AmountOut    string `json:"amount_out"`
}

// Quote prices route at amountIn. The returned implied price is fixed-point
// at 1e18. Transport failures and upstream 5xx responses wrap
// domain.ErrTransient.
func (c *Client) Quote(ctx context.Context, route domain.Route, amountIn *big.Int) (*big.Int, *big.Int, error) {
	legs := make([]quoteLeg, 0, len(route.Legs))
	for _, leg := range route.Legs {
		legs = append(legs, quoteLeg{
			AssetIn:  leg.AssetIn.Hex(),
			AssetOut: leg.AssetOut.Hex(),
			Venue:    leg.Venue.Hex(),
		})
	}

	payload, err := json.Marshal(quoteRequest{Legs: legs, AmountIn: amountIn.String()})
	if err != nil {
		return nil, nil, fmt.Errorf("quoter: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/quote", bytes.NewReader(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("quoter: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, fmt.Errorf("quoter: quote: %w", ctx.Err())
		}
		return nil, nil, fmt.Errorf("quoter: quote: %v: %w", err, domain.ErrTransient)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("quoter: read response: %v: %w", err, domain.ErrTransient)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, nil, fmt.Errorf("quoter: HTTP %d: %w", resp.StatusCode, domain.ErrTransient)
	default:
		return nil, nil, fmt.Errorf("quoter: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var qr quoteResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return nil, nil, fmt.Errorf("quoter: decode response: %w", err)
	}

	implied, ok := new(big.Int).SetString(qr.ImpliedPrice, 10)
	if !ok {
		return nil, nil, fmt.Errorf("quoter: malformed implied price %q", qr.ImpliedPrice)
	}
	amountOut, ok := new(big.Int).SetString(qr.AmountOut, 10)
	if !ok {
		return nil, nil, fmt.Errorf("quoter: malformed amount out %q", qr.AmountOut)
	}

	return implied, amountOut, nil
}

var _ domain.RouteQuoter = (*Client)(nil)
