// Package feed provides reference price feed clients. The oracle guard
// fetches the authoritative feed value through these; the scanner reads the
// write-through cache instead.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/alanyoungcy/routegate/internal/domain"
)

// HTTPFeed is the REST client for a reference price aggregation service. One
// GET per lookup; the service multiplexes the underlying oracle networks.
type HTTPFeed struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPFeed creates a feed client. baseURL is the service root, e.g.
// "https://feeds.example.com". timeout bounds each request; the guard applies
// its own per-fetch deadline on top.
func NewHTTPFeed(baseURL string, timeout time.Duration) *HTTPFeed {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFeed{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// feedResponse is the wire format of the latest-observation endpoint.
type feedResponse struct {
	Price     string    `json:"price"` // integer string at feed decimals
	Decimals  uint8     `json:"decimals"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Latest returns the most recent observation for feedID. Transport failures
// and upstream 5xx responses wrap domain.ErrTransient so the guard can apply
// bounded retries; a 404 means the feed is not served here.
func (f *HTTPFeed) Latest(ctx context.Context, feedID string) (domain.PricePoint, error) {
	url := fmt.Sprintf("%s/v1/feeds/%s/latest", f.baseURL, feedID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("feed: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return domain.PricePoint{}, fmt.Errorf("feed: fetch %s: %w", feedID, ctx.Err())
		}
		return domain.PricePoint{}, fmt.Errorf("feed: fetch %s: %v: %w", feedID, err, domain.ErrTransient)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("feed: read response for %s: %v: %w", feedID, err, domain.ErrTransient)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return domain.PricePoint{}, fmt.Errorf("feed: %s: %w", feedID, domain.ErrFeedUnavailable)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return domain.PricePoint{}, fmt.Errorf("feed: %s: HTTP %d: %w", feedID, resp.StatusCode, domain.ErrTransient)
	default:
		return domain.PricePoint{}, fmt.Errorf("feed: %s: HTTP %d: %s", feedID, resp.StatusCode, string(body))
	}

	var fr feedResponse
	if err := json.Unmarshal(body, &fr); err != nil {
		return domain.PricePoint{}, fmt.Errorf("feed: decode response for %s: %w", feedID, err)
	}

	price, ok := new(big.Int).SetString(fr.Price, 10)
	if !ok {
		return domain.PricePoint{}, fmt.Errorf("feed: %s: malformed price %q", feedID, fr.Price)
	}

	return domain.PricePoint{
		Price:     price,
		Decimals:  fr.Decimals,
		UpdatedAt: fr.UpdatedAt,
	}, nil
}

var _ domain.ReferenceFeed = (*HTTPFeed)(nil)
