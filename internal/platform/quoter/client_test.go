package quoter

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/routegate/internal/domain"
)

func testRoute() domain.Route {
	weth := domain.AssetFromHex("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdc := domain.AssetFromHex("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	venue := domain.VenueFromHex("0x00000000000000000000000000000000000000e1")
	return domain.Route{Legs: []domain.Leg{
		{AssetIn: weth, AssetOut: usdc, Venue: venue},
		{AssetIn: usdc, AssetOut: weth, Venue: venue},
	}}
}

func TestQuote(t *testing.T) {
	route := testRoute()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/quote", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req struct {
			Legs []struct {
				AssetIn  string `json:"asset_in"`
				AssetOut string `json:"asset_out"`
				Venue    string `json:"venue"`
			} `json:"legs"`
			AmountIn string `json:"amount_in"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Legs, 2)
		assert.Equal(t, route.Legs[0].AssetIn.Hex(), req.Legs[0].AssetIn)
		assert.Equal(t, "1000000000000000000", req.AmountIn)

		fmt.Fprint(w, `{"implied_price":"1001000000000000000","amount_out":"1001000000000000000"}`)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	implied, amountOut, err := c.Quote(context.Background(), route, big.NewInt(1e18))
	require.NoError(t, err)

	wantImplied, _ := new(big.Int).SetString("1001000000000000000", 10)
	assert.Zero(t, implied.Cmp(wantImplied))
	assert.Zero(t, amountOut.Cmp(wantImplied))
}

func TestQuoteServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, _, err := c.Quote(context.Background(), testRoute(), big.NewInt(1))
	require.ErrorIs(t, err, domain.ErrTransient)
}

func TestQuoteClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unsupported venue", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, _, err := c.Quote(context.Background(), testRoute(), big.NewInt(1))
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrTransient)
	assert.ErrorContains(t, err, "unsupported venue")
}

func TestQuoteMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"implied_price":"??","amount_out":"1"}`)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, _, err := c.Quote(context.Background(), testRoute(), big.NewInt(1))
	require.ErrorContains(t, err, "malformed implied price")
}
