package domain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Asset identifies a tradable unit by its on-chain address. Assets referenced
// by policy (limits, oracle configs, deny lists) are immutable identifiers.
type Asset common.Address

// AssetFromHex parses a 0x-prefixed hex address into an Asset.
func AssetFromHex(s string) Asset {
	return Asset(common.HexToAddress(s))
}

// Hex returns the checksummed hex representation of the asset address.
func (a Asset) Hex() string {
	return common.Address(a).Hex()
}

func (a Asset) String() string { return a.Hex() }

// MarshalText implements encoding.TextMarshaler so assets serialize as hex.
func (a Asset) MarshalText() ([]byte, error) { return []byte(a.Hex()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Asset) UnmarshalText(text []byte) error {
	*a = AssetFromHex(string(text))
	return nil
}

// Venue identifies a liquidity source (a DEX pool, aggregator, or router) by
// address. Venues are subject to allow/deny listing.
type Venue common.Address

// VenueFromHex parses a 0x-prefixed hex address into a Venue.
func VenueFromHex(s string) Venue {
	return Venue(common.HexToAddress(s))
}

// Hex returns the checksummed hex representation of the venue address.
func (v Venue) Hex() string {
	return common.Address(v).Hex()
}

func (v Venue) String() string { return v.Hex() }

// MarshalText implements encoding.TextMarshaler so venues serialize as hex.
func (v Venue) MarshalText() ([]byte, error) { return []byte(v.Hex()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Venue) UnmarshalText(text []byte) error {
	*v = VenueFromHex(string(text))
	return nil
}

// Leg is a single hop of a route: swap AssetIn for AssetOut at Venue.
type Leg struct {
	AssetIn  Asset `json:"asset_in"`
	AssetOut Asset `json:"asset_out"`
	Venue    Venue `json:"venue"`
}

// Route is an ordered sequence of legs. It is a pure data value: candidates
// are newly constructed each scan tick, never mutated in place.
type Route struct {
	Legs []Leg `json:"legs"`
}

// Validate checks structural route invariants: at least two legs, each leg's
// output feeding the next leg's input, and the final leg closing the cycle
// back to the starting asset.
func (r Route) Validate() error {
	if len(r.Legs) < 2 {
		return fmt.Errorf("route: need at least 2 legs, got %d", len(r.Legs))
	}
	for i := 1; i < len(r.Legs); i++ {
		if r.Legs[i].AssetIn != r.Legs[i-1].AssetOut {
			return fmt.Errorf("route: leg %d input %s does not match leg %d output %s",
				i, r.Legs[i].AssetIn, i-1, r.Legs[i-1].AssetOut)
		}
	}
	first := r.Legs[0].AssetIn
	last := r.Legs[len(r.Legs)-1].AssetOut
	if first != last {
		return fmt.Errorf("route: does not cycle back to start (%s != %s)", last, first)
	}
	return nil
}

// StartAsset returns the asset the route begins (and ends) with.
func (r Route) StartAsset() Asset {
	if len(r.Legs) == 0 {
		return Asset{}
	}
	return r.Legs[0].AssetIn
}

// Assets returns every distinct asset touched by the route, starting asset
// first.
func (r Route) Assets() []Asset {
	seen := make(map[Asset]bool, len(r.Legs)+1)
	out := make([]Asset, 0, len(r.Legs)+1)
	add := func(a Asset) {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for _, leg := range r.Legs {
		add(leg.AssetIn)
		add(leg.AssetOut)
	}
	return out
}

// Venues returns every distinct venue touched by the route, in leg order.
func (r Route) Venues() []Venue {
	seen := make(map[Venue]bool, len(r.Legs))
	out := make([]Venue, 0, len(r.Legs))
	for _, leg := range r.Legs {
		if !seen[leg.Venue] {
			seen[leg.Venue] = true
			out = append(out, leg.Venue)
		}
	}
	return out
}

func (r Route) String() string {
	parts := make([]string, 0, len(r.Legs)+1)
	for _, leg := range r.Legs {
		parts = append(parts, leg.AssetIn.Hex())
	}
	if len(r.Legs) > 0 {
		parts = append(parts, r.Legs[len(r.Legs)-1].AssetOut.Hex())
	}
	return strings.Join(parts, "->")
}

// CandidateRoute is a raw candidate produced by a scanner worker: a route plus
// the quoted implied price and the cached reference price at scan time.
// All prices are fixed-point integers at PriceScale (1e18).
type CandidateRoute struct {
	Route            Route
	AmountIn         *big.Int
	ImpliedPrice     *big.Int
	ReferencePrice   *big.Int
	EstimatedProfit  *big.Int
	EstimatedGasCost *big.Int
	// EstimatedSlippageBps is the scanner's slippage estimate for the quoted
	// size, checked against the asset's maximum by the breaker.
	EstimatedSlippageBps int64
	AssetDecimals        uint8
	Source               string // scanner worker that produced the candidate
	DetectedAt           time.Time
	ExpiresAt            time.Time
}
