package governance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/alanyoungcy/routegate/internal/domain"
)

// Proposal payloads are JSON documents validated fail-closed at propose time
// and again at apply time: an unknown target or a malformed document never
// enters the queue.

// OracleConfigPayload installs or replaces an asset's oracle policy.
type OracleConfigPayload struct {
	Asset              string `json:"asset"`
	FeedID             string `json:"feed_id"`
	FeedDecimals       uint8  `json:"feed_decimals"`
	DeviationBps       int64  `json:"deviation_bps"`
	StalePeriodSeconds int64  `json:"stale_period_seconds"`
	BypassEnabled      bool   `json:"bypass_enabled"`
}

// AssetLimitsPayload installs or replaces an asset's volume policy. DailyCap
// is a decimal string so caps beyond float64 precision survive JSON.
type AssetLimitsPayload struct {
	Asset          string `json:"asset"`
	DailyCap       string `json:"daily_cap"`
	MinProfitBps   int64  `json:"min_profit_bps"`
	MaxSlippageBps int64  `json:"max_slippage_bps"`
	Enabled        bool   `json:"enabled"`
}

// VenueAllowPayload adds or removes a venue from the allow list.
type VenueAllowPayload struct {
	Venue   string `json:"venue"`
	Allowed bool   `json:"allowed"`
}

// AssetDenyPayload adds or removes an asset from the deny list.
type AssetDenyPayload struct {
	Asset  string `json:"asset"`
	Denied bool   `json:"denied"`
}

// DelayPayload changes the timelock delay for proposals created afterwards.
type DelayPayload struct {
	Seconds int64 `json:"seconds"`
}

// ValidatePayload reports whether payload is a well-formed document for
// target. The API layer uses it to reject malformed proposals before they
// reach the timelock.
func ValidatePayload(target domain.ProposalTarget, payload json.RawMessage) error {
	_, err := validatePayload(target, payload)
	return err
}

// validatePayload decodes and sanity-checks a payload for target. It returns
// the decoded form so apply does not re-parse.
func validatePayload(target domain.ProposalTarget, payload json.RawMessage) (any, error) {
	dec := func(v any) error {
		if err := strictUnmarshal(payload, v); err != nil {
			return fmt.Errorf("governance: decode %s payload: %w", target, err)
		}
		return nil
	}

	switch target {
	case domain.TargetOracleConfig:
		var p OracleConfigPayload
		if err := dec(&p); err != nil {
			return nil, err
		}
		if p.Asset == "" {
			return nil, fmt.Errorf("governance: oracle config payload: empty asset")
		}
		if !p.BypassEnabled {
			if p.FeedID == "" {
				return nil, fmt.Errorf("governance: oracle config payload: empty feed_id")
			}
			if p.DeviationBps <= 0 {
				return nil, fmt.Errorf("governance: oracle config payload: deviation_bps must be positive")
			}
			if p.StalePeriodSeconds <= 0 {
				return nil, fmt.Errorf("governance: oracle config payload: stale_period_seconds must be positive")
			}
		}
		return p, nil

	case domain.TargetAssetLimits:
		var p AssetLimitsPayload
		if err := dec(&p); err != nil {
			return nil, err
		}
		if p.Asset == "" {
			return nil, fmt.Errorf("governance: asset limits payload: empty asset")
		}
		if p.Enabled {
			cap, ok := new(big.Int).SetString(p.DailyCap, 10)
			if !ok || cap.Sign() <= 0 {
				return nil, fmt.Errorf("governance: asset limits payload: daily_cap %q is not a positive integer", p.DailyCap)
			}
			if p.MinProfitBps < 0 || p.MaxSlippageBps < 0 {
				return nil, fmt.Errorf("governance: asset limits payload: negative bps bounds")
			}
		}
		return p, nil

	case domain.TargetVenueAllow:
		var p VenueAllowPayload
		if err := dec(&p); err != nil {
			return nil, err
		}
		if p.Venue == "" {
			return nil, fmt.Errorf("governance: venue allow payload: empty venue")
		}
		return p, nil

	case domain.TargetAssetDeny:
		var p AssetDenyPayload
		if err := dec(&p); err != nil {
			return nil, err
		}
		if p.Asset == "" {
			return nil, fmt.Errorf("governance: asset deny payload: empty asset")
		}
		return p, nil

	case domain.TargetTimelockDelay:
		var p DelayPayload
		if err := dec(&p); err != nil {
			return nil, err
		}
		if p.Seconds <= 0 {
			return nil, fmt.Errorf("governance: delay payload: seconds must be positive")
		}
		return p, nil

	default:
		return nil, fmt.Errorf("governance: unknown proposal target %q", target)
	}
}

// strictUnmarshal rejects unknown fields so a typo in a payload does not
// silently install a partial policy.
func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// apply installs a validated payload into the registry (or the timelock
// itself, for delay changes).
func (t *Timelock) apply(target domain.ProposalTarget, decoded any) error {
	switch p := decoded.(type) {
	case OracleConfigPayload:
		t.registry.SetOracleConfig(domain.OracleConfig{
			Asset:         domain.AssetFromHex(p.Asset),
			FeedID:        p.FeedID,
			FeedDecimals:  p.FeedDecimals,
			DeviationBps:  p.DeviationBps,
			StalePeriod:   time.Duration(p.StalePeriodSeconds) * time.Second,
			BypassEnabled: p.BypassEnabled,
			Configured:    !p.BypassEnabled,
		})
	case AssetLimitsPayload:
		limits := domain.AssetLimits{
			Asset:          domain.AssetFromHex(p.Asset),
			MinProfitBps:   p.MinProfitBps,
			MaxSlippageBps: p.MaxSlippageBps,
			Enabled:        p.Enabled,
		}
		if p.Enabled {
			cap, ok := new(big.Int).SetString(p.DailyCap, 10)
			if !ok {
				return fmt.Errorf("governance: apply asset limits: daily_cap %q", p.DailyCap)
			}
			limits.DailyCap = cap
		}
		t.registry.SetAssetLimits(limits)
	case VenueAllowPayload:
		t.registry.SetVenueAllowed(domain.VenueFromHex(p.Venue), p.Allowed)
	case AssetDenyPayload:
		t.registry.SetAssetDenied(domain.AssetFromHex(p.Asset), p.Denied)
	case DelayPayload:
		t.setDelay(time.Duration(p.Seconds) * time.Second)
	default:
		return fmt.Errorf("governance: apply: unexpected payload type %T for target %s", decoded, target)
	}
	return nil
}
