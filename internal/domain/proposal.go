package domain

import (
	"encoding/json"
	"time"
)

// ProposalTarget names the policy state a governance proposal mutates.
type ProposalTarget string

const (
	TargetOracleConfig  ProposalTarget = "oracle_config"
	TargetAssetLimits   ProposalTarget = "asset_limits"
	TargetVenueAllow    ProposalTarget = "venue_allow"
	TargetAssetDeny     ProposalTarget = "asset_deny"
	TargetTimelockDelay ProposalTarget = "timelock_delay"
)

// Valid reports whether t is a known proposal target.
func (t ProposalTarget) Valid() bool {
	switch t {
	case TargetOracleConfig, TargetAssetLimits, TargetVenueAllow, TargetAssetDeny, TargetTimelockDelay:
		return true
	default:
		return false
	}
}

// Proposal is a two-phase policy mutation: proposed, then executable only
// after the timelock delay. Proposals are never deleted; terminal ones are
// retained for audit.
type Proposal struct {
	ID           string // content-addressed from target + payload + timestamp + description
	Target       ProposalTarget
	Payload      json.RawMessage
	Description  string
	ProposedBy   string
	ExecuteAfter time.Time
	Executed     bool
	Cancelled    bool
	CreatedAt    time.Time
	ExecutedAt   *time.Time
	CancelledAt  *time.Time
}

// Terminal reports whether the proposal has reached a terminal state. A
// proposal transitions executed or cancelled at most once, never both.
func (p Proposal) Terminal() bool {
	return p.Executed || p.Cancelled
}
