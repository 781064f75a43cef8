package governance

import (
	"math/big"
	"sync"

	"github.com/alanyoungcy/routegate/internal/domain"
)

// Registry is the in-process policy state the guards read: per-asset oracle
// configs, per-asset volume limits, the venue allow list, and the asset deny
// list. All mutation goes through timelock-executed proposals, except the
// initial administrative bootstrap at startup.
type Registry struct {
	mu         sync.RWMutex
	oracle     map[domain.Asset]domain.OracleConfig
	limits     map[domain.Asset]domain.AssetLimits
	venueAllow map[domain.Venue]bool
	assetDeny  map[domain.Asset]bool
}

// NewRegistry returns an empty Registry: no oracle configs, no limits, no
// allowed venues. Empty is the fail-closed state.
func NewRegistry() *Registry {
	return &Registry{
		oracle:     make(map[domain.Asset]domain.OracleConfig),
		limits:     make(map[domain.Asset]domain.AssetLimits),
		venueAllow: make(map[domain.Venue]bool),
		assetDeny:  make(map[domain.Asset]bool),
	}
}

// OracleConfig returns the oracle policy for asset. The second return is
// false when the asset was never configured; callers must treat that as a
// rejection, not a default.
func (r *Registry) OracleConfig(asset domain.Asset) (domain.OracleConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.oracle[asset]
	return cfg, ok
}

// AssetLimits returns the volume policy for asset.
func (r *Registry) AssetLimits(asset domain.Asset) (domain.AssetLimits, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.limits[asset]
	if !ok {
		return domain.AssetLimits{}, false
	}
	// Copy the cap so callers cannot mutate shared state.
	if l.DailyCap != nil {
		l.DailyCap = new(big.Int).Set(l.DailyCap)
	}
	return l, true
}

// VenueAllowed reports whether venue is on the allow list. Absence is denial.
func (r *Registry) VenueAllowed(venue domain.Venue) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.venueAllow[venue]
}

// AssetDenied reports whether asset is on the deny list.
func (r *Registry) AssetDenied(asset domain.Asset) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.assetDeny[asset]
}

// SetOracleConfig installs or replaces the oracle policy for cfg.Asset.
func (r *Registry) SetOracleConfig(cfg domain.OracleConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.oracle[cfg.Asset] = cfg
}

// SetAssetLimits installs or replaces the volume policy for l.Asset.
func (r *Registry) SetAssetLimits(l domain.AssetLimits) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limits[l.Asset] = l
}

// SetVenueAllowed adds or removes a venue from the allow list.
func (r *Registry) SetVenueAllowed(venue domain.Venue, allowed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if allowed {
		r.venueAllow[venue] = true
	} else {
		delete(r.venueAllow, venue)
	}
}

// SetAssetDenied adds or removes an asset from the deny list.
func (r *Registry) SetAssetDenied(asset domain.Asset, denied bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if denied {
		r.assetDeny[asset] = true
	} else {
		delete(r.assetDeny, asset)
	}
}

// OracleConfigs returns a snapshot of every configured oracle policy.
func (r *Registry) OracleConfigs() []domain.OracleConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.OracleConfig, 0, len(r.oracle))
	for _, cfg := range r.oracle {
		out = append(out, cfg)
	}
	return out
}

// AllAssetLimits returns a snapshot of every configured volume policy.
func (r *Registry) AllAssetLimits() []domain.AssetLimits {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.AssetLimits, 0, len(r.limits))
	for _, l := range r.limits {
		if l.DailyCap != nil {
			l.DailyCap = new(big.Int).Set(l.DailyCap)
		}
		out = append(out, l)
	}
	return out
}

// AllowedVenues returns a snapshot of the venue allow list.
func (r *Registry) AllowedVenues() []domain.Venue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Venue, 0, len(r.venueAllow))
	for v := range r.venueAllow {
		out = append(out, v)
	}
	return out
}

// DeniedAssets returns a snapshot of the asset deny list.
func (r *Registry) DeniedAssets() []domain.Asset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Asset, 0, len(r.assetDeny))
	for a := range r.assetDeny {
		out = append(out, a)
	}
	return out
}
