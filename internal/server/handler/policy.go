package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/routegate/internal/breaker"
	"github.com/alanyoungcy/routegate/internal/domain"
	"github.com/alanyoungcy/routegate/internal/governance"
	"github.com/alanyoungcy/routegate/internal/server/middleware"
)

// PolicyHandler serves read access to the live risk policy (asset limits,
// oracle configs, circuit state) and the guardian circuit reset.
type PolicyHandler struct {
	breaker  *breaker.Breaker
	registry *governance.Registry
	logger   *slog.Logger
}

// NewPolicyHandler creates a PolicyHandler.
func NewPolicyHandler(b *breaker.Breaker, reg *governance.Registry, logger *slog.Logger) *PolicyHandler {
	return &PolicyHandler{breaker: b, registry: reg, logger: logHandler(logger, "policy")}
}

type limitsResponse struct {
	Asset          string    `json:"asset"`
	DailyCap       string    `json:"daily_cap"`
	DailyVolume    string    `json:"daily_volume"`
	Remaining      string    `json:"remaining"`
	MinProfitBps   int64     `json:"min_profit_bps"`
	MaxSlippageBps int64     `json:"max_slippage_bps"`
	Enabled        bool      `json:"enabled"`
	LastResetTime  time.Time `json:"last_reset_time"`
}

// GetLimits returns an asset's volume policy and current daily consumption.
// GET /api/v1/limits/{asset}
func (h *PolicyHandler) GetLimits(w http.ResponseWriter, r *http.Request) {
	hex := pathParam(r, "asset")
	if !common.IsHexAddress(hex) {
		writeError(w, http.StatusBadRequest, "invalid asset address")
		return
	}

	limits, ok := h.breaker.LimitsSnapshot(domain.AssetFromHex(hex))
	if !ok {
		writeError(w, http.StatusNotFound, "no limits configured for asset")
		return
	}

	remaining := bigSub(limits.DailyCap, limits.DailyVolume)
	writeJSON(w, http.StatusOK, limitsResponse{
		Asset:          limits.Asset.Hex(),
		DailyCap:       bigString(limits.DailyCap),
		DailyVolume:    bigString(limits.DailyVolume),
		Remaining:      remaining,
		MinProfitBps:   limits.MinProfitBps,
		MaxSlippageBps: limits.MaxSlippageBps,
		Enabled:        limits.Enabled,
		LastResetTime:  limits.LastResetTime,
	})
}

type oracleResponse struct {
	Asset         string `json:"asset"`
	FeedID        string `json:"feed_id"`
	FeedDecimals  uint8  `json:"feed_decimals"`
	DeviationBps  int64  `json:"deviation_bps"`
	StalePeriod   string `json:"stale_period"`
	BypassEnabled bool   `json:"bypass_enabled"`
}

// GetOracle returns an asset's oracle validation policy.
// GET /api/v1/oracle/{asset}
func (h *PolicyHandler) GetOracle(w http.ResponseWriter, r *http.Request) {
	hex := pathParam(r, "asset")
	if !common.IsHexAddress(hex) {
		writeError(w, http.StatusBadRequest, "invalid asset address")
		return
	}

	cfg, ok := h.registry.OracleConfig(domain.AssetFromHex(hex))
	if !ok {
		writeError(w, http.StatusNotFound, "no oracle configured for asset")
		return
	}

	writeJSON(w, http.StatusOK, oracleResponse{
		Asset:         cfg.Asset.Hex(),
		FeedID:        cfg.FeedID,
		FeedDecimals:  cfg.FeedDecimals,
		DeviationBps:  cfg.DeviationBps,
		StalePeriod:   cfg.StalePeriod.String(),
		BypassEnabled: cfg.BypassEnabled,
	})
}

type circuitResponse struct {
	Tripped    bool       `json:"tripped"`
	LastReason string     `json:"last_reason,omitempty"`
	TrippedAt  *time.Time `json:"tripped_at,omitempty"`
}

// GetCircuit returns the current circuit breaker state.
// GET /api/v1/circuit
func (h *PolicyHandler) GetCircuit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, circuitDTO(h.breaker.Circuit().State()))
}

// ResetCircuit re-arms a tripped circuit. The caller must hold the guardian
// role; the role check lives in the circuit itself.
// POST /api/v1/circuit/reset
func (h *PolicyHandler) ResetCircuit(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFrom(r.Context())
	if err := h.breaker.Circuit().Reset(r.Context(), caller); err != nil {
		h.logger.WarnContext(r.Context(), "circuit reset denied",
			slog.String("caller", caller),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, circuitDTO(h.breaker.Circuit().State()))
}

func circuitDTO(state domain.CircuitState) circuitResponse {
	resp := circuitResponse{
		Tripped:    state.Tripped,
		LastReason: state.LastReason,
	}
	if !state.TrippedAt.IsZero() {
		at := state.TrippedAt
		resp.TrippedAt = &at
	}
	return resp
}
