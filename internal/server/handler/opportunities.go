package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/routegate/internal/domain"
)

// OpportunityHandler serves read access to recently evaluated opportunities.
type OpportunityHandler struct {
	store  domain.OpportunityStore
	logger *slog.Logger
}

// NewOpportunityHandler creates an OpportunityHandler.
func NewOpportunityHandler(store domain.OpportunityStore, logger *slog.Logger) *OpportunityHandler {
	return &OpportunityHandler{store: store, logger: logHandler(logger, "opportunities")}
}

type opportunityResponse struct {
	ID               string     `json:"id"`
	Route            string     `json:"route"`
	AmountIn         string     `json:"amount_in"`
	SpreadBps        int64      `json:"spread_bps"`
	EstimatedProfit  string     `json:"estimated_profit"`
	EstimatedGasCost string     `json:"estimated_gas_cost"`
	RealizedProfit   string     `json:"realized_profit,omitempty"`
	Status           string     `json:"status"`
	Reason           string     `json:"reason,omitempty"`
	ReasonDetail     string     `json:"reason_detail,omitempty"`
	Strategy         string     `json:"strategy,omitempty"`
	Source           string     `json:"source"`
	DetectedAt       time.Time  `json:"detected_at"`
	SettledAt        *time.Time `json:"settled_at,omitempty"`
}

// ListRecent returns the most recently evaluated opportunities, newest first.
// GET /api/v1/opportunities
func (h *OpportunityHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	opps, err := h.store.ListRecent(r.Context(), opts.Limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list opportunities", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]opportunityResponse, 0, len(opps))
	for _, o := range opps {
		resp := opportunityResponse{
			ID:               o.ID,
			Route:            o.Route.String(),
			AmountIn:         bigString(o.AmountIn),
			SpreadBps:        o.SpreadBps,
			EstimatedProfit:  bigString(o.EstimatedProfit),
			EstimatedGasCost: bigString(o.EstimatedGasCost),
			Status:           string(o.Status),
			Reason:           string(o.Reason),
			ReasonDetail:     o.ReasonDetail,
			Strategy:         string(o.Strategy),
			Source:           o.Source,
			DetectedAt:       o.DetectedAt,
			SettledAt:        o.SettledAt,
		}
		if o.RealizedProfit != nil {
			resp.RealizedProfit = o.RealizedProfit.String()
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, map[string]any{"opportunities": out})
}
