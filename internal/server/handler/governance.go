package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/routegate/internal/domain"
	"github.com/alanyoungcy/routegate/internal/governance"
	"github.com/alanyoungcy/routegate/internal/server/middleware"
)

// GovernanceHandler serves the proposal lifecycle: create, list, inspect,
// execute, cancel. Role enforcement lives in the timelock; the handler only
// passes the authenticated caller through.
type GovernanceHandler struct {
	timelock *governance.Timelock
	logger   *slog.Logger
}

// NewGovernanceHandler creates a GovernanceHandler.
func NewGovernanceHandler(tl *governance.Timelock, logger *slog.Logger) *GovernanceHandler {
	return &GovernanceHandler{timelock: tl, logger: logHandler(logger, "governance")}
}

type proposeRequest struct {
	Target      string          `json:"target"`
	Payload     json.RawMessage `json:"payload"`
	Description string          `json:"description"`
}

type proposalResponse struct {
	ID           string          `json:"id"`
	Target       string          `json:"target"`
	Payload      json.RawMessage `json:"payload"`
	Description  string          `json:"description"`
	ProposedBy   string          `json:"proposed_by"`
	ExecuteAfter time.Time       `json:"execute_after"`
	Executed     bool            `json:"executed"`
	Cancelled    bool            `json:"cancelled"`
	CreatedAt    time.Time       `json:"created_at"`
	ExecutedAt   *time.Time      `json:"executed_at,omitempty"`
	CancelledAt  *time.Time      `json:"cancelled_at,omitempty"`
}

// CreateProposal queues a policy mutation behind the timelock delay.
// POST /api/v1/proposals
func (h *GovernanceHandler) CreateProposal(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	target := domain.ProposalTarget(req.Target)
	if !target.Valid() {
		writeError(w, http.StatusBadRequest, "unknown proposal target")
		return
	}
	if err := governance.ValidatePayload(target, req.Payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	caller := middleware.CallerFrom(r.Context())
	p, err := h.timelock.Propose(r.Context(), caller, target, req.Payload, req.Description)
	if err != nil {
		h.logger.WarnContext(r.Context(), "proposal rejected",
			slog.String("caller", caller),
			slog.String("target", req.Target),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, proposalDTO(p))
}

// ListProposals returns known proposals, newest first. ?pending=true narrows
// the result to proposals that have not reached a terminal state.
// GET /api/v1/proposals
func (h *GovernanceHandler) ListProposals(w http.ResponseWriter, r *http.Request) {
	pendingOnly := r.URL.Query().Get("pending") == "true"
	opts := parseListOpts(r)

	all := h.timelock.List()
	filtered := make([]domain.Proposal, 0, len(all))
	for _, p := range all {
		if pendingOnly && p.Terminal() {
			continue
		}
		filtered = append(filtered, p)
	}

	start := opts.Offset
	if start > len(filtered) {
		start = len(filtered)
	}
	end := start + opts.Limit
	if end > len(filtered) {
		end = len(filtered)
	}

	out := make([]proposalResponse, 0, end-start)
	for _, p := range filtered[start:end] {
		out = append(out, proposalDTO(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"proposals": out,
		"total":     len(filtered),
	})
}

// GetProposal returns a single proposal by ID.
// GET /api/v1/proposals/{id}
func (h *GovernanceHandler) GetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := h.timelock.Get(pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposalDTO(p))
}

// ExecuteProposal applies a proposal whose delay has elapsed.
// POST /api/v1/proposals/{id}/execute
func (h *GovernanceHandler) ExecuteProposal(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	caller := middleware.CallerFrom(r.Context())
	if err := h.timelock.Execute(r.Context(), caller, id); err != nil {
		h.logger.WarnContext(r.Context(), "proposal execute failed",
			slog.String("proposal_id", id),
			slog.String("caller", caller),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	p, err := h.timelock.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposalDTO(p))
}

// CancelProposal withdraws a pending proposal.
// POST /api/v1/proposals/{id}/cancel
func (h *GovernanceHandler) CancelProposal(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	caller := middleware.CallerFrom(r.Context())
	if err := h.timelock.Cancel(r.Context(), caller, id); err != nil {
		h.logger.WarnContext(r.Context(), "proposal cancel failed",
			slog.String("proposal_id", id),
			slog.String("caller", caller),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	p, err := h.timelock.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposalDTO(p))
}

func proposalDTO(p domain.Proposal) proposalResponse {
	return proposalResponse{
		ID:           p.ID,
		Target:       string(p.Target),
		Payload:      p.Payload,
		Description:  p.Description,
		ProposedBy:   p.ProposedBy,
		ExecuteAfter: p.ExecuteAfter,
		Executed:     p.Executed,
		Cancelled:    p.Cancelled,
		CreatedAt:    p.CreatedAt,
		ExecutedAt:   p.ExecutedAt,
		CancelledAt:  p.CancelledAt,
	}
}
