package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/routegate/internal/audit"
	"github.com/alanyoungcy/routegate/internal/domain"
	"github.com/alanyoungcy/routegate/internal/governance"
	"github.com/alanyoungcy/routegate/internal/server/middleware"
)

func newGovernanceFixture(t *testing.T, delay time.Duration) (*GovernanceHandler, *governance.Timelock) {
	t.Helper()
	logger := testLogger()
	rec := audit.NewRecorder(nil, nil, logger)
	roles := &rolesStub{grants: map[string]map[domain.Role]bool{
		"alice": {domain.RoleProposer: true, domain.RoleExecutor: true, domain.RoleGuardian: true},
	}}
	tl := governance.NewTimelock(governance.NewRegistry(), roles, nil, nil, nil, delay, rec, logger)
	return NewGovernanceHandler(tl, logger), tl
}

func governanceMux(h *GovernanceHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/proposals", h.CreateProposal)
	mux.HandleFunc("GET /api/v1/proposals", h.ListProposals)
	mux.HandleFunc("GET /api/v1/proposals/{id}", h.GetProposal)
	mux.HandleFunc("POST /api/v1/proposals/{id}/execute", h.ExecuteProposal)
	mux.HandleFunc("POST /api/v1/proposals/{id}/cancel", h.CancelProposal)
	return mux
}

func postJSON(mux *http.ServeMux, caller, path string, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req = req.WithContext(middleware.WithCaller(req.Context(), caller))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func venuePayload() map[string]any {
	return map[string]any{
		"venue":   "0x00000000000000000000000000000000000000bb",
		"allowed": true,
	}
}

func TestCreateProposal(t *testing.T) {
	h, _ := newGovernanceFixture(t, time.Hour)
	mux := governanceMux(h)

	rec := postJSON(mux, "alice", "/api/v1/proposals", map[string]any{
		"target":      "venue_allow",
		"payload":     venuePayload(),
		"description": "allow the new router",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp proposalResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "venue_allow", resp.Target)
	assert.Equal(t, "alice", resp.ProposedBy)
	assert.False(t, resp.Executed)
	assert.True(t, resp.ExecuteAfter.After(resp.CreatedAt))
}

func TestCreateProposalUnknownTarget(t *testing.T) {
	h, _ := newGovernanceFixture(t, time.Hour)
	mux := governanceMux(h)

	rec := postJSON(mux, "alice", "/api/v1/proposals", map[string]any{
		"target":  "bogus",
		"payload": venuePayload(),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateProposalMalformedPayload(t *testing.T) {
	h, _ := newGovernanceFixture(t, time.Hour)
	mux := governanceMux(h)

	rec := postJSON(mux, "alice", "/api/v1/proposals", map[string]any{
		"target":  "venue_allow",
		"payload": map[string]any{"venue": "0x00000000000000000000000000000000000000bb", "typo_field": true},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateProposalUnauthorized(t *testing.T) {
	h, _ := newGovernanceFixture(t, time.Hour)
	mux := governanceMux(h)

	rec := postJSON(mux, "mallory", "/api/v1/proposals", map[string]any{
		"target":  "venue_allow",
		"payload": venuePayload(),
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestExecuteProposalBeforeDelay(t *testing.T) {
	h, _ := newGovernanceFixture(t, time.Hour)
	mux := governanceMux(h)

	rec := postJSON(mux, "alice", "/api/v1/proposals", map[string]any{
		"target":  "venue_allow",
		"payload": venuePayload(),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created proposalResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = postJSON(mux, "alice", fmt.Sprintf("/api/v1/proposals/%s/execute", created.ID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestExecuteProposalAfterDelay(t *testing.T) {
	h, tl := newGovernanceFixture(t, time.Hour)
	mux := governanceMux(h)

	rec := postJSON(mux, "alice", "/api/v1/proposals", map[string]any{
		"target":  "venue_allow",
		"payload": venuePayload(),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created proposalResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	tl.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })

	rec = postJSON(mux, "alice", fmt.Sprintf("/api/v1/proposals/%s/execute", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var executed proposalResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &executed))
	assert.True(t, executed.Executed)
	assert.NotNil(t, executed.ExecutedAt)

	assert.True(t, tl.Registry().VenueAllowed(domain.VenueFromHex("0x00000000000000000000000000000000000000bb")))
}

func TestExecuteProposalNotFound(t *testing.T) {
	h, _ := newGovernanceFixture(t, time.Hour)
	mux := governanceMux(h)

	rec := postJSON(mux, "alice", "/api/v1/proposals/deadbeef/execute", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelProposal(t *testing.T) {
	h, _ := newGovernanceFixture(t, time.Hour)
	mux := governanceMux(h)

	rec := postJSON(mux, "alice", "/api/v1/proposals", map[string]any{
		"target":  "venue_allow",
		"payload": venuePayload(),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created proposalResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = postJSON(mux, "alice", fmt.Sprintf("/api/v1/proposals/%s/cancel", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var cancelled proposalResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cancelled))
	assert.True(t, cancelled.Cancelled)

	// A cancelled proposal can no longer be executed.
	rec = postJSON(mux, "alice", fmt.Sprintf("/api/v1/proposals/%s/execute", created.ID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListProposals(t *testing.T) {
	h, tl := newGovernanceFixture(t, time.Hour)
	mux := governanceMux(h)

	for i := 0; i < 3; i++ {
		rec := postJSON(mux, "alice", "/api/v1/proposals", map[string]any{
			"target":      "venue_allow",
			"payload":     venuePayload(),
			"description": fmt.Sprintf("proposal %d", i),
		})
		require.Equal(t, http.StatusCreated, rec.Code)
		// Distinct creation times give distinct content-addressed IDs.
		base := time.Now().Add(time.Duration(i+1) * time.Second)
		tl.SetClock(func() time.Time { return base })
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/proposals?pending=true", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Proposals []proposalResponse `json:"proposals"`
		Total     int                `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Total)
	assert.Len(t, resp.Proposals, 3)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/proposals?limit=2", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Proposals, 2)
	assert.Equal(t, 3, resp.Total)
}
