package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/routegate/internal/audit"
	"github.com/alanyoungcy/routegate/internal/breaker"
	"github.com/alanyoungcy/routegate/internal/domain"
	"github.com/alanyoungcy/routegate/internal/governance"
	"github.com/alanyoungcy/routegate/internal/server/middleware"
)

type rolesStub struct {
	grants map[string]map[domain.Role]bool
}

func (r *rolesStub) HasRole(_ context.Context, caller string, role domain.Role) (bool, error) {
	return r.grants[caller][role], nil
}

func grant(caller string, roles ...domain.Role) *rolesStub {
	set := make(map[domain.Role]bool, len(roles))
	for _, role := range roles {
		set[role] = true
	}
	return &rolesStub{grants: map[string]map[domain.Role]bool{caller: set}}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testAsset = domain.AssetFromHex("0x00000000000000000000000000000000000000aa")

func newPolicyFixture(t *testing.T, roles domain.RoleResolver) (*PolicyHandler, *breaker.Breaker, *governance.Registry) {
	t.Helper()
	logger := testLogger()
	rec := audit.NewRecorder(nil, nil, logger)

	registry := governance.NewRegistry()
	registry.SetAssetLimits(domain.AssetLimits{
		Asset:          testAsset,
		DailyCap:       big.NewInt(1_000_000),
		MinProfitBps:   50,
		MaxSlippageBps: 100,
		Enabled:        true,
	})
	registry.SetOracleConfig(domain.OracleConfig{
		Asset:        testAsset,
		FeedID:       "feed:weth-usd",
		FeedDecimals: 8,
		DeviationBps: 300,
		StalePeriod:  5 * time.Minute,
		Configured:   true,
	})

	circuit := breaker.NewCircuit(roles, rec, logger)
	b := breaker.NewBreaker(registry, circuit, rec, 5000, logger)
	return NewPolicyHandler(b, registry, logger), b, registry
}

func policyMux(h *PolicyHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/limits/{asset}", h.GetLimits)
	mux.HandleFunc("GET /api/v1/oracle/{asset}", h.GetOracle)
	mux.HandleFunc("GET /api/v1/circuit", h.GetCircuit)
	mux.HandleFunc("POST /api/v1/circuit/reset", h.ResetCircuit)
	return mux
}

func TestGetLimits(t *testing.T) {
	h, _, _ := newPolicyFixture(t, grant("ops"))
	mux := policyMux(h)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/limits/"+testAsset.Hex(), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp limitsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, testAsset.Hex(), resp.Asset)
	assert.Equal(t, "1000000", resp.DailyCap)
	assert.Equal(t, "0", resp.DailyVolume)
	assert.Equal(t, "1000000", resp.Remaining)
	assert.Equal(t, int64(50), resp.MinProfitBps)
	assert.True(t, resp.Enabled)
}

func TestGetLimitsUnknownAsset(t *testing.T) {
	h, _, _ := newPolicyFixture(t, grant("ops"))
	mux := policyMux(h)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/limits/0x00000000000000000000000000000000000000ff", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetLimitsBadAddress(t *testing.T) {
	h, _, _ := newPolicyFixture(t, grant("ops"))
	mux := policyMux(h)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/limits/not-an-address", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetOracle(t *testing.T) {
	h, _, _ := newPolicyFixture(t, grant("ops"))
	mux := policyMux(h)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/oracle/"+testAsset.Hex(), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp oracleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "feed:weth-usd", resp.FeedID)
	assert.Equal(t, int64(300), resp.DeviationBps)
	assert.Equal(t, "5m0s", resp.StalePeriod)
}

func TestGetCircuit(t *testing.T) {
	h, b, _ := newPolicyFixture(t, grant("ops"))
	mux := policyMux(h)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/circuit", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp circuitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Tripped)
	assert.Nil(t, resp.TrippedAt)

	b.Circuit().Trip(context.Background(), "manual")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/circuit", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Tripped)
	assert.Equal(t, "manual", resp.LastReason)
	assert.NotNil(t, resp.TrippedAt)
}

func TestResetCircuit(t *testing.T) {
	h, b, _ := newPolicyFixture(t, grant("ops", domain.RoleGuardian))
	mux := policyMux(h)

	b.Circuit().Trip(context.Background(), "test")
	require.True(t, b.Circuit().Tripped())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/circuit/reset", nil)
	req = req.WithContext(middleware.WithCaller(req.Context(), "ops"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, b.Circuit().Tripped())
}

func TestResetCircuitDenied(t *testing.T) {
	h, b, _ := newPolicyFixture(t, grant("ops", domain.RoleGuardian))
	mux := policyMux(h)

	b.Circuit().Trip(context.Background(), "test")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/circuit/reset", nil)
	req = req.WithContext(middleware.WithCaller(req.Context(), "intruder"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.True(t, b.Circuit().Tripped())
}
