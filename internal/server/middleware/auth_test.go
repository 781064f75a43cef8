package middleware

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/routegate/internal/domain"
)

func tableWith(t *testing.T, name, token string, roles ...string) *TokenTable {
	t.Helper()
	salt := []byte("0123456789abcdef")
	hash := DeriveKey(token, salt)
	entry, err := NewTokenEntry(name, hex.EncodeToString(hash), hex.EncodeToString(salt), roles)
	require.NoError(t, err)
	return NewTokenTable([]TokenEntry{entry})
}

func TestTokenTableResolve(t *testing.T) {
	table := tableWith(t, "ops", "s3cret", "guardian")

	name, ok := table.Resolve("s3cret")
	require.True(t, ok)
	assert.Equal(t, "ops", name)

	_, ok = table.Resolve("wrong")
	assert.False(t, ok)
}

func TestTokenTableHasRole(t *testing.T) {
	table := tableWith(t, "ops", "s3cret", "guardian")

	ok, err := table.HasRole(context.Background(), "ops", domain.RoleGuardian)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = table.HasRole(context.Background(), "ops", domain.RoleProposer)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = table.HasRole(context.Background(), "stranger", domain.RoleGuardian)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTokenTableAdminImpliesAll(t *testing.T) {
	table := tableWith(t, "root", "s3cret", "admin")

	for _, role := range []domain.Role{domain.RoleProposer, domain.RoleExecutor, domain.RoleGuardian, domain.RoleAdmin} {
		ok, err := table.HasRole(context.Background(), "root", role)
		require.NoError(t, err)
		assert.True(t, ok, "admin should hold %s", role)
	}
}

func TestEmptyTableDisablesAuth(t *testing.T) {
	table := NewTokenTable(nil)

	ok, err := table.HasRole(context.Background(), "anyone", domain.RoleAdmin)
	require.NoError(t, err)
	assert.True(t, ok)

	var caller string
	h := Auth(table)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller = CallerFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "anonymous", caller)
}

func TestAuthMiddleware(t *testing.T) {
	table := tableWith(t, "ops", "s3cret", "guardian")

	var caller string
	h := Auth(table)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller = CallerFrom(r.Context())
	}))

	t.Run("missing token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer nope")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("bearer token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer s3cret")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ops", caller)
	})

	t.Run("x-api-key header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-API-Key", "s3cret")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ops", caller)
	})
}

func TestNewTokenEntryRejectsBadHex(t *testing.T) {
	_, err := NewTokenEntry("ops", "zz", "00", nil)
	assert.Error(t, err)

	_, err = NewTokenEntry("ops", "00", "zz", nil)
	assert.Error(t, err)
}
