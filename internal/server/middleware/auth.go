package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/alanyoungcy/routegate/internal/domain"
)

// PBKDF2 parameters for bearer-token hashing. Tokens are derived once per
// request per table entry, so the iteration count is kept moderate.
const (
	pbkdf2Iterations = 210_000
	pbkdf2KeyLen     = 32
)

type ctxKey int

const callerKey ctxKey = iota

// CallerFrom returns the authenticated caller identity stored in the request
// context, or an empty string when the request was not authenticated.
func CallerFrom(ctx context.Context) string {
	caller, _ := ctx.Value(callerKey).(string)
	return caller
}

// WithCaller returns a context carrying the given caller identity. Exposed for
// handler tests.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// TokenEntry is one API credential: the identity it resolves to, the
// PBKDF2-SHA256 hash of its bearer token, the salt used for derivation, and
// the governance roles the identity holds.
type TokenEntry struct {
	Name  string
	Hash  []byte
	Salt  []byte
	Roles []domain.Role
}

// NewTokenEntry builds a TokenEntry from hex-encoded hash and salt strings.
func NewTokenEntry(name, hashHex, saltHex string, roles []string) (TokenEntry, error) {
	hash, err := hex.DecodeString(hashHex)
	if err != nil {
		return TokenEntry{}, fmt.Errorf("middleware: token %q: decode key hash: %w", name, err)
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return TokenEntry{}, fmt.Errorf("middleware: token %q: decode salt: %w", name, err)
	}
	entry := TokenEntry{Name: name, Hash: hash, Salt: salt}
	for _, r := range roles {
		entry.Roles = append(entry.Roles, domain.Role(r))
	}
	return entry, nil
}

// DeriveKey computes the PBKDF2-SHA256 hash of a raw bearer token with the
// given salt. Used both at request time and by tooling that mints new entries.
func DeriveKey(token string, salt []byte) []byte {
	return pbkdf2.Key([]byte(token), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
}

// TokenTable resolves bearer tokens to caller identities and answers role
// queries for governance components. It is immutable after construction and
// safe for concurrent use.
//
// An empty table means authentication is disabled: every request passes
// through as the anonymous caller and every role check succeeds. That mode is
// for local development only.
type TokenTable struct {
	entries []TokenEntry
	roles   map[string]map[domain.Role]bool
}

// NewTokenTable builds a TokenTable from the given entries.
func NewTokenTable(entries []TokenEntry) *TokenTable {
	roles := make(map[string]map[domain.Role]bool, len(entries))
	for _, e := range entries {
		set := make(map[domain.Role]bool, len(e.Roles))
		for _, r := range e.Roles {
			set[r] = true
		}
		roles[e.Name] = set
	}
	return &TokenTable{entries: entries, roles: roles}
}

// Empty reports whether the table holds no credentials.
func (t *TokenTable) Empty() bool { return len(t.entries) == 0 }

// Resolve maps a raw bearer token to the identity it belongs to. Every entry
// is checked with a constant-time comparison so lookup time does not leak
// which entry matched.
func (t *TokenTable) Resolve(token string) (string, bool) {
	name := ""
	found := 0
	for _, e := range t.entries {
		derived := DeriveKey(token, e.Salt)
		if subtle.ConstantTimeCompare(derived, e.Hash) == 1 {
			name = e.Name
			found = 1
		}
	}
	return name, found == 1
}

// HasRole implements domain.RoleResolver. Admin implies every other role.
func (t *TokenTable) HasRole(_ context.Context, caller string, role domain.Role) (bool, error) {
	if t.Empty() {
		return true, nil
	}
	set, ok := t.roles[caller]
	if !ok {
		return false, nil
	}
	return set[role] || set[domain.RoleAdmin], nil
}

var _ domain.RoleResolver = (*TokenTable)(nil)

// Auth returns middleware that authenticates requests against the token
// table and stores the resolved caller identity in the request context.
func Auth(table *TokenTable) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if table == nil || table.Empty() {
				next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), "anonymous")))
				return
			}

			token := extractToken(r)
			if token == "" {
				writeUnauthorized(w, "missing authentication token")
				return
			}

			caller, ok := table.Resolve(token)
			if !ok {
				writeUnauthorized(w, "invalid authentication token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

// extractToken looks for a token in the Authorization header (Bearer scheme)
// or in the X-API-Key header.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	return ""
}

// writeUnauthorized sends a 401 response with a JSON error body.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
