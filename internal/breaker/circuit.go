package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/routegate/internal/audit"
	"github.com/alanyoungcy/routegate/internal/domain"
)

// Circuit is the process-wide kill switch. Any caller may trip it; only a
// guardian-authorized reset clears it. No internal success path ever clears
// the flag implicitly.
type Circuit struct {
	roles  domain.RoleResolver
	audit  *audit.Recorder
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	state domain.CircuitState
}

// NewCircuit creates an untripped Circuit.
func NewCircuit(roles domain.RoleResolver, rec *audit.Recorder, logger *slog.Logger) *Circuit {
	return &Circuit{
		roles:  roles,
		audit:  rec,
		logger: logger.With(slog.String("component", "circuit")),
		now:    time.Now,
	}
}

// Trip sets the circuit open with the given reason. Tripping an already
// tripped circuit keeps the original reason.
func (c *Circuit) Trip(ctx context.Context, reason string) {
	c.mu.Lock()
	if c.state.Tripped {
		c.mu.Unlock()
		return
	}
	c.state = domain.CircuitState{
		Tripped:    true,
		LastReason: reason,
		TrippedAt:  c.now().UTC(),
	}
	c.mu.Unlock()

	c.logger.ErrorContext(ctx, "circuit tripped", slog.String("reason", reason))
	c.audit.Record(ctx, "circuit_tripped", map[string]any{
		"reason": reason,
	})
}

// Reset clears the tripped flag. caller must hold the guardian role.
func (c *Circuit) Reset(ctx context.Context, caller string) error {
	ok, err := c.roles.HasRole(ctx, caller, domain.RoleGuardian)
	if err != nil {
		return fmt.Errorf("breaker: resolve guardian role for %s: %w", caller, err)
	}
	if !ok {
		return fmt.Errorf("breaker: reset by %s: %w", caller, domain.ErrUnauthorized)
	}

	c.mu.Lock()
	wasTripped := c.state.Tripped
	reason := c.state.LastReason
	c.state = domain.CircuitState{}
	c.mu.Unlock()

	if wasTripped {
		c.logger.InfoContext(ctx, "circuit reset",
			slog.String("caller", caller),
			slog.String("was_reason", reason),
		)
		c.audit.Record(ctx, "circuit_reset", map[string]any{
			"caller":     caller,
			"was_reason": reason,
		})
	}
	return nil
}

// Tripped reports whether the circuit is currently open.
func (c *Circuit) Tripped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Tripped
}

// State returns a copy of the current circuit state.
func (c *Circuit) State() domain.CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
