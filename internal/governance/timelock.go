// Package governance implements the two-phase propose/delay/execute workflow
// that gates every policy mutation, with guardian-initiated cancellation.
package governance

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/routegate/internal/audit"
	"github.com/alanyoungcy/routegate/internal/domain"
)

// executeLockTTL bounds how long the distributed execution lock is held when
// a replica crashes mid-execute.
const executeLockTTL = 30 * time.Second

// Notifier receives proposal lifecycle alerts. Satisfied by notify.Notifier.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Timelock owns the proposal queue and the policy registry writes. Proposals
// are kept in memory (hydrated from the store at startup) and never deleted.
type Timelock struct {
	registry *Registry
	roles    domain.RoleResolver
	store    domain.ProposalStore // optional
	locks    domain.LockManager   // optional, serializes execute across replicas
	notifier Notifier             // optional
	audit    *audit.Recorder
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	delay     time.Duration
	proposals map[string]*domain.Proposal
	executing map[string]struct{} // ids with an apply in flight
}

// NewTimelock creates a Timelock with the given bootstrap delay. store,
// locks, and notifier may be nil.
func NewTimelock(
	registry *Registry,
	roles domain.RoleResolver,
	store domain.ProposalStore,
	locks domain.LockManager,
	notifier Notifier,
	delay time.Duration,
	rec *audit.Recorder,
	logger *slog.Logger,
) *Timelock {
	return &Timelock{
		registry:  registry,
		roles:     roles,
		store:     store,
		locks:     locks,
		notifier:  notifier,
		audit:     rec,
		logger:    logger.With(slog.String("component", "timelock")),
		now:       time.Now,
		delay:     delay,
		proposals: make(map[string]*domain.Proposal),
		executing: make(map[string]struct{}),
	}
}

// SetClock overrides the timelock's time source. Intended for tests.
func (t *Timelock) SetClock(now func() time.Time) { t.now = now }

// Registry returns the policy registry the timelock writes to.
func (t *Timelock) Registry() *Registry { return t.registry }

// Hydrate loads proposals from the store and replays executed ones into the
// policy registry in execution order, rebuilding the in-memory policy state
// after a restart. Call once at startup, before serving governance requests.
func (t *Timelock) Hydrate(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	all, err := t.store.List(ctx, domain.ListOpts{})
	if err != nil {
		return fmt.Errorf("governance: hydrate proposals: %w", err)
	}

	executed := make([]domain.Proposal, 0, len(all))
	for _, p := range all {
		if p.Executed && p.ExecutedAt != nil {
			executed = append(executed, p)
		}
	}
	sort.Slice(executed, func(i, j int) bool {
		return executed[i].ExecutedAt.Before(*executed[j].ExecutedAt)
	})
	var replayed, pending int
	for _, p := range executed {
		decoded, err := validatePayload(p.Target, p.Payload)
		if err != nil {
			t.logger.WarnContext(ctx, "skipping unreplayable executed proposal",
				slog.String("proposal_id", p.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := t.apply(p.Target, decoded); err != nil {
			t.logger.WarnContext(ctx, "skipping unreplayable executed proposal",
				slog.String("proposal_id", p.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		replayed++
	}

	t.mu.Lock()
	for i := range all {
		p := all[i]
		t.proposals[p.ID] = &p
		if !p.Terminal() {
			pending++
		}
	}
	t.mu.Unlock()

	t.logger.InfoContext(ctx, "hydrated proposals",
		slog.Int("total", len(all)),
		slog.Int("pending", pending),
		slog.Int("replayed", replayed),
	)
	return nil
}

// Propose queues a policy mutation. caller must hold the proposer role. The
// payload is validated fail-closed before the proposal is accepted.
func (t *Timelock) Propose(ctx context.Context, caller string, target domain.ProposalTarget, payload json.RawMessage, description string) (domain.Proposal, error) {
	if err := t.requireRole(ctx, caller, domain.RoleProposer); err != nil {
		return domain.Proposal{}, err
	}
	if !target.Valid() {
		return domain.Proposal{}, fmt.Errorf("governance: unknown proposal target %q", target)
	}
	if _, err := validatePayload(target, payload); err != nil {
		return domain.Proposal{}, err
	}

	now := t.now().UTC()

	t.mu.Lock()
	delay := t.delay
	t.mu.Unlock()

	p := domain.Proposal{
		ID:           proposalID(target, payload, now, description),
		Target:       target,
		Payload:      append(json.RawMessage(nil), payload...),
		Description:  description,
		ProposedBy:   caller,
		ExecuteAfter: now.Add(delay),
		CreatedAt:    now,
	}

	if t.store != nil {
		if err := t.store.Create(ctx, p); err != nil {
			return domain.Proposal{}, fmt.Errorf("governance: persist proposal: %w", err)
		}
	}

	t.mu.Lock()
	stored := p
	t.proposals[p.ID] = &stored
	t.mu.Unlock()

	t.audit.Record(ctx, "proposal_created", map[string]any{
		"proposal_id":   p.ID,
		"target":        string(target),
		"proposed_by":   caller,
		"execute_after": p.ExecuteAfter.Format(time.RFC3339),
		"description":   description,
	})
	t.notify(ctx, "proposal_created", "Proposal created",
		fmt.Sprintf("%s: %s (executable after %s)", target, description, p.ExecuteAfter.Format(time.RFC3339)))

	return p, nil
}

// Execute applies a ready proposal's payload to the policy state. caller must
// hold the executor role. If applying the payload fails, the proposal remains
// pending and Execute may be retried.
func (t *Timelock) Execute(ctx context.Context, caller, id string) error {
	if err := t.requireRole(ctx, caller, domain.RoleExecutor); err != nil {
		return err
	}

	if t.locks != nil {
		unlock, err := t.locks.Acquire(ctx, "gov:execute:"+id, executeLockTTL)
		if err != nil {
			return fmt.Errorf("governance: execute %s: %w", id, err)
		}
		defer unlock()
	}

	t.mu.Lock()
	p, ok := t.proposals[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("governance: proposal %s: %w", id, domain.ErrProposalNotFound)
	}
	if p.Cancelled {
		t.mu.Unlock()
		return fmt.Errorf("governance: proposal %s: %w", id, domain.ErrProposalCancelled)
	}
	if p.Executed {
		t.mu.Unlock()
		return fmt.Errorf("governance: proposal %s: %w", id, domain.ErrProposalAlreadyExecuted)
	}
	now := t.now().UTC()
	if now.Before(p.ExecuteAfter) {
		remaining := p.ExecuteAfter.Sub(now).Truncate(time.Second)
		t.mu.Unlock()
		return fmt.Errorf("governance: proposal %s ready in %s: %w", id, remaining, domain.ErrProposalNotReady)
	}
	if _, busy := t.executing[id]; busy {
		t.mu.Unlock()
		return fmt.Errorf("governance: proposal %s: %w", id, domain.ErrProposalExecuting)
	}
	t.executing[id] = struct{}{}
	target := p.Target
	payload := append(json.RawMessage(nil), p.Payload...)
	t.mu.Unlock()

	// Apply outside the queue lock; registry has its own synchronization. The
	// executing latch keeps Cancel and a second Execute out of this window.
	decoded, err := validatePayload(target, payload)
	if err == nil {
		err = t.apply(target, decoded)
	}

	t.mu.Lock()
	delete(t.executing, id)
	if err != nil {
		t.mu.Unlock()
		// Proposal stays pending so the execute can be retried.
		t.audit.Record(ctx, "proposal_apply_failed", map[string]any{
			"proposal_id": id,
			"target":      string(target),
			"error":       err.Error(),
		})
		return fmt.Errorf("governance: apply proposal %s: %w", id, err)
	}
	p.Executed = true
	p.ExecutedAt = &now
	executed := *p
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.Update(ctx, executed); err != nil {
			t.logger.WarnContext(ctx, "proposal store update failed",
				slog.String("proposal_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	t.audit.Record(ctx, "proposal_executed", map[string]any{
		"proposal_id": id,
		"target":      string(target),
		"executed_by": caller,
	})
	t.notify(ctx, "proposal_executed", "Proposal executed",
		fmt.Sprintf("%s: %s", target, executed.Description))
	return nil
}

// Cancel marks a proposal cancelled. caller must hold the guardian role. A
// guardian may cancel before or after the delay elapses, as long as the
// proposal has not been executed and no execute is currently applying it.
func (t *Timelock) Cancel(ctx context.Context, caller, id string) error {
	if err := t.requireRole(ctx, caller, domain.RoleGuardian); err != nil {
		return err
	}

	t.mu.Lock()
	p, ok := t.proposals[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("governance: proposal %s: %w", id, domain.ErrProposalNotFound)
	}
	if p.Executed {
		t.mu.Unlock()
		return fmt.Errorf("governance: proposal %s: %w", id, domain.ErrProposalAlreadyExecuted)
	}
	if p.Cancelled {
		t.mu.Unlock()
		return fmt.Errorf("governance: proposal %s: %w", id, domain.ErrProposalCancelled)
	}
	if _, busy := t.executing[id]; busy {
		t.mu.Unlock()
		return fmt.Errorf("governance: proposal %s: %w", id, domain.ErrProposalExecuting)
	}
	now := t.now().UTC()
	p.Cancelled = true
	p.CancelledAt = &now
	cancelled := *p
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.Update(ctx, cancelled); err != nil {
			t.logger.WarnContext(ctx, "proposal store update failed",
				slog.String("proposal_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	t.audit.Record(ctx, "proposal_cancelled", map[string]any{
		"proposal_id":  id,
		"target":       string(cancelled.Target),
		"cancelled_by": caller,
	})
	t.notify(ctx, "proposal_cancelled", "Proposal cancelled",
		fmt.Sprintf("%s: %s", cancelled.Target, cancelled.Description))
	return nil
}

// UpdateDelay changes the timelock delay for proposals created afterwards.
// Admin-only administrative bootstrap path; the governed path is a
// timelock_delay proposal. Pending proposals keep their original
// execute-after times.
func (t *Timelock) UpdateDelay(ctx context.Context, caller string, newDelay time.Duration) error {
	if err := t.requireRole(ctx, caller, domain.RoleAdmin); err != nil {
		return err
	}
	if newDelay <= 0 {
		return fmt.Errorf("governance: delay must be positive, got %s", newDelay)
	}
	t.setDelay(newDelay)
	t.audit.Record(ctx, "timelock_delay_updated", map[string]any{
		"caller":        caller,
		"delay_seconds": int64(newDelay.Seconds()),
	})
	return nil
}

// Delay returns the delay applied to newly created proposals.
func (t *Timelock) Delay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delay
}

func (t *Timelock) setDelay(d time.Duration) {
	t.mu.Lock()
	t.delay = d
	t.mu.Unlock()
}

// Get returns a proposal by id.
func (t *Timelock) Get(id string) (domain.Proposal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.proposals[id]
	if !ok {
		return domain.Proposal{}, domain.ErrProposalNotFound
	}
	return *p, nil
}

// List returns all known proposals, newest first.
func (t *Timelock) List() []domain.Proposal {
	t.mu.Lock()
	out := make([]domain.Proposal, 0, len(t.proposals))
	for _, p := range t.proposals {
		out = append(out, *p)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (t *Timelock) requireRole(ctx context.Context, caller string, role domain.Role) error {
	ok, err := t.roles.HasRole(ctx, caller, role)
	if err != nil {
		return fmt.Errorf("governance: resolve %s role for %s: %w", role, caller, err)
	}
	if !ok {
		return fmt.Errorf("governance: %s lacks %s role: %w", caller, role, domain.ErrUnauthorized)
	}
	return nil
}

func (t *Timelock) notify(ctx context.Context, event, title, message string) {
	if t.notifier == nil {
		return
	}
	if err := t.notifier.Notify(ctx, event, title, message); err != nil {
		t.logger.DebugContext(ctx, "notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// proposalID derives a content-addressed proposal id from the target, the
// payload bytes, the creation timestamp, and the description.
func proposalID(target domain.ProposalTarget, payload json.RawMessage, ts time.Time, description string) string {
	var tsBytes [8]byte
	binary.BigEndian.PutUint64(tsBytes[:], uint64(ts.UnixNano()))
	sum := crypto.Keccak256(
		[]byte(target),
		payload,
		tsBytes[:],
		[]byte(description),
	)
	return hex.EncodeToString(sum)
}
