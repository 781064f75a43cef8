package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/routegate/internal/audit"
	"github.com/alanyoungcy/routegate/internal/domain"
)

// rolesStub is a map-backed role resolver.
type rolesStub map[string][]domain.Role

func (r rolesStub) HasRole(_ context.Context, caller string, role domain.Role) (bool, error) {
	for _, have := range r[caller] {
		if have == role {
			return true, nil
		}
	}
	return false, nil
}

// proposalStoreStub records calls and can seed proposals for Hydrate.
type proposalStoreStub struct {
	created []domain.Proposal
	updated []domain.Proposal
	pending []domain.Proposal
	history []domain.Proposal
}

func (s *proposalStoreStub) Create(_ context.Context, p domain.Proposal) error {
	s.created = append(s.created, p)
	return nil
}
func (s *proposalStoreStub) Update(_ context.Context, p domain.Proposal) error {
	s.updated = append(s.updated, p)
	return nil
}
func (s *proposalStoreStub) GetByID(_ context.Context, id string) (domain.Proposal, error) {
	return domain.Proposal{}, domain.ErrNotFound
}
func (s *proposalStoreStub) ListPending(_ context.Context) ([]domain.Proposal, error) {
	return s.pending, nil
}
func (s *proposalStoreStub) List(_ context.Context, _ domain.ListOpts) ([]domain.Proposal, error) {
	return append(append([]domain.Proposal{}, s.history...), s.pending...), nil
}

var testRoles = rolesStub{
	"alice":    {domain.RoleProposer},
	"bob":      {domain.RoleExecutor},
	"guard":    {domain.RoleGuardian},
	"root":     {domain.RoleAdmin},
	"allpower": {domain.RoleProposer, domain.RoleExecutor, domain.RoleGuardian, domain.RoleAdmin},
}

func newTestTimelock(t *testing.T, store domain.ProposalStore) *Timelock {
	t.Helper()
	rec := audit.NewRecorder(nil, nil, slog.Default())
	return NewTimelock(NewRegistry(), testRoles, store, nil, nil, time.Hour, rec, slog.Default())
}

func limitsPayload(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(AssetLimitsPayload{
		Asset:          "0x00000000000000000000000000000000000000a1",
		DailyCap:       "1000000",
		MinProfitBps:   50,
		MaxSlippageBps: 100,
		Enabled:        true,
	})
	require.NoError(t, err)
	return raw
}

func TestProposeExecuteLifecycle(t *testing.T) {
	tl := newTestTimelock(t, nil)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tl.SetClock(func() time.Time { return now })

	p, err := tl.Propose(ctx, "alice", domain.TargetAssetLimits, limitsPayload(t), "enable caps for A1")
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, now.Add(time.Hour), p.ExecuteAfter)

	// Before the delay elapses: not ready, always.
	err = tl.Execute(ctx, "bob", p.ID)
	assert.ErrorIs(t, err, domain.ErrProposalNotReady)

	now = now.Add(time.Hour + time.Second)
	require.NoError(t, tl.Execute(ctx, "bob", p.ID))

	// Payload landed in the registry.
	limits, ok := tl.Registry().AssetLimits(domain.AssetFromHex("0x00000000000000000000000000000000000000a1"))
	require.True(t, ok)
	assert.Equal(t, big.NewInt(1_000_000), limits.DailyCap)
	assert.True(t, limits.Enabled)

	// Second execute always fails; cancel after execute always fails.
	assert.ErrorIs(t, tl.Execute(ctx, "bob", p.ID), domain.ErrProposalAlreadyExecuted)
	assert.ErrorIs(t, tl.Cancel(ctx, "guard", p.ID), domain.ErrProposalAlreadyExecuted)
}

func TestCancelBeforeAndAfterDelay(t *testing.T) {
	tl := newTestTimelock(t, nil)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tl.SetClock(func() time.Time { return now })

	// Guardian may cancel before the delay elapses.
	p1, err := tl.Propose(ctx, "alice", domain.TargetAssetLimits, limitsPayload(t), "first")
	require.NoError(t, err)
	require.NoError(t, tl.Cancel(ctx, "guard", p1.ID))
	assert.ErrorIs(t, tl.Execute(ctx, "bob", p1.ID), domain.ErrProposalCancelled)
	assert.ErrorIs(t, tl.Cancel(ctx, "guard", p1.ID), domain.ErrProposalCancelled)

	// And also after it, as long as not executed.
	now = now.Add(time.Minute) // distinct timestamp, distinct id
	p2, err := tl.Propose(ctx, "alice", domain.TargetAssetLimits, limitsPayload(t), "second")
	require.NoError(t, err)
	now = now.Add(2 * time.Hour)
	require.NoError(t, tl.Cancel(ctx, "guard", p2.ID))
	assert.ErrorIs(t, tl.Execute(ctx, "bob", p2.ID), domain.ErrProposalCancelled)
}

func TestExecuteUnknownProposal(t *testing.T) {
	tl := newTestTimelock(t, nil)
	err := tl.Execute(context.Background(), "bob", "deadbeef")
	assert.ErrorIs(t, err, domain.ErrProposalNotFound)
}

func TestRoleChecks(t *testing.T) {
	tl := newTestTimelock(t, nil)
	ctx := context.Background()

	_, err := tl.Propose(ctx, "bob", domain.TargetAssetLimits, limitsPayload(t), "nope")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	p, err := tl.Propose(ctx, "alice", domain.TargetAssetLimits, limitsPayload(t), "ok")
	require.NoError(t, err)

	assert.ErrorIs(t, tl.Execute(ctx, "alice", p.ID), domain.ErrUnauthorized)
	assert.ErrorIs(t, tl.Cancel(ctx, "bob", p.ID), domain.ErrUnauthorized)
	assert.ErrorIs(t, tl.UpdateDelay(ctx, "guard", time.Minute), domain.ErrUnauthorized)
}

func TestPayloadValidationFailClosed(t *testing.T) {
	tl := newTestTimelock(t, nil)
	ctx := context.Background()

	// Unknown target.
	_, err := tl.Propose(ctx, "alice", domain.ProposalTarget("rm_rf"), json.RawMessage(`{}`), "bad")
	assert.Error(t, err)

	// Malformed cap.
	raw, _ := json.Marshal(AssetLimitsPayload{Asset: "0xa1", DailyCap: "lots", Enabled: true})
	_, err = tl.Propose(ctx, "alice", domain.TargetAssetLimits, raw, "bad cap")
	assert.Error(t, err)

	// Unknown field.
	_, err = tl.Propose(ctx, "alice", domain.TargetVenueAllow, json.RawMessage(`{"venue":"0xe1","alowed":true}`), "typo")
	assert.Error(t, err)
}

func TestDelayChangeOnlyAffectsFutureProposals(t *testing.T) {
	tl := newTestTimelock(t, nil)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tl.SetClock(func() time.Time { return now })

	before, err := tl.Propose(ctx, "alice", domain.TargetAssetLimits, limitsPayload(t), "before")
	require.NoError(t, err)

	require.NoError(t, tl.UpdateDelay(ctx, "root", 10*time.Minute))

	now = now.Add(time.Second)
	after, err := tl.Propose(ctx, "alice", domain.TargetAssetLimits, limitsPayload(t), "after")
	require.NoError(t, err)

	assert.Equal(t, time.Hour, before.ExecuteAfter.Sub(before.CreatedAt))
	assert.Equal(t, 10*time.Minute, after.ExecuteAfter.Sub(after.CreatedAt))
}

func TestDelayChangeViaProposal(t *testing.T) {
	tl := newTestTimelock(t, nil)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tl.SetClock(func() time.Time { return now })

	raw, _ := json.Marshal(DelayPayload{Seconds: 7200})
	p, err := tl.Propose(ctx, "alice", domain.TargetTimelockDelay, raw, "double the delay")
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	require.NoError(t, tl.Execute(ctx, "bob", p.ID))
	assert.Equal(t, 2*time.Hour, tl.Delay())
}

func TestCancelRefusedWhileExecuteInFlight(t *testing.T) {
	tl := newTestTimelock(t, nil)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tl.SetClock(func() time.Time { return now })

	p, err := tl.Propose(ctx, "alice", domain.TargetAssetLimits, limitsPayload(t), "contested")
	require.NoError(t, err)

	// Simulate an execute holding the apply window open.
	tl.mu.Lock()
	tl.executing[p.ID] = struct{}{}
	tl.mu.Unlock()

	assert.ErrorIs(t, tl.Cancel(ctx, "guard", p.ID), domain.ErrProposalExecuting)
	assert.ErrorIs(t, tl.Execute(ctx, "bob", p.ID), domain.ErrProposalExecuting)

	tl.mu.Lock()
	delete(tl.executing, p.ID)
	tl.mu.Unlock()

	// Once released the guardian path works again.
	require.NoError(t, tl.Cancel(ctx, "guard", p.ID))
	got, err := tl.Get(p.ID)
	require.NoError(t, err)
	assert.True(t, got.Cancelled)
	assert.False(t, got.Executed)
}

func TestExecuteCancelRaceNeverBothLand(t *testing.T) {
	// A cancellation racing an execute must end with exactly one of the two
	// terminal states, and the registry mutated only if the execute won. The
	// oversized cap keeps payload re-validation slow enough to stretch the
	// apply window.
	slowCap := "1" + strings.Repeat("7", 50_000)

	for i := 0; i < 20; i++ {
		tl := newTestTimelock(t, nil)
		ctx := context.Background()

		now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		tl.SetClock(func() time.Time { return now })

		asset := fmt.Sprintf("0x%040x", i+1)
		raw, err := json.Marshal(AssetLimitsPayload{
			Asset:    asset,
			DailyCap: slowCap,
			Enabled:  true,
		})
		require.NoError(t, err)

		p, err := tl.Propose(ctx, "alice", domain.TargetAssetLimits, raw, fmt.Sprintf("contested %d", i))
		require.NoError(t, err)
		now = now.Add(2 * time.Hour)

		var execErr, cancelErr error
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			execErr = tl.Execute(ctx, "bob", p.ID)
		}()
		go func() {
			defer wg.Done()
			cancelErr = tl.Cancel(ctx, "guard", p.ID)
		}()
		wg.Wait()

		got, err := tl.Get(p.ID)
		require.NoError(t, err)
		require.False(t, got.Executed && got.Cancelled,
			"proposal is both executed and cancelled (execErr=%v cancelErr=%v)", execErr, cancelErr)
		require.False(t, execErr == nil && cancelErr == nil,
			"execute and cancel both reported success")

		_, installed := tl.Registry().AssetLimits(domain.AssetFromHex(asset))
		assert.Equal(t, execErr == nil, got.Executed)
		assert.Equal(t, cancelErr == nil, got.Cancelled)
		assert.Equal(t, execErr == nil, installed, "registry mutated despite cancellation")
	}
}

func TestFailedApplyLeavesProposalPending(t *testing.T) {
	// A proposal hydrated from the store can carry a payload that no longer
	// validates. Execute must fail and leave it pending so a corrected
	// runtime can retry.
	store := &proposalStoreStub{pending: []domain.Proposal{{
		ID:           "feedface",
		Target:       domain.TargetAssetLimits,
		Payload:      json.RawMessage(`{"asset":"0xa1","daily_cap":"garbage","enabled":true}`),
		Description:  "drifted payload",
		ExecuteAfter: time.Now().Add(-time.Hour),
		CreatedAt:    time.Now().Add(-2 * time.Hour),
	}}}

	tl := newTestTimelock(t, store)
	require.NoError(t, tl.Hydrate(context.Background()))

	err := tl.Execute(context.Background(), "bob", "feedface")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrProposalAlreadyExecuted)

	p, err := tl.Get("feedface")
	require.NoError(t, err)
	assert.False(t, p.Executed)
	assert.False(t, p.Cancelled)
}

func TestHydrateReplaysExecutedPolicy(t *testing.T) {
	// Registry state is derived from executed proposals; a restart must
	// rebuild it in execution order so the newest policy wins.
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	store := &proposalStoreStub{history: []domain.Proposal{
		{
			ID:         "newer",
			Target:     domain.TargetVenueAllow,
			Payload:    json.RawMessage(`{"venue":"0xb2","allowed":false}`),
			Executed:   true,
			ExecutedAt: &t2,
			CreatedAt:  t1,
		},
		{
			ID:         "older",
			Target:     domain.TargetVenueAllow,
			Payload:    json.RawMessage(`{"venue":"0xb2","allowed":true}`),
			Executed:   true,
			ExecutedAt: &t1,
			CreatedAt:  t1.Add(-time.Hour),
		},
	}}

	tl := newTestTimelock(t, store)
	require.NoError(t, tl.Hydrate(context.Background()))

	assert.False(t, tl.Registry().VenueAllowed(domain.VenueFromHex("0xb2")))

	// History is queryable after hydration.
	p, err := tl.Get("older")
	require.NoError(t, err)
	assert.True(t, p.Executed)
}

func TestProposalsPersisted(t *testing.T) {
	store := &proposalStoreStub{}
	tl := newTestTimelock(t, store)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tl.SetClock(func() time.Time { return now })

	p, err := tl.Propose(ctx, "alice", domain.TargetAssetLimits, limitsPayload(t), "persist me")
	require.NoError(t, err)
	require.Len(t, store.created, 1)

	now = now.Add(2 * time.Hour)
	require.NoError(t, tl.Execute(ctx, "bob", p.ID))
	require.Len(t, store.updated, 1)
	assert.True(t, store.updated[0].Executed)
}

func TestListNewestFirst(t *testing.T) {
	tl := newTestTimelock(t, nil)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tl.SetClock(func() time.Time { return now })

	_, err := tl.Propose(ctx, "alice", domain.TargetAssetLimits, limitsPayload(t), "older")
	require.NoError(t, err)
	now = now.Add(time.Minute)
	_, err = tl.Propose(ctx, "alice", domain.TargetAssetLimits, limitsPayload(t), "newer")
	require.NoError(t, err)

	list := tl.List()
	require.Len(t, list, 2)
	assert.Equal(t, "newer", list[0].Description)
}
