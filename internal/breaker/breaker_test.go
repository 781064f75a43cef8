package breaker

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/routegate/internal/audit"
	"github.com/alanyoungcy/routegate/internal/domain"
)

var (
	assetA = domain.AssetFromHex("0x00000000000000000000000000000000000000a1")
	assetB = domain.AssetFromHex("0x00000000000000000000000000000000000000b2")
	venueX = domain.VenueFromHex("0x00000000000000000000000000000000000000e1")
	venueY = domain.VenueFromHex("0x00000000000000000000000000000000000000e2")
)

// policyStub is a map-backed PolicySource.
type policyStub struct {
	limits map[domain.Asset]domain.AssetLimits
	allow  map[domain.Venue]bool
	deny   map[domain.Asset]bool
}

func (p *policyStub) AssetLimits(a domain.Asset) (domain.AssetLimits, bool) {
	l, ok := p.limits[a]
	return l, ok
}
func (p *policyStub) VenueAllowed(v domain.Venue) bool { return p.allow[v] }
func (p *policyStub) AssetDenied(a domain.Asset) bool  { return p.deny[a] }

// rolesStub grants every role to the callers it knows.
type rolesStub map[string][]domain.Role

func (r rolesStub) HasRole(_ context.Context, caller string, role domain.Role) (bool, error) {
	for _, have := range r[caller] {
		if have == role {
			return true, nil
		}
	}
	return false, nil
}

func newTestBreaker(t *testing.T, anomalyBps int64) (*Breaker, *policyStub) {
	t.Helper()
	policy := &policyStub{
		limits: map[domain.Asset]domain.AssetLimits{
			assetA: {
				Asset:          assetA,
				DailyCap:       big.NewInt(1_000_000),
				MinProfitBps:   50,
				MaxSlippageBps: 100,
				Enabled:        true,
			},
		},
		allow: map[domain.Venue]bool{venueX: true},
		deny:  map[domain.Asset]bool{},
	}
	rec := audit.NewRecorder(nil, nil, slog.Default())
	circuit := NewCircuit(rolesStub{"guardian-1": {domain.RoleGuardian}}, rec, slog.Default())
	return NewBreaker(policy, circuit, rec, anomalyBps, slog.Default()), policy
}

func okRequest(amount int64) ConsumeRequest {
	return ConsumeRequest{
		Asset:       assetA,
		Amount:      big.NewInt(amount),
		ProfitBps:   80,
		SlippageBps: 20,
		Venues:      []domain.Venue{venueX},
		Assets:      []domain.Asset{assetA, assetB},
	}
}

func TestCheckAndConsumeHappyPath(t *testing.T) {
	b, _ := newTestBreaker(t, 0)
	ctx := context.Background()

	require.NoError(t, b.CheckAndConsume(ctx, okRequest(10_000)))

	limits, ok := b.LimitsSnapshot(assetA)
	require.True(t, ok)
	assert.Equal(t, big.NewInt(10_000), limits.DailyVolume)
	assert.Equal(t, big.NewInt(990_000), limits.Remaining())
}

func TestDailyCapNeverExceeded(t *testing.T) {
	b, _ := newTestBreaker(t, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.CheckAndConsume(ctx, okRequest(300_000)))
	}

	// 900k consumed; 300k no longer fits.
	err := b.CheckAndConsume(ctx, okRequest(300_000))
	require.ErrorIs(t, err, domain.ErrDailyCapExceeded)

	var capErr *CapError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, big.NewInt(100_000), capErr.Remaining)
	assert.Equal(t, big.NewInt(1_000_000), capErr.DailyCap)

	// Rejection consumed nothing: 100k still fits.
	require.NoError(t, b.CheckAndConsume(ctx, okRequest(100_000)))

	limits, _ := b.LimitsSnapshot(assetA)
	assert.True(t, limits.DailyVolume.Cmp(limits.DailyCap) <= 0)
}

func TestRejectionIsAllOrNothing(t *testing.T) {
	b, _ := newTestBreaker(t, 0)
	ctx := context.Background()

	require.NoError(t, b.CheckAndConsume(ctx, okRequest(950_000)))

	// Same oversized request twice: both reject, neither partially consumes.
	for i := 0; i < 2; i++ {
		err := b.CheckAndConsume(ctx, okRequest(100_000))
		require.ErrorIs(t, err, domain.ErrDailyCapExceeded)
	}

	limits, _ := b.LimitsSnapshot(assetA)
	assert.Equal(t, big.NewInt(950_000), limits.DailyVolume)
}

func TestCircuitTrippedRejectsFirst(t *testing.T) {
	b, _ := newTestBreaker(t, 0)
	ctx := context.Background()

	b.Circuit().Trip(ctx, "manual")
	err := b.CheckAndConsume(ctx, okRequest(1))
	assert.ErrorIs(t, err, domain.ErrCircuitTripped)
}

func TestAssetDenyListReportsAsset(t *testing.T) {
	b, policy := newTestBreaker(t, 0)
	policy.deny[assetB] = true

	err := b.CheckAndConsume(context.Background(), okRequest(1))
	require.ErrorIs(t, err, domain.ErrAssetBlocked)

	var blocked *AssetBlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, assetB, blocked.Asset)
}

func TestVenueNotOnAllowList(t *testing.T) {
	b, _ := newTestBreaker(t, 0)

	req := okRequest(1)
	req.Venues = []domain.Venue{venueX, venueY}

	err := b.CheckAndConsume(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrVenueNotAllowed)

	var venueErr *VenueError
	require.ErrorAs(t, err, &venueErr)
	assert.Equal(t, venueY, venueErr.Venue)
}

func TestDisabledLimitsSkipChecks(t *testing.T) {
	b, policy := newTestBreaker(t, 0)
	limits := policy.limits[assetA]
	limits.Enabled = false
	policy.limits[assetA] = limits

	// Amount over cap and profit under minimum: still allowed, policy is
	// not active for this asset.
	req := okRequest(5_000_000)
	req.ProfitBps = 0
	require.NoError(t, b.CheckAndConsume(context.Background(), req))

	snap, _ := b.LimitsSnapshot(assetA)
	assert.Zero(t, snap.DailyVolume.Sign())
}

func TestLazyDailyRollover(t *testing.T) {
	b, _ := newTestBreaker(t, 0)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.SetClock(func() time.Time { return now })

	require.NoError(t, b.CheckAndConsume(ctx, okRequest(900_000)))
	require.ErrorIs(t, b.CheckAndConsume(ctx, okRequest(200_000)), domain.ErrDailyCapExceeded)

	// Within the same window nothing resets.
	now = now.Add(23 * time.Hour)
	require.ErrorIs(t, b.CheckAndConsume(ctx, okRequest(200_000)), domain.ErrDailyCapExceeded)

	// One day after the first consume the ledger rolls over.
	now = now.Add(time.Hour)
	require.NoError(t, b.CheckAndConsume(ctx, okRequest(200_000)))

	limits, _ := b.LimitsSnapshot(assetA)
	assert.Equal(t, big.NewInt(200_000), limits.DailyVolume)
}

func TestProfitAndSlippageBounds(t *testing.T) {
	b, _ := newTestBreaker(t, 0)
	ctx := context.Background()

	req := okRequest(1_000)
	req.ProfitBps = 49
	assert.ErrorIs(t, b.CheckAndConsume(ctx, req), domain.ErrProfitTooLow)

	req = okRequest(1_000)
	req.SlippageBps = 101
	assert.ErrorIs(t, b.CheckAndConsume(ctx, req), domain.ErrSlippageTooHigh)

	// Neither rejection consumed volume.
	limits, _ := b.LimitsSnapshot(assetA)
	assert.Zero(t, limits.DailyVolume.Sign())
}

func TestAnomalyTripsCircuit(t *testing.T) {
	// Cap 1,000,000 with a 5% anomaly threshold: a single 60,000 request
	// (6% of cap) is rejected and trips the circuit for everyone.
	b, _ := newTestBreaker(t, 500)
	ctx := context.Background()

	err := b.CheckAndConsume(ctx, okRequest(60_000))
	require.ErrorIs(t, err, domain.ErrAnomalyDetected)
	assert.True(t, b.Circuit().Tripped())
	assert.Equal(t, "anomaly", b.Circuit().State().LastReason)

	// Nothing was consumed by the anomalous request.
	limits, _ := b.LimitsSnapshot(assetA)
	assert.Zero(t, limits.DailyVolume.Sign())

	// Any asset now rejects until reset.
	req := okRequest(1)
	req.Asset = assetB
	assert.ErrorIs(t, b.CheckAndConsume(ctx, req), domain.ErrCircuitTripped)

	// Guardian reset restores service; nothing else may clear it.
	assert.ErrorIs(t, b.Circuit().Reset(ctx, "nobody"), domain.ErrUnauthorized)
	assert.True(t, b.Circuit().Tripped())

	require.NoError(t, b.Circuit().Reset(ctx, "guardian-1"))
	assert.False(t, b.Circuit().Tripped())
	require.NoError(t, b.CheckAndConsume(ctx, okRequest(40_000)))
}

func TestCheckDoesNotConsumeOrTrip(t *testing.T) {
	b, _ := newTestBreaker(t, 500)
	ctx := context.Background()

	require.NoError(t, b.Check(ctx, okRequest(10_000)))
	err := b.Check(ctx, okRequest(60_000))
	require.ErrorIs(t, err, domain.ErrAnomalyDetected)
	assert.False(t, b.Circuit().Tripped())

	limits, _ := b.LimitsSnapshot(assetA)
	assert.Zero(t, limits.DailyVolume.Sign())
}

func TestConcurrentSameAssetConsume(t *testing.T) {
	b, _ := newTestBreaker(t, 0)
	ctx := context.Background()

	// 600k headroom left after this.
	require.NoError(t, b.CheckAndConsume(ctx, okRequest(400_000)))

	// Two 400k requests race; only one fits.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = b.CheckAndConsume(ctx, okRequest(400_000))
		}(i)
	}
	wg.Wait()

	var okCount, capCount int
	for _, err := range errs {
		switch {
		case err == nil:
			okCount++
		default:
			require.ErrorIs(t, err, domain.ErrDailyCapExceeded)
			capCount++
		}
	}
	assert.Equal(t, 1, okCount)
	assert.Equal(t, 1, capCount)

	limits, _ := b.LimitsSnapshot(assetA)
	assert.True(t, limits.DailyVolume.Cmp(limits.DailyCap) <= 0)
	assert.Equal(t, big.NewInt(800_000), limits.DailyVolume)
}
