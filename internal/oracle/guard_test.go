package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/routegate/internal/audit"
	"github.com/alanyoungcy/routegate/internal/domain"
)

var (
	testAsset = domain.AssetFromHex("0x00000000000000000000000000000000000000aa")
	oneE18    = new(big.Int).Set(domain.PriceScale)
)

// feedStub is an in-memory domain.ReferenceFeed.
type feedStub struct {
	point domain.PricePoint
	err   error
	calls int
}

func (f *feedStub) Latest(_ context.Context, _ string) (domain.PricePoint, error) {
	f.calls++
	if f.err != nil {
		return domain.PricePoint{}, f.err
	}
	return f.point, nil
}

// configSourceStub is a map-backed ConfigSource.
type configSourceStub map[domain.Asset]domain.OracleConfig

func (s configSourceStub) OracleConfig(a domain.Asset) (domain.OracleConfig, bool) {
	cfg, ok := s[a]
	return cfg, ok
}

func newTestGuard(feed domain.ReferenceFeed, src ConfigSource) *Guard {
	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	rec := audit.NewRecorder(nil, nil, slog.Default())
	return NewGuard(feed, src, rec, cfg, slog.Default())
}

func scaled(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), oneE18)
}

// pct returns units + hundredths/100 at 1e18 scale.
func pct(units, hundredths int64) *big.Int {
	p := scaled(units)
	frac := new(big.Int).Div(oneE18, big.NewInt(100))
	return p.Add(p, frac.Mul(frac, big.NewInt(hundredths)))
}

func TestValidateFailClosedWhenUnconfigured(t *testing.T) {
	g := newTestGuard(&feedStub{}, configSourceStub{})

	// A perfectly reasonable looking price still rejects.
	err := g.Validate(context.Background(), testAsset, scaled(1), 18)
	assert.ErrorIs(t, err, domain.ErrOracleNotConfigured)
}

func TestValidateBypass(t *testing.T) {
	feed := &feedStub{err: errors.New("feed should not be called")}
	src := configSourceStub{testAsset: {Asset: testAsset, BypassEnabled: true}}
	g := newTestGuard(feed, src)

	err := g.Validate(context.Background(), testAsset, scaled(1), 18)
	require.NoError(t, err)
	assert.Zero(t, feed.calls)
}

func TestValidateStaleFeed(t *testing.T) {
	now := time.Now()
	stale := 5 * time.Minute
	feed := &feedStub{point: domain.PricePoint{
		Price:     scaled(1),
		Decimals:  18,
		UpdatedAt: now.Add(-2 * stale),
	}}
	src := configSourceStub{testAsset: {
		Asset:        testAsset,
		FeedID:       "feed:aa",
		DeviationBps: 300,
		StalePeriod:  stale,
		Configured:   true,
	}}
	g := newTestGuard(feed, src)
	g.SetClock(func() time.Time { return now })

	err := g.Validate(context.Background(), testAsset, scaled(1), 18)
	assert.ErrorIs(t, err, domain.ErrStaleOracleData)
}

func TestValidateInvalidPrice(t *testing.T) {
	feed := &feedStub{point: domain.PricePoint{
		Price:     big.NewInt(0),
		Decimals:  18,
		UpdatedAt: time.Now(),
	}}
	src := configSourceStub{testAsset: {
		Asset: testAsset, FeedID: "feed:aa", DeviationBps: 300,
		StalePeriod: time.Hour, Configured: true,
	}}
	g := newTestGuard(feed, src)

	err := g.Validate(context.Background(), testAsset, scaled(1), 18)
	assert.ErrorIs(t, err, domain.ErrInvalidOraclePrice)
}

func TestValidateDeviation(t *testing.T) {
	feed := &feedStub{point: domain.PricePoint{
		Price:     scaled(1),
		Decimals:  18,
		UpdatedAt: time.Now(),
	}}
	src := configSourceStub{testAsset: {
		Asset: testAsset, FeedID: "feed:aa", DeviationBps: 300,
		StalePeriod: time.Hour, Configured: true,
	}}
	g := newTestGuard(feed, src)

	// 2% off, bound 3%: passes.
	require.NoError(t, g.Validate(context.Background(), testAsset, pct(1, 2), 18))

	// 5% off, bound 3%: rejected with full detail.
	err := g.Validate(context.Background(), testAsset, pct(1, 5), 18)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPriceDeviation)

	var devErr *DeviationError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, int64(500), devErr.DeviationBps)
	assert.Equal(t, int64(300), devErr.MaxBps)
	assert.Equal(t, scaled(1), devErr.ReferencePrice)
}

func TestValidateNormalizesFeedDecimals(t *testing.T) {
	// Feed reports 8 decimals (1.00000000); asset uses 18.
	feed := &feedStub{point: domain.PricePoint{
		Price:     big.NewInt(100_000_000),
		Decimals:  8,
		UpdatedAt: time.Now(),
	}}
	src := configSourceStub{testAsset: {
		Asset: testAsset, FeedID: "feed:aa", DeviationBps: 300,
		StalePeriod: time.Hour, Configured: true,
	}}
	g := newTestGuard(feed, src)

	require.NoError(t, g.Validate(context.Background(), testAsset, pct(1, 2), 18))

	err := g.Validate(context.Background(), testAsset, pct(1, 5), 18)
	var devErr *DeviationError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, scaled(1), devErr.ReferencePrice)
}

func TestValidateTransientFeedRetriesThenFails(t *testing.T) {
	feed := &feedStub{err: fmt.Errorf("dial: %w", domain.ErrTransient)}
	src := configSourceStub{testAsset: {
		Asset: testAsset, FeedID: "feed:aa", DeviationBps: 300,
		StalePeriod: time.Hour, Configured: true,
	}}
	g := newTestGuard(feed, src)

	err := g.Validate(context.Background(), testAsset, scaled(1), 18)
	assert.ErrorIs(t, err, domain.ErrFeedUnavailable)
	assert.True(t, domain.IsTransient(err))
	assert.Equal(t, 1+DefaultConfig().FetchRetries, feed.calls)
}

func TestScaleDecimals(t *testing.T) {
	assert.Equal(t, big.NewInt(1_000_000), scaleDecimals(big.NewInt(100), 2, 6))
	assert.Equal(t, big.NewInt(100), scaleDecimals(big.NewInt(1_000_000), 6, 2))
	assert.Equal(t, big.NewInt(42), scaleDecimals(big.NewInt(42), 9, 9))
	// Truncation beyond target precision.
	assert.Equal(t, big.NewInt(1), scaleDecimals(big.NewInt(199), 2, 0))
}
