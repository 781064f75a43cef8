package spread

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/routegate/internal/domain"
)

// price builds a fixed-point price at 1e18 scale from a float-like pair of
// integer and hundredths parts, avoiding float arithmetic in tests.
func price(units, hundredths int64) *big.Int {
	p := new(big.Int).Mul(big.NewInt(units), domain.PriceScale)
	frac := new(big.Int).Div(domain.PriceScale, big.NewInt(100))
	frac.Mul(frac, big.NewInt(hundredths))
	return p.Add(p, frac)
}

func TestCompute(t *testing.T) {
	tests := []struct {
		name      string
		implied   *big.Int
		reference *big.Int
		wantBps   int64
		wantDir   Direction
	}{
		{
			name:      "two percent above",
			implied:   price(1, 2), // 1.02
			reference: price(1, 0), // 1.00
			wantBps:   200,
			wantDir:   AboveReference,
		},
		{
			name:      "two percent below",
			implied:   price(0, 98),
			reference: price(1, 0),
			wantBps:   200,
			wantDir:   BelowReference,
		},
		{
			name:      "identical prices",
			implied:   price(1, 0),
			reference: price(1, 0),
			wantBps:   0,
			wantDir:   AtReference,
		},
		{
			name:      "half bp rounds up",
			implied:   new(big.Int).Add(price(1, 0), new(big.Int).Div(domain.PriceScale, big.NewInt(20000))),
			reference: price(1, 0),
			wantBps:   1,
			wantDir:   AboveReference,
		},
		{
			name:      "tiny deviation rounds down",
			implied:   new(big.Int).Add(price(1, 0), big.NewInt(1)),
			reference: price(1, 0),
			wantBps:   0,
			wantDir:   AboveReference,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compute(tt.implied, tt.reference)
			require.NoError(t, err)
			assert.Equal(t, tt.wantBps, got.Bps)
			assert.Equal(t, tt.wantDir, got.Direction)
		})
	}
}

func TestComputeInvalidReference(t *testing.T) {
	_, err := Compute(price(1, 0), big.NewInt(0))
	assert.ErrorIs(t, err, domain.ErrInvalidReference)

	_, err = Compute(price(1, 0), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidReference)

	_, err = Compute(price(1, 0), big.NewInt(-5))
	assert.ErrorIs(t, err, domain.ErrInvalidReference)
}

func TestComputeInvalidImplied(t *testing.T) {
	// The implied side gets its own sentinel so a rejection record names the
	// input that was bad.
	_, err := Compute(nil, price(1, 0))
	assert.ErrorIs(t, err, domain.ErrInvalidImplied)
	assert.NotErrorIs(t, err, domain.ErrInvalidReference)

	_, err = Compute(big.NewInt(0), price(1, 0))
	assert.ErrorIs(t, err, domain.ErrInvalidImplied)

	_, err = Compute(big.NewInt(-1), price(1, 0))
	assert.ErrorIs(t, err, domain.ErrInvalidImplied)
}

// Absolute deviation magnitude is not symmetric in general (the denominator
// changes), but for equal prices it is exactly zero and for swapped arguments
// the direction flips.
func TestComputeDirectionFlips(t *testing.T) {
	a, b := price(1, 2), price(1, 0)

	fwd, err := Compute(a, b)
	require.NoError(t, err)
	back, err := Compute(b, a)
	require.NoError(t, err)

	assert.Equal(t, AboveReference, fwd.Direction)
	assert.Equal(t, BelowReference, back.Direction)
	assert.Equal(t, fwd.Bps, fwd.SignedBps())
	assert.Equal(t, -back.Bps, back.SignedBps())
}

func TestComputeDeterministic(t *testing.T) {
	a, b := price(3, 33), price(3, 14)
	first, err := Compute(a, b)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Compute(a, b)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestComputeSelfIsZero(t *testing.T) {
	for _, p := range []*big.Int{price(1, 0), price(42, 7), big.NewInt(1)} {
		got, err := Compute(p, p)
		require.NoError(t, err)
		assert.Zero(t, got.Bps)
		assert.Equal(t, AtReference, got.Direction)
	}
}
