// Package spread computes the signed divergence between a route-implied
// exchange rate and a trusted reference rate, in basis points. All arithmetic
// is integer fixed-point; results are deterministic for identical inputs.
package spread

import (
	"math"
	"math/big"

	"github.com/alanyoungcy/routegate/internal/domain"
)

// Direction indicates which side of the reference the implied price sits on.
type Direction int

const (
	AtReference Direction = iota
	AboveReference
	BelowReference
)

func (d Direction) String() string {
	switch d {
	case AboveReference:
		return "above"
	case BelowReference:
		return "below"
	default:
		return "at"
	}
}

// Spread is the result of a divergence computation.
type Spread struct {
	// Bps is the absolute deviation in basis points, rounded half-up.
	Bps int64
	// Direction reports whether implied was above or below reference.
	Direction Direction
}

// SignedBps returns Bps negated when the implied price is below reference.
func (s Spread) SignedBps() int64 {
	if s.Direction == BelowReference {
		return -s.Bps
	}
	return s.Bps
}

var bpsScale = big.NewInt(10_000)

// Compute returns the deviation between implied and reference, both
// fixed-point prices at the same scale:
//
//	bps = round(|implied - reference| * 10000 / reference)
//
// A price that is nil, zero, or negative is an input error, never a silent
// divide-by-zero; the sentinel names the failing side
// (domain.ErrInvalidReference or domain.ErrInvalidImplied) so audit records
// stay unambiguous. Deviations too large for int64 are clamped to
// math.MaxInt64; any sane threshold comparison rejects them.
func Compute(implied, reference *big.Int) (Spread, error) {
	if reference == nil || reference.Sign() <= 0 {
		return Spread{}, domain.ErrInvalidReference
	}
	if implied == nil || implied.Sign() <= 0 {
		return Spread{}, domain.ErrInvalidImplied
	}

	dir := AtReference
	switch implied.Cmp(reference) {
	case 1:
		dir = AboveReference
	case -1:
		dir = BelowReference
	}

	diff := new(big.Int).Sub(implied, reference)
	diff.Abs(diff)
	diff.Mul(diff, bpsScale)

	q, r := new(big.Int).QuoRem(diff, reference, new(big.Int))
	// Half-up rounding: bump the quotient when 2*remainder >= reference.
	r.Lsh(r, 1)
	if r.Cmp(reference) >= 0 {
		q.Add(q, big.NewInt(1))
	}

	if !q.IsInt64() {
		return Spread{Bps: math.MaxInt64, Direction: dir}, nil
	}
	return Spread{Bps: q.Int64(), Direction: dir}, nil
}
