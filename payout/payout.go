// Package payout evaluates the two payout representations in spec.md §3:
// enumerated outcome tables and numeric piecewise-linear payout curves,
// including the half-to-even rounding-interval behavior numeric contracts
// use to keep the number of distinct CETs bounded.
package payout

import (
	"math/big"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/dlcd-io/dlcd/dlc"
	"github.com/dlcd-io/dlcd/dlcerrors"
)

// Split is one outcome's payout to each party.
type Split struct {
	OfferPayout  btcutil.Amount
	AcceptPayout btcutil.Amount
}

// Enumerated looks up the split for a literal outcome label.
func Enumerated(info *dlc.ContractInfoEnum, outcome string) (Split, error) {
	for _, o := range info.Outcomes {
		if o.Outcome == outcome {
			return Split{OfferPayout: o.OfferPayout, AcceptPayout: o.AcceptPayout}, nil
		}
	}
	return Split{}, dlcerrors.ErrNoMatchingOutcome
}

// Numeric evaluates a piecewise payout function at outcome value x,
// returning the offer party's payout, rounded to the function's rounding
// interval using round-half-to-even (banker's rounding), matching how the
// digit trie's greedy cover assigns one adaptor signature per rounded
// payout rather than one per raw integer outcome.
func Numeric(fn *dlc.PayoutFunction, totalCollateral btcutil.Amount, x uint64) (Split, error) {
	for _, piece := range fn.Pieces {
		if x < piece.Left.X || x > piece.Right.X {
			continue
		}
		var raw btcutil.Amount
		if !piece.Linear || piece.Left.X == piece.Right.X {
			raw = piece.Left.Y
		} else {
			raw = interpolate(piece, x)
		}
		rounded := roundToInterval(raw, fn.RoundingInterval)
		if rounded < 0 {
			rounded = 0
		}
		if rounded > totalCollateral {
			rounded = totalCollateral
		}
		return Split{
			OfferPayout:  rounded,
			AcceptPayout: totalCollateral - rounded,
		}, nil
	}
	return Split{}, dlcerrors.New(dlcerrors.KindPayoutOutOfRange, "outcome out of payout function domain")
}

// interpolate linearly interpolates the offer payout between a piece's two
// endpoints at position x, using integer arithmetic throughout so the
// result is reproducible bit-for-bit between both parties.
func interpolate(piece dlc.PayoutPiece, x uint64) btcutil.Amount {
	x0, x1 := piece.Left.X, piece.Right.X
	y0, y1 := int64(piece.Left.Y), int64(piece.Right.Y)

	dx := new(big.Int).SetUint64(x1 - x0)
	dy := big.NewInt(y1 - y0)
	offset := new(big.Int).SetUint64(x - x0)

	num := new(big.Int).Mul(dy, offset)
	num.Add(num, new(big.Int).Mul(big.NewInt(y0), dx))

	q, r := new(big.Int).QuoRem(num, dx, new(big.Int))
	// Round the quotient half-to-even at the division step, same as the
	// rounding-interval step below, so repeated rounding doesn't bias the
	// curve toward either party.
	halfDx := new(big.Int).Rsh(dx, 1)
	if r.CmpAbs(halfDx) > 0 || (r.CmpAbs(halfDx) == 0 && q.Bit(0) == 1) {
		if num.Sign() >= 0 {
			q.Add(q, big.NewInt(1))
		} else {
			q.Sub(q, big.NewInt(1))
		}
	}
	return btcutil.Amount(q.Int64())
}

// roundToInterval rounds amt to the nearest multiple of interval, ties to
// even, per spec.md's numeric payout rounding requirement. interval == 0 or
// 1 means no rounding.
func roundToInterval(amt btcutil.Amount, interval uint64) btcutil.Amount {
	if interval <= 1 {
		return amt
	}
	iv := int64(interval)
	q := int64(amt) / iv
	r := int64(amt) % iv
	half := iv / 2

	switch {
	case r > half || (r == half && q%2 != 0):
		q++
	case r < -half || (r == -half && q%2 != 0):
		q--
	}
	return btcutil.Amount(q * iv)
}
