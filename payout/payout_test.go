package payout

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"

	"github.com/dlcd-io/dlcd/dlc"
)

func TestEnumerated(t *testing.T) {
	info := &dlc.ContractInfoEnum{
		Outcomes: []dlc.EnumOutcome{
			{Outcome: "team_a", OfferPayout: 100000, AcceptPayout: 0},
			{Outcome: "team_b", OfferPayout: 0, AcceptPayout: 100000},
		},
	}

	split, err := Enumerated(info, "team_a")
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(100000), split.OfferPayout)

	_, err = Enumerated(info, "team_c")
	require.Error(t, err)
}

func TestNumericLinear(t *testing.T) {
	fn := &dlc.PayoutFunction{
		Pieces: []dlc.PayoutPiece{
			{Left: dlc.PayoutPoint{X: 0, Y: 0}, Right: dlc.PayoutPoint{X: 100, Y: 0}},
			{Left: dlc.PayoutPoint{X: 100, Y: 0}, Right: dlc.PayoutPoint{X: 200, Y: 100000}, Linear: true},
			{Left: dlc.PayoutPoint{X: 200, Y: 100000}, Right: dlc.PayoutPoint{X: 1000, Y: 100000}},
		},
		RoundingInterval: 1,
	}

	split, err := Numeric(fn, 100000, 150)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(50000), split.OfferPayout)
	require.Equal(t, btcutil.Amount(50000), split.AcceptPayout)

	split, err = Numeric(fn, 100000, 50)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(0), split.OfferPayout)

	_, err = Numeric(fn, 100000, 5000)
	require.Error(t, err)
}

func TestRoundToInterval(t *testing.T) {
	require.Equal(t, btcutil.Amount(100), roundToInterval(103, 10))
	require.Equal(t, btcutil.Amount(100), roundToInterval(105, 10))
	require.Equal(t, btcutil.Amount(120), roundToInterval(115, 10))
	require.Equal(t, btcutil.Amount(50), roundToInterval(50, 0))
}
