package trie

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dlcd-io/dlcd/dlc"
)

func flatFunction() *dlc.PayoutFunction {
	return &dlc.PayoutFunction{
		Pieces: []dlc.PayoutPiece{
			{Left: dlc.PayoutPoint{X: 0, Y: 0}, Right: dlc.PayoutPoint{X: 49, Y: 0}},
			{Left: dlc.PayoutPoint{X: 50, Y: 100000}, Right: dlc.PayoutPoint{X: 99, Y: 100000}},
		},
		RoundingInterval: 1,
	}
}

func TestBuildCoversDomain(t *testing.T) {
	leaves, err := Build(flatFunction(), 100000, 10, 2)
	require.NoError(t, err)
	require.NotEmpty(t, leaves)

	for x := uint64(0); x < 100; x++ {
		digits := Digits(x, 10, 2)
		leaf, err := Lookup(leaves, digits)
		require.NoError(t, err)
		if x < 50 {
			require.EqualValues(t, 0, leaf.Split.OfferPayout)
		} else {
			require.EqualValues(t, 100000, leaf.Split.OfferPayout)
		}
	}
}

func TestDigitsRoundTrip(t *testing.T) {
	for _, x := range []uint64{0, 5, 42, 99} {
		digits := Digits(x, 10, 2)
		require.Equal(t, x, Value(digits, 10))
	}
}

func TestMultiOracleExact(t *testing.T) {
	leaves, err := Build(flatFunction(), 100000, 10, 2)
	require.NoError(t, err)

	attestations := [][]uint32{
		Digits(60, 10, 2),
		Digits(60, 10, 2),
		Digits(10, 10, 2),
	}
	leaf, err := MultiOracleExact(leaves, attestations, 2)
	require.NoError(t, err)
	require.EqualValues(t, 100000, leaf.Split.OfferPayout)

	_, err = MultiOracleExact(leaves, attestations, 3)
	require.Error(t, err)
}

func TestMultiOracleBounded(t *testing.T) {
	leaves, err := Build(flatFunction(), 100000, 10, 2)
	require.NoError(t, err)

	attestations := [][]uint32{Digits(60, 10, 2), Digits(62, 10, 2)}
	leaf, err := MultiOracleBounded(leaves, attestations, 10, 5)
	require.NoError(t, err)
	require.EqualValues(t, 100000, leaf.Split.OfferPayout)

	_, err = MultiOracleBounded(leaves, attestations, 10, 1)
	require.Error(t, err)
}
