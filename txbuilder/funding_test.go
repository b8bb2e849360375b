package txbuilder

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/dlcd-io/dlcd/dlc"
)

func mustKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return priv
}

func TestBuildFundingDeterministicOutputOrder(t *testing.T) {
	offerPriv, acceptPriv := mustKey(t), mustKey(t)

	offer := &dlc.PartyParams{
		FundingPubKey: offerPriv.PubKey(),
		ChangeScript:  []byte{0x00, 0x14},
		Collateral:    50000,
		FundingInputs: []dlc.FundingInput{
			{Value: 60000, InputSerialID: 1},
		},
		ChangeSerialID: 7,
	}
	accept := &dlc.PartyParams{
		FundingPubKey: acceptPriv.PubKey(),
		ChangeScript:  []byte{0x00, 0x14},
		Collateral:    50000,
		FundingInputs: []dlc.FundingInput{
			{Value: 60000, InputSerialID: 2},
		},
		ChangeSerialID: 3,
	}

	tx, redeemScript, err := BuildFunding(offer, accept, 100000, 1)
	require.NoError(t, err)
	require.NotEmpty(t, redeemScript)
	require.Len(t, tx.TxIn, 2)
	require.GreaterOrEqual(t, len(tx.TxOut), 1)

	// Both parties' change plus the funding output, sorted by value.
	require.Len(t, tx.TxOut, 3)
	for i := 1; i < len(tx.TxOut); i++ {
		require.LessOrEqual(t, tx.TxOut[i-1].Value, tx.TxOut[i].Value)
	}

	again, _, err := BuildFunding(offer, accept, 100000, 1)
	require.NoError(t, err)
	require.Equal(t, tx.TxHash(), again.TxHash())
}

func TestBuildRefundRejectsDust(t *testing.T) {
	offerPriv, acceptPriv := mustKey(t), mustKey(t)
	offer := &dlc.PartyParams{FundingPubKey: offerPriv.PubKey(), PayoutScript: []byte{0x00, 0x14}, Collateral: 0}
	accept := &dlc.PartyParams{FundingPubKey: acceptPriv.PubKey(), PayoutScript: []byte{0x00, 0x14}, Collateral: 100000}

	_, err := BuildRefund(wire.OutPoint{}, offer, accept, 100)
	require.Error(t, err)
}

func TestDustLimitPositive(t *testing.T) {
	require.Greater(t, DustLimit(), btcutil.Amount(0))
}
