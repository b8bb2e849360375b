package contractdb

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/dlcd-io/dlcd/dlc"
)

func sampleContract(t *testing.T) *dlc.Contract {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	pnl := int64(5000)
	return &dlc.Contract{
		TempID:             mustTempID(t),
		CounterpartyPubKey: priv.PubKey(),
		IsOfferer:          true,
		OfferCollateral:    100000,
		AcceptCollateral:   100000,
		State:              dlc.StateSigned,
		OfferParams: &dlc.PartyParams{
			FundingPubKey: priv.PubKey(),
			ChangeScript:  []byte{0x00, 0x14},
			PayoutScript:  []byte{0x00, 0x14},
			Collateral:    100000,
		},
		FundingTx: wire.NewMsgTx(wire.TxVersion),
		Cets: []dlc.CET{
			{Tx: wire.NewMsgTx(wire.TxVersion), OutcomePath: "yes", AdaptorPoint: priv.PubKey()},
		},
		OwnAdaptorSigs: map[string]dlc.AdaptorSignature{
			"yes": {0x01, 0x02},
		},
		RealizedPnL: &pnl,
		FailureKind: "",
		FailureMsg:  "",
	}
}

func mustTempID(t *testing.T) dlc.TempContractID {
	t.Helper()
	id, err := dlc.NewTempContractID()
	require.NoError(t, err)
	return id
}

func TestContractRoundTrip(t *testing.T) {
	c := sampleContract(t)

	blob, err := EncodeContract(c)
	require.NoError(t, err)

	got, err := DecodeContract(blob)
	require.NoError(t, err)

	require.Equal(t, c.TempID, got.TempID)
	require.Equal(t, c.State, got.State)
	require.Equal(t, c.OfferCollateral, got.OfferCollateral)
	require.Equal(t, c.OfferParams.ChangeScript, got.OfferParams.ChangeScript)
	require.Equal(t, c.Cets[0].OutcomePath, got.Cets[0].OutcomePath)
	require.Equal(t, c.OwnAdaptorSigs["yes"], got.OwnAdaptorSigs["yes"])
	require.NotNil(t, got.RealizedPnL)
	require.Equal(t, *c.RealizedPnL, *got.RealizedPnL)
}

func TestChannelRoundTrip(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	revoked := uint64(3)
	ch := &dlc.DLCChannel{
		CounterpartyPubKey: priv.PubKey(),
		IsOfferer:          true,
		State:              dlc.ChannelEstablished,
		FundingTx:          wire.NewMsgTx(wire.TxVersion),
		BufferTx:           wire.NewMsgTx(wire.TxVersion),
		UpdateIndex:        4,
		OwnPublishBase:     dlc.PublishBase{UpdateIndex: 4, Point: priv.PubKey()},
		RevokedUpdateIndex: &revoked,
		OfferCollateral:    50000,
		AcceptCollateral:   50000,
	}

	blob, err := EncodeChannel(ch)
	require.NoError(t, err)

	got, err := DecodeChannel(blob)
	require.NoError(t, err)

	require.Equal(t, ch.UpdateIndex, got.UpdateIndex)
	require.Equal(t, ch.State, got.State)
	require.NotNil(t, got.RevokedUpdateIndex)
	require.Equal(t, *ch.RevokedUpdateIndex, *got.RevokedUpdateIndex)
}
