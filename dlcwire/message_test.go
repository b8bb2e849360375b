package dlcwire

import (
	"bytes"
	"strconv"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"

	"github.com/dlcd-io/dlcd/dlc"
)

func mustPrivKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return priv
}

func sampleContractInfo(t *testing.T) dlc.ContractInfo {
	t.Helper()
	oracle := mustPrivKey(t)
	nonce := mustPrivKey(t)
	return dlc.ContractInfo{
		Kind: dlc.ContractInfoEnumKind,
		Enum: &dlc.ContractInfoEnum{
			Outcomes: []dlc.EnumOutcome{
				{Outcome: "yes", OfferPayout: 100000, AcceptPayout: 0},
				{Outcome: "no", OfferPayout: 0, AcceptPayout: 100000},
			},
			Oracle: dlc.Announcement{
				PublicKey: oracle.PubKey(),
				Nonces:    []*btcec.PublicKey{nonce.PubKey()},
				EventID:   "test-event",
			},
			OracleParams: dlc.OracleParams{
				Announcements: []dlc.Announcement{{
					PublicKey: oracle.PubKey(),
					Nonces:    []*btcec.PublicKey{nonce.PubKey()},
					EventID:   "test-event",
				}},
				Threshold: 1,
			},
		},
	}
}

func TestOfferRoundTrip(t *testing.T) {
	tempID, err := dlc.NewTempContractID()
	require.NoError(t, err)

	offer := &Offer{
		TempContractID:   tempID,
		ContractInfo:     sampleContractInfo(t),
		OfferCollateral:  100000,
		AcceptCollateral: 100000,
		FeeRateSatPerVb:  2,
		CetLockTime:      100,
		RefundLockTime:   200,
		FundingPubKey:    mustPrivKey(t).PubKey(),
		ChangeScript:     []byte{0x00, 0x14},
		PayoutScript:     []byte{0x00, 0x14},
		Extension:        &ExtensionStream{Note: "hello"},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, offer))

	msg, err := ReadMessage(&buf)
	require.NoError(t, err)

	got, ok := msg.(*Offer)
	require.True(t, ok)
	require.Equal(t, offer.TempContractID, got.TempContractID)
	require.Equal(t, offer.OfferCollateral, got.OfferCollateral)
	require.Equal(t, offer.ContractInfo.Enum.Outcomes[0].Outcome, got.ContractInfo.Enum.Outcomes[0].Outcome)
	require.Equal(t, "hello", got.Extension.Note)
}

func TestRejectRoundTrip(t *testing.T) {
	tempID, err := dlc.NewTempContractID()
	require.NoError(t, err)

	reject := &Reject{TempContractID: tempID, Code: 1, Reason: "insufficient funds"}

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, reject))

	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	got, ok := msg.(*Reject)
	require.True(t, ok)
	require.Equal(t, reject.Reason, got.Reason)
}

func TestSignRoundTrip(t *testing.T) {
	tempID, err := dlc.NewTempContractID()
	require.NoError(t, err)

	sign := &Sign{
		TempContractID: tempID,
		CetAdaptorSigs: map[string]dlc.AdaptorSignature{
			"yes": {0x01},
			"no":  {0x02},
		},
		RefundSig:        []byte{0xaa, 0xbb},
		FundingWitnesses: [][]byte{{0x01, 0x02}, {0x03}},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, sign))

	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	got, ok := msg.(*Sign)
	require.True(t, ok)
	require.Equal(t, sign.CetAdaptorSigs["yes"], got.CetAdaptorSigs["yes"])
	require.Len(t, got.FundingWitnesses, 2)
}

func TestFragmentRoundTrip(t *testing.T) {
	tempID, err := dlc.NewTempContractID()
	require.NoError(t, err)

	sigs := make(map[string]dlc.AdaptorSignature, 5000)
	for i := 0; i < 5000; i++ {
		var sig dlc.AdaptorSignature
		sig[0] = byte(i)
		sigs[strconv.Itoa(i)] = sig
	}
	sign := &Sign{TempContractID: tempID, CetAdaptorSigs: sigs, RefundSig: []byte{0x01}}

	fragments, didFragment, err := FragmentMessage(42, sign)
	require.NoError(t, err)
	require.True(t, didFragment)
	require.Greater(t, len(fragments), 1)

	reassembler := NewReassembler()
	var final Message
	for i, f := range fragments {
		msg, err := reassembler.Add(f)
		require.NoError(t, err)
		if i < len(fragments)-1 {
			require.Nil(t, msg)
		} else {
			final = msg
		}
	}
	require.NotNil(t, final)
	got, ok := final.(*Sign)
	require.True(t, ok)
	require.Len(t, got.CetAdaptorSigs, 5000)
}

func TestReassemblerRejectsOutOfRangeIndex(t *testing.T) {
	reassembler := NewReassembler()
	_, err := reassembler.Add(&Fragment{FragmentID: 1, Index: 5, Count: 2, InnerType: MsgReject, Chunk: []byte{0x01}})
	require.Error(t, err)
}

func TestReassemblerEvictsStalePartials(t *testing.T) {
	start := time.Unix(1700000000, 0)
	testClock := clock.NewTestClock(start)
	reassembler := NewReassemblerWithClock(testClock)

	msg, err := reassembler.Add(&Fragment{FragmentID: 7, Index: 0, Count: 2, InnerType: MsgReject, Chunk: []byte{0x01}})
	require.NoError(t, err)
	require.Nil(t, msg)

	// The second chunk only arrives after the reassembly timeout: the
	// partial has been discarded, so this fragment seeds a fresh partial
	// instead of completing the stale one.
	testClock.SetTime(start.Add(reassemblyTimeout + time.Second))
	msg, err = reassembler.Add(&Fragment{FragmentID: 7, Index: 1, Count: 2, InnerType: MsgReject, Chunk: []byte{0x02}})
	require.NoError(t, err)
	require.Nil(t, msg)
}
