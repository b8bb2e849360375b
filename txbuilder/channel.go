package txbuilder

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/dlcd-io/dlcd/dlc"
	"github.com/dlcd-io/dlcd/dlcerrors"
)

// BuildBuffer constructs a DLC channel's buffer transaction: it spends the
// channel's funding output (or, on renew, the prior buffer output) into a
// single 2-of-2 output that in turn funds either party's current signed
// sub-contract CETs or a pending settle/renew, exactly the role spec.md §3
// assigns the channel's "buffer transaction."
//
// Grounded on the teacher's commitment-transaction construction
// (lnwallet/channel.go in the original checkout): one input, one
// 2-of-2-equivalent output, rebuilt on every update rather than mutated in
// place.
func BuildBuffer(spend wire.OutPoint, offerPub, acceptPub *btcec.PublicKey, total btcutil.Amount) (*wire.MsgTx, []byte, error) {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: spend, Sequence: wire.MaxTxInSequenceNum - 1})

	redeemScript, out, err := genFundingPkScript(
		offerPub.SerializeCompressed(), acceptPub.SerializeCompressed(), int64(total),
	)
	if err != nil {
		return nil, nil, err
	}
	tx.AddTxOut(out)
	return tx, redeemScript, nil
}

// BuildSettle constructs the settlement transaction that spends a channel's
// buffer output directly to both parties at an agreed split, closing the
// channel's current sub-contract without advancing to a new one.
func BuildSettle(bufferOutpoint wire.OutPoint, offer, accept *dlc.PartyParams, offerAmt, acceptAmt btcutil.Amount) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: bufferOutpoint, Sequence: wire.MaxTxInSequenceNum - 1})

	if IsDust(offerAmt) && IsDust(acceptAmt) {
		return nil, dlcerrors.ErrDustOutputs
	}

	var outs []serialOutput
	if !IsDust(offerAmt) {
		outs = append(outs, serialOutput{out: &wire.TxOut{Value: int64(offerAmt), PkScript: offer.PayoutScript}, serialID: offer.PayoutSerialID})
	}
	if !IsDust(acceptAmt) {
		outs = append(outs, serialOutput{out: &wire.TxOut{Value: int64(acceptAmt), PkScript: accept.PayoutScript}, serialID: accept.PayoutSerialID})
	}
	sortBySerial(outs)
	for _, o := range outs {
		tx.AddTxOut(o.out)
	}
	return tx, nil
}

// BuildCollaborativeClose is functionally identical to BuildSettle but
// spends directly from the channel's most recent buffer output with no
// further sub-contract possible afterward — the terminal
// ChannelClosedCollaborative path, kept as a distinct builder so its call
// sites in contractmgr read clearly even though the transaction shape is
// shared.
func BuildCollaborativeClose(bufferOutpoint wire.OutPoint, offer, accept *dlc.PartyParams, offerAmt, acceptAmt btcutil.Amount) (*wire.MsgTx, error) {
	return BuildSettle(bufferOutpoint, offer, accept, offerAmt, acceptAmt)
}
