package txbuilder

import (
	"github.com/btcsuite/btcd/wire"

	"github.com/dlcd-io/dlcd/dlc"
	"github.com/dlcd-io/dlcd/dlcerrors"
)

// BuildRefund constructs the refund transaction: returns each party's
// original collateral, locked until refundLockTime. It is the exit for a
// funded contract that has seen no attestation by that height.
func BuildRefund(fundingOutpoint wire.OutPoint, offer, accept *dlc.PartyParams, refundLockTime uint32) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(2)
	tx.LockTime = refundLockTime
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: fundingOutpoint,
		Sequence:         wire.MaxTxInSequenceNum - 1,
	})

	if IsDust(offer.Collateral) || IsDust(accept.Collateral) {
		return nil, dlcerrors.ErrDustOutputs
	}

	outs := []serialOutput{
		{out: &wire.TxOut{Value: int64(offer.Collateral), PkScript: offer.PayoutScript}, serialID: offer.PayoutSerialID},
		{out: &wire.TxOut{Value: int64(accept.Collateral), PkScript: accept.PayoutScript}, serialID: accept.PayoutSerialID},
	}
	sortBySerial(outs)
	for _, o := range outs {
		tx.AddTxOut(o.out)
	}

	return tx, nil
}
