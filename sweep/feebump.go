package sweep

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/dlcd-io/dlcd/dlcerrors"
	"github.com/dlcd-io/dlcd/txbuilder"
)

// BumpCandidate is the information needed to rebuild a CET or refund
// transaction at a higher feerate: the two payout amounts the original
// transaction split the funding output into, keyed to the same pkscripts,
// plus the funding outpoint and redeem script every such transaction shares.
type BumpCandidate struct {
	FundingOutpoint wire.OutPoint
	RedeemScript    []byte
	FundingValue    btcutil.Amount

	OfferScript, AcceptScript []byte
	OfferPayout, AcceptPayout btcutil.Amount
	LockTime                  uint32
}

// Rebuild recomputes c's two outputs at the higher feeRate (sat/vbyte),
// taking the fee entirely from whichever side isn't already at the dust
// floor, mirroring the teacher's dust-floor yield check in
// generateInputPartitionings but applied to the two fixed CET/refund
// outputs instead of a sorted set of sweep inputs. The witness is left
// unset; the caller re-signs/re-combines exactly as it did for the
// original broadcast (adaptor decrypt for a CET, the exchanged plain
// signatures for a refund).
func Rebuild(c BumpCandidate, feeRate btcutil.Amount) (*wire.MsgTx, error) {
	vbytes := (txbuilder.EstimateCETWeight() + 3) / 4
	fee := btcutil.Amount(vbytes) * feeRate

	offer, accept := c.OfferPayout, c.AcceptPayout
	switch {
	case offer >= accept:
		offer -= fee
	default:
		accept -= fee
	}
	if offer < 0 || accept < 0 {
		return nil, dlcerrors.New(dlcerrors.KindDust, "fee bump exceeds available payout")
	}

	tx := wire.NewMsgTx(2)
	tx.LockTime = c.LockTime
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: c.FundingOutpoint,
		Sequence:         wire.MaxTxInSequenceNum - 1,
	})

	dustOffer, dustAccept := txbuilder.IsDust(offer), txbuilder.IsDust(accept)
	switch {
	case dustOffer && dustAccept:
		return nil, dlcerrors.ErrDustOutputs
	case dustOffer:
		accept += offer
		tx.AddTxOut(&wire.TxOut{PkScript: c.AcceptScript, Value: int64(accept)})
	case dustAccept:
		offer += accept
		tx.AddTxOut(&wire.TxOut{PkScript: c.OfferScript, Value: int64(offer)})
	default:
		tx.AddTxOut(&wire.TxOut{PkScript: c.OfferScript, Value: int64(offer)})
		tx.AddTxOut(&wire.TxOut{PkScript: c.AcceptScript, Value: int64(accept)})
	}

	return tx, nil
}
