package txbuilder

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/dlcd-io/dlcd/dlc"
	"github.com/dlcd-io/dlcd/dlcerrors"
	"github.com/dlcd-io/dlcd/payout"
)

// BuildCET constructs a single Contract Execution Transaction spending the
// funding outpoint into the two parties' payouts for one outcome, per
// spec.md §4.2's build_cets. feePerOutput is deducted from each party's
// payout; callers pass half of this CET's own fee, so the two outputs
// together pay it.
func BuildCET(fundingOutpoint wire.OutPoint, offer, accept *dlc.PartyParams, split payout.Split, cetLockTime uint32, feePerOutput btcutil.Amount) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(2)
	tx.LockTime = cetLockTime
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: fundingOutpoint,
		Sequence:         wire.MaxTxInSequenceNum - 1,
	})

	offerAmt := split.OfferPayout - feePerOutput
	acceptAmt := split.AcceptPayout - feePerOutput
	if offerAmt < 0 {
		offerAmt = 0
	}
	if acceptAmt < 0 {
		acceptAmt = 0
	}

	var outs []serialOutput
	offerDust := IsDust(offerAmt)
	acceptDust := IsDust(acceptAmt)
	if offerDust && acceptDust {
		return nil, dlcerrors.ErrDustOutputs
	}
	if !offerDust {
		outs = append(outs, serialOutput{
			out:      &wire.TxOut{Value: int64(offerAmt), PkScript: offer.PayoutScript},
			serialID: offer.PayoutSerialID,
		})
	}
	if !acceptDust {
		outs = append(outs, serialOutput{
			out:      &wire.TxOut{Value: int64(acceptAmt), PkScript: accept.PayoutScript},
			serialID: accept.PayoutSerialID,
		})
	}
	sortBySerial(outs)
	for _, o := range outs {
		tx.AddTxOut(o.out)
	}

	return tx, nil
}

// BuildCETs constructs one CET per leaf of a contract's outcome set —
// either the enumerated outcomes directly, or the digit trie's leaves for a
// numeric contract — returning them paired with the outcome path string
// used to key their adaptor signatures. Paths are walked in sorted order so
// both parties produce, sign, and log the CET set identically.
func BuildCETs(fundingOutpoint wire.OutPoint, offer, accept *dlc.PartyParams, splits map[string]payout.Split, cetLockTime uint32, feePerOutput btcutil.Amount) ([]dlc.CET, error) {
	paths := maps.Keys(splits)
	slices.Sort(paths)

	cets := make([]dlc.CET, 0, len(splits))
	for _, path := range paths {
		tx, err := BuildCET(fundingOutpoint, offer, accept, splits[path], cetLockTime, feePerOutput)
		if err != nil {
			return nil, err
		}
		cets = append(cets, dlc.CET{Tx: tx, OutcomePath: path})
	}
	return cets, nil
}
