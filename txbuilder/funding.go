// Package txbuilder constructs the DLC funding, CET, refund, and channel
// buffer/settle/collaborative-close transactions spec.md §4.2 names, in the
// style of the teacher's lnwallet: deterministic, side-effect-free builders
// that both parties can run independently and arrive at byte-identical
// results, operating over PSBT-described funding inputs for the wallet
// signing boundary.
package txbuilder

import (
	"bytes"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/dlcd-io/dlcd/dlc"
	"github.com/dlcd-io/dlcd/dlcerrors"
)

// serialOutput is an output pending canonical ordering by (value, pkScript,
// serial id), the BOLT/dlcspecs convention both parties apply so the
// funding tx and every CET have a deterministic output order without either
// side needing to communicate it.
type serialOutput struct {
	out      *wire.TxOut
	serialID uint64
}

func sortBySerial(outs []serialOutput) {
	sort.Slice(outs, func(i, j int) bool {
		a, b := outs[i], outs[j]
		if a.out.Value != b.out.Value {
			return a.out.Value < b.out.Value
		}
		if c := bytes.Compare(a.out.PkScript, b.out.PkScript); c != 0 {
			return c < 0
		}
		return a.serialID < b.serialID
	})
}

// BuildFunding constructs the 2-of-2 funding transaction from both parties'
// params, per spec.md §4.2's build_funding. Inputs are ordered by
// InputSerialID within each party; the outputs of both parties are sorted
// together by (value, pkScript, serial id), matching the teacher's reservation.go
// compose-then-sort approach to constructing a multi-party transaction.
func BuildFunding(offer, accept *dlc.PartyParams, totalCollateral btcutil.Amount, feeRateSatPerVb btcutil.Amount) (*wire.MsgTx, []byte, error) {
	tx := wire.NewMsgTx(2)

	redeemScript, fundingOut, err := genFundingPkScript(
		offer.FundingPubKey.SerializeCompressed(),
		accept.FundingPubKey.SerializeCompressed(),
		int64(totalCollateral),
	)
	if err != nil {
		return nil, nil, err
	}

	addInputs(tx, offer.FundingInputs)
	addInputs(tx, accept.FundingInputs)

	offerFee, acceptFee := splitFundingFee(offer, accept, feeRateSatPerVb)

	var outs []serialOutput
	outs = append(outs, serialOutput{out: fundingOut, serialID: 0})

	if change := offer.TotalInputValue() - offer.Collateral - offerFee; change > 0 {
		if IsDust(change) {
			return nil, nil, dlcerrors.ErrDustOutputs
		}
		o := &wire.TxOut{Value: int64(change), PkScript: offer.ChangeScript}
		outs = append(outs, serialOutput{out: o, serialID: offer.ChangeSerialID})
	}
	if change := accept.TotalInputValue() - accept.Collateral - acceptFee; change > 0 {
		if IsDust(change) {
			return nil, nil, dlcerrors.ErrDustOutputs
		}
		o := &wire.TxOut{Value: int64(change), PkScript: accept.ChangeScript}
		outs = append(outs, serialOutput{out: o, serialID: accept.ChangeSerialID})
	}

	sortBySerial(outs)
	for _, o := range outs {
		tx.AddTxOut(o.out)
	}

	return tx, redeemScript, nil
}

func addInputs(tx *wire.MsgTx, inputs []dlc.FundingInput) {
	sorted := append([]dlc.FundingInput(nil), inputs...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].InputSerialID < sorted[j].InputSerialID
	})
	for _, in := range sorted {
		tx.AddTxIn(&wire.TxIn{PreviousOutPoint: in.Outpoint})
	}
}

// splitFundingFee divides the estimated funding-transaction fee between
// both parties proportionally to their input count, the simplest
// reasonable policy absent a negotiated fee-contribution scheme; the
// teacher's reservation.go divides commitment fees along similar
// proportional lines for symmetric contributions.
func splitFundingFee(offer, accept *dlc.PartyParams, feeRateSatPerVb btcutil.Amount) (offerFee, acceptFee btcutil.Amount) {
	weight := EstimateFundingWeight(len(offer.FundingInputs), len(accept.FundingInputs), true, true)
	vsize := (weight + 3) / 4
	totalFee := btcutil.Amount(vsize) * feeRateSatPerVb

	n := len(offer.FundingInputs) + len(accept.FundingInputs)
	if n == 0 {
		return 0, 0
	}
	offerFee = totalFee * btcutil.Amount(len(offer.FundingInputs)) / btcutil.Amount(n)
	acceptFee = totalFee - offerFee
	return offerFee, acceptFee
}

// FundingOutpoint locates the funding output within tx by its pkScript.
func FundingOutpoint(tx *wire.MsgTx, fundingPkScript []byte) (wire.OutPoint, error) {
	idx, ok := findOutputIndex(tx, fundingPkScript)
	if !ok {
		return wire.OutPoint{}, dlcerrors.New(dlcerrors.KindInternal, "funding output not found in transaction")
	}
	txHash := tx.TxHash()
	return wire.OutPoint{Hash: txHash, Index: idx}, nil
}

// FundingTxOut locates the 2-of-2 output within tx by rebuilding its P2TR
// pkScript from the tapscript leaf, returning both the outpoint and value.
// The canonical output ordering can land the funding output at any index, so
// callers must never assume index 0.
func FundingTxOut(tx *wire.MsgTx, tapLeafScript []byte) (wire.OutPoint, btcutil.Amount, error) {
	leaf := txscript.NewBaseTapLeaf(tapLeafScript)
	pkScript, _, err := taprootOutputForLeaf(leaf)
	if err != nil {
		return wire.OutPoint{}, 0, err
	}
	outpoint, err := FundingOutpoint(tx, pkScript)
	if err != nil {
		return wire.OutPoint{}, 0, err
	}
	return outpoint, btcutil.Amount(tx.TxOut[outpoint.Index].Value), nil
}
