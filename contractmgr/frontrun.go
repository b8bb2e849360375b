package contractmgr

import (
	"bytes"
	"context"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/wire"

	"github.com/dlcd-io/dlcd/adaptor"
	"github.com/dlcd-io/dlcd/dlc"
	"github.com/dlcd-io/dlcd/dlcerrors"
)

// checkFrontrun watches a Confirmed contract's funding outpoint for a spend
// the counterparty broadcast ahead of our own attestation poll, per spec.md
// §4.6 scenario 3 and §8's front-running concern. Adapted from the
// teacher's breacharbiter.go: that file watches channel outpoints for a
// revoked commitment broadcast and reacts by sweeping a justice output.
// There's no penalty to claim here — both CETs are outcomes we both
// pre-signed — so the reaction is simply to recognize the broadcast
// transaction and adopt its outcome instead of waiting on our own oracle
// poll.
//
// It returns true if it advanced and persisted c's state; the caller then
// skips the normal oracle-poll path for this round.
func (m *Manager) checkFrontrun(ctx context.Context, c *dlc.Contract) (bool, error) {
	if len(c.Cets) == 0 || c.FundingTx == nil {
		return false, nil
	}
	fundingOutpoint := c.Cets[0].Tx.TxIn[0].PreviousOutPoint

	report, err := m.monitor.CheckSpend(ctx, fundingOutpoint)
	if err != nil {
		return false, err
	}
	if !report.Spent {
		return false, nil
	}
	spendTxid := report.SpendingTx.TxHash()

	if c.RefundTx != nil && spendTxid == c.RefundTx.TxHash() {
		log.Infof("contract %v: funding spent by refund transaction ahead of locktime sweep", c.TempID)
		c.State = dlc.StateRefunded
		return true, m.putContract(c)
	}

	for i := range c.Cets {
		cet := &c.Cets[i]
		if spendTxid != cet.Tx.TxHash() {
			continue
		}

		if t, err := m.recoverAttestationScalar(c, cet, report.SpendingTx); err != nil {
			log.Warnf("contract %v: counterparty broadcast CET %s ahead of our attestation poll, but could not recover the attestation scalar from its witness: %v", c.TempID, cet.OutcomePath, err)
		} else {
			log.Infof("contract %v: counterparty broadcast CET %s ahead of our attestation poll; adopting its outcome", c.TempID, cet.OutcomePath)
			_ = t // recovered for completeness; the outcome path alone is enough to advance state
		}

		c.BroadcastCET = report.SpendingTx
		c.AttestedOutcome = cet.OutcomePath
		c.State = dlc.StatePreClosed
		return true, m.putContract(c)
	}

	log.Warnf("contract %v: funding output spent by unrecognized transaction %v", c.TempID, spendTxid)
	return false, nil
}

// recoverAttestationScalar finds the witness signature spendingTx placed
// under our own funding pubkey and extracts the oracle scalar it was
// adapted with, by comparing it against our own pre-signature for cet's
// outcome. This is possible because the counterparty can only have produced
// a valid signature under our pubkey by adapting the pre-signature we sent
// them during the signing handshake.
func (m *Manager) recoverAttestationScalar(c *dlc.Contract, cet *dlc.CET, spendingTx *wire.MsgTx) (*btcec.ModNScalar, error) {
	ownPresig, ok := c.OwnAdaptorSigs[cet.OutcomePath]
	if !ok {
		return nil, dlcerrors.New(dlcerrors.KindInternal, "missing own adaptor signature for outcome")
	}

	var ownPub, otherPub *btcec.PublicKey
	if c.IsOfferer {
		ownPub, otherPub = c.OfferParams.FundingPubKey, c.AcceptParams.FundingPubKey
	} else {
		ownPub, otherPub = c.AcceptParams.FundingPubKey, c.OfferParams.FundingPubKey
	}

	witness := spendingTx.TxIn[0].Witness
	if len(witness) != 4 {
		return nil, dlcerrors.New(dlcerrors.KindInternal, "unexpected funding spend witness shape")
	}

	// The witness stack mirrors the sorted-x-only leaf: the bottom item
	// (index 0) answers the higher key's CHECKSIGADD, the next the lower
	// key's CHECKSIG; items 2 and 3 are the leaf script and control block.
	ownX := schnorr.SerializePubKey(ownPub)
	otherX := schnorr.SerializePubKey(otherPub)
	var rawSig []byte
	if bytes.Compare(ownX, otherX) > 0 {
		rawSig = witness[0]
	} else {
		rawSig = witness[1]
	}
	if len(rawSig) != 64 {
		return nil, dlcerrors.New(dlcerrors.KindInternal, "funding spend signature has unexpected length")
	}

	var finalSig [64]byte
	copy(finalSig[:], rawSig)

	presig := adaptor.Parse([65]byte(ownPresig))
	t, err := adaptor.Extract(presig, finalSig)
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindInvalidAdaptorSignature, err)
	}
	return t, nil
}
