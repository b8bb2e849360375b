package contractmgr

import (
	"context"
	"runtime"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"

	"github.com/dlcd-io/dlcd/adaptor"
	"github.com/dlcd-io/dlcd/dlc"
	"github.com/dlcd-io/dlcd/dlcerrors"
	"github.com/dlcd-io/dlcd/payout"
	"github.com/dlcd-io/dlcd/txbuilder"
)

// buildCETsForOutcomes is txbuilder.BuildCETs specialized for the
// []outcome shape buildOutcomes returns. Every CET carries the same fee,
// its estimated vsize times the fee rate, passed to BuildCETs as a
// per-output share of half that amount.
func buildCETsForOutcomes(fundingOutpoint wire.OutPoint, offer, accept *dlc.PartyParams, outcomes []outcome, cetLockTime uint32, feeRateSatPerVb btcutil.Amount) ([]dlc.CET, error) {
	splits := make(map[string]payout.Split, len(outcomes))
	for _, o := range outcomes {
		splits[o.path] = o.split
	}

	vsize := (txbuilder.EstimateCETWeight() + 3) / 4
	feePerOutput := btcutil.Amount(vsize) * feeRateSatPerVb / 2
	cets, err := txbuilder.BuildCETs(fundingOutpoint, offer, accept, splits, cetLockTime, feePerOutput)
	if err != nil {
		return nil, err
	}

	points := make(map[string]*btcec.PublicKey, len(outcomes))
	for _, o := range outcomes {
		points[o.path] = o.point
	}
	for i := range cets {
		cets[i].AdaptorPoint = points[cets[i].OutcomePath]
	}
	return cets, nil
}

// signCETs produces one adaptor pre-signature per CET, encrypted to its
// outcome's adaptor point, using fundingPubKey as the signing key, per
// spec.md §4.2's "each CET is adaptor-signed to its outcome's oracle
// commitment point".
func (m *Manager) signCETs(ctx context.Context, fundingPubKey *btcec.PublicKey, fundingAmt btcutil.Amount, cets []dlc.CET, outcomes []outcome, redeemScript []byte) (map[string]dlc.AdaptorSignature, error) {
	sigs := make(map[string]dlc.AdaptorSignature, len(cets))
	for _, cet := range cets {
		sighash, err := txbuilder.CETSigHash(cet.Tx, fundingAmt, redeemScript)
		if err != nil {
			return nil, err
		}
		sig, err := m.cfg.Wallet.SignCETAdaptor(ctx, fundingPubKey, sighash, cet.AdaptorPoint)
		if err != nil {
			return nil, dlcerrors.Wrap(dlcerrors.KindWalletError, err)
		}
		raw := sig.Serialize()
		sigs[cet.OutcomePath] = dlc.AdaptorSignature(raw)
	}
	return sigs, nil
}

// verifyCETSigs checks that sigs contains exactly one valid adaptor
// signature, by counterpartyFundingPubKey, for every CET in cets. Each
// CET's verification is independent of the others, so the checks fan out
// across an errgroup bounded by GOMAXPROCS: a numeric trie's signature set
// is the hot path of the accept/sign handshake.
func (m *Manager) verifyCETSigs(counterpartyFundingPubKey *btcec.PublicKey, fundingAmt btcutil.Amount, cets []dlc.CET, outcomes []outcome, redeemScript []byte, sigs map[string]dlc.AdaptorSignature) error {
	if len(sigs) != len(cets) {
		return dlcerrors.New(dlcerrors.KindInvalidAdaptorSignature, "adaptor signature count does not match CET count")
	}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range cets {
		cet := &cets[i]
		g.Go(func() error {
			encoded, ok := sigs[cet.OutcomePath]
			if !ok {
				return dlcerrors.ErrAdaptorVerifyFailed
			}
			sig := adaptor.Parse([65]byte(encoded))
			sighash, err := txbuilder.CETSigHash(cet.Tx, fundingAmt, redeemScript)
			if err != nil {
				return err
			}
			if err := adaptor.Verify(sig, counterpartyFundingPubKey, sighash, cet.AdaptorPoint); err != nil {
				return dlcerrors.Wrap(dlcerrors.KindInvalidAdaptorSignature, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// signRefund produces this party's ordinary 64-byte BIP-340 signature over
// the refund transaction, ready to ship as-is over the wire and to feed
// SpendFundingWitness at broadcast time.
func (m *Manager) signRefund(ctx context.Context, fundingPubKey *btcec.PublicKey, refundTx *wire.MsgTx, fundingAmt btcutil.Amount, redeemScript []byte) ([]byte, error) {
	sighash, err := txbuilder.CETSigHash(refundTx, fundingAmt, redeemScript)
	if err != nil {
		return nil, err
	}
	sig, err := m.cfg.Wallet.SignRefund(ctx, fundingPubKey, sighash)
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindWalletError, err)
	}
	return sig, nil
}
