package contractmgr

import (
	"context"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/dlcd-io/dlcd/adaptor"
	"github.com/dlcd-io/dlcd/dlc"
	"github.com/dlcd-io/dlcd/dlcerrors"
	"github.com/dlcd-io/dlcd/txbuilder"
)

// bufferPartyParams builds the PartyParams a channel's live sub-contract
// signs against: the party's established payout destination carries over
// update to update, only the signing key (the current update's tweaked
// publish point) and collateral change.
func bufferPartyParams(established *dlc.PartyParams, point *btcec.PublicKey, collateral btcutil.Amount) *dlc.PartyParams {
	return &dlc.PartyParams{
		FundingPubKey:  point,
		PayoutScript:   established.PayoutScript,
		Collateral:     collateral,
		PayoutSerialID: established.PayoutSerialID,
	}
}

// currentBufferParent returns the outpoint a channel's next update spends
// from: the prior buffer transaction's single output once one exists,
// otherwise the channel's funding output located at establishment time (the
// funding transaction's outputs are canonically sorted, so the 2-of-2 is not
// necessarily at index 0).
func currentBufferParent(ch *dlc.DLCChannel) (*wire.MsgTx, wire.OutPoint, error) {
	if ch.BufferTx != nil {
		return ch.BufferTx, wire.OutPoint{Hash: ch.BufferTx.TxHash(), Index: 0}, nil
	}
	if ch.FundingTx == nil {
		return nil, wire.OutPoint{}, dlcerrors.New(dlcerrors.KindInternal, "channel has no funding or buffer transaction yet")
	}
	return ch.FundingTx, ch.FundingOutpoint, nil
}

// signChannelCETs mirrors signCETs for a channel sub-contract: the signing
// key is this update's tweaked publish point, derived from basePubKey and
// updateSecret rather than a static funding key.
func (m *Manager) signChannelCETs(ctx context.Context, basePubKey *btcec.PublicKey, updateSecret [32]byte, parentAmt btcutil.Amount, cets []dlc.CET, redeemScript []byte) (map[string]dlc.AdaptorSignature, error) {
	sigs := make(map[string]dlc.AdaptorSignature, len(cets))
	for _, cet := range cets {
		sighash, err := txbuilder.CETSigHash(cet.Tx, parentAmt, redeemScript)
		if err != nil {
			return nil, err
		}
		sig, err := m.cfg.Wallet.SignChannelCETAdaptor(ctx, basePubKey, updateSecret, sighash, cet.AdaptorPoint)
		if err != nil {
			return nil, dlcerrors.Wrap(dlcerrors.KindWalletError, err)
		}
		sigs[cet.OutcomePath] = dlc.AdaptorSignature(sig.Serialize())
	}
	return sigs, nil
}

// verifyChannelCETSigs mirrors verifyCETSigs, verifying against the
// counterparty's current tweaked publish point rather than a static funding
// key.
func verifyChannelCETSigs(counterpartyPoint *btcec.PublicKey, parentAmt btcutil.Amount, cets []dlc.CET, redeemScript []byte, sigs map[string]dlc.AdaptorSignature) error {
	if len(sigs) != len(cets) {
		return dlcerrors.New(dlcerrors.KindInvalidAdaptorSignature, "adaptor signature count does not match CET count")
	}
	for _, cet := range cets {
		encoded, ok := sigs[cet.OutcomePath]
		if !ok {
			return dlcerrors.ErrAdaptorVerifyFailed
		}
		sig := adaptor.Parse([65]byte(encoded))
		sighash, err := txbuilder.CETSigHash(cet.Tx, parentAmt, redeemScript)
		if err != nil {
			return err
		}
		if err := adaptor.Verify(sig, counterpartyPoint, sighash, cet.AdaptorPoint); err != nil {
			return dlcerrors.Wrap(dlcerrors.KindInvalidAdaptorSignature, err)
		}
	}
	return nil
}

// signChannelUpdate produces this party's plain (non-adaptor) signature
// over a transaction spending the current buffer/funding output directly
// (a refund, settlement, or collaborative close), under this update's
// tweaked key.
func (m *Manager) signChannelUpdate(ctx context.Context, basePubKey *btcec.PublicKey, updateSecret [32]byte, tx *wire.MsgTx, parentAmt btcutil.Amount, redeemScript []byte) ([]byte, error) {
	sighash, err := txbuilder.CETSigHash(tx, parentAmt, redeemScript)
	if err != nil {
		return nil, err
	}
	sig, err := m.cfg.Wallet.SignChannelUpdate(ctx, basePubKey, updateSecret, sighash)
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindWalletError, err)
	}
	return sig, nil
}

// verifyChannelUpdateSig checks a counterparty's plain signature over a
// buffer-spending transaction against its tweaked publish point.
func verifyChannelUpdateSig(counterpartyPoint *btcec.PublicKey, tx *wire.MsgTx, parentAmt btcutil.Amount, redeemScript []byte, sig []byte) error {
	sighash, err := txbuilder.CETSigHash(tx, parentAmt, redeemScript)
	if err != nil {
		return err
	}
	return verifySchnorr(counterpartyPoint, sighash, sig)
}
