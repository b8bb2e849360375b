package main

import (
	"context"
	"crypto/rand"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"

	"github.com/dlcd-io/dlcd/adaptor"
	"github.com/dlcd-io/dlcd/contractmgr"
	"github.com/dlcd-io/dlcd/dlc"
	"github.com/dlcd-io/dlcd/dlcerrors"
)

// walletController is a reference implementation of contractmgr.Wallet.
// Per spec.md's Non-goals, on-chain wallet internals (UTXO selection
// policy, address-manager persistence, recovery) are out of scope; this
// type exists only to give the daemon something to wire, deriving every
// key deterministically from one root extended key via hdkeychain rather
// than reimplementing btcwallet's address manager, and treating its UTXO
// pool as an explicitly-funded set the operator deposits into through the
// admin API rather than something it discovers via chain scanning.
type walletController struct {
	params *chaincfg.Params

	mu        sync.Mutex
	root      *hdkeychain.ExtendedKey
	nextIndex uint32
	utxos     map[wireOutPointKey]reservableUTXO
}

type wireOutPointKey struct {
	hash  chainhash.Hash
	index uint32
}

type reservableUTXO struct {
	input    dlc.FundingInput
	reserved bool
}

// newWalletController derives a fresh root key if seed is nil, otherwise
// restores the wallet deterministically from it.
func newWalletController(params *chaincfg.Params, seed []byte) (*walletController, error) {
	if seed == nil {
		var err error
		seed, err = hdkeychain.GenerateSeed(hdkeychain.RecommendedSeedLen)
		if err != nil {
			return nil, err
		}
	}
	root, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, err
	}
	return &walletController{
		params: params,
		root:   root,
		utxos:  make(map[wireOutPointKey]reservableUTXO),
	}, nil
}

// DepositUTXO registers an externally-observed UTXO as spendable, standing
// in for the chain-scanning a full wallet implementation would otherwise
// perform.
func (w *walletController) DepositUTXO(input dlc.FundingInput) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.utxos[wireOutPointKey{input.Outpoint.Hash, input.Outpoint.Index}] = reservableUTXO{input: input}
}

func (w *walletController) deriveKey() (*hdkeychain.ExtendedKey, error) {
	w.mu.Lock()
	idx := w.nextIndex
	w.nextIndex++
	w.mu.Unlock()

	return w.root.Derive(idx)
}

func (w *walletController) GetNewFundingPubKey(ctx context.Context) (*btcec.PublicKey, error) {
	child, err := w.deriveKey()
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindWalletError, err)
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindWalletError, err)
	}
	return pub, nil
}

func (w *walletController) newP2WPKHScript() ([]byte, error) {
	child, err := w.deriveKey()
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindWalletError, err)
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindWalletError, err)
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pub.SerializeCompressed()), w.params)
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindWalletError, err)
	}
	return txscript.PayToAddrScript(addr)
}

func (w *walletController) GetChangeScript(ctx context.Context) ([]byte, error) {
	return w.newP2WPKHScript()
}

func (w *walletController) GetPayoutScript(ctx context.Context) ([]byte, error) {
	return w.newP2WPKHScript()
}

// utxoReservation is the ReservationHandle walletController returns: the
// exact set of outpoints it marked reserved, so Release can put back
// precisely those and nothing else.
type utxoReservation struct {
	keys []wireOutPointKey
}

func (w *walletController) ReserveUTXOs(ctx context.Context, amount btcutil.Amount) ([]dlc.FundingInput, contractmgr.ReservationHandle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var (
		picked []dlc.FundingInput
		keys   []wireOutPointKey
		total  btcutil.Amount
	)
	for key, u := range w.utxos {
		if u.reserved {
			continue
		}
		picked = append(picked, u.input)
		keys = append(keys, key)
		total += u.input.Value
		if total >= amount {
			break
		}
	}
	if total < amount {
		return nil, nil, dlcerrors.New(dlcerrors.KindInsufficientFunds,
			"wallet has insufficient deposited utxos to cover requested amount")
	}

	for _, key := range keys {
		u := w.utxos[key]
		u.reserved = true
		w.utxos[key] = u
	}
	return picked, &utxoReservation{keys: keys}, nil
}

func (w *walletController) Release(ctx context.Context, handle contractmgr.ReservationHandle) error {
	res, ok := handle.(*utxoReservation)
	if !ok {
		return dlcerrors.New(dlcerrors.KindInvalidParameter, "release: unrecognized reservation handle")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, key := range res.keys {
		u, ok := w.utxos[key]
		if !ok {
			continue
		}
		u.reserved = false
		w.utxos[key] = u
	}
	return nil
}

// SignFundingPSBT is a placeholder matching the teacher's PSBT-based
// funding flow: a full reference wallet would sign every input it
// recognizes as its own here. Left unimplemented for the reference wallet
// since real PSBT finalization depends on the address manager this type
// intentionally doesn't carry; a production Wallet plugs in here instead.
func (w *walletController) SignFundingPSBT(ctx context.Context, p *psbt.Packet, handle contractmgr.ReservationHandle) (*psbt.Packet, error) {
	return nil, dlcerrors.New(dlcerrors.KindWalletError,
		"reference wallet does not implement PSBT input signing; provide a production Wallet")
}

// signingKeyForPubKey recovers the private key for a previously-derived
// public key by brute-force walking the derivation indices handed out so
// far — acceptable for a reference wallet with a small, in-process key
// count; a production address manager would index this directly.
func (w *walletController) signingKeyForPubKey(pubKey *btcec.PublicKey) (*btcec.PrivateKey, error) {
	w.mu.Lock()
	count := w.nextIndex
	w.mu.Unlock()

	target := pubKey.SerializeCompressed()
	for i := uint32(0); i < count; i++ {
		child, err := w.root.Derive(i)
		if err != nil {
			continue
		}
		priv, err := child.ECPrivKey()
		if err != nil {
			continue
		}
		if bytesEqual(priv.PubKey().SerializeCompressed(), target) {
			return priv, nil
		}
	}
	return nil, dlcerrors.New(dlcerrors.KindWalletError, "no key derived for this public key")
}

func (w *walletController) SignCETAdaptor(ctx context.Context, fundingPubKey *btcec.PublicKey, sighash [32]byte, adaptorPoint *btcec.PublicKey) (*adaptor.Signature, error) {
	priv, err := w.signingKeyForPubKey(fundingPubKey)
	if err != nil {
		return nil, err
	}
	sig, err := adaptor.PreSign(priv, sighash, adaptorPoint)
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindWalletError, err)
	}
	return sig, nil
}

func (w *walletController) SignRefund(ctx context.Context, fundingPubKey *btcec.PublicKey, sighash [32]byte) ([]byte, error) {
	priv, err := w.signingKeyForPubKey(fundingPubKey)
	if err != nil {
		return nil, err
	}
	sig, err := schnorr.Sign(priv, sighash[:])
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindWalletError, err)
	}
	return sig.Serialize(), nil
}

// tweakedChannelKey derives the per-update signing key for a DLC channel:
// the base key tweaked by updateSecret, the same additive-tweak
// construction the revocation package's publish scheme documents for
// per-update keys.
func (w *walletController) tweakedChannelKey(basePubKey *btcec.PublicKey, updateSecret [32]byte) (*btcec.PrivateKey, error) {
	basePriv, err := w.signingKeyForPubKey(basePubKey)
	if err != nil {
		return nil, err
	}

	var tweak btcec.ModNScalar
	tweak.SetByteSlice(updateSecret[:])

	var scalar btcec.ModNScalar
	baseBytes := basePriv.Serialize()
	scalar.SetByteSlice(baseBytes)
	scalar.Add(&tweak)

	tweakedBytes := scalar.Bytes()
	return btcec.PrivKeyFromBytes(tweakedBytes[:]), nil
}

func (w *walletController) SignChannelCETAdaptor(ctx context.Context, basePubKey *btcec.PublicKey, updateSecret [32]byte, sighash [32]byte, adaptorPoint *btcec.PublicKey) (*adaptor.Signature, error) {
	priv, err := w.tweakedChannelKey(basePubKey, updateSecret)
	if err != nil {
		return nil, err
	}
	sig, err := adaptor.PreSign(priv, sighash, adaptorPoint)
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindWalletError, err)
	}
	return sig, nil
}

func (w *walletController) SignChannelUpdate(ctx context.Context, basePubKey *btcec.PublicKey, updateSecret [32]byte, sighash [32]byte) ([]byte, error) {
	priv, err := w.tweakedChannelKey(basePubKey, updateSecret)
	if err != nil {
		return nil, err
	}
	sig, err := schnorr.Sign(priv, sighash[:])
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindWalletError, err)
	}
	return sig.Serialize(), nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// randomSeed generates the seed newServer builds the reference wallet from
// on every start; the seed is not persisted.
func randomSeed() ([]byte, error) {
	seed := make([]byte, hdkeychain.RecommendedSeedLen)
	_, err := rand.Read(seed)
	return seed, err
}
