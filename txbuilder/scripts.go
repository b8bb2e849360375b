package txbuilder

import (
	"bytes"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/dlcd-io/dlcd/dlcerrors"
)

// numsInternalKeyHex is BIP-341's standard nothing-up-my-sleeve point, used
// unchanged across every taproot output this package builds so that only the
// 2-of-2 tapscript leaf below can ever spend a funding or buffer output,
// never a key-path signature from either party alone.
const numsInternalKeyHex = "50929b74c1a04954b78b4b6035e97a5e078a5a0f28ec96d547bfee9ace803ac"

var numsInternalKey = func() *btcec.PublicKey {
	b, err := hex.DecodeString(numsInternalKeyHex)
	if err != nil {
		panic(err)
	}
	pub, err := schnorr.ParsePubKey(b)
	if err != nil {
		panic(err)
	}
	return pub
}()

// multisigTapLeaf builds the lexicographically-sorted 2-of-2 tapscript leaf
// spec.md §4.2/§6 requires ("standard 2-of-2 multisig with lexicographically
// sorted pubkeys"), generalized from the teacher's OP_CHECKMULTISIG redeem
// script to BIP-342's CHECKSIG/CHECKSIGADD pair: the adaptor signatures
// adaptor.go produces are BIP-340 Schnorr signatures, which a classic
// OP_CHECKMULTISIG script can never verify, so the funding/CET/buffer output
// moves to a single-leaf taproot script-path spend instead.
func multisigTapLeaf(aXOnly, bXOnly []byte) (txscript.TapLeaf, error) {
	if len(aXOnly) != 32 || len(bXOnly) != 32 {
		return txscript.TapLeaf{}, dlcerrors.New(dlcerrors.KindInvalidParameter, "x-only pubkeys must be 32 bytes")
	}
	if bytes.Compare(aXOnly, bXOnly) > 0 {
		aXOnly, bXOnly = bXOnly, aXOnly
	}

	bldr := txscript.NewScriptBuilder()
	bldr.AddData(aXOnly)
	bldr.AddOp(txscript.OP_CHECKSIG)
	bldr.AddData(bXOnly)
	bldr.AddOp(txscript.OP_CHECKSIGADD)
	bldr.AddOp(txscript.OP_2)
	bldr.AddOp(txscript.OP_NUMEQUAL)
	script, err := bldr.Script()
	if err != nil {
		return txscript.TapLeaf{}, dlcerrors.Wrap(dlcerrors.KindInternal, err)
	}
	return txscript.NewBaseTapLeaf(script), nil
}

// payToTaprootScript wraps a taproot output key in a version-1 witness
// program.
func payToTaprootScript(outputKey *btcec.PublicKey) ([]byte, error) {
	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_1)
	bldr.AddData(schnorr.SerializePubKey(outputKey))
	return bldr.Script()
}

// taprootOutputForLeaf computes the P2TR pkScript and output key for a
// single-leaf script tree rooted at leaf, tweaking the fixed NUMS internal
// key by leaf's tap hash (the leaf's own hash, since a one-leaf tree has no
// sibling to combine with).
func taprootOutputForLeaf(leaf txscript.TapLeaf) ([]byte, *btcec.PublicKey, error) {
	merkleRoot := leaf.TapHash()
	outputKey := txscript.ComputeTaprootOutputKey(numsInternalKey, merkleRoot[:])
	pkScript, err := payToTaprootScript(outputKey)
	if err != nil {
		return nil, nil, dlcerrors.Wrap(dlcerrors.KindInternal, err)
	}
	return pkScript, outputKey, nil
}

// controlBlockBytes builds the serialized control block proving leaf is the
// (only) leaf of the script tree committed to by the taproot output key
// derived from the fixed NUMS internal key.
func controlBlockBytes(leaf txscript.TapLeaf) ([]byte, error) {
	_, outputKey, err := taprootOutputForLeaf(leaf)
	if err != nil {
		return nil, err
	}
	cb := txscript.ControlBlock{
		InternalKey:     numsInternalKey,
		OutputKeyYIsOdd: outputKey.SerializeCompressed()[0] == secp256k1OddPrefix,
		LeafVersion:     txscript.BaseLeafVersion,
	}
	return cb.ToBytes()
}

const secp256k1OddPrefix = 0x03

// genFundingPkScript builds the funding tapscript leaf and matching P2TR
// output for amt satoshis.
func genFundingPkScript(aPub, bPub []byte, amt int64) ([]byte, *wire.TxOut, error) {
	if amt <= 0 {
		return nil, nil, dlcerrors.New(dlcerrors.KindInvalidParameter, "funding amount must be positive")
	}
	if len(aPub) != 33 || len(bPub) != 33 {
		return nil, nil, dlcerrors.New(dlcerrors.KindInvalidParameter, "compressed pubkeys only")
	}

	leaf, err := multisigTapLeaf(aPub[1:], bPub[1:])
	if err != nil {
		return nil, nil, err
	}
	pkScript, _, err := taprootOutputForLeaf(leaf)
	if err != nil {
		return nil, nil, err
	}

	return leaf.Script, wire.NewTxOut(amt, pkScript), nil
}

// spendFundingWitness builds the tapscript script-path witness stack to
// spend the 2-of-2 funding output, ordering the two signatures to match the
// sorted-pubkey order the leaf script was built with: the topmost stack
// item a script-path spend consumes must answer the first CHECKSIG in the
// leaf, i.e. belong to the lexicographically lower of the two pubkeys.
func spendFundingWitness(tapLeafScript, controlBlock, pubA, sigA, pubB, sigB []byte) wire.TxWitness {
	// The leaf sorted x-only keys, so the witness order must compare the
	// same 32 bytes: a compressed key's parity prefix would sort 02...
	// before 03... regardless of x.
	witness := make(wire.TxWitness, 4)
	if bytes.Compare(xOnlyPart(pubA), xOnlyPart(pubB)) > 0 {
		witness[0] = sigA
		witness[1] = sigB
	} else {
		witness[0] = sigB
		witness[1] = sigA
	}
	witness[2] = tapLeafScript
	witness[3] = controlBlock
	return witness
}

// xOnlyPart strips the parity prefix from a 33-byte compressed pubkey;
// 32-byte x-only input passes through unchanged.
func xOnlyPart(pub []byte) []byte {
	if len(pub) == 33 {
		return pub[1:]
	}
	return pub
}

// findOutputIndex returns the index of the output paying to script, or
// false if none matches.
func findOutputIndex(tx *wire.MsgTx, script []byte) (uint32, bool) {
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, script) {
			return uint32(i), true
		}
	}
	return 0, false
}

// P2WPKHScript wraps a 20-byte pubkey hash in a version-0 witness program,
// the output type used for payout and change outputs.
func P2WPKHScript(pubKeyHash []byte) ([]byte, error) {
	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_0)
	bldr.AddData(pubKeyHash)
	return bldr.Script()
}

// sortedPubKeyBytes is a small helper shared by funding/CET construction to
// decide lexicographic order without duplicating the comparison.
func sortedPubKeyBytes(a, b *btcec.PublicKey) (first, second []byte) {
	aBytes, bBytes := a.SerializeCompressed(), b.SerializeCompressed()
	if bytes.Compare(aBytes, bBytes) > 0 {
		return bBytes, aBytes
	}
	return aBytes, bBytes
}

// FundingRedeemScript rebuilds the 2-of-2 tapscript leaf for the two funding
// pubkeys, so callers that only persisted the pubkeys (not the script
// itself) can recompute the sighash and witness they'll need at
// signing/spend time.
func FundingRedeemScript(aPub, bPub *btcec.PublicKey) ([]byte, error) {
	leaf, err := multisigTapLeaf(schnorr.SerializePubKey(aPub), schnorr.SerializePubKey(bPub))
	if err != nil {
		return nil, err
	}
	return leaf.Script, nil
}

// CETSigHash computes the BIP-341/342 tapscript sighash for the single
// input of a CET or refund transaction spending the 2-of-2 funding (or
// buffer) output, the digest both adaptor.PreSign and an ordinary Schnorr
// signature are produced over. tapLeafScript rebuilds both the taproot
// output's pkScript (needed by the sighash itself) and the leaf committed
// to by the control block.
func CETSigHash(tx *wire.MsgTx, fundingAmt btcutil.Amount, tapLeafScript []byte) ([32]byte, error) {
	leaf := txscript.NewBaseTapLeaf(tapLeafScript)
	pkScript, _, err := taprootOutputForLeaf(leaf)
	if err != nil {
		return [32]byte{}, err
	}

	prevFetcher := txscript.NewCannedPrevOutputFetcher(pkScript, int64(fundingAmt))
	sigHashes := txscript.NewTxSigHashes(tx, prevFetcher)
	digest, err := txscript.CalcTapscriptSignaturehash(sigHashes, txscript.SigHashDefault, tx, 0, prevFetcher, leaf)
	if err != nil {
		return [32]byte{}, dlcerrors.Wrap(dlcerrors.KindInternal, err)
	}
	var out [32]byte
	copy(out[:], digest)
	return out, nil
}

// SpendFundingWitness builds the tapscript script-path witness stack to
// spend the 2-of-2 funding (or buffer) output, ordering the two signatures
// to match the sorted-pubkey order the leaf script was built with. sigA/sigB
// must be 64-byte BIP-340 Schnorr signatures produced over CETSigHash's
// digest with SigHashDefault (no appended hash-type byte), in the order
// aPub/bPub (not yet sorted) correspond to.
func SpendFundingWitness(tapLeafScript []byte, aPub, sigA, bPub, sigB []byte) (wire.TxWitness, error) {
	leaf := txscript.NewBaseTapLeaf(tapLeafScript)
	cb, err := controlBlockBytes(leaf)
	if err != nil {
		return nil, err
	}
	return spendFundingWitness(tapLeafScript, cb, aPub, sigA, bPub, sigB), nil
}
