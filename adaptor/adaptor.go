// Package adaptor implements Schnorr adaptor signatures over secp256k1, the
// primitive the core uses to encrypt each CET's signature to an oracle's
// eventual attestation point: pre_sign produces a signature that verifies
// only against an adaptor point T, adapt decrypts it once the corresponding
// scalar t is known, and extract recovers t by comparing an adaptor
// signature against its decrypted counterpart — exactly the scheme spec.md
// §6 describes.
package adaptor

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/dlcd-io/dlcd/dlcerrors"
)

// challengeTag is the BIP-340 tagged-hash tag used for the Schnorr
// challenge, matching btcec/v2/schnorr's internal signing convention so an
// adapted signature verifies as an ordinary BIP-340 signature.
var challengeTag = []byte("BIP0340/challenge")

// Signature is a 65-byte adaptor pre-signature: the 32-byte x-only nonce
// point R' = R+T, the 32-byte adaptor scalar s_hat, and a 1-byte parity flag
// recording whether R' itself had an odd y — needed by Adapt and Extract to
// apply the matching sign flip, per spec.md §6's "64 bytes
// adaptor scalar data + 1-byte proof tag" encoding.
type Signature struct {
	RPrime [32]byte
	SHat   [32]byte
	Parity byte
}

// Serialize encodes the adaptor signature in spec.md's 65-byte wire form.
func (s *Signature) Serialize() [65]byte {
	var out [65]byte
	copy(out[:32], s.RPrime[:])
	copy(out[32:64], s.SHat[:])
	out[64] = s.Parity
	return out
}

// Parse decodes a 65-byte adaptor signature.
func Parse(b [65]byte) *Signature {
	s := &Signature{Parity: b[64]}
	copy(s.RPrime[:], b[:32])
	copy(s.SHat[:], b[32:64])
	return s
}

// PreSign produces an adaptor signature over msg (a 32-byte sighash) under
// privKey, encrypted to the adaptor point adaptorPoint (the sum of oracle
// nonce/message commitment points the trie package computes for a given
// outcome). The resulting signature only becomes a valid BIP-340 signature
// once Adapt is called with the discrete log of adaptorPoint.
func PreSign(privKey *btcec.PrivateKey, msg [32]byte, adaptorPoint *btcec.PublicKey) (*Signature, error) {
	pubKey := privKey.PubKey()

	nonce, err := deterministicNonce(privKey, msg, adaptorPoint)
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindInternal, err)
	}

	var rJ btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(nonce, &rJ)

	var tJ btcec.JacobianPoint
	adaptorPoint.AsJacobian(&tJ)

	var rPrimeJ btcec.JacobianPoint
	btcec.AddNonConst(&rJ, &tJ, &rPrimeJ)
	rPrimeJ.ToAffine()

	// BIP-340 verifiers lift R' from its x coordinate to even y. When R'
	// lands on odd y the whole equation is negated instead: the nonce sign
	// flips here and the adaptor scalar's sign flips in Adapt/Extract,
	// keyed off the recorded parity.
	parity := byte(0)
	if rPrimeJ.Y.IsOdd() {
		parity = 1
		nonce.Negate()
	}

	rPrimeBytes := fieldToBytes(&rPrimeJ.X)

	e, err := challenge(rPrimeBytes, pubKey, msg)
	if err != nil {
		return nil, err
	}

	// s_hat = +/-k + e*d (mod n), with d negated when the x-only encoding
	// of the public key implies the opposite y parity from privKey's
	// point. The caller adapts by adding/subtracting the adaptor scalar t
	// once the oracle attests.
	d := privKey.Key
	if pubKeyHasOddY(pubKey) {
		d.Negate()
	}
	var sHat btcec.ModNScalar
	sHat.Set(e)
	sHat.Mul(&d)
	sHat.Add(nonce)

	sig := &Signature{Parity: parity}
	copy(sig.RPrime[:], rPrimeBytes[:])
	sHatBytes := sHat.Bytes()
	copy(sig.SHat[:], sHatBytes[:])
	return sig, nil
}

// Verify checks that an adaptor signature was honestly constructed: that
// adapting it with t would produce a signature verifying under pubKey for
// msg. Since t isn't known yet, this instead checks the public-key
// analogue: s_hat*G == R' -/+ T + e*P, with the sign of T and the lift of
// R' fixed by the recorded parity.
func Verify(sig *Signature, pubKey *btcec.PublicKey, msg [32]byte, adaptorPoint *btcec.PublicKey) error {
	var sHat btcec.ModNScalar
	if overflow := sHat.SetByteSlice(sig.SHat[:]); overflow {
		return dlcerrors.New(dlcerrors.KindInvalidAdaptorSignature, "s_hat overflows group order")
	}

	e, err := challenge(sig.RPrime, pubKey, msg)
	if err != nil {
		return err
	}

	// lhs = s_hat*G
	var lhs btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(&sHat, &lhs)
	lhs.ToAffine()

	// rhs = lift_even(R') + e*P_even - T for even parity; when PreSign
	// recorded odd parity the nonce was negated, so T's sign flips too:
	// rhs = lift_even(R') + e*P_even + T.
	rPrime, err := liftX(sig.RPrime, 0)
	if err != nil {
		return err
	}
	var rPrimeJ btcec.JacobianPoint
	rPrime.AsJacobian(&rPrimeJ)

	var eP btcec.JacobianPoint
	var pubJ btcec.JacobianPoint
	pubKey.AsJacobian(&pubJ)
	pubJ.ToAffine()
	if pubJ.Y.IsOdd() {
		pubJ.Y.Negate(1)
		pubJ.Y.Normalize()
	}
	btcec.ScalarMultNonConst(e, &pubJ, &eP)

	var tSigned btcec.JacobianPoint
	adaptorPoint.AsJacobian(&tSigned)
	tSigned.ToAffine()
	if sig.Parity == 0 {
		tSigned.Y.Negate(1)
		tSigned.Y.Normalize()
	}

	var rhs btcec.JacobianPoint
	btcec.AddNonConst(&rPrimeJ, &eP, &rhs)
	var rhs2 btcec.JacobianPoint
	btcec.AddNonConst(&rhs, &tSigned, &rhs2)
	rhs2.ToAffine()

	if lhs.X.Equals(&rhs2.X) && lhs.Y.Equals(&rhs2.Y) {
		return nil
	}
	return dlcerrors.ErrAdaptorVerifyFailed
}

// Adapt decrypts an adaptor signature with the discrete log t of the
// adaptor point, producing an ordinary 64-byte BIP-340 signature that
// verifies against pubKey for msg. When PreSign recorded odd parity for R'
// the nonce was negated at signing time, so t is subtracted rather than
// added to keep the adapted equation on the even-y lift of R'.
func Adapt(sig *Signature, t *btcec.ModNScalar) [64]byte {
	sHat := sigSHat(sig)
	tt := *t
	if sig.Parity == 1 {
		tt.Negate()
	}

	var s btcec.ModNScalar
	s.Set(&sHat)
	s.Add(&tt)

	var out [64]byte
	copy(out[:32], sig.RPrime[:])
	sBytes := s.Bytes()
	copy(out[32:], sBytes[:])
	return out
}

// Extract recovers the discrete log t of the adaptor point given an adaptor
// signature and the final, adapted BIP-340 signature that resulted from it
// — the operation the manager performs once a CET is seen confirmed with a
// signature it didn't itself produce, per spec.md §6's "extract" and the
// front-running detection in spec.md §4.6 scenario 3.
func Extract(sig *Signature, finalSig [64]byte) (*btcec.ModNScalar, error) {
	if !bytes.Equal(sig.RPrime[:], finalSig[:32]) {
		return nil, dlcerrors.New(dlcerrors.KindInvalidAdaptorSignature, "nonce mismatch between adaptor and final signature")
	}

	var s btcec.ModNScalar
	if overflow := s.SetByteSlice(finalSig[32:]); overflow {
		return nil, dlcerrors.New(dlcerrors.KindInvalidAdaptorSignature, "final signature s overflows group order")
	}

	sHat := sigSHat(sig)
	var t btcec.ModNScalar
	negSHat := sHat
	negSHat.Negate()
	t.Set(&s)
	t.Add(&negSHat)
	if sig.Parity == 1 {
		t.Negate()
	}
	return &t, nil
}

func sigSHat(sig *Signature) btcec.ModNScalar {
	var sHat btcec.ModNScalar
	sHat.SetByteSlice(sig.SHat[:])
	return sHat
}

func challenge(rPrime [32]byte, pubKey *btcec.PublicKey, msg [32]byte) (*btcec.ModNScalar, error) {
	pBytes := schnorrXOnly(pubKey)
	h := chainhash.TaggedHash(challengeTag, rPrime[:], pBytes[:], msg[:])

	var e btcec.ModNScalar
	e.SetByteSlice(h[:])
	return &e, nil
}

// schnorrXOnly returns the 32-byte x-only encoding BIP-340 uses for a public
// key, lifting to even-y as needed.
func schnorrXOnly(pub *btcec.PublicKey) [32]byte {
	var j btcec.JacobianPoint
	pub.AsJacobian(&j)
	j.ToAffine()
	return fieldToBytes(&j.X)
}

func pubKeyHasOddY(pub *btcec.PublicKey) bool {
	var j btcec.JacobianPoint
	pub.AsJacobian(&j)
	j.ToAffine()
	return j.Y.IsOdd()
}

func fieldToBytes(f *btcec.FieldVal) [32]byte {
	var out [32]byte
	f.PutBytesUnchecked(out[:])
	return out
}

func liftX(x [32]byte, parity byte) (*btcec.PublicKey, error) {
	var fx btcec.FieldVal
	if overflow := fx.SetByteSlice(x[:]); overflow {
		return nil, dlcerrors.New(dlcerrors.KindInvalidAdaptorSignature, "R' x-coordinate overflows field")
	}
	pub, err := btcec.ParsePubKey(append([]byte{0x02 + parity}, x[:]...))
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindInvalidAdaptorSignature, fmt.Errorf("lift R': %w", err))
	}
	return pub, nil
}

// deterministicNonce derives a nonce from a BIP-340-style tagged hash of
// the private key and message, additionally folding in the
// adaptor point so that two outcomes never reuse the same nonce for the
// same CET signing key, which would leak the private key.
func deterministicNonce(priv *btcec.PrivateKey, msg [32]byte, adaptorPoint *btcec.PublicKey) (*btcec.ModNScalar, error) {
	keyBytes := priv.Serialize()
	auxTag := []byte("BIP0340/nonce")
	h := chainhash.TaggedHash(auxTag, keyBytes, msg[:], adaptorPoint.SerializeCompressed())

	var k btcec.ModNScalar
	if overflow := k.SetByteSlice(h[:]); overflow {
		return nil, dlcerrors.New(dlcerrors.KindInternal, "derived nonce overflows group order")
	}
	if k.IsZero() {
		return nil, dlcerrors.New(dlcerrors.KindInternal, "derived nonce is zero")
	}
	return &k, nil
}
