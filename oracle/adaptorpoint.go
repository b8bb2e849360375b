package oracle

import (
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/dlcd-io/dlcd/dlc"
)

// challengeTag matches adaptor.challengeTag: both packages tag-hash the
// same BIP-340 challenge, since the point computed here is exactly the
// point an oracle's eventual attestation signature's s-value will satisfy
// s*G == T, the identity adaptor.Extract relies on.
//
// The group arithmetic below goes through dcrd's secp256k1 package
// directly — btcec/v2's Jacobian types are aliases of it, so the two mix
// freely, and the heavy summation loops here stay one call closer to the
// implementation that actually does the work.
var challengeTag = []byte("BIP0340/challenge")

// AdaptorPoint computes the commitment point T = R + e*P for a single
// oracle nonce and hypothesized message value, per spec.md §4.3: "derived
// from the oracle's per-outcome commitment (nonce point ... per BIP-340
// attestation identity)". Once the oracle publishes its BIP-340 signature
// (R, s) over the same value, s*G equals T, so a CET adaptor signature
// encrypted to T is unlocked by that attestation.
func AdaptorPoint(nonce, pub *btcec.PublicKey, value string) *btcec.PublicKey {
	rEven := liftEven(nonce)
	pEven := liftEven(pub)
	digest := chainhash.DoubleHashB([]byte(value))
	var digest32 [32]byte
	copy(digest32[:], digest)

	e := challengeScalar(xOnlyBytes(rEven), xOnlyBytes(pEven), digest32)

	var rJ, pJ, eP, tJ secp256k1.JacobianPoint
	rEven.AsJacobian(&rJ)
	pEven.AsJacobian(&pJ)
	secp256k1.ScalarMultNonConst(e, &pJ, &eP)
	secp256k1.AddNonConst(&rJ, &eP, &tJ)
	tJ.ToAffine()
	return secp256k1.NewPublicKey(&tJ.X, &tJ.Y)
}

// EnumOutcomeAdaptorPoint is AdaptorPoint specialized for an enumerated
// contract's single-nonce announcement.
func EnumOutcomeAdaptorPoint(ann *dlc.Announcement, outcome string) *btcec.PublicKey {
	return AdaptorPoint(ann.Nonces[0], ann.PublicKey, outcome)
}

// DigitPathAdaptorPoint sums the per-digit adaptor points for every digit
// in prefix, one oracle nonce per digit position, producing the single
// point a digit-trie leaf's adaptor signature is encrypted to. Digit
// values are committed as base-10 strings, matching the decimal
// convention oracle.Attestation.Values uses for a published digit.
func DigitPathAdaptorPoint(ann *dlc.Announcement, prefix []uint32) *btcec.PublicKey {
	var sumJ secp256k1.JacobianPoint
	first := true
	for i, digit := range prefix {
		p := AdaptorPoint(ann.Nonces[i], ann.PublicKey, strconv.FormatUint(uint64(digit), 10))
		var pJ secp256k1.JacobianPoint
		p.AsJacobian(&pJ)
		if first {
			sumJ = pJ
			first = false
			continue
		}
		var next secp256k1.JacobianPoint
		secp256k1.AddNonConst(&sumJ, &pJ, &next)
		sumJ = next
	}
	sumJ.ToAffine()
	return secp256k1.NewPublicKey(&sumJ.X, &sumJ.Y)
}

// CombinedDigitPathAdaptorPoint sums DigitPathAdaptorPoint across every
// announcement in anns, the "exact agreement, n-of-n" multi-oracle
// adaptor point: see DESIGN.md for why general t-of-n subset signing is
// narrowed to the all-agree case.
func CombinedDigitPathAdaptorPoint(anns []dlc.Announcement, prefix []uint32) *btcec.PublicKey {
	var sumJ secp256k1.JacobianPoint
	for i := range anns {
		p := DigitPathAdaptorPoint(&anns[i], prefix)
		var pJ secp256k1.JacobianPoint
		p.AsJacobian(&pJ)
		if i == 0 {
			sumJ = pJ
			continue
		}
		var next secp256k1.JacobianPoint
		secp256k1.AddNonConst(&sumJ, &pJ, &next)
		sumJ = next
	}
	sumJ.ToAffine()
	return secp256k1.NewPublicKey(&sumJ.X, &sumJ.Y)
}

// CombinedEnumAdaptorPoint is CombinedDigitPathAdaptorPoint's enumerated
// counterpart: the all-agree multi-oracle adaptor point for a single
// outcome label.
func CombinedEnumAdaptorPoint(anns []dlc.Announcement, outcome string) *btcec.PublicKey {
	var sumJ secp256k1.JacobianPoint
	for i := range anns {
		p := EnumOutcomeAdaptorPoint(&anns[i], outcome)
		var pJ secp256k1.JacobianPoint
		p.AsJacobian(&pJ)
		if i == 0 {
			sumJ = pJ
			continue
		}
		var next secp256k1.JacobianPoint
		secp256k1.AddNonConst(&sumJ, &pJ, &next)
		sumJ = next
	}
	sumJ.ToAffine()
	return secp256k1.NewPublicKey(&sumJ.X, &sumJ.Y)
}

// SubsetDigitPathAdaptorPoint is CombinedDigitPathAdaptorPoint narrowed to
// just the oracles named by indices, all attesting the same prefix: the
// t-of-n adaptor point for one specific size-t subset of a numeric
// contract's n oracles.
func SubsetDigitPathAdaptorPoint(anns []dlc.Announcement, indices []int, prefix []uint32) *btcec.PublicKey {
	var sumJ secp256k1.JacobianPoint
	for i, idx := range indices {
		p := DigitPathAdaptorPoint(&anns[idx], prefix)
		var pJ secp256k1.JacobianPoint
		p.AsJacobian(&pJ)
		if i == 0 {
			sumJ = pJ
			continue
		}
		var next secp256k1.JacobianPoint
		secp256k1.AddNonConst(&sumJ, &pJ, &next)
		sumJ = next
	}
	sumJ.ToAffine()
	return secp256k1.NewPublicKey(&sumJ.X, &sumJ.Y)
}

// BoundedDigitPathAdaptorPoint sums each oracle's own digit-path point for
// its own prefix, one prefix per oracle in anns: the adaptor point for a
// bounded-disagreement outcome where each oracle is free to attest a
// different value, rather than every oracle attesting the identical path
// SubsetDigitPathAdaptorPoint/CombinedDigitPathAdaptorPoint assume.
func BoundedDigitPathAdaptorPoint(anns []dlc.Announcement, prefixes [][]uint32) *btcec.PublicKey {
	var sumJ secp256k1.JacobianPoint
	for i := range anns {
		p := DigitPathAdaptorPoint(&anns[i], prefixes[i])
		var pJ secp256k1.JacobianPoint
		p.AsJacobian(&pJ)
		if i == 0 {
			sumJ = pJ
			continue
		}
		var next secp256k1.JacobianPoint
		secp256k1.AddNonConst(&sumJ, &pJ, &next)
		sumJ = next
	}
	sumJ.ToAffine()
	return secp256k1.NewPublicKey(&sumJ.X, &sumJ.Y)
}

func liftEven(pub *btcec.PublicKey) *btcec.PublicKey {
	var j secp256k1.JacobianPoint
	pub.AsJacobian(&j)
	j.ToAffine()
	if j.Y.IsOdd() {
		j.Y.Negate(1)
		j.Y.Normalize()
	}
	return secp256k1.NewPublicKey(&j.X, &j.Y)
}

func xOnlyBytes(pub *btcec.PublicKey) [32]byte {
	var j secp256k1.JacobianPoint
	pub.AsJacobian(&j)
	j.ToAffine()
	var out [32]byte
	j.X.PutBytesUnchecked(out[:])
	return out
}

func challengeScalar(rX, pX, digest [32]byte) *secp256k1.ModNScalar {
	h := chainhash.TaggedHash(challengeTag, rX[:], pX[:], digest[:])
	var e secp256k1.ModNScalar
	e.SetByteSlice(h[:])
	return &e
}
