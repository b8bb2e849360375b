package oracle

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/dlcd-io/dlcd/dlc"
)

func fixedKey(t *testing.T, seed byte) *btcec.PrivateKey {
	t.Helper()
	var b [32]byte
	for i := range b {
		b[i] = seed
	}
	priv, _ := btcec.PrivKeyFromBytes(b[:])
	return priv
}

// attestValue produces the BIP-340 signature an oracle publishes for value
// under a pre-committed nonce, the signature whose s-value is the discrete
// log of AdaptorPoint for the same (nonce, pubkey, value).
func attestValue(oraclePriv, noncePriv *btcec.PrivateKey, value string) [64]byte {
	digest := chainhash.DoubleHashB([]byte(value))

	d := oraclePriv.Key
	if oraclePriv.PubKey().SerializeCompressed()[0] == 0x03 {
		d.Negate()
	}
	k := noncePriv.Key
	if noncePriv.PubKey().SerializeCompressed()[0] == 0x03 {
		k.Negate()
	}

	rX := schnorr.SerializePubKey(noncePriv.PubKey())
	pX := schnorr.SerializePubKey(oraclePriv.PubKey())
	h := chainhash.TaggedHash(challengeTag, rX, pX, digest)

	var e btcec.ModNScalar
	e.SetByteSlice(h[:])

	var s btcec.ModNScalar
	s.Set(&e)
	s.Mul(&d)
	s.Add(&k)

	var out [64]byte
	copy(out[:32], rX)
	sBytes := s.Bytes()
	copy(out[32:], sBytes[:])
	return out
}

// TestAttestationScalarMatchesAdaptorPoint is the identity the whole adaptor
// scheme rests on: the s-value of a published attestation is the discrete
// log of the adaptor point computed from the announcement alone.
func TestAttestationScalarMatchesAdaptorPoint(t *testing.T) {
	oraclePriv := fixedKey(t, 0x21)
	noncePriv := fixedKey(t, 0x22)

	for _, value := range []string{"A", "B", "1", "0", "some-outcome"} {
		point := AdaptorPoint(noncePriv.PubKey(), oraclePriv.PubKey(), value)

		sig := attestValue(oraclePriv, noncePriv, value)
		var s btcec.ModNScalar
		overflow := s.SetByteSlice(sig[32:])
		require.False(t, overflow)

		var sG btcec.JacobianPoint
		btcec.ScalarBaseMultNonConst(&s, &sG)
		sG.ToAffine()

		var pointJ btcec.JacobianPoint
		point.AsJacobian(&pointJ)
		pointJ.ToAffine()

		require.True(t, sG.X.Equals(&pointJ.X), "s*G != adaptor point for %q", value)
		require.True(t, sG.Y.Equals(&pointJ.Y), "s*G != adaptor point for %q", value)
	}
}

func TestValidateAttestation(t *testing.T) {
	oraclePriv := fixedKey(t, 0x23)
	noncePriv := fixedKey(t, 0x24)

	ann := &dlc.Announcement{
		PublicKey: oraclePriv.PubKey(),
		Nonces:    []*btcec.PublicKey{noncePriv.PubKey()},
		EventID:   "event",
	}
	att := &Attestation{
		EventID:    "event",
		Signatures: [][64]byte{attestValue(oraclePriv, noncePriv, "yes")},
		Values:     []string{"yes"},
	}
	require.NoError(t, ValidateAttestation(ann, att))

	// Value doesn't match what was signed.
	bad := &Attestation{
		EventID:    "event",
		Signatures: att.Signatures,
		Values:     []string{"no"},
	}
	require.Error(t, ValidateAttestation(ann, bad))

	// Signature under a nonce the announcement never committed to.
	otherNonce := fixedKey(t, 0x25)
	foreign := &Attestation{
		EventID:    "event",
		Signatures: [][64]byte{attestValue(oraclePriv, otherNonce, "yes")},
		Values:     []string{"yes"},
	}
	require.Error(t, ValidateAttestation(ann, foreign))

	// Count mismatch against the announced nonce list.
	short := &Attestation{EventID: "event"}
	require.Error(t, ValidateAttestation(ann, short))
}
