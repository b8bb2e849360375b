package adaptor

import (
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T, seed byte) *btcec.PrivateKey {
	t.Helper()
	var b [32]byte
	for i := range b {
		b[i] = seed
	}
	priv, _ := btcec.PrivKeyFromBytes(b[:])
	return priv
}

// TestPreSignAdaptVerify walks enough distinct messages that both parities
// of R' occur, and checks the full lifecycle each time: the pre-signature
// verifies against the adaptor point, adapting it with the point's discrete
// log yields a valid BIP-340 signature, and the scalar is recoverable again
// from the pair.
func TestPreSignAdaptVerify(t *testing.T) {
	signKey := testKey(t, 0x01)
	oracleScalar := testKey(t, 0x02)
	adaptorPoint := oracleScalar.PubKey()

	sawParity := [2]bool{}
	for i := byte(0); i < 16; i++ {
		msg := sha256.Sum256([]byte{0xd1, i})

		sig, err := PreSign(signKey, msg, adaptorPoint)
		require.NoError(t, err)
		sawParity[sig.Parity] = true

		require.NoError(t, Verify(sig, signKey.PubKey(), msg, adaptorPoint))

		final := Adapt(sig, &oracleScalar.Key)
		parsed, err := schnorr.ParseSignature(final[:])
		require.NoError(t, err)
		require.True(t, parsed.Verify(msg[:], signKey.PubKey()))

		extracted, err := Extract(sig, final)
		require.NoError(t, err)
		require.Equal(t, oracleScalar.Key.Bytes(), extracted.Bytes())
	}
	require.True(t, sawParity[0])
	require.True(t, sawParity[1])
}

func TestVerifyRejectsWrongAdaptorPoint(t *testing.T) {
	signKey := testKey(t, 0x03)
	msg := sha256.Sum256([]byte("cet sighash"))

	sig, err := PreSign(signKey, msg, testKey(t, 0x04).PubKey())
	require.NoError(t, err)

	err = Verify(sig, signKey.PubKey(), msg, testKey(t, 0x05).PubKey())
	require.Error(t, err)
}

func TestVerifyRejectsTamperedScalar(t *testing.T) {
	signKey := testKey(t, 0x06)
	oracleScalar := testKey(t, 0x07)
	msg := sha256.Sum256([]byte("cet sighash"))

	sig, err := PreSign(signKey, msg, oracleScalar.PubKey())
	require.NoError(t, err)

	sig.SHat[31] ^= 0x01
	require.Error(t, Verify(sig, signKey.PubKey(), msg, oracleScalar.PubKey()))
}

func TestExtractRejectsForeignSignature(t *testing.T) {
	signKey := testKey(t, 0x08)
	oracleScalar := testKey(t, 0x09)
	msg := sha256.Sum256([]byte("cet sighash"))

	sig, err := PreSign(signKey, msg, oracleScalar.PubKey())
	require.NoError(t, err)

	// A final signature with a different nonce can't have come from this
	// pre-signature.
	var foreign [64]byte
	foreign[0] = 0xff
	_, err = Extract(sig, foreign)
	require.Error(t, err)
}

func TestSerializeParseRoundTrip(t *testing.T) {
	signKey := testKey(t, 0x0a)
	msg := sha256.Sum256([]byte("cet sighash"))

	sig, err := PreSign(signKey, msg, testKey(t, 0x0b).PubKey())
	require.NoError(t, err)

	got := Parse(sig.Serialize())
	require.Equal(t, sig, got)
}
