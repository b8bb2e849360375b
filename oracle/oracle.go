// Package oracle validates oracle announcements and attestations before
// they're trusted into a contract, and defines the Client interface the
// manager uses to fetch them — spec.md §4.2/§4.6's "oracle" collaborator.
//
// Grounded on the teacher's discovery/validation.go: reconstruct the exact
// bytes a signature claims to cover, hash them, and verify against the
// claimed public key, the same three-step shape applied here to BIP-340
// announcement/attestation signatures instead of gossip message ECDSA
// signatures.
package oracle

import (
	"bytes"
	"context"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/dlcd-io/dlcd/dlc"
	"github.com/dlcd-io/dlcd/dlcerrors"
)

// Client fetches announcements and attestations from an oracle, the
// pluggable collaborator spec.md's glossary calls "Oracle." Concrete
// implementations speak whatever transport a given oracle exposes (HTTP,
// as most public DLC oracles do); dlcd only depends on this interface.
type Client interface {
	// GetAnnouncement fetches the announcement for eventID.
	GetAnnouncement(ctx context.Context, eventID string) (*dlc.Announcement, error)

	// GetAttestation fetches the attestation for eventID, blocking (with
	// ctx) until the oracle has published one.
	GetAttestation(ctx context.Context, eventID string) (*Attestation, error)
}

// Attestation is an oracle's signed outcome revelation: one BIP-340
// signature per nonce the announcement committed to, each covering one
// digit (numeric) or the single outcome label (enumerated).
type Attestation struct {
	EventID    string
	Signatures [][64]byte
	Values     []string
}

// ValidateAnnouncement verifies the announcement's self-signature: the
// oracle's public key must have signed the serialized nonce list and event
// descriptor, matching the teacher's validateNodeAnn shape (reconstruct
// signed bytes, hash, verify).
func ValidateAnnouncement(a *dlc.Announcement, sig [64]byte) error {
	data := serializeAnnouncementData(a)
	digest := chainhash.DoubleHashB(data)

	parsedSig, err := schnorr.ParseSignature(sig[:])
	if err != nil {
		return dlcerrors.Wrap(dlcerrors.KindInvalidSignature, err)
	}
	if !parsedSig.Verify(digest, a.PublicKey) {
		return dlcerrors.New(dlcerrors.KindInvalidSignature, "announcement signature does not verify")
	}
	return nil
}

// ValidateAttestation verifies that each of attestation's signatures is a
// valid BIP-340 signature by the oracle's public key over its claimed
// digit/outcome value, using the corresponding nonce from the
// announcement.
func ValidateAttestation(a *dlc.Announcement, att *Attestation) error {
	if len(att.Signatures) != len(a.Nonces) || len(att.Values) != len(a.Nonces) {
		return dlcerrors.New(dlcerrors.KindOracleMismatch, "attestation signature count does not match announcement nonce count")
	}

	for i, sig := range att.Signatures {
		digest := chainhash.DoubleHashB([]byte(att.Values[i]))
		if err := verifySingle(a.Nonces[i], a.PublicKey, digest, sig); err != nil {
			return err
		}
	}
	return nil
}

// verifySingle checks a single BIP-340-style digit/outcome signature. The
// signature must reuse the nonce point the announcement committed to: that
// is what makes its s-value equal the discrete log of the anticipated
// adaptor point the trie leaves were encrypted toward, so a valid-looking
// signature under a fresh nonce is rejected, not just an invalid one.
func verifySingle(nonce, oraclePub *btcec.PublicKey, digest []byte, sig [64]byte) error {
	if !bytes.Equal(sig[:32], schnorr.SerializePubKey(nonce)) {
		return dlcerrors.New(dlcerrors.KindOracleMismatch, "attestation signature does not use the announced nonce")
	}
	parsedSig, err := schnorr.ParseSignature(sig[:])
	if err != nil {
		return dlcerrors.Wrap(dlcerrors.KindInvalidSignature, err)
	}
	if !parsedSig.Verify(digest, oraclePub) {
		return dlcerrors.ErrOracleParamsMismatch
	}
	return nil
}

func serializeAnnouncementData(a *dlc.Announcement) []byte {
	var buf []byte
	buf = append(buf, a.AnnouncementID[:]...)
	buf = append(buf, a.PublicKey.SerializeCompressed()...)
	for _, n := range a.Nonces {
		buf = append(buf, n.SerializeCompressed()...)
	}
	buf = append(buf, []byte(a.EventID)...)
	return buf
}
