package transport

import (
	"bytes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"net"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/dlcd-io/dlcd/dlcerrors"
)

// maxFramePlaintext bounds how much of a pending write is sealed into one
// encrypted frame; the two-byte length prefix must also cover the AEAD tag.
const maxFramePlaintext = 60000

// sessionConn wraps a peer connection in authenticated encryption: every
// write is sealed into a length-prefixed ChaCha20-Poly1305 frame under keys
// derived from the static-static ECDH of the two node identity keys. Both
// directions use distinct keys (assigned by lexicographic key order, so
// both ends agree without negotiation) and a per-direction frame counter as
// the nonce. This stands in for the brontide handshake the teacher's
// peer.go ran before admitting a connection, scaled down to the two-party,
// known-counterparty setting a DLC negotiation starts from.
type sessionConn struct {
	net.Conn

	sendAEAD cipher.AEAD
	recvAEAD cipher.AEAD

	sendNonce uint64
	recvNonce uint64

	readBuf bytes.Reader
}

// newSessionConn derives the two directional keys from
// ECDH(localKey, remotePub) via HKDF-SHA256 and wraps conn.
func newSessionConn(conn net.Conn, localKey *btcec.PrivateKey, remotePub *btcec.PublicKey) (*sessionConn, error) {
	// btcec/v2's key types alias the dcrd package's, which carries the
	// ECDH primitive itself.
	ikm := secp256k1.GenerateSharedSecret(localKey, remotePub)

	r := hkdf.New(sha256.New, ikm, nil, []byte("dlcd frame keys"))
	var keyA, keyB [32]byte
	if _, err := io.ReadFull(r, keyA[:]); err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}
	if _, err := io.ReadFull(r, keyB[:]); err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}

	aeadA, err := chacha20poly1305.New(keyA[:])
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}
	aeadB, err := chacha20poly1305.New(keyB[:])
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}

	s := &sessionConn{Conn: conn}

	// The lexicographically lower identity key sends under keyA; its
	// counterparty sends under keyB.
	local := localKey.PubKey().SerializeCompressed()
	remote := remotePub.SerializeCompressed()
	if bytes.Compare(local, remote) < 0 {
		s.sendAEAD, s.recvAEAD = aeadA, aeadB
	} else {
		s.sendAEAD, s.recvAEAD = aeadB, aeadA
	}
	return s, nil
}

func nonceBytes(counter uint64) []byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], counter)
	return nonce[:]
}

// Write seals b into one or more frames. It reports len(b) on success so
// callers see ordinary net.Conn semantics.
func (s *sessionConn) Write(b []byte) (int, error) {
	written := 0
	for len(b) > 0 {
		chunk := b
		if len(chunk) > maxFramePlaintext {
			chunk = chunk[:maxFramePlaintext]
		}

		sealed := s.sendAEAD.Seal(nil, nonceBytes(s.sendNonce), chunk, nil)
		s.sendNonce++

		var hdr [2]byte
		binary.BigEndian.PutUint16(hdr[:], uint16(len(sealed)))
		if _, err := s.Conn.Write(hdr[:]); err != nil {
			return written, err
		}
		if _, err := s.Conn.Write(sealed); err != nil {
			return written, err
		}

		written += len(chunk)
		b = b[len(chunk):]
	}
	return written, nil
}

// Read returns plaintext from the most recently opened frame, pulling and
// decrypting the next frame off the wire once it's drained.
func (s *sessionConn) Read(b []byte) (int, error) {
	if s.readBuf.Len() == 0 {
		var hdr [2]byte
		if _, err := io.ReadFull(s.Conn, hdr[:]); err != nil {
			return 0, err
		}
		sealed := make([]byte, binary.BigEndian.Uint16(hdr[:]))
		if _, err := io.ReadFull(s.Conn, sealed); err != nil {
			return 0, err
		}

		plain, err := s.recvAEAD.Open(nil, nonceBytes(s.recvNonce), sealed, nil)
		if err != nil {
			return 0, dlcerrors.Wrap(dlcerrors.KindTransportError, err)
		}
		s.recvNonce++
		s.readBuf.Reset(plain)
	}
	return s.readBuf.Read(b)
}
