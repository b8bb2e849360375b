package dlcwire

import (
	"encoding/binary"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/dlcd-io/dlcd/dlcerrors"
)

// The primitives in this file are the compact-size/length-prefixed field
// encodings spec.md §4.5 calls for, factored out so every message type
// below reads/writes them identically.

func writeUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func writeFixed(w io.Writer, b []byte) error {
	_, err := w.Write(b)
	return err
}

func readFixed(r io.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// writeVarBytes writes a 2-byte big-endian length prefix followed by data,
// the length-prefixed form spec.md's wire section calls for (variable
// payloads here are all well under 64KB per field).
func writeVarBytes(w io.Writer, data []byte) error {
	if err := writeUint16(w, uint16(len(data))); err != nil {
		return err
	}
	return writeFixed(w, data)
}

func readVarBytes(r io.Reader, max int) ([]byte, error) {
	n, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	if int(n) > max {
		return nil, dlcerrors.New(dlcerrors.KindTransportError, "var bytes field exceeds maximum length")
	}
	return readFixed(r, int(n))
}

func writeString(w io.Writer, s string) error {
	return writeVarBytes(w, []byte(s))
}

func readString(r io.Reader, max int) (string, error) {
	b, err := readVarBytes(r, max)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writePubKey(w io.Writer, pub *btcec.PublicKey) error {
	return writeFixed(w, pub.SerializeCompressed())
}

func readPubKey(r io.Reader) (*btcec.PublicKey, error) {
	b, err := readFixed(r, 33)
	if err != nil {
		return nil, err
	}
	pub, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindInvalidParameter, err)
	}
	return pub, nil
}

func write32(w io.Writer, b [32]byte) error {
	return writeFixed(w, b[:])
}

func read32(r io.Reader) ([32]byte, error) {
	var out [32]byte
	b, err := readFixed(r, 32)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}
