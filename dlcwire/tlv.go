package dlcwire

import (
	"bytes"
	"io"

	"github.com/lightningnetwork/lnd/tlv"

	"github.com/dlcd-io/dlcd/dlcerrors"
)

// Extension fields let a message carry optional, forward-compatible data
// without bumping its MessageType, the same role lnwire's TLV records play
// in post-Offer-message protocol extensions. dlcd defines one of its own: a
// human-readable note a counterparty can attach to an offer.
const (
	// extTypeNote is an odd (optional) TLV type: an unrecognized note is
	// simply skipped by an older peer.
	extTypeNote tlv.Type = 1
)

// ExtensionStream is the optional-field tail appended to Offer and
// OfferChannel messages.
type ExtensionStream struct {
	Note string
}

func (e *ExtensionStream) encode(w io.Writer) error {
	if e == nil || e.Note == "" {
		return writeUint16(w, 0)
	}
	noteBytes := []byte(e.Note)
	record := tlv.MakePrimitiveRecord(extTypeNote, &noteBytes)
	stream, err := tlv.NewStream(record)
	if err != nil {
		return dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}
	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}
	return writeVarBytes(w, buf.Bytes())
}

func decodeExtensionStream(r io.Reader) (*ExtensionStream, error) {
	raw, err := readVarBytes(r, MaxMessagePayload)
	if err != nil {
		return nil, err
	}
	ext := &ExtensionStream{}
	if len(raw) == 0 {
		return ext, nil
	}

	var noteBytes []byte
	record := tlv.MakePrimitiveRecord(extTypeNote, &noteBytes)
	stream, err := tlv.NewStream(record)
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}
	parsed, err := stream.DecodeWithParsedTypes(bytes.NewReader(raw))
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}
	if _, ok := parsed[extTypeNote]; ok {
		ext.Note = string(noteBytes)
	}
	return ext, nil
}
