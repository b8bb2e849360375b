// Package dlcwire implements the peer wire protocol spec.md §4.5 describes:
// big-endian length-prefixed messages with a two-byte type tag and TLV
// extensions for optional fields, plus fragmentation/reassembly of
// oversized payloads (a numeric contract's adaptor-signature set can
// exceed a single frame).
//
// Grounded on the teacher's lnwire/message.go: the same
// type-tag-then-dispatch WriteMessage/ReadMessage shape, generalized from
// the Lightning message registry to the DLC one and with an added TLV
// extension stream (lnd/tlv) and fragmentation layer neither the Lightning
// base protocol nor this teacher file needed.
package dlcwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dlcd-io/dlcd/dlcerrors"
)

// MaxMessagePayload bounds a single (unfragmented) message, matching the
// teacher's constant.
const MaxMessagePayload = 65535

// MessageType is the big-endian 16-bit type tag spec.md's wire format
// section names, taken from the DLC specification's own message type
// registry (Offer = 42778 and contiguous neighbors).
type MessageType uint16

const (
	MsgOffer MessageType = 42778
	MsgAccept MessageType = 42780
	MsgSign MessageType = 42782

	MsgOfferChannel             MessageType = 42784
	MsgAcceptChannel            MessageType = 42786
	MsgSignChannel              MessageType = 42788
	MsgSettleOffer              MessageType = 42790
	MsgSettleAccept             MessageType = 42792
	MsgSettleConfirm            MessageType = 42794
	MsgSettleFinalize           MessageType = 42796
	MsgRenewOffer               MessageType = 42798
	MsgRenewAccept              MessageType = 42800
	MsgRenewConfirm             MessageType = 42802
	MsgRenewFinalize            MessageType = 42804
	MsgRenewRevoke              MessageType = 42806
	MsgCollaborativeCloseOffer  MessageType = 42808
	MsgReject                   MessageType = 42810

	// MsgFragment carries one chunk of a larger, fragmented message; see
	// fragment.go.
	MsgFragment MessageType = 42812
)

// UnknownMessageError is returned by ReadMessage for an unrecognized type
// tag, mirroring the teacher's UnknownMessage.
type UnknownMessageError struct {
	Type MessageType
}

func (e *UnknownMessageError) Error() string {
	return fmt.Sprintf("unable to parse message of unknown type: %d", e.Type)
}

// Message is the interface every DLC wire message implements, identical in
// shape to the teacher's Message interface.
type Message interface {
	Decode(io.Reader) error
	Encode(io.Writer) error
	MsgType() MessageType
}

func makeEmptyMessage(msgType MessageType) (Message, error) {
	switch msgType {
	case MsgOffer:
		return &Offer{}, nil
	case MsgAccept:
		return &Accept{}, nil
	case MsgSign:
		return &Sign{}, nil
	case MsgReject:
		return &Reject{}, nil
	case MsgOfferChannel:
		return &OfferChannel{}, nil
	case MsgAcceptChannel:
		return &AcceptChannel{}, nil
	case MsgSignChannel:
		return &SignChannel{}, nil
	case MsgSettleOffer:
		return &SettleOffer{}, nil
	case MsgSettleAccept:
		return &SettleAccept{}, nil
	case MsgSettleConfirm:
		return &SettleConfirm{}, nil
	case MsgSettleFinalize:
		return &SettleFinalize{}, nil
	case MsgRenewOffer:
		return &RenewOffer{}, nil
	case MsgRenewAccept:
		return &RenewAccept{}, nil
	case MsgRenewConfirm:
		return &RenewConfirm{}, nil
	case MsgRenewFinalize:
		return &RenewFinalize{}, nil
	case MsgRenewRevoke:
		return &RenewRevoke{}, nil
	case MsgCollaborativeCloseOffer:
		return &CollaborativeCloseOffer{}, nil
	case MsgFragment:
		return &Fragment{}, nil
	default:
		return nil, &UnknownMessageError{Type: msgType}
	}
}

// WriteMessage serializes msg as a length-prefixed frame: 4-byte
// big-endian length, 2-byte type tag, payload.
func WriteMessage(w io.Writer, msg Message) error {
	var bw bytes.Buffer
	if err := msg.Encode(&bw); err != nil {
		return dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}
	payload := bw.Bytes()
	if len(payload) > MaxMessagePayload {
		return dlcerrors.New(dlcerrors.KindTransportError, "message payload exceeds maximum size")
	}

	var header [6]byte
	binary.BigEndian.PutUint32(header[:4], uint32(len(payload)+2))
	binary.BigEndian.PutUint16(header[4:], uint16(msg.MsgType()))
	if _, err := w.Write(header[:]); err != nil {
		return dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}
	if _, err := w.Write(payload); err != nil {
		return dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}
	return nil
}

// ReadMessage reads one length-prefixed frame from r and decodes it into
// the concrete Message type its type tag names.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}
	frameLen := binary.BigEndian.Uint32(lenBuf[:])
	if frameLen < 2 || frameLen > MaxMessagePayload+2 {
		return nil, dlcerrors.New(dlcerrors.KindTransportError, "invalid frame length")
	}

	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}

	msgType := MessageType(binary.BigEndian.Uint16(frame[:2]))
	msg, err := makeEmptyMessage(msgType)
	if err != nil {
		return nil, err
	}
	if err := msg.Decode(bytes.NewReader(frame[2:])); err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}
	return msg, nil
}
