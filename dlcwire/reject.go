package dlcwire

import (
	"io"

	"github.com/dlcd-io/dlcd/dlc"
)

// Reject tells the counterparty that their Offer, Accept, or channel
// handshake message was declined, per spec.md §4.6's FailedAccept/Rejected
// states: every terminal state retains enough information to diagnose.
type Reject struct {
	TempContractID dlc.TempContractID
	Code           uint16
	Reason         string
}

func (r *Reject) MsgType() MessageType { return MsgReject }

func (r *Reject) Encode(w io.Writer) error {
	if err := write32(w, r.TempContractID); err != nil {
		return err
	}
	if err := writeUint16(w, r.Code); err != nil {
		return err
	}
	return writeString(w, r.Reason)
}

func (r *Reject) Decode(rd io.Reader) error {
	var err error
	if r.TempContractID, err = read32(rd); err != nil {
		return err
	}
	if r.Code, err = readUint16(rd); err != nil {
		return err
	}
	r.Reason, err = readString(rd, 1024)
	return err
}
