package dlcwire

import (
	"io"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/dlcd-io/dlcd/dlc"
)

// Accept is the counterparty's response to an Offer: its own party params
// plus its adaptor signature over every CET and its refund signature,
// computed deterministically from the Offer's ContractInfo per spec.md
// §4.1.
type Accept struct {
	TempContractID dlc.TempContractID

	FundingPubKey  *btcec.PublicKey
	ChangeScript   []byte
	PayoutScript   []byte
	FundingInputs  []dlc.FundingInput
	ChangeSerialID uint64
	PayoutSerialID uint64

	CetAdaptorSigs map[string]dlc.AdaptorSignature
	RefundSig      []byte
}

func (a *Accept) MsgType() MessageType { return MsgAccept }

func (a *Accept) Encode(w io.Writer) error {
	if err := write32(w, a.TempContractID); err != nil {
		return err
	}
	if err := writePubKey(w, a.FundingPubKey); err != nil {
		return err
	}
	if err := writeVarBytes(w, a.ChangeScript); err != nil {
		return err
	}
	if err := writeVarBytes(w, a.PayoutScript); err != nil {
		return err
	}
	if err := writeUint16(w, uint16(len(a.FundingInputs))); err != nil {
		return err
	}
	for i := range a.FundingInputs {
		if err := writeFundingInput(w, &a.FundingInputs[i]); err != nil {
			return err
		}
	}
	if err := writeUint64(w, a.ChangeSerialID); err != nil {
		return err
	}
	if err := writeUint64(w, a.PayoutSerialID); err != nil {
		return err
	}
	if err := writeAdaptorSigSet(w, a.CetAdaptorSigs); err != nil {
		return err
	}
	return writeVarBytes(w, a.RefundSig)
}

func (a *Accept) Decode(r io.Reader) error {
	var err error
	if a.TempContractID, err = read32(r); err != nil {
		return err
	}
	if a.FundingPubKey, err = readPubKey(r); err != nil {
		return err
	}
	if a.ChangeScript, err = readVarBytes(r, maxScriptLen); err != nil {
		return err
	}
	if a.PayoutScript, err = readVarBytes(r, maxScriptLen); err != nil {
		return err
	}
	n, err := readUint16(r)
	if err != nil {
		return err
	}
	a.FundingInputs = make([]dlc.FundingInput, n)
	for i := range a.FundingInputs {
		if a.FundingInputs[i], err = readFundingInput(r); err != nil {
			return err
		}
	}
	if a.ChangeSerialID, err = readUint64(r); err != nil {
		return err
	}
	if a.PayoutSerialID, err = readUint64(r); err != nil {
		return err
	}
	if a.CetAdaptorSigs, err = readAdaptorSigSet(r); err != nil {
		return err
	}
	a.RefundSig, err = readVarBytes(r, maxScriptLen)
	return err
}
