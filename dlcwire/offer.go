package dlcwire

import (
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"

	"github.com/dlcd-io/dlcd/dlc"
	"github.com/dlcd-io/dlcd/dlcerrors"
)

// Offer is the first message of the DLC offer/accept/sign handshake, per
// spec.md §4.1/§4.5: the offerer's full ContractInput plus its party
// params and a temp contract id the counterparty echoes back.
type Offer struct {
	TempContractID dlc.TempContractID
	ContractInfo   dlc.ContractInfo

	OfferCollateral  btcutil.Amount
	AcceptCollateral btcutil.Amount
	FeeRateSatPerVb  btcutil.Amount
	CetLockTime      uint32
	RefundLockTime   uint32

	FundingPubKey *btcec.PublicKey
	ChangeScript  []byte
	PayoutScript  []byte
	FundingInputs []dlc.FundingInput

	ChangeSerialID uint64
	PayoutSerialID uint64

	Extension *ExtensionStream
}

func (o *Offer) MsgType() MessageType { return MsgOffer }

func (o *Offer) Encode(w io.Writer) error {
	if err := write32(w, o.TempContractID); err != nil {
		return err
	}
	if err := writeContractInfo(w, &o.ContractInfo); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(o.OfferCollateral)); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(o.AcceptCollateral)); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(o.FeeRateSatPerVb)); err != nil {
		return err
	}
	if err := writeUint32(w, o.CetLockTime); err != nil {
		return err
	}
	if err := writeUint32(w, o.RefundLockTime); err != nil {
		return err
	}
	if err := writePubKey(w, o.FundingPubKey); err != nil {
		return err
	}
	if err := writeVarBytes(w, o.ChangeScript); err != nil {
		return err
	}
	if err := writeVarBytes(w, o.PayoutScript); err != nil {
		return err
	}
	if err := writeUint16(w, uint16(len(o.FundingInputs))); err != nil {
		return err
	}
	for i := range o.FundingInputs {
		if err := writeFundingInput(w, &o.FundingInputs[i]); err != nil {
			return err
		}
	}
	if err := writeUint64(w, o.ChangeSerialID); err != nil {
		return err
	}
	if err := writeUint64(w, o.PayoutSerialID); err != nil {
		return err
	}
	return o.Extension.encode(w)
}

func (o *Offer) Decode(r io.Reader) error {
	var err error
	if o.TempContractID, err = read32(r); err != nil {
		return err
	}
	if o.ContractInfo, err = readContractInfo(r); err != nil {
		return err
	}
	v, err := readUint64(r)
	if err != nil {
		return err
	}
	o.OfferCollateral = btcutil.Amount(v)
	if v, err = readUint64(r); err != nil {
		return err
	}
	o.AcceptCollateral = btcutil.Amount(v)
	if v, err = readUint64(r); err != nil {
		return err
	}
	o.FeeRateSatPerVb = btcutil.Amount(v)
	if o.CetLockTime, err = readUint32(r); err != nil {
		return err
	}
	if o.RefundLockTime, err = readUint32(r); err != nil {
		return err
	}
	if o.FundingPubKey, err = readPubKey(r); err != nil {
		return err
	}
	if o.ChangeScript, err = readVarBytes(r, maxScriptLen); err != nil {
		return err
	}
	if o.PayoutScript, err = readVarBytes(r, maxScriptLen); err != nil {
		return err
	}
	n, err := readUint16(r)
	if err != nil {
		return err
	}
	if int(n) > maxFundingInputs {
		return dlcerrors.New(dlcerrors.KindTransportError, "too many funding inputs")
	}
	o.FundingInputs = make([]dlc.FundingInput, n)
	for i := range o.FundingInputs {
		if o.FundingInputs[i], err = readFundingInput(r); err != nil {
			return err
		}
	}
	if o.ChangeSerialID, err = readUint64(r); err != nil {
		return err
	}
	if o.PayoutSerialID, err = readUint64(r); err != nil {
		return err
	}
	o.Extension, err = decodeExtensionStream(r)
	return err
}
