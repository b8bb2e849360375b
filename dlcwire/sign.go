package dlcwire

import (
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/dlcd-io/dlcd/dlc"
	"github.com/dlcd-io/dlcd/dlcerrors"
)

// Sign is the offerer's final handshake message: its own adaptor signature
// set and refund signature, plus the funding transaction's inputs'
// signatures, so the accept party can finish and broadcast funding.
type Sign struct {
	TempContractID dlc.TempContractID
	FundingTxid    chainhash.Hash

	CetAdaptorSigs map[string]dlc.AdaptorSignature
	RefundSig      []byte

	// FundingWitnesses is one witness stack per offerer funding input, in
	// the same order as the Offer's FundingInputs.
	FundingWitnesses [][]byte
}

func (s *Sign) MsgType() MessageType { return MsgSign }

func (s *Sign) Encode(w io.Writer) error {
	if err := write32(w, s.TempContractID); err != nil {
		return err
	}
	if err := write32(w, s.FundingTxid); err != nil {
		return err
	}
	if err := writeAdaptorSigSet(w, s.CetAdaptorSigs); err != nil {
		return err
	}
	if err := writeVarBytes(w, s.RefundSig); err != nil {
		return err
	}
	if err := writeUint16(w, uint16(len(s.FundingWitnesses))); err != nil {
		return err
	}
	for _, witness := range s.FundingWitnesses {
		if err := writeVarBytes(w, witness); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sign) Decode(r io.Reader) error {
	var err error
	if s.TempContractID, err = read32(r); err != nil {
		return err
	}
	var hash [32]byte
	if hash, err = read32(r); err != nil {
		return err
	}
	s.FundingTxid = chainhash.Hash(hash)
	if s.CetAdaptorSigs, err = readAdaptorSigSet(r); err != nil {
		return err
	}
	if s.RefundSig, err = readVarBytes(r, maxScriptLen); err != nil {
		return err
	}
	n, err := readUint16(r)
	if err != nil {
		return err
	}
	if int(n) > maxFundingInputs {
		return dlcerrors.New(dlcerrors.KindTransportError, "too many funding witnesses")
	}
	s.FundingWitnesses = make([][]byte, n)
	for i := range s.FundingWitnesses {
		if s.FundingWitnesses[i], err = readVarBytes(r, maxScriptLen); err != nil {
			return err
		}
	}
	return nil
}
