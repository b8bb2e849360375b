package dlcwire

import (
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"

	"github.com/dlcd-io/dlcd/dlc"
)

// The messages in this file implement the DLC channel extension spec.md §5
// describes: an open handshake (OfferChannel/AcceptChannel/SignChannel)
// establishing a buffer transaction two parties can repeatedly re-point at
// new sub-contracts (Settle*) or new collateral splits (Renew*) without
// closing to the chain, plus a cooperative close. Grounded on the teacher's
// funding-manager message set (SingleFundingRequest/Response/SignComplete),
// generalized from a single-open Lightning channel's handshake to dlcd's
// repeated settle/renew cycle.

// OfferChannel opens a DLC channel: like Offer, but carries a channel
// temporary id instead of a contract temporary id, since the funding
// transaction here opens a reusable buffer rather than a single CET set.
type OfferChannel struct {
	ChannelTempID  dlc.TempContractID
	ContractOffer  Offer
	PublishBase    *btcec.PublicKey
}

func (m *OfferChannel) MsgType() MessageType { return MsgOfferChannel }

func (m *OfferChannel) Encode(w io.Writer) error {
	if err := write32(w, m.ChannelTempID); err != nil {
		return err
	}
	if err := m.ContractOffer.Encode(w); err != nil {
		return err
	}
	return writePubKey(w, m.PublishBase)
}

func (m *OfferChannel) Decode(r io.Reader) error {
	var err error
	if m.ChannelTempID, err = read32(r); err != nil {
		return err
	}
	if err := m.ContractOffer.Decode(r); err != nil {
		return err
	}
	m.PublishBase, err = readPubKey(r)
	return err
}

// AcceptChannel is the counterparty's response, mirroring Accept plus its
// own publish base point for the revocation scheme (see the revocation
// package).
type AcceptChannel struct {
	ChannelTempID  dlc.TempContractID
	ContractAccept Accept
	PublishBase    *btcec.PublicKey

	// AcceptTempID is a second random id the accepting party mints
	// alongside ChannelTempID, so that DeriveChannelID can XOR both
	// parties' temp ids with the funding txid the same way
	// DeriveContractID XORs a single shared one for an ordinary
	// contract; a channel has two independent parties minting state
	// before either sees the other's, so one shared id alone would
	// collapse the derivation to depend on the funding txid only.
	AcceptTempID dlc.TempContractID
}

func (m *AcceptChannel) MsgType() MessageType { return MsgAcceptChannel }

func (m *AcceptChannel) Encode(w io.Writer) error {
	if err := write32(w, m.ChannelTempID); err != nil {
		return err
	}
	if err := m.ContractAccept.Encode(w); err != nil {
		return err
	}
	if err := writePubKey(w, m.PublishBase); err != nil {
		return err
	}
	return write32(w, m.AcceptTempID)
}

func (m *AcceptChannel) Decode(r io.Reader) error {
	var err error
	if m.ChannelTempID, err = read32(r); err != nil {
		return err
	}
	if err := m.ContractAccept.Decode(r); err != nil {
		return err
	}
	if m.PublishBase, err = readPubKey(r); err != nil {
		return err
	}
	m.AcceptTempID, err = read32(r)
	return err
}

// SignChannel finalizes channel open, mirroring Sign.
type SignChannel struct {
	ChannelTempID dlc.TempContractID
	ContractSign  Sign
}

func (m *SignChannel) MsgType() MessageType { return MsgSignChannel }

func (m *SignChannel) Encode(w io.Writer) error {
	if err := write32(w, m.ChannelTempID); err != nil {
		return err
	}
	return m.ContractSign.Encode(w)
}

func (m *SignChannel) Decode(r io.Reader) error {
	var err error
	if m.ChannelTempID, err = read32(r); err != nil {
		return err
	}
	return m.ContractSign.Decode(r)
}

// settleHeader is the common prefix of every Settle*/Renew* message: the
// channel id and the update index the message proposes or confirms.
type settleHeader struct {
	ChannelID   dlc.ChannelID
	UpdateIndex uint64
}

func (h *settleHeader) encode(w io.Writer) error {
	if err := write32(w, h.ChannelID); err != nil {
		return err
	}
	return writeUint64(w, h.UpdateIndex)
}

func (h *settleHeader) decode(r io.Reader) error {
	var err error
	if h.ChannelID, err = read32(r); err != nil {
		return err
	}
	h.UpdateIndex, err = readUint64(r)
	return err
}

// SettleOffer proposes collapsing the channel's current sub-contract to a
// final, immediate payout split spending directly from the live buffer
// output, per spec.md §5's settle operation: a shortcut past waiting on
// oracle attestation, not a new update (no new publish point changes
// hands; both sides already hold the current update's keys).
type SettleOffer struct {
	settleHeader
	OfferPayout  btcutil.Amount
	AcceptPayout btcutil.Amount
}

func (m *SettleOffer) MsgType() MessageType { return MsgSettleOffer }

func (m *SettleOffer) Encode(w io.Writer) error {
	if err := m.settleHeader.encode(w); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(m.OfferPayout)); err != nil {
		return err
	}
	return writeUint64(w, uint64(m.AcceptPayout))
}

func (m *SettleOffer) Decode(r io.Reader) error {
	if err := m.settleHeader.decode(r); err != nil {
		return err
	}
	v, err := readUint64(r)
	if err != nil {
		return err
	}
	m.OfferPayout = btcutil.Amount(v)
	if v, err = readUint64(r); err != nil {
		return err
	}
	m.AcceptPayout = btcutil.Amount(v)
	return nil
}

// SettleAccept carries the accepting party's signature over the proposed
// settlement transaction.
type SettleAccept struct {
	settleHeader
	SettleSig []byte
}

func (m *SettleAccept) MsgType() MessageType { return MsgSettleAccept }

func (m *SettleAccept) Encode(w io.Writer) error {
	if err := m.settleHeader.encode(w); err != nil {
		return err
	}
	return writeVarBytes(w, m.SettleSig)
}

func (m *SettleAccept) Decode(r io.Reader) error {
	if err := m.settleHeader.decode(r); err != nil {
		return err
	}
	var err error
	m.SettleSig, err = readVarBytes(r, maxScriptLen)
	return err
}

// SettleConfirm carries the offerer's signature back, and its revocation
// secret for the buffer state the settlement supersedes.
type SettleConfirm struct {
	settleHeader
	SettleSig        []byte
	RevocationSecret revocation32
}

func (m *SettleConfirm) MsgType() MessageType { return MsgSettleConfirm }

func (m *SettleConfirm) Encode(w io.Writer) error {
	if err := m.settleHeader.encode(w); err != nil {
		return err
	}
	if err := writeVarBytes(w, m.SettleSig); err != nil {
		return err
	}
	return write32(w, m.RevocationSecret)
}

func (m *SettleConfirm) Decode(r io.Reader) error {
	if err := m.settleHeader.decode(r); err != nil {
		return err
	}
	var err error
	if m.SettleSig, err = readVarBytes(r, maxScriptLen); err != nil {
		return err
	}
	m.RevocationSecret, err = read32(r)
	return err
}

// SettleFinalize is the accepting party's reciprocal revocation of its own
// prior buffer state, completing the settle handshake.
type SettleFinalize struct {
	settleHeader
	RevocationSecret revocation32
}

func (m *SettleFinalize) MsgType() MessageType { return MsgSettleFinalize }

func (m *SettleFinalize) Encode(w io.Writer) error {
	if err := m.settleHeader.encode(w); err != nil {
		return err
	}
	return write32(w, m.RevocationSecret)
}

func (m *SettleFinalize) Decode(r io.Reader) error {
	if err := m.settleHeader.decode(r); err != nil {
		return err
	}
	var err error
	m.RevocationSecret, err = read32(r)
	return err
}

// RenewOffer proposes replacing the channel's sub-contract with a new one
// (new oracle event, new collateral split) while keeping the same buffer
// transaction, per spec.md §5's renew operation. OfferPublishPoint plays
// the same role as SettleOffer's: the offerer's point for the update index
// this renewal will occupy.
type RenewOffer struct {
	settleHeader
	ContractInfo      dlc.ContractInfo
	OfferCollateral   btcutil.Amount
	AcceptCollateral  btcutil.Amount
	CetLockTime       uint32
	OfferPublishPoint *btcec.PublicKey
}

func (m *RenewOffer) MsgType() MessageType { return MsgRenewOffer }

func (m *RenewOffer) Encode(w io.Writer) error {
	if err := m.settleHeader.encode(w); err != nil {
		return err
	}
	if err := writeContractInfo(w, &m.ContractInfo); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(m.OfferCollateral)); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(m.AcceptCollateral)); err != nil {
		return err
	}
	if err := writeUint32(w, m.CetLockTime); err != nil {
		return err
	}
	return writePubKey(w, m.OfferPublishPoint)
}

func (m *RenewOffer) Decode(r io.Reader) error {
	if err := m.settleHeader.decode(r); err != nil {
		return err
	}
	var err error
	if m.ContractInfo, err = readContractInfo(r); err != nil {
		return err
	}
	v, err := readUint64(r)
	if err != nil {
		return err
	}
	m.OfferCollateral = btcutil.Amount(v)
	if v, err = readUint64(r); err != nil {
		return err
	}
	m.AcceptCollateral = btcutil.Amount(v)
	if m.CetLockTime, err = readUint32(r); err != nil {
		return err
	}
	m.OfferPublishPoint, err = readPubKey(r)
	return err
}

// RenewAccept carries the new sub-contract's adaptor signature set from the
// accepting party, and its publish point for the new update index.
type RenewAccept struct {
	settleHeader
	CetAdaptorSigs      map[string]dlc.AdaptorSignature
	AcceptPublishPoint  *btcec.PublicKey
}

func (m *RenewAccept) MsgType() MessageType { return MsgRenewAccept }

func (m *RenewAccept) Encode(w io.Writer) error {
	if err := m.settleHeader.encode(w); err != nil {
		return err
	}
	if err := writeAdaptorSigSet(w, m.CetAdaptorSigs); err != nil {
		return err
	}
	return writePubKey(w, m.AcceptPublishPoint)
}

func (m *RenewAccept) Decode(r io.Reader) error {
	if err := m.settleHeader.decode(r); err != nil {
		return err
	}
	var err error
	if m.CetAdaptorSigs, err = readAdaptorSigSet(r); err != nil {
		return err
	}
	m.AcceptPublishPoint, err = readPubKey(r)
	return err
}

// RenewConfirm carries the offerer's adaptor signature set back.
type RenewConfirm struct {
	settleHeader
	CetAdaptorSigs map[string]dlc.AdaptorSignature
}

func (m *RenewConfirm) MsgType() MessageType { return MsgRenewConfirm }

func (m *RenewConfirm) Encode(w io.Writer) error {
	if err := m.settleHeader.encode(w); err != nil {
		return err
	}
	return writeAdaptorSigSet(w, m.CetAdaptorSigs)
}

func (m *RenewConfirm) Decode(r io.Reader) error {
	if err := m.settleHeader.decode(r); err != nil {
		return err
	}
	var err error
	m.CetAdaptorSigs, err = readAdaptorSigSet(r)
	return err
}

// RenewFinalize completes the renew handshake from the accepting side.
type RenewFinalize struct {
	settleHeader
}

func (m *RenewFinalize) MsgType() MessageType { return MsgRenewFinalize }

func (m *RenewFinalize) Encode(w io.Writer) error { return m.settleHeader.encode(w) }
func (m *RenewFinalize) Decode(r io.Reader) error { return m.settleHeader.decode(r) }

// RenewRevoke carries both parties' revocation of the buffer state the
// renew just superseded, exchanged after RenewFinalize.
type RenewRevoke struct {
	settleHeader
	RevocationSecret revocation32
}

func (m *RenewRevoke) MsgType() MessageType { return MsgRenewRevoke }

func (m *RenewRevoke) Encode(w io.Writer) error {
	if err := m.settleHeader.encode(w); err != nil {
		return err
	}
	return write32(w, m.RevocationSecret)
}

func (m *RenewRevoke) Decode(r io.Reader) error {
	if err := m.settleHeader.decode(r); err != nil {
		return err
	}
	var err error
	m.RevocationSecret, err = read32(r)
	return err
}

// CollaborativeCloseOffer proposes closing the channel to the chain at a
// given final split, skipping the buffer transaction entirely.
type CollaborativeCloseOffer struct {
	settleHeader
	OfferPayout  btcutil.Amount
	AcceptPayout btcutil.Amount
	CloseSig     []byte
}

func (m *CollaborativeCloseOffer) MsgType() MessageType { return MsgCollaborativeCloseOffer }

func (m *CollaborativeCloseOffer) Encode(w io.Writer) error {
	if err := m.settleHeader.encode(w); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(m.OfferPayout)); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(m.AcceptPayout)); err != nil {
		return err
	}
	return writeVarBytes(w, m.CloseSig)
}

func (m *CollaborativeCloseOffer) Decode(r io.Reader) error {
	if err := m.settleHeader.decode(r); err != nil {
		return err
	}
	v, err := readUint64(r)
	if err != nil {
		return err
	}
	m.OfferPayout = btcutil.Amount(v)
	if v, err = readUint64(r); err != nil {
		return err
	}
	m.AcceptPayout = btcutil.Amount(v)
	m.CloseSig, err = readVarBytes(r, maxScriptLen)
	return err
}

// revocation32 avoids an import cycle with the revocation package (which
// itself has no reason to depend on the wire format): a bare 32-byte
// secret, the same shape as revocation.RevocationSecret.
type revocation32 = [32]byte
