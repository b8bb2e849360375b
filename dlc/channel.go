package dlc

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// ChannelState is the tagged-sum state of a DLCChannel, per spec §3.
type ChannelState uint8

const (
	ChannelOffered ChannelState = iota
	ChannelAccepted
	ChannelSigned
	ChannelEstablished
	ChannelSettledOffered
	ChannelSettledAccepted
	ChannelSettledConfirmed
	ChannelSettled
	ChannelRenewOffered
	ChannelRenewAccepted
	ChannelRenewConfirmed
	ChannelRenewed
	ChannelClosedCollaborative
	ChannelClosedUnilateral
	ChannelClosedPunished
)

func (s ChannelState) String() string {
	switch s {
	case ChannelOffered:
		return "Offered"
	case ChannelAccepted:
		return "Accepted"
	case ChannelSigned:
		return "Signed"
	case ChannelEstablished:
		return "Established"
	case ChannelSettledOffered:
		return "SettledOffered"
	case ChannelSettledAccepted:
		return "SettledAccepted"
	case ChannelSettledConfirmed:
		return "SettledConfirmed"
	case ChannelSettled:
		return "Settled"
	case ChannelRenewOffered:
		return "RenewOffered"
	case ChannelRenewAccepted:
		return "RenewAccepted"
	case ChannelRenewConfirmed:
		return "RenewConfirmed"
	case ChannelRenewed:
		return "Renewed"
	case ChannelClosedCollaborative:
		return "ClosedCollaborative"
	case ChannelClosedUnilateral:
		return "ClosedUnilateral"
	case ChannelClosedPunished:
		return "ClosedPunished"
	default:
		return "Unknown"
	}
}

// RevocationSecret is one revealed per-update secret, keyed by the update
// index it revokes. Derivation and compact storage live in the revocation
// package; this is the bare value as handed to/received from a peer.
type RevocationSecret [32]byte

// PublishBase is the per-party, per-update tweaked point used as one leaf of
// the buffer/settlement transaction's penalty-capable output script. See
// DESIGN.md's open-question decision: a fixed point tweaked by the
// per-update revocation secret.
type PublishBase struct {
	UpdateIndex uint64
	Point       *btcec.PublicKey
}

// DLCChannel is the tagged sum described in spec §3: a standing 2-of-2
// relationship that can be updated (settled to a new collateral split,
// renewed to a new sub-contract, or closed) without re-funding on-chain
// each time, via a buffer transaction and revocable per-update state.
type DLCChannel struct {
	ID ChannelID

	OfferTempID  TempContractID
	AcceptTempID TempContractID

	CounterpartyPubKey *btcec.PublicKey
	IsOfferer          bool

	State ChannelState

	// FundingTx funds the channel's 2-of-2; it is signed and broadcast
	// once, at Established.
	FundingTx      *wire.MsgTx
	FundingOutpoint wire.OutPoint

	// BufferTx spends the funding output (or the prior buffer output, on
	// renew) into an output that in turn funds either the active
	// sub-contract's CETs or a pending settle/renew.
	BufferTx *wire.MsgTx

	// SignedSubContract is the DLC contract currently live inside the
	// channel: its CETs spend from BufferTx rather than FundingTx.
	SignedSubContract *Contract

	// UpdateIndex increases by one on every renew that completes (a
	// settle leaves it unchanged);
	// it indexes the revocation-secret tree the revocation package
	// maintains for this channel.
	UpdateIndex uint64

	// OwnPublishBase/CounterpartyPublishBase are this update's output
	// points on the buffer transaction, before any revocation secret for
	// this update has been revealed.
	OwnPublishBase          PublishBase
	CounterpartyPublishBase PublishBase

	// OwnBasePubKey/CounterpartyBasePubKey are the fixed, untweaked
	// per-party keys PublishBase.Point is derived from (base +
	// secret*G); exchanged once at channel open. OwnBasePubKey is the
	// basePubKey argument SignChannelCETAdaptor/SignChannelUpdate
	// expect; CounterpartyBasePubKey lets a revealed revocation secret
	// be checked against the point it's claimed to open up.
	OwnBasePubKey          *btcec.PublicKey
	CounterpartyBasePubKey *btcec.PublicKey

	// RevokedUpdateIndex is set once the counterparty's revocation secret
	// for that update has been received and stored, permitting this
	// party to punish a broadcast of that now-stale buffer state.
	RevokedUpdateIndex *uint64

	OfferCollateral  btcutil.Amount
	AcceptCollateral btcutil.Amount

	// PendingSettleOfferPayout/PendingSettleAcceptPayout/PendingSettleOwnSig
	// hold an in-flight settle proposal's split and this party's signature
	// over it, so the settle transaction can be rebuilt deterministically
	// and matched against a counterparty signature at any step of the
	// SettledOffered/SettledAccepted/SettledConfirmed handshake without a
	// separate in-memory cache.
	PendingSettleOfferPayout  btcutil.Amount
	PendingSettleAcceptPayout btcutil.Amount
	PendingSettleOwnSig       []byte

	FailureKind string
	FailureMsg  string
}
