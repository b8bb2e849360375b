// Package dlc defines the shared data model of the core: party parameters,
// contract inputs, payout curves, contracts, and channels, as described in
// spec §3. Construction, signing, and storage of these types live in the
// sibling txbuilder, adaptor, trie, contractdb, and contractmgr packages;
// this package only carries the data and the invariants checkable without
// an external collaborator.
package dlc

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// FundingInput is one party's contribution of a single UTXO to the funding
// transaction.
type FundingInput struct {
	// Outpoint is the previous output being spent.
	Outpoint wire.OutPoint

	// PrevTx is the full previous transaction, needed for PSBT non-witness
	// UTXO verification by the wallet collaborator.
	PrevTx *wire.MsgTx

	// Value is the amount of the previous output.
	Value btcutil.Amount

	// MaxWitnessWeight bounds the weight this input's witness may occupy,
	// used for deterministic fee-splitting ahead of signing.
	MaxWitnessWeight int64

	// InputSerialID orders this input among the funding transaction's
	// inputs, deterministically, per party.
	InputSerialID uint64

	// RedeemScript is set for nested or custom-script inputs; nil for a
	// plain P2WPKH input.
	RedeemScript []byte
}

// PartyParams is everything one side contributes toward constructing the
// funding transaction, CETs, and refund transaction.
type PartyParams struct {
	// FundingPubKey is this party's public key used in the 2-of-2 funding
	// multisig script.
	FundingPubKey *btcec.PublicKey

	// ChangeScript receives any excess above collateral plus fees.
	ChangeScript []byte

	// PayoutScript receives this party's payout on every CET and on the
	// refund transaction.
	PayoutScript []byte

	// FundingInputs are this party's contributed UTXOs.
	FundingInputs []FundingInput

	// Collateral is the amount this party is putting at risk in the
	// contract (distinct from the total input value, which also covers
	// fees and may include change).
	Collateral btcutil.Amount

	// ChangeSerialID and PayoutSerialID order this party's change and
	// payout outputs among the canonical (value, script, serial id)
	// ordering used for the funding tx and every CET.
	ChangeSerialID uint64
	PayoutSerialID uint64
}

// TotalInputValue sums this party's contributed funding inputs.
func (p *PartyParams) TotalInputValue() btcutil.Amount {
	var total btcutil.Amount
	for _, in := range p.FundingInputs {
		total += in.Value
	}
	return total
}

// EnumOutcome is one labeled outcome of an enumerated contract, with the
// split of total collateral it pays to each side.
type EnumOutcome struct {
	Outcome      string
	OfferPayout  btcutil.Amount
	AcceptPayout btcutil.Amount
}

// PayoutPoint is one endpoint of a payout-function piece: an integer
// position in the outcome domain and the payout (to the offer party) at
// that position.
type PayoutPoint struct {
	X uint64
	Y btcutil.Amount
}

// PayoutPiece is a single contiguous segment of a numeric payout curve.
// When Linear is false the piece is constant and equal to Left.Y across
// [Left.X, Right.X). When Linear is true the piece linearly interpolates
// between Left and Right.
type PayoutPiece struct {
	Left   PayoutPoint
	Right  PayoutPoint
	Linear bool
}

// PayoutFunction is an ordered, contiguous set of pieces covering
// [0, maxOutcome) of a numeric contract, expressed as the payout to the
// offer party; the accept party receives TotalCollateral minus that.
type PayoutFunction struct {
	Pieces []PayoutPiece

	// RoundingInterval is the sat interval payouts are rounded to
	// (half-to-even), defaulting to 1 (no rounding).
	RoundingInterval uint64
}

// Announcement is an oracle's pre-committed event descriptor: the nonce
// points it will sign outcome digits with, one per digit for a numeric
// event, or a single nonce for an enumerated event.
type Announcement struct {
	AnnouncementID [32]byte
	PublicKey      *btcec.PublicKey
	Nonces         []*btcec.PublicKey

	// EventID names the event the announcement describes, e.g. an
	// exchange-rate ticker and settlement date; used for caching by
	// announcement id.
	EventID string
}

// OracleParams describes the oracle selection for a contract: the set of
// announcements, the threshold required to agree, and for numeric
// contracts, the digit base/count and maximum allowed disagreement.
type OracleParams struct {
	Announcements []Announcement
	Threshold     int

	// Base and Digits apply to numeric contracts: outcomes are digits in
	// this base, Digits long, so the domain is [0, Base^Digits).
	Base   uint32
	Digits uint32

	// MaxDisagreement, when non-nil, allows a multi-oracle numeric
	// contract to resolve on any combination of oracle values whose
	// pairwise difference is at most this many units, rather than
	// requiring exact digit-path agreement.
	MaxDisagreement *uint64
}

// ContractInfoKind distinguishes the two ContractInfo variants.
type ContractInfoKind uint8

const (
	ContractInfoEnumKind ContractInfoKind = iota
	ContractInfoNumericKind
)

// ContractInfoEnum is the enumerated-outcome variant of contract info.
type ContractInfoEnum struct {
	Outcomes     []EnumOutcome
	Oracle       Announcement
	OracleParams OracleParams
}

// ContractInfoNumeric is the numeric-payout-curve variant.
type ContractInfoNumeric struct {
	Function     PayoutFunction
	OracleParams OracleParams
}

// ContractInfo is a tagged sum over the two payout representations spec §3
// describes: "either *enumerated* ... or *numeric*".
type ContractInfo struct {
	Kind    ContractInfoKind
	Enum    *ContractInfoEnum
	Numeric *ContractInfoNumeric
}

// ContractInput is the offer-time description of a contract: everything
// needed to build party params, adaptor info, and the CET set, short of the
// parties' actual funding inputs and scripts (those come from the Wallet
// collaborator and are merged in separately).
type ContractInput struct {
	OfferCollateral  btcutil.Amount
	AcceptCollateral btcutil.Amount
	FeeRateSatPerVb  btcutil.Amount
	CetLockTime      uint32
	RefundLockTime   uint32
	ContractInfo     ContractInfo
}

// TotalCollateral is the sum locked into the funding output.
func (c *ContractInput) TotalCollateral() btcutil.Amount {
	return c.OfferCollateral + c.AcceptCollateral
}

// State is the tagged-sum state of a Contract, per spec §3/§4.6.
type State uint8

const (
	StateOffered State = iota
	StateAccepted
	StateSigned
	StateConfirmed
	StatePreClosed
	StateClosed
	StateRefunded
	StateFailedAccept
	StateFailedSign
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateOffered:
		return "Offered"
	case StateAccepted:
		return "Accepted"
	case StateSigned:
		return "Signed"
	case StateConfirmed:
		return "Confirmed"
	case StatePreClosed:
		return "PreClosed"
	case StateClosed:
		return "Closed"
	case StateRefunded:
		return "Refunded"
	case StateFailedAccept:
		return "FailedAccept"
	case StateFailedSign:
		return "FailedSign"
	case StateRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// CET is one Contract Execution Transaction: the transaction itself plus the
// bookkeeping needed to find and sign it again (the digit path that
// produced it, for numeric contracts, or the outcome label, for
// enumerations).
type CET struct {
	Tx *wire.MsgTx

	// OutcomePath identifies this CET: the outcome string for an
	// enumeration, or the digit-prefix path for a numeric trie leaf.
	OutcomePath string

	// AdaptorPoint is the point this CET's signature is encrypted under.
	AdaptorPoint *btcec.PublicKey
}

// AdaptorSignature is a 65-byte Schnorr adaptor pre-signature: 64 bytes of
// adaptor scalar data plus a 1-byte proof tag, per spec §6.
type AdaptorSignature [65]byte

// Contract is the tagged sum described in spec §3. Not every field is
// populated in every state; see the comment on each field for when it's
// expected to be set.
type Contract struct {
	// ID is nil until the funding transaction is built (Accepted and
	// later states).
	ID *ContractID

	TempID             TempContractID
	CounterpartyPubKey *btcec.PublicKey
	IsOfferer          bool

	OfferCollateral  btcutil.Amount
	AcceptCollateral btcutil.Amount
	FeeRateSatPerVb  btcutil.Amount
	CetLockTime      uint32
	RefundLockTime   uint32

	ContractInfo ContractInfo

	State State

	// OfferParams/AcceptParams are populated from Accepted onward.
	OfferParams  *PartyParams
	AcceptParams *PartyParams

	// FundingTx, Cets, RefundTx are populated from Accepted onward (the
	// accept party computes them deterministically on receipt of Offer).
	FundingTx *wire.MsgTx
	Cets      []CET
	RefundTx  *wire.MsgTx

	// CounterpartyAdaptorSigs/OwnAdaptorSigs map a CET's OutcomePath to
	// its adaptor signature. Populated from Accepted (own) / Signed
	// (verified counterparty sigs) onward.
	CounterpartyAdaptorSigs map[string]AdaptorSignature
	OwnAdaptorSigs          map[string]AdaptorSignature

	CounterpartyRefundSig []byte
	OwnRefundSig          []byte

	// BroadcastCET/AttestedOutcome are populated once the contract
	// reaches PreClosed.
	BroadcastCET    *wire.MsgTx
	AttestedOutcome string

	// RealizedPnL is populated once the contract reaches Closed; a
	// Refunded contract leaves it nil.
	RealizedPnL *int64

	// FailureKind/FailureMsg retain enough to diagnose a terminal state,
	// per spec §7 "every terminal or error state retains enough
	// information to diagnose".
	FailureKind string
	FailureMsg  string
}

// TotalCollateral is the sum locked into the funding output.
func (c *Contract) TotalCollateral() btcutil.Amount {
	return c.OfferCollateral + c.AcceptCollateral
}
