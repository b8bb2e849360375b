package contractmgr

import (
	"context"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"

	"github.com/dlcd-io/dlcd/adaptor"
	"github.com/dlcd-io/dlcd/chainmonitor"
	"github.com/dlcd-io/dlcd/dlc"
	"github.com/dlcd-io/dlcd/dlcwire"
	"github.com/dlcd-io/dlcd/oracle"
)

// ReservationHandle is an opaque token the Wallet collaborator returns for
// a set of reserved UTXOs; the manager never inspects it, only threads it
// back to Release or the signing calls. Concrete wallets define their own
// underlying type.
type ReservationHandle interface{}

// Wallet is the on-chain wallet collaborator spec.md §6 names: key/script
// derivation, UTXO reservation, and transaction signing, kept entirely
// behind this interface so the core never observes private key material,
// per spec.md §1's "the core does not... own keys."
type Wallet interface {
	// GetNewFundingPubKey returns a fresh public key for a new contract's
	// 2-of-2 funding output.
	GetNewFundingPubKey(ctx context.Context) (*btcec.PublicKey, error)

	// GetChangeScript and GetPayoutScript return fresh output scripts for
	// this contract's change and payout outputs respectively.
	GetChangeScript(ctx context.Context) ([]byte, error)
	GetPayoutScript(ctx context.Context) ([]byte, error)

	// ReserveUTXOs selects and reserves inputs summing to at least
	// amount, returning them alongside an opaque handle the manager
	// releases on terminal failure.
	ReserveUTXOs(ctx context.Context, amount btcutil.Amount) ([]dlc.FundingInput, ReservationHandle, error)

	// Release returns a reservation's inputs to the available pool,
	// called on FailedAccept/FailedSign/Rejected.
	Release(ctx context.Context, handle ReservationHandle) error

	// SignFundingPSBT signs this party's inputs within p, returning the
	// updated packet ready for combination with the counterparty's
	// signed inputs.
	SignFundingPSBT(ctx context.Context, p *psbt.Packet, handle ReservationHandle) (*psbt.Packet, error)

	// SignCETAdaptor produces an adaptor pre-signature over sighash,
	// encrypted to adaptorPoint, using the private key fundingPubKey
	// identifies. This is the funding-input signing key doubling as the
	// CET signing key, the construction spec.md §4.2 describes.
	SignCETAdaptor(ctx context.Context, fundingPubKey *btcec.PublicKey, sighash [32]byte, adaptorPoint *btcec.PublicKey) (*adaptor.Signature, error)

	// SignRefund produces an ordinary signature over the refund
	// transaction's sighash.
	SignRefund(ctx context.Context, fundingPubKey *btcec.PublicKey, sighash [32]byte) ([]byte, error)

	// SignChannelCETAdaptor is SignCETAdaptor's channel counterpart: the
	// signing key is basePubKey (this party's established channel funding
	// key) tweaked by updateSecret, the per-update revocable key a DLC
	// channel's buffer-relative CETs are signed with, per spec.md §5 and
	// the revocation package's publish-base scheme.
	SignChannelCETAdaptor(ctx context.Context, basePubKey *btcec.PublicKey, updateSecret [32]byte, sighash [32]byte, adaptorPoint *btcec.PublicKey) (*adaptor.Signature, error)

	// SignChannelUpdate is SignRefund's channel counterpart, for a
	// buffer/settle/renew/collaborative-close transaction's ordinary
	// (non-adaptor) signature under the same tweaked key.
	SignChannelUpdate(ctx context.Context, basePubKey *btcec.PublicKey, updateSecret [32]byte, sighash [32]byte) ([]byte, error)
}

// Storage is the persistence collaborator spec.md §6 names, satisfied by
// *contractdb.Store; declared as an interface here so tests can substitute
// an in-memory fake without depending on contractdb's SQL/kvdb backends.
type Storage interface {
	PutContract(c *dlc.Contract) error
	GetContract(id []byte) (*dlc.Contract, error)
	DeleteContract(id []byte) error
	ContractsByState(state dlc.State) ([]*dlc.Contract, error)
	ContractsByCounterparty(pub *btcec.PublicKey) ([]*dlc.Contract, error)

	PutChannel(ch *dlc.DLCChannel) error
	GetChannel(id dlc.ChannelID) (*dlc.DLCChannel, error)
}

// OracleClient is an alias for oracle.Client, under the name the manager's
// Config field uses.
type OracleClient = oracle.Client

// PeerTransport is the peer-messaging collaborator spec.md §6 names:
// ordered delivery of wire messages to a counterparty, satisfied by
// *transport.Manager.
type PeerTransport interface {
	SendTo(pub *btcec.PublicKey, msg dlcwire.Message) error
}

// Blockchain re-exports chainmonitor.Blockchain under the name the
// manager's Config field uses, so callers reading contractmgr.Config don't
// need to import chainmonitor merely to name the collaborator type.
type Blockchain = chainmonitor.Blockchain
