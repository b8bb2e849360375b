// Package chainmonitor watches funding outpoints, CET txids, and refund
// txids on behalf of the manager, per spec.md §4.7: "a set of watched
// items... periodic_check queries the blockchain collaborator for each;
// the monitor reports one of {not-seen, in-mempool, confirmed-at-height,
// reorged-out}." The manager translates reports into state transitions.
//
// Grounded on the teacher's chainntfs.go (package chainntnfs): that file's
// ChainNotifier interface is push/event-based (RegisterConfirmationsNtfn,
// RegisterSpendNtfn) and targets a now-renamed roasbeef/btcd import path
// with no DLC counterpart to subscribe through. Per spec.md §9's own design
// note ("the chain monitor [is] a query object holding only interests
// (ids), not live references; the manager queries it and applies results,
// eliminating the cycle"), this package is rebuilt pull-based: Monitor
// holds no notification subscriptions and keeps no authoritative state of
// its own — every Check call is a stateless projection of the Blockchain
// collaborator's current view, with the caller supplying the one piece of
// prior interest (previously observed confirmation count) needed to tell
// "never seen" apart from "reorged back out to zero."
package chainmonitor

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/dlcd-io/dlcd/dlcerrors"
)

// Blockchain is the blockchain-access collaborator spec.md §6 names:
// broadcast, transaction/block queries, confirmation counts, and spend
// detection, external to the core.
type Blockchain interface {
	Broadcast(ctx context.Context, tx *wire.MsgTx) error
	GetTransaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error)
	GetBestHeight(ctx context.Context) (int32, error)
	GetConfirmations(ctx context.Context, txid chainhash.Hash) (int32, error)
	GetSpendingTx(ctx context.Context, outpoint wire.OutPoint) (*wire.MsgTx, error)
}

// Status is one of the four projections spec.md §4.7 names for a watched
// item.
type Status uint8

const (
	StatusNotSeen Status = iota
	StatusInMempool
	StatusConfirmed
	StatusReorgedOut
)

func (s Status) String() string {
	switch s {
	case StatusNotSeen:
		return "not-seen"
	case StatusInMempool:
		return "in-mempool"
	case StatusConfirmed:
		return "confirmed"
	case StatusReorgedOut:
		return "reorged-out"
	default:
		return "unknown"
	}
}

// TxReport is the result of checking one watched txid.
type TxReport struct {
	Status        Status
	Confirmations int32
}

// SpendReport is the result of checking one watched outpoint for a spend.
type SpendReport struct {
	Spent      bool
	SpendingTx *wire.MsgTx
}

// Monitor projects the Blockchain collaborator's current view onto the
// manager's watched items. It carries no subscriptions and no state of its
// own; every call is a fresh query.
type Monitor struct {
	chain Blockchain
}

// New returns a Monitor backed by chain.
func New(chain Blockchain) *Monitor {
	return &Monitor{chain: chain}
}

// CheckConfirmations reports txid's current confirmation status. prevConfs
// is the confirmation count the manager last persisted for txid (0 if
// never observed); it is the "interest" the manager supplies so the
// monitor can distinguish a reorg (confirmations that were positive and
// are now zero) from a transaction that was simply never broadcast,
// without the monitor itself remembering anything between calls.
func (m *Monitor) CheckConfirmations(ctx context.Context, txid chainhash.Hash, prevConfs int32) (TxReport, error) {
	confs, err := m.chain.GetConfirmations(ctx, txid)
	if err != nil {
		return TxReport{}, dlcerrors.Wrap(dlcerrors.KindBlockchainError, err)
	}
	if confs > 0 {
		return TxReport{Status: StatusConfirmed, Confirmations: confs}, nil
	}
	if prevConfs > 0 {
		return TxReport{Status: StatusReorgedOut}, nil
	}
	if _, err := m.chain.GetTransaction(ctx, txid); err == nil {
		return TxReport{Status: StatusInMempool}, nil
	}
	return TxReport{Status: StatusNotSeen}, nil
}

// CheckSpend reports whether outpoint has been spent, and by what
// transaction — used to detect a counterparty broadcasting a CET we
// didn't choose (spec.md §4.6 scenario 3) ahead of our own attestation
// poll.
func (m *Monitor) CheckSpend(ctx context.Context, outpoint wire.OutPoint) (SpendReport, error) {
	tx, err := m.chain.GetSpendingTx(ctx, outpoint)
	if err != nil {
		return SpendReport{}, dlcerrors.Wrap(dlcerrors.KindBlockchainError, err)
	}
	if tx == nil {
		return SpendReport{}, nil
	}
	return SpendReport{Spent: true, SpendingTx: tx}, nil
}

// BestHeight returns the chain's current tip height, used to bound
// ExpiredBeforeFunding and refund-locktime checks.
func (m *Monitor) BestHeight(ctx context.Context) (int32, error) {
	h, err := m.chain.GetBestHeight(ctx)
	if err != nil {
		return 0, dlcerrors.Wrap(dlcerrors.KindBlockchainError, err)
	}
	return h, nil
}
