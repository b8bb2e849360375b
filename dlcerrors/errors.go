// Package dlcerrors defines the error kinds shared across the dlcd core, and
// a small wrapper that attaches a kind to an underlying error without
// resorting to string matching at call sites.
package dlcerrors

import (
	goerrors "github.com/go-errors/errors"
)

// Kind classifies an error by the failure category described in the core's
// error-handling design: cryptographic verification failures terminate a
// contract, transient I/O failures are retried, and programming/replay
// errors are returned without mutating state.
type Kind uint8

const (
	KindInvalidParameter Kind = iota
	KindInsufficientFunds
	KindInvalidSignature
	KindInvalidAdaptorSignature
	KindOracleMismatch
	KindPayoutOutOfRange
	KindBadStateTransition
	KindNotFound
	KindStorageError
	KindWalletError
	KindBlockchainError
	KindTransportError
	KindExpired
	KindDust
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidParameter:
		return "InvalidParameter"
	case KindInsufficientFunds:
		return "InsufficientFunds"
	case KindInvalidSignature:
		return "InvalidSignature"
	case KindInvalidAdaptorSignature:
		return "InvalidAdaptorSignature"
	case KindOracleMismatch:
		return "OracleMismatch"
	case KindPayoutOutOfRange:
		return "PayoutOutOfRange"
	case KindBadStateTransition:
		return "BadStateTransition"
	case KindNotFound:
		return "NotFound"
	case KindStorageError:
		return "StorageError"
	case KindWalletError:
		return "WalletError"
	case KindBlockchainError:
		return "BlockchainError"
	case KindTransportError:
		return "TransportError"
	case KindExpired:
		return "Expired"
	case KindDust:
		return "Dust"
	default:
		return "Internal"
	}
}

// Error is a kinded error that retains a stack trace (via go-errors/errors)
// across the manager's asynchronous suspension points, so a failure surfaced
// several periodic_check passes later still points back at its origin.
type Error struct {
	Kind Kind
	err  *goerrors.Error
}

// New creates a new kinded error with a captured stack trace.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, err: goerrors.New(msg)}
}

// Wrap attaches a kind to an existing error, preserving its stack if it
// already carries one.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, err: goerrors.Wrap(err, 1)}
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.err.Error()
}

func (e *Error) Unwrap() error {
	return e.err.Err
}

// Is reports whether target carries the same Kind, so callers can use
// errors.Is(err, dlcerrors.KindDust) style checks via a sentinel wrapper, or
// more directly a type switch on *Error and compare Kind.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// Transient reports whether the error kind is a transient I/O failure that
// should be retried on the next periodic_check rather than terminating the
// contract, per the propagation policy in the error-handling design.
func (k Kind) Transient() bool {
	switch k {
	case KindStorageError, KindBlockchainError, KindTransportError:
		return true
	default:
		return false
	}
}

// Terminal reports whether the error kind moves a contract into a terminal
// failure state (FailedAccept/FailedSign) rather than being retried.
func (k Kind) Terminal() bool {
	switch k {
	case KindInvalidSignature, KindInvalidAdaptorSignature, KindOracleMismatch:
		return true
	default:
		return false
	}
}

var (
	// ErrContractNotFound mirrors channeldb's ErrChannelNoExist: a lookup
	// by id found nothing in storage.
	ErrContractNotFound = New(KindNotFound, "contract not found")

	// ErrChannelNotFound mirrors ErrChannelNoExist for DLC channels.
	ErrChannelNotFound = New(KindNotFound, "dlc channel not found")

	// ErrDuplicateContract is returned when a contract with the same id
	// already exists in storage.
	ErrDuplicateContract = New(KindStorageError, "contract with this id already exists")

	// ErrBadCover is returned by the digit trie generator when the
	// payout function is not fully, disjointly covered by the greedy
	// prefix cover.
	ErrBadCover = New(KindInternal, "digit trie does not cover [0, b^d)")

	// ErrNoMatchingOutcome is returned by trie lookup when no leaf
	// matches the oracle attestations presented (e.g. disagreement
	// beyond the configured threshold).
	ErrNoMatchingOutcome = New(KindOracleMismatch, "no trie leaf matches the given attestation(s)")

	// ErrAdaptorVerifyFailed is returned when a counterparty-supplied
	// adaptor signature fails verification against the computed adaptor
	// point.
	ErrAdaptorVerifyFailed = New(KindInvalidAdaptorSignature, "adaptor signature verification failed")

	// ErrOracleParamsMismatch is returned when two parties' oracle
	// announcements/threshold disagree between offer and accept.
	ErrOracleParamsMismatch = New(KindOracleMismatch, "oracle parameters do not match")

	// ErrDustOutputs is returned by the transaction builder when both
	// sides of a CET or the refund transaction would be dust.
	ErrDustOutputs = New(KindDust, "both outputs are below the dust limit")

	// ErrInvalidSerialIDs is returned when duplicate serial ids are
	// supplied for output ordering.
	ErrInvalidSerialIDs = New(KindInvalidParameter, "duplicate serial ids")

	// ErrInvalidInput is returned when the requested collateral exceeds
	// the funding inputs net of fees.
	ErrInvalidInput = New(KindInsufficientFunds, "collateral exceeds inputs minus fees")

	// ErrBadStateTransition indicates a programming or replay error: the
	// requested transition is not valid from the contract's current
	// state.
	ErrBadStateTransition = New(KindBadStateTransition, "invalid state transition")

	// ErrExpiredBeforeFunding is surfaced when a Signed contract's
	// funding has not confirmed with refund_locktime - safety blocks
	// remaining.
	ErrExpiredBeforeFunding = New(KindExpired, "funding not confirmed before refund safety margin")

	// ErrIncompleteFragments is returned when a segmented message's
	// reassembly timeout elapses before all fragments arrive.
	ErrIncompleteFragments = New(KindTransportError, "reassembly timed out with missing fragments")
)
