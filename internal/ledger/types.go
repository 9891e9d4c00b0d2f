// Package ledger is the withdrawal ledger: a state machine with an append-only
// audit trail of every withdrawal and claim attempt, and the service that
// orchestrates fee verification, replay protection, and reward accrual.
package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

var (
	ErrInvalidInput      = errors.New("ledger: invalid input")
	ErrNotFound          = errors.New("ledger: not found")
	ErrInvalidTransition = errors.New("ledger: invalid state transition")
	ErrExpired           = errors.New("ledger: attempt expired")
	ErrPersistence       = errors.New("ledger: persistence failure")
)

// Status is the withdrawal attempt lifecycle state.
//
// Legal transitions:
//
//	initiated -> fee_verified -> completed
//	initiated -> failed
//	fee_verified -> failed
//	failed -> refunded (only when balance was deducted and not yet refunded)
//
// completed and refunded are terminal; terminal records are never mutated.
type Status string

const (
	StatusInitiated   Status = "initiated"
	StatusFeeVerified Status = "fee_verified"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusRefunded    Status = "refunded"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRefunded
}

// CanTransition reports whether from -> to is a legal edge of the state
// machine, ignoring the balance-deducted refund precondition (the store
// enforces that against the record).
func CanTransition(from, to Status) bool {
	switch to {
	case StatusFeeVerified:
		return from == StatusInitiated
	case StatusCompleted:
		return from == StatusFeeVerified
	case StatusFailed:
		return from == StatusInitiated || from == StatusFeeVerified
	case StatusRefunded:
		return from == StatusFailed
	default:
		return false
	}
}

// Kind distinguishes principal withdrawals from reward claims. Both share the
// same fee-verification protocol and audit trail.
type Kind string

const (
	KindWithdrawal Kind = "withdrawal"
	KindClaim      Kind = "claim"
)

// Stable error codes recorded verbatim into the audit trail and surfaced to
// operators.
const (
	CodeNotFound               = "NOT_FOUND"
	CodeOnChainFailure         = "ON_CHAIN_FAILURE"
	CodeNoMatchingTransfer     = "NO_MATCHING_TRANSFER"
	CodeDestinationMismatch    = "DESTINATION_MISMATCH"
	CodeAmountOutOfRange       = "AMOUNT_OUT_OF_RANGE"
	CodeInvalidFeeBounds       = "INVALID_FEE_BOUNDS"
	CodeAlreadyUsed            = "ALREADY_USED"
	CodeExpired                = "EXPIRED"
	CodeInsufficientPool       = "INSUFFICIENT_POOL_BALANCE"
	CodeInsufficientPrincipal  = "INSUFFICIENT_PRINCIPAL"
	CodeConcurrentModification = "CONCURRENT_MODIFICATION"
	CodePayoutFailure          = "PAYOUT_FAILURE"
	CodePersistenceError       = "PERSISTENCE_ERROR"
)

// WithdrawalLog is one attempt's audit record. Rows are append-only history:
// created at initiation, mutated only through the legal transitions above,
// never deleted.
type WithdrawalLog struct {
	ID     common.Hash
	UserID string
	Wallet common.Address
	Kind   Kind

	// RequestedAmount is the principal requested for withdrawal in token base
	// units; zero means the full position. Claims always settle the entire
	// pending reward and carry zero here.
	RequestedAmount uint64

	FeeAmountExpected float64 // reward-asset units
	FeeAmountUsd      float64
	PriceAtRequest    float64

	Status Status

	FeeTxSignature    common.Hash
	PayoutTxSignature common.Hash

	BalanceBefore   float64
	BalanceAfter    float64
	BalanceDeducted bool
	BalanceRefunded bool

	ErrorCode    string
	ErrorMessage string
	RetryCount   int
	Notes        string

	CreatedAt     time.Time
	FeeVerifiedAt time.Time
	CompletedAt   time.Time
	FailedAt      time.Time
	RefundedAt    time.Time
	UpdatedAt     time.Time
}

func (l WithdrawalLog) Validate() error {
	if l.ID == (common.Hash{}) {
		return fmt.Errorf("%w: missing id", ErrInvalidInput)
	}
	if l.UserID == "" {
		return fmt.Errorf("%w: missing user id", ErrInvalidInput)
	}
	if l.Wallet == (common.Address{}) {
		return fmt.Errorf("%w: missing wallet", ErrInvalidInput)
	}
	if l.Kind != KindWithdrawal && l.Kind != KindClaim {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, string(l.Kind))
	}
	if l.FeeAmountExpected < 0 || l.FeeAmountUsd < 0 || l.PriceAtRequest <= 0 {
		return fmt.Errorf("%w: invalid fee fields", ErrInvalidInput)
	}
	if l.CreatedAt.IsZero() {
		return fmt.Errorf("%w: missing created-at", ErrInvalidInput)
	}
	return nil
}

const logIDPrefixV1 = "withdrawal-log-v1"

// LogIDV1 computes the canonical attempt id:
//
//	keccak256("withdrawal-log-v1" || userID || wallet || createdAtUnixNanoBE64)
//
// Deterministic from stored fields so an audit can rederive it.
func LogIDV1(userID string, wallet common.Address, createdAt time.Time) common.Hash {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(logIDPrefixV1))
	_, _ = h.Write([]byte(userID))
	_, _ = h.Write(wallet[:])

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(createdAt.UnixNano()))
	_, _ = h.Write(ts[:])

	return common.BytesToHash(h.Sum(nil))
}
