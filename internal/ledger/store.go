package ledger

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Store persists withdrawal-log records. Every Mark* operation is a
// conditional update preconditioned on the record's current state; a stale or
// illegal precondition fails with ErrInvalidTransition and leaves the record
// unchanged.
type Store interface {
	Create(ctx context.Context, l WithdrawalLog) error
	Get(ctx context.Context, id common.Hash) (WithdrawalLog, error)

	// MarkFeeVerified transitions initiated -> fee_verified, records the fee
	// signature and the user's accounted balance around the deduction, and
	// stamps balanceDeducted.
	MarkFeeVerified(ctx context.Context, id common.Hash, feeSig common.Hash, balanceBefore, balanceAfter float64, at time.Time) error

	// MarkCompleted transitions fee_verified -> completed.
	MarkCompleted(ctx context.Context, id common.Hash, payoutSig common.Hash, at time.Time) error

	// MarkFailed transitions any non-terminal state -> failed and increments
	// the retry counter. The code and message are recorded verbatim.
	MarkFailed(ctx context.Context, id common.Hash, errorCode, errorMessage string, at time.Time) error

	// MarkFailedDeducted transitions initiated -> failed while stamping the
	// committed deduction: the fee signature, the balances around it, and
	// balanceDeducted. Used when the balance apply committed but the
	// fee_verified transition could not be recorded, so the attempt still
	// reaches the refund queue.
	MarkFailedDeducted(ctx context.Context, id common.Hash, feeSig common.Hash, balanceBefore, balanceAfter float64, errorCode, errorMessage string, at time.Time) error

	// MarkRefunded transitions failed -> refunded; legal only when the balance
	// was deducted and not yet refunded.
	MarkRefunded(ctx context.Context, id common.Hash, notes string, at time.Time) error

	// ListPendingRefunds returns the manual-intervention queue: failed
	// attempts whose balance was deducted but never restored.
	ListPendingRefunds(ctx context.Context) ([]WithdrawalLog, error)

	// ListStaleInitiated returns initiated attempts created at or before the
	// cutoff, oldest first.
	ListStaleInitiated(ctx context.Context, cutoff time.Time) ([]WithdrawalLog, error)

	ListByUser(ctx context.Context, userID string) ([]WithdrawalLog, error)
}
