// Package postgres implements ledger.Store on PostgreSQL with
// state-preconditioned updates: a transition commits only when the row is
// still in the expected source state.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stakeworks/staking-ledger/internal/ledger"
)

var ErrInvalidConfig = errors.New("ledger/postgres: invalid config")

const pgUniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ledger/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, l ledger.WithdrawalLog) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := l.Validate(); err != nil {
		return err
	}
	if l.Status != ledger.StatusInitiated {
		return fmt.Errorf("%w: new records must be initiated", ledger.ErrInvalidInput)
	}
	if l.RequestedAmount > math.MaxInt64 {
		return fmt.Errorf("%w: requested amount too large", ledger.ErrInvalidInput)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO withdrawal_logs (
			log_id, user_id, wallet, kind, requested_amount,
			fee_amount_expected, fee_amount_usd, price_at_request,
			status, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
	`, l.ID[:], l.UserID, l.Wallet[:], string(l.Kind), int64(l.RequestedAmount),
		l.FeeAmountExpected, l.FeeAmountUsd, l.PriceAtRequest,
		string(ledger.StatusInitiated), l.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: duplicate log id %s", ledger.ErrInvalidInput, l.ID.Hex())
		}
		return fmt.Errorf("%w: create: %v", ledger.ErrPersistence, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id common.Hash) (ledger.WithdrawalLog, error) {
	if s == nil || s.pool == nil {
		return ledger.WithdrawalLog{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return scanLog(s.pool.QueryRow(ctx, selectLogSQL+` WHERE log_id = $1`, id[:]))
}

func (s *Store) MarkFeeVerified(ctx context.Context, id common.Hash, feeSig common.Hash, balanceBefore, balanceAfter float64, at time.Time) error {
	return s.transition(ctx, id, ledger.StatusFeeVerified, `
		UPDATE withdrawal_logs
		SET status = 'fee_verified',
			fee_tx_signature = $2,
			balance_before = $3,
			balance_after = $4,
			balance_deducted = TRUE,
			fee_verified_at = $5,
			updated_at = $5
		WHERE log_id = $1 AND status = 'initiated'
	`, id[:], feeSig[:], balanceBefore, balanceAfter, at)
}

func (s *Store) MarkCompleted(ctx context.Context, id common.Hash, payoutSig common.Hash, at time.Time) error {
	return s.transition(ctx, id, ledger.StatusCompleted, `
		UPDATE withdrawal_logs
		SET status = 'completed',
			payout_tx_signature = $2,
			completed_at = $3,
			updated_at = $3
		WHERE log_id = $1 AND status = 'fee_verified'
	`, id[:], payoutSig[:], at)
}

func (s *Store) MarkFailed(ctx context.Context, id common.Hash, errorCode, errorMessage string, at time.Time) error {
	return s.transition(ctx, id, ledger.StatusFailed, `
		UPDATE withdrawal_logs
		SET status = 'failed',
			error_code = $2,
			error_message = $3,
			retry_count = retry_count + 1,
			failed_at = $4,
			updated_at = $4
		WHERE log_id = $1 AND status IN ('initiated', 'fee_verified')
	`, id[:], errorCode, errorMessage, at)
}

func (s *Store) MarkFailedDeducted(ctx context.Context, id common.Hash, feeSig common.Hash, balanceBefore, balanceAfter float64, errorCode, errorMessage string, at time.Time) error {
	return s.transition(ctx, id, ledger.StatusFailed, `
		UPDATE withdrawal_logs
		SET status = 'failed',
			fee_tx_signature = $2,
			balance_before = $3,
			balance_after = $4,
			balance_deducted = TRUE,
			error_code = $5,
			error_message = $6,
			retry_count = retry_count + 1,
			failed_at = $7,
			updated_at = $7
		WHERE log_id = $1 AND status = 'initiated'
	`, id[:], feeSig[:], balanceBefore, balanceAfter, errorCode, errorMessage, at)
}

func (s *Store) MarkRefunded(ctx context.Context, id common.Hash, notes string, at time.Time) error {
	return s.transition(ctx, id, ledger.StatusRefunded, `
		UPDATE withdrawal_logs
		SET status = 'refunded',
			balance_refunded = TRUE,
			notes = $2,
			refunded_at = $3,
			updated_at = $3
		WHERE log_id = $1 AND status = 'failed' AND balance_deducted AND NOT balance_refunded
	`, id[:], notes, at)
}

func (s *Store) ListPendingRefunds(ctx context.Context) ([]ledger.WithdrawalLog, error) {
	return s.list(ctx, selectLogSQL+`
		WHERE status = 'failed' AND balance_deducted AND NOT balance_refunded
		ORDER BY created_at ASC, log_id ASC
	`)
}

func (s *Store) ListStaleInitiated(ctx context.Context, cutoff time.Time) ([]ledger.WithdrawalLog, error) {
	return s.list(ctx, selectLogSQL+`
		WHERE status = 'initiated' AND created_at <= $1
		ORDER BY created_at ASC, log_id ASC
	`, cutoff)
}

func (s *Store) ListByUser(ctx context.Context, userID string) ([]ledger.WithdrawalLog, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user id", ledger.ErrInvalidInput)
	}
	return s.list(ctx, selectLogSQL+`
		WHERE user_id = $1
		ORDER BY created_at ASC, log_id ASC
	`, userID)
}

// transition executes a state-preconditioned update. Zero rows affected means
// either the record is absent or the precondition no longer holds; the record
// is re-read to report the precise failure and is otherwise left unchanged.
func (s *Store) transition(ctx context.Context, id common.Hash, to ledger.Status, sql string, args ...any) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%w: transition to %s: %v", ledger.ErrPersistence, to, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	l, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s (deducted=%v refunded=%v)",
		ledger.ErrInvalidTransition, l.Status, to, l.BalanceDeducted, l.BalanceRefunded)
}

func (s *Store) list(ctx context.Context, sql string, args ...any) ([]ledger.WithdrawalLog, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ledger.ErrPersistence, err)
	}
	defer rows.Close()

	var out []ledger.WithdrawalLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list rows: %v", ledger.ErrPersistence, err)
	}
	return out, nil
}

const selectLogSQL = `
	SELECT log_id, user_id, wallet, kind, requested_amount,
		fee_amount_expected, fee_amount_usd, price_at_request,
		status, fee_tx_signature, payout_tx_signature,
		balance_before, balance_after, balance_deducted, balance_refunded,
		error_code, error_message, retry_count, notes,
		created_at, fee_verified_at, completed_at, failed_at, refunded_at, updated_at
	FROM withdrawal_logs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLog(row rowScanner) (ledger.WithdrawalLog, error) {
	var (
		idRaw, walletRaw   []byte
		feeSigRaw, paySig  []byte
		kind, status       string
		requested          int64
		feeExpected        float64
		feeUsd, price      float64
		balBefore, balAft  float64
		deducted, refunded bool
		errCode, errMsg    string
		retry              int32
		notes              string
		createdAt, updated time.Time
		feeVerifiedAt      *time.Time
		completedAt        *time.Time
		failedAt           *time.Time
		refundedAt         *time.Time
		l                  ledger.WithdrawalLog
	)
	err := row.Scan(&idRaw, &l.UserID, &walletRaw, &kind, &requested,
		&feeExpected, &feeUsd, &price,
		&status, &feeSigRaw, &paySig,
		&balBefore, &balAft, &deducted, &refunded,
		&errCode, &errMsg, &retry, &notes,
		&createdAt, &feeVerifiedAt, &completedAt, &failedAt, &refundedAt, &updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.WithdrawalLog{}, ledger.ErrNotFound
		}
		return ledger.WithdrawalLog{}, fmt.Errorf("ledger/postgres: scan log: %w", err)
	}
	if len(idRaw) != 32 || len(walletRaw) != 20 {
		return ledger.WithdrawalLog{}, fmt.Errorf("ledger/postgres: malformed key columns")
	}
	if requested < 0 || retry < 0 {
		return ledger.WithdrawalLog{}, fmt.Errorf("ledger/postgres: negative values in db")
	}

	l.ID = common.BytesToHash(idRaw)
	l.Wallet = common.BytesToAddress(walletRaw)
	l.Kind = ledger.Kind(kind)
	l.RequestedAmount = uint64(requested)
	l.FeeAmountExpected = feeExpected
	l.FeeAmountUsd = feeUsd
	l.PriceAtRequest = price
	l.Status = ledger.Status(status)
	if len(feeSigRaw) == 32 {
		l.FeeTxSignature = common.BytesToHash(feeSigRaw)
	}
	if len(paySig) == 32 {
		l.PayoutTxSignature = common.BytesToHash(paySig)
	}
	l.BalanceBefore = balBefore
	l.BalanceAfter = balAft
	l.BalanceDeducted = deducted
	l.BalanceRefunded = refunded
	l.ErrorCode = errCode
	l.ErrorMessage = errMsg
	l.RetryCount = int(retry)
	l.Notes = notes
	l.CreatedAt = createdAt
	l.UpdatedAt = updated
	if feeVerifiedAt != nil {
		l.FeeVerifiedAt = *feeVerifiedAt
	}
	if completedAt != nil {
		l.CompletedAt = *completedAt
	}
	if failedAt != nil {
		l.FailedAt = *failedAt
	}
	if refundedAt != nil {
		l.RefundedAt = *refundedAt
	}
	return l, nil
}

var _ ledger.Store = (*Store)(nil)
