// Package postgres implements position.Store on PostgreSQL.
//
// The mark-used + mutate step runs in one transaction: the used_signatures
// insert, the version-guarded position update, and the version-guarded pool
// update either all commit or none do.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stakeworks/staking-ledger/internal/booster"
	"github.com/stakeworks/staking-ledger/internal/position"
	"github.com/stakeworks/staking-ledger/internal/replay"
)

var ErrInvalidConfig = errors.New("position/postgres: invalid config")

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
		return fmt.Errorf("position/postgres: ensure schema: %w", err)
	}
	return nil
}

const positionColumns = `user_id, wallet, principal, stake_start_at, locked_price,
	total_claimed, total_accrued, pending_rewards, boosters, version, updated_at`

func (s *Store) GetPosition(ctx context.Context, userID string) (position.Position, error) {
	if s == nil || s.pool == nil {
		return position.Position{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if userID == "" {
		return position.Position{}, fmt.Errorf("%w: missing user id", position.ErrInvalidInput)
	}
	return scanPosition(s.pool.QueryRow(ctx, `
		SELECT `+positionColumns+`
		FROM staking_positions
		WHERE user_id = $1
	`, userID))
}

func (s *Store) UpsertPosition(ctx context.Context, p position.Position) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Principal > math.MaxInt64 {
		return fmt.Errorf("%w: principal too large", position.ErrInvalidInput)
	}
	boosters, err := json.Marshal(p.Boosters)
	if err != nil {
		return fmt.Errorf("position/postgres: marshal boosters: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO staking_positions (
			user_id, wallet, principal, stake_start_at, locked_price,
			total_claimed, total_accrued, pending_rewards, boosters, version, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,1,now())
		ON CONFLICT (user_id) DO UPDATE SET
			wallet = EXCLUDED.wallet,
			principal = EXCLUDED.principal,
			stake_start_at = EXCLUDED.stake_start_at,
			locked_price = EXCLUDED.locked_price,
			total_claimed = EXCLUDED.total_claimed,
			total_accrued = EXCLUDED.total_accrued,
			pending_rewards = EXCLUDED.pending_rewards,
			boosters = EXCLUDED.boosters,
			version = staking_positions.version + 1,
			updated_at = now()
		WHERE staking_positions.version = $10
	`, p.UserID, p.Wallet[:], int64(p.Principal), nullableTime(p.StakeStartAt), p.LockedPrice,
		p.TotalClaimed, p.TotalAccrued, p.PendingRewards, boosters, int64(p.Version))
	if err != nil {
		return fmt.Errorf("position/postgres: upsert position: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return position.ErrConcurrentModification
	}
	return nil
}

func (s *Store) ListActive(ctx context.Context) ([]position.Position, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+positionColumns+`
		FROM staking_positions
		WHERE principal > 0
		ORDER BY user_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("position/postgres: list active: %w", err)
	}
	defer rows.Close()

	var out []position.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("position/postgres: list active rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetPool(ctx context.Context) (position.Pool, error) {
	if s == nil || s.pool == nil {
		return position.Pool{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return scanPool(s.pool.QueryRow(ctx, `
		SELECT total_staked_principal, reward_pool_balance, acc_reward_per_share, last_reward_at, version
		FROM staking_pool
		WHERE id = 1
	`))
}

func (s *Store) InitPool(ctx context.Context, p position.Pool) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if p.RewardPoolBalance < 0 {
		return fmt.Errorf("%w: negative pool balance", position.ErrInvalidInput)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO staking_pool (id, total_staked_principal, reward_pool_balance, acc_reward_per_share, last_reward_at, version)
		VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, int64(p.TotalStakedPrincipal), p.RewardPoolBalance, p.AccRewardPerShare, nullableTime(p.LastRewardAt), int64(p.Version))
	if err != nil {
		return fmt.Errorf("position/postgres: init pool: %w", err)
	}
	return nil
}

func (s *Store) ApplyClaim(ctx context.Context, userID string, used replay.UsedSignature, apply position.ClaimApply) (position.Position, error) {
	if err := apply.Validate(); err != nil {
		return position.Position{}, err
	}
	return s.applyTx(ctx, userID, used, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE staking_positions
			SET total_accrued = $3,
				total_claimed = total_claimed + $4,
				pending_rewards = 0,
				version = version + 1,
				updated_at = $5
			WHERE user_id = $1 AND version = $2
		`, userID, int64(apply.ExpectedVersion), apply.NewTotalAccrued, apply.ClaimAmount, apply.Now)
		if err != nil {
			return fmt.Errorf("position/postgres: claim position update: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return s.classifyPositionMiss(ctx, tx, userID)
		}
		return s.updatePool(ctx, tx, apply.ExpectedPoolVersion, 0, apply.FeeToPool-apply.ClaimAmount, apply.Now)
	})
}

func (s *Store) ApplyUnstake(ctx context.Context, userID string, used replay.UsedSignature, apply position.UnstakeApply) (position.Position, error) {
	if err := apply.Validate(); err != nil {
		return position.Position{}, err
	}
	if apply.PrincipalDelta > math.MaxInt64 {
		return position.Position{}, fmt.Errorf("%w: principal delta too large", position.ErrInvalidInput)
	}
	return s.applyTx(ctx, userID, used, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE staking_positions
			SET principal = principal - $3,
				total_accrued = $4,
				total_claimed = total_claimed + $5,
				pending_rewards = 0,
				version = version + 1,
				updated_at = $6
			WHERE user_id = $1 AND version = $2 AND principal >= $3
		`, userID, int64(apply.ExpectedVersion), int64(apply.PrincipalDelta),
			apply.NewTotalAccrued, apply.RewardPayout, apply.Now)
		if err != nil {
			return fmt.Errorf("position/postgres: unstake position update: %w", err)
		}
		if tag.RowsAffected() != 1 {
			if err := s.classifyPositionMiss(ctx, tx, userID); !errors.Is(err, position.ErrConcurrentModification) {
				return err
			}
			// Version matched reads but principal guard may have rejected;
			// both are resolved by the caller re-reading.
			return position.ErrConcurrentModification
		}
		return s.updatePool(ctx, tx, apply.ExpectedPoolVersion, -int64(apply.PrincipalDelta), apply.FeeToPool-apply.RewardPayout, apply.Now)
	})
}

// applyTx runs the shared consume-signature-then-mutate transaction shape and
// returns the updated position on commit.
func (s *Store) applyTx(ctx context.Context, userID string, used replay.UsedSignature, mutate func(context.Context, pgx.Tx) error) (position.Position, error) {
	if s == nil || s.pool == nil {
		return position.Position{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if userID == "" {
		return position.Position{}, fmt.Errorf("%w: missing user id", position.ErrInvalidInput)
	}
	if used.Signature == (common.Hash{}) || used.Purpose == "" {
		return position.Position{}, fmt.Errorf("%w: missing signature or purpose", position.ErrInvalidInput)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return position.Position{}, fmt.Errorf("position/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO used_signatures (signature, user_id, purpose, consumed_at)
		VALUES ($1,$2,$3,$4)
	`, used.Signature[:], used.UserID, string(used.Purpose), used.ConsumedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return position.Position{}, replay.ErrAlreadyUsed
		}
		return position.Position{}, fmt.Errorf("position/postgres: consume signature: %w", err)
	}

	if err := mutate(ctx, tx); err != nil {
		return position.Position{}, err
	}

	p, err := scanPosition(tx.QueryRow(ctx, `
		SELECT `+positionColumns+`
		FROM staking_positions
		WHERE user_id = $1
	`, userID))
	if err != nil {
		return position.Position{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return position.Position{}, fmt.Errorf("position/postgres: commit: %w", err)
	}
	return p, nil
}

// updatePool CAS-updates the pool singleton. balanceDelta may be negative; the
// WHERE clause enforces the non-negative balance invariant so a shortfall is
// rejected inside the same transaction.
func (s *Store) updatePool(ctx context.Context, tx pgx.Tx, expectedVersion uint64, stakedDelta int64, balanceDelta float64, now time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE staking_pool
		SET total_staked_principal = total_staked_principal + $2,
			reward_pool_balance = reward_pool_balance + $3,
			last_reward_at = $4,
			version = version + 1
		WHERE id = 1 AND version = $1
			AND total_staked_principal + $2 >= 0
			AND reward_pool_balance + $3 >= 0
	`, int64(expectedVersion), stakedDelta, balanceDelta, now)
	if err != nil {
		return fmt.Errorf("position/postgres: pool update: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	pool, err := scanPool(tx.QueryRow(ctx, `
		SELECT total_staked_principal, reward_pool_balance, acc_reward_per_share, last_reward_at, version
		FROM staking_pool
		WHERE id = 1
	`))
	if err != nil {
		return err
	}
	if pool.Version != expectedVersion {
		return position.ErrConcurrentModification
	}
	if pool.RewardPoolBalance+balanceDelta < 0 {
		return position.ErrInsufficientPoolBalance
	}
	return position.ErrInsufficientPrincipal
}

func (s *Store) classifyPositionMiss(ctx context.Context, tx pgx.Tx, userID string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM staking_positions WHERE user_id = $1)`, userID).Scan(&exists); err != nil {
		return fmt.Errorf("position/postgres: classify miss: %w", err)
	}
	if !exists {
		return position.ErrNotFound
	}
	return position.ErrConcurrentModification
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (position.Position, error) {
	var (
		userID       string
		walletRaw    []byte
		principal    int64
		stakeStart   *time.Time
		lockedPrice  float64
		totalClaimed float64
		totalAccrued float64
		pending      float64
		boostersRaw  []byte
		version      int64
		updatedAt    time.Time
	)
	err := row.Scan(&userID, &walletRaw, &principal, &stakeStart, &lockedPrice,
		&totalClaimed, &totalAccrued, &pending, &boostersRaw, &version, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return position.Position{}, position.ErrNotFound
		}
		return position.Position{}, fmt.Errorf("position/postgres: scan position: %w", err)
	}
	if len(walletRaw) != 20 {
		return position.Position{}, fmt.Errorf("position/postgres: expected 20-byte wallet, got %d", len(walletRaw))
	}
	if principal < 0 || version < 0 {
		return position.Position{}, fmt.Errorf("position/postgres: negative values in db")
	}

	var boosters []booster.Booster
	if len(boostersRaw) > 0 {
		if err := json.Unmarshal(boostersRaw, &boosters); err != nil {
			return position.Position{}, fmt.Errorf("position/postgres: unmarshal boosters: %w", err)
		}
	}

	p := position.Position{
		UserID:         userID,
		Wallet:         common.BytesToAddress(walletRaw),
		Principal:      uint64(principal),
		LockedPrice:    lockedPrice,
		TotalClaimed:   totalClaimed,
		TotalAccrued:   totalAccrued,
		PendingRewards: pending,
		Boosters:       boosters,
		Version:        uint64(version),
		UpdatedAt:      updatedAt,
	}
	if stakeStart != nil {
		p.StakeStartAt = *stakeStart
	}
	return p, nil
}

func scanPool(row rowScanner) (position.Pool, error) {
	var (
		staked     int64
		balance    float64
		accPerShar float64
		lastReward *time.Time
		version    int64
	)
	if err := row.Scan(&staked, &balance, &accPerShar, &lastReward, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return position.Pool{}, position.ErrNotFound
		}
		return position.Pool{}, fmt.Errorf("position/postgres: scan pool: %w", err)
	}
	if staked < 0 || balance < 0 || version < 0 {
		return position.Pool{}, fmt.Errorf("position/postgres: negative values in db")
	}
	p := position.Pool{
		TotalStakedPrincipal: uint64(staked),
		RewardPoolBalance:    balance,
		AccRewardPerShare:    accPerShar,
		Version:              uint64(version),
	}
	if lastReward != nil {
		p.LastRewardAt = *lastReward
	}
	return p, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var _ position.Store = (*Store)(nil)
