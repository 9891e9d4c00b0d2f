package position

import (
	"context"

	"github.com/stakeworks/staking-ledger/internal/replay"
)

// Store persists positions, the pool singleton, and the used-signature set.
//
// ApplyClaim and ApplyUnstake are the only write paths that consume a fee
// signature. Each must commit the used-signature insert, the position update,
// and the pool update atomically: on conflict nothing is applied.
//
// Semantics:
//   - a reused signature fails with replay.ErrAlreadyUsed,
//   - a stale ExpectedVersion / ExpectedPoolVersion fails with
//     ErrConcurrentModification (retryable after re-reading),
//   - a pool balance that would go negative fails with
//     ErrInsufficientPoolBalance.
type Store interface {
	GetPosition(ctx context.Context, userID string) (Position, error)
	UpsertPosition(ctx context.Context, p Position) error
	ListActive(ctx context.Context) ([]Position, error)

	GetPool(ctx context.Context) (Pool, error)
	InitPool(ctx context.Context, p Pool) error

	ApplyClaim(ctx context.Context, userID string, used replay.UsedSignature, apply ClaimApply) (Position, error)
	ApplyUnstake(ctx context.Context, userID string, used replay.UsedSignature, apply UnstakeApply) (Position, error)
}
