// Package replay tracks consumed fee-transaction signatures.
//
// A signature may be consumed exactly once. The authoritative insert-or-fail
// happens inside the position store's atomic apply so that marking a signature
// used and mutating balances commit together; the Guard interface here exists
// for pre-checks, audits, and in-memory test doubles.
package replay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrAlreadyUsed = errors.New("replay: signature already used")
	ErrNotFound    = errors.New("replay: signature not found")
)

// Purpose records what a consumed signature authorized.
type Purpose string

const (
	PurposeWithdrawalFee Purpose = "withdrawal_fee"
	PurposeClaimFee      Purpose = "claim_fee"
	PurposeStakeFee      Purpose = "stake_fee"
)

// UsedSignature is the consumption record for one fee-transaction signature.
type UsedSignature struct {
	Signature  common.Hash
	UserID     string
	Purpose    Purpose
	ConsumedAt time.Time
}

// Guard gates ledger mutations on signature freshness.
type Guard interface {
	IsUsed(ctx context.Context, sig common.Hash) (bool, error)
	MarkUsed(ctx context.Context, rec UsedSignature) error
	Get(ctx context.Context, sig common.Hash) (UsedSignature, error)
}

// MemoryGuard is a mutex-guarded in-process Guard.
type MemoryGuard struct {
	mu   sync.Mutex
	used map[common.Hash]UsedSignature
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{used: make(map[common.Hash]UsedSignature)}
}

func (g *MemoryGuard) IsUsed(_ context.Context, sig common.Hash) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.used[sig]
	return ok, nil
}

// MarkUsed consumes the signature, failing with ErrAlreadyUsed on any second
// attempt regardless of caller.
func (g *MemoryGuard) MarkUsed(_ context.Context, rec UsedSignature) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.used[rec.Signature]; ok {
		return ErrAlreadyUsed
	}
	g.used[rec.Signature] = rec
	return nil
}

func (g *MemoryGuard) Get(_ context.Context, sig common.Hash) (UsedSignature, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.used[sig]
	if !ok {
		return UsedSignature{}, ErrNotFound
	}
	return rec, nil
}

var _ Guard = (*MemoryGuard)(nil)
