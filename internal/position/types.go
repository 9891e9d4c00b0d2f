// Package position holds staking positions and the global pool aggregate, and
// provides the atomic apply operations that consume a fee signature and mutate
// balances in a single commit.
package position

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stakeworks/staking-ledger/internal/booster"
)

var (
	ErrInvalidInput            = errors.New("position: invalid input")
	ErrNotFound                = errors.New("position: not found")
	ErrConcurrentModification  = errors.New("position: concurrent modification")
	ErrInsufficientPoolBalance = errors.New("position: insufficient pool balance")
	ErrInsufficientPrincipal   = errors.New("position: insufficient principal")
)

// Position is one user's staking position. Records are never deleted; a full
// unstake zeroes the principal and freezes the accrual fields.
type Position struct {
	UserID       string
	Wallet       common.Address
	Principal    uint64 // token base units
	StakeStartAt time.Time
	LockedPrice  float64 // quote units per token, captured at stake time

	TotalClaimed   float64
	TotalAccrued   float64
	PendingRewards float64

	Boosters []booster.Booster

	// Version guards read-modify-write cycles: every apply is conditional on
	// the version the caller read.
	Version   uint64
	UpdatedAt time.Time
}

func (p Position) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("%w: missing user id", ErrInvalidInput)
	}
	if p.Principal > 0 {
		if p.LockedPrice <= 0 {
			return fmt.Errorf("%w: locked price must be > 0", ErrInvalidInput)
		}
		if p.StakeStartAt.IsZero() {
			return fmt.Errorf("%w: missing stake start", ErrInvalidInput)
		}
	}
	if p.TotalClaimed < 0 || p.TotalAccrued < 0 || p.PendingRewards < 0 {
		return fmt.Errorf("%w: negative accounting fields", ErrInvalidInput)
	}
	return nil
}

// Pool is the global staking aggregate. It is a versioned singleton: every
// mutation is a compare-and-swap against the version the caller read.
type Pool struct {
	TotalStakedPrincipal uint64
	RewardPoolBalance    float64 // quote units, invariant >= 0
	AccRewardPerShare    float64
	LastRewardAt         time.Time
	Version              uint64
}

// ClaimApply describes the atomic effect of a verified reward claim.
//
// Positions: totalAccrued is replaced by the freshly recomputed figure, the
// claimable delta moves into totalClaimed, pendingRewards resets to zero.
// Pool: the claim amount leaves the reward pool and the verified fee joins it.
type ClaimApply struct {
	ExpectedVersion     uint64
	ExpectedPoolVersion uint64

	NewTotalAccrued float64
	ClaimAmount     float64
	FeeToPool       float64

	Now time.Time
}

func (a ClaimApply) Validate() error {
	if a.ClaimAmount < 0 || a.FeeToPool < 0 || a.NewTotalAccrued < 0 {
		return fmt.Errorf("%w: negative claim fields", ErrInvalidInput)
	}
	if a.Now.IsZero() {
		return fmt.Errorf("%w: missing apply time", ErrInvalidInput)
	}
	return nil
}

// UnstakeApply describes the atomic effect of a verified withdrawal of
// principal. Pending rewards accrued so far are settled alongside.
type UnstakeApply struct {
	ExpectedVersion     uint64
	ExpectedPoolVersion uint64

	PrincipalDelta  uint64
	NewTotalAccrued float64
	RewardPayout    float64
	FeeToPool       float64

	Now time.Time
}

func (a UnstakeApply) Validate() error {
	if a.PrincipalDelta == 0 {
		return fmt.Errorf("%w: zero principal delta", ErrInvalidInput)
	}
	if a.RewardPayout < 0 || a.FeeToPool < 0 || a.NewTotalAccrued < 0 {
		return fmt.Errorf("%w: negative unstake fields", ErrInvalidInput)
	}
	if a.Now.IsZero() {
		return fmt.Errorf("%w: missing apply time", ErrInvalidInput)
	}
	return nil
}
