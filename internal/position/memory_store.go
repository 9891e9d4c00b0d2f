package position

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stakeworks/staking-ledger/internal/booster"
	"github.com/stakeworks/staking-ledger/internal/replay"
)

// MemoryStore is a mutex-guarded in-process Store. The mutex is what makes the
// mark-used + mutate step atomic here; the Postgres driver uses a transaction.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	positions map[string]Position
	pool      Pool
	poolInit  bool
	used      map[common.Hash]replay.UsedSignature
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:       now,
		positions: make(map[string]Position),
		used:      make(map[common.Hash]replay.UsedSignature),
	}
}

func (s *MemoryStore) GetPosition(_ context.Context, userID string) (Position, error) {
	if userID == "" {
		return Position{}, fmt.Errorf("%w: missing user id", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[userID]
	if !ok {
		return Position{}, ErrNotFound
	}
	return clonePosition(p), nil
}

func (s *MemoryStore) UpsertPosition(_ context.Context, p Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.positions[p.UserID]; ok && existing.Version != p.Version {
		return ErrConcurrentModification
	}
	p.Version++
	p.UpdatedAt = s.now()
	s.positions[p.UserID] = clonePosition(p)
	return nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		if p.Principal > 0 {
			out = append(out, clonePosition(p))
		}
	}
	slices.SortFunc(out, func(a, b Position) int { return strings.Compare(a.UserID, b.UserID) })
	return out, nil
}

func (s *MemoryStore) GetPool(_ context.Context) (Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.poolInit {
		return Pool{}, ErrNotFound
	}
	return s.pool, nil
}

func (s *MemoryStore) InitPool(_ context.Context, p Pool) error {
	if p.RewardPoolBalance < 0 {
		return fmt.Errorf("%w: negative pool balance", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.poolInit {
		return nil
	}
	s.pool = p
	s.poolInit = true
	return nil
}

func (s *MemoryStore) ApplyClaim(_ context.Context, userID string, used replay.UsedSignature, apply ClaimApply) (Position, error) {
	if err := apply.Validate(); err != nil {
		return Position{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.used[used.Signature]; ok {
		return Position{}, replay.ErrAlreadyUsed
	}
	p, ok := s.positions[userID]
	if !ok {
		return Position{}, ErrNotFound
	}
	if !s.poolInit {
		return Position{}, ErrNotFound
	}
	if p.Version != apply.ExpectedVersion || s.pool.Version != apply.ExpectedPoolVersion {
		return Position{}, ErrConcurrentModification
	}

	newBalance := s.pool.RewardPoolBalance - apply.ClaimAmount + apply.FeeToPool
	if newBalance < 0 {
		return Position{}, ErrInsufficientPoolBalance
	}

	s.used[used.Signature] = used

	p.TotalAccrued = apply.NewTotalAccrued
	p.TotalClaimed += apply.ClaimAmount
	p.PendingRewards = 0
	p.Version++
	p.UpdatedAt = apply.Now
	s.positions[userID] = p

	s.pool.RewardPoolBalance = newBalance
	s.pool.LastRewardAt = apply.Now
	s.pool.Version++

	return clonePosition(p), nil
}

func (s *MemoryStore) ApplyUnstake(_ context.Context, userID string, used replay.UsedSignature, apply UnstakeApply) (Position, error) {
	if err := apply.Validate(); err != nil {
		return Position{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.used[used.Signature]; ok {
		return Position{}, replay.ErrAlreadyUsed
	}
	p, ok := s.positions[userID]
	if !ok {
		return Position{}, ErrNotFound
	}
	if !s.poolInit {
		return Position{}, ErrNotFound
	}
	if p.Version != apply.ExpectedVersion || s.pool.Version != apply.ExpectedPoolVersion {
		return Position{}, ErrConcurrentModification
	}
	if apply.PrincipalDelta > p.Principal || apply.PrincipalDelta > s.pool.TotalStakedPrincipal {
		return Position{}, ErrInsufficientPrincipal
	}

	newBalance := s.pool.RewardPoolBalance - apply.RewardPayout + apply.FeeToPool
	if newBalance < 0 {
		return Position{}, ErrInsufficientPoolBalance
	}

	s.used[used.Signature] = used

	p.Principal -= apply.PrincipalDelta
	p.TotalAccrued = apply.NewTotalAccrued
	p.TotalClaimed += apply.RewardPayout
	p.PendingRewards = 0
	p.Version++
	p.UpdatedAt = apply.Now
	s.positions[userID] = p

	s.pool.TotalStakedPrincipal -= apply.PrincipalDelta
	s.pool.RewardPoolBalance = newBalance
	s.pool.LastRewardAt = apply.Now
	s.pool.Version++

	return clonePosition(p), nil
}

func clonePosition(p Position) Position {
	p.Boosters = append([]booster.Booster(nil), p.Boosters...)
	return p
}

var _ Store = (*MemoryStore)(nil)
