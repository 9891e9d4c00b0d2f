package ledger

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is a mutex-guarded in-process Store for tests and single-node
// operation.
type MemoryStore struct {
	mu   sync.Mutex
	logs map[common.Hash]WithdrawalLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[common.Hash]WithdrawalLog)}
}

func (s *MemoryStore) Create(_ context.Context, l WithdrawalLog) error {
	if err := l.Validate(); err != nil {
		return err
	}
	if l.Status != StatusInitiated {
		return fmt.Errorf("%w: new records must be initiated", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.logs[l.ID]; ok {
		return fmt.Errorf("%w: duplicate log id %s", ErrInvalidInput, l.ID.Hex())
	}
	l.UpdatedAt = l.CreatedAt
	s.logs[l.ID] = l
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id common.Hash) (WithdrawalLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[id]
	if !ok {
		return WithdrawalLog{}, ErrNotFound
	}
	return l, nil
}

func (s *MemoryStore) MarkFeeVerified(_ context.Context, id common.Hash, feeSig common.Hash, balanceBefore, balanceAfter float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[id]
	if !ok {
		return ErrNotFound
	}
	if !CanTransition(l.Status, StatusFeeVerified) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.Status, StatusFeeVerified)
	}
	l.Status = StatusFeeVerified
	l.FeeTxSignature = feeSig
	l.BalanceBefore = balanceBefore
	l.BalanceAfter = balanceAfter
	l.BalanceDeducted = true
	l.FeeVerifiedAt = at
	l.UpdatedAt = at
	s.logs[id] = l
	return nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, id common.Hash, payoutSig common.Hash, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[id]
	if !ok {
		return ErrNotFound
	}
	if !CanTransition(l.Status, StatusCompleted) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.Status, StatusCompleted)
	}
	l.Status = StatusCompleted
	l.PayoutTxSignature = payoutSig
	l.CompletedAt = at
	l.UpdatedAt = at
	s.logs[id] = l
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id common.Hash, errorCode, errorMessage string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[id]
	if !ok {
		return ErrNotFound
	}
	if !CanTransition(l.Status, StatusFailed) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.Status, StatusFailed)
	}
	l.Status = StatusFailed
	l.ErrorCode = errorCode
	l.ErrorMessage = errorMessage
	l.RetryCount++
	l.FailedAt = at
	l.UpdatedAt = at
	s.logs[id] = l
	return nil
}

func (s *MemoryStore) MarkFailedDeducted(_ context.Context, id common.Hash, feeSig common.Hash, balanceBefore, balanceAfter float64, errorCode, errorMessage string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[id]
	if !ok {
		return ErrNotFound
	}
	if l.Status != StatusInitiated {
		return fmt.Errorf("%w: %s -> %s with deduction", ErrInvalidTransition, l.Status, StatusFailed)
	}
	l.Status = StatusFailed
	l.FeeTxSignature = feeSig
	l.BalanceBefore = balanceBefore
	l.BalanceAfter = balanceAfter
	l.BalanceDeducted = true
	l.ErrorCode = errorCode
	l.ErrorMessage = errorMessage
	l.RetryCount++
	l.FailedAt = at
	l.UpdatedAt = at
	s.logs[id] = l
	return nil
}

func (s *MemoryStore) MarkRefunded(_ context.Context, id common.Hash, notes string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[id]
	if !ok {
		return ErrNotFound
	}
	if !CanTransition(l.Status, StatusRefunded) || !l.BalanceDeducted || l.BalanceRefunded {
		return fmt.Errorf("%w: %s -> %s (deducted=%v refunded=%v)",
			ErrInvalidTransition, l.Status, StatusRefunded, l.BalanceDeducted, l.BalanceRefunded)
	}
	l.Status = StatusRefunded
	l.BalanceRefunded = true
	l.Notes = notes
	l.RefundedAt = at
	l.UpdatedAt = at
	s.logs[id] = l
	return nil
}

func (s *MemoryStore) ListPendingRefunds(_ context.Context) ([]WithdrawalLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []WithdrawalLog
	for _, l := range s.logs {
		if l.Status == StatusFailed && l.BalanceDeducted && !l.BalanceRefunded {
			out = append(out, l)
		}
	}
	sortLogs(out)
	return out, nil
}

func (s *MemoryStore) ListStaleInitiated(_ context.Context, cutoff time.Time) ([]WithdrawalLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []WithdrawalLog
	for _, l := range s.logs {
		if l.Status == StatusInitiated && !l.CreatedAt.After(cutoff) {
			out = append(out, l)
		}
	}
	sortLogs(out)
	return out, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]WithdrawalLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []WithdrawalLog
	for _, l := range s.logs {
		if l.UserID == userID {
			out = append(out, l)
		}
	}
	sortLogs(out)
	return out, nil
}

func sortLogs(logs []WithdrawalLog) {
	slices.SortFunc(logs, func(a, b WithdrawalLog) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return a.ID.Cmp(b.ID)
	})
}

var _ Store = (*MemoryStore)(nil)
