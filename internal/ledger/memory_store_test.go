package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func testLog(userID string, createdAt time.Time) WithdrawalLog {
	wallet := common.HexToAddress("0x1111111111111111111111111111111111111111")
	return WithdrawalLog{
		ID:                LogIDV1(userID, wallet, createdAt),
		UserID:            userID,
		Wallet:            wallet,
		Kind:              KindWithdrawal,
		RequestedAmount:   50_000,
		FeeAmountExpected: 1.25,
		FeeAmountUsd:      3.5,
		PriceAtRequest:    2.8,
		Status:            StatusInitiated,
		CreatedAt:         createdAt,
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	l := testLog("user-1", now)
	if err := s.Create(ctx, l); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, l); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("duplicate create: got %v, want ErrInvalidInput", err)
	}

	got, err := s.Get(ctx, l.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusInitiated || got.UserID != "user-1" {
		t.Fatalf("got %+v", got)
	}
	if !got.UpdatedAt.Equal(now) {
		t.Fatalf("UpdatedAt = %v, want %v", got.UpdatedAt, now)
	}

	if _, err := s.Get(ctx, common.Hash{0x42}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing get: got %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_HappyPathTransitions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	l := testLog("user-1", now)
	if err := s.Create(ctx, l); err != nil {
		t.Fatalf("Create: %v", err)
	}

	feeSig := common.Hash{0xfe}
	if err := s.MarkFeeVerified(ctx, l.ID, feeSig, 1.5, 0, now.Add(time.Second)); err != nil {
		t.Fatalf("MarkFeeVerified: %v", err)
	}
	got, _ := s.Get(ctx, l.ID)
	if got.Status != StatusFeeVerified || !got.BalanceDeducted || got.FeeTxSignature != feeSig {
		t.Fatalf("after fee verified: %+v", got)
	}
	if got.BalanceBefore != 1.5 || got.BalanceAfter != 0 {
		t.Fatalf("balances = %v/%v", got.BalanceBefore, got.BalanceAfter)
	}

	paySig := common.Hash{0xaa}
	if err := s.MarkCompleted(ctx, l.ID, paySig, now.Add(2*time.Second)); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	got, _ = s.Get(ctx, l.ID)
	if got.Status != StatusCompleted || got.PayoutTxSignature != paySig {
		t.Fatalf("after completed: %+v", got)
	}
	if !got.Status.Terminal() {
		t.Fatal("completed must be terminal")
	}

	// Terminal records never move again.
	if err := s.MarkFailed(ctx, l.ID, CodePayoutFailure, "late failure", now.Add(3*time.Second)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("fail after completed: got %v, want ErrInvalidTransition", err)
	}
}

func TestMemoryStore_CompletedRequiresFeeVerified(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	l := testLog("user-1", now)
	if err := s.Create(ctx, l); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := s.MarkCompleted(ctx, l.ID, common.Hash{0xaa}, now)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("completed from initiated: got %v, want ErrInvalidTransition", err)
	}
	got, _ := s.Get(ctx, l.ID)
	if got.Status != StatusInitiated {
		t.Fatalf("record mutated on rejected transition: %+v", got)
	}
}

func TestMemoryStore_RefundPreconditions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Failed before any deduction: refund is illegal.
	clean := testLog("user-1", now)
	if err := s.Create(ctx, clean); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.MarkFailed(ctx, clean.ID, CodeExpired, "window elapsed", now); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := s.MarkRefunded(ctx, clean.ID, "n/a", now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("refund without deduction: got %v, want ErrInvalidTransition", err)
	}

	// Failed after the deduction: refund is the only legal exit, exactly once.
	deducted := testLog("user-2", now)
	if err := s.Create(ctx, deducted); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.MarkFeeVerified(ctx, deducted.ID, common.Hash{0xfe}, 2, 0, now); err != nil {
		t.Fatalf("MarkFeeVerified: %v", err)
	}
	if err := s.MarkFailed(ctx, deducted.ID, CodePayoutFailure, "payout bounced", now); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := s.MarkRefunded(ctx, deducted.ID, "ticket-812", now.Add(time.Hour)); err != nil {
		t.Fatalf("MarkRefunded: %v", err)
	}
	got, _ := s.Get(ctx, deducted.ID)
	if got.Status != StatusRefunded || !got.BalanceRefunded || got.Notes != "ticket-812" {
		t.Fatalf("after refund: %+v", got)
	}
	if err := s.MarkRefunded(ctx, deducted.ID, "again", now.Add(2*time.Hour)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double refund: got %v, want ErrInvalidTransition", err)
	}
}

func TestMemoryStore_MarkFailedDeducted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	l := testLog("user-1", now)
	if err := s.Create(ctx, l); err != nil {
		t.Fatalf("Create: %v", err)
	}

	feeSig := common.Hash{0xfe}
	if err := s.MarkFailedDeducted(ctx, l.ID, feeSig, 1.5, 0, CodePersistenceError, "transition lost", now.Add(time.Second)); err != nil {
		t.Fatalf("MarkFailedDeducted: %v", err)
	}
	got, _ := s.Get(ctx, l.ID)
	if got.Status != StatusFailed || got.ErrorCode != CodePersistenceError {
		t.Fatalf("after failed with deduction: %+v", got)
	}
	if !got.BalanceDeducted || got.FeeTxSignature != feeSig || got.BalanceBefore != 1.5 {
		t.Fatalf("deduction not recorded: %+v", got)
	}

	// The record reaches the refund queue, not the expiry path.
	refunds, err := s.ListPendingRefunds(ctx)
	if err != nil {
		t.Fatalf("ListPendingRefunds: %v", err)
	}
	if len(refunds) != 1 || refunds[0].ID != l.ID {
		t.Fatalf("refund queue: %+v", refunds)
	}

	// Only initiated records qualify; the fee_verified path uses MarkFailed.
	verified := testLog("user-2", now)
	if err := s.Create(ctx, verified); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.MarkFeeVerified(ctx, verified.ID, common.Hash{0xfd}, 2, 0, now); err != nil {
		t.Fatalf("MarkFeeVerified: %v", err)
	}
	if err := s.MarkFailedDeducted(ctx, verified.ID, common.Hash{0xfd}, 2, 0, CodePersistenceError, "late", now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("from fee_verified: got %v, want ErrInvalidTransition", err)
	}
}

func TestMemoryStore_MarkFailedIncrementsRetry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	l := testLog("user-1", now)
	if err := s.Create(ctx, l); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.MarkFailed(ctx, l.ID, CodeNotFound, "tx missing", now); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	got, _ := s.Get(ctx, l.ID)
	if got.RetryCount != 1 || got.ErrorCode != CodeNotFound || got.ErrorMessage != "tx missing" {
		t.Fatalf("after failure: %+v", got)
	}
}

func TestMemoryStore_RefundQueueAndStaleListing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Old failed-and-deducted record: belongs on the refund queue.
	refundable := testLog("user-1", base)
	if err := s.Create(ctx, refundable); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.MarkFeeVerified(ctx, refundable.ID, common.Hash{0xfe}, 2, 0, base); err != nil {
		t.Fatalf("MarkFeeVerified: %v", err)
	}
	if err := s.MarkFailed(ctx, refundable.ID, CodePayoutFailure, "payout bounced", base); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	// Expired-before-deduction record: failed but not refundable.
	expired := testLog("user-2", base.Add(time.Minute))
	if err := s.Create(ctx, expired); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.MarkFailed(ctx, expired.ID, CodeExpired, "window elapsed", base.Add(time.Minute)); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	// Fresh initiated record.
	fresh := testLog("user-3", base.Add(2*time.Minute))
	if err := s.Create(ctx, fresh); err != nil {
		t.Fatalf("Create: %v", err)
	}

	refunds, err := s.ListPendingRefunds(ctx)
	if err != nil {
		t.Fatalf("ListPendingRefunds: %v", err)
	}
	if len(refunds) != 1 || refunds[0].ID != refundable.ID {
		t.Fatalf("refund queue: %+v", refunds)
	}

	stale, err := s.ListStaleInitiated(ctx, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("ListStaleInitiated: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != fresh.ID {
		t.Fatalf("stale listing: %+v", stale)
	}

	byUser, err := s.ListByUser(ctx, "user-2")
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(byUser) != 1 || byUser[0].ID != expired.ID {
		t.Fatalf("by user: %+v", byUser)
	}
}

func TestLogIDV1_Deterministic(t *testing.T) {
	t.Parallel()

	wallet := common.HexToAddress("0x2222222222222222222222222222222222222222")
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := LogIDV1("user-1", wallet, at)
	b := LogIDV1("user-1", wallet, at)
	if a != b {
		t.Fatal("same inputs must produce the same id")
	}
	if a == LogIDV1("user-2", wallet, at) {
		t.Fatal("different users must produce different ids")
	}
	if a == LogIDV1("user-1", wallet, at.Add(time.Nanosecond)) {
		t.Fatal("different instants must produce different ids")
	}
}
