package policy

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func hashN(n byte) common.Hash {
	var h common.Hash
	h[31] = n
	return h
}

func TestPlanExpirations_InvalidConfig(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	attempts := []Attempt{{ID: hashN(1), CreatedAt: now.Add(-time.Hour)}}

	if _, err := PlanExpirations(now, attempts, ExpiryConfig{Window: 0, MaxBatch: 10}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("zero window: got %v, want ErrInvalidConfig", err)
	}
	if _, err := PlanExpirations(now, attempts, ExpiryConfig{Window: time.Minute, MaxBatch: 0}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("zero max batch: got %v, want ErrInvalidConfig", err)
	}
}

func TestPlanExpirations_WindowBoundary(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := ExpiryConfig{Window: DefaultExpiryWindow, MaxBatch: 10}

	attempts := []Attempt{
		// Exactly at the window boundary: due.
		{ID: hashN(1), CreatedAt: now.Add(-DefaultExpiryWindow)},
		// One second inside the window: not due.
		{ID: hashN(2), CreatedAt: now.Add(-DefaultExpiryWindow + time.Second)},
		// Long past: due.
		{ID: hashN(3), CreatedAt: now.Add(-time.Hour)},
	}

	plans, err := PlanExpirations(now, attempts, cfg)
	if err != nil {
		t.Fatalf("PlanExpirations: %v", err)
	}
	if len(plans) != 1 {
		t.Fatalf("got %d batches, want 1", len(plans))
	}
	want := []common.Hash{hashN(1), hashN(3)}
	if len(plans[0]) != len(want) {
		t.Fatalf("got %d ids, want %d", len(plans[0]), len(want))
	}
	for i, id := range plans[0] {
		if id != want[i] {
			t.Fatalf("batch[%d] = %s, want %s", i, id.Hex(), want[i].Hex())
		}
	}
}

func TestPlanExpirations_NoneDue(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	attempts := []Attempt{{ID: hashN(1), CreatedAt: now.Add(-time.Second)}}

	plans, err := PlanExpirations(now, attempts, ExpiryConfig{Window: DefaultExpiryWindow, MaxBatch: 10})
	if err != nil {
		t.Fatalf("PlanExpirations: %v", err)
	}
	if plans != nil {
		t.Fatalf("got %d batches, want none", len(plans))
	}
}

func TestPlanExpirations_ChunksAndSorts(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// Unsorted input across 2.5 batches.
	var attempts []Attempt
	for _, n := range []byte{9, 3, 7, 1, 5, 2, 8, 4, 6, 10} {
		attempts = append(attempts, Attempt{ID: hashN(n), CreatedAt: now.Add(-time.Hour)})
	}

	plans, err := PlanExpirations(now, attempts, ExpiryConfig{Window: DefaultExpiryWindow, MaxBatch: 4})
	if err != nil {
		t.Fatalf("PlanExpirations: %v", err)
	}
	if len(plans) != 3 {
		t.Fatalf("got %d batches, want 3", len(plans))
	}
	if len(plans[0]) != 4 || len(plans[1]) != 4 || len(plans[2]) != 2 {
		t.Fatalf("batch sizes %d/%d/%d, want 4/4/2", len(plans[0]), len(plans[1]), len(plans[2]))
	}

	var next byte = 1
	for _, batch := range plans {
		for _, id := range batch {
			if id != hashN(next) {
				t.Fatalf("got %s, want %s", id.Hex(), hashN(next).Hex())
			}
			next++
		}
	}
}

func TestPlanExpirations_Deterministic(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	attempts := []Attempt{
		{ID: hashN(5), CreatedAt: now.Add(-time.Hour)},
		{ID: hashN(2), CreatedAt: now.Add(-2 * time.Hour)},
		{ID: hashN(9), CreatedAt: now.Add(-time.Minute * 30)},
	}
	cfg := ExpiryConfig{Window: DefaultExpiryWindow, MaxBatch: 2}

	first, err := PlanExpirations(now, attempts, cfg)
	if err != nil {
		t.Fatalf("PlanExpirations: %v", err)
	}
	second, err := PlanExpirations(now, attempts, cfg)
	if err != nil {
		t.Fatalf("PlanExpirations: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("plan lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		for j := range first[i] {
			if first[i][j] != second[i][j] {
				t.Fatalf("plans differ at [%d][%d]", i, j)
			}
		}
	}
}

func TestPlanExpirations_DuplicateAttempt(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	attempts := []Attempt{
		{ID: hashN(1), CreatedAt: now.Add(-time.Hour)},
		{ID: hashN(1), CreatedAt: now.Add(-2 * time.Hour)},
	}

	_, err := PlanExpirations(now, attempts, ExpiryConfig{Window: DefaultExpiryWindow, MaxBatch: 10})
	if !errors.Is(err, ErrDuplicateAttempt) {
		t.Fatalf("got %v, want ErrDuplicateAttempt", err)
	}
}
