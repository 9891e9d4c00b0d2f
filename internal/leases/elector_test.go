package leases

import (
	"context"
	"testing"
	"time"
)

func TestElector_Tick_AcquireRenewSteal(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	nowFn := func() time.Time { return now }

	ls := NewMemoryStore(nowFn)

	a, err := NewElector(ls, NameExpirySweeper, "a", 10*time.Second)
	if err != nil {
		t.Fatalf("NewElector(a): %v", err)
	}
	b, err := NewElector(ls, NameExpirySweeper, "b", 10*time.Second)
	if err != nil {
		t.Fatalf("NewElector(b): %v", err)
	}

	ctx := context.Background()

	leader, err := a.Tick(ctx)
	if err != nil {
		t.Fatalf("a.Tick: %v", err)
	}
	if !leader {
		t.Fatalf("expected a to acquire leadership")
	}

	leader, err = b.Tick(ctx)
	if err != nil {
		t.Fatalf("b.Tick: %v", err)
	}
	if leader {
		t.Fatalf("expected b to not be leader while a lease is valid")
	}

	now = now.Add(5 * time.Second)
	leader, err = a.Tick(ctx)
	if err != nil {
		t.Fatalf("a.Tick renew: %v", err)
	}
	if !leader {
		t.Fatalf("expected a to remain leader")
	}

	// After expiry, b can steal.
	now = now.Add(11 * time.Second)
	leader, err = b.Tick(ctx)
	if err != nil {
		t.Fatalf("b.Tick steal: %v", err)
	}
	if !leader {
		t.Fatalf("expected b to steal leadership after expiry")
	}
}

func TestNewElector_Validation(t *testing.T) {
	t.Parallel()

	nowFn := func() time.Time { return time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC) }
	ls := NewMemoryStore(nowFn)

	if _, err := NewElector(nil, NameExpirySweeper, "a", time.Second); err == nil {
		t.Fatalf("expected error for nil store")
	}
	if _, err := NewElector(ls, "", "a", time.Second); err == nil {
		t.Fatalf("expected error for empty lease name")
	}
	if _, err := NewElector(ls, NameExpirySweeper, "a", 0); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
}
