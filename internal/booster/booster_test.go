package booster

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestNewResolver_RejectsUnknownPolicy(t *testing.T) {
	t.Parallel()

	if _, err := NewResolver(Policy("both")); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("got %v, want ErrInvalidPolicy", err)
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	active := []Booster{
		{Type: TypeBronze, AcquiredAt: at},
		{Type: TypeGold, AcquiredAt: at},
		{Type: TypeSilver, AcquiredAt: at},
	}

	cases := []struct {
		name   string
		policy Policy
		active []Booster
		want   float64
	}{
		{"no boosters is neutral", PolicyHighestTier, nil, 1.0},
		{"highest tier wins", PolicyHighestTier, active, 2.0},
		{"multiplicative compounds", PolicyMultiplicative, active, 1.25 * 1.5 * 2.0},
		{"single bronze", PolicyMultiplicative, active[:1], 1.25},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			r, err := NewResolver(tc.policy)
			if err != nil {
				t.Fatalf("NewResolver: %v", err)
			}
			got, err := r.Resolve(tc.active)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if math.Abs(got-tc.want) > 1e-12 {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			if got < 1.0 {
				t.Fatalf("multiplier below neutral: %v", got)
			}
		})
	}
}

func TestResolve_UnknownTypeRejected(t *testing.T) {
	t.Parallel()

	r, err := NewResolver(PolicyHighestTier)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	if _, err := r.Resolve([]Booster{{Type: Type("platinum")}}); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("got %v, want ErrUnknownType", err)
	}
}
