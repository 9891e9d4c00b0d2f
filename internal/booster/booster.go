// Package booster resolves a position's held boosters to a single reward
// multiplier.
//
// Every consumer (accrual, audits, reporting) must go through one Resolver so
// the composition policy cannot diverge between call sites.
package booster

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidPolicy = errors.New("booster: invalid policy")
	ErrUnknownType   = errors.New("booster: unknown type")
)

// Type identifies a booster tier.
type Type string

const (
	TypeBronze Type = "bronze"
	TypeSilver Type = "silver"
	TypeGold   Type = "gold"
)

// Multiplier returns the fixed tier multiplier for the type.
func (t Type) Multiplier() (float64, error) {
	switch t {
	case TypeBronze:
		return 1.25, nil
	case TypeSilver:
		return 1.5, nil
	case TypeGold:
		return 2.0, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownType, string(t))
	}
}

// Booster is one multiplier-granting qualification attached to a position.
type Booster struct {
	Type       Type
	AcquiredAt time.Time
}

// Policy selects how simultaneously active boosters compose.
type Policy string

const (
	// PolicyHighestTier takes max(multiplier_i) over active boosters.
	PolicyHighestTier Policy = "highest_tier"
	// PolicyMultiplicative takes the product of all active multipliers.
	PolicyMultiplicative Policy = "multiplicative"
)

// Resolver applies one composition policy uniformly.
type Resolver struct {
	policy Policy
}

func NewResolver(policy Policy) (Resolver, error) {
	switch policy {
	case PolicyHighestTier, PolicyMultiplicative:
		return Resolver{policy: policy}, nil
	default:
		return Resolver{}, fmt.Errorf("%w: %q", ErrInvalidPolicy, string(policy))
	}
}

// Resolve maps the active boosters to a multiplier >= 1.0. No boosters means
// the neutral multiplier 1.0. Unknown booster types are rejected rather than
// silently skipped; a stored position must never carry one.
func (r Resolver) Resolve(active []Booster) (float64, error) {
	if len(active) == 0 {
		return 1.0, nil
	}
	switch r.policy {
	case PolicyMultiplicative:
		out := 1.0
		for _, b := range active {
			m, err := b.Type.Multiplier()
			if err != nil {
				return 0, err
			}
			out *= m
		}
		return out, nil
	default:
		out := 1.0
		for _, b := range active {
			m, err := b.Type.Multiplier()
			if err != nil {
				return 0, err
			}
			if m > out {
				out = m
			}
		}
		return out, nil
	}
}
