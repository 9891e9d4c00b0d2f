// Package capacity aggregates outstanding reward liability across staking
// positions and compares it against the reward pool's balance.
//
// The accountant only computes: it reports shortfalls and the consequences of
// remediation policies. Choosing and applying a policy is an operator action.
package capacity

import (
	"errors"
	"fmt"
	"time"

	"github.com/stakeworks/staking-ledger/internal/accrual"
	"github.com/stakeworks/staking-ledger/internal/booster"
	"github.com/stakeworks/staking-ledger/internal/position"
)

var (
	ErrInvalidInput = errors.New("capacity: invalid input")
	ErrUnknownTrim  = errors.New("capacity: unknown trim policy")
)

// Report is one assessment of aggregate liability against the pool.
type Report struct {
	TotalLiability  float64 `json:"totalLiability"`
	PoolBalance     float64 `json:"poolBalance"`
	Shortfall       float64 `json:"shortfall"`
	CoverageRatio   float64 `json:"coverageRatio"`
	ActivePositions int     `json:"activePositions"`

	GeneratedAt time.Time `json:"generatedAt"`
}

// Covered reports whether the pool can settle every outstanding liability.
func (r Report) Covered() bool {
	return r.Shortfall == 0
}

// Assess sums outstanding liability (totalAccrued - totalClaimed) over all
// positions with staked principal and compares it to poolBalance.
//
// CoverageRatio is poolBalance / totalLiability, and 1 when nothing is owed.
func Assess(positions []position.Position, poolBalance float64, now time.Time) (Report, error) {
	if poolBalance < 0 {
		return Report{}, fmt.Errorf("%w: negative pool balance", ErrInvalidInput)
	}

	r := Report{PoolBalance: poolBalance, GeneratedAt: now.UTC()}
	for _, p := range positions {
		if p.Principal == 0 {
			continue
		}
		liability := p.TotalAccrued - p.TotalClaimed
		if liability < 0 {
			return Report{}, fmt.Errorf("%w: user %s claimed more than accrued", ErrInvalidInput, p.UserID)
		}
		r.TotalLiability += liability
		r.ActivePositions++
	}

	if r.TotalLiability > poolBalance {
		r.Shortfall = r.TotalLiability - poolBalance
	}
	if r.TotalLiability == 0 {
		r.CoverageRatio = 1
	} else {
		r.CoverageRatio = poolBalance / r.TotalLiability
	}
	return r, nil
}

// TrimPolicy names a remediation variant.
type TrimPolicy string

const (
	// TrimNone leaves liability untouched.
	TrimNone TrimPolicy = "none"
	// TrimProportional scales total liability by (1 - factor).
	TrimProportional TrimPolicy = "proportional"
	// TrimEraScoped applies the factor only to liability accrued inside one
	// historical rate era.
	TrimEraScoped TrimPolicy = "era_scoped"
)

// TrimSpec describes one remediation scenario to evaluate.
type TrimSpec struct {
	Policy TrimPolicy
	Factor float64 // in [0, 1]

	// Era bounds, required for TrimEraScoped.
	EraStart time.Time
	EraEnd   time.Time
}

func (t TrimSpec) validate() error {
	switch t.Policy {
	case TrimNone:
		return nil
	case TrimProportional:
	case TrimEraScoped:
		if t.EraEnd.IsZero() || !t.EraStart.Before(t.EraEnd) {
			return fmt.Errorf("%w: era bounds required", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTrim, string(t.Policy))
	}
	if t.Factor < 0 || t.Factor > 1 {
		return fmt.Errorf("%w: factor must be in [0, 1]", ErrInvalidInput)
	}
	return nil
}

// TrimOutcome is the projected liability after applying one TrimSpec.
type TrimOutcome struct {
	Policy        TrimPolicy `json:"policy"`
	Factor        float64    `json:"factor"`
	PostTrim      float64    `json:"postTrim"`
	TrimmedAmount float64    `json:"trimmedAmount"`
	Coverable     bool       `json:"coverable"`
}

// ProjectTrim computes the post-trim liability for spec against an existing
// report. Proportional trims scale the whole liability; era-scoped trims
// require EraLiability (see EraLiability) for the affected portion.
func ProjectTrim(r Report, spec TrimSpec, eraLiability float64) (TrimOutcome, error) {
	if err := spec.validate(); err != nil {
		return TrimOutcome{}, err
	}

	out := TrimOutcome{Policy: spec.Policy, Factor: spec.Factor}
	switch spec.Policy {
	case TrimNone:
		out.PostTrim = r.TotalLiability
	case TrimProportional:
		out.PostTrim = r.TotalLiability * (1 - spec.Factor)
	case TrimEraScoped:
		if eraLiability < 0 || eraLiability > r.TotalLiability {
			return TrimOutcome{}, fmt.Errorf("%w: era liability outside total", ErrInvalidInput)
		}
		out.PostTrim = r.TotalLiability - spec.Factor*eraLiability
	}
	out.TrimmedAmount = r.TotalLiability - out.PostTrim
	out.Coverable = out.PostTrim <= r.PoolBalance
	return out, nil
}

// EraLiability recomputes, from stored position fields, the liability portion
// accrued inside [eraStart, eraEnd). Each position contributes at most its
// outstanding liability: claims settle oldest accrual first, so settled
// amounts come off the era portion before the remainder counts.
func EraLiability(positions []position.Position, schedule accrual.Schedule, resolver booster.Resolver, eraStart, eraEnd, now time.Time) (float64, error) {
	if eraEnd.IsZero() || !eraStart.Before(eraEnd) {
		return 0, fmt.Errorf("%w: era bounds required", ErrInvalidInput)
	}

	total := 0.0
	for _, p := range positions {
		if p.Principal == 0 {
			continue
		}
		start := p.StakeStartAt
		if start.Before(eraStart) {
			start = eraStart
		}
		end := now
		if end.After(eraEnd) {
			end = eraEnd
		}
		if !start.Before(end) {
			continue
		}

		mult, err := resolver.Resolve(p.Boosters)
		if err != nil {
			return 0, err
		}
		eraAccrued, err := schedule.Accrue(p.Principal, p.LockedPrice, start, end, mult)
		if err != nil {
			return 0, err
		}

		outstanding := p.TotalAccrued - p.TotalClaimed
		if outstanding < 0 {
			outstanding = 0
		}
		eraOutstanding := eraAccrued - p.TotalClaimed
		if eraOutstanding < 0 {
			eraOutstanding = 0
		}
		if eraOutstanding > outstanding {
			eraOutstanding = outstanding
		}
		total += eraOutstanding
	}
	return total, nil
}
