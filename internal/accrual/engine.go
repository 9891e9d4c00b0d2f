// Package accrual computes time-weighted staking rewards.
//
// The engine is pure: it performs no I/O and is deterministic for a given set
// of inputs, so historical figures can be recomputed for audits and must match
// previously persisted values.
package accrual

import (
	"errors"
	"fmt"
	"time"
)

// secondsPerYear is the fixed annualization divisor (365 days, no leap handling).
const secondsPerYear = 365 * 86400

var (
	ErrInvalidInput     = errors.New("accrual: invalid input")
	ErrInvalidSchedule  = errors.New("accrual: invalid schedule")
	ErrNoRateForInstant = errors.New("accrual: no rate covers instant")
)

// Reward computes the time-weighted reward in quote-asset units:
//
//	principal * annualRate * price * elapsedSeconds / secondsPerYear * multiplier
//
// Zero elapsed time or zero principal yields zero. Negative elapsed time is
// treated as zero rather than producing a negative reward.
func Reward(principal uint64, price float64, elapsed time.Duration, annualRate, multiplier float64) float64 {
	if principal == 0 || elapsed <= 0 {
		return 0
	}
	seconds := elapsed.Seconds()
	return float64(principal) * annualRate * price * seconds / secondsPerYear * multiplier
}

// PoolShareEstimate computes the proportional pool-share figure:
//
//	(principal / totalStaked) * poolBalance
//
// This is a capacity/monitoring signal only. The time-weighted accrual is
// authoritative for what a user is owed; callers must never substitute this
// estimate for it.
func PoolShareEstimate(principal, totalStaked uint64, poolBalance float64) float64 {
	if principal == 0 || totalStaked == 0 {
		return 0
	}
	return float64(principal) / float64(totalStaked) * poolBalance
}

// ValidatePrice rejects the non-positive locked prices that would silently
// zero out every downstream reward.
func ValidatePrice(price float64) error {
	if price <= 0 {
		return fmt.Errorf("%w: price must be > 0", ErrInvalidInput)
	}
	return nil
}
