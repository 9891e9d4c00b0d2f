package accrual

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// RateChange is one entry of the configured annual-rate schedule. The rate
// applies from EffectiveFrom (inclusive) until the next entry takes over.
type RateChange struct {
	EffectiveFrom time.Time
	AnnualRate    float64
}

// Schedule is an ordered, versioned rate configuration. Cutover instants are
// injected configuration, never hardcoded.
type Schedule struct {
	changes []RateChange
}

// NewSchedule validates and normalizes the change list. Entries must be
// non-empty, strictly increasing in EffectiveFrom, and carry non-negative rates.
func NewSchedule(changes []RateChange) (Schedule, error) {
	if len(changes) == 0 {
		return Schedule{}, fmt.Errorf("%w: empty", ErrInvalidSchedule)
	}
	cs := make([]RateChange, len(changes))
	copy(cs, changes)
	slices.SortFunc(cs, func(a, b RateChange) int {
		return a.EffectiveFrom.Compare(b.EffectiveFrom)
	})
	for i, c := range cs {
		if c.EffectiveFrom.IsZero() {
			return Schedule{}, fmt.Errorf("%w: zero effective-from", ErrInvalidSchedule)
		}
		if c.AnnualRate < 0 {
			return Schedule{}, fmt.Errorf("%w: negative rate %v", ErrInvalidSchedule, c.AnnualRate)
		}
		if i > 0 && !cs[i-1].EffectiveFrom.Before(c.EffectiveFrom) {
			return Schedule{}, fmt.Errorf("%w: duplicate effective-from %v", ErrInvalidSchedule, c.EffectiveFrom)
		}
	}
	return Schedule{changes: cs}, nil
}

// ParseSchedule builds a Schedule from a comma-separated list of
// "RFC3339=rate" entries, e.g. "2025-01-01T00:00:00Z=0.35,2025-06-01T00:00:00Z=0.21".
// This is the flag/env representation used by the binaries.
func ParseSchedule(s string) (Schedule, error) {
	parts := strings.Split(s, ",")
	changes := make([]RateChange, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		at, rate, ok := strings.Cut(part, "=")
		if !ok {
			return Schedule{}, fmt.Errorf("%w: entry %q is not RFC3339=rate", ErrInvalidSchedule, part)
		}
		from, err := time.Parse(time.RFC3339, strings.TrimSpace(at))
		if err != nil {
			return Schedule{}, fmt.Errorf("%w: parse %q: %v", ErrInvalidSchedule, at, err)
		}
		r, err := strconv.ParseFloat(strings.TrimSpace(rate), 64)
		if err != nil {
			return Schedule{}, fmt.Errorf("%w: parse rate %q: %v", ErrInvalidSchedule, rate, err)
		}
		changes = append(changes, RateChange{EffectiveFrom: from, AnnualRate: r})
	}
	return NewSchedule(changes)
}

// RateAt returns the annual rate in force at t. An instant before the first
// entry is a configuration error: the caller has no rate to apply.
func (s Schedule) RateAt(t time.Time) (float64, error) {
	rate := 0.0
	found := false
	for _, c := range s.changes {
		if c.EffectiveFrom.After(t) {
			break
		}
		rate = c.AnnualRate
		found = true
	}
	if !found {
		return 0, fmt.Errorf("%w: %v", ErrNoRateForInstant, t)
	}
	return rate, nil
}

// Segment is one era of the accrual interval during which a single rate applies.
type Segment struct {
	Start      time.Time
	End        time.Time
	AnnualRate float64
}

// Segments partitions [start, end) at every schedule cutover falling inside the
// interval. The partitioning is deterministic: identical inputs reproduce
// identical segments, which is what makes historical recomputation auditable.
func (s Schedule) Segments(start, end time.Time) ([]Segment, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end before start", ErrInvalidInput)
	}
	if _, err := s.RateAt(start); err != nil {
		return nil, err
	}
	if start.Equal(end) {
		return nil, nil
	}

	cuts := []time.Time{start}
	for _, c := range s.changes {
		if c.EffectiveFrom.After(start) && c.EffectiveFrom.Before(end) {
			cuts = append(cuts, c.EffectiveFrom)
		}
	}
	cuts = append(cuts, end)

	out := make([]Segment, 0, len(cuts)-1)
	for i := 0; i < len(cuts)-1; i++ {
		rate, err := s.RateAt(cuts[i])
		if err != nil {
			return nil, err
		}
		out = append(out, Segment{Start: cuts[i], End: cuts[i+1], AnnualRate: rate})
	}
	return out, nil
}

// Accrue sums per-segment rewards over [start, end) using the frozen price and
// multiplier of the position. Recomputing with the same stored fields must
// reproduce the persisted total within 1e-6 quote units.
func (s Schedule) Accrue(principal uint64, price float64, start, end time.Time, multiplier float64) (float64, error) {
	segs, err := s.Segments(start, end)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, seg := range segs {
		total += Reward(principal, price, seg.End.Sub(seg.Start), seg.AnnualRate, multiplier)
	}
	return total, nil
}
