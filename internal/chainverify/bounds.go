package chainverify

import (
	"errors"
	"fmt"
)

var ErrInvalidBounds = errors.New("chainverify: invalid bounds")

// Bound is an optional amount bound with an explicit presence flag. A bound of
// exactly 0 is a legitimate value and is distinct from an absent bound; bounds
// must never default through zero-value or falsy checks.
type Bound struct {
	value float64
	set   bool
}

// BoundOf returns a present bound. The zero Bound is absent.
func BoundOf(v float64) Bound {
	return Bound{value: v, set: true}
}

// Get returns the bound value and whether it is present.
func (b Bound) Get() (float64, bool) {
	return b.value, b.set
}

// Bounds is the inclusive [Min, Max] amount contract for a fee transfer.
type Bounds struct {
	Min Bound
	Max Bound
}

// ExplicitBounds builds an inclusive range with both ends present.
func ExplicitBounds(min, max float64) (Bounds, error) {
	if max < min {
		return Bounds{}, fmt.Errorf("%w: max %v < min %v", ErrInvalidBounds, max, min)
	}
	return Bounds{Min: BoundOf(min), Max: BoundOf(max)}, nil
}

// BoundsFromTolerance expands a nominal amount to
// [nominal*(1-tolerance), nominal*(1+tolerance)], clamping the minimum at 0.
// A tolerance of 1.0 deliberately accepts any non-negative amount up to double
// nominal; it is used for low-value claim fees where price volatility would
// otherwise cause spurious rejections.
func BoundsFromTolerance(nominal, tolerance float64) (Bounds, error) {
	if nominal < 0 {
		return Bounds{}, fmt.Errorf("%w: negative nominal %v", ErrInvalidBounds, nominal)
	}
	if tolerance < 0 || tolerance > 1 {
		return Bounds{}, fmt.Errorf("%w: tolerance %v outside [0,1]", ErrInvalidBounds, tolerance)
	}
	min := nominal * (1 - tolerance)
	if min < 0 {
		min = 0
	}
	return Bounds{Min: BoundOf(min), Max: BoundOf(nominal * (1 + tolerance))}, nil
}

// Contains reports whether v satisfies every present bound, inclusive on both
// ends. Absent bounds constrain nothing.
func (b Bounds) Contains(v float64) bool {
	if min, ok := b.Min.Get(); ok && v < min {
		return false
	}
	if max, ok := b.Max.Get(); ok && v > max {
		return false
	}
	return true
}
