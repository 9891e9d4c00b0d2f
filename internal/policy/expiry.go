// Package policy holds pure planning logic for the withdrawal expiry sweep.
package policy

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// DefaultExpiryWindow is how long an initiated attempt may wait for fee
	// verification before it is considered expired.
	DefaultExpiryWindow = 90 * time.Second

	// DefaultMaxExpireBatch bounds how many records one sweep pass touches.
	DefaultMaxExpireBatch = 200
)

var (
	ErrInvalidConfig    = errors.New("policy: invalid config")
	ErrDuplicateAttempt = errors.New("policy: duplicate attempt id")
)

type ExpiryConfig struct {
	Window   time.Duration
	MaxBatch int
}

// Attempt is the minimal view of an initiated attempt the planner needs.
type Attempt struct {
	ID        common.Hash
	CreatedAt time.Time
}

// PlanExpirations selects the initiated attempts whose fee verification window
// has elapsed and chunks them into sweep batches of at most MaxBatch.
//
// Output is deterministic: ids are sorted ascending within each batch and the
// same inputs always produce the same plan, so concurrent sweepers converge.
func PlanExpirations(now time.Time, attempts []Attempt, cfg ExpiryConfig) ([][]common.Hash, error) {
	if cfg.Window <= 0 || cfg.MaxBatch <= 0 {
		return nil, fmt.Errorf("%w: Window/MaxBatch must be > 0", ErrInvalidConfig)
	}

	var due []Attempt
	for _, a := range attempts {
		if !a.CreatedAt.Add(cfg.Window).After(now) {
			due = append(due, a)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}

	slices.SortFunc(due, func(a, b Attempt) int {
		return bytes.Compare(a.ID[:], b.ID[:])
	})
	for i := 1; i < len(due); i++ {
		if due[i].ID == due[i-1].ID {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAttempt, due[i].ID.Hex())
		}
	}

	var plans [][]common.Hash
	for len(due) > 0 {
		n := len(due)
		if n > cfg.MaxBatch {
			n = cfg.MaxBatch
		}
		batch := make([]common.Hash, 0, n)
		for _, a := range due[:n] {
			batch = append(batch, a.ID)
		}
		plans = append(plans, batch)
		due = due[n:]
	}
	return plans, nil
}
