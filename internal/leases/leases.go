// Package leases coordinates singleton background work across replicas.
// A worker holds a named lease while it runs the expiry sweep or the capacity
// audit; losing the lease means another replica has taken over.
package leases

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput = errors.New("leases: invalid input")
	ErrNotFound     = errors.New("leases: not found")
	ErrNotOwner     = errors.New("leases: not owner")
)

// Lease names used by the daemons. Keeping them here stops two binaries from
// accidentally electing leaders on different keys.
const (
	NameExpirySweeper   = "staking.expiry-sweeper"
	NameCapacityAuditor = "staking.capacity-auditor"
)

// Lease is a named ownership record with an expiry.
type Lease struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// Store is the lease backend.
//
// TryAcquire takes the lease when it is absent or expired at the store's
// clock. Renew extends it for the current owner only. Release by the owner is
// idempotent; release of an absent lease succeeds.
type Store interface {
	TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Renew(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, name, owner string) error
	Get(ctx context.Context, name string) (Lease, error)
}

func validate(name, owner string, ttl time.Duration) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty lease name", ErrInvalidInput)
	case owner == "":
		return fmt.Errorf("%w: empty owner", ErrInvalidInput)
	case ttl <= 0:
		return fmt.Errorf("%w: ttl must be positive", ErrInvalidInput)
	}
	return nil
}
