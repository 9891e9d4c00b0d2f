package leases

import (
	"context"
	"fmt"
	"time"
)

// Elector wraps a lease in "single active worker" semantics. The expiry
// sweeper and the capacity auditor each run one Elector per replica and skip
// their periodic work while not leading.
//
// Call Tick on every work interval; it returns whether this instance currently
// holds the lease.
type Elector struct {
	store Store
	name  string
	owner string
	ttl   time.Duration
}

func NewElector(store Store, leaseName, owner string, ttl time.Duration) (*Elector, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil lease store", ErrInvalidInput)
	}
	if err := validate(leaseName, owner, ttl); err != nil {
		return nil, err
	}
	return &Elector{
		store: store,
		name:  leaseName,
		owner: owner,
		ttl:   ttl,
	}, nil
}

// Tick renews leadership if already held, otherwise tries to acquire it.
func (e *Elector) Tick(ctx context.Context) (bool, error) {
	if e == nil || e.store == nil {
		return false, fmt.Errorf("%w: nil elector", ErrInvalidInput)
	}

	if _, ok, err := e.store.Renew(ctx, e.name, e.owner, e.ttl); err == nil && ok {
		return true, nil
	}

	_, ok, err := e.store.TryAcquire(ctx, e.name, e.owner, e.ttl)
	if err != nil {
		return false, err
	}
	return ok, nil
}
