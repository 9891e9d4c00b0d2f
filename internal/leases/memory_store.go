package leases

import (
	"context"
	"sync"
	"time"
)

type memoryLease struct {
	owner     string
	expiresAt time.Time
}

// MemoryStore keeps leases in process memory. Used by unit tests and by
// single-replica deployments that do not need cross-process coordination.
type MemoryStore struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryLease
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:     now,
		entries: make(map[string]memoryLease),
	}
}

func (s *MemoryStore) lease(name string) Lease {
	e := s.entries[name]
	return Lease{Name: name, Owner: e.owner, ExpiresAt: e.expiresAt}
}

func (s *MemoryStore) TryAcquire(_ context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := validate(name, owner, ttl); err != nil {
		return Lease{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, held := s.entries[name]; held && e.expiresAt.After(now) {
		return s.lease(name), false, nil
	}
	s.entries[name] = memoryLease{owner: owner, expiresAt: now.Add(ttl)}
	return s.lease(name), true, nil
}

func (s *MemoryStore) Renew(_ context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := validate(name, owner, ttl); err != nil {
		return Lease{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, held := s.entries[name]
	switch {
	case !held:
		return Lease{}, false, ErrNotFound
	case e.owner != owner:
		return Lease{}, false, ErrNotOwner
	}

	// An expired lease can still be renewed by its owner until stolen.
	s.entries[name] = memoryLease{owner: owner, expiresAt: s.now().Add(ttl)}
	return s.lease(name), true, nil
}

func (s *MemoryStore) Release(_ context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, held := s.entries[name]
	switch {
	case !held:
		return nil // idempotent
	case e.owner != owner:
		return ErrNotOwner
	}
	delete(s.entries, name)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (Lease, error) {
	if name == "" {
		return Lease{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.entries[name]; !held {
		return Lease{}, ErrNotFound
	}
	return s.lease(name), nil
}

var _ Store = (*MemoryStore)(nil)
