package pool

import (
	"errors"
	"sync"
)

// Member is the type-erased view of a Pool held by a Set.
type Member interface {
	Name() string
	Stats() Stats
	Destroy() error
}

// Set groups the pools of one consumer so they can be reported on and torn
// down together.
type Set struct {
	mu      sync.Mutex
	members []Member
}

// NewSet creates an empty set.
func NewSet() *Set {
	return &Set{}
}

// Add registers m with the set.
func (s *Set) Add(m Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members = append(s.members, m)
}

// Register creates a pool from cfg and adds it to s.
func Register[T any](s *Set, cfg Config[T]) *Pool[T] {
	p := New(cfg)
	s.Add(p)
	return p
}

// Stats returns the stats of every member in registration order.
func (s *Set) Stats() []Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Stats, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m.Stats())
	}
	return out
}

// Destroy destroys every member. All members are attempted; the failures are
// joined.
func (s *Set) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, m := range s.members {
		if err := m.Destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
