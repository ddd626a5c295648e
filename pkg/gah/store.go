package gah

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

const (
	// DefaultCapacity is the number of slots a store starts with.
	DefaultCapacity = 8192
	// DefaultDelta is the number of slots added when the free list runs dry.
	DefaultDelta = 8192

	noSlot = -1
)

var (
	// ErrInUse is returned by Destroy while tokens are still live.
	ErrInUse = errors.New("gah: handles still in use")
	// ErrCapacity is returned when growing would overflow the slot id space.
	ErrCapacity = errors.New("gah: store capacity exhausted")
)

type slot struct {
	inUse    bool
	base     uint8
	revision uint64
	data     any
	next     int64
}

// Stats is a point-in-time view of a store.
type Stats struct {
	InUse    int `json:"in_use"`
	Capacity int `json:"capacity"`
	Grows    int `json:"grows"`
}

// Store allocates tokens from a slot table. Free slots form a singly linked list
// threaded through the table by index, popped from the head and appended at the tail.
type Store struct {
	mu       sync.Mutex
	slots    []slot
	initial  int
	head     int64
	tail     int64
	size     int
	delta    int
	rank     uint8
	grows    int
	maxSlots int64
}

// Option configures a Store.
type Option func(*Store)

// WithCapacity sets the initial number of slots.
func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.initial = n
		}
	}
}

// WithDelta sets the growth increment.
func WithDelta(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.delta = n
		}
	}
}

// WithRank sets the root written into minted tokens.
func WithRank(rank uint8) Option {
	return func(s *Store) {
		s.rank = rank
	}
}

// withMaxSlots lowers the slot id ceiling; tests use it to reach ErrCapacity.
func withMaxSlots(n int64) Option {
	return func(s *Store) {
		s.maxSlots = n
	}
}

// NewStore creates a store with every initial slot on the free list.
func NewStore(opts ...Option) *Store {
	s := &Store{
		head:     noSlot,
		tail:     noSlot,
		initial:  DefaultCapacity,
		delta:    DefaultDelta,
		maxSlots: math.MaxUint32 + 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.slots = make([]slot, 0, s.initial)
	// The initial fill is not counted as a growth event.
	_ = s.grow(s.initial)
	s.grows = 0
	return s
}

// grow appends n free slots. Caller holds mu or owns s exclusively.
func (s *Store) grow(n int) error {
	first := int64(len(s.slots))
	if first+int64(n) > s.maxSlots {
		return ErrCapacity
	}
	for i := 0; i < n; i++ {
		s.slots = append(s.slots, slot{next: noSlot})
		idx := first + int64(i)
		if i > 0 {
			s.slots[idx-1].next = idx
		}
	}
	last := first + int64(n) - 1
	if s.tail == noSlot {
		s.head = first
	} else {
		s.slots[s.tail].next = first
	}
	s.tail = last
	s.grows++
	return nil
}

// Allocate claims a slot for data and returns its token. base is an opaque tag
// recorded in the token, typically the export or projection id.
func (s *Store) Allocate(base uint8, data any) (GAH, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.head == noSlot {
		if err := s.grow(s.delta); err != nil {
			return GAH{}, err
		}
	}

	idx := s.head
	ent := &s.slots[idx]
	s.head = ent.next
	if s.head == noSlot {
		s.tail = noSlot
	}
	ent.next = noSlot
	ent.revision++
	ent.inUse = true
	ent.base = base
	ent.data = data
	s.size++

	return GAH{
		Revision: ent.revision,
		Root:     s.rank,
		Base:     base,
		Version:  Version,
		Slot:     uint32(idx),
	}.Seal(), nil
}

// Validate checks the token and returns the data it refers to. The checks run in a
// fixed order: integrity, version, range, liveness.
func (s *Store) Validate(g GAH) (any, error) {
	if err := g.CheckCRC(); err != nil {
		return nil, err
	}
	if err := g.CheckVersion(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, err := s.liveSlot(g)
	if err != nil {
		return nil, err
	}
	return ent.data, nil
}

// liveSlot performs the range and liveness checks. Caller holds mu.
func (s *Store) liveSlot(g GAH) (*slot, error) {
	if int64(g.Slot) >= int64(len(s.slots)) {
		return nil, ErrOutOfRange
	}
	ent := &s.slots[g.Slot]
	if !ent.inUse || ent.revision != g.Revision {
		return nil, ErrExpired
	}
	return ent, nil
}

// Release returns the token's slot to the tail of the free list. The token must
// still be valid; releasing a stale or forged token is rejected so it cannot
// free a slot that now belongs to someone else.
func (s *Store) Release(g GAH) error {
	if err := g.CheckCRC(); err != nil {
		return err
	}
	if err := g.CheckVersion(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, err := s.liveSlot(g)
	if err != nil {
		return err
	}
	ent.inUse = false
	ent.data = nil
	ent.next = noSlot

	idx := int64(g.Slot)
	if s.tail == noSlot {
		s.head = idx
	} else {
		s.slots[s.tail].next = idx
	}
	s.tail = idx
	s.size--
	return nil
}

// Range calls fn for every live slot until fn returns false. fn runs with the
// store locked and must not call back into the store.
func (s *Store) Range(fn func(g GAH, data any) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for idx := range s.slots {
		ent := &s.slots[idx]
		if !ent.inUse {
			continue
		}
		g := GAH{Revision: ent.revision, Root: s.rank, Base: ent.base, Version: Version, Slot: uint32(idx)}.Seal()
		if !fn(g, ent.data) {
			return
		}
	}
}

// Destroy fails with ErrInUse if any token is still live.
func (s *Store) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size != 0 {
		return fmt.Errorf("%w: %d live", ErrInUse, s.size)
	}
	for idx := range s.slots {
		if s.slots[idx].inUse {
			return fmt.Errorf("%w: slot %d", ErrInUse, idx)
		}
	}
	s.slots = nil
	s.head, s.tail = noSlot, noSlot
	return nil
}

// Rank returns the root recorded in minted tokens.
func (s *Store) Rank() uint8 {
	return s.rank
}

// InUse returns the number of live tokens.
func (s *Store) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{InUse: s.size, Capacity: len(s.slots), Grows: s.grows}
}
