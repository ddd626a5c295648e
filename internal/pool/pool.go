// Package pool provides typed free lists of reusable objects. Objects are
// constructed once, in batches, and reset on every take instead of being
// reallocated.
package pool

import (
	"errors"
	"fmt"
	"sync"
)

// DefaultDelta is the batch size used when Config.Delta is not set.
const DefaultDelta = 16

var (
	// ErrOutstanding is returned by Destroy while objects are still taken.
	ErrOutstanding = errors.New("pool: objects still outstanding")
	// ErrDestroyed is returned by operations on a destroyed pool.
	ErrDestroyed = errors.New("pool: destroyed")
	// ErrNotTaken is returned by Release for an object the pool did not hand
	// out, or one that was already released.
	ErrNotTaken = errors.New("pool: object not taken")
)

// Config describes one pool.
type Config[T any] struct {
	Name string
	// Delta is the number of objects allocated each time the free list runs dry.
	Delta int
	// Init runs once when an object is first allocated.
	Init func(*T)
	// Reset runs on every take. Returning false discards the object and another
	// one is taken in its place.
	Reset func(*T) bool
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Name      string `json:"name"`
	Allocated int    `json:"allocated"`
	Free      int    `json:"free"`
	InUse     int    `json:"in_use"`
	Grows     int    `json:"grows"`
}

// Pool is a typed, internally locked free list.
type Pool[T any] struct {
	mu        sync.Mutex
	cfg       Config[T]
	free      []*T
	taken     map[*T]struct{}
	allocated int
	inUse     int
	grows     int
	destroyed bool
}

// New creates an empty pool. Nothing is allocated until the first Take or
// Restock.
func New[T any](cfg Config[T]) *Pool[T] {
	if cfg.Delta <= 0 {
		cfg.Delta = DefaultDelta
	}
	return &Pool[T]{cfg: cfg, taken: make(map[*T]struct{})}
}

// grow allocates one delta-sized batch. Caller holds mu.
func (p *Pool[T]) grow() {
	batch := make([]T, p.cfg.Delta)
	for i := range batch {
		obj := &batch[i]
		if p.cfg.Init != nil {
			p.cfg.Init(obj)
		}
		p.free = append(p.free, obj)
	}
	p.allocated += p.cfg.Delta
	p.grows++
}

// Take pops an object from the free list, growing it if empty.
func (p *Pool[T]) Take() (*T, error) {
	for {
		p.mu.Lock()
		if p.destroyed {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrDestroyed, p.cfg.Name)
		}
		if len(p.free) == 0 {
			p.grow()
		}
		last := len(p.free) - 1
		obj := p.free[last]
		p.free[last] = nil
		p.free = p.free[:last]
		p.taken[obj] = struct{}{}
		p.inUse++
		p.mu.Unlock()

		if p.cfg.Reset == nil || p.cfg.Reset(obj) {
			return obj, nil
		}

		p.mu.Lock()
		delete(p.taken, obj)
		p.inUse--
		p.allocated--
		p.mu.Unlock()
	}
}

// Release pushes obj back onto the free list. It is reset on its next take.
// Releasing an object twice fails with ErrNotTaken and leaves the pool as it
// was.
func (p *Pool[T]) Release(obj *T) error {
	if obj == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.taken[obj]; !ok {
		return fmt.Errorf("%w: %s", ErrNotTaken, p.cfg.Name)
	}
	delete(p.taken, obj)
	p.inUse--
	if p.destroyed {
		return nil
	}
	p.free = append(p.free, obj)
	return nil
}

// Restock makes sure at least one free object is available so the next Take
// does not have to allocate.
func (p *Pool[T]) Restock() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.destroyed && len(p.free) == 0 {
		p.grow()
	}
}

// Name returns the configured pool name.
func (p *Pool[T]) Name() string {
	return p.cfg.Name
}

// Stats returns a snapshot of the pool counters.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Name:      p.cfg.Name,
		Allocated: p.allocated,
		Free:      len(p.free),
		InUse:     p.inUse,
		Grows:     p.grows,
	}
}

// Destroy drops every free object. It fails if any object is still taken; the
// pool stays usable in that case.
func (p *Pool[T]) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return nil
	}
	if p.inUse > 0 {
		return fmt.Errorf("%w: %s has %d", ErrOutstanding, p.cfg.Name, p.inUse)
	}
	p.free = nil
	p.allocated = 0
	p.destroyed = true
	return nil
}
