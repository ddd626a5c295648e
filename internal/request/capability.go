package request

import (
	"sync"
	"sync/atomic"

	"github.com/iofwd/iof/pkg/gah"
)

// Capability is the client-side view of a remote handle: the token plus a valid
// flag. The flag is cleared when the I/O node rejects the token or the
// projection goes offline; operations on an invalid capability fail locally
// with EHOSTDOWN.
//
// The token itself is guarded by the projection's gah lock, shared by every
// capability of the projection. The flag is atomic so the completion path can
// clear it without taking any lock.
type Capability struct {
	lock  *sync.Mutex
	token gah.GAH
	ok    atomic.Bool
}

// NewCapability creates an unset, invalid capability guarded by lock. A nil lock
// gives the capability a private one.
func NewCapability(lock *sync.Mutex) *Capability {
	if lock == nil {
		lock = &sync.Mutex{}
	}
	return &Capability{lock: lock}
}

// Set stores a token and marks the capability valid.
func (c *Capability) Set(g gah.GAH) {
	c.lock.Lock()
	c.token = g
	c.lock.Unlock()
	c.ok.Store(true)
}

// Token returns the stored token and whether the capability is valid.
func (c *Capability) Token() (gah.GAH, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.token, c.ok.Load()
}

// Valid reports whether the capability may be used.
func (c *Capability) Valid() bool {
	return c.ok.Load()
}

// MarkInvalid clears the valid flag. It reports whether this call changed it.
func (c *Capability) MarkInvalid() bool {
	return c.ok.CompareAndSwap(true, false)
}

// String returns the token for logging.
func (c *Capability) String() string {
	g, ok := c.Token()
	if !ok {
		return g.String() + "(invalid)"
	}
	return g.String()
}
