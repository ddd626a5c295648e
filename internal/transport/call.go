package transport

import (
	"sync/atomic"
	"time"
)

// Call is one outstanding remote operation. The request engine fills Op, In and
// Out, and reads Err and Out from the completion callback.
type Call struct {
	Op   uint32
	Name string
	In   any
	Out  any

	// Endpoint is the index of the endpoint the call is sent to.
	Endpoint int
	// Err is the local transport error of the last attempt.
	Err error
	// Context is handed back untouched to the completion callback.
	Context any

	client *Client
	done   func(*Call)
	refs   atomic.Int32
	sent   time.Time
}

func (c *Call) reset() {
	c.Op, c.Name = 0, ""
	c.In, c.Out = nil, nil
	c.Endpoint = 0
	c.Err = nil
	c.Context = nil
	c.done = nil
	c.sent = time.Time{}
}

func (c *Call) decref() {
	if c.refs.Add(-1) == 0 {
		c.client.recycle(c)
	}
}

// Ref is a borrowed reference to a Call. The Call stays valid until every Ref
// taken on it has been released; Release on a Ref is idempotent, so a Ref can be
// released from every exit path without counting.
type Ref struct {
	call     *Call
	released atomic.Bool
}

// Call returns the referenced call. It must not be used after Release.
func (r *Ref) Call() *Call {
	return r.call
}

// Retain takes an additional reference, for example to keep a reply alive
// across several front-end calls.
func (r *Ref) Retain() *Ref {
	r.call.refs.Add(1)
	return &Ref{call: r.call}
}

// Release drops this reference. Only the first call has an effect.
func (r *Ref) Release() {
	if r.released.CompareAndSwap(false, true) {
		r.call.decref()
	}
}

// Released reports whether Release has been called.
func (r *Ref) Released() bool {
	return r.released.Load()
}
