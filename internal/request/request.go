package request

import (
	"fmt"
	"sync/atomic"
	"syscall"

	"github.com/iofwd/iof/internal/pool"
	"github.com/iofwd/iof/internal/progress"
	"github.com/iofwd/iof/internal/protocol"
	"github.com/iofwd/iof/internal/transport"
	"github.com/iofwd/iof/pkg/errors"
	"github.com/iofwd/iof/pkg/gah"
)

// State is the lifecycle tag of a pooled request.
type State int

const (
	// StateInit is a freshly allocated request whose fields are unset.
	StateInit State = iota + 1
	// StateReset is a request ready to be filled in and sent.
	StateReset
	// StateLive is a request submitted and awaiting completion.
	StateLive
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReset:
		return "RESET"
	case StateLive:
		return "LIVE"
	default:
		return "UNKNOWN"
	}
}

// Status is the accumulated outcome of a request.
type Status struct {
	// Local is this node's view: EAGAIN on timeout, EIO for other transport errors.
	Local syscall.Errno
	// Remote is the rc reported by the I/O node.
	Remote syscall.Errno
	// RemoteErr is the raw err field of the reply.
	RemoteErr int32
	// Err is the transport or policy error behind Local, if any.
	Err error
}

// Errno resolves the status to the single code seen by the caller. Local errors
// take precedence; a non-zero remote err becomes EIO; otherwise the remote rc is
// returned as is.
func (s Status) Errno() syscall.Errno {
	if s.Local != 0 {
		return s.Local
	}
	if s.RemoteErr != protocol.ErrNone {
		return syscall.EIO
	}
	return s.Remote
}

// Ops is the per-operation policy table. OnResult runs once per completed
// request, while the request is still live.
type Ops interface {
	OnResult(r *Request)
}

// Presender resolves the capability and copies it into the payload before the
// request is sent. A failure aborts the send without a transport call.
type Presender interface {
	OnPresend(r *Request) error
}

// Sender runs right after the request was handed to the transport. It must not
// touch the payload.
type Sender interface {
	OnSend(r *Request)
}

// Evicter decides what happens when the transport evicts the call. Returning nil
// means the request was resent and stays live.
type Evicter interface {
	OnEvict(r *Request) error
}

// NoResult is an Ops with an empty result callback.
type NoResult struct{}

// OnResult does nothing.
func (NoResult) OnResult(*Request) {}

// RestockOnSend refills the request's pool as soon as the request is sent, so the
// next caller never waits behind a completion. Embed it in an Ops value.
type RestockOnSend struct{}

// OnSend restocks the pool the request came from.
func (RestockOnSend) OnSend(r *Request) {
	if r.pool != nil {
		r.pool.Restock()
	}
}

// SimpleResend resends the request on the next endpoint of the failover set.
// It is the policy used when an Ops value does not implement Evicter.
type SimpleResend struct{}

// OnEvict resends r.
func (SimpleResend) OnEvict(r *Request) error {
	return r.engine.resend(r)
}

// FailOnEvict fails the caller with EHOSTDOWN instead of resending. Operations
// that hold server-side cursor state use it, since the state does not exist on
// any other endpoint.
type FailOnEvict struct{}

// OnEvict fails r.
func (FailOnEvict) OnEvict(r *Request) error {
	return errors.NewError(errors.ErrCodeTransportUnreachable, "evicted").
		WithComponent("request").
		WithOperation(r.desc.Name).
		WithErrno(syscall.EHOSTDOWN)
}

// Request is one pooled remote operation.
type Request struct {
	// In and Out are the message layouts of the operation.
	In  any
	Out any
	// Cap is the capability the request targets, if any.
	Cap *Capability
	// Ops is the policy table; nil behaves as NoResult.
	Ops Ops
	// Status is valid once the request has completed.
	Status Status
	// Data carries per-operation state owned by the caller.
	Data any

	desc     protocol.Descriptor
	state    State
	engine   *Engine
	pool     *pool.Pool[Request]
	tracker  progress.Tracker
	done     func(*Request)
	ref      *transport.Ref
	retained []*transport.Ref
	endpoint int
	attempts int
	settled  atomic.Int32
}

// State returns the lifecycle tag.
func (r *Request) State() State {
	return r.state
}

// Descriptor returns the operation descriptor the request was prepared with.
func (r *Request) Descriptor() protocol.Descriptor {
	return r.desc
}

// Tracker returns the completion latch, signalled once per send.
func (r *Request) Tracker() *progress.Tracker {
	return &r.tracker
}

// Attempts returns how many times the request has been sent.
func (r *Request) Attempts() int {
	return r.attempts
}

// OnDone sets a continuation run after the tracker is signalled.
func (r *Request) OnDone(fn func(*Request)) {
	r.done = fn
}

// ResolveGAH returns the token of the request's capability, failing with
// EHOSTDOWN when the capability is unset or has been invalidated.
func (r *Request) ResolveGAH() (gah.GAH, error) {
	if r.Cap == nil {
		return gah.GAH{}, errors.NewError(errors.ErrCodeGAHInvalid, "no capability").
			WithComponent("request").WithOperation(r.desc.Name)
	}
	g, ok := r.Cap.Token()
	if !ok {
		return g, errors.NewError(errors.ErrCodeGAHInvalid, "capability marked invalid").
			WithComponent("request").
			WithOperation(r.desc.Name).
			WithContext("gah", g.String())
	}
	return g, nil
}

// Retain keeps the current call alive past completion, for replies consumed
// over several front-end calls. Retained calls are dropped by Release or
// DropRetained. It must be called from OnResult.
func (r *Request) Retain() {
	if r.ref != nil {
		r.retained = append(r.retained, r.ref.Retain())
	}
}

// DropRetained releases every retained call.
func (r *Request) DropRetained() {
	for i, ref := range r.retained {
		ref.Release()
		r.retained[i] = nil
	}
	r.retained = r.retained[:0]
}

// Retained returns the number of retained calls.
func (r *Request) Retained() int {
	return len(r.retained)
}

func (r *Request) ops() Ops {
	if r.Ops == nil {
		return NoResult{}
	}
	return r.Ops
}

func (r *Request) reset() {
	r.In, r.Out = nil, nil
	r.Cap = nil
	r.Ops = nil
	r.Status = Status{}
	r.Data = nil
	r.desc = protocol.Descriptor{}
	r.done = nil
	r.ref = nil
	r.DropRetained()
	r.endpoint = 0
	r.attempts = 0
	r.settled.Store(settleNone)
	r.tracker.Init(1)
	r.state = StateReset
}

func (r *Request) String() string {
	return fmt.Sprintf("%s[%s]", r.desc.Name, r.state)
}
