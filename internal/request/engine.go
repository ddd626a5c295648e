// Package request drives pooled remote operations through their lifecycle:
// take, presend, send, completion or eviction, and release.
package request

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/iofwd/iof/internal/pool"
	"github.com/iofwd/iof/internal/progress"
	"github.com/iofwd/iof/internal/protocol"
	"github.com/iofwd/iof/internal/transport"
	"github.com/iofwd/iof/pkg/errors"
	"github.com/iofwd/iof/pkg/retry"
)

// Transport is the part of the transport client the engine uses.
type Transport interface {
	NewCall(op uint32, name string, in, out any) (*transport.Ref, error)
	Send(ref *transport.Ref, done func(*transport.Call)) error
	Failover(from int) (int, error)
}

// Waiter blocks until a tracker is signalled, driving progress if needed.
type Waiter interface {
	Wait(ctx context.Context, t *progress.Tracker) error
}

// Config holds engine settings.
type Config struct {
	// PoolDelta is the growth batch of request pools created by the engine.
	PoolDelta int
	// Retry bounds resends after eviction.
	Retry retry.Config
}

// Stats are engine counters.
type Stats struct {
	Sent          int64 `json:"sent"`
	Completed     int64 `json:"completed"`
	PresendFailed int64 `json:"presend_failed"`
	Evicted       int64 `json:"evicted"`
	Resent        int64 `json:"resent"`
	Invalidated   int64 `json:"invalidated"`
}

// Completion ownership of a request, see Await and Release.
const (
	settleNone int32 = iota
	settleAbandoned
	settleCompleted
	settleReleasePending
	settleReleased
)

// Engine submits requests and resolves their completions.
type Engine struct {
	private   *protocol.Class
	query     *protocol.Class
	transport Transport
	waiter    Waiter
	retryer   *retry.Retryer
	delta     int
	logger    *slog.Logger

	pools   *pool.Set
	generic *pool.Pool[Request]

	sent, completed, presendFailed atomic.Int64
	evicted, resent, invalidated   atomic.Int64
}

// NewEngine creates an engine for the IOF_PRIVATE and IOF_QUERY classes of reg.
func NewEngine(reg *protocol.Registry, t Transport, w Waiter, cfg Config, logger *slog.Logger) (*Engine, error) {
	private, err := reg.Class(protocol.ClassPrivate)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeNotInitialized, "protocol class").WithComponent("request")
	}
	query, err := reg.Class(protocol.ClassQuery)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeNotInitialized, "protocol class").WithComponent("request")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PoolDelta <= 0 {
		cfg.PoolDelta = pool.DefaultDelta
	}

	e := &Engine{
		private:   private,
		query:     query,
		transport: t,
		waiter:    w,
		retryer:   retry.New(cfg.Retry),
		delta:     cfg.PoolDelta,
		logger:    logger.With("component", "request"),
		pools:     pool.NewSet(),
	}
	e.generic = e.NewPool("generic", 0)
	return e, nil
}

// NewPool creates a request pool owned by the engine. A non-positive delta uses
// the engine default.
func (e *Engine) NewPool(name string, delta int) *pool.Pool[Request] {
	if delta <= 0 {
		delta = e.delta
	}
	var p *pool.Pool[Request]
	p = pool.Register(e.pools, pool.Config[Request]{
		Name:  name,
		Delta: delta,
		Init: func(r *Request) {
			r.engine = e
			r.pool = p
			r.state = StateInit
		},
		Reset: func(r *Request) bool {
			r.reset()
			return true
		},
	})
	return p
}

// Descriptor returns the IOF_PRIVATE descriptor of op.
func (e *Engine) Descriptor(op protocol.Op) protocol.Descriptor {
	return e.private.Descriptor(int(op))
}

// Take takes a request for op from p. The request is in state RESET.
func (e *Engine) Take(p *pool.Pool[Request], op protocol.Op) (*Request, error) {
	return e.take(p, e.Descriptor(op))
}

func (e *Engine) take(p *pool.Pool[Request], desc protocol.Descriptor) (*Request, error) {
	r, err := p.Take()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeResourceExhausted, "take request").
			WithComponent("request").WithOperation(desc.Name)
	}
	r.desc = desc
	return r, nil
}

// Send submits r. It fails without a transport call when presend fails, for
// example with EHOSTDOWN on an invalidated capability. On success r is live and
// its tracker fires once the completion has been processed.
func (e *Engine) Send(r *Request) error {
	if r.state != StateReset || r.settled.Load() == settleReleased {
		return errors.Newf(errors.ErrCodeInvalidState, "send in state %s", r.state).
			WithComponent("request").WithOperation(r.desc.Name)
	}

	r.Status = Status{}
	r.tracker.Init(1)
	r.settled.Store(settleNone)

	ops := r.ops()
	var err error
	if p, ok := ops.(Presender); ok {
		err = p.OnPresend(r)
	} else {
		err = e.presend(r)
	}
	if err != nil {
		e.presendFailed.Add(1)
		r.Status.Local = errors.Errno(err)
		r.Status.Err = err
		return err
	}

	r.attempts++
	if err := e.dispatch(r); err != nil {
		r.Status.Local = syscall.EIO
		r.Status.Err = err
		return err
	}

	if s, ok := ops.(Sender); ok {
		s.OnSend(r)
	}
	return nil
}

// presend is used when the Ops value does not implement Presender: it resolves
// the capability and copies it into the input.
func (e *Engine) presend(r *Request) error {
	if r.Cap == nil {
		return nil
	}
	g, err := r.ResolveGAH()
	if err != nil {
		return err
	}
	if in, ok := r.In.(protocol.GAHSetter); ok {
		in.SetGAH(g)
	}
	return nil
}

func (e *Engine) dispatch(r *Request) error {
	ref, err := e.transport.NewCall(r.desc.OpCode, r.desc.Name, r.In, r.Out)
	if err != nil {
		return err
	}
	call := ref.Call()
	call.Context = r
	r.endpoint = call.Endpoint
	r.ref = ref
	r.state = StateLive

	if err := e.transport.Send(ref, e.complete); err != nil {
		r.state = StateReset
		r.ref = nil
		ref.Release()
		return err
	}
	e.sent.Add(1)
	return nil
}

// complete runs on the progress goroutine, or on an inline waiter, once per
// transport call.
func (e *Engine) complete(call *transport.Call) {
	r, ok := call.Context.(*Request)
	if !ok || r.state != StateLive || r.ref == nil || r.ref.Call() != call {
		e.logger.Error("Completion for a request that is not live", "op", call.Name)
		return
	}

	if call.Err != nil && transport.IsUnreachable(call.Err) {
		e.evict(r, call)
		return
	}

	if call.Err != nil {
		r.Status.Err = call.Err
		r.Status.Local = syscall.EIO
		if transport.IsTimeout(call.Err) {
			r.Status.Local = syscall.EAGAIN
		}
	} else if res, ok := r.Out.(protocol.Result); ok {
		rc, remoteErr := res.Status()
		r.Status.Remote = syscall.Errno(rc)
		r.Status.RemoteErr = remoteErr
		if remoteErr == protocol.ErrGAHInvalid && r.Cap != nil && r.Cap.MarkInvalid() {
			e.invalidated.Add(1)
			e.logger.Warn("Capability rejected by I/O node", "op", r.desc.Name, "gah", r.Cap.String())
		}
	}
	e.finish(r)
}

func (e *Engine) evict(r *Request, call *transport.Call) {
	e.evicted.Add(1)
	e.logger.Warn("Request evicted", "op", r.desc.Name, "endpoint", call.Endpoint, "attempt", r.attempts)

	old := r.ref
	r.ref = nil
	r.state = StateReset

	policy, ok := r.ops().(Evicter)
	if !ok {
		policy = SimpleResend{}
	}
	err := policy.OnEvict(r)
	old.Release()
	if err == nil {
		return
	}

	r.Status.Err = err
	r.Status.Local = errors.Errno(err)
	e.finish(r)
}

// resend re-dispatches an evicted request on the next endpoint, backing off when
// failover lands on the same endpoint again.
func (e *Engine) resend(r *Request) error {
	if r.attempts >= e.retryer.MaxAttempts() {
		return errors.Newf(errors.ErrCodeRetryExhausted, "gave up after %d attempts", r.attempts).
			WithComponent("request").WithOperation(r.desc.Name)
	}

	next, err := e.transport.Failover(r.endpoint)
	if err != nil {
		return err
	}

	r.attempts++
	e.resent.Add(1)
	if next != r.endpoint {
		return e.dispatch(r)
	}

	time.AfterFunc(e.retryer.Delay(r.attempts-1), func() {
		if err := e.dispatch(r); err != nil {
			r.Status.Err = err
			r.Status.Local = syscall.EIO
			e.finish(r)
		}
	})
	return nil
}

// finish runs the result callback, drops the call reference and signals the
// waiter.
func (e *Engine) finish(r *Request) {
	r.ops().OnResult(r)

	if r.ref != nil {
		r.ref.Release()
		r.ref = nil
	}
	r.state = StateReset
	e.completed.Add(1)

	done := r.done
	if r.settled.CompareAndSwap(settleNone, settleCompleted) {
		if done != nil {
			done(r)
		}
		r.tracker.Signal()
		return
	}

	// The waiter gave up. Nothing touches r once the settlement is handed back,
	// unless the caller already asked for it to be released.
	if done != nil {
		done(r)
	}
	r.tracker.Signal()
	if !r.settled.CompareAndSwap(settleAbandoned, settleCompleted) {
		if err := e.release(r); err != nil {
			e.logger.Error("Deferred release failed", "request", r.String(), "error", err)
		}
	}
}

// Await waits for r to complete. If the wait fails the request is abandoned: it
// stays owned by the engine until its completion arrives, and the caller's
// Release becomes a deferred release.
func (e *Engine) Await(ctx context.Context, r *Request) error {
	err := e.waiter.Wait(ctx, &r.tracker)
	if err == nil {
		return nil
	}
	if !r.settled.CompareAndSwap(settleNone, settleAbandoned) {
		// Completion won the race and is about to signal.
		<-r.tracker.Done()
		return nil
	}

	errno := syscall.EINTR
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, progress.ErrBudgetExhausted) {
		errno = syscall.EAGAIN
	}
	return errors.Wrap(err, errors.ErrCodeTransportTimeout, "wait abandoned").
		WithComponent("request").
		WithOperation(r.desc.Name).
		WithErrno(errno)
}

// Release returns r to its pool, dropping any retained calls. A live request is
// rejected; an abandoned one is released when its completion arrives.
func (e *Engine) Release(r *Request) error {
	if r == nil {
		return nil
	}
	switch r.settled.Load() {
	case settleAbandoned:
		if r.settled.CompareAndSwap(settleAbandoned, settleReleasePending) {
			return nil
		}
	case settleReleasePending, settleReleased:
		return errors.NewError(errors.ErrCodeInvalidState, "release of a request already released").
			WithComponent("request").WithOperation(r.desc.Name)
	}
	if r.state == StateLive {
		return errors.NewError(errors.ErrCodeInvalidState, "release of a live request").
			WithComponent("request").WithOperation(r.desc.Name)
	}
	return e.release(r)
}

// release hands r back to its pool. r stays in the released settlement until
// its next take, so a second release is refused.
func (e *Engine) release(r *Request) error {
	r.DropRetained()
	r.settled.Store(settleReleased)
	if r.pool == nil {
		return nil
	}
	if err := r.pool.Release(r); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidState, "release request").
			WithComponent("request").WithOperation(r.desc.Name)
	}
	return nil
}

// Err returns the request outcome as an error carrying the resolved errno, or nil.
func (r *Request) Err() error {
	errno := r.Status.Errno()
	if errno == 0 {
		return nil
	}
	if r.Status.Local != 0 {
		code := errors.ErrCodeTransportSend
		if r.Status.Local == syscall.EAGAIN {
			code = errors.ErrCodeTransportTimeout
		}
		err := errors.NewError(code, "local failure").
			WithComponent("request").
			WithOperation(r.desc.Name).
			WithErrno(errno)
		if r.Status.Err != nil {
			err = err.WithCause(r.Status.Err)
		}
		return err
	}
	return errors.Newf(errors.ErrCodeRemoteFailure, "rc=%d err=%d", int(r.Status.Remote), r.Status.RemoteErr).
		WithComponent("request").
		WithOperation(r.desc.Name).
		WithErrno(errno)
}

// Pending is a request submitted through Submit.
type Pending struct {
	r *Request
}

// Result is the outcome of a submitted operation.
type Result struct {
	Status Status
	Out    any
}

// Submit sends op with the given payload on a request from the engine's
// generic pool. When c is set its token is copied into in before sending.
func (e *Engine) Submit(op protocol.Op, c *Capability, in, out any) (*Pending, error) {
	return e.submit(e.Descriptor(op), c, in, out)
}

func (e *Engine) submit(desc protocol.Descriptor, c *Capability, in, out any) (*Pending, error) {
	r, err := e.take(e.generic, desc)
	if err != nil {
		return nil, err
	}
	r.Cap, r.In, r.Out = c, in, out

	if err := e.Send(r); err != nil {
		e.drop(r)
		return nil, err
	}
	return &Pending{r: r}, nil
}

// Wait waits for a submitted operation and releases its request. The error is
// non-nil when the resolved status is non-zero.
func (e *Engine) Wait(ctx context.Context, p *Pending) (Result, error) {
	r := p.r
	defer e.drop(r)

	if err := e.Await(ctx, r); err != nil {
		return Result{}, err
	}
	return Result{Status: r.Status, Out: r.Out}, r.Err()
}

// drop releases r on a path that has nothing to return the error to.
func (e *Engine) drop(r *Request) {
	if err := e.Release(r); err != nil {
		e.logger.Warn("Releasing request failed", "request", r.String(), "error", err)
	}
}

// Call is Submit followed by Wait.
func (e *Engine) Call(ctx context.Context, op protocol.Op, c *Capability, in, out any) (Result, error) {
	p, err := e.Submit(op, c, in, out)
	if err != nil {
		return Result{}, err
	}
	return e.Wait(ctx, p)
}

// Query runs psr_query and returns the projections offered by the I/O node.
func (e *Engine) Query(ctx context.Context) (*protocol.PsrQueryOut, error) {
	out := new(protocol.PsrQueryOut)
	p, err := e.submit(e.query.Descriptor(int(protocol.OpPsrQuery)), nil, nil, out)
	if err != nil {
		return nil, err
	}
	if _, err := e.Wait(ctx, p); err != nil {
		return nil, err
	}
	return out, nil
}

// Pools returns the set of pools owned by the engine.
func (e *Engine) Pools() *pool.Set {
	return e.pools
}

// Stats returns the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Sent:          e.sent.Load(),
		Completed:     e.completed.Load(),
		PresendFailed: e.presendFailed.Load(),
		Evicted:       e.evicted.Load(),
		Resent:        e.resent.Load(),
		Invalidated:   e.invalidated.Load(),
	}
}

// Close destroys every pool. Pools with outstanding requests survive and are
// reported in the error; Close may be called again once they are released.
func (e *Engine) Close() error {
	if err := e.pools.Destroy(); err != nil {
		return errors.Wrap(err, errors.ErrCodeResourceLeaked, "requests outstanding").WithComponent("request")
	}
	return nil
}
