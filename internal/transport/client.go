// Package transport carries forwarded operations between clients and I/O nodes
// over gRPC, with bodies encoded as CBOR arrays. Client calls are asynchronous:
// Send returns immediately and the completion is delivered by Progress on the
// goroutine that drives it.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/iofwd/iof/internal/circuit"
	"github.com/iofwd/iof/internal/pool"
	"github.com/iofwd/iof/pkg/errors"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultQueueDepth = 1024
	callPoolDelta     = 64
)

// ClientConfig holds client transport settings.
type ClientConfig struct {
	// Endpoints is the ordered failover set of I/O node addresses.
	Endpoints      []string
	Timeout        time.Duration
	MaxMessageSize int
	QueueDepth     int
	Breaker        circuit.Config
}

type endpoint struct {
	addr    string
	conn    *grpc.ClientConn
	breaker *circuit.Breaker
}

// Client sends calls to an I/O node endpoint set.
type Client struct {
	cfg       ClientConfig
	endpoints []*endpoint
	breakers  *circuit.Group
	active    atomic.Int32

	calls       *pool.Pool[Call]
	completions chan *Call
	inflight    sync.WaitGroup

	ctx      context.Context
	cancel   context.CancelFunc
	closed   atomic.Bool
	closeMu  sync.RWMutex
	logger   *slog.Logger
	observer Observer
	dialOpts []grpc.DialOption
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithObserver reports every completed call to o.
func WithObserver(o Observer) ClientOption {
	return func(c *Client) {
		c.observer = o
	}
}

// WithDialOptions appends gRPC dial options, for example a custom dialer.
func WithDialOptions(opts ...grpc.DialOption) ClientOption {
	return func(c *Client) {
		c.dialOpts = append(c.dialOpts, opts...)
	}
}

// NewClient creates a client for cfg.Endpoints. Connections are established
// lazily by gRPC on first use.
func NewClient(cfg ClientConfig, logger *slog.Logger, opts ...ClientOption) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "no endpoints configured").
			WithComponent("transport")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if logger == nil {
		logger = slog.Default()
	}

	breakerCfg := cfg.Breaker
	breakerCfg.IsSuccessful = func(err error) bool { return !IsUnreachable(err) }

	c := &Client{
		cfg:         cfg,
		breakers:    circuit.NewGroup(breakerCfg),
		completions: make(chan *Call, cfg.QueueDepth),
		logger:      logger.With("component", "transport-client"),
	}
	c.calls = pool.New(pool.Config[Call]{
		Name:  "calls",
		Delta: callPoolDelta,
		Init:  func(call *Call) { call.client = c },
	})
	for _, opt := range opts {
		opt(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	callOpts := []grpc.CallOption{grpc.CallContentSubtype(CodecName)}
	if cfg.MaxMessageSize > 0 {
		callOpts = append(callOpts,
			grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
			grpc.MaxCallSendMsgSize(cfg.MaxMessageSize))
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(callOpts...),
	}, c.dialOpts...)

	for _, addr := range cfg.Endpoints {
		conn, err := grpc.NewClient(addr, dialOpts...)
		if err != nil {
			c.closeConns()
			return nil, errors.Wrap(err, errors.ErrCodeTransportUnreachable,
				fmt.Sprintf("create client for %s", addr)).WithComponent("transport")
		}
		c.endpoints = append(c.endpoints, &endpoint{
			addr:    addr,
			conn:    conn,
			breaker: c.breakers.Get(addr),
		})
	}
	return c, nil
}

// NewCall takes a call from the client's pool. The returned Ref is the creator's
// reference.
func (c *Client) NewCall(op uint32, name string, in, out any) (*Ref, error) {
	call, err := c.calls.Take()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeResourceExhausted, "take call").WithComponent("transport")
	}
	call.Op, call.Name = op, name
	call.In, call.Out = in, out
	call.Endpoint = c.Active()
	call.refs.Store(1)
	return &Ref{call: call}, nil
}

func (c *Client) recycle(call *Call) {
	call.reset()
	if err := c.calls.Release(call); err != nil {
		c.logger.Error("Recycling call failed", "error", err)
	}
}

// Send issues the call on its endpoint. done runs exactly once, from Progress,
// after the reply has been decoded into call.Out or call.Err has been set.
func (c *Client) Send(ref *Ref, done func(*Call)) error {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()

	if c.closed.Load() {
		return errors.NewError(errors.ErrCodeTransportSend, "client closed").
			WithComponent("transport").WithCause(ErrClosed)
	}

	call := ref.call
	if call.Endpoint < 0 || call.Endpoint >= len(c.endpoints) {
		return errors.Newf(errors.ErrCodeInvalidState, "endpoint %d out of range", call.Endpoint).
			WithComponent("transport")
	}

	call.refs.Add(1)
	call.done = done
	call.Err = nil
	call.sent = time.Now()

	c.inflight.Add(1)
	go c.invoke(call)
	return nil
}

func (c *Client) invoke(call *Call) {
	defer c.inflight.Done()

	ep := c.endpoints[call.Endpoint]
	if err := ep.breaker.Allow(); err != nil {
		call.Err = errors.NewError(errors.ErrCodeTransportUnreachable, err.Error()).
			WithComponent("transport").WithOperation(call.Name).WithCause(ErrUnreachable)
		c.completions <- call
		return
	}

	call.Err = c.roundTrip(ep, call)
	ep.breaker.Record(call.Err)
	c.completions <- call
}

func (c *Client) roundTrip(ep *endpoint, call *Call) error {
	body, err := Marshal(call.In)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeTransportProtocol, "encode request").
			WithComponent("transport").WithOperation(call.Name)
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.Timeout)
	defer cancel()

	var reply Reply
	if err := ep.conn.Invoke(ctx, callMethod, &Envelope{Op: call.Op, Body: body}, &reply); err != nil {
		return classify(call.Name, err)
	}
	if err := Unmarshal(reply.Body, call.Out); err != nil {
		return errors.Wrap(err, errors.ErrCodeTransportProtocol, "decode reply").
			WithComponent("transport").WithOperation(call.Name)
	}
	return nil
}

// Progress runs the completion callbacks of finished calls on the calling
// goroutine. It waits up to timeout for the first completion, then drains
// whatever else is ready without blocking. A non-positive timeout never blocks.
// It returns the number of callbacks run.
func (c *Client) Progress(timeout time.Duration) (int, error) {
	n := 0
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case call := <-c.completions:
			c.complete(call)
			n++
		case <-timer.C:
			return 0, nil
		case <-c.ctx.Done():
			if c.closed.Load() {
				return 0, ErrClosed
			}
		}
	}

	for {
		select {
		case call := <-c.completions:
			c.complete(call)
			n++
		default:
			return n, nil
		}
	}
}

func (c *Client) complete(call *Call) {
	if c.observer != nil {
		c.observer.ObserveRPC("client", call.Name, time.Since(call.sent), call.Err)
	}
	if done := call.done; done != nil {
		call.done = nil
		done(call)
	}
	call.decref()
}

// Active returns the index of the endpoint new calls are sent to.
func (c *Client) Active() int {
	return int(c.active.Load())
}

// Endpoint returns the address at index i.
func (c *Client) Endpoint(i int) string {
	if i < 0 || i >= len(c.endpoints) {
		return ""
	}
	return c.endpoints[i].addr
}

// Endpoints returns the number of endpoints.
func (c *Client) Endpoints() int {
	return len(c.endpoints)
}

// Failover marks endpoint from as down and moves the active endpoint to the next
// one whose breaker is not open. Concurrent failovers away from the same
// endpoint move it only once.
func (c *Client) Failover(from int) (int, error) {
	if from >= 0 && from < len(c.endpoints) {
		c.endpoints[from].breaker.Trip()
	}
	next, err := c.breakers.Next(from)
	if err != nil {
		return -1, errors.Wrap(err, errors.ErrCodeTransportUnreachable, "no endpoint left").
			WithComponent("transport")
	}
	if c.active.CompareAndSwap(int32(from), int32(next)) {
		c.logger.Warn("Failing over", "from", c.Endpoint(from), "to", c.Endpoint(next))
		return next, nil
	}
	return c.Active(), nil
}

// Breakers returns the endpoint breaker group.
func (c *Client) Breakers() *circuit.Group {
	return c.breakers
}

// CallStats returns the call pool counters.
func (c *Client) CallStats() pool.Stats {
	return c.calls.Stats()
}

// Close cancels outstanding calls, runs their completions and closes every
// connection.
func (c *Client) Close() error {
	c.closeMu.Lock()
	if !c.closed.CompareAndSwap(false, true) {
		c.closeMu.Unlock()
		return nil
	}
	c.closeMu.Unlock()

	c.cancel()

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	for drained := false; !drained; {
		select {
		case call := <-c.completions:
			c.complete(call)
		case <-done:
			drained = true
		}
	}
	for {
		select {
		case call := <-c.completions:
			c.complete(call)
		default:
			return c.closeConns()
		}
	}
}

func (c *Client) closeConns() error {
	var first error
	for _, ep := range c.endpoints {
		if err := ep.conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
