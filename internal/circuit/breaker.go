// Package circuit tracks the health of I/O node endpoints. The transport keeps one
// breaker per endpoint; an endpoint whose breaker is open is skipped when a
// request is resent after eviction.
package circuit

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - endpoint is healthy, calls pass through
	StateClosed State = iota
	// StateOpen - endpoint is considered down, calls are rejected
	StateOpen
	// StateHalfOpen - a limited number of trial calls are let through
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains circuit breaker configuration
type Config struct {
	// Maximum number of trial calls allowed while half-open
	MaxRequests uint32 `yaml:"max_requests"`

	// Period of the closed state after which counts are cleared
	Interval time.Duration `yaml:"interval"`

	// Period of the open state after which the breaker enters half-open state
	Timeout time.Duration `yaml:"timeout"`

	// Consecutive failures that open the breaker when ReadyToTrip is not set
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// Function to determine if the breaker should open
	ReadyToTrip func(counts Counts) bool `yaml:"-"`

	// Function called when state changes
	OnStateChange func(name string, from State, to State) `yaml:"-"`

	// Function to determine if an error should be counted as a failure
	IsSuccessful func(err error) bool `yaml:"-"`
}

// DefaultConfig returns the breaker settings used for endpoints.
func DefaultConfig() Config {
	return Config{
		MaxRequests:      1,
		Interval:         60 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 3,
	}
}

// Counts holds the numbers of requests and their successes/failures
type Counts struct {
	Requests             uint32    `json:"requests"`
	TotalSuccesses       uint32    `json:"total_successes"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	LastActivity         time.Time `json:"last_activity"`
}

// Breaker guards one endpoint.
type Breaker struct {
	name   string
	config Config

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(name string, config Config) *Breaker {
	if config.MaxRequests == 0 {
		config.MaxRequests = 1
	}
	if config.Interval <= 0 {
		config.Interval = 60 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 3
	}
	if config.ReadyToTrip == nil {
		threshold := config.FailureThreshold
		config.ReadyToTrip = func(counts Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		}
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = defaultIsSuccessful
	}

	return &Breaker{
		name:   name,
		config: config,
		state:  StateClosed,
		expiry: time.Now().Add(config.Interval),
	}
}

func defaultIsSuccessful(err error) bool {
	return err == nil
}

// Allow reserves a slot for one call. Every successful Allow must be followed by
// exactly one Record with the call's outcome. Calls complete asynchronously, so
// the two halves are split instead of wrapping a function.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState(time.Now())
	if state == StateOpen {
		return ErrOpenState
	}
	if state == StateHalfOpen && b.counts.Requests >= b.config.MaxRequests {
		return ErrTooManyRequests
	}

	b.counts.onRequest()
	return nil
}

// Record reports the outcome of a call admitted by Allow.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.currentState(now)

	if b.config.IsSuccessful(err) {
		b.counts.onSuccess()
		if state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.config.ReadyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

// currentState advances time-based transitions. Caller holds mu.
func (b *Breaker) currentState(now time.Time) State {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.counts.clear()
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	prev := b.state
	if prev == state {
		return
	}

	b.state = state
	b.counts.clear()

	switch state {
	case StateClosed:
		b.expiry = now.Add(b.config.Interval)
	case StateOpen:
		b.expiry = now.Add(b.config.Timeout)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(time.Now())
}

// Counts returns a copy of the current counts.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Trip forces the breaker open, for example when the endpoint was evicted.
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateOpen, time.Now())
}

// Reset closes the breaker and clears its counts.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts.clear()
	b.setState(StateClosed, time.Now())
}

// Name returns the endpoint name.
func (b *Breaker) Name() string {
	return b.name
}

func (c *Counts) onRequest() {
	c.Requests++
	c.LastActivity = time.Now()
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

func (c *Counts) clear() {
	*c = Counts{}
}

var (
	// ErrOpenState is returned when the breaker is open
	ErrOpenState = errors.New("circuit breaker is open")

	// ErrTooManyRequests is returned when too many trial calls are made while half-open
	ErrTooManyRequests = errors.New("too many requests in half-open state")

	// ErrNoEndpoint is returned by Next when every breaker is open
	ErrNoEndpoint = errors.New("circuit: no endpoint available")
)

// Group holds the breakers of an ordered endpoint set.
type Group struct {
	mu       sync.RWMutex
	order    []string
	breakers map[string]*Breaker
	config   Config
}

// NewGroup creates a group with one closed breaker per endpoint, in order.
func NewGroup(config Config, endpoints ...string) *Group {
	g := &Group{
		breakers: make(map[string]*Breaker, len(endpoints)),
		config:   config,
	}
	for _, ep := range endpoints {
		g.Get(ep)
	}
	return g
}

// Get returns the breaker of endpoint, creating it if needed.
func (g *Group) Get(endpoint string) *Breaker {
	g.mu.RLock()
	if b, ok := g.breakers[endpoint]; ok {
		g.mu.RUnlock()
		return b
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()

	if b, ok := g.breakers[endpoint]; ok {
		return b
	}
	b := NewBreaker(endpoint, g.config)
	g.breakers[endpoint] = b
	g.order = append(g.order, endpoint)
	return b
}

// Next returns the index of the first endpoint after from, wrapping around, whose
// breaker is not open. from itself is considered last.
func (g *Group) Next(from int) (int, error) {
	g.mu.RLock()
	order := append([]string(nil), g.order...)
	g.mu.RUnlock()

	n := len(order)
	if n == 0 {
		return -1, ErrNoEndpoint
	}
	for i := 1; i <= n; i++ {
		idx := ((from+i)%n + n) % n
		if g.Get(order[idx]).State() != StateOpen {
			return idx, nil
		}
	}
	return -1, ErrNoEndpoint
}

// Stats is a snapshot of one breaker.
type Stats struct {
	Name   string `json:"name"`
	State  State  `json:"state"`
	Counts Counts `json:"counts"`
}

// Stats returns a snapshot of every breaker in endpoint order.
func (g *Group) Stats() []Stats {
	g.mu.RLock()
	order := append([]string(nil), g.order...)
	g.mu.RUnlock()

	out := make([]Stats, 0, len(order))
	for _, name := range order {
		b := g.Get(name)
		out = append(out, Stats{Name: name, State: b.State(), Counts: b.Counts()})
	}
	return out
}

// HealthCheck fails when any endpoint breaker is open.
func (g *Group) HealthCheck() error {
	var open []string
	for _, s := range g.Stats() {
		if s.State == StateOpen {
			open = append(open, s.Name)
		}
	}
	if len(open) > 0 {
		sort.Strings(open)
		return fmt.Errorf("circuit breakers open: %v", open)
	}
	return nil
}
