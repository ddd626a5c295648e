// Package health tracks the liveness of I/O nodes as seen from a client. A
// component turns degraded after a run of failed checks and unavailable after
// a longer one; callbacks registered for a state fire on entry.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iofwd/iof/pkg/errors"
)

// HealthState represents the health state of a component
type HealthState int

const (
	// StateHealthy indicates the component answers checks
	StateHealthy HealthState = iota

	// StateDegraded indicates recent checks failed
	StateDegraded

	// StateUnavailable indicates the component is considered lost
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ComponentHealth is a snapshot of one tracked component
type ComponentHealth struct {
	Name              string      `json:"name"`
	State             HealthState `json:"state"`
	LastStateChange   time.Time   `json:"last_state_change"`
	LastHealthCheck   time.Time   `json:"last_health_check"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
	LastErrorMessage  string      `json:"last_error_message,omitempty"`
}

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before marking a component degraded
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before marking unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`

	// HealthCheckInterval is the interval between checks
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       1,
		UnavailableThreshold: 3,
		HealthCheckInterval:  10 * time.Second,
	}
}

// StateChangeCallback is called when a component's health state changes
type StateChangeCallback func(component string, oldState, newState HealthState, err error)

// Tracker tracks the health of registered components
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*ComponentHealth
	config     TrackerConfig
	callbacks  map[HealthState][]StateChangeCallback
}

// NewTracker creates a new health tracker
func NewTracker(config TrackerConfig) *Tracker {
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = 1
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = config.ErrorThreshold
	}
	return &Tracker{
		components: make(map[string]*ComponentHealth),
		config:     config,
		callbacks:  make(map[HealthState][]StateChangeCallback),
	}
}

// RegisterComponent starts tracking name as healthy
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; !exists {
		now := time.Now()
		t.components[name] = &ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: now,
			LastHealthCheck: now,
		}
	}
}

// RecordSuccess records a successful check. A single success restores a
// degraded component; an unavailable one stays lost until Reset.
func (t *Tracker) RecordSuccess(component string) {
	t.mu.Lock()
	h, ok := t.components[component]
	if !ok {
		t.mu.Unlock()
		return
	}
	h.LastHealthCheck = time.Now()
	h.ConsecutiveErrors = 0
	old := h.State
	if old == StateDegraded {
		t.transition(h, StateHealthy)
	}
	cbs := t.callbacksFor(old, h.State)
	t.mu.Unlock()

	notify(cbs, component, old, StateHealthy, nil)
}

// RecordError records a failed check
func (t *Tracker) RecordError(component string, err error) {
	t.mu.Lock()
	h, ok := t.components[component]
	if !ok {
		t.mu.Unlock()
		return
	}
	h.LastHealthCheck = time.Now()
	h.ConsecutiveErrors++
	if err != nil {
		h.LastErrorMessage = err.Error()
	}

	old := h.State
	next := old
	switch {
	case h.ConsecutiveErrors >= t.config.UnavailableThreshold:
		next = StateUnavailable
	case h.ConsecutiveErrors >= t.config.ErrorThreshold && old == StateHealthy:
		next = StateDegraded
	}
	if next != old {
		t.transition(h, next)
	}
	cbs := t.callbacksFor(old, next)
	t.mu.Unlock()

	notify(cbs, component, old, next, err)
}

// Reset marks component healthy again, typically after failing over to it.
func (t *Tracker) Reset(component string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.components[component]; ok {
		h.ConsecutiveErrors = 0
		h.LastErrorMessage = ""
		if h.State != StateHealthy {
			t.transition(h, StateHealthy)
		}
	}
}

// GetState returns the current health state of a component. Unknown
// components are unavailable.
func (t *Tracker) GetState(component string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if h, exists := t.components[component]; exists {
		return h.State
	}
	return StateUnavailable
}

// GetComponentHealth returns a copy of the health information for a component
func (t *Tracker) GetComponentHealth(component string) (ComponentHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, exists := t.components[component]
	if !exists {
		return ComponentHealth{}, errors.Newf(errors.ErrCodeInvalidState, "component %s not registered", component).
			WithComponent("health")
	}
	return *h, nil
}

// GetAllComponents returns a copy of every tracked component, sorted by name
func (t *Tracker) GetAllComponents() []ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ComponentHealth, 0, len(t.components))
	for _, h := range t.components {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetOverallHealth returns the worst state of all components
func (t *Tracker) GetOverallHealth() HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, h := range t.components {
		if h.State > overall {
			overall = h.State
		}
	}
	return overall
}

// AddStateChangeCallback registers a callback for entries into state
func (t *Tracker) AddStateChangeCallback(state HealthState, callback StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.callbacks[state] = append(t.callbacks[state], callback)
}

// transition must be called with the lock held
func (t *Tracker) transition(h *ComponentHealth, state HealthState) {
	h.State = state
	h.LastStateChange = time.Now()
}

// callbacksFor must be called with the lock held
func (t *Tracker) callbacksFor(old, next HealthState) []StateChangeCallback {
	if old == next {
		return nil
	}
	return append([]StateChangeCallback(nil), t.callbacks[next]...)
}

func notify(cbs []StateChangeCallback, component string, old, next HealthState, err error) {
	for _, cb := range cbs {
		cb(component, old, next, err)
	}
}

// StartHealthChecks checks every component each interval until ctx is done.
func (t *Tracker) StartHealthChecks(ctx context.Context, checkFn func(ctx context.Context, component string) error) {
	if t.config.HealthCheckInterval <= 0 {
		return
	}
	ticker := time.NewTicker(t.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CheckNow(ctx, checkFn)
		}
	}
}

// CheckNow checks every component once.
func (t *Tracker) CheckNow(ctx context.Context, checkFn func(ctx context.Context, component string) error) {
	t.mu.RLock()
	components := make([]string, 0, len(t.components))
	for name := range t.components {
		components = append(components, name)
	}
	t.mu.RUnlock()

	for _, component := range components {
		if err := checkFn(ctx, component); err != nil {
			t.RecordError(component, fmt.Errorf("check %s: %w", component, err))
		} else {
			t.RecordSuccess(component)
		}
	}
}
