// Package health tracks the health of the router's and peer's own
// background protocols (heartbeat delivery, replication fan-out, pool
// availability, election progress) and degrades each process through
// Healthy / Degraded / ReadOnly / Unavailable as consecutive failures
// accumulate. A split-brain self-termination bypasses the thresholds:
// a stale primary marks itself Unavailable directly.
package health

import (
	stderr "errors"
	"fmt"
	"sync"
	"time"

	"github.com/replicafed/replicafed/pkg/errors"
)

// HealthState represents the overall health state of a service
type HealthState int

const (
	// StateHealthy indicates the service is fully operational
	StateHealthy HealthState = iota

	// StateDegraded indicates the service is operational but with reduced functionality
	StateDegraded

	// StateReadOnly indicates the service can only perform read operations
	StateReadOnly

	// StateUnavailable indicates the service is not operational
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ComponentHealth tracks the health of a specific component
type ComponentHealth struct {
	Name              string      `json:"name"`
	State             HealthState `json:"state"`
	LastStateChange   time.Time   `json:"last_state_change"`
	LastHealthCheck   time.Time   `json:"last_health_check"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
	LastError         error       `json:"-"`
	LastErrorMessage  string      `json:"last_error_message,omitempty"`
}

// Tracker tracks the health of multiple components and determines overall system health
type Tracker struct {
	mu             sync.RWMutex
	components     map[string]*ComponentHealth
	config         TrackerConfig
	stateCallbacks map[HealthState][]StateChangeCallback
}

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before marking a component degraded
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before marking unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`
}

// StateChangeCallback is called when a component's health state changes
type StateChangeCallback func(component string, oldState, newState HealthState, err error)

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
	}
}

// NewTracker creates a new health tracker
func NewTracker(config TrackerConfig) *Tracker {
	return &Tracker{
		components:     make(map[string]*ComponentHealth),
		config:         config,
		stateCallbacks: make(map[HealthState][]StateChangeCallback),
	}
}

// RegisterComponent registers a new component for health tracking
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; !exists {
		t.components[name] = &ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: time.Now(),
			LastHealthCheck: time.Now(),
		}
	}
}

// RecordSuccess records a successful operation for a component
func (t *Tracker) RecordSuccess(component string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	health, exists := t.components[component]
	if !exists {
		return
	}

	oldState := health.State
	health.LastHealthCheck = time.Now()

	// Take one off the error counter on each success
	if health.ConsecutiveErrors > 0 {
		health.ConsecutiveErrors--

		// Check for recovery
		if health.ConsecutiveErrors == 0 && health.State != StateHealthy {
			t.transitionState(health, StateHealthy)
		}
	}

	// Trigger callbacks if state changed
	if oldState != health.State {
		t.notifyStateChange(component, oldState, health.State, nil)
	}
}

// RecordError records an error for a component
func (t *Tracker) RecordError(component string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	health, exists := t.components[component]
	if !exists {
		return
	}

	oldState := health.State
	health.LastHealthCheck = time.Now()
	health.ConsecutiveErrors++
	health.LastError = err
	if err != nil {
		health.LastErrorMessage = err.Error()
	}

	// Determine new state based on error count
	var newState HealthState
	if health.ConsecutiveErrors >= t.config.UnavailableThreshold {
		newState = StateUnavailable
	} else if health.ConsecutiveErrors >= t.config.ErrorThreshold {
		// Check if error allows read-only mode
		if t.isWriteError(err) {
			newState = StateReadOnly
		} else {
			newState = StateDegraded
		}
	} else {
		newState = health.State
	}

	// Transition to new state if changed
	if newState != oldState {
		t.transitionState(health, newState)
	}

	// Trigger callbacks if state changed
	if oldState != health.State {
		t.notifyStateChange(component, oldState, health.State, err)
	}
}

// MarkUnavailable transitions a component straight to Unavailable,
// bypassing the consecutive-error thresholds. Used by the stale-primary
// self-terminator: once enough consecutive replication rejections have
// accumulated, there is no count of further failures worth waiting for.
func (t *Tracker) MarkUnavailable(component string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	health, exists := t.components[component]
	if !exists {
		return
	}

	oldState := health.State
	health.LastHealthCheck = time.Now()
	health.LastError = err
	if err != nil {
		health.LastErrorMessage = err.Error()
	}

	if oldState != StateUnavailable {
		t.transitionState(health, StateUnavailable)
		t.notifyStateChange(component, oldState, StateUnavailable, err)
	}
}

// GetState returns the current health state of a component
func (t *Tracker) GetState(component string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if health, exists := t.components[component]; exists {
		return health.State
	}
	return StateUnavailable
}

// GetComponentHealth returns the health information for a component
func (t *Tracker) GetComponentHealth(component string) (*ComponentHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	health, exists := t.components[component]
	if !exists {
		return nil, fmt.Errorf("component %s not registered", component)
	}

	// Return a copy to prevent external modification
	cp := *health
	return &cp, nil
}

// GetAllComponents returns health information for all registered components
func (t *Tracker) GetAllComponents() map[string]*ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]*ComponentHealth)
	for name, health := range t.components {
		cp := *health
		result[name] = &cp
	}
	return result
}

// GetOverallHealth returns the overall system health based on all components
func (t *Tracker) GetOverallHealth() HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.components) == 0 {
		return StateHealthy
	}

	// Overall health is determined by the worst component state
	overallState := StateHealthy
	for _, health := range t.components {
		if health.State > overallState {
			overallState = health.State
		}
	}

	return overallState
}

// IsHealthy returns true if the component is in a healthy state
func (t *Tracker) IsHealthy(component string) bool {
	return t.GetState(component) == StateHealthy
}

// CanRead returns true if the component can perform read operations
func (t *Tracker) CanRead(component string) bool {
	state := t.GetState(component)
	return state == StateHealthy || state == StateDegraded || state == StateReadOnly
}

// CanWrite returns true if the component can perform write operations
func (t *Tracker) CanWrite(component string) bool {
	state := t.GetState(component)
	return state == StateHealthy || state == StateDegraded
}

// AddStateChangeCallback registers a callback for state changes to a specific state
func (t *Tracker) AddStateChangeCallback(state HealthState, callback StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stateCallbacks[state] = append(t.stateCallbacks[state], callback)
}

// transitionState transitions a component to a new state (must be called with lock held)
func (t *Tracker) transitionState(health *ComponentHealth, newState HealthState) {
	health.State = newState
	health.LastStateChange = time.Now()

	// Reset error counter on full recovery
	if newState == StateHealthy {
		health.ConsecutiveErrors = 0
		health.LastError = nil
		health.LastErrorMessage = ""
	}
}

// notifyStateChange notifies registered callbacks of a state change
func (t *Tracker) notifyStateChange(component string, oldState, newState HealthState, err error) {
	if callbacks, exists := t.stateCallbacks[newState]; exists {
		for _, callback := range callbacks {
			go callback(component, oldState, newState, err)
		}
	}
}

// isWriteError reports whether the error leaves reads serviceable. An
// IOError is the local disk misbehaving on a write; a Conflict is a
// backup rejecting replication from a primary it no longer recognizes.
// In both cases this process can still answer reads from its local
// store, so the component degrades to ReadOnly rather than Degraded.
func (t *Tracker) isWriteError(err error) bool {
	if err == nil {
		return false
	}

	var fedErr *errors.FedError
	if stderr.As(err, &fedErr) {
		switch fedErr.Code {
		case errors.ErrCodeIOError, errors.ErrCodeConflict:
			return true
		}
	}

	return false
}
