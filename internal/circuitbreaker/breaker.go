// Package circuitbreaker guards the upstream cloud services (identity,
// compute, load balancers) against hammering an endpoint that is already
// failing. The transport layer runs every bound request through a breaker;
// an open circuit is reported as a retryable unavailability.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the breaker state.
type State int

const (
	StateClosed   State = iota // normal operation, requests pass through
	StateOpen                  // failure threshold exceeded, requests blocked
	StateHalfOpen              // probing whether the service recovered
)

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

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config holds breaker tuning for one upstream service.
type Config struct {
	// Name identifies the guarded service in logs and metrics.
	Name string

	// MaxRequests is the number of probe requests allowed while half-open.
	MaxRequests uint32

	// Interval is the cyclic period in closed state for clearing counts.
	Interval time.Duration

	// Timeout is the period of open state before switching to half-open.
	Timeout time.Duration

	// ReadyToTrip is consulted with a copy of Counts after each failure in
	// closed state; returning true trips the breaker.
	ReadyToTrip func(counts Counts) bool

	// OnStateChange, when set, is called on every transition.
	OnStateChange func(name string, from State, to State)
}

// DefaultConfig trips after 5 consecutive failures and probes again
// after 30 seconds. Suitable for the cloud service endpoints.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
}

// Counts holds request/response counts for the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) clear() {
	*c = Counts{}
}

func (c *Counts) onSuccess() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// CircuitBreaker tracks failures against one upstream service.
type CircuitBreaker struct {
	cfg *Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// State returns the current state, applying any pending expiry transition.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, _ := cb.currentState(time.Now())
	return state
}

func (cb *CircuitBreaker) CountSnapshot() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Execute runs req if the breaker allows it and records the result.
func (cb *CircuitBreaker) Execute(req func() error) error {
	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}
	err = req()
	cb.afterRequest(generation, err == nil)
	return err
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)

	if state == StateOpen {
		return generation, ErrCircuitOpen
	}
	if state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxRequests {
		return generation, ErrTooManyRequests
	}
	cb.counts.Requests++
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(generation uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, currentGeneration := cb.currentState(now)
	if generation != currentGeneration {
		// Result from a previous generation; ignore.
		return
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.onSuccess()
	case StateHalfOpen:
		cb.counts.onSuccess()
		if cb.counts.ConsecutiveSuccesses >= cb.cfg.MaxRequests {
			cb.setState(StateClosed, now)
		}
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.onFailure()
		if cb.cfg.ReadyToTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.toNewGeneration(now)

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, prev, state)
	}
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts.clear()

	switch cb.state {
	case StateClosed:
		if cb.cfg.Interval > 0 {
			cb.expiry = now.Add(cb.cfg.Interval)
		} else {
			cb.expiry = time.Time{}
		}
	case StateOpen:
		cb.expiry = now.Add(cb.cfg.Timeout)
	default:
		cb.expiry = time.Time{}
	}
}
