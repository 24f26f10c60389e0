// Package circuitbreaker stops calling a failing alert transport for a
// while so sends fail fast instead of hanging on a dead endpoint. It never
// retries on its own.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"
)

// State represents circuit breaker state
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned when circuit is open
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when the half-open probe slot is taken
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

var breakerState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{Namespace: "sentinel", Subsystem: "breaker", Name: "state", Help: "Circuit state per transport (0 closed, 1 open, 2 half-open)."},
	[]string{"name"},
)

func init() {
	_ = prometheus.Register(breakerState)
}

// Settings for circuit breaker behavior
type Settings struct {
	// MaxRequests: concurrent probes allowed in half-open state
	MaxRequests uint32
	// Interval: closed-state window after which counters reset
	Interval time.Duration
	// Timeout: time spent open before probing
	Timeout time.Duration
	// FailureThreshold: consecutive failures that open the circuit
	FailureThreshold uint32
	// SuccessThreshold: consecutive half-open successes that close it
	SuccessThreshold uint32
	OnStateChange    func(name string, from State, to State)
	Clock            clock.PassiveClock
}

// DefaultSettings suit an alert transport: a handful of failures opens the
// circuit for a few minutes.
func DefaultSettings() Settings {
	return Settings{
		MaxRequests:      1,
		Interval:         10 * time.Minute,
		Timeout:          2 * time.Minute,
		FailureThreshold: 3,
		SuccessThreshold: 1,
	}
}

type counters struct {
	requests        uint32
	successes       uint32
	failures        uint32
	consecutiveFail uint32
	consecutiveSucc uint32
}

// CircuitBreaker is a closed/open/half-open state machine.
type CircuitBreaker struct {
	name     string
	settings Settings
	clock    clock.PassiveClock

	mu        sync.Mutex
	state     State
	counts    counters
	expiry    time.Time
	halfOpen  uint32
	lastError error
}

func NewCircuitBreaker(name string, settings Settings) *CircuitBreaker {
	d := DefaultSettings()
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = d.FailureThreshold
	}
	if settings.SuccessThreshold == 0 {
		settings.SuccessThreshold = d.SuccessThreshold
	}
	if settings.Timeout == 0 {
		settings.Timeout = d.Timeout
	}
	if settings.Interval == 0 {
		settings.Interval = d.Interval
	}
	if settings.MaxRequests == 0 {
		settings.MaxRequests = d.MaxRequests
	}
	c := settings.Clock
	if c == nil {
		c = clock.RealClock{}
	}
	cb := &CircuitBreaker{name: name, settings: settings, clock: c}
	cb.expiry = c.Now().Add(settings.Interval)
	breakerState.WithLabelValues(name).Set(float64(StateClosed))
	return cb
}

// Execute runs fn unless the circuit is open. A panic in fn counts as a
// failure and is re-raised.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return fmt.Errorf("%s: %w", cb.name, err)
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(false, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	err := fn(ctx)
	cb.afterRequest(err == nil, err)
	return err
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns current circuit breaker state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState(cb.clock.Now())
}

// LastError is the most recent failure seen by the breaker.
func (cb *CircuitBreaker) LastError() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastError
}

// Counts returns current statistics
func (cb *CircuitBreaker) Counts() (requests, successes, failures uint32) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts.requests, cb.counts.successes, cb.counts.failures
}

// Reset manually resets circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.toNewGeneration(cb.clock.Now())
	cb.setState(StateClosed)
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock.Now()
	switch cb.currentState(now) {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpen >= cb.settings.MaxRequests {
			return ErrTooManyRequests
		}
		cb.halfOpen++
	case StateClosed:
		if cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	}
	cb.counts.requests++
	return nil
}

func (cb *CircuitBreaker) afterRequest(success bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock.Now()
	state := cb.currentState(now)
	if state == StateHalfOpen && cb.halfOpen > 0 {
		cb.halfOpen--
	}

	if success {
		cb.counts.successes++
		cb.counts.consecutiveFail = 0
		cb.counts.consecutiveSucc++
		if state == StateHalfOpen && cb.counts.consecutiveSucc >= cb.settings.SuccessThreshold {
			cb.toNewGeneration(now)
			cb.setState(StateClosed)
		}
		return
	}

	cb.counts.failures++
	cb.counts.consecutiveSucc = 0
	cb.counts.consecutiveFail++
	cb.lastError = err
	// Any failure while half-open reopens immediately.
	if state == StateHalfOpen || cb.counts.consecutiveFail >= cb.settings.FailureThreshold {
		cb.expiry = now.Add(cb.settings.Timeout)
		cb.setState(StateOpen)
	}
}

// currentState moves Open to HalfOpen once the timeout has passed. Caller holds mu.
func (cb *CircuitBreaker) currentState(now time.Time) State {
	if cb.state == StateOpen && !now.Before(cb.expiry) {
		cb.setState(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) setState(newState State) {
	old := cb.state
	if old == newState {
		return
	}
	cb.state = newState
	breakerState.WithLabelValues(cb.name).Set(float64(newState))
	if cb.settings.OnStateChange != nil {
		go cb.settings.OnStateChange(cb.name, old, newState)
	}
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.counts = counters{}
	cb.expiry = now.Add(cb.settings.Interval)
	cb.halfOpen = 0
}
