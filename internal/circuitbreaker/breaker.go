// Package circuitbreaker provides a three-state circuit breaker
// (closed → open → half-open) guarding a single remote dependency.
package circuitbreaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: requests flow through
	StateOpen                  // Tripped: requests are rejected
	StateHalfOpen              // Probing: limited requests allowed to test recovery
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mercury",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by breaker name, from-state, and to-state.",
}, []string{"name", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(cbStateTransitions)
}

// OpenError is returned by Execute when the circuit is open and the
// cooldown has not elapsed. The wrapped function was not invoked.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuitbreaker: %s is open, retry in %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// Config holds the per-instance breaker tunables.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the circuit open while closed.
	FailureThreshold int
	// SuccessThreshold is the number of successes required in half-open
	// before the circuit closes again.
	SuccessThreshold int
	// Timeout is the cooldown after opening before a probe is allowed.
	Timeout time.Duration
	// MonitoringPeriod is documented for operators but counters are not
	// windowed: failures accumulate since the last reset.
	MonitoringPeriod time.Duration
}

// DefaultConfig returns the tunables used for the card-network channel.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
		MonitoringPeriod: 60 * time.Second,
	}
}

// Stats is a point-in-time snapshot of breaker counters.
type Stats struct {
	Name           string    `json:"name"`
	State          string    `json:"state"`
	FailureCount   int       `json:"failureCount"`
	SuccessCount   int       `json:"successCount"`
	TotalRequests  int64     `json:"totalRequests"`
	TotalSuccesses int64     `json:"totalSuccesses"`
	TotalFailures  int64     `json:"totalFailures"`
	LastFailure    time.Time `json:"lastFailure,omitzero"`
	LastSuccess    time.Time `json:"lastSuccess,omitzero"`
	NextAttempt    time.Time `json:"nextAttempt,omitzero"`
}

// Breaker guards one remote dependency. Each protected dependency owns
// exactly one instance; state transitions are mutex-guarded so concurrent
// goroutines cannot race on counters.
type Breaker struct {
	name string
	cfg  Config

	mu             sync.Mutex
	state          State
	failureCount   int
	successCount   int
	totalRequests  int64
	totalSuccesses int64
	totalFailures  int64
	lastFailure    time.Time
	lastSuccess    time.Time
	nextAttempt    time.Time

	logger *slog.Logger
	now    func() time.Time // injectable clock for deterministic tests
}

// New creates a circuit breaker for the named dependency.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		state:  StateClosed,
		logger: logger,
		now:    time.Now,
	}
}

// Execute runs fn under the breaker. When the circuit is open and the
// cooldown has not elapsed, it returns *OpenError without invoking fn.
// The first call after the cooldown moves the circuit to half-open and
// is allowed through. fn's error is returned unwrapped so callers can
// decide on fallback.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// allow checks whether a request may proceed, transitioning open → half-open
// when the cooldown has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++

	switch b.state {
	case StateOpen:
		now := b.now()
		if now.Before(b.nextAttempt) {
			b.totalRequests-- // rejected requests are not counted as attempts
			return &OpenError{Name: b.name, RetryAfter: b.nextAttempt.Sub(now)}
		}
		// Cooldown elapsed: allow this call through as the probe.
		b.transition(StateHalfOpen)
		return nil
	default:
		return nil
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++
	b.lastSuccess = b.now()
	b.failureCount = 0

	if b.state == StateHalfOpen {
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.failureCount++
	b.lastFailure = b.now()

	switch {
	case b.state == StateHalfOpen:
		// A single failed probe reopens the circuit.
		b.open()
	case b.state == StateClosed && b.failureCount >= b.cfg.FailureThreshold:
		b.open()
	}
}

// open trips the circuit and schedules the next probe. Caller must hold b.mu.
func (b *Breaker) open() {
	b.nextAttempt = b.now().Add(b.cfg.Timeout)
	b.transition(StateOpen)
}

// transition changes state, resetting counters on closed entry.
// Caller must hold b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	if to == StateClosed {
		b.failureCount = 0
		b.successCount = 0
		b.nextAttempt = time.Time{}
	}
	if to == StateHalfOpen {
		b.successCount = 0
	}

	cbStateTransitions.WithLabelValues(b.name, from.String(), to.String()).Inc()
	b.logger.Info("circuit breaker state change",
		"breaker", b.name,
		"from", from.String(),
		"to", to.String(),
		"failureCount", b.failureCount,
	)
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:           b.name,
		State:          b.state.String(),
		FailureCount:   b.failureCount,
		SuccessCount:   b.successCount,
		TotalRequests:  b.totalRequests,
		TotalSuccesses: b.totalSuccesses,
		TotalFailures:  b.totalFailures,
		LastFailure:    b.lastFailure,
		LastSuccess:    b.lastSuccess,
		NextAttempt:    b.nextAttempt,
	}
}

// ForceState sets the state directly. Administrative/testing control only.
func (b *Breaker) ForceState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s == StateOpen {
		b.nextAttempt = b.now().Add(b.cfg.Timeout)
	}
	b.transition(s)
}

// Reset closes the circuit and zeroes all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
	b.failureCount = 0
	b.successCount = 0
	b.totalRequests = 0
	b.totalSuccesses = 0
	b.totalFailures = 0
	b.lastFailure = time.Time{}
	b.lastSuccess = time.Time{}
	b.nextAttempt = time.Time{}
}
