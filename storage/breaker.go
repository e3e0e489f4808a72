package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hostguard/core"
	"hostguard/metrics"

	"go.uber.org/zap"
)

// BreakerState represents the state of a circuit breaker
type BreakerState string

const (
	// BreakerClosed means writes pass through normally
	BreakerClosed BreakerState = "closed"
	// BreakerOpen means writes are skipped until the cooldown elapses
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen lets a single trial write through
	BreakerHalfOpen BreakerState = "half_open"
)

var (
	// ErrCircuitOpen is returned when a sink's circuit is open
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrInvalidBreakerConfig is returned when breaker config is invalid
	ErrInvalidBreakerConfig = errors.New("invalid circuit breaker configuration")
)

// gaugeValue maps a state onto the SinkCircuitState gauge
func (s BreakerState) gaugeValue() float64 {
	switch s {
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	default:
		return 0
	}
}

// BreakerConfig holds configuration for a circuit breaker
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening
	MaxFailures uint32
	// Cooldown is how long the circuit stays open before a trial write
	Cooldown time.Duration
}

// Validate checks if the breaker configuration is valid
func (c BreakerConfig) Validate() error {
	if c.MaxFailures == 0 {
		return errors.New("MaxFailures must be greater than 0")
	}
	if c.Cooldown <= 0 {
		return errors.New("Cooldown must be greater than 0")
	}
	return nil
}

// CircuitBreaker stops offering work to a failing destination. After
// MaxFailures consecutive failures it opens; once Cooldown has passed one
// trial write is let through, and its outcome closes or reopens the circuit.
type CircuitBreaker struct {
	config      BreakerConfig
	mu          sync.Mutex
	state       BreakerState
	failures    uint32
	openedAt    time.Time
	trialActive bool
	now         func() time.Time
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(config BreakerConfig) (*CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBreakerConfig, err)
	}
	return &CircuitBreaker{
		config: config,
		state:  BreakerClosed,
		now:    time.Now,
	}, nil
}

// Allow reports whether a request may proceed. It returns the state before
// and after the call so callers can react to the open -> half-open move.
func (cb *CircuitBreaker) Allow() (oldState, newState BreakerState, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState = cb.state
	switch cb.state {
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Cooldown {
			return oldState, cb.state, ErrCircuitOpen
		}
		cb.state = BreakerHalfOpen
		cb.trialActive = true
	case BreakerHalfOpen:
		if cb.trialActive {
			return oldState, cb.state, ErrCircuitOpen
		}
		cb.trialActive = true
	}
	return oldState, cb.state, nil
}

// RecordSuccess closes the circuit and resets the failure count
func (cb *CircuitBreaker) RecordSuccess() (oldState, newState BreakerState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState = cb.state
	cb.state = BreakerClosed
	cb.failures = 0
	cb.trialActive = false
	return oldState, cb.state
}

// RecordFailure counts a failure, opening the circuit at the threshold or
// immediately when the half-open trial write fails
func (cb *CircuitBreaker) RecordFailure() (oldState, newState BreakerState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState = cb.state
	cb.failures++
	switch cb.state {
	case BreakerClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.state = BreakerOpen
			cb.openedAt = cb.now()
		}
	case BreakerHalfOpen:
		cb.state = BreakerOpen
		cb.openedAt = cb.now()
		cb.trialActive = false
	}
	return oldState, cb.state
}

// State returns the current state
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count
func (cb *CircuitBreaker) Failures() uint32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// BreakerSink guards an alert sink with a circuit breaker so a dead
// destination costs one fast error per alert instead of a network timeout.
type BreakerSink struct {
	name   string
	sink   AlertWriter
	cb     *CircuitBreaker
	logger *zap.SugaredLogger
}

// NewBreakerSink wraps sink. name labels metrics and log lines.
func NewBreakerSink(name string, sink AlertWriter, config BreakerConfig, logger *zap.SugaredLogger) (*BreakerSink, error) {
	cb, err := NewCircuitBreaker(config)
	if err != nil {
		return nil, err
	}
	metrics.SinkCircuitState.WithLabelValues(name).Set(BreakerClosed.gaugeValue())
	return &BreakerSink{name: name, sink: sink, cb: cb, logger: logger}, nil
}

// Write forwards the alert unless the circuit is open
func (b *BreakerSink) Write(ctx context.Context, alert *core.Alert) error {
	oldState, newState, err := b.cb.Allow()
	b.transition(oldState, newState)
	if err != nil {
		metrics.SinkWritesSkipped.WithLabelValues(b.name).Inc()
		return fmt.Errorf("sink %s: %w", b.name, err)
	}

	if err := b.sink.Write(ctx, alert); err != nil {
		oldState, newState = b.cb.RecordFailure()
		b.transition(oldState, newState)
		return err
	}
	oldState, newState = b.cb.RecordSuccess()
	b.transition(oldState, newState)
	return nil
}

// State returns the breaker state
func (b *BreakerSink) State() BreakerState {
	return b.cb.State()
}

// Close closes the wrapped sink when it supports closing
func (b *BreakerSink) Close() error {
	if c, ok := b.sink.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func (b *BreakerSink) transition(oldState, newState BreakerState) {
	if oldState == newState {
		return
	}
	metrics.SinkCircuitState.WithLabelValues(b.name).Set(newState.gaugeValue())
	switch newState {
	case BreakerOpen:
		b.logger.Warnw("Sink circuit opened, skipping writes",
			"sink", b.name, "failures", b.cb.Failures(), "cooldown", b.cb.config.Cooldown)
	case BreakerHalfOpen:
		b.logger.Infow("Sink circuit half-open, probing", "sink", b.name)
	case BreakerClosed:
		b.logger.Infow("Sink circuit closed", "sink", b.name)
	}
}
