// Package circuitbreaker protects channel providers from cascade
// failures: after repeated send failures the circuit opens and the
// channel fails fast until a recovery probe succeeds.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of the breaker.
//
//	Closed -> Open:      failure count reaches threshold
//	Open -> HalfOpen:    recovery timeout elapsed, one probe allowed
//	HalfOpen -> Closed:  probe succeeded
//	HalfOpen -> Open:    probe failed
type State int

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

// ErrOpen is returned by callers when the breaker rejects a request.
var ErrOpen = errors.New("circuit breaker is open")

// Config tunes one breaker.
type Config struct {
	Name            string // channel name
	MaxFailures     int    // consecutive failures before opening
	RecoveryTimeout time.Duration
}

// DefaultConfig returns the defaults used for channel breakers.
func DefaultConfig(name string) Config {
	return Config{
		Name:            name,
		MaxFailures:     5,
		RecoveryTimeout: 30 * time.Second,
	}
}

// Breaker is a mutex-guarded failure-count circuit breaker.
type Breaker struct {
	mu     sync.Mutex
	cfg    Config
	logger *zap.Logger

	state       State
	failures    int
	probing     bool
	lastFailure time.Time
	lastChange  time.Time

	totalRejected int64
	totalFailures int64
}

// New creates a breaker in the closed state.
func New(cfg Config, logger *zap.Logger) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	return &Breaker{
		cfg:        cfg,
		logger:     logger,
		state:      StateClosed,
		lastChange: time.Now(),
	}
}

// Allow reports whether a request may proceed. In the open state one
// probe is let through once the recovery timeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.lastFailure) >= b.cfg.RecoveryTimeout {
			b.transition(StateHalfOpen)
			b.probing = true
			return true
		}
		b.totalRejected++
		return false
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			return true
		}
		b.totalRejected++
		return false
	default:
		return false
	}
}

// RecordSuccess resets the failure count; a successful half-open probe
// closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.transition(StateClosed)
		b.logger.Info("channel recovered, circuit closed",
			zap.String("channel", b.cfg.Name),
		)
	}
}

// RecordFailure opens the circuit when the threshold is reached, and
// immediately re-opens on a failed probe.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.failures++
	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.MaxFailures {
			b.transition(StateOpen)
			b.logger.Warn("circuit opened after repeated failures",
				zap.String("channel", b.cfg.Name),
				zap.Int("failures", b.failures),
			)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
		b.logger.Warn("recovery probe failed, circuit re-opened",
			zap.String("channel", b.cfg.Name),
		)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a snapshot for the health endpoint.
type Stats struct {
	Name          string `json:"name"`
	State         string `json:"state"`
	Failures      int    `json:"failures"`
	TotalFailures int64  `json:"total_failures"`
	TotalRejected int64  `json:"total_rejected"`
	LastChange    string `json:"last_change"`
}

// Stats returns current counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:          b.cfg.Name,
		State:         b.state.String(),
		Failures:      b.failures,
		TotalFailures: b.totalFailures,
		TotalRejected: b.totalRejected,
		LastChange:    b.lastChange.Format(time.RFC3339),
	}
}

// transition must be called with the lock held.
func (b *Breaker) transition(next State) {
	if b.state == next {
		return
	}
	b.state = next
	b.lastChange = time.Now()
	b.probing = false
}
