package domain

import (
	"log/slog"
	"time"
)

// BreakerState represents the state of a connection's circuit breaker.
type BreakerState string

const (
	// BreakerClosed allows cycles to run.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen short-circuits cycles until the recovery timeout elapses.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen allows probe cycles; successes accumulate toward
	// closing, any failure reopens.
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerSnapshot is the per-connection breaker state persisted on the
// connection row, so operator commands and restarts preserve gating.
type BreakerSnapshot struct {
	State               BreakerState
	ConsecutiveFailures int
	OpenUntil           *time.Time
	HalfOpenSuccesses   int
}

// BreakerConfig tunes the three-state machine.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	// HalfOpenSuccesses is how many consecutive probe successes close the
	// breaker again.
	HalfOpenSuccesses int
}

// DefaultBreakerConfig returns the stock thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		RecoveryTimeout:   120 * time.Second,
		HalfOpenSuccesses: 2,
	}
}

// CircuitBreaker applies the state machine to a snapshot. It holds no state
// itself; each worker task owns its connection's snapshot, so no locking is
// needed.
type CircuitBreaker struct {
	cfg BreakerConfig
	now func() time.Time
}

// NewCircuitBreaker creates a breaker with the given thresholds.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultBreakerConfig().RecoveryTimeout
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = DefaultBreakerConfig().HalfOpenSuccesses
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (b *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	b.now = now
	return b
}

// Allow reports whether a cycle may run. An open breaker whose recovery
// timeout has elapsed transitions to half-open and allows one probe.
func (b *CircuitBreaker) Allow(s *BreakerSnapshot) bool {
	switch s.State {
	case BreakerOpen:
		if s.OpenUntil != nil && b.now().Before(*s.OpenUntil) {
			return false
		}
		s.State = BreakerHalfOpen
		s.HalfOpenSuccesses = 0
		slog.Info("circuit breaker transitioning to half-open")
		return true
	case BreakerHalfOpen:
		return true
	default: // closed, or legacy empty state
		return true
	}
}

// RecordSuccess resets the consecutive-failure counter and, in half-open,
// accumulates toward closing.
func (b *CircuitBreaker) RecordSuccess(s *BreakerSnapshot) {
	s.ConsecutiveFailures = 0
	if s.State == BreakerHalfOpen {
		s.HalfOpenSuccesses++
		if s.HalfOpenSuccesses >= b.cfg.HalfOpenSuccesses {
			b.close(s)
			slog.Info("circuit breaker closed after successful probes")
		}
		return
	}
	if s.State == "" {
		s.State = BreakerClosed
	}
	s.OpenUntil = nil
}

// RecordFailure increments the consecutive-failure counter and may open the
// breaker. Any failure in half-open reopens immediately.
func (b *CircuitBreaker) RecordFailure(s *BreakerSnapshot) {
	s.ConsecutiveFailures++
	switch s.State {
	case BreakerHalfOpen:
		b.open(s)
		slog.Warn("circuit breaker reopened after failed probe",
			slog.Int("consecutive_failures", s.ConsecutiveFailures))
	case BreakerOpen:
		// already open; keep counting
	default:
		if s.State == "" {
			s.State = BreakerClosed
		}
		if s.ConsecutiveFailures >= b.cfg.FailureThreshold {
			b.open(s)
			slog.Warn("circuit breaker opened",
				slog.Int("consecutive_failures", s.ConsecutiveFailures),
				slog.Int("failure_threshold", b.cfg.FailureThreshold))
		}
	}
}

// Reset forces the breaker closed and zeroes all counters (operator command).
func (b *CircuitBreaker) Reset(s *BreakerSnapshot) {
	b.close(s)
	slog.Info("circuit breaker reset to closed state")
}

func (b *CircuitBreaker) open(s *BreakerSnapshot) {
	until := b.now().Add(b.cfg.RecoveryTimeout)
	s.State = BreakerOpen
	s.OpenUntil = &until
	s.HalfOpenSuccesses = 0
}

func (b *CircuitBreaker) close(s *BreakerSnapshot) {
	s.State = BreakerClosed
	s.ConsecutiveFailures = 0
	s.OpenUntil = nil
	s.HalfOpenSuccesses = 0
}
