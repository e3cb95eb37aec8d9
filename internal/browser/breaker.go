package browser

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/types"
)

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes the launch circuit breaker.
type BreakerConfig struct {
	// FailureThreshold opens the circuit once this many failures land
	// within MonitoringWindow.
	FailureThreshold int
	// MonitoringWindow is the sliding window for failure counting.
	MonitoringWindow time.Duration
	// ResetTimeout is how long the circuit stays open before probing.
	ResetTimeout time.Duration
	// HalfOpenMaxProbes limits concurrent probes while half-open.
	HalfOpenMaxProbes int
}

// CircuitBreaker guards browser launches. Repeated launch failures open
// the circuit so acquisition fails fast instead of piling up on a broken
// engine install.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu        sync.Mutex
	state     BreakerState
	failures  []time.Time
	openedAt  time.Time
	probes    int

	// stubbed in tests
	now func() time.Time
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.MonitoringWindow <= 0 {
		cfg.MonitoringWindow = 1 * time.Minute
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = 1
	}
	return &CircuitBreaker{cfg: cfg, state: BreakerClosed, now: time.Now}
}

// State returns the current breaker state, applying the open→half_open
// timeout transition.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpenLocked()
	return cb.state
}

// Allow reports whether an operation may proceed. While half-open only
// HalfOpenMaxProbes callers pass; everyone else fails fast with
// ErrCircuitOpen.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpenLocked()

	switch cb.state {
	case BreakerClosed:
		return nil
	case BreakerHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMaxProbes {
			return types.ErrCircuitOpen
		}
		cb.probes++
		return nil
	default:
		return types.ErrCircuitOpen
	}
}

// RecordSuccess closes the circuit after a successful probe.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerHalfOpen {
		log.Info().Msg("Circuit breaker closed after successful probe")
	}
	cb.state = BreakerClosed
	cb.failures = cb.failures[:0]
	cb.probes = 0
}

// RecordFailure counts a failure. The circuit opens when the window
// threshold is crossed; a half-open probe failure reopens it immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	if cb.state == BreakerHalfOpen {
		cb.state = BreakerOpen
		cb.openedAt = now
		cb.probes = 0
		log.Warn().Msg("Circuit breaker reopened: probe failed")
		return
	}

	cutoff := now.Add(-cb.cfg.MonitoringWindow)
	kept := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failures = append(kept, now)

	if cb.state == BreakerClosed && len(cb.failures) >= cb.cfg.FailureThreshold {
		cb.state = BreakerOpen
		cb.openedAt = now
		log.Warn().
			Int("failures", len(cb.failures)).
			Dur("window", cb.cfg.MonitoringWindow).
			Msg("Circuit breaker opened")
	}
}

// maybeHalfOpenLocked transitions open→half_open once the reset timeout
// elapses. Caller holds mu.
func (cb *CircuitBreaker) maybeHalfOpenLocked() {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.state = BreakerHalfOpen
		cb.probes = 0
		log.Info().Msg("Circuit breaker half-open: probing")
	}
}
