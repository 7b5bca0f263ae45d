package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/kitmage/jarvipy/internal/clock"
	"github.com/rs/zerolog/log"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type BreakerConfig struct {
	Name string
	// MaxFailures consecutive failures open the breaker. Default: 5.
	MaxFailures int
	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration
	// HalfOpenMax probe calls decide between closing and re-opening. Default: 1.
	HalfOpenMax int
	Clock       clock.Clock
}

// CircuitBreaker fails fast while a remote service keeps failing, so a dead
// LLM endpoint costs one quick error instead of a full timeout per event.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	clock        clock.Clock

	mu              sync.Mutex
	state           BreakerState
	consecutiveFail int
	lastFailure     time.Time
	halfOpenCalls   int
	halfOpenOK      int
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		clock:        cfg.Clock,
	}
}

// Execute runs fn unless the breaker is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case BreakerOpen:
		if cb.clock.Now().Sub(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = BreakerHalfOpen
		cb.halfOpenCalls = 0
		cb.halfOpenOK = 0
		log.Info().Str("breaker", cb.name).Msg("Circuit breaker half-open")
	case BreakerHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMax {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}

	probing := cb.state == BreakerHalfOpen
	if probing {
		cb.halfOpenCalls++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.recordFailure(probing)
	} else {
		cb.recordSuccess(probing)
	}
	return err
}

func (cb *CircuitBreaker) recordFailure(probing bool) {
	cb.lastFailure = cb.clock.Now()

	if probing {
		cb.state = BreakerOpen
		log.Warn().Str("breaker", cb.name).Msg("Circuit breaker re-opened")
		return
	}

	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.maxFailures && cb.state == BreakerClosed {
		cb.state = BreakerOpen
		log.Warn().
			Str("breaker", cb.name).
			Int("consecutive_failures", cb.consecutiveFail).
			Msg("Circuit breaker opened")
	}
}

func (cb *CircuitBreaker) recordSuccess(probing bool) {
	if probing {
		cb.halfOpenOK++
		if cb.halfOpenOK >= cb.halfOpenMax {
			cb.state = BreakerClosed
			cb.consecutiveFail = 0
			log.Info().Str("breaker", cb.name).Msg("Circuit breaker closed")
		}
		return
	}
	cb.consecutiveFail = 0
}

// State reports the breaker state; an open breaker whose timeout elapsed
// reads as half-open.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == BreakerOpen && cb.clock.Now().Sub(cb.lastFailure) >= cb.resetTimeout {
		return BreakerHalfOpen
	}
	return cb.state
}
