package safety

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is the state of a gateway circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig holds thresholds for a circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32        // consecutive failures before opening
	SuccessThreshold uint32        // successes to close from half-open
	OpenTimeout      time.Duration // time to wait before probing again
}

// Breaker guards repeated gateway calls against cascading failures. An
// open breaker fails fast; per the error-handling policy the skipped
// call is retried on the next natural cycle.
type Breaker struct {
	config        BreakerConfig
	state         BreakerState
	failures      uint32
	successes     uint32
	nextAttempt   time.Time
	name          string
	onStateChange func(from, to BreakerState)
	mu            sync.Mutex
}

// NewBreaker creates a circuit breaker with defaulted thresholds.
func NewBreaker(name string, config BreakerConfig) *Breaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}
	if config.OpenTimeout == 0 {
		config.OpenTimeout = time.Minute
	}
	return &Breaker{
		config: config,
		state:  BreakerClosed,
		name:   name,
	}
}

// SetStateChangeCallback registers a callback for state transitions.
func (b *Breaker) SetStateChangeCallback(callback func(from, to BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = callback
}

// Call executes fn with circuit breaker protection.
func (b *Breaker) Call(fn func() error) error {
	if !b.allow() {
		return fmt.Errorf("circuit breaker %s is open", b.name)
	}
	if err := fn(); err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if time.Now().After(b.nextAttempt) {
			b.transition(BreakerHalfOpen)
			b.successes = 0
			return true
		}
		return false
	}
	return false
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == BreakerHalfOpen {
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transition(BreakerClosed)
			b.successes = 0
		}
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case BreakerClosed:
		if b.failures >= b.config.FailureThreshold {
			b.open()
		}
	case BreakerHalfOpen:
		b.open()
	case BreakerOpen:
		b.nextAttempt = time.Now().Add(b.config.OpenTimeout)
	}
}

func (b *Breaker) open() {
	b.transition(BreakerOpen)
	b.nextAttempt = time.Now().Add(b.config.OpenTimeout)
	b.successes = 0
}

// transition changes state; callers must hold b.mu.
func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	if b.onStateChange != nil && from != to {
		// Without the mutex held to avoid deadlock from re-entrant calls.
		go b.onStateChange(from, to)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(BreakerClosed)
	b.failures = 0
	b.successes = 0
}
