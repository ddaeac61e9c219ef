package notify

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned while the breaker rejects dispatches.
var ErrBreakerOpen = errors.New("notify: circuit breaker is open")

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	// BreakerClosed lets every dispatch through and counts consecutive
	// failures.
	BreakerClosed BreakerState = iota
	// BreakerHalfOpen lets probes through after the open timeout.
	BreakerHalfOpen
	// BreakerOpen rejects every dispatch.
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half-open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker trips after a run of consecutive failures and stays open for a
// timeout before letting probes through. It is safe for concurrent use.
type Breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	openedAt         time.Time

	now      func() time.Time
	onChange func(BreakerState)
}

// NewBreaker creates a breaker. failureThreshold consecutive failures trip
// it; successThreshold consecutive half-open successes close it again.
func NewBreaker(failureThreshold, successThreshold int, timeout time.Duration) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 2
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		now:              time.Now,
	}
}

// OnStateChange registers fn to be called, with the lock held, whenever the
// state changes.
func (b *Breaker) OnStateChange(fn func(BreakerState)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Allow returns ErrBreakerOpen while the breaker is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current() == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// RecordSuccess records a delivered notification.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.current() {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.set(BreakerClosed)
		}
	}
}

// RecordFailure records a failed delivery.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.current() {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
	case BreakerHalfOpen:
		b.trip()
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current()
}

// current moves an expired open breaker to half-open. Must be called with
// the lock held.
func (b *Breaker) current() BreakerState {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.timeout {
		b.set(BreakerHalfOpen)
	}
	return b.state
}

func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.set(BreakerOpen)
}

func (b *Breaker) set(s BreakerState) {
	b.failures = 0
	b.successes = 0
	if s == b.state {
		return
	}
	b.state = s
	if b.onChange != nil {
		b.onChange(s)
	}
}
