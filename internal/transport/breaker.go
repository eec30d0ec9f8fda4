package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"offsync/internal/errors"

	"github.com/sirupsen/logrus"
)

// BreakerState represents the state of a circuit breaker
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

// CircuitBreaker fails calls fast while the authority keeps failing with
// transient errors. Permanent rejections do not count against it.
type CircuitBreaker struct {
	name        string
	maxFailures int
	timeout     time.Duration
	now         func() time.Time
	logger      *logrus.Logger

	mu              sync.Mutex
	state           BreakerState
	failures        int
	lastFailureTime time.Time
	probing         bool
}

// NewCircuitBreaker creates a breaker that opens after maxFailures
// consecutive transient failures and probes again after timeout.
func NewCircuitBreaker(name string, maxFailures int, timeout time.Duration, logger *logrus.Logger) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		name:        name,
		maxFailures: maxFailures,
		timeout:     timeout,
		now:         time.Now,
		logger:      logger,
	}
}

// Execute runs fn unless the breaker is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allow() {
		return errors.WrapRetryable(&BreakerOpenError{Name: cb.name}, errors.ErrCodeSyncTransport, "authority unavailable")
	}

	err := fn(ctx)
	if err != nil && errors.IsRetryable(err) {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if cb.now().Sub(cb.lastFailureTime) < cb.timeout {
			return false
		}
		cb.state = BreakerHalfOpen
		cb.probing = true
		cb.logger.WithFields(logrus.Fields{
			"circuit_breaker": cb.name,
			"state":           BreakerHalfOpen.String(),
		}).Info("Circuit breaker probing authority")
		return true
	case BreakerHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != BreakerClosed {
		cb.logger.WithField("circuit_breaker", cb.name).Info("Circuit breaker closed after successful probe")
	}
	cb.state = BreakerClosed
	cb.failures = 0
	cb.probing = false
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureTime = cb.now()
	cb.probing = false

	if cb.state == BreakerHalfOpen || cb.failures >= cb.maxFailures {
		if cb.state != BreakerOpen {
			cb.logger.WithFields(logrus.Fields{
				"circuit_breaker": cb.name,
				"failures":        cb.failures,
			}).Warn("Circuit breaker opened due to failures")
		}
		cb.state = BreakerOpen
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// BreakerOpenError is the cause attached to calls rejected by an open breaker.
type BreakerOpenError struct {
	Name string
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is open", e.Name)
}
