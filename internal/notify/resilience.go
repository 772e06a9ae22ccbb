// Package notify dispatches at-most-once email alerts for schedule
// and execution events, grounded on original_source's notifications.py
// (SchedulingNotificationService) and scheduler_engine.py's
// _dispatch_execution_notification, with the SMTP send wrapped in
// email/resilience.go's circuit breaker and jittered retry.
package notify

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"
)

// CircuitState is the current state of a CircuitBreaker.
type CircuitState int

const (
	Closed CircuitState = iota
	Open
	HalfOpen
)

// ErrorType classifies an SMTP send failure for circuit-breaking and
// retry decisions.
type ErrorType int

const (
	UnknownError ErrorType = iota
	NetworkError
	AuthError
	QuotaError
	TemporaryError
	PermanentError
)

// ErrorClassifier maps SMTP error text to an ErrorType.
type ErrorClassifier struct {
	patterns map[string]ErrorType
}

// NewErrorClassifier returns a classifier tuned for the SMTP errors
// net/smtp and the dial path surface.
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{
		patterns: map[string]ErrorType{
			"connection refused":  NetworkError,
			"timeout":             NetworkError,
			"no such host":        NetworkError,
			"authentication":      AuthError,
			"auth error":          AuthError,
			"quota":               QuotaError,
			"rate limit":          QuotaError,
			"temporary":           TemporaryError,
			"mailbox unavailable": TemporaryError,
			"invalid recipient":   PermanentError,
			"permanent failure":   PermanentError,
		},
	}
}

// ClassifyError returns the ErrorType matching err's message.
func (c *ErrorClassifier) ClassifyError(err error) ErrorType {
	if err == nil {
		return UnknownError
	}
	errStr := strings.ToLower(err.Error())
	for pattern, errorType := range c.patterns {
		if strings.Contains(errStr, pattern) {
			return errorType
		}
	}
	return UnknownError
}

// CircuitBreaker guards the SMTP send path against a flapping or dead
// mail server, tripping after maxFailures consecutive failures and
// probing again after timeout.
type CircuitBreaker struct {
	mu sync.Mutex

	maxFailures  int64
	timeout      time.Duration
	resetTimeout time.Duration

	state        CircuitState
	failures     int64
	successes    int64
	lastFailTime time.Time
	nextAttempt  time.Time

	classifier  *ErrorClassifier
	errorCounts map[ErrorType]int64
}

// NewCircuitBreaker builds a CircuitBreaker, defaulting maxFailures to
// 5 and timeout to 60s when non-positive.
func NewCircuitBreaker(maxFailures int64, timeout time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		timeout:      timeout,
		resetTimeout: timeout * 2,
		state:        Closed,
		classifier:   NewErrorClassifier(),
		errorCounts:  make(map[ErrorType]int64),
	}
}

// Call runs fn under circuit-breaker protection, returning
// ErrCircuitOpen without invoking fn when the circuit is tripped.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func() error) error {
	if !cb.allowRequest() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		cb.recordFailure(err)
		return err
	}
	cb.recordSuccess()
	return nil
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	switch cb.state {
	case Closed:
		return true
	case Open:
		if now.After(cb.nextAttempt) {
			cb.state = HalfOpen
			return true
		}
		return false
	case HalfOpen:
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successes++
	switch cb.state {
	case HalfOpen:
		cb.state = Closed
		cb.failures = 0
	case Closed:
		if cb.failures > 0 {
			cb.failures--
		}
	}
}

func (cb *CircuitBreaker) recordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	errorType := cb.classifier.ClassifyError(err)
	cb.errorCounts[errorType]++
	cb.failures++
	cb.lastFailTime = time.Now()

	if cb.state == Closed && cb.failures >= cb.maxFailures {
		cb.state = Open
		cb.nextAttempt = time.Now().Add(cb.timeout)
	} else if cb.state == HalfOpen {
		cb.state = Open
		cb.nextAttempt = time.Now().Add(cb.resetTimeout)
	}
}

// State returns the breaker's current state, for diagnostics.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// RetryPolicy controls jittered exponential backoff between send
// attempts.
type RetryPolicy struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableErrors map[ErrorType]bool
}

// DefaultRetryPolicy retries network/temporary/quota errors up to 3
// times with a 200ms base delay.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:    3,
		BaseDelay:     200 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		RetryableErrors: map[ErrorType]bool{
			NetworkError:   true,
			TemporaryError: true,
			QuotaError:     true,
			UnknownError:   false,
			AuthError:      false,
			PermanentError: false,
		},
	}
}

// Retry runs fn, retrying per rp until it succeeds, a non-retryable
// error occurs, retries are exhausted, or ctx is cancelled.
func (rp *RetryPolicy) Retry(ctx context.Context, classifier *ErrorClassifier, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= rp.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(rp.BaseDelay) * math.Pow(rp.BackoffFactor, float64(attempt-1)))
			if delay > rp.MaxDelay {
				delay = rp.MaxDelay
			}
			jitterMax := int64(delay) / 4
			if jitterMax <= 0 {
				jitterMax = 1
			}
			jitterNs, _ := rand.Int(rand.Reader, big.NewInt(jitterMax))
			delay += time.Duration(jitterNs.Int64())

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		errorType := classifier.ClassifyError(err)
		if retryable, ok := rp.RetryableErrors[errorType]; !ok || !retryable {
			return err
		}
	}
	return lastErr
}

// ResilienceManager combines a CircuitBreaker and RetryPolicy around
// the SMTP send path.
type ResilienceManager struct {
	circuitBreaker *CircuitBreaker
	retryPolicy    *RetryPolicy
	classifier     *ErrorClassifier
}

// NewResilienceManager builds a ResilienceManager, using
// DefaultRetryPolicy when retryPolicy is nil.
func NewResilienceManager(maxFailures int64, timeout time.Duration, retryPolicy *RetryPolicy) *ResilienceManager {
	if retryPolicy == nil {
		retryPolicy = DefaultRetryPolicy()
	}
	return &ResilienceManager{
		circuitBreaker: NewCircuitBreaker(maxFailures, timeout),
		retryPolicy:    retryPolicy,
		classifier:     NewErrorClassifier(),
	}
}

// Execute runs fn under both retry and circuit-breaker protection.
func (rm *ResilienceManager) Execute(ctx context.Context, fn func() error) error {
	return rm.circuitBreaker.Call(ctx, func() error {
		return rm.retryPolicy.Retry(ctx, rm.classifier, fn)
	})
}

// State exposes the underlying circuit breaker's state.
func (rm *ResilienceManager) State() CircuitState {
	return rm.circuitBreaker.State()
}

// ErrCircuitOpen is returned when a send is attempted while the
// circuit breaker is tripped.
var ErrCircuitOpen = errors.New("notify: circuit breaker is open")
