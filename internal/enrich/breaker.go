package enrich

import (
	"errors"
	"log"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a call is rejected by an open breaker.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker stops calls to a failing external service until a
// recovery timeout passes.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	open        bool
	now         func() time.Time
}

func NewCircuitBreaker(name string, failureThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		now:              time.Now,
	}
}

// IsOpen reports whether calls should be rejected. An open breaker
// resets itself once the recovery timeout has elapsed.
func (c *CircuitBreaker) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return false
	}
	if c.now().Sub(c.lastFailure) > c.recoveryTimeout {
		c.open = false
		c.failures = 0
		log.Printf("[Breaker] %s reset", c.name)
		return false
	}
	return true
}

func (c *CircuitBreaker) RecordSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()
}

func (c *CircuitBreaker) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	c.lastFailure = c.now()
	if c.failures >= c.failureThreshold {
		if !c.open {
			log.Printf("[Breaker] %s opened after %d failures", c.name, c.failures)
		}
		c.open = true
	}
}

// Call runs fn under breaker protection.
func (c *CircuitBreaker) Call(fn func() error) error {
	if c.IsOpen() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		c.RecordFailure()
		return err
	}
	c.RecordSuccess()
	return nil
}

// BreakerStats reports breaker state.
func (c *CircuitBreaker) BreakerStats() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{
		"name":              c.name,
		"is_open":           c.open,
		"failures":          c.failures,
		"failure_threshold": c.failureThreshold,
		"recovery_seconds":  c.recoveryTimeout.Seconds(),
	}
}
