package router

import (
	"sync"
	"time"
)

type cbState int

const (
	cbClosed cbState = iota
	cbOpen
	cbHalfOpen
)

const (
	defaultFailureThreshold = 5
	defaultResetTimeout     = 60 * time.Second
)

// circuitBreaker is a single provider's breaker state: closed until
// failureThreshold consecutive failures trip it open; after resetTimeout it
// allows exactly one half-open probe; any success closes it again.
type circuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	resetTimeout     time.Duration

	state        cbState
	failureCount int
	openedAt     time.Time
}

func newCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *circuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = defaultFailureThreshold
	}
	if resetTimeout <= 0 {
		resetTimeout = defaultResetTimeout
	}
	return &circuitBreaker{failureThreshold: failureThreshold, resetTimeout: resetTimeout}
}

// stateCode reports the current state as the metrics gauge encoding:
// 0=closed, 1=open, 2=half-open.
func (c *circuitBreaker) stateCode() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case cbOpen:
		return 1
	case cbHalfOpen:
		return 2
	default:
		return 0
	}
}

func (c *circuitBreaker) allowRequest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case cbClosed:
		return true
	case cbOpen:
		if time.Since(c.openedAt) >= c.resetTimeout {
			// The transition itself admits the single half-open probe;
			// further requests wait for it to resolve via onSuccess/onFailure.
			c.state = cbHalfOpen
			return true
		}
		return false
	case cbHalfOpen:
		return false
	default:
		return false
	}
}

func (c *circuitBreaker) onSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != cbClosed {
		c.state = cbClosed
	}
	c.failureCount = 0
}

func (c *circuitBreaker) onFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount++
	if c.failureCount >= c.failureThreshold {
		c.state = cbOpen
		c.openedAt = time.Now()
	}
}

// circuitBreakers lazily creates one circuitBreaker per provider name on
// first use, so a provider added to the registry after startup still gets a
// real breaker instead of being treated as always-allow.
type circuitBreakers struct {
	mu               sync.Mutex
	byP              map[string]*circuitBreaker
	failureThreshold int
	resetTimeout     time.Duration
}

func newCircuitBreakers() *circuitBreakers {
	return &circuitBreakers{byP: make(map[string]*circuitBreaker)}
}

// setPolicy overrides the thresholds applied to breakers created after this
// call. Existing breakers keep their policy.
func (c *circuitBreakers) setPolicy(failureThreshold int, resetTimeout time.Duration) {
	c.mu.Lock()
	c.failureThreshold = failureThreshold
	c.resetTimeout = resetTimeout
	c.mu.Unlock()
}

func (c *circuitBreakers) forProvider(name string) *circuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.byP[name]
	if !ok {
		cb = newCircuitBreaker(c.failureThreshold, c.resetTimeout)
		c.byP[name] = cb
	}
	return cb
}
