package provider

import (
	"sync"
	"time"
)

// Breaker gates an optional request feature. Adapters consult Allow before
// enabling the feature and report the outcome afterwards, so a backend that
// keeps rejecting the feature stops receiving it for a while.
type Breaker interface {
	Allow() bool
	RecordSuccess()
	RecordFailure()
}

// ConsecutiveBreaker trips after a run of consecutive failures and re-allows
// after a cooldown.
type ConsecutiveBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	trippedAt time.Time

	now func() time.Time
}

// NewConsecutiveBreaker returns a breaker that trips after threshold
// consecutive failures and stays tripped for cooldown.
func NewConsecutiveBreaker(threshold int, cooldown time.Duration) *ConsecutiveBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &ConsecutiveBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (b *ConsecutiveBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.threshold {
		return true
	}
	if b.now().Sub(b.trippedAt) >= b.cooldown {
		// Half-open: allow one probe.
		b.failures = b.threshold - 1
		return true
	}
	return false
}

func (b *ConsecutiveBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

func (b *ConsecutiveBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures == b.threshold {
		b.trippedAt = b.now()
	}
}

// alwaysAllow is the default when no breaker is injected.
type alwaysAllow struct{}

func (alwaysAllow) Allow() bool    { return true }
func (alwaysAllow) RecordSuccess() {}
func (alwaysAllow) RecordFailure() {}
