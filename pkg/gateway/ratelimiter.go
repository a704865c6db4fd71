package gateway

import (
	"sync"
	"time"
)

// ClientRateLimiter implements sliding window rate limiting per client
type ClientRateLimiter struct {
	mu                 sync.Mutex
	requestsPerMinute  int
	maxConcurrent      int
	requests           []time.Time
	concurrentRequests int
}

// NewClientRateLimiter creates a new rate limiter with default limits
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(60, 10)
}

// NewClientRateLimiterWithLimits creates a rate limiter with custom limits
func NewClientRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
	}
}

// CheckRequestAllowed checks if a request is allowed under rate limits
func (r *ClientRateLimiter) CheckRequestAllowed() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrentRequests >= r.maxConcurrent {
		return false, "too many concurrent requests"
	}

	r.pruneLocked()
	if len(r.requests) >= r.requestsPerMinute {
		return false, "rate limit exceeded"
	}
	return true, ""
}

// RecordRequestStart records the start of a request
func (r *ClientRateLimiter) RecordRequestStart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, time.Now())
	r.concurrentRequests++
}

// RecordRequestEnd records the end of a request
func (r *ClientRateLimiter) RecordRequestEnd() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.concurrentRequests > 0 {
		r.concurrentRequests--
	}
}

// UpdateLimits updates the rate limits
func (r *ClientRateLimiter) UpdateLimits(requestsPerMinute, maxConcurrent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestsPerMinute = requestsPerMinute
	r.maxConcurrent = maxConcurrent
}

// GetStats returns current rate limiter statistics
func (r *ClientRateLimiter) GetStats() (requestCount, concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	return len(r.requests), r.concurrentRequests
}

// pruneLocked drops requests outside the one-minute window.
func (r *ClientRateLimiter) pruneLocked() {
	cutoff := time.Now().Add(-time.Minute)
	valid := r.requests[:0]
	for _, reqTime := range r.requests {
		if reqTime.After(cutoff) {
			valid = append(valid, reqTime)
		}
	}
	r.requests = valid
}
