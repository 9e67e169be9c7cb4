package security

import (
	"sync"
	"time"
)

// FailureLimiter implements progressive backoff after repeated failures
// from the same peer identity: each enclave's export_keys handler and the
// coordinator's join protocol use one to slow down a misbehaving or
// misconfigured peer instead of answering every bad attestation at full
// speed.
type FailureLimiter struct {
	mu           sync.Mutex
	failures     map[string]*failureRecord
	baseDelay    time.Duration
	maxDelay     time.Duration
	resetAfter   time.Duration
	maxFailures  int
	lockDuration time.Duration
}

type failureRecord struct {
	count       int
	lastFailed  time.Time
	lockedUntil time.Time
}

// NewFailureLimiter creates a new failure limiter. lockDuration of zero
// means failures only ever produce a growing delay and never an outright
// lockout, which is how the coordinator uses it for join backoff; the
// enclave's attestation guard passes a nonzero lockDuration instead.
func NewFailureLimiter(baseDelay, maxDelay, resetAfter time.Duration, maxFailures int, lockDuration time.Duration) *FailureLimiter {
	return &FailureLimiter{
		failures:     make(map[string]*failureRecord),
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		resetAfter:   resetAfter,
		maxFailures:  maxFailures,
		lockDuration: lockDuration,
	}
}

// RecordFailure records a failed attempt from peerID and returns the delay
// that should be applied before the next attempt.
func (fl *FailureLimiter) RecordFailure(peerID string) time.Duration {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	now := time.Now()
	record, ok := fl.failures[peerID]
	if !ok {
		record = &failureRecord{}
		fl.failures[peerID] = record
	}

	// Reset if enough time has passed since the last failure.
	if now.Sub(record.lastFailed) > fl.resetAfter {
		record.count = 0
	}

	record.count++
	record.lastFailed = now

	delay := fl.baseDelay * time.Duration(1<<uint(record.count-1))
	if delay > fl.maxDelay {
		delay = fl.maxDelay
	}

	if record.count >= fl.maxFailures {
		record.lockedUntil = now.Add(fl.lockDuration)
	}

	return delay
}

// IsLocked reports whether peerID is currently locked out after exceeding
// maxFailures.
func (fl *FailureLimiter) IsLocked(peerID string) bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	record, ok := fl.failures[peerID]
	if !ok {
		return false
	}

	return time.Now().Before(record.lockedUntil)
}

// RecordSuccess clears peerID's failure history after a successful
// attestation or join.
func (fl *FailureLimiter) RecordSuccess(peerID string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	delete(fl.failures, peerID)
}

// GetDelay returns the delay still remaining before peerID's next attempt
// is allowed, or zero if none is owed.
func (fl *FailureLimiter) GetDelay(peerID string) time.Duration {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	record, ok := fl.failures[peerID]
	if !ok {
		return 0
	}

	elapsed := time.Since(record.lastFailed)
	delay := fl.baseDelay * time.Duration(1<<uint(record.count-1))
	if delay > fl.maxDelay {
		delay = fl.maxDelay
	}

	if elapsed >= delay {
		return 0
	}

	return delay - elapsed
}
