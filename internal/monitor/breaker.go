package monitor

import (
	"sync"
	"time"
)

// Breaker defaults.
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 5 * time.Minute
)

type breakerState struct {
	failures  int
	openUntil time.Time
}

// BreakerRegistry holds the circuit breaker of every stream, keyed by name.
// Workers record failures and successes; the supervisor clears expired
// cooldowns. It is safe for concurrent use.
type BreakerRegistry struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	states    map[string]*breakerState
}

// NewBreakerRegistry creates a registry. Non-positive values use the
// defaults; a nil now uses time.Now.
func NewBreakerRegistry(threshold int, cooldown time.Duration, now func() time.Time) *BreakerRegistry {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if now == nil {
		now = time.Now
	}
	return &BreakerRegistry{
		threshold: threshold,
		cooldown:  cooldown,
		now:       now,
		states:    make(map[string]*breakerState),
	}
}

// Threshold returns the consecutive failure count that trips a breaker.
func (r *BreakerRegistry) Threshold() int { return r.threshold }

// Cooldown returns the fixed cooldown duration.
func (r *BreakerRegistry) Cooldown() time.Duration { return r.cooldown }

func (r *BreakerRegistry) stateLocked(name string) *breakerState {
	st, ok := r.states[name]
	if !ok {
		st = &breakerState{}
		r.states[name] = st
	}
	return st
}

// RecordFailure counts one consecutive failure. On exactly the threshold
// failure it opens the breaker and returns tripped=true. Failures recorded
// while already open do not extend the cooldown.
func (r *BreakerRegistry) RecordFailure(name string) (failures int, tripped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.stateLocked(name)
	if !st.openUntil.IsZero() {
		return st.failures, false
	}
	st.failures++
	if st.failures >= r.threshold {
		st.openUntil = r.now().Add(r.cooldown)
		return st.failures, true
	}
	return st.failures, false
}

// RecordSuccess resets the consecutive failure count of a closed breaker.
func (r *BreakerRegistry) RecordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.states[name]; ok && st.openUntil.IsZero() {
		st.failures = 0
	}
}

// Failures returns the consecutive failure count.
func (r *BreakerRegistry) Failures(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.states[name]; ok {
		return st.failures
	}
	return 0
}

// Remaining returns the cooldown left and whether the breaker is open. An
// open breaker whose cooldown has passed reports zero remaining and true
// until ClearIfExpired closes it.
func (r *BreakerRegistry) Remaining(name string) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[name]
	if !ok || st.openUntil.IsZero() {
		return 0, false
	}
	return max(st.openUntil.Sub(r.now()), 0), true
}

// ClearIfExpired closes an open breaker whose cooldown has elapsed and
// resets its failure count. It returns true only for the call that closed
// the breaker.
func (r *BreakerRegistry) ClearIfExpired(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[name]
	if !ok || st.openUntil.IsZero() || r.now().Before(st.openUntil) {
		return false
	}
	st.openUntil = time.Time{}
	st.failures = 0
	return true
}

// Reset closes the breaker of name.
func (r *BreakerRegistry) Reset(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, name)
}

// ResetAll closes every breaker.
func (r *BreakerRegistry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.states)
}
