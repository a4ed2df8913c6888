// Package throttle bounds concurrent stream connection attempts.
package throttle

import (
	"context"
	"crypto/rand"
	"math/big"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Default limits.
const (
	DefaultMaxConcurrent = 10
	DefaultMaxJitter     = 2 * time.Second
)

// ConnectionThrottler delays each connection attempt by a random jitter and
// then admits at most maxConcurrent attempts at a time.
type ConnectionThrottler struct {
	sem       *semaphore.Weighted
	max       int
	maxJitter time.Duration
	inFlight  atomic.Int64
	peak      atomic.Int64
}

// New creates a throttler. Non-positive values fall back to the defaults;
// a negative maxJitter disables jitter.
func New(maxConcurrent int, maxJitter time.Duration) *ConnectionThrottler {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	switch {
	case maxJitter == 0:
		maxJitter = DefaultMaxJitter
	case maxJitter < 0:
		maxJitter = 0
	}
	return &ConnectionThrottler{
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		max:       maxConcurrent,
		maxJitter: maxJitter,
	}
}

// ExecuteThrottled waits a random 0..maxJitter delay, acquires a slot and runs
// action. The slot is released when action returns, whatever the outcome.
// A cancelled ctx aborts either wait and returns ctx.Err().
func (t *ConnectionThrottler) ExecuteThrottled(ctx context.Context, action func(context.Context) error) error {
	if d := t.jitter(); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := t.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	n := t.inFlight.Add(1)
	for {
		p := t.peak.Load()
		if n <= p || t.peak.CompareAndSwap(p, n) {
			break
		}
	}
	defer func() {
		t.inFlight.Add(-1)
		t.sem.Release(1)
	}()

	return action(ctx)
}

// MaxConcurrent returns the number of attempts admitted at once.
func (t *ConnectionThrottler) MaxConcurrent() int { return t.max }

// InFlight returns the number of actions currently running.
func (t *ConnectionThrottler) InFlight() int {
	return int(t.inFlight.Load())
}

// Peak returns the highest InFlight value observed.
func (t *ConnectionThrottler) Peak() int {
	return int(t.peak.Load())
}

func (t *ConnectionThrottler) jitter() time.Duration {
	if t.maxJitter <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(t.maxJitter.Nanoseconds()+1))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}
