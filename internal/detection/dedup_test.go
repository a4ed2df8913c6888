package detection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeduplicatorSuppressesWithinWindow(t *testing.T) {
	t.Parallel()

	d := NewDeduplicator(30 * time.Second)
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	assert.True(t, d.ShouldEmit("alpha", "track-1", t0))
	assert.False(t, d.ShouldEmit("alpha", "track-1", t0.Add(10*time.Second)))
	assert.True(t, d.ShouldEmit("alpha", "track-1", t0.Add(35*time.Second)))

	// Exactly at the window boundary is still a duplicate.
	assert.False(t, d.ShouldEmit("alpha", "track-1", t0.Add(65*time.Second)))
	assert.True(t, d.ShouldEmit("alpha", "track-1", t0.Add(65*time.Second+time.Millisecond)))
}

func TestDeduplicatorKeysByStreamAndTrack(t *testing.T) {
	t.Parallel()

	d := NewDeduplicator(0)
	assert.Equal(t, DefaultDedupWindow, d.Window())

	now := time.Now()
	assert.True(t, d.ShouldEmit("alpha", "track-1", now))
	assert.True(t, d.ShouldEmit("beta", "track-1", now))
	assert.True(t, d.ShouldEmit("alpha", "track-2", now))
	assert.False(t, d.ShouldEmit("beta", "track-1", now.Add(time.Second)))
	assert.Equal(t, 3, d.Len())
}

func TestDeduplicatorForgetAndLast(t *testing.T) {
	t.Parallel()

	d := NewDeduplicator(time.Minute)
	now := time.Now()
	d.ShouldEmit("alpha", "t1", now)
	d.ShouldEmit("alpha", "t2", now.Add(time.Second))
	d.ShouldEmit("beta", "t1", now)

	last := d.Last("alpha")
	assert.Len(t, last, 2)
	assert.Equal(t, now.Add(time.Second), last["t2"])

	// The returned map is a copy.
	delete(last, "t1")
	assert.Len(t, d.Last("alpha"), 2)

	d.Forget("alpha")
	assert.Empty(t, d.Last("alpha"))
	assert.Len(t, d.Last("beta"), 1)
	assert.True(t, d.ShouldEmit("alpha", "t1", now.Add(2*time.Second)))
}

func TestDeduplicatorPrune(t *testing.T) {
	t.Parallel()

	d := NewDeduplicator(30 * time.Second)
	now := time.Now()
	d.ShouldEmit("alpha", "old", now.Add(-time.Minute))
	d.ShouldEmit("alpha", "fresh", now)

	assert.Equal(t, 1, d.Prune(now))
	assert.Equal(t, 1, d.Len())
}
