package detection

import (
	"maps"
	"sync"
	"time"
)

// DefaultDedupWindow is the minimum spacing between two events for the
// same track on the same stream.
const DefaultDedupWindow = 30 * time.Second

type dedupKey struct {
	stream  string
	trackID string
}

// Deduplicator suppresses repeated detections of a track on a stream.
// It is safe for concurrent use.
type Deduplicator struct {
	mu     sync.Mutex
	window time.Duration
	last   map[dedupKey]time.Time
}

// NewDeduplicator creates a deduplicator; a non-positive window uses DefaultDedupWindow.
func NewDeduplicator(window time.Duration) *Deduplicator {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Deduplicator{
		window: window,
		last:   make(map[dedupKey]time.Time),
	}
}

// Window returns the configured suppression window.
func (d *Deduplicator) Window() time.Duration { return d.window }

// ShouldEmit reports whether a match at now should produce an event. When it
// returns true, now is recorded as the last detection for (stream, trackID).
func (d *Deduplicator) ShouldEmit(stream, trackID string, now time.Time) bool {
	key := dedupKey{stream: stream, trackID: trackID}

	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.last[key]; ok && now.Sub(prev) <= d.window {
		return false
	}
	d.last[key] = now
	return true
}

// Forget drops every key of stream.
func (d *Deduplicator) Forget(stream string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	maps.DeleteFunc(d.last, func(k dedupKey, _ time.Time) bool {
		return k.stream == stream
	})
}

// Last returns a copy of the last detection time per track for stream.
func (d *Deduplicator) Last(stream string) map[string]time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]time.Time)
	for k, t := range d.last {
		if k.stream == stream {
			out[k.trackID] = t
		}
	}
	return out
}

// Prune removes entries older than the window and returns how many were removed.
func (d *Deduplicator) Prune(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	before := len(d.last)
	maps.DeleteFunc(d.last, func(_ dedupKey, t time.Time) bool {
		return now.Sub(t) > d.window
	})
	return before - len(d.last)
}

// Len returns the number of tracked keys.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.last)
}
