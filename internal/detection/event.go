// Package detection turns fingerprint matches into deduplicated detection
// events and fans them out to sinks through a bounded bus.
package detection

import (
	"time"
)

// Event is one emitted detection. Events are never mutated after creation.
type Event struct {
	Timestamp    time.Time     `json:"timestamp"`
	Stream       string        `json:"stream"`
	StreamType   string        `json:"stream_type"`
	StreamNumber int           `json:"stream_number"`
	TrackID      string        `json:"track_id"`
	Title        string        `json:"title"`
	Duration     float64       `json:"duration_seconds"`
	Confidence   float64       `json:"confidence"`
	Offset       time.Duration `json:"offset"`
}
