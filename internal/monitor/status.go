// Package monitor runs one worker per configured stream and supervises
// their lifecycle: staggered startup, reconnects, circuit breaker cooldowns
// and configuration changes.
package monitor

import (
	"fmt"
	"slices"
)

// Status is the lifecycle state of a stream.
type Status int

const (
	// StatusIdle means the worker exists but has not tried to connect yet.
	StatusIdle Status = iota
	// StatusConnecting means a connection attempt holds a throttle slot.
	StatusConnecting
	// StatusBuffering means the decoder is running and no bandwidth sample exists yet.
	StatusBuffering
	// StatusOnline means audio is flowing.
	StatusOnline
	// StatusReconnecting covers retry delays and backoff between attempts.
	StatusReconnecting
	// StatusCooldown means the circuit breaker tripped; the supervisor decides the retry.
	StatusCooldown
	// StatusStopped is terminal for a worker: shutdown or removal.
	StatusStopped
	// StatusErrored means the decoder executable is missing; only a manual restart clears it.
	StatusErrored
)

var statusNames = [...]string{
	StatusIdle:         "idle",
	StatusConnecting:   "connecting",
	StatusBuffering:    "buffering",
	StatusOnline:       "online",
	StatusReconnecting: "reconnecting",
	StatusCooldown:     "cooldown",
	StatusStopped:      "stopped",
	StatusErrored:      "errored",
}

// String returns the lower-case status name.
func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StatusNames lists every status name, for metric labels.
func StatusNames() []string {
	return slices.Clone(statusNames[:])
}

// validTransitions lists the transitions a worker may make. A new worker
// always starts from StatusIdle regardless of the previous status.
var validTransitions = map[Status][]Status{
	StatusIdle:         {StatusConnecting, StatusStopped},
	StatusConnecting:   {StatusBuffering, StatusReconnecting, StatusErrored, StatusStopped},
	StatusBuffering:    {StatusOnline, StatusReconnecting, StatusStopped},
	StatusOnline:       {StatusReconnecting, StatusStopped},
	StatusReconnecting: {StatusConnecting, StatusCooldown, StatusStopped},
	StatusCooldown:     {StatusStopped},
	StatusStopped:      {},
	StatusErrored:      {StatusStopped},
}

func isValidTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return slices.Contains(validTransitions[from], to)
}
