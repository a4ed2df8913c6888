package monitor

import (
	"sync"
	"time"

	"github.com/tphakala/radiotrack/internal/logger"
	"github.com/tphakala/radiotrack/internal/observability/metrics"
	"github.com/tphakala/radiotrack/internal/privacy"
)

// StreamInfo is one configured stream annotated with its type and 1-based
// position in the configured list.
type StreamInfo struct {
	Name          string
	URL           string
	Enabled       bool
	AutoReconnect bool
	Type          string
	Number        int
}

// sameConnection reports whether two configs would run an identical worker.
func (i StreamInfo) sameConnection(o StreamInfo) bool {
	return i.URL == o.URL && i.AutoReconnect == o.AutoReconnect
}

// RuntimeState is a point-in-time copy of one stream's state.
type RuntimeState struct {
	Name              string               `json:"name"`
	URL               string               `json:"url"`
	Type              string               `json:"type"`
	Number            int                  `json:"number"`
	Enabled           bool                 `json:"enabled"`
	Active            bool                 `json:"active"`
	Status            Status               `json:"status"`
	BandwidthBps      float64              `json:"bandwidth_bps"`
	Detections        uint64               `json:"detections"`
	Reconnects        uint64               `json:"reconnects"`
	Failures          int                  `json:"consecutive_failures"`
	CooldownRemaining time.Duration        `json:"cooldown_remaining"`
	LastError         string               `json:"last_error,omitempty"`
	LastDataAt        time.Time            `json:"last_data_at,omitzero"`
	LastDetections    map[string]time.Time `json:"last_detections,omitempty"`
}

// streamState is the mutable runtime state of one stream. It outlives
// individual workers so counters survive restarts.
type streamState struct {
	name    string
	log     logger.Logger
	metrics *metrics.StreamMetrics

	mu         sync.Mutex
	status     Status
	bandwidth  float64
	detections uint64
	reconnects uint64
	lastErr    string
	lastData   time.Time
}

func newStreamState(name string, log logger.Logger, m *metrics.StreamMetrics) *streamState {
	s := &streamState{name: name, log: log, metrics: m}
	m.SetStatus(name, StatusIdle.String(), StatusNames())
	return s
}

// transition moves to status to. Invalid transitions are logged and ignored.
func (s *streamState) transition(to Status) bool {
	s.mu.Lock()
	from := s.status
	if !isValidTransition(from, to) {
		s.mu.Unlock()
		s.log.Warn("invalid stream status transition",
			logger.String("stream", s.name),
			logger.String("from", from.String()),
			logger.String("to", to.String()))
		return false
	}
	s.status = to
	if to != StatusOnline && to != StatusBuffering {
		s.bandwidth = 0
	}
	s.mu.Unlock()

	if from != to {
		s.metrics.SetStatus(s.name, to.String(), StatusNames())
		s.log.Debug("stream status changed",
			logger.String("stream", s.name),
			logger.String("from", from.String()),
			logger.String("to", to.String()))
	}
	return true
}

// reset returns the state to StatusIdle for a new worker.
func (s *streamState) reset() {
	s.mu.Lock()
	s.status = StatusIdle
	s.bandwidth = 0
	s.mu.Unlock()
	s.metrics.SetStatus(s.name, StatusIdle.String(), StatusNames())
}

func (s *streamState) current() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *streamState) setBandwidth(bps float64, at time.Time) {
	s.mu.Lock()
	s.bandwidth = bps
	s.lastData = at
	s.mu.Unlock()
	s.metrics.SetBandwidth(s.name, bps)
}

func (s *streamState) addDetection() {
	s.mu.Lock()
	s.detections++
	s.mu.Unlock()
}

func (s *streamState) addReconnect() {
	s.mu.Lock()
	s.reconnects++
	s.mu.Unlock()
	s.metrics.RecordReconnect(s.name)
}

func (s *streamState) setError(err error) {
	msg := ""
	if err != nil {
		msg = privacy.ScrubMessage(err.Error())
	}
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
}

func (s *streamState) snapshot(info StreamInfo) RuntimeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RuntimeState{
		Name:         info.Name,
		URL:          privacy.SanitizeStreamURL(info.URL),
		Type:         info.Type,
		Number:       info.Number,
		Enabled:      info.Enabled,
		Status:       s.status,
		BandwidthBps: s.bandwidth,
		Detections:   s.detections,
		Reconnects:   s.reconnects,
		LastError:    s.lastErr,
		LastDataAt:   s.lastData,
	}
}
