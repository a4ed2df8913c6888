package monitor

import (
	"sync"
	"time"
)

const (
	bandwidthWindow     = 10 * time.Second
	bandwidthMaxSamples = 1000
)

type byteSample struct {
	at    time.Time
	bytes int64
}

// rateMeter estimates throughput over a sliding window of byte samples.
type rateMeter struct {
	mu      sync.Mutex
	window  time.Duration
	samples []byteSample
}

func newRateMeter(window time.Duration) *rateMeter {
	if window <= 0 {
		window = bandwidthWindow
	}
	return &rateMeter{window: window}
}

// add records n bytes received at now and drops samples outside the window.
func (m *rateMeter) add(n int, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = append(m.samples, byteSample{at: now, bytes: int64(n)})

	cutoff := now.Add(-m.window)
	i := 0
	for i < len(m.samples) && m.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.samples = m.samples[i:]
	}
	if len(m.samples) > bandwidthMaxSamples {
		m.samples = m.samples[len(m.samples)-bandwidthMaxSamples:]
	}
}

// rate returns bytes per second. A single fresh sample is reported as a
// one-second burst so new streams show a rate immediately.
func (m *rateMeter) rate(now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch len(m.samples) {
	case 0:
		return 0
	case 1:
		if now.Sub(m.samples[0].at) < m.window {
			return float64(m.samples[0].bytes)
		}
		return 0
	}

	var total int64
	for _, s := range m.samples {
		total += s.bytes
	}
	elapsed := m.samples[len(m.samples)-1].at.Sub(m.samples[0].at).Seconds()
	if elapsed <= 0 {
		return float64(total)
	}
	return float64(total) / elapsed
}

func (m *rateMeter) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = m.samples[:0]
}
