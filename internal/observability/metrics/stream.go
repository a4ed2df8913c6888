// Package metrics provides custom Prometheus metrics for the radiotrack components.
//
// Every Record/Set method is safe to call on a nil receiver so components can
// run without a registry in tests.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// StreamMetrics covers stream workers, the supervisor and the connection throttler.
type StreamMetrics struct {
	Status            *prometheus.GaugeVec
	Reconnects        *prometheus.CounterVec
	BytesReceived     *prometheus.CounterVec
	Bandwidth         *prometheus.GaugeVec
	WindowsQueried    *prometheus.CounterVec
	BreakerTrips      *prometheus.CounterVec
	ConnectsInFlight  prometheus.Gauge
	ConnectionFailure *prometheus.CounterVec
}

// NewStreamMetrics creates and registers stream metrics.
func NewStreamMetrics(registry prometheus.Registerer) (*StreamMetrics, error) {
	m := &StreamMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register stream metrics: %w", err)
	}
	return m, nil
}

func (m *StreamMetrics) initMetrics() {
	m.Status = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "radiotrack_stream_status",
		Help: "1 for the current status of each stream, 0 for all other statuses",
	}, []string{"stream", "status"})

	m.Reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "radiotrack_stream_reconnects_total",
		Help: "Total number of reconnect attempts per stream",
	}, []string{"stream"})

	m.BytesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "radiotrack_stream_bytes_total",
		Help: "Total decoded PCM bytes received per stream",
	}, []string{"stream"})

	m.Bandwidth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "radiotrack_stream_bandwidth_bytes_per_second",
		Help: "Decoded PCM throughput over the last sampling window",
	}, []string{"stream"})

	m.WindowsQueried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "radiotrack_stream_windows_queried_total",
		Help: "Total audio windows matched against the index per stream",
	}, []string{"stream"})

	m.BreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "radiotrack_stream_breaker_trips_total",
		Help: "Total circuit breaker trips per stream",
	}, []string{"stream"})

	m.ConnectsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "radiotrack_throttle_connects_in_flight",
		Help: "Connection attempts currently holding a throttle slot",
	})

	m.ConnectionFailure = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "radiotrack_stream_failures_total",
		Help: "Total stream failures by error category",
	}, []string{"stream", "category"})
}

// SetStatus marks status as the current one for stream.
func (m *StreamMetrics) SetStatus(stream string, status string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == status {
			v = 1
		}
		m.Status.WithLabelValues(stream, s).Set(v)
	}
}

// RecordReconnect counts one reconnect attempt.
func (m *StreamMetrics) RecordReconnect(stream string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(stream).Inc()
}

// RecordBytes adds n decoded bytes.
func (m *StreamMetrics) RecordBytes(stream string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesReceived.WithLabelValues(stream).Add(float64(n))
}

// SetBandwidth stores the latest bandwidth estimate.
func (m *StreamMetrics) SetBandwidth(stream string, bytesPerSecond float64) {
	if m == nil {
		return
	}
	m.Bandwidth.WithLabelValues(stream).Set(bytesPerSecond)
}

// RecordWindow counts one queried window.
func (m *StreamMetrics) RecordWindow(stream string) {
	if m == nil {
		return
	}
	m.WindowsQueried.WithLabelValues(stream).Inc()
}

// RecordBreakerTrip counts one circuit breaker trip.
func (m *StreamMetrics) RecordBreakerTrip(stream string) {
	if m == nil {
		return
	}
	m.BreakerTrips.WithLabelValues(stream).Inc()
}

// RecordFailure counts one failure by category.
func (m *StreamMetrics) RecordFailure(stream, category string) {
	if m == nil {
		return
	}
	m.ConnectionFailure.WithLabelValues(stream, category).Inc()
}

// SetConnectsInFlight stores the throttler in-flight count.
func (m *StreamMetrics) SetConnectsInFlight(n int) {
	if m == nil {
		return
	}
	m.ConnectsInFlight.Set(float64(n))
}

// Forget removes every series for a stream that left the configuration.
func (m *StreamMetrics) Forget(stream string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"stream": stream}
	m.Status.DeletePartialMatch(labels)
	m.Reconnects.DeletePartialMatch(labels)
	m.BytesReceived.DeletePartialMatch(labels)
	m.Bandwidth.DeletePartialMatch(labels)
	m.WindowsQueried.DeletePartialMatch(labels)
	m.BreakerTrips.DeletePartialMatch(labels)
	m.ConnectionFailure.DeletePartialMatch(labels)
}

// Describe implements the prometheus.Collector interface.
func (m *StreamMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Status.Describe(ch)
	m.Reconnects.Describe(ch)
	m.BytesReceived.Describe(ch)
	m.Bandwidth.Describe(ch)
	m.WindowsQueried.Describe(ch)
	m.BreakerTrips.Describe(ch)
	m.ConnectsInFlight.Describe(ch)
	m.ConnectionFailure.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *StreamMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Status.Collect(ch)
	m.Reconnects.Collect(ch)
	m.BytesReceived.Collect(ch)
	m.Bandwidth.Collect(ch)
	m.WindowsQueried.Collect(ch)
	m.BreakerTrips.Collect(ch)
	m.ConnectsInFlight.Collect(ch)
	m.ConnectionFailure.Collect(ch)
}
