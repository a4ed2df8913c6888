package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// DetectionMetrics covers detection emission and the detection bus.
type DetectionMetrics struct {
	Detections     *prometheus.CounterVec
	Suppressed     *prometheus.CounterVec
	BusDropped     *prometheus.CounterVec
	ConsumerErrors *prometheus.CounterVec
	Confidence     prometheus.Histogram
}

// NewDetectionMetrics creates and registers detection metrics.
func NewDetectionMetrics(registry prometheus.Registerer) (*DetectionMetrics, error) {
	m := &DetectionMetrics{
		Detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radiotrack_detections_total",
			Help: "Total detection events emitted per stream",
		}, []string{"stream"}),
		Suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radiotrack_detections_suppressed_total",
			Help: "Total matches suppressed by the deduplication window per stream",
		}, []string{"stream"}),
		BusDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radiotrack_detection_bus_dropped_total",
			Help: "Total detection events dropped because a consumer queue was full",
		}, []string{"consumer"}),
		ConsumerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radiotrack_detection_consumer_errors_total",
			Help: "Total errors and panics returned by detection consumers",
		}, []string{"consumer"}),
		Confidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "radiotrack_detection_confidence",
			Help:    "Confidence of emitted detections",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register detection metrics: %w", err)
	}
	return m, nil
}

// RecordDetection counts one emitted detection.
func (m *DetectionMetrics) RecordDetection(stream string, confidence float64) {
	if m == nil {
		return
	}
	m.Detections.WithLabelValues(stream).Inc()
	m.Confidence.Observe(confidence)
}

// RecordSuppressed counts one match suppressed as a duplicate.
func (m *DetectionMetrics) RecordSuppressed(stream string) {
	if m == nil {
		return
	}
	m.Suppressed.WithLabelValues(stream).Inc()
}

// RecordDrop counts one event dropped for consumer.
func (m *DetectionMetrics) RecordDrop(consumer string) {
	if m == nil {
		return
	}
	m.BusDropped.WithLabelValues(consumer).Inc()
}

// RecordConsumerError counts one consumer failure.
func (m *DetectionMetrics) RecordConsumerError(consumer string) {
	if m == nil {
		return
	}
	m.ConsumerErrors.WithLabelValues(consumer).Inc()
}

// Describe implements the prometheus.Collector interface.
func (m *DetectionMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Detections.Describe(ch)
	m.Suppressed.Describe(ch)
	m.BusDropped.Describe(ch)
	m.ConsumerErrors.Describe(ch)
	m.Confidence.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *DetectionMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Detections.Collect(ch)
	m.Suppressed.Collect(ch)
	m.BusDropped.Collect(ch)
	m.ConsumerErrors.Collect(ch)
	m.Confidence.Collect(ch)
}
