package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Indexer cycle results and per-track actions.
const (
	ResultSuccess = "success"
	ResultError   = "error"

	ActionIndexed = "indexed"
	ActionRemoved = "removed"
	ActionSkipped = "skipped"
	ActionFailed  = "failed"
)

// IndexerMetrics covers the fingerprint index builder and the store mirror.
type IndexerMetrics struct {
	Cycles        *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	Tracks        *prometheus.CounterVec
	Reloads       prometheus.Counter
	MirrorTracks  prometheus.Gauge
	CorruptSkips  prometheus.Counter
}

// NewIndexerMetrics creates and registers indexer metrics.
func NewIndexerMetrics(registry prometheus.Registerer) (*IndexerMetrics, error) {
	m := &IndexerMetrics{
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radiotrack_indexer_cycles_total",
			Help: "Total index cycles by result",
		}, []string{"result"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "radiotrack_indexer_cycle_duration_seconds",
			Help:    "Duration of index cycles",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		Tracks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radiotrack_indexer_tracks_total",
			Help: "Total library files handled by action",
		}, []string{"action"}),
		Reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radiotrack_index_reloads_total",
			Help: "Total full reloads of the in-memory index",
		}),
		MirrorTracks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "radiotrack_index_tracks",
			Help: "Tracks currently held by the in-memory index",
		}),
		CorruptSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radiotrack_index_corrupt_records_total",
			Help: "Total stored fingerprint records skipped as corrupt",
		}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register indexer metrics: %w", err)
	}
	return m, nil
}

// RecordCycle counts one finished cycle.
func (m *IndexerMetrics) RecordCycle(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	m.Cycles.WithLabelValues(result).Inc()
	m.CycleDuration.Observe(elapsed.Seconds())
}

// AddTracks counts n tracks for action.
func (m *IndexerMetrics) AddTracks(action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Tracks.WithLabelValues(action).Add(float64(n))
}

// RecordReload counts one full reload resulting in loaded tracks and skipped corrupt records.
func (m *IndexerMetrics) RecordReload(loaded, corrupt int) {
	if m == nil {
		return
	}
	m.Reloads.Inc()
	m.MirrorTracks.Set(float64(loaded))
	if corrupt > 0 {
		m.CorruptSkips.Add(float64(corrupt))
	}
}

// SetMirrorTracks stores the in-memory track count.
func (m *IndexerMetrics) SetMirrorTracks(n int) {
	if m == nil {
		return
	}
	m.MirrorTracks.Set(float64(n))
}

// Describe implements the prometheus.Collector interface.
func (m *IndexerMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Cycles.Describe(ch)
	m.CycleDuration.Describe(ch)
	m.Tracks.Describe(ch)
	m.Reloads.Describe(ch)
	m.MirrorTracks.Describe(ch)
	m.CorruptSkips.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *IndexerMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Cycles.Collect(ch)
	m.CycleDuration.Collect(ch)
	m.Tracks.Collect(ch)
	m.Reloads.Collect(ch)
	m.MirrorTracks.Collect(ch)
	m.CorruptSkips.Collect(ch)
}
