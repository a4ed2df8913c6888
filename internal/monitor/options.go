package monitor

import (
	"context"
	"io"
	"time"

	"github.com/tphakala/radiotrack/internal/audio"
	"github.com/tphakala/radiotrack/internal/conf"
	"github.com/tphakala/radiotrack/internal/detection"
	"github.com/tphakala/radiotrack/internal/fingerprint"
	"github.com/tphakala/radiotrack/internal/logger"
	"github.com/tphakala/radiotrack/internal/observability/metrics"
	"github.com/tphakala/radiotrack/internal/throttle"
)

// Worker timing defaults.
const (
	DefaultReconnectDelay   = 2 * time.Second
	DefaultAttemptsPerCycle = 3
	DefaultDataTimeout      = 90 * time.Second
	DefaultBackoffBase      = 5 * time.Second
	DefaultBackoffStep      = 5 * time.Second
	DefaultBackoffMax       = 30 * time.Second
	DefaultHealthInterval   = 30 * time.Second
	DefaultStartupRate      = 2.0
	maxTopK                 = 10
)

// Decoder opens a PCM session for a stream URL.
type Decoder interface {
	Open(ctx context.Context, url string) (io.ReadCloser, error)
}

// Matcher answers window queries against the fingerprint index.
type Matcher interface {
	Query(w audio.Window) ([]fingerprint.MatchCandidate, error)
}

// Publisher hands detection events to sinks without blocking.
type Publisher interface {
	TryPublish(event detection.Event) bool
}

// Deps are the collaborators shared by all workers. Decoder and Matcher are
// required; the rest get working defaults when nil.
type Deps struct {
	Decoder          Decoder
	Matcher          Matcher
	Publisher        Publisher
	Throttler        *throttle.ConnectionThrottler
	Dedup            *detection.Deduplicator
	Gate             *detection.StationLogGate
	Breakers         *BreakerRegistry
	StreamMetrics    *metrics.StreamMetrics
	DetectionMetrics *metrics.DetectionMetrics
	Log              logger.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Publisher == nil {
		d.Publisher = discardPublisher{}
	}
	if d.Throttler == nil {
		d.Throttler = throttle.New(throttle.DefaultMaxConcurrent, throttle.DefaultMaxJitter)
	}
	if d.Dedup == nil {
		d.Dedup = detection.NewDeduplicator(detection.DefaultDedupWindow)
	}
	if d.Gate == nil {
		d.Gate = detection.NewStationLogGate(detection.DefaultLogGateTTL)
	}
	if d.Breakers == nil {
		d.Breakers = NewBreakerRegistry(DefaultFailureThreshold, DefaultCooldown, nil)
	}
	if d.Log == nil {
		d.Log = logger.Global().Module("monitor")
	}
	return d
}

type discardPublisher struct{}

func (discardPublisher) TryPublish(detection.Event) bool { return true }

// Options tune windowing, matching and retry timing. Zero values use the
// defaults.
type Options struct {
	SampleRate    int
	WindowSeconds float64
	HopSeconds    float64
	MinConfidence float64
	TopK          int

	ReconnectDelay   time.Duration
	AttemptsPerCycle int
	DataTimeout      time.Duration
	BackoffBase      time.Duration
	BackoffStep      time.Duration
	BackoffMax       time.Duration

	HealthInterval time.Duration
	StartupRate    float64 // workers started per second; negative disables pacing

	Now func() time.Time
}

// OptionsFromSettings maps loaded settings to worker options.
func OptionsFromSettings(s *conf.Settings) Options {
	return Options{
		SampleRate:       s.Detection.SampleRate,
		WindowSeconds:    s.Detection.WindowSeconds,
		HopSeconds:       s.Detection.HopSeconds,
		MinConfidence:    s.Detection.MinConfidence,
		TopK:             s.Detection.TopK,
		ReconnectDelay:   time.Duration(max(2, s.Reconnect.DelaySeconds)) * time.Second,
		AttemptsPerCycle: s.Reconnect.AttemptsPerCycle,
		DataTimeout:      time.Duration(s.Reconnect.OfflineTimeoutSeconds) * time.Second,
		HealthInterval:   s.Supervisor.HealthInterval,
		StartupRate:      s.Supervisor.StartupRate,
	}
}

func (o Options) withDefaults() Options {
	if o.SampleRate <= 0 {
		o.SampleRate = conf.DefaultSampleRate
	}
	if o.WindowSeconds <= 0 {
		o.WindowSeconds = conf.DefaultWindowSeconds
	}
	if o.HopSeconds <= 0 {
		o.HopSeconds = conf.DefaultHopSeconds
	}
	if o.TopK <= 0 || o.TopK > maxTopK {
		o.TopK = maxTopK
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.AttemptsPerCycle <= 0 {
		o.AttemptsPerCycle = DefaultAttemptsPerCycle
	}
	if o.DataTimeout <= 0 {
		o.DataTimeout = DefaultDataTimeout
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffStep <= 0 {
		o.BackoffStep = DefaultBackoffStep
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = DefaultHealthInterval
	}
	if o.StartupRate == 0 {
		o.StartupRate = DefaultStartupRate
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// backoff returns the wait after the given number of consecutive failed cycles.
func (o Options) backoff(failures int) time.Duration {
	return min(o.BackoffBase+time.Duration(failures)*o.BackoffStep, o.BackoffMax)
}

// sleepCtx waits d or until ctx is done; it reports whether the full wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
