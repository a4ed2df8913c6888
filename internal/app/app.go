// Package app assembles the radiotrack components from loaded settings and
// runs them.
package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"golang.org/x/sync/errgroup"

	"github.com/tphakala/radiotrack/internal/api"
	"github.com/tphakala/radiotrack/internal/conf"
	"github.com/tphakala/radiotrack/internal/decoder"
	"github.com/tphakala/radiotrack/internal/detection"
	"github.com/tphakala/radiotrack/internal/errors"
	"github.com/tphakala/radiotrack/internal/fingerprint"
	"github.com/tphakala/radiotrack/internal/indexer"
	"github.com/tphakala/radiotrack/internal/logger"
	"github.com/tphakala/radiotrack/internal/monitor"
	"github.com/tphakala/radiotrack/internal/observability"
	"github.com/tphakala/radiotrack/internal/store"
	"github.com/tphakala/radiotrack/internal/throttle"
)

const busShutdownTimeout = 10 * time.Second

// App holds the components shared by the monitor and index commands.
type App struct {
	loader   *conf.Loader
	settings *conf.Settings
	log      logger.Logger

	metrics *observability.Metrics
	engine  *fingerprint.PeakEngine
	store   *store.Store
	decoder *decoder.FFmpeg
	indexer *indexer.Builder

	closers []io.Closer
}

// New opens the store and builds the decoder and index builder.
func New(loader *conf.Loader) (*App, error) {
	settings := loader.Settings()
	if settings == nil {
		return nil, errors.Newf("settings are not loaded").
			Component("app").
			Category(errors.CategoryConfiguration).
			Build()
	}

	a := &App{
		loader:   loader,
		settings: settings,
		log:      logger.Global().Module("app"),
	}

	m, err := observability.NewMetrics()
	if err != nil {
		return nil, err
	}
	a.metrics = m

	a.engine = fingerprint.NewPeakEngine(settings.Detection.SampleRate)

	st, err := store.Open(settings.Database, a.engine, logger.Global().Module("store"), m.Indexer)
	if err != nil {
		return nil, err
	}
	a.store = st

	a.decoder = decoder.New(decoder.Config{
		Path:           settings.FFmpeg.Path,
		SampleRate:     settings.Detection.SampleRate,
		ConnectTimeout: settings.Reconnect.ConnectTimeout,
	}, logger.Global().Module("decoder"))

	a.indexer = indexer.New(IndexerConfig(settings), st, a.decoder, a.engine,
		logger.Global().Module("indexer"), m.Indexer)

	return a, nil
}

// IndexerConfig maps settings to index builder configuration.
func IndexerConfig(s *conf.Settings) indexer.Config {
	return indexer.Config{
		LibraryPath:        s.Indexer.LibraryPath,
		SampleRate:         s.Detection.SampleRate,
		Interval:           s.Indexer.Interval,
		SettleDelay:        s.Indexer.SettleDelay,
		TruncateAfterIndex: s.Indexer.TruncateAfterIndex,
		Workers:            s.Indexer.Workers,
	}
}

// RunIndex runs a single index cycle.
func (a *App) RunIndex(ctx context.Context) (indexer.CycleReport, error) {
	return a.indexer.RunCycle(ctx)
}

// RunMonitor starts stream monitoring, periodic indexing and the HTTP API,
// and blocks until ctx is cancelled or a component fails.
func (a *App) RunMonitor(ctx context.Context) error {
	a.logSystemInfo()

	if _, err := a.decoder.ResolvePath(); err != nil {
		// workers report the missing decoder per stream; indexing of WAV and
		// FLAC files still works
		a.log.Warn("ffmpeg not found, streams will not start", logger.Error(err))
	}

	tracks, err := a.store.ReloadInMemoryModel(ctx)
	if err != nil {
		return err
	}
	a.log.Info("fingerprint index loaded", logger.Int("tracks", tracks))

	bus, err := a.buildBus()
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Shutdown(busShutdownTimeout); err != nil {
			a.log.Warn("detection bus shutdown", logger.Error(err))
		}
	}()

	sup, err := monitor.NewSupervisor(a.monitorDeps(bus), monitor.OptionsFromSettings(a.settings))
	if err != nil {
		return err
	}
	if err := sup.SetStreams(a.settings.Streams); err != nil {
		return err
	}
	a.watchConfig(sup)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(gctx) })

	if a.settings.Indexer.Enabled {
		g.Go(func() error {
			a.indexer.RunPeriodic(gctx)
			return nil
		})
	}

	if a.settings.API.Enabled {
		server, err := api.New(api.ConfigFromSettings(a.settings),
			api.WithLogger(logger.Global().Module("api")),
			api.WithStreams(sup),
			api.WithIndexer(a.indexer),
			api.WithIndexStats(a.store),
			api.WithMetrics(a.metrics.Handler()))
		if err != nil {
			return err
		}
		g.Go(func() error { return server.Run(gctx) })
	}

	a.log.Info("monitoring started",
		logger.Int("streams", len(a.settings.Streams)),
		logger.Int("enabled", len(a.settings.EnabledStreams())))

	err = g.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		err = nil
	}
	a.log.Info("monitoring stopped")
	return err
}

// buildBus registers every enabled output sink on a new detection bus.
func (a *App) buildBus() (*detection.Bus, error) {
	out := a.settings.Output
	bus := detection.NewBus(a.settings.Detection.BufferSize, logger.Global().Module("detection"), a.metrics.Detection)

	var consumers []detection.Consumer

	if out.DetectionLog.Enabled {
		csvLog, err := detection.NewCSVLog(out.DetectionLog.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, csvLog)
		consumers = append(consumers, csvLog)
	}

	if out.MQTT.Enabled {
		sink := detection.NewMQTTSink(detection.MQTTConfig{
			Broker:   out.MQTT.Broker,
			Topic:    out.MQTT.Topic,
			ClientID: out.MQTT.ClientID,
			Username: out.MQTT.Username,
			Password: out.MQTT.Password,
		}, logger.Global().Module("mqtt"))
		sink.Connect()
		a.closers = append(a.closers, sink)
		consumers = append(consumers, sink)
	}

	if out.Webhook.Enabled {
		consumers = append(consumers, detection.NewWebhookSink(out.Webhook.URL, out.Webhook.RateLimit))
	}

	if out.Notify.Enabled {
		sink, err := detection.NewNotifySink(out.Notify.URLs, out.Notify.MinConfidence)
		if err != nil {
			return nil, err
		}
		consumers = append(consumers, sink)
	}

	for _, c := range consumers {
		if err := bus.RegisterConsumer(c); err != nil {
			_ = bus.Shutdown(busShutdownTimeout)
			return nil, err
		}
	}
	return bus, nil
}

func (a *App) monitorDeps(bus *detection.Bus) monitor.Deps {
	s := a.settings
	return monitor.Deps{
		Decoder:          a.decoder,
		Matcher:          a.engine,
		Publisher:        bus,
		Throttler:        throttle.New(s.Throttle.MaxConcurrent, s.Throttle.MaxJitter),
		Dedup:            detection.NewDeduplicator(s.Detection.DedupWindow),
		Gate:             detection.NewStationLogGate(s.StatusLog.Interval),
		Breakers:         monitor.NewBreakerRegistry(s.Breaker.FailureThreshold, s.Breaker.Cooldown, nil),
		StreamMetrics:    a.metrics.Stream,
		DetectionMetrics: a.metrics.Detection,
		Log:              logger.Global().Module("monitor"),
	}
}

// watchConfig applies stream list changes from config file writes. Other
// settings take effect on the next start.
func (a *App) watchConfig(sup *monitor.Supervisor) {
	a.loader.Watch(func(settings *conf.Settings, err error) {
		if err != nil {
			a.log.Error("config reload rejected, keeping previous settings", logger.Error(err))
			return
		}
		if err := sup.SetStreams(settings.Streams); err != nil {
			a.log.Error("stream configuration rejected", logger.Error(err))
			return
		}
		a.log.Info("stream configuration reloaded, other changes apply after restart",
			logger.Int("streams", len(settings.Streams)))
	})
}

func (a *App) logSystemInfo() {
	info, err := host.Info()
	if err != nil {
		a.log.Debug("host info unavailable", logger.Error(err))
		return
	}
	a.log.Info("system details",
		logger.String("os", info.OS),
		logger.String("platform", info.Platform),
		logger.String("platform_version", info.PlatformVersion),
		logger.String("kernel_arch", info.KernelArch))
}

// Close releases sinks and the store.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
	}
	return errors.Join(errs...)
}
