package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/radiotrack/internal/conf"
)

func newTestApp(t *testing.T, overrides map[string]any) *App {
	t.Helper()
	dir := t.TempDir()
	library := filepath.Join(dir, "library")
	require.NoError(t, os.MkdirAll(library, 0o755))

	v := viper.New()
	v.Set("database.sqlite.path", filepath.Join(dir, "radiotrack.db"))
	v.Set("indexer.librarypath", library)
	v.Set("output.detectionlog.path", filepath.Join(dir, "detections.csv"))
	for k, val := range overrides {
		v.Set(k, val)
	}

	loader := conf.NewLoader(v)
	_, err := loader.Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)

	a, err := New(loader)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })
	return a
}

func TestNewRequiresLoadedSettings(t *testing.T) {
	_, err := New(conf.NewLoader(viper.New()))
	require.Error(t, err)
}

func TestRunIndexOnEmptyLibrary(t *testing.T) {
	a := newTestApp(t, nil)

	report, err := a.RunIndex(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Indexed)
	assert.Zero(t, report.Failed)

	last, ok := a.indexer.LastReport()
	require.True(t, ok)
	assert.Equal(t, report.Started, last.Started)
}

func TestBuildBusRegistersEnabledSinks(t *testing.T) {
	a := newTestApp(t, map[string]any{
		"output.webhook.enabled": true,
		"output.webhook.url":     "http://127.0.0.1:9/hook",
	})

	bus, err := a.buildBus()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"detectionlog", "webhook"}, bus.Consumers())
	require.NoError(t, bus.Shutdown(time.Second))
	assert.Len(t, a.closers, 1)
}

func TestBuildBusWithoutSinks(t *testing.T) {
	a := newTestApp(t, map[string]any{"output.detectionlog.enabled": false})

	bus, err := a.buildBus()
	require.NoError(t, err)
	assert.Empty(t, bus.Consumers())
	require.NoError(t, bus.Shutdown(time.Second))
}

func TestIndexerConfigFromSettings(t *testing.T) {
	s := &conf.Settings{}
	s.Detection.SampleRate = 5512
	s.Indexer.LibraryPath = "/music"
	s.Indexer.Interval = 10 * time.Minute
	s.Indexer.SettleDelay = 30 * time.Second
	s.Indexer.TruncateAfterIndex = true
	s.Indexer.Workers = 4

	cfg := IndexerConfig(s)
	assert.Equal(t, "/music", cfg.LibraryPath)
	assert.Equal(t, 5512, cfg.SampleRate)
	assert.Equal(t, 10*time.Minute, cfg.Interval)
	assert.Equal(t, 30*time.Second, cfg.SettleDelay)
	assert.True(t, cfg.TruncateAfterIndex)
	assert.Equal(t, 4, cfg.Workers)
}

func TestMonitorDepsFromSettings(t *testing.T) {
	a := newTestApp(t, map[string]any{
		"throttle.maxconcurrent":   3,
		"breaker.failurethreshold": 7,
	})

	deps := a.monitorDeps(nil)
	assert.NotNil(t, deps.Decoder)
	assert.NotNil(t, deps.Matcher)
	assert.Equal(t, 3, deps.Throttler.MaxConcurrent())
	assert.Equal(t, 7, deps.Breakers.Threshold())
}
