package monitor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/radiotrack/internal/conf"
	"github.com/tphakala/radiotrack/internal/errors"
	"github.com/tphakala/radiotrack/internal/throttle"
)

func startSupervisor(t *testing.T, h *harness, streams []conf.StreamConfig) *Supervisor {
	t.Helper()
	s, err := NewSupervisor(h.deps, h.opts)
	require.NoError(t, err)
	require.NoError(t, s.SetStreams(streams))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return s
}

func statusOf(s *Supervisor, name string) Status {
	rs, _ := s.Stream(name)
	return rs.Status
}

func TestSupervisorScenarioHealthyAndTrippedStreams(t *testing.T) {
	h := newHarness(5, 5*time.Minute)
	h.decoder.streaming("http://a")

	s := startSupervisor(t, h, []conf.StreamConfig{
		{Name: "A", URL: "http://a", Enabled: true, AutoReconnect: true},
		{Name: "B", URL: "http://b", Enabled: true},
	})

	require.Eventually(t, func() bool { return statusOf(s, "A") == StatusOnline }, 5*time.Second, time.Millisecond)

	var aLeftOnline bool
	require.Eventually(t, func() bool {
		if statusOf(s, "A") != StatusOnline {
			aLeftOnline = true
		}
		return statusOf(s, "B") == StatusCooldown
	}, 5*time.Second, time.Millisecond)
	assert.False(t, aLeftOnline, "A stays online while B fails")

	b, ok := s.Stream("B")
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, b.CooldownRemaining)
	assert.Equal(t, 5, b.Failures)
	assert.Equal(t, 2, b.Number)
	assert.Equal(t, 5, h.decoder.Opens("http://b"))

	snapshot := s.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "A", snapshot[0].Name)
	assert.Equal(t, "B", snapshot[1].Name)
	assert.True(t, snapshot[0].Active)
	assert.Equal(t, StatusOnline, snapshot[0].Status)
	assert.Equal(t, 1, h.decoder.Opens("http://a"))
}

func TestSupervisorRetriesOnceAfterCooldown(t *testing.T) {
	h := newHarness(5, 5*time.Minute)
	s := startSupervisor(t, h, []conf.StreamConfig{
		{Name: "B", URL: "http://b", Enabled: true},
	})

	require.Eventually(t, func() bool { return statusOf(s, "B") == StatusCooldown }, 5*time.Second, time.Millisecond)

	// Health passes during the cooldown leave the stream alone.
	assert.Never(t, func() bool { return h.decoder.Opens("http://b") > 5 }, 100*time.Millisecond, 5*time.Millisecond)

	h.clock.Advance(5*time.Minute + time.Second)

	// One retry: a fresh worker runs until it trips the breaker again.
	require.Eventually(t, func() bool {
		return h.decoder.Opens("http://b") == 10 && statusOf(s, "B") == StatusCooldown
	}, 5*time.Second, time.Millisecond)
	assert.Never(t, func() bool { return h.decoder.Opens("http://b") > 10 }, 100*time.Millisecond, 5*time.Millisecond)
}

func TestSupervisorUnchangedStreamsRestartNothing(t *testing.T) {
	h := newHarness(5, time.Minute)
	h.decoder.streaming("http://a")
	h.decoder.streaming("http://b")
	streams := []conf.StreamConfig{
		{Name: "A", URL: "http://a", Enabled: true, AutoReconnect: true},
		{Name: "B", URL: "http://b", Enabled: true, AutoReconnect: true},
	}
	s := startSupervisor(t, h, streams)

	require.Eventually(t, func() bool {
		return statusOf(s, "A") == StatusOnline && statusOf(s, "B") == StatusOnline
	}, 5*time.Second, time.Millisecond)

	s.mu.Lock()
	before := map[string]*Worker{"A": s.workers["A"], "B": s.workers["B"]}
	s.mu.Unlock()

	require.NoError(t, s.SetStreams(streams))
	s.reconcile()

	s.mu.Lock()
	after := map[string]*Worker{"A": s.workers["A"], "B": s.workers["B"]}
	s.mu.Unlock()

	assert.Same(t, before["A"], after["A"])
	assert.Same(t, before["B"], after["B"])
	assert.Equal(t, 1, h.decoder.Opens("http://a"))
	assert.Equal(t, 1, h.decoder.Opens("http://b"))
}

func TestSupervisorAppliesStreamChanges(t *testing.T) {
	h := newHarness(5, time.Minute)
	for _, u := range []string{"http://a", "http://b", "http://b2", "http://c"} {
		h.decoder.streaming(u)
	}
	s := startSupervisor(t, h, []conf.StreamConfig{
		{Name: "A", URL: "http://a", Enabled: true, AutoReconnect: true},
		{Name: "B", URL: "http://b", Enabled: true, AutoReconnect: true},
		{Name: "C", URL: "http://c", Enabled: true, AutoReconnect: true},
	})
	require.Eventually(t, func() bool { return s.ActiveCount() == 3 }, 5*time.Second, time.Millisecond)

	// Remove A, move B to a new URL, disable C.
	require.NoError(t, s.SetStreams([]conf.StreamConfig{
		{Name: "B", URL: "http://b2", Enabled: true, AutoReconnect: true},
		{Name: "C", URL: "http://c", Enabled: false, AutoReconnect: true},
	}))

	require.Eventually(t, func() bool {
		return h.decoder.Opens("http://b2") == 1 && statusOf(s, "B") == StatusOnline
	}, 5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return s.ActiveCount() == 1 }, 5*time.Second, time.Millisecond)

	_, ok := s.Stream("A")
	assert.False(t, ok)
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, hasState := s.states["A"]
		return !hasState
	}, 5*time.Second, time.Millisecond, "removed stream state is forgotten after its worker exits")

	require.Eventually(t, func() bool { return statusOf(s, "C") == StatusStopped }, 5*time.Second, time.Millisecond)
	c, ok := s.Stream("C")
	require.True(t, ok)
	assert.False(t, c.Active)

	b, _ := s.Stream("B")
	assert.Equal(t, 1, b.Number)
}

func TestSupervisorRejectsInvalidStreams(t *testing.T) {
	h := newHarness(5, time.Minute)
	s, err := NewSupervisor(h.deps, h.opts)
	require.NoError(t, err)

	valid := []conf.StreamConfig{{Name: "A", URL: "http://a", Enabled: true}}
	require.NoError(t, s.SetStreams(valid))

	tests := []struct {
		name    string
		streams []conf.StreamConfig
	}{
		{"duplicate name", []conf.StreamConfig{{Name: "A", URL: "http://a"}, {Name: "A", URL: "http://b"}}},
		{"missing url", []conf.StreamConfig{{Name: "A"}}},
		{"missing name", []conf.StreamConfig{{URL: "http://a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.SetStreams(tt.streams)
			require.ErrorIs(t, err, errors.ErrConfigReload)
			assert.True(t, errors.IsCategory(err, errors.CategoryConfigReload))

			snapshot := s.Snapshot()
			require.Len(t, snapshot, 1)
			assert.Equal(t, "A", snapshot[0].Name)
		})
	}
}

func TestSupervisorErroredUntilRestart(t *testing.T) {
	h := newHarness(5, time.Minute)
	var mu sync.Mutex
	missing := true
	h.decoder.handle("http://a", func(context.Context) (io.ReadCloser, error) {
		mu.Lock()
		defer mu.Unlock()
		if missing {
			return nil, missingDecoder()
		}
		return newPCMSource(func() { h.decoder.release("http://a") }), nil
	})

	s := startSupervisor(t, h, []conf.StreamConfig{
		{Name: "A", URL: "http://a", Enabled: true, AutoReconnect: true},
	})

	require.Eventually(t, func() bool { return statusOf(s, "A") == StatusErrored }, 5*time.Second, time.Millisecond)
	assert.Never(t, func() bool { return h.decoder.Opens("http://a") > 1 }, 100*time.Millisecond, 5*time.Millisecond)

	mu.Lock()
	missing = false
	mu.Unlock()
	s.Restart()

	require.Eventually(t, func() bool { return statusOf(s, "A") == StatusOnline }, 5*time.Second, time.Millisecond)
	assert.Equal(t, 2, h.decoder.Opens("http://a"))
}

func TestSupervisorRestartClearsCooldown(t *testing.T) {
	h := newHarness(2, time.Hour)
	s := startSupervisor(t, h, []conf.StreamConfig{
		{Name: "B", URL: "http://b", Enabled: true},
	})
	require.Eventually(t, func() bool { return statusOf(s, "B") == StatusCooldown }, 5*time.Second, time.Millisecond)
	require.Equal(t, 2, h.decoder.Opens("http://b"))

	h.decoder.streaming("http://b")
	s.Restart()

	require.Eventually(t, func() bool { return statusOf(s, "B") == StatusOnline }, 5*time.Second, time.Millisecond)
	b, _ := s.Stream("B")
	assert.Zero(t, b.CooldownRemaining)
	assert.Zero(t, b.Failures)
}

func TestSupervisorOneWorkerPerStreamUnderConcurrentRestarts(t *testing.T) {
	h := newHarness(5, time.Minute)
	var streams []conf.StreamConfig
	for i := range 5 {
		url := fmt.Sprintf("http://s%d", i)
		h.decoder.streaming(url)
		streams = append(streams, conf.StreamConfig{Name: fmt.Sprintf("S%d", i), URL: url, Enabled: true, AutoReconnect: true})
	}
	s := startSupervisor(t, h, streams)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Go(func() {
			for range 10 {
				if i%2 == 0 {
					s.Restart()
				} else {
					assert.NoError(t, s.SetStreams(streams))
				}
				time.Sleep(time.Millisecond)
			}
		})
	}
	wg.Wait()

	require.Eventually(t, func() bool { return s.ActiveCount() == 5 }, 5*time.Second, time.Millisecond)
	for _, sc := range streams {
		assert.Equal(t, 1, h.decoder.MaxLive(sc.URL), "stream %s had concurrent sessions", sc.Name)
	}
}

func TestSupervisorBoundsConcurrentConnects(t *testing.T) {
	h := newHarness(5, time.Minute)
	h.deps.Throttler = throttle.New(10, -1)
	h.decoder.delay = 20 * time.Millisecond

	var streams []conf.StreamConfig
	for i := range 20 {
		url := fmt.Sprintf("http://s%d", i)
		h.decoder.streaming(url)
		streams = append(streams, conf.StreamConfig{Name: fmt.Sprintf("S%02d", i), URL: url, Enabled: true, AutoReconnect: true})
	}
	s := startSupervisor(t, h, streams)

	maxConnecting := 0
	require.Eventually(t, func() bool {
		connecting, online := 0, 0
		for _, rs := range s.Snapshot() {
			switch rs.Status {
			case StatusConnecting:
				connecting++
			case StatusOnline:
				online++
			}
		}
		maxConnecting = max(maxConnecting, connecting)
		return online == 20
	}, 10*time.Second, time.Millisecond)

	assert.LessOrEqual(t, maxConnecting, 10)
	assert.LessOrEqual(t, h.decoder.peak.Load(), int64(10))
	assert.Equal(t, 10, h.deps.Throttler.Peak())
}

func TestSupervisorRunTwice(t *testing.T) {
	h := newHarness(5, time.Minute)
	s := startSupervisor(t, h, nil)
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.ctx != nil
	}, 5*time.Second, time.Millisecond)

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryState))
}

// gatedSource blocks every Read until gate is closed, even after Close.
type gatedSource struct {
	*pcmSource
	gate <-chan struct{}
}

func (g *gatedSource) Read(b []byte) (int, error) {
	<-g.gate
	return g.pcmSource.Read(b)
}

func TestSupervisorStateReadableWhileWorkerStops(t *testing.T) {
	h := newHarness(5, time.Minute)
	gate := make(chan struct{})
	h.decoder.handle("http://a", func(context.Context) (io.ReadCloser, error) {
		src := newPCMSource(func() { h.decoder.release("http://a") })
		return &gatedSource{pcmSource: src, gate: gate}, nil
	})
	s := startSupervisor(t, h, []conf.StreamConfig{
		{Name: "A", URL: "http://a", Enabled: true, AutoReconnect: true},
	})
	require.Eventually(t, func() bool { return h.decoder.Opens("http://a") == 1 }, 5*time.Second, time.Millisecond)

	restarted := make(chan struct{})
	go func() {
		s.Restart()
		close(restarted)
	}()

	// The worker cannot exit until the gate opens, but state stays readable.
	snapshot := make(chan []RuntimeState, 1)
	go func() { snapshot <- s.Snapshot() }()
	select {
	case rs := <-snapshot:
		require.Len(t, rs, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot blocked behind a stopping worker")
	}
	require.NoError(t, s.SetStreams([]conf.StreamConfig{
		{Name: "A", URL: "http://a", Enabled: true, AutoReconnect: true},
	}))

	close(gate)
	select {
	case <-restarted:
	case <-time.After(5 * time.Second):
		t.Fatal("restart did not return")
	}

	require.Eventually(t, func() bool { return statusOf(s, "A") == StatusOnline }, 5*time.Second, time.Millisecond)
	assert.Equal(t, 1, h.decoder.MaxLive("http://a"))
}
