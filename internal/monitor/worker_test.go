package monitor

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/radiotrack/internal/audio"
	"github.com/tphakala/radiotrack/internal/errors"
	"github.com/tphakala/radiotrack/internal/fingerprint"
)

func newTestWorker(t *testing.T, h *harness, info StreamInfo) *Worker {
	t.Helper()
	w, err := NewWorker(info, h.deps, h.opts)
	require.NoError(t, err)
	return w
}

func TestNewWorkerRequiresDecoderAndMatcher(t *testing.T) {
	h := newHarness(5, time.Minute)
	h.deps.Matcher = nil
	_, err := NewWorker(StreamInfo{Name: "a", URL: "http://a"}, h.deps, h.opts)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestWorkerTripsBreakerOnExactlyNthFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		autoReconnect bool
		wantOpens     int
	}{
		{"single attempt per cycle", false, 5},
		{"three attempts per cycle", true, 15},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(5, 5*time.Minute)
			w := newTestWorker(t, h, StreamInfo{Name: "b", URL: "http://b", Enabled: true, AutoReconnect: tt.autoReconnect})

			err := w.Run(context.Background())
			require.ErrorIs(t, err, errors.ErrCircuitOpen)
			assert.True(t, errors.IsCategory(err, errors.CategoryCircuitBreaker))

			assert.Equal(t, tt.wantOpens, h.decoder.Opens("http://b"))
			assert.Equal(t, StatusCooldown, w.Status())

			state := w.State()
			assert.Equal(t, 5, state.Failures)
			assert.Equal(t, 5*time.Minute, state.CooldownRemaining)
			assert.False(t, state.Active)
			assert.NotEmpty(t, state.LastError)
			assert.ErrorIs(t, w.Err(), errors.ErrCircuitOpen)
		})
	}
}

func TestWorkerBreakerNotTrippedBeforeThreshold(t *testing.T) {
	h := newHarness(3, time.Minute)
	w := newTestWorker(t, h, StreamInfo{Name: "b", URL: "http://b", Enabled: true})

	ctx, cancel := context.WithCancel(context.Background())
	// Fail twice, then let the third open block until cancelled.
	h.decoder.handle("http://b", func(ctx context.Context) (io.ReadCloser, error) {
		if h.decoder.Opens("http://b") < 3 {
			return nil, connectionFailure("http://b")
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return h.decoder.Opens("http://b") == 3 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, 2, h.deps.Breakers.Failures("b"))
	_, open := h.deps.Breakers.Remaining("b")
	assert.False(t, open)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StatusStopped, w.Status())
}

func TestWorkerStopsOnMissingDecoder(t *testing.T) {
	h := newHarness(5, time.Minute)
	h.decoder.handle("http://a", func(context.Context) (io.ReadCloser, error) {
		return nil, missingDecoder()
	})
	w := newTestWorker(t, h, StreamInfo{Name: "a", URL: "http://a", Enabled: true, AutoReconnect: true})

	err := w.Run(context.Background())
	require.ErrorIs(t, err, errors.ErrDecoderMissing)
	assert.Equal(t, StatusErrored, w.Status())
	assert.Equal(t, 1, h.decoder.Opens("http://a"))
	assert.Equal(t, 0, h.deps.Breakers.Failures("a"))
}

func TestWorkerGoesOnlineAndStops(t *testing.T) {
	h := newHarness(5, time.Minute)
	h.decoder.streaming("http://a")
	w := newTestWorker(t, h, StreamInfo{Name: "a", URL: "http://a", Enabled: true, AutoReconnect: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return w.Status() == StatusOnline }, 5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		h.matcher.mu.Lock()
		defer h.matcher.mu.Unlock()
		return h.matcher.windows > 2
	}, 5*time.Second, time.Millisecond)

	state := w.State()
	assert.True(t, state.Active)
	assert.Equal(t, "a", state.Name)
	assert.False(t, state.LastDataAt.IsZero())

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StatusStopped, w.Status())
	assert.Equal(t, 1, h.decoder.MaxLive("http://a"), "one session at a time")
}

func TestWorkerReconnectsAfterStreamEnds(t *testing.T) {
	h := newHarness(5, time.Minute)
	h.decoder.handle("http://a", func(context.Context) (io.ReadCloser, error) {
		src := newPCMSource(func() { h.decoder.release("http://a") })
		if h.decoder.Opens("http://a") == 1 {
			return &endingReader{pcmSource: src, limit: 3}, nil
		}
		return src, nil
	})
	w := newTestWorker(t, h, StreamInfo{Name: "a", URL: "http://a", Enabled: true, AutoReconnect: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.decoder.Opens("http://a") == 2 && w.Status() == StatusOnline
	}, 5*time.Second, time.Millisecond)

	state := w.State()
	assert.Equal(t, uint64(1), state.Reconnects)
	assert.Equal(t, 0, state.Failures, "going online resets the failure count")

	cancel()
	require.NoError(t, <-done)
}

// endingReader returns io.EOF after limit reads.
type endingReader struct {
	*pcmSource
	limit int
	n     int
}

func (r *endingReader) Read(b []byte) (int, error) {
	r.n++
	if r.n > r.limit {
		return 0, io.EOF
	}
	return r.pcmSource.Read(b)
}

// floodReader delivers data on every Read and ignores Close.
type floodReader struct{}

func (floodReader) Read(b []byte) (int, error) {
	n := min(len(b), 64)
	clear(b[:n])
	return n, nil
}

func (floodReader) Close() error { return nil }

func TestWorkerStopsWhileDataKeepsFlowing(t *testing.T) {
	h := newHarness(5, time.Minute)
	h.decoder.handle("http://a", func(context.Context) (io.ReadCloser, error) {
		return floodReader{}, nil
	})
	w := newTestWorker(t, h, StreamInfo{Name: "a", URL: "http://a", Enabled: true, AutoReconnect: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return w.Status() == StatusOnline }, 5*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
	assert.Equal(t, StatusStopped, w.Status())
}

func TestRunSessionClosesReaderOnCancel(t *testing.T) {
	h := newHarness(5, time.Minute)
	src := newPCMSource(nil)
	src.stallAfter = 1
	h.decoder.handle("http://a", func(context.Context) (io.ReadCloser, error) { return src, nil })
	w := newTestWorker(t, h, StreamInfo{Name: "a", URL: "http://a", Enabled: true})

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		online bool
		err    error
	}
	done := make(chan result, 1)
	go func() {
		online, err := w.runSession(ctx)
		done <- result{online, err}
	}()

	require.Eventually(t, func() bool { return w.Status() == StatusOnline }, 5*time.Second, time.Millisecond)
	cancel()

	select {
	case r := <-done:
		assert.True(t, r.online)
		require.ErrorIs(t, r.err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked read was not interrupted by cancel")
	}
}

func TestRunSessionDataTimeout(t *testing.T) {
	h := newHarness(5, time.Minute)
	h.opts.DataTimeout = 50 * time.Millisecond
	h.decoder.handle("http://a", func(context.Context) (io.ReadCloser, error) {
		src := newPCMSource(func() { h.decoder.release("http://a") })
		src.stallAfter = 2
		return src, nil
	})
	w := newTestWorker(t, h, StreamInfo{Name: "a", URL: "http://a", Enabled: true})
	w.state.transition(StatusConnecting)

	online, err := w.runSession(context.Background())
	assert.True(t, online)
	require.ErrorIs(t, err, errors.ErrDataTimeout)
	assert.True(t, errors.IsCategory(err, errors.CategoryDataTimeout))
	assert.Equal(t, 1, h.decoder.MaxLive("http://a"))
}

func TestRunSessionWrapsStreamEnd(t *testing.T) {
	h := newHarness(5, time.Minute)
	h.decoder.handle("http://a", func(context.Context) (io.ReadCloser, error) {
		return &endingReader{pcmSource: newPCMSource(nil), limit: 0}, nil
	})
	w := newTestWorker(t, h, StreamInfo{Name: "a", URL: "http://a", Enabled: true})

	online, err := w.runSession(context.Background())
	assert.False(t, online)
	require.ErrorIs(t, err, errors.ErrConnection)
	assert.True(t, errors.IsRetryable(err))
}

func testWindow() audio.Window {
	return audio.Window{Samples: make([]float32, 100), SampleRate: 100, StreamID: "a"}
}

func TestDetectDeduplicatesWithinWindow(t *testing.T) {
	h := newHarness(5, time.Minute)
	h.matcher.candidates = []fingerprint.MatchCandidate{
		{TrackID: "t1", Title: "Track One", Confidence: 0.9, Offset: 3 * time.Second},
		{TrackID: "t2", Title: "Too Weak", Confidence: 0.1},
	}
	w := newTestWorker(t, h, StreamInfo{Name: "a", URL: "http://a", Type: "http", Number: 4})

	w.detect(testWindow())
	h.clock.Advance(10 * time.Second)
	w.detect(testWindow())
	require.Len(t, h.publisher.Events(), 1)

	h.clock.Advance(25 * time.Second)
	w.detect(testWindow())

	events := h.publisher.Events()
	require.Len(t, events, 2)
	e := events[0]
	assert.Equal(t, "a", e.Stream)
	assert.Equal(t, "http", e.StreamType)
	assert.Equal(t, 4, e.StreamNumber)
	assert.Equal(t, "t1", e.TrackID)
	assert.Equal(t, "Track One", e.Title)
	assert.InDelta(t, 1.0, e.Duration, 1e-9)
	assert.InDelta(t, 0.9, e.Confidence, 1e-9)
	assert.Equal(t, 3*time.Second, e.Offset)
	assert.Equal(t, uint64(2), w.State().Detections)
}

func TestDetectKeepsTopKByConfidence(t *testing.T) {
	h := newHarness(5, time.Minute)
	h.opts.TopK = 3
	for i := range 6 {
		h.matcher.candidates = append(h.matcher.candidates, fingerprint.MatchCandidate{
			TrackID:    fmt.Sprintf("t%d", i),
			Confidence: 0.3 + float64(i)*0.1,
		})
	}
	w := newTestWorker(t, h, StreamInfo{Name: "a", URL: "http://a"})

	w.detect(testWindow())

	events := h.publisher.Events()
	require.Len(t, events, 3)
	assert.Equal(t, "t5", events[0].TrackID)
	assert.Equal(t, "t4", events[1].TrackID)
	assert.Equal(t, "t3", events[2].TrackID)
}

func TestOptionsBackoff(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, 10*time.Second, o.backoff(1))
	assert.Equal(t, 25*time.Second, o.backoff(4))
	assert.Equal(t, 30*time.Second, o.backoff(5))
	assert.Equal(t, 30*time.Second, o.backoff(50))
}
