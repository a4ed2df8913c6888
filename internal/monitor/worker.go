package monitor

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tphakala/radiotrack/internal/audio"
	"github.com/tphakala/radiotrack/internal/detection"
	"github.com/tphakala/radiotrack/internal/errors"
	"github.com/tphakala/radiotrack/internal/fingerprint"
	"github.com/tphakala/radiotrack/internal/logger"
	"github.com/tphakala/radiotrack/internal/privacy"
)

const readBufferSize = 32768

var errStreamEnded = errors.NewStd("stream ended")

// Worker runs one stream: connect through the throttler, slice decoded PCM
// into windows, match and deduplicate, and retry failures until the circuit
// breaker trips.
type Worker struct {
	info    StreamInfo
	deps    Deps
	opts    Options
	state   *streamState
	log     logger.Logger
	limiter *rate.Limiter

	buffer   *audio.SlidingWindow
	meter    *rateMeter
	sessions int

	// number follows the stream's position in the configured list, which
	// can change without a restart.
	number atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
	exit   atomic.Pointer[error]
}

// NewWorker creates a standalone worker with fresh runtime state.
func NewWorker(info StreamInfo, deps Deps, opts Options) (*Worker, error) {
	deps = deps.withDefaults()
	state := newStreamState(info.Name, deps.Log, deps.StreamMetrics)
	return newWorker(info, deps, opts.withDefaults(), state, nil)
}

func newWorker(info StreamInfo, deps Deps, opts Options, state *streamState, limiter *rate.Limiter) (*Worker, error) {
	if deps.Decoder == nil || deps.Matcher == nil {
		return nil, errors.Newf("stream worker requires a decoder and a matcher").
			Category(errors.CategoryValidation).
			Component("monitor").
			Build()
	}
	buffer, err := audio.NewSlidingWindow(info.Name, opts.SampleRate, opts.WindowSeconds, opts.HopSeconds)
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryValidation).
			Component("monitor").
			Context("stream", info.Name).
			Build()
	}
	w := &Worker{
		info:    info,
		deps:    deps,
		opts:    opts,
		state:   state,
		log:     deps.Log.With(logger.String("stream", info.Name)),
		limiter: limiter,
		buffer:  buffer,
		meter:   newRateMeter(bandwidthWindow),
		done:    make(chan struct{}),
	}
	w.number.Store(int64(info.Number))
	return w, nil
}

// Info returns the stream the worker runs.
func (w *Worker) Info() StreamInfo {
	info := w.info
	info.Number = int(w.number.Load())
	return info
}

func (w *Worker) setNumber(n int) { w.number.Store(int64(n)) }

// Status returns the current status.
func (w *Worker) Status() Status { return w.state.current() }

// State returns a copy of the runtime state.
func (w *Worker) State() RuntimeState {
	rs := w.state.snapshot(w.Info())
	rs.Active = !w.exited()
	rs.Failures = w.deps.Breakers.Failures(w.info.Name)
	rs.CooldownRemaining, _ = w.deps.Breakers.Remaining(w.info.Name)
	rs.LastDetections = w.deps.Dedup.Last(w.info.Name)
	return rs
}

// Done is closed when Run returns.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Err returns the reason Run returned: nil after a stop, an error wrapping
// ErrCircuitOpen after a trip, or one wrapping ErrDecoderMissing.
func (w *Worker) Err() error {
	if p := w.exit.Load(); p != nil {
		return *p
	}
	return nil
}

func (w *Worker) exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// start runs the worker in its own goroutine under a child context of parent.
func (w *Worker) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	go func() {
		defer cancel()
		_ = w.Run(ctx)
	}()
}

// stop cancels the worker and waits for it to exit.
func (w *Worker) stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

// Run blocks until ctx is cancelled, the circuit breaker trips or the
// decoder executable turns out to be missing. A cancelled ctx is a clean
// stop and returns nil.
func (w *Worker) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("stream worker panic: %v", r).
				Category(errors.CategoryState).
				Component("monitor").
				Context("stream", w.info.Name).
				Priority(errors.PriorityCritical).
				Build()
			w.log.Error("stream worker panicked", logger.Error(err))
			w.state.setError(err)
		}
		w.exit.Store(&err)
		close(w.done)
	}()

	w.state.reset()

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			w.state.transition(StatusStopped)
			return nil
		}
	}

	for {
		cycleErr := w.runCycle(ctx)
		if ctx.Err() != nil {
			w.state.transition(StatusStopped)
			w.log.Info("stream worker stopped")
			return nil
		}
		w.state.setError(cycleErr)

		if errors.Is(cycleErr, errors.ErrDecoderMissing) {
			w.state.transition(StatusErrored)
			w.log.Error("decoder executable missing, stream disabled until restart", logger.Error(cycleErr))
			return cycleErr
		}

		failures, tripped := w.deps.Breakers.RecordFailure(w.info.Name)
		if tripped {
			w.state.transition(StatusCooldown)
			w.deps.StreamMetrics.RecordBreakerTrip(w.info.Name)
			w.log.Warn("circuit breaker tripped, stream cooling down",
				logger.Int("consecutive_failures", failures),
				logger.Duration("cooldown", w.deps.Breakers.Cooldown()),
				logger.Error(cycleErr))
			return errors.New(fmt.Errorf("%w after %d consecutive failures: %w", errors.ErrCircuitOpen, failures, cycleErr)).
				Category(errors.CategoryCircuitBreaker).
				Component("monitor").
				Context("stream", w.info.Name).
				Build()
		}

		delay := w.opts.backoff(failures)
		w.log.Info("stream cycle failed, backing off",
			logger.Int("consecutive_failures", failures),
			logger.Duration("backoff", delay))
		if !sleepCtx(ctx, delay) {
			w.state.transition(StatusStopped)
			return nil
		}
	}
}

// runCycle makes up to AttemptsPerCycle connection attempts, or a single one
// when auto-reconnect is off. A session that went online restores the full
// attempt budget. It returns the last failure.
func (w *Worker) runCycle(ctx context.Context) error {
	attempts := 1
	if w.info.AutoReconnect {
		attempts = w.opts.AttemptsPerCycle
	}

	attempt := 0
	for {
		attempt++
		online, err := w.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errors.ErrDecoderMissing) {
			return err
		}

		w.state.transition(StatusReconnecting)
		w.state.setError(err)
		w.recordFailure(err)

		if online && w.info.AutoReconnect {
			attempt = 0
		}
		if attempt >= attempts {
			return err
		}
		if !sleepCtx(ctx, w.opts.ReconnectDelay) {
			return ctx.Err()
		}
	}
}

// runSession connects once and streams until the connection fails. It
// reports whether the stream went online.
func (w *Worker) runSession(ctx context.Context) (online bool, err error) {
	sessCtx, cancel := context.WithCancel(logger.WithStream(ctx, w.info.Name))
	defer cancel()

	if w.sessions > 0 {
		w.state.addReconnect()
	}
	w.sessions++

	var rc io.ReadCloser
	err = w.deps.Throttler.ExecuteThrottled(sessCtx, func(ctx context.Context) error {
		w.state.transition(StatusConnecting)
		w.deps.StreamMetrics.SetConnectsInFlight(w.deps.Throttler.InFlight())

		r, err := w.deps.Decoder.Open(ctx, w.info.URL)
		if err != nil {
			if errors.Is(err, errors.ErrDecoderMissing) {
				w.state.transition(StatusErrored)
			} else {
				w.state.transition(StatusReconnecting)
			}
			return err
		}
		rc = r
		w.state.transition(StatusBuffering)
		return nil
	})
	w.deps.StreamMetrics.SetConnectsInFlight(w.deps.Throttler.InFlight())
	if err != nil {
		return false, err
	}
	defer func() { _ = rc.Close() }()

	// a reader that keeps delivering data never fails on its own
	stopClose := context.AfterFunc(sessCtx, func() { _ = rc.Close() })
	defer stopClose()

	w.buffer.Reset()
	w.meter.reset()

	var timedOut atomic.Bool
	watchdog := time.AfterFunc(w.opts.DataTimeout, func() {
		timedOut.Store(true)
		cancel()
		_ = rc.Close()
	})
	defer watchdog.Stop()

	buf := make([]byte, readBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return online, err
		}
		n, readErr := rc.Read(buf)
		if n > 0 {
			watchdog.Reset(w.opts.DataTimeout)
			now := w.opts.Now()
			w.meter.add(n, now)
			w.state.setBandwidth(w.meter.rate(now), now)
			w.deps.StreamMetrics.RecordBytes(w.info.Name, n)

			if !online {
				online = true
				w.state.transition(StatusOnline)
				w.deps.Breakers.RecordSuccess(w.info.Name)
				w.log.Info("stream online", logger.String("url", privacy.SanitizeStreamURL(w.info.URL)))
			}

			windows, err := w.buffer.Append(buf[:n])
			if err != nil {
				return online, err
			}
			for _, win := range windows {
				w.detect(win)
			}
			w.heartbeat()
		}

		if readErr != nil {
			switch {
			case timedOut.Load():
				return online, errors.New(fmt.Errorf("%w for %s", errors.ErrDataTimeout, w.opts.DataTimeout)).
					Category(errors.CategoryDataTimeout).
					Component("monitor").
					Context("stream", w.info.Name).
					Build()
			case ctx.Err() != nil:
				return online, ctx.Err()
			case errors.Is(readErr, errors.ErrDecode), errors.Is(readErr, errors.ErrConnection):
				return online, readErr
			default:
				if errors.Is(readErr, io.EOF) {
					readErr = errStreamEnded
				}
				return online, errors.New(fmt.Errorf("%w: %w", errors.ErrConnection, readErr)).
					Category(errors.CategoryConnection).
					Component("monitor").
					Context("stream", w.info.Name).
					Build()
			}
		}
	}
}

// detect queries one window and emits events for new matches.
func (w *Worker) detect(win audio.Window) {
	candidates, err := w.deps.Matcher.Query(win)
	w.deps.StreamMetrics.RecordWindow(w.info.Name)
	if err != nil {
		if w.deps.Gate.Allow(w.info.Name, "query-error") {
			w.log.Warn("window query failed", logger.Error(err))
		}
		return
	}

	matches := make([]fingerprint.MatchCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Confidence >= w.opts.MinConfidence {
			matches = append(matches, c)
		}
	}
	fingerprint.SortCandidates(matches)
	if len(matches) > w.opts.TopK {
		matches = matches[:w.opts.TopK]
	}

	now := w.opts.Now()
	for _, c := range matches {
		if !w.deps.Dedup.ShouldEmit(w.info.Name, c.TrackID, now) {
			w.deps.DetectionMetrics.RecordSuppressed(w.info.Name)
			continue
		}

		event := detection.Event{
			Timestamp:    now,
			Stream:       w.info.Name,
			StreamType:   w.info.Type,
			StreamNumber: int(w.number.Load()),
			TrackID:      c.TrackID,
			Title:        c.Title,
			Duration:     win.Duration(),
			Confidence:   c.Confidence,
			Offset:       c.Offset,
		}
		w.state.addDetection()
		w.deps.DetectionMetrics.RecordDetection(w.info.Name, c.Confidence)
		if !w.deps.Publisher.TryPublish(event) {
			w.log.Debug("detection not delivered to every sink", logger.String("track_id", c.TrackID))
		}
		w.log.Info("track detected",
			logger.String("track_id", c.TrackID),
			logger.String("title", c.Title),
			logger.Float64("confidence", c.Confidence),
			logger.Duration("offset", c.Offset))
	}
}

// heartbeat logs a status line at most once per gate TTL.
func (w *Worker) heartbeat() {
	if !w.deps.Gate.Allow(w.info.Name, "status") {
		return
	}
	rs := w.state.snapshot(w.info)
	w.log.Info("stream status",
		logger.String("status", rs.Status.String()),
		logger.String("type", w.info.Type),
		logger.Float64("bandwidth_bps", rs.BandwidthBps),
		logger.Uint64("detections", rs.Detections),
		logger.Uint64("reconnects", rs.Reconnects))
}

func (w *Worker) recordFailure(err error) {
	category := string(errors.CategoryConnection)
	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		category = string(ee.ErrorCategory())
	}
	w.deps.StreamMetrics.RecordFailure(w.info.Name, category)

	if w.deps.Gate.Allow(w.info.Name, "failure:"+category) {
		w.log.Warn("stream connection failed", logger.String("category", category), logger.Error(err))
	} else {
		w.log.Debug("stream connection failed", logger.String("category", category), logger.Error(err))
	}
}
