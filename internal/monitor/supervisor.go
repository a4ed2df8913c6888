package monitor

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tphakala/radiotrack/internal/conf"
	"github.com/tphakala/radiotrack/internal/errors"
	"github.com/tphakala/radiotrack/internal/logger"
	"github.com/tphakala/radiotrack/internal/privacy"
)

// Supervisor owns the configured stream set. It runs one Worker per enabled
// stream, paces startups, restarts exited workers on a health interval and
// retries streams whose circuit breaker cooldown has expired.
//
// Workers are started and cancelled under mu but never awaited under it.
// A cancelled worker stays in draining until it exits, and its stream is not
// started again before that, so a stream never has two live sessions.
type Supervisor struct {
	deps    Deps
	opts    Options
	log     logger.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	ctx     context.Context
	streams []StreamInfo
	workers  map[string]*Worker
	draining map[string]*Worker
	states   map[string]*streamState

	reconcileCh chan struct{}
}

// NewSupervisor creates a supervisor with no streams.
func NewSupervisor(deps Deps, opts Options) (*Supervisor, error) {
	deps = deps.withDefaults()
	opts = opts.withDefaults()
	if deps.Decoder == nil || deps.Matcher == nil {
		return nil, errors.Newf("supervisor requires a decoder and a matcher").
			Category(errors.CategoryValidation).
			Component("monitor").
			Build()
	}

	limit := rate.Limit(opts.StartupRate)
	if opts.StartupRate < 0 {
		limit = rate.Inf
	}

	return &Supervisor{
		deps:        deps,
		opts:        opts,
		log:         deps.Log,
		limiter:     rate.NewLimiter(limit, 1),
		workers:     make(map[string]*Worker),
		draining:    make(map[string]*Worker),
		states:      make(map[string]*streamState),
		reconcileCh: make(chan struct{}, 1),
	}, nil
}

// SetStreams replaces the configured stream list. An invalid list is
// rejected with an error wrapping ErrConfigReload and the previous list
// stays in effect. Reapplying an unchanged list restarts nothing.
func (s *Supervisor) SetStreams(streams []conf.StreamConfig) error {
	if err := conf.ValidateStreams(streams); err != nil {
		s.log.Warn("stream configuration rejected, keeping previous streams", logger.Error(err))
		return errors.New(fmt.Errorf("%w: %w", errors.ErrConfigReload, err)).
			Category(errors.CategoryConfigReload).
			Component("monitor").
			Context("streams", len(streams)).
			Build()
	}

	infos := make([]StreamInfo, len(streams))
	for i, sc := range streams {
		infos[i] = StreamInfo{
			Name:          strings.TrimSpace(sc.Name),
			URL:           sc.URL,
			Enabled:       sc.Enabled,
			AutoReconnect: sc.AutoReconnect,
			Type:          DetectStreamType(sc.URL),
			Number:        i + 1,
		}
	}

	s.mu.Lock()
	s.streams = infos
	s.mu.Unlock()

	s.requestReconcile()
	return nil
}

func (s *Supervisor) requestReconcile() {
	select {
	case s.reconcileCh <- struct{}{}:
	default:
	}
}

// Run starts the configured workers and supervises them until ctx is
// cancelled, then stops every worker and returns.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return errors.Newf("supervisor already running").
			Category(errors.CategoryState).
			Component("monitor").
			Build()
	}
	s.ctx = ctx
	s.mu.Unlock()

	s.log.Info("stream supervisor started",
		logger.Duration("health_interval", s.opts.HealthInterval),
		logger.Float64("startup_rate", s.opts.StartupRate))

	ticker := time.NewTicker(s.opts.HealthInterval)
	defer ticker.Stop()

	s.reconcile()
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			s.log.Info("stream supervisor stopped")
			return nil
		case <-s.reconcileCh:
			s.reconcile()
		case <-ticker.C:
			s.reconcile()
			if n := s.deps.Dedup.Prune(s.opts.Now()); n > 0 {
				s.log.Debug("pruned expired detection keys", logger.Int("count", n))
			}
		}
	}
}

// reconcile brings the running workers in line with the configured streams.
// It is the only place workers are started.
func (s *Supervisor) reconcile() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}

	configured := make(map[string]StreamInfo, len(s.streams))
	for _, info := range s.streams {
		configured[info.Name] = info
	}

	for name, w := range s.draining {
		if w.exited() {
			delete(s.draining, name)
		}
	}

	for name, w := range s.workers {
		info, ok := configured[name]
		switch {
		case !ok:
			s.log.Info("stopping stream", logger.String("stream", name), logger.Error(errors.ErrStreamRemoved))
			s.drainLocked(name, w)
		case !info.Enabled:
			s.log.Info("stopping disabled stream", logger.String("stream", name))
			s.drainLocked(name, w)
		case !info.sameConnection(w.info):
			s.log.Info("stream configuration changed, restarting", logger.String("stream", name))
			s.drainLocked(name, w)
			s.deps.Breakers.Reset(name)
		case w.exited():
			if err := w.Err(); err != nil {
				s.log.Debug("stream worker exited", logger.String("stream", name), logger.Error(err))
			}
			delete(s.workers, name)
		default:
			w.setNumber(info.Number)
		}
	}

	for name := range s.states {
		if _, ok := configured[name]; ok {
			continue
		}
		// forgotten once its last worker has exited
		if _, stopping := s.draining[name]; !stopping {
			s.forget(name)
		}
	}

	for _, info := range s.streams {
		if !info.Enabled {
			continue
		}
		if _, running := s.workers[info.Name]; running {
			continue
		}
		if _, stopping := s.draining[info.Name]; stopping {
			continue
		}

		state, ok := s.states[info.Name]
		if !ok {
			state = newStreamState(info.Name, s.log, s.deps.StreamMetrics)
			s.states[info.Name] = state
		}
		if state.current() == StatusErrored {
			continue
		}
		if _, open := s.deps.Breakers.Remaining(info.Name); open {
			if !s.deps.Breakers.ClearIfExpired(info.Name) {
				continue
			}
			s.log.Info("circuit breaker cooldown expired, retrying stream", logger.String("stream", info.Name))
		}

		w, err := newWorker(info, s.deps, s.opts, state, s.limiter)
		if err != nil {
			s.log.Error("failed to create stream worker", logger.String("stream", info.Name), logger.Error(err))
			continue
		}
		w.start(s.ctx)
		s.workers[info.Name] = w
	}
}

// forget drops every piece of state kept for a stream that left the
// configuration. Callers hold mu.
func (s *Supervisor) forget(name string) {
	delete(s.states, name)
	s.deps.Dedup.Forget(name)
	s.deps.Breakers.Reset(name)
	s.deps.Gate.Reset(name)
	s.deps.StreamMetrics.Forget(name)
}

// drainLocked cancels w and moves it from workers to draining. Its exit
// triggers a reconcile so a replacement starts without waiting for the
// next health pass. Callers hold mu.
func (s *Supervisor) drainLocked(name string, w *Worker) {
	w.cancel()
	delete(s.workers, name)
	s.draining[name] = w
	go func() {
		<-w.Done()
		s.requestReconcile()
	}()
}

// Restart stops every worker, clears all circuit breakers and errored
// states, and starts the enabled streams again.
func (s *Supervisor) Restart() {
	waitAll(s.cancelAll())

	s.mu.Lock()
	s.deps.Breakers.ResetAll()
	for name, state := range s.states {
		if _, running := s.workers[name]; !running {
			state.reset()
		}
	}
	s.mu.Unlock()

	s.log.Info("all streams restarted, circuit breakers cleared")
	s.requestReconcile()
}

func (s *Supervisor) stopAll() {
	waitAll(s.cancelAll())
}

// cancelAll cancels every running worker and returns all workers that have
// not been seen to exit yet.
func (s *Supervisor) cancelAll() []*Worker {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, w := range s.workers {
		s.drainLocked(name, w)
	}
	return slices.Collect(maps.Values(s.draining))
}

func waitAll(workers []*Worker) {
	for _, w := range workers {
		<-w.Done()
	}
}

// Snapshot returns the runtime state of every configured stream in
// configured order.
func (s *Supervisor) Snapshot() []RuntimeState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RuntimeState, 0, len(s.streams))
	for _, info := range s.streams {
		out = append(out, s.stateLocked(info))
	}
	return out
}

// Stream returns the runtime state of one configured stream.
func (s *Supervisor) Stream(name string) (RuntimeState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, info := range s.streams {
		if info.Name == name {
			return s.stateLocked(info), true
		}
	}
	return RuntimeState{}, false
}

func (s *Supervisor) stateLocked(info StreamInfo) RuntimeState {
	var rs RuntimeState
	if state, ok := s.states[info.Name]; ok {
		rs = state.snapshot(info)
	} else {
		rs = RuntimeState{
			Name:    info.Name,
			URL:     privacy.SanitizeStreamURL(info.URL),
			Type:    info.Type,
			Number:  info.Number,
			Enabled: info.Enabled,
			Status:  StatusIdle,
		}
		if !info.Enabled {
			rs.Status = StatusStopped
		}
	}
	if w, ok := s.workers[info.Name]; ok {
		rs.Active = !w.exited()
	}
	rs.Failures = s.deps.Breakers.Failures(info.Name)
	rs.CooldownRemaining, _ = s.deps.Breakers.Remaining(info.Name)
	rs.LastDetections = s.deps.Dedup.Last(info.Name)
	return rs
}

// ActiveCount returns the number of running workers.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, w := range s.workers {
		if !w.exited() {
			n++
		}
	}
	return n
}
