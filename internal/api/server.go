package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	mw "github.com/tphakala/radiotrack/internal/api/middleware"
	"github.com/tphakala/radiotrack/internal/errors"
	"github.com/tphakala/radiotrack/internal/indexer"
	"github.com/tphakala/radiotrack/internal/logger"
	"github.com/tphakala/radiotrack/internal/monitor"
	"github.com/tphakala/radiotrack/internal/store"
)

// StreamController exposes supervisor state and the manual restart.
type StreamController interface {
	Snapshot() []monitor.RuntimeState
	Stream(name string) (monitor.RuntimeState, bool)
	Restart()
}

// IndexController runs and reports fingerprint index cycles.
type IndexController interface {
	RunCycle(ctx context.Context) (indexer.CycleReport, error)
	LastReport() (indexer.CycleReport, bool)
}

// IndexStats reports stored and mirrored index sizes.
type IndexStats interface {
	Stats(ctx context.Context) (store.Stats, error)
}

// Server is the radiotrack HTTP server.
type Server struct {
	echo   *echo.Echo
	config *Config
	log    logger.Logger

	streams StreamController
	indexer IndexController
	stats   IndexStats
	metrics http.Handler

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	startTime    time.Time
	indexRunning atomic.Bool
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(log logger.Logger) ServerOption {
	return func(s *Server) {
		s.log = log
	}
}

// WithStreams sets the stream supervisor.
func WithStreams(sc StreamController) ServerOption {
	return func(s *Server) {
		s.streams = sc
	}
}

// WithIndexer sets the index builder.
func WithIndexer(ic IndexController) ServerOption {
	return func(s *Server) {
		s.indexer = ic
	}
}

// WithIndexStats sets the index statistics source.
func WithIndexStats(st IndexStats) ServerOption {
	return func(s *Server) {
		s.stats = st
	}
}

// WithMetrics sets the Prometheus exposition handler.
func WithMetrics(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metrics = h
	}
}

// New creates a server. Routes whose dependency was not provided answer
// 503 Service Unavailable.
func New(config *Config, opts ...ServerOption) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.New(fmt.Errorf("invalid server configuration: %w", err)).
			Category(errors.CategoryConfiguration).
			Component("api").
			Build()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:    config,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Global().Module("api")
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Debug = config.Debug
	s.echo.Server.ReadTimeout = config.ReadTimeout
	s.echo.Server.WriteTimeout = config.WriteTimeout
	s.echo.Server.IdleTimeout = config.IdleTimeout

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// setupMiddleware configures the Echo middleware stack.
func (s *Server) setupMiddleware() {
	// Recovery middleware - should be first
	s.echo.Use(echomw.Recover())
	s.echo.Use(mw.NewRequestLoggerWithSkipper(s.log, mw.SkipPaths("/metrics", "/health")))
	s.echo.Use(mw.Guards(mw.Protection{
		Origins:      s.config.AllowedOrigins,
		BodyLimit:    s.config.BodyLimit,
		Uncompressed: []string{"/metrics"},
	})...)
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)
	s.echo.GET("/metrics", s.serveMetrics)

	v1 := s.echo.Group("/api/v1")
	v1.GET("/streams", s.listStreams)
	v1.GET("/streams/:name", s.getStream)
	v1.POST("/streams/restart", s.restartStreams)
	v1.GET("/index", s.indexStatus)
	v1.POST("/index/run", s.runIndex)
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start begins serving HTTP requests in a background goroutine.
func (s *Server) Start() {
	s.wg.Go(func() {
		if err := s.startBlocking(); err != nil {
			s.log.Error("HTTP server failed", logger.Error(err))
		}
	})
}

func (s *Server) startBlocking() error {
	s.log.Info("starting HTTP server", logger.String("address", s.config.Listen))
	if err := s.echo.Start(s.config.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.New(fmt.Errorf("server error: %w", err)).
			Category(errors.CategoryHTTP).
			Component("api").
			Context("listen", s.config.Listen).
			Build()
	}
	return nil
}

// Run serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.startBlocking() }()

	select {
	case err := <-errCh:
		s.cancel()
		s.wg.Wait()
		return err
	case <-ctx.Done():
		if err := s.Shutdown(); err != nil {
			return err
		}
		return <-errCh
	}
}

// Shutdown gracefully stops the server and waits for background index runs.
func (s *Server) Shutdown() error {
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		s.log.Error("error during server shutdown", logger.Error(err))
		return errors.New(fmt.Errorf("shutdown error: %w", err)).
			Category(errors.CategoryHTTP).
			Component("api").
			Build()
	}
	s.wg.Wait()

	s.log.Info("HTTP server shutdown complete")
	return nil
}
