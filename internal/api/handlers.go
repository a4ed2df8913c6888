package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/radiotrack/internal/errors"
	"github.com/tphakala/radiotrack/internal/indexer"
	"github.com/tphakala/radiotrack/internal/logger"
	"github.com/tphakala/radiotrack/internal/monitor"
	"github.com/tphakala/radiotrack/internal/store"
)

// ErrorResponse is the JSON body of every API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// StreamsResponse lists the runtime state of every configured stream.
type StreamsResponse struct {
	Streams []monitor.RuntimeState `json:"streams"`
	Counts  map[string]int         `json:"counts"`
	Total   int                    `json:"total"`
}

// IndexResponse reports index size and the last index cycle.
type IndexResponse struct {
	Stats      *store.Stats         `json:"stats,omitempty"`
	LastCycle  *indexer.CycleReport `json:"last_cycle,omitempty"`
	Running    bool                 `json:"running"`
	StatsError string               `json:"stats_error,omitempty"`
}

func (s *Server) errorJSON(c echo.Context, code int, err error, message string) error {
	resp := ErrorResponse{Message: message, Code: code}
	if err != nil {
		resp.Error = err.Error()
	}
	return c.JSON(code, resp)
}

func (s *Server) unavailable(c echo.Context, what string) error {
	return s.errorJSON(c, http.StatusServiceUnavailable, nil, what+" is not enabled")
}

// healthCheck handles the server health check endpoint.
func (s *Server) healthCheck(c echo.Context) error {
	uptime := time.Since(s.startTime)
	resp := map[string]any{
		"status":         "healthy",
		"uptime":         uptime.Round(time.Second).String(),
		"uptime_seconds": uptime.Seconds(),
		"timestamp":      time.Now().Format(time.RFC3339),
	}
	if s.streams != nil {
		online := 0
		for _, rs := range s.streams.Snapshot() {
			if rs.Status == monitor.StatusOnline {
				online++
			}
		}
		resp["streams_online"] = online
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) serveMetrics(c echo.Context) error {
	if s.metrics == nil {
		return s.unavailable(c, "metrics")
	}
	s.metrics.ServeHTTP(c.Response(), c.Request())
	return nil
}

func (s *Server) listStreams(c echo.Context) error {
	if s.streams == nil {
		return s.unavailable(c, "stream monitoring")
	}

	snapshot := s.streams.Snapshot()
	filter := c.QueryParam("status")

	resp := StreamsResponse{
		Streams: make([]monitor.RuntimeState, 0, len(snapshot)),
		Counts:  make(map[string]int),
		Total:   len(snapshot),
	}
	for _, rs := range snapshot {
		resp.Counts[rs.Status.String()]++
		if filter != "" && rs.Status.String() != filter {
			continue
		}
		resp.Streams = append(resp.Streams, rs)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) getStream(c echo.Context) error {
	if s.streams == nil {
		return s.unavailable(c, "stream monitoring")
	}
	name := c.Param("name")
	rs, ok := s.streams.Stream(name)
	if !ok {
		return s.errorJSON(c, http.StatusNotFound, nil, "stream not found: "+name)
	}
	return c.JSON(http.StatusOK, rs)
}

func (s *Server) restartStreams(c echo.Context) error {
	if s.streams == nil {
		return s.unavailable(c, "stream monitoring")
	}
	s.log.Info("manual restart of all streams requested", logger.String("ip", c.RealIP()))
	s.streams.Restart()
	return c.JSON(http.StatusAccepted, map[string]string{"status": "restarting"})
}

func (s *Server) indexStatus(c echo.Context) error {
	if s.indexer == nil && s.stats == nil {
		return s.unavailable(c, "indexing")
	}

	resp := IndexResponse{Running: s.indexRunning.Load()}
	if s.stats != nil {
		stats, err := s.stats.Stats(c.Request().Context())
		if err != nil {
			s.log.Warn("failed to read index stats", logger.Error(err))
			resp.StatsError = err.Error()
		} else {
			resp.Stats = &stats
		}
	}
	if s.indexer != nil {
		if report, ok := s.indexer.LastReport(); ok {
			resp.LastCycle = &report
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// runIndex starts an index cycle in the background. Only one cycle started
// through the API runs at a time; overlap with the periodic cycle is
// rejected by the indexer itself and logged.
func (s *Server) runIndex(c echo.Context) error {
	if s.indexer == nil {
		return s.unavailable(c, "indexing")
	}
	if !s.indexRunning.CompareAndSwap(false, true) {
		return s.errorJSON(c, http.StatusConflict, indexer.ErrCycleInProgress, "an index cycle is already running")
	}

	s.wg.Go(func() {
		defer s.indexRunning.Store(false)
		s.runIndexCycle(s.ctx)
	})
	return c.JSON(http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) runIndexCycle(ctx context.Context) {
	report, err := s.indexer.RunCycle(ctx)
	switch {
	case errors.Is(err, indexer.ErrCycleInProgress):
		s.log.Info("index cycle requested while another is running")
	case err != nil:
		s.log.Error("index cycle failed", logger.Error(err))
	default:
		s.log.Info("index cycle complete",
			logger.Int("indexed", report.Indexed),
			logger.Int("removed", report.Removed),
			logger.Int("failed", report.Failed),
			logger.Duration("duration", report.Duration))
	}
}
