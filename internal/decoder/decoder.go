// Package decoder runs ffmpeg to turn network streams and library files into
// signed 16-bit little-endian mono PCM at the analysis sample rate.
package decoder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/radiotrack/internal/errors"
	"github.com/tphakala/radiotrack/internal/logger"
	"github.com/tphakala/radiotrack/internal/privacy"
)

const (
	// DefaultSampleRate is the analysis sample rate.
	DefaultSampleRate = 5512
	// DefaultConnectTimeout bounds the wait for the first decoded bytes.
	DefaultConnectTimeout = 60 * time.Second

	readBufferSize        = 32768
	processCleanupTimeout = 5 * time.Second
	stderrLimit           = 4096
)

// Config configures an FFmpeg decoder.
type Config struct {
	Path           string
	SampleRate     int
	ConnectTimeout time.Duration
}

// FFmpeg opens decode sessions by spawning one ffmpeg process per stream.
type FFmpeg struct {
	path           string
	sampleRate     int
	connectTimeout time.Duration
	log            logger.Logger
}

// New creates a decoder. Zero config values fall back to the defaults.
func New(cfg Config, log logger.Logger) *FFmpeg {
	if cfg.Path == "" {
		cfg.Path = "ffmpeg"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if log == nil {
		log = logger.Global().Module("decoder")
	}
	return &FFmpeg{
		path:           cfg.Path,
		sampleRate:     cfg.SampleRate,
		connectTimeout: cfg.ConnectTimeout,
		log:            log,
	}
}

// SampleRate returns the output sample rate.
func (d *FFmpeg) SampleRate() int { return d.sampleRate }

// ResolvePath returns the absolute ffmpeg path or an error wrapping
// ErrDecoderMissing.
func (d *FFmpeg) ResolvePath() (string, error) {
	path, err := exec.LookPath(d.path)
	if err != nil {
		return "", missingError(d.path, err)
	}
	return path, nil
}

// Open starts decoding url and returns a *Session once the first PCM bytes
// arrive. The process is bound to ctx. Failing to produce audio within the
// connect timeout yields an error wrapping ErrConnection.
func (d *FFmpeg) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	path, err := d.ResolvePath()
	if err != nil {
		return nil, err
	}

	s, err := d.start(ctx, path, d.streamArgs(url), url)
	if err != nil {
		return nil, err
	}

	type firstRead struct {
		data []byte
		err  error
	}
	first := make(chan firstRead, 1)
	go func() {
		buf := make([]byte, readBufferSize)
		n, err := s.stdout.Read(buf)
		first <- firstRead{data: buf[:n], err: err}
	}()

	timer := time.NewTimer(d.connectTimeout)
	defer timer.Stop()

	select {
	case r := <-first:
		if len(r.data) > 0 {
			s.pending = r.data
			s.bytesRead.Add(int64(len(r.data)))
			d.log.WithContext(ctx).Debug("decoder session opened",
				logger.String("url", privacy.SanitizeStreamURL(url)),
				logger.Int("pid", s.PID()))
			return s, nil
		}
		_ = s.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		cause := r.err
		if cause == nil || cause == io.EOF {
			cause = fmt.Errorf("ffmpeg exited before producing audio")
		}
		return nil, connectionError(cause, url, s.stderr.tail())

	case <-timer.C:
		_ = s.Close()
		<-first
		return nil, connectionError(fmt.Errorf("no audio within %s", d.connectTimeout), url, s.stderr.tail())

	case <-ctx.Done():
		_ = s.Close()
		<-first
		return nil, ctx.Err()
	}
}

func (d *FFmpeg) streamArgs(url string) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if strings.HasPrefix(strings.ToLower(url), "rtsp://") {
		args = append(args,
			"-rtsp_transport", "tcp",
			"-timeout", strconv.FormatInt(d.connectTimeout.Microseconds(), 10))
	}
	return append(args, d.outputArgs(url)...)
}

func (d *FFmpeg) outputArgs(input string) []string {
	return []string{
		"-i", input,
		"-vn",
		"-f", "s16le",
		"-ac", "1",
		"-ar", strconv.Itoa(d.sampleRate),
		"pipe:1",
	}
}

func (d *FFmpeg) start(ctx context.Context, path string, args []string, url string) (*Session, error) {
	cmd := exec.CommandContext(ctx, path, args...) //nolint:gosec // G204: path resolved via LookPath, args built internally
	setupProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = processCleanupTimeout

	s := &Session{cmd: cmd, stderr: &tailBuffer{}}
	cmd.Stderr = s.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to create stdout pipe: %w", err)).
			Category(errors.CategoryDecode).
			Component("decoder").
			Context("operation", "start_process").
			Build()
	}
	s.stdout = stdout

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, missingError(path, err)
		}
		return nil, connectionError(fmt.Errorf("failed to start ffmpeg: %w", err), url, "")
	}
	return s, nil
}

// Session is one running ffmpeg process. Read returns raw PCM; Close kills
// the process group and reaps it. A Session is read by one goroutine.
type Session struct {
	cmd       *exec.Cmd
	stdout    io.ReadCloser
	stderr    *tailBuffer
	pending   []byte
	bytesRead atomic.Int64

	waitOnce sync.Once
	waitErr  error
	closed   atomic.Bool
}

// Read implements io.Reader. When ffmpeg exits with a failure status the
// error wraps ErrDecode; a clean exit returns io.EOF.
func (s *Session) Read(p []byte) (int, error) {
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		return n, nil
	}

	n, err := s.stdout.Read(p)
	if n > 0 {
		s.bytesRead.Add(int64(n))
	}
	if err == nil || s.closed.Load() {
		return n, err
	}

	if werr := s.wait(); werr != nil {
		return n, errors.New(fmt.Errorf("%w: %w", errors.ErrDecode, werr)).
			Category(errors.CategoryDecode).
			Component("decoder").
			Context("stderr", s.stderr.tail()).
			Build()
	}
	return n, io.EOF
}

// Close terminates ffmpeg and waits for it. Safe to call more than once.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := killProcessGroup(s.cmd); err != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.wait()
	return nil
}

// PID returns the ffmpeg process id.
func (s *Session) PID() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// BytesRead returns the total PCM bytes received from ffmpeg.
func (s *Session) BytesRead() int64 { return s.bytesRead.Load() }

// Stderr returns the last lines ffmpeg wrote to stderr.
func (s *Session) Stderr() string { return s.stderr.tail() }

func (s *Session) wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
	})
	return s.waitErr
}

// tailBuffer keeps the last stderrLimit bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, _ := t.buf.Write(p)
	if over := t.buf.Len() - stderrLimit; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) tail() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return privacy.ScrubMessage(strings.TrimSpace(t.buf.String()))
}

func missingError(path string, err error) error {
	return errors.New(fmt.Errorf("%w: %s: %w", errors.ErrDecoderMissing, path, err)).
		Category(errors.CategoryDecoderMissing).
		Component("decoder").
		Priority(errors.PriorityHigh).
		Context("ffmpeg_path", path).
		Build()
}

func connectionError(err error, url, stderr string) error {
	b := errors.New(fmt.Errorf("%w: %w", errors.ErrConnection, err)).
		Category(errors.CategoryConnection).
		Component("decoder").
		Context("url", privacy.SanitizeStreamURL(url))
	if stderr != "" {
		b = b.Context("stderr", stderr)
	}
	return b.Build()
}
