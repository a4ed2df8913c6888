package logger

import (
	"bufio"
	"os"
	"sync"
	"time"

	"github.com/tphakala/radiotrack/internal/errors"
)

const (
	// DefaultBufferSize is the write buffer size for log files.
	DefaultBufferSize = 32 * 1024

	// DefaultFlushInterval is how often buffered log lines reach the file.
	DefaultFlushInterval = 5 * time.Second

	logFileMode = 0o600
)

var errWriterClosed = errors.NewStd("log writer is closed")

// BufferedFileWriter appends to a log file through a bufio.Writer. A
// background goroutine flushes pending bytes on an interval.
type BufferedFileWriter struct {
	path string

	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer

	size     int
	interval time.Duration

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// BufferedWriterOption configures a BufferedFileWriter.
type BufferedWriterOption func(*BufferedFileWriter)

// WithBufferSize overrides DefaultBufferSize. Non-positive sizes are ignored.
func WithBufferSize(size int) BufferedWriterOption {
	return func(w *BufferedFileWriter) {
		if size > 0 {
			w.size = size
		}
	}
}

// WithFlushInterval overrides DefaultFlushInterval. Zero disables the
// background flush; data then reaches the file on Flush, Sync, Close or
// when the buffer fills.
func WithFlushInterval(interval time.Duration) BufferedWriterOption {
	return func(w *BufferedFileWriter) {
		w.interval = max(interval, 0)
	}
}

// NewBufferedFileWriter opens path for appending, creating it if needed.
func NewBufferedFileWriter(path string, opts ...BufferedWriterOption) (*BufferedFileWriter, error) {
	w := &BufferedFileWriter{
		path:     path,
		size:     DefaultBufferSize,
		interval: DefaultFlushInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFileMode) //nolint:gosec // path comes from config
	if err != nil {
		return nil, errors.New(err).
			Component("logger").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	w.file = f
	w.buf = bufio.NewWriterSize(f, w.size)

	if w.interval > 0 {
		go w.flushLoop()
	} else {
		close(w.done)
	}
	return w, nil
}

func (w *BufferedFileWriter) flushLoop() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			// a failing flush shows up again on the next Write
			_ = w.Flush()
		}
	}
}

// Write buffers p.
func (w *BufferedFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf == nil {
		return 0, errWriterClosed
	}
	return w.buf.Write(p)
}

// Flush hands buffered bytes to the OS without fsync.
func (w *BufferedFileWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf == nil {
		return nil
	}
	return w.buf.Flush()
}

// Sync flushes and fsyncs the file.
func (w *BufferedFileWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *BufferedFileWriter) syncLocked() error {
	if w.buf == nil {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Close stops the flush goroutine, syncs and closes the file. Later calls
// return nil; later writes fail.
func (w *BufferedFileWriter) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		<-w.done

		w.mu.Lock()
		defer w.mu.Unlock()
		err = errors.Join(w.syncLocked(), w.file.Close())
		w.buf = nil
		w.file = nil
	})
	return err
}

// Buffered reports bytes written but not yet flushed.
func (w *BufferedFileWriter) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf == nil {
		return 0
	}
	return w.buf.Buffered()
}

// Path returns the file path.
func (w *BufferedFileWriter) Path() string { return w.path }
