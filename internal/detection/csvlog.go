package detection

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/tphakala/radiotrack/internal/errors"
)

// csvHeader is written once when the log file is created or empty.
var csvHeader = []string{"timestamp", "stream", "stream_type", "stream_number", "track", "duration_seconds", "confidence"}

// CSVLog appends every detection to a CSV file.
type CSVLog struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *csv.Writer
}

// NewCSVLog opens path for appending, creating parent directories and the
// header row as needed.
func NewCSVLog(path string) (*CSVLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.New(err).
				Component("detection").
				Category(errors.CategoryFileIO).
				Context("path", path).
				Build()
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.New(err).
			Component("detection").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}

	l := &CSVLog{path: path, file: f, w: csv.NewWriter(f)}

	info, err := f.Stat()
	if err == nil && info.Size() == 0 {
		if err := l.write(csvHeader); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return l, nil
}

// Name implements Consumer.
func (l *CSVLog) Name() string { return "detectionlog" }

// ProcessEvent implements Consumer.
func (l *CSVLog) ProcessEvent(_ context.Context, e Event) error {
	return l.write(FormatRecord(e))
}

// FormatRecord renders one detection log row.
func FormatRecord(e Event) []string {
	return []string{
		e.Timestamp.Format(time.RFC3339),
		e.Stream,
		e.StreamType,
		strconv.Itoa(e.StreamNumber),
		e.Title,
		strconv.FormatFloat(e.Duration, 'f', 1, 64),
		strconv.FormatFloat(e.Confidence, 'f', 4, 64),
	}
}

func (l *CSVLog) write(record []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.w == nil {
		return errors.Newf("detection log %s is closed", l.path).
			Component("detection").
			Category(errors.CategoryFileIO).
			Build()
	}
	if err := l.w.Write(record); err != nil {
		return errors.New(err).Component("detection").Category(errors.CategoryFileIO).Build()
	}
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		return errors.New(err).Component("detection").Category(errors.CategoryFileIO).Build()
	}
	return nil
}

// Close flushes and closes the file.
func (l *CSVLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.w == nil {
		return nil
	}
	l.w.Flush()
	l.w = nil
	return l.file.Close()
}
