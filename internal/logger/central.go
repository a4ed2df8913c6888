package logger

import (
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	// Embedded IANA database so time.LoadLocation works on Windows.
	_ "time/tzdata"

	"github.com/tphakala/radiotrack/internal/errors"
)

// traceLevelValue sits below slog.LevelDebug (-4).
const traceLevelValue = slog.Level(-8)

// mainLogKey is the files map key of the main log file.
const mainLogKey = ""

var (
	globalLogger   atomic.Pointer[CentralLogger]
	fallbackLogger = sync.OnceValue(newConsoleLogger)
)

// SetGlobal installs cl as the logger returned by Global.
func SetGlobal(cl *CentralLogger) {
	globalLogger.Store(cl)
}

// Global returns the logger installed by SetGlobal, or an info-level console
// logger before configuration is loaded.
func Global() *CentralLogger {
	if cl := globalLogger.Load(); cl != nil {
		return cl
	}
	return fallbackLogger()
}

func newConsoleLogger() *CentralLogger {
	return &CentralLogger{
		cfg: &LoggingConfig{
			DefaultLevel:  DefaultLogLevel,
			Console:       &ConsoleOutput{Enabled: true, Level: DefaultLogLevel},
			ModuleOutputs: map[string]ModuleOutput{},
		},
		tz:     time.Local,
		base:   newTextHandler(os.Stdout, slog.LevelInfo, time.Local),
		files:  map[string]*BufferedFileWriter{},
		levels: map[string]slog.Level{},
	}
}

// CentralLogger hands out module loggers. Records go to the console as text
// and to the main log file as JSON, unless the module has its own file.
type CentralLogger struct {
	cfg    *LoggingConfig
	tz     *time.Location
	base   slog.Handler
	levels map[string]slog.Level

	mu    sync.RWMutex
	files map[string]*BufferedFileWriter
}

// NewCentralLogger opens the configured log files. Nil console and file
// sections get the defaults.
func NewCentralLogger(cfg *LoggingConfig) (*CentralLogger, error) {
	if cfg == nil {
		return nil, errors.Newf("logging config cannot be nil").
			Component("logger").
			Category(errors.CategoryConfiguration).
			Build()
	}
	applyConfigDefaults(cfg)

	tz, err := loadTimezone(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	cl := &CentralLogger{
		cfg:    cfg,
		tz:     tz,
		levels: make(map[string]slog.Level, len(cfg.ModuleLevels)),
		files:  make(map[string]*BufferedFileWriter),
	}
	for module, level := range cfg.ModuleLevels {
		cl.levels[module] = parseLogLevel(level)
	}

	var handlers []slog.Handler
	if cfg.Console.Enabled {
		handlers = append(handlers, newTextHandler(os.Stdout, parseLogLevel(cfg.Console.Level), tz))
	}
	if cfg.FileOutput.Enabled {
		w, err := cl.openFile(mainLogKey, cfg.FileOutput.Path)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, newJSONHandler(w, parseLogLevel(cfg.FileOutput.Level), tz))
	}
	if len(handlers) == 0 {
		handlers = append(handlers, newTextHandler(os.Stdout, parseLogLevel(cfg.DefaultLevel), tz))
	}
	cl.base = newMultiWriterHandler(handlers...)

	// sorted so a failure always reports the same module
	for _, module := range slices.Sorted(maps.Keys(cfg.ModuleOutputs)) {
		out := cfg.ModuleOutputs[module]
		if !out.Enabled {
			continue
		}
		if _, err := cl.openFile(module, out.FilePath); err != nil {
			_ = cl.Close()
			return nil, err
		}
	}
	return cl, nil
}

func loadTimezone(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	tz, err := time.LoadLocation(name)
	if err != nil {
		return nil, errors.New(fmt.Errorf("invalid timezone %q: %w", name, err)).
			Component("logger").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return tz, nil
}

func (cl *CentralLogger) openFile(key, path string) (*BufferedFileWriter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, logFileError(err, path)
		}
	}
	w, err := NewBufferedFileWriter(path)
	if err != nil {
		return nil, logFileError(err, path)
	}
	cl.files[key] = w
	return w, nil
}

func logFileError(err error, path string) error {
	return errors.New(err).
		Component("logger").
		Category(errors.CategoryFileIO).
		Context("path", path).
		Build()
}

// Module returns a logger for the named component.
func (cl *CentralLogger) Module(name string) Logger {
	if cl == nil {
		return nil
	}

	cl.mu.RLock()
	defer cl.mu.RUnlock()

	level, ok := cl.levels[name]
	if !ok {
		level = parseLogLevel(cl.cfg.DefaultLevel)
	}

	handler := cl.base
	if out, ok := cl.cfg.ModuleOutputs[name]; ok && out.Enabled {
		if out.Level != "" {
			level = parseLogLevel(out.Level)
		}
		var handlers []slog.Handler
		if w := cl.files[name]; w != nil {
			handlers = append(handlers, newJSONHandler(w, level, cl.tz))
		}
		if out.ConsoleAlso && cl.cfg.Console.Enabled {
			handlers = append(handlers, newTextHandler(os.Stdout, level, cl.tz))
		}
		handler = newMultiWriterHandler(handlers...)
	}

	return &moduleLogger{
		module:   name,
		logger:   slog.New(handler),
		level:    level,
		timezone: cl.tz,
	}
}

// Flush writes buffered records of every log file to the OS.
func (cl *CentralLogger) Flush() error {
	return cl.eachFile(false, (*BufferedFileWriter).Flush)
}

// Close syncs and closes every log file. Module loggers created earlier keep
// working for console output only.
func (cl *CentralLogger) Close() error {
	return cl.eachFile(true, (*BufferedFileWriter).Close)
}

func (cl *CentralLogger) eachFile(drop bool, fn func(*BufferedFileWriter) error) error {
	if cl == nil {
		return nil
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	var errs []error
	for key, w := range cl.files {
		if err := fn(w); err != nil {
			name := key
			if name == mainLogKey {
				name = "main"
			}
			errs = append(errs, fmt.Errorf("log file %s: %w", name, err))
		}
	}
	if drop {
		clear(cl.files)
	}
	return errors.Join(errs...)
}

// parseLogLevel converts a level name to slog.Level; unknown names are info.
func parseLogLevel(level string) slog.Level {
	switch LogLevel(level) {
	case LogLevelTrace:
		return traceLevelValue
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
