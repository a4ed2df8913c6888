// Package conf loads, validates and watches radiotrack settings.
package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/radiotrack/internal/errors"
	"github.com/tphakala/radiotrack/internal/logger"
)

// StreamConfig is one configured network audio stream.
type StreamConfig struct {
	Name          string `yaml:"name"`
	URL           string `yaml:"url"`
	Enabled       bool   `yaml:"enabled"`
	AutoReconnect bool   `yaml:"autoreconnect"`
}

// DetectionSettings tunes windowing and matching.
type DetectionSettings struct {
	MinConfidence float64       `yaml:"minconfidence"`
	WindowSeconds float64       `yaml:"windowseconds"`
	HopSeconds    float64       `yaml:"hopseconds"`
	TopK          int           `yaml:"topk"`
	DedupWindow   time.Duration `yaml:"dedupwindow"`
	SampleRate    int           `yaml:"samplerate"`
	BufferSize    int           `yaml:"buffersize"` // detection bus capacity
}

// ReconnectSettings tunes per-stream retries.
type ReconnectSettings struct {
	DelaySeconds          int           `yaml:"delayseconds"`
	OfflineTimeoutSeconds int           `yaml:"offlinetimeoutseconds"`
	ConnectTimeout        time.Duration `yaml:"connecttimeout"`
	AttemptsPerCycle      int           `yaml:"attemptspercycle"`
}

// BreakerSettings configures the per-stream circuit breaker.
type BreakerSettings struct {
	FailureThreshold int           `yaml:"failurethreshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// ThrottleSettings bounds simultaneous connection attempts.
type ThrottleSettings struct {
	MaxConcurrent int           `yaml:"maxconcurrent"`
	MaxJitter     time.Duration `yaml:"maxjitter"`
}

// SupervisorSettings controls startup pacing and the health loop.
type SupervisorSettings struct {
	HealthInterval time.Duration `yaml:"healthinterval"`
	StartupRate    float64       `yaml:"startuprate"` // streams started per second
}

// IndexerSettings controls library fingerprinting.
type IndexerSettings struct {
	Enabled            bool          `yaml:"enabled"`
	LibraryPath        string        `yaml:"librarypath"`
	Interval           time.Duration `yaml:"interval"`
	SettleDelay        time.Duration `yaml:"settledelay"`
	TruncateAfterIndex bool          `yaml:"truncateafterindex"`
	Workers            int           `yaml:"workers"`
}

// SQLiteSettings is the embedded database file.
type SQLiteSettings struct {
	Path string `yaml:"path"`
}

// MySQLSettings is an external MySQL/MariaDB server.
type MySQLSettings struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// DatabaseSettings selects the fingerprint store backend.
type DatabaseSettings struct {
	Type   string         `yaml:"type"` // sqlite or mysql
	SQLite SQLiteSettings `yaml:"sqlite"`
	MySQL  MySQLSettings  `yaml:"mysql"`
}

// FFmpegSettings locates the decoder.
type FFmpegSettings struct {
	Path string `yaml:"path"`
}

// DetectionLogSettings is the append-only CSV detection log.
type DetectionLogSettings struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MQTTSettings publishes detections to a broker.
type MQTTSettings struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"clientid"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// WebhookSettings posts detections as JSON.
type WebhookSettings struct {
	Enabled   bool    `yaml:"enabled"`
	URL       string  `yaml:"url"`
	RateLimit float64 `yaml:"ratelimit"` // requests per second
}

// NotifySettings sends shoutrrr notifications for strong detections.
type NotifySettings struct {
	Enabled       bool     `yaml:"enabled"`
	URLs          []string `yaml:"urls"`
	MinConfidence float64  `yaml:"minconfidence"`
}

// OutputSettings groups the detection sinks.
type OutputSettings struct {
	DetectionLog DetectionLogSettings `yaml:"detectionlog"`
	MQTT         MQTTSettings         `yaml:"mqtt"`
	Webhook      WebhookSettings      `yaml:"webhook"`
	Notify       NotifySettings       `yaml:"notify"`
}

// StatusLogSettings rate-limits per-stream heartbeat logging.
type StatusLogSettings struct {
	Interval time.Duration `yaml:"interval"`
}

// APISettings is the HTTP status and metrics endpoint.
type APISettings struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// SentrySettings enables error telemetry.
type SentrySettings struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// Settings is the complete radiotrack configuration.
type Settings struct {
	Debug      bool                 `yaml:"debug"`
	Streams    []StreamConfig       `yaml:"streams"`
	Detection  DetectionSettings    `yaml:"detection"`
	Reconnect  ReconnectSettings    `yaml:"reconnect"`
	Breaker    BreakerSettings      `yaml:"breaker"`
	Throttle   ThrottleSettings     `yaml:"throttle"`
	Supervisor SupervisorSettings   `yaml:"supervisor"`
	Indexer    IndexerSettings      `yaml:"indexer"`
	Database   DatabaseSettings     `yaml:"database"`
	FFmpeg     FFmpegSettings       `yaml:"ffmpeg"`
	Output     OutputSettings       `yaml:"output"`
	StatusLog  StatusLogSettings    `yaml:"statuslog"`
	API        APISettings          `yaml:"api"`
	Sentry     SentrySettings       `yaml:"sentry"`
	Logging    logger.LoggingConfig `yaml:"logging"`
}

// EnabledStreams returns the streams with Enabled set, in configured order.
func (s *Settings) EnabledStreams() []StreamConfig {
	out := make([]StreamConfig, 0, len(s.Streams))
	for _, sc := range s.Streams {
		if sc.Enabled {
			out = append(out, sc)
		}
	}
	return out
}

// Loader owns a viper instance and the last valid Settings.
type Loader struct {
	v        *viper.Viper
	mu       sync.RWMutex
	settings *Settings
}

// NewLoader wraps v. Pass viper.GetViper() to share flags bound by cobra.
func NewLoader(v *viper.Viper) *Loader {
	if v == nil {
		v = viper.New()
	}
	return &Loader{v: v}
}

// Load reads configFile (or searches the default locations when empty),
// applies defaults and environment overrides, and validates the result.
// When no config file exists one is written with the defaults.
func (l *Loader) Load(configFile string) (*Settings, error) {
	setDefaultConfig(l.v)
	l.v.SetEnvPrefix("RADIOTRACK")
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if configFile != "" {
		l.v.SetConfigFile(configFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		for _, path := range defaultConfigPaths() {
			l.v.AddConfigPath(path)
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound) || os.IsNotExist(err):
			target := configFile
			if target == "" {
				target = filepath.Join(defaultConfigPaths()[0], "config.yaml")
			}
			if err := l.writeDefaults(target); err != nil {
				return nil, err
			}
		default:
			return nil, errors.New(fmt.Errorf("error reading config file: %w", err)).
				Category(errors.CategoryConfiguration).
				Context("operation", "read_config").
				Build()
		}
	}

	settings, err := l.decode()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.settings = settings
	l.mu.Unlock()
	return settings, nil
}

// Settings returns the last successfully loaded settings.
func (l *Loader) Settings() *Settings {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.settings
}

// ConfigFile returns the path of the config file in use.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Reload re-reads the config file. An invalid file yields an error wrapping
// ErrConfigReload and the previous settings stay active.
func (l *Loader) Reload() (*Settings, error) {
	if err := l.v.ReadInConfig(); err != nil {
		return l.Settings(), reloadError(err)
	}
	settings, err := l.decode()
	if err != nil {
		return l.Settings(), reloadError(err)
	}

	l.mu.Lock()
	l.settings = settings
	l.mu.Unlock()
	return settings, nil
}

// Watch calls onChange with the result of Reload after each config file
// write. It must be called after Load.
func (l *Loader) Watch(onChange func(*Settings, error)) {
	l.v.OnConfigChange(func(fsnotify.Event) {
		onChange(l.Reload())
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Settings, error) {
	settings := &Settings{}
	if err := l.v.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error unmarshaling config into struct: %w", err)).
			Category(errors.CategoryConfiguration).
			Context("operation", "unmarshal_config").
			Build()
	}
	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}
	return settings, nil
}

func reloadError(err error) error {
	return errors.New(fmt.Errorf("%w: %w", errors.ErrConfigReload, err)).
		Category(errors.CategoryConfigReload).
		Component("conf").
		Build()
}

func (l *Loader) writeDefaults(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}

	settings := &Settings{}
	if err := l.v.Unmarshal(settings); err != nil {
		return fmt.Errorf("error building default settings: %w", err)
	}
	if err := SaveYAMLConfig(configPath, settings); err != nil {
		return err
	}

	l.v.SetConfigFile(configPath)
	return l.v.ReadInConfig()
}

// defaultConfigPaths lists directories searched for config.yaml.
func defaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "windows" {
			paths = append(paths, filepath.Join(home, "AppData", "Roaming", "radiotrack"))
		} else {
			paths = append(paths, filepath.Join(home, ".config", "radiotrack"))
		}
	}
	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/radiotrack")
	}
	return paths
}

// SaveYAMLConfig writes settings to configPath through a temporary file and
// rename so readers never see a half-written file.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer func() { _ = os.Remove(tempFileName) }()

	if _, err := tempFile.Write(yamlData); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	if err := os.Rename(tempFileName, configPath); err != nil {
		return fmt.Errorf("error replacing config file: %w", err)
	}
	return nil
}
