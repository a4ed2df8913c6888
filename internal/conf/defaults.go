// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Default detection parameters.
const (
	DefaultSampleRate    = 5512
	DefaultWindowSeconds = 10.0
	DefaultHopSeconds    = 5.0
	DefaultMinConfidence = 0.2
	DefaultTopK          = 10
)

// setDefaultConfig sets default values for every configuration key.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("streams", []map[string]any{})

	v.SetDefault("detection.minconfidence", DefaultMinConfidence)
	v.SetDefault("detection.windowseconds", DefaultWindowSeconds)
	v.SetDefault("detection.hopseconds", DefaultHopSeconds)
	v.SetDefault("detection.topk", DefaultTopK)
	v.SetDefault("detection.dedupwindow", 30*time.Second)
	v.SetDefault("detection.samplerate", DefaultSampleRate)
	v.SetDefault("detection.buffersize", 256)

	v.SetDefault("reconnect.delayseconds", 2)
	v.SetDefault("reconnect.offlinetimeoutseconds", 90)
	v.SetDefault("reconnect.connecttimeout", 60*time.Second)
	v.SetDefault("reconnect.attemptspercycle", 3)

	v.SetDefault("breaker.failurethreshold", 5)
	v.SetDefault("breaker.cooldown", 5*time.Minute)

	v.SetDefault("throttle.maxconcurrent", 10)
	v.SetDefault("throttle.maxjitter", 2*time.Second)

	v.SetDefault("supervisor.healthinterval", 30*time.Second)
	v.SetDefault("supervisor.startuprate", 2.0)

	v.SetDefault("indexer.enabled", true)
	v.SetDefault("indexer.librarypath", "library")
	v.SetDefault("indexer.interval", 10*time.Minute)
	v.SetDefault("indexer.settledelay", 30*time.Second)
	v.SetDefault("indexer.truncateafterindex", false)
	v.SetDefault("indexer.workers", 2)

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.sqlite.path", "radiotrack.db")
	v.SetDefault("database.mysql.host", "localhost")
	v.SetDefault("database.mysql.port", 3306)
	v.SetDefault("database.mysql.username", "radiotrack")
	v.SetDefault("database.mysql.password", "")
	v.SetDefault("database.mysql.database", "radiotrack")

	v.SetDefault("ffmpeg.path", "ffmpeg")

	v.SetDefault("output.detectionlog.enabled", true)
	v.SetDefault("output.detectionlog.path", "detections.csv")
	v.SetDefault("output.mqtt.enabled", false)
	v.SetDefault("output.mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("output.mqtt.topic", "radiotrack/detections")
	v.SetDefault("output.mqtt.clientid", "radiotrack")
	v.SetDefault("output.webhook.enabled", false)
	v.SetDefault("output.webhook.url", "")
	v.SetDefault("output.webhook.ratelimit", 5.0)
	v.SetDefault("output.notify.enabled", false)
	v.SetDefault("output.notify.urls", []string{})
	v.SetDefault("output.notify.minconfidence", 0.5)

	v.SetDefault("statuslog.interval", 5*time.Minute)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", "127.0.0.1:8090")

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")

	v.SetDefault("logging.defaultlevel", "info")
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.fileoutput.enabled", true)
	v.SetDefault("logging.fileoutput.path", "logs/radiotrack.log")
	v.SetDefault("logging.fileoutput.level", "info")
	v.SetDefault("logging.modules.indexer.enabled", true)
	v.SetDefault("logging.modules.indexer.filepath", "logs/indexer.log")
	v.SetDefault("logging.modules.indexer.level", "info")
}
