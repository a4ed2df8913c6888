// conf/validate.go

package conf

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/tphakala/radiotrack/internal/errors"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	if err := ValidateStreams(settings.Streams); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	d := settings.Detection
	if d.SampleRate <= 0 {
		ve.Errors = append(ve.Errors, "detection.samplerate must be positive")
	}
	if d.WindowSeconds <= 0 {
		ve.Errors = append(ve.Errors, "detection.windowseconds must be positive")
	}
	if d.HopSeconds <= 0 || d.HopSeconds > d.WindowSeconds {
		ve.Errors = append(ve.Errors, "detection.hopseconds must be in (0, windowseconds]")
	}
	if d.MinConfidence < 0 || d.MinConfidence > 1 {
		ve.Errors = append(ve.Errors, "detection.minconfidence must be between 0 and 1")
	}
	if d.TopK < 1 || d.TopK > DefaultTopK {
		ve.Errors = append(ve.Errors, fmt.Sprintf("detection.topk must be between 1 and %d", DefaultTopK))
	}
	if d.DedupWindow < 0 {
		ve.Errors = append(ve.Errors, "detection.dedupwindow must not be negative")
	}

	if settings.Reconnect.OfflineTimeoutSeconds <= 0 {
		ve.Errors = append(ve.Errors, "reconnect.offlinetimeoutseconds must be positive")
	}
	if settings.Reconnect.AttemptsPerCycle < 1 {
		ve.Errors = append(ve.Errors, "reconnect.attemptspercycle must be at least 1")
	}
	if settings.Breaker.FailureThreshold < 1 {
		ve.Errors = append(ve.Errors, "breaker.failurethreshold must be at least 1")
	}
	if settings.Throttle.MaxConcurrent < 1 {
		ve.Errors = append(ve.Errors, "throttle.maxconcurrent must be at least 1")
	}
	if settings.Supervisor.StartupRate <= 0 {
		ve.Errors = append(ve.Errors, "supervisor.startuprate must be positive")
	}

	switch settings.Database.Type {
	case "sqlite", "mysql":
	default:
		ve.Errors = append(ve.Errors, fmt.Sprintf("database.type %q is not sqlite or mysql", settings.Database.Type))
	}

	if settings.Output.Webhook.Enabled {
		if _, err := url.ParseRequestURI(settings.Output.Webhook.URL); err != nil {
			ve.Errors = append(ve.Errors, "output.webhook.url is not a valid URL")
		}
	}

	if len(ve.Errors) > 0 {
		return errors.New(ve).
			Category(errors.CategoryValidation).
			Component("conf").
			Build()
	}
	return nil
}

// ValidateStreams checks that every stream has a unique non-empty name and
// URL and that each URL parses.
func ValidateStreams(streams []StreamConfig) error {
	var problems []string
	names := make(map[string]struct{}, len(streams))
	urls := make(map[string]struct{}, len(streams))

	for i, sc := range streams {
		name := strings.TrimSpace(sc.Name)
		switch {
		case name == "":
			problems = append(problems, fmt.Sprintf("stream %d has no name", i+1))
		default:
			if _, dup := names[name]; dup {
				problems = append(problems, fmt.Sprintf("duplicate stream name %q", name))
			}
			names[name] = struct{}{}
		}

		if sc.URL == "" {
			problems = append(problems, fmt.Sprintf("stream %q has no url", sc.Name))
			continue
		}
		if _, err := url.Parse(sc.URL); err != nil {
			problems = append(problems, fmt.Sprintf("stream %q has an invalid url", sc.Name))
			continue
		}
		if _, dup := urls[sc.URL]; dup {
			problems = append(problems, fmt.Sprintf("stream %q duplicates another stream's url", sc.Name))
		}
		urls[sc.URL] = struct{}{}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid streams: %s", strings.Join(problems, "; "))
	}
	return nil
}
