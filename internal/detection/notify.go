package detection

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/tphakala/radiotrack/internal/errors"
	"github.com/tphakala/radiotrack/internal/privacy"
)

const notifyTimeout = 10 * time.Second

type notifier interface {
	Send(message string, params *stypes.Params) []error
}

// NotifySink sends a shoutrrr notification for detections at or above minConfidence.
type NotifySink struct {
	sender        notifier
	minConfidence float64
}

// NewNotifySink validates urls and builds a single router for all of them.
func NewNotifySink(urls []string, minConfidence float64) (*NotifySink, error) {
	if len(urls) == 0 {
		return nil, errors.Newf("at least one notification URL is required").
			Component("detection").
			Category(errors.CategoryConfiguration).
			Build()
	}
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		// the raw error may echo a URL with tokens in it
		return nil, errors.Newf("invalid notification URL: %s", privacy.ScrubMessage(err.Error())).
			Component("detection").
			Category(errors.CategoryConfiguration).
			Build()
	}
	sender.Timeout = notifyTimeout
	sender.SetLogger(log.New(io.Discard, "", 0))

	return &NotifySink{sender: sender, minConfidence: minConfidence}, nil
}

// Name implements Consumer.
func (s *NotifySink) Name() string { return "notify" }

// ProcessEvent implements Consumer.
func (s *NotifySink) ProcessEvent(_ context.Context, e Event) error {
	if e.Confidence < s.minConfidence {
		return nil
	}

	params := stypes.Params{}
	params.SetTitle("radiotrack detection")
	for _, err := range s.sender.Send(NotificationMessage(e), &params) {
		if err != nil {
			return errors.Newf("notification failed: %s", privacy.ScrubMessage(err.Error())).
				Component("detection").
				Category(errors.CategoryNetwork).
				Build()
		}
	}
	return nil
}

// NotificationMessage is the human-readable body for a detection.
func NotificationMessage(e Event) string {
	return fmt.Sprintf("%s detected on %s at %s (confidence %.2f)",
		e.Title, e.Stream, e.Timestamp.Format(time.TimeOnly), e.Confidence)
}
