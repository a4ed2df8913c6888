package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/tphakala/radiotrack/internal/errors"
	"github.com/tphakala/radiotrack/internal/privacy"
)

const (
	webhookTimeout      = 10 * time.Second
	defaultWebhookRate  = 5.0
	maxWebhookErrorBody = 512
)

// WebhookSink POSTs each detection as JSON, at most rateLimit requests per second.
type WebhookSink struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhookSink creates a sink posting to url. A non-positive rateLimit uses 5/s.
func NewWebhookSink(url string, rateLimit float64) *WebhookSink {
	if rateLimit <= 0 {
		rateLimit = defaultWebhookRate
	}
	return &WebhookSink{
		url:     url,
		client:  &http.Client{Timeout: webhookTimeout},
		limiter: rate.NewLimiter(rate.Limit(rateLimit), max(1, int(rateLimit))),
	}
}

// Name implements Consumer.
func (s *WebhookSink) Name() string { return "webhook" }

// ProcessEvent implements Consumer.
func (s *WebhookSink) ProcessEvent(ctx context.Context, e Event) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal detection: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return errors.New(err).Component("detection").Category(errors.CategoryHTTP).Build()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "radiotrack")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.New(err).
			Component("detection").
			Category(errors.CategoryNetwork).
			Context("url", privacy.SanitizeStreamURL(s.url)).
			Build()
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxWebhookErrorBody))
		return errors.Newf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)).
			Component("detection").
			Category(errors.CategoryHTTP).
			Context("url", privacy.SanitizeStreamURL(s.url)).
			Context("status", resp.StatusCode).
			Build()
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
