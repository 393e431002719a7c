package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/RobinCoderZhao/news-digest/pkg/retry"
)

// WebhookConfig holds webhook configuration.
type WebhookConfig struct {
	URL      string            `yaml:"webhook_url" json:"url" env:"DIGEST_ALERT_WEBHOOK"`
	Headers  map[string]string `yaml:"headers" json:"headers"`
	Timeout  time.Duration     `yaml:"timeout" json:"timeout"`
	Attempts int               `yaml:"attempts" json:"attempts"`
}

// WebhookNotifier posts messages as JSON to a URL.
type WebhookNotifier struct {
	config WebhookConfig
	http   *http.Client
	policy retry.Policy
}

// NewWebhookNotifier creates a webhook notifier. A zero timeout means 10s
// per attempt; zero attempts means 2.
func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 2
	}
	return &WebhookNotifier{
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		policy: retry.Policy{
			MaxAttempts: cfg.Attempts,
			BaseDelay:   time.Second,
			MaxDelay:    5 * time.Second,
			Retryable: func(err error) bool {
				var se *statusError
				return !errors.As(err, &se) || se.code >= 500
			},
		},
	}
}

func (w *WebhookNotifier) Channel() Channel { return ChannelWebhook }

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("webhook returned status %d", e.code) }

// Send posts msg to the webhook URL. Any non-2xx status is an error; server
// errors and transport failures are retried.
func (w *WebhookNotifier) Send(ctx context.Context, msg Message) error {
	if msg.Level == "" {
		msg.Level = LevelInfo
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = w.policy.Do(ctx, func(ctx context.Context, _ int) error {
		return w.post(ctx, body)
	})
	return err
}

func (w *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}
