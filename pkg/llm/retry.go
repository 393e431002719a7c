package llm

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/RobinCoderZhao/news-digest/pkg/retry"
)

// retryClient wraps any Client with retry logic.
type retryClient struct {
	inner  Client
	policy retry.Policy
}

// wrapWithRetry wraps a client with retry logic.
func wrapWithRetry(client Client, maxRetries int, baseDelay time.Duration) Client {
	if maxRetries <= 1 {
		return client
	}
	return &retryClient{
		inner: client,
		policy: retry.Policy{
			MaxAttempts: maxRetries,
			BaseDelay:   baseDelay,
			MaxDelay:    30 * time.Second,
			Retryable:   isRetryableError,
			OnRetry: func(attempt int, delay time.Duration, err error) {
				slog.Warn("LLM request failed, retrying",
					"provider", client.Provider(),
					"attempt", attempt,
					"max_retries", maxRetries,
					"delay", delay,
					"error", err,
				)
			},
		},
	}
}

func (r *retryClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	var resp *Response
	_, err := r.policy.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		resp, err = r.inner.Generate(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GenerateJSON retries the inner call so provider-specific JSON handling
// still applies. Decode failures are not retried.
func (r *retryClient) GenerateJSON(ctx context.Context, req *Request, out any) error {
	_, err := r.policy.Do(ctx, func(ctx context.Context, _ int) error {
		return r.inner.GenerateJSON(ctx, req, out)
	})
	return err
}

func (r *retryClient) Provider() Provider {
	return r.inner.Provider()
}

func (r *retryClient) Close() error {
	return r.inner.Close()
}

// isRetryableError determines if an error is worth retrying.
func isRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	for _, keyword := range []string{"timeout", "connection reset", "connection refused", "EOF"} {
		if strings.Contains(msg, keyword) {
			return true
		}
	}
	return false
}
