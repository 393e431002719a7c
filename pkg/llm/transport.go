package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxResponseBytes caps how much of a provider answer is read.
const maxResponseBytes = 8 << 20

// endpoint is one provider URL plus the headers every call carries.
type endpoint struct {
	http    *http.Client
	url     string
	headers map[string]string
}

// post sends payload as JSON and returns the status and raw body. Transport
// failures are returned as errors; HTTP error statuses are left to the caller
// so it can decode the provider's error envelope.
func (e endpoint) post(ctx context.Context, payload any) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

// limits resolves per-request overrides against the client config.
func limits(cfg Config, req *Request) (maxTokens int, temperature float64) {
	maxTokens = cfg.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	temperature = cfg.Temperature
	if req.Temperature > 0 {
		temperature = req.Temperature
	}
	return maxTokens, temperature
}

func baseURL(cfg Config, fallback string) string {
	if cfg.BaseURL != "" {
		return cfg.BaseURL
	}
	return fallback
}
