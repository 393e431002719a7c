package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	claudeAPIVersion       = "2023-06-01"
	claudeDefaultMaxTokens = 4096
	jsonOnlyInstruction    = "Always respond with valid JSON only."
)

// claudeClient talks to the Anthropic Messages API.
type claudeClient struct {
	cfg      Config
	messages endpoint
}

func newClaudeClient(cfg Config) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("claude: %w", ErrMissingAPIKey)
	}
	client := &claudeClient{
		cfg: cfg,
		messages: endpoint{
			http: &http.Client{Timeout: cfg.Timeout},
			url:  strings.TrimSuffix(baseURL(cfg, "https://api.anthropic.com/v1"), "/") + "/messages",
			headers: map[string]string{
				"x-api-key":         cfg.APIKey,
				"anthropic-version": claudeAPIVersion,
			},
		},
	}
	return wrapWithRetry(client, cfg.MaxRetries, cfg.RetryDelay), nil
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      []claudeBlock   `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
}

// claudeBlock is a text content block. CacheControl marks the prefix up to
// and including this block as reusable across calls.
type claudeBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	Content []claudeBlock `json:"content"`
	Usage   struct {
		InputTokens          int `json:"input_tokens"`
		OutputTokens         int `json:"output_tokens"`
		CacheReadInputTokens int `json:"cache_read_input_tokens"`
	} `json:"usage"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
}

type claudeErrorResponse struct {
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *claudeClient) buildRequest(req *Request) claudeRequest {
	maxTokens, temperature := limits(c.cfg, req)
	if maxTokens <= 0 {
		maxTokens = claudeDefaultMaxTokens
	}

	out := claudeRequest{
		Model:       c.cfg.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Messages:    make([]claudeMessage, 0, len(req.Messages)),
	}

	system := req.System
	for _, m := range req.Messages {
		// The Messages API takes system text only as a top-level field.
		if m.Role == "system" {
			system = joinNonEmpty(system, m.Content)
			continue
		}
		out.Messages = append(out.Messages, claudeMessage{Role: m.Role, Content: m.Content})
	}
	if system != "" {
		block := claudeBlock{Type: "text", Text: system}
		if req.CacheSystem {
			block.CacheControl = &cacheControl{Type: "ephemeral"}
		}
		out.System = []claudeBlock{block}
	}
	return out
}

func (c *claudeClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	status, raw, err := c.messages.post(ctx, c.buildRequest(req))
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		apiErr := &APIError{Provider: Claude, StatusCode: status, Message: string(raw)}
		var envelope claudeErrorResponse
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error != nil {
			apiErr.Type = envelope.Error.Type
			apiErr.Message = envelope.Error.Message
		}
		return nil, apiErr
	}

	var cResp claudeResponse
	if err := json.Unmarshal(raw, &cResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	var text strings.Builder
	for _, block := range cResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, errors.New("claude: response has no text content")
	}

	return &Response{
		Content:      text.String(),
		FinishReason: cResp.StopReason,
		TokensIn:     cResp.Usage.InputTokens,
		TokensOut:    cResp.Usage.OutputTokens,
		CachedTokens: cResp.Usage.CacheReadInputTokens,
		Model:        cResp.Model,
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func (c *claudeClient) GenerateJSON(ctx context.Context, req *Request, out any) error {
	r := *req
	r.JSONMode = true
	r.System = joinNonEmpty(r.System, jsonOnlyInstruction)
	resp, err := c.Generate(ctx, &r)
	if err != nil {
		return err
	}
	return decodeAnswer(resp, out)
}

func (c *claudeClient) Provider() Provider { return Claude }
func (c *claudeClient) Close() error       { return nil }

func joinNonEmpty(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "\n\n" + b
}
