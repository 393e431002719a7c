package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// openaiClient talks to OpenAI-compatible chat completion APIs.
type openaiClient struct {
	cfg         Config
	provider    Provider
	completions endpoint
}

func newOpenAIClient(cfg Config, provider Provider) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: %w", provider, ErrMissingAPIKey)
	}
	client := &openaiClient{
		cfg:      cfg,
		provider: provider,
		completions: endpoint{
			http:    &http.Client{Timeout: cfg.Timeout},
			url:     strings.TrimSuffix(baseURL(cfg, "https://api.openai.com/v1"), "/") + "/chat/completions",
			headers: map[string]string{"Authorization": "Bearer " + cfg.APIKey},
		},
	}
	return wrapWithRetry(client, cfg.MaxRetries, cfg.RetryDelay), nil
}

type openaiRequest struct {
	Model          string          `json:"model"`
	Messages       []openaiMessage `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature,omitempty"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens        int `json:"prompt_tokens"`
		CompletionTokens    int `json:"completion_tokens"`
		PromptTokensDetails struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
	Model string `json:"model"`
}

type openaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// buildRequest ignores CacheSystem: these APIs cache long prefixes on their
// own, so keeping the system message first is all that is needed.
func (c *openaiClient) buildRequest(req *Request) openaiRequest {
	maxTokens, temperature := limits(c.cfg, req)
	out := openaiRequest{
		Model:       c.cfg.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Messages:    make([]openaiMessage, 0, len(req.Messages)+1),
	}
	if req.System != "" {
		out.Messages = append(out.Messages, openaiMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, openaiMessage(m))
	}
	if req.JSONMode {
		out.ResponseFormat = &struct {
			Type string `json:"type"`
		}{Type: "json_object"}
	}
	return out
}

func (c *openaiClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	status, raw, err := c.completions.post(ctx, c.buildRequest(req))
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		apiErr := &APIError{Provider: c.provider, StatusCode: status, Message: string(raw)}
		var envelope openaiErrorResponse
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
			apiErr.Type = envelope.Error.Type
			apiErr.Message = envelope.Error.Message
		}
		return nil, apiErr
	}

	var oResp openaiResponse
	if err := json.Unmarshal(raw, &oResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(oResp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}

	choice := oResp.Choices[0]
	return &Response{
		Content:      stripThinkTags(choice.Message.Content),
		FinishReason: choice.FinishReason,
		TokensIn:     oResp.Usage.PromptTokens,
		TokensOut:    oResp.Usage.CompletionTokens,
		CachedTokens: oResp.Usage.PromptTokensDetails.CachedTokens,
		Model:        oResp.Model,
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func (c *openaiClient) GenerateJSON(ctx context.Context, req *Request, out any) error {
	r := *req
	r.JSONMode = true
	resp, err := c.Generate(ctx, &r)
	if err != nil {
		return err
	}
	return decodeAnswer(resp, out)
}

func (c *openaiClient) Provider() Provider { return c.provider }
func (c *openaiClient) Close() error       { return nil }

// MiniMax M2 models wrap chain-of-thought in <think> tags.
var thinkTagRe = regexp.MustCompile(`(?s)<think>.*?</think>`)

func stripThinkTags(content string) string {
	return strings.TrimSpace(thinkTagRe.ReplaceAllString(content, ""))
}
