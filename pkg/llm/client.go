// Package llm provides a unified interface for interacting with LLM providers.
// It supports Claude and OpenAI-compatible APIs with automatic retries.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Provider represents an LLM provider.
type Provider string

const (
	OpenAI  Provider = "openai"
	Claude  Provider = "claude"
	MiniMax Provider = "minimax"
)

// Config holds configuration for an LLM client.
type Config struct {
	Provider    Provider      `yaml:"provider" json:"provider" env:"LLM_PROVIDER"`
	Model       string        `yaml:"model" json:"model" env:"LLM_MODEL"`
	APIKey      string        `yaml:"api_key" json:"api_key" env:"LLM_API_KEY"`
	BaseURL     string        `yaml:"base_url" json:"base_url" env:"LLM_BASE_URL"`
	MaxRetries  int           `yaml:"max_retries" json:"max_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay" json:"retry_delay"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	MaxTokens   int           `yaml:"max_tokens" json:"max_tokens"`
	Temperature float64       `yaml:"temperature" json:"temperature"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Provider:    Claude,
		Model:       "claude-sonnet-4-5",
		MaxRetries:  3,
		RetryDelay:  500 * time.Millisecond,
		Timeout:     5 * time.Minute,
		MaxTokens:   8192,
		Temperature: 0.2,
	}
}

// Client is the unified interface for LLM interactions.
type Client interface {
	// Generate sends a prompt and returns the LLM response.
	Generate(ctx context.Context, req *Request) (*Response, error)

	// GenerateJSON sends a prompt and unmarshals the JSON response into out.
	GenerateJSON(ctx context.Context, req *Request, out any) error

	// Provider returns the name of the provider.
	Provider() Provider

	// Close releases any resources held by the client.
	Close() error
}

// Message represents a single message in a conversation.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Request holds the parameters for an LLM generation request.
type Request struct {
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	JSONMode    bool      `json:"json_mode,omitempty"`
	// CacheSystem asks the provider to cache the system prompt when it is
	// repeated across calls.
	CacheSystem bool `json:"cache_system,omitempty"`
}

// Response holds the result of an LLM generation.
type Response struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	TokensIn     int    `json:"tokens_in"`
	TokensOut    int    `json:"tokens_out"`
	CachedTokens int    `json:"cached_tokens,omitempty"`
	Model        string `json:"model"`
	LatencyMs    int64  `json:"latency_ms"`
}

// Truncated reports whether generation stopped at the token limit.
func (r *Response) Truncated() bool {
	return r.FinishReason == "max_tokens" || r.FinishReason == "length"
}

// ErrTruncated is returned when a JSON answer was cut off by the token limit.
var ErrTruncated = errors.New("llm: answer truncated at token limit")

func decodeAnswer(resp *Response, out any) error {
	if err := DecodeJSON(resp.Content, out); err != nil {
		if resp.Truncated() {
			return fmt.Errorf("%w (%d tokens out)", ErrTruncated, resp.TokensOut)
		}
		return err
	}
	return nil
}

// APIError is a non-2xx answer from a provider.
type APIError struct {
	Provider   Provider
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s API error (%d %s): %s", e.Provider, e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("%s API error (%d): %s", e.Provider, e.StatusCode, e.Message)
}

// Temporary reports whether the request may succeed if repeated.
func (e *APIError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode == 408 || e.StatusCode >= 500
}

// ErrMissingAPIKey is returned by NewClient for hosted providers without a key.
var ErrMissingAPIKey = errors.New("llm: API key is required")

// NewClient creates a new LLM client based on the provided config.
func NewClient(cfg Config) (Client, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}

	switch cfg.Provider {
	case OpenAI:
		return newOpenAIClient(cfg, OpenAI)
	case Claude, "":
		return newClaudeClient(cfg)
	case MiniMax:
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://api.minimax.io/v1"
		}
		return newOpenAIClient(cfg, MiniMax)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}

// DecodeJSON unmarshals a model answer into out, tolerating markdown code
// fences and reasoning blocks around the JSON document.
func DecodeJSON(content string, out any) error {
	s := stripThinkTags(content)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.LastIndex(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	s = strings.TrimSpace(s)
	if start := strings.IndexAny(s, "{["); start > 0 {
		s = s[start:]
	}
	if err := json.Unmarshal([]byte(s), out); err != nil {
		return fmt.Errorf("failed to unmarshal JSON response: %w", err)
	}
	return nil
}
