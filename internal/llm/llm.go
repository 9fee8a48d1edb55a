package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the provider-neutral request. A zero Temperature or
// MaxTokens leaves the provider default in place.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type ChatResponse struct {
	Content      string
	Model        string
	FinishReason string
}

type StreamHandler func(delta string) error

type Client interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	ChatStream(ctx context.Context, req ChatRequest, handle StreamHandler) (ChatResponse, error)
	// Stream starts a streaming completion and returns once the upstream
	// has accepted the request. The caller owns the returned stream.
	Stream(ctx context.Context, req ChatRequest) (*Stream, error)
}

const (
	TypeOpenAI    = "openai"
	TypeAnthropic = "anthropics"
	TypeGemini    = "gemini"
)

type ProviderConfig struct {
	Type    string
	BaseURL string
	Token   string
	Model   string
	Timeout time.Duration
}

// New builds the client for cfg.Type. An empty type selects the
// OpenAI-compatible client.
func New(cfg ProviderConfig) (Client, error) {
	httpClient := &http.Client{Timeout: cfg.Timeout}
	switch strings.TrimSpace(cfg.Type) {
	case "", TypeOpenAI:
		return NewOpenAIClient(OpenAIConfig{
			BaseURL:    cfg.BaseURL,
			Token:      cfg.Token,
			Model:      cfg.Model,
			HTTPClient: httpClient,
		})
	case TypeAnthropic:
		return NewAnthropicClient(AnthropicConfig{
			BaseURL:    cfg.BaseURL,
			Token:      cfg.Token,
			Model:      cfg.Model,
			HTTPClient: httpClient,
		})
	case TypeGemini:
		return NewGeminiClient(GeminiConfig{
			BaseURL:    cfg.BaseURL,
			Token:      cfg.Token,
			Model:      cfg.Model,
			HTTPClient: httpClient,
		})
	default:
		return nil, fmt.Errorf("unsupported llm.type: %s", cfg.Type)
	}
}

func resolveModel(model, override string) string {
	if strings.TrimSpace(override) == "" {
		return model
	}
	return override
}
