package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const (
	providerAnthropic = "anthropic"

	defaultAnthropicVersion   = "2023-06-01"
	defaultAnthropicMaxTokens = 1024
)

type AnthropicConfig struct {
	BaseURL    string
	Token      string
	Model      string
	Version    string
	MaxTokens  int
	HTTPClient *http.Client
}

type AnthropicClient struct {
	baseURL    string
	token      string
	model      string
	version    string
	maxTokens  int
	httpClient *http.Client
}

func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("anthropic base url is required")
	}
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("anthropic token is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, errors.New("anthropic model is required")
	}
	version := strings.TrimSpace(cfg.Version)
	if version == "" {
		version = defaultAnthropicVersion
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &AnthropicClient{
		baseURL:    baseURL,
		token:      token,
		model:      model,
		version:    version,
		maxTokens:  maxTokens,
		httpClient: client,
	}, nil
}

func (c *AnthropicClient) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	payload := c.buildRequest(req, false)
	var resp anthropicChatResponse
	if err := c.do(ctx, payload, &resp); err != nil {
		return ChatResponse{}, err
	}
	return ChatResponse{
		Content:      flattenAnthropicContent(resp.Content),
		Model:        resp.Model,
		FinishReason: resp.StopReason,
	}, nil
}

func (c *AnthropicClient) ChatStream(ctx context.Context, req ChatRequest, handle StreamHandler) (ChatResponse, error) {
	stream, err := c.Stream(ctx, req)
	if err != nil {
		return ChatResponse{}, err
	}
	return collect(stream, handle)
}

// Stream opens a Messages API stream. Anthropic sends no done marker; the
// stream ends with the response body.
func (c *AnthropicClient) Stream(ctx context.Context, req ChatRequest) (*Stream, error) {
	return openEventStream(ctx, c.httpClient, streamRequest{
		provider: providerAnthropic,
		endpoint: buildAnthropicEndpoint(c.baseURL),
		headers:  c.headers(),
		payload:  c.buildRequest(req, true),
		decode:   decodeAnthropicEvent,
	})
}

func (c *AnthropicClient) buildRequest(req ChatRequest, stream bool) anthropicChatRequest {
	messages, system := splitAnthropicMessages(req.Messages)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	return anthropicChatRequest{
		Model:       resolveModel(c.model, req.Model),
		Messages:    messages,
		System:      system,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

func (c *AnthropicClient) headers() map[string]string {
	return map[string]string{
		"x-api-key":         c.token,
		"anthropic-version": c.version,
	}
}

func (c *AnthropicClient) do(ctx context.Context, payload anthropicChatRequest, out *anthropicChatResponse) error {
	requestBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	endpoint := buildAnthropicEndpoint(c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(requestBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for key, value := range c.headers() {
		httpReq.Header.Set(key, value)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &UpstreamError{Provider: providerAnthropic, Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < http.StatusOK || httpResp.StatusCode >= http.StatusMultipleChoices {
		return readUpstreamError(providerAnthropic, httpResp.Body, httpResp.StatusCode)
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if out.Error != nil {
		return fmt.Errorf("anthropic error: %s", out.Error.Message)
	}
	return nil
}

func decodeAnthropicEvent(data []byte) (streamEvent, error) {
	var event anthropicStreamEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return streamEvent{}, err
	}
	switch event.Type {
	case "error":
		message := "unknown error"
		if event.Error != nil {
			message = event.Error.Message
		}
		return streamEvent{}, &EventError{Provider: providerAnthropic, Message: message}
	case "message_start":
		if event.Message != nil {
			return streamEvent{Model: event.Message.Model}, nil
		}
	case "message_delta":
		reason := event.StopReason
		if event.Delta != nil && event.Delta.StopReason != "" {
			reason = event.Delta.StopReason
		}
		return streamEvent{FinishReason: reason}, nil
	case "content_block_delta":
		if event.Delta != nil {
			return streamEvent{Delta: event.Delta.Text}, nil
		}
	}
	return streamEvent{}, nil
}

func buildAnthropicEndpoint(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if strings.HasSuffix(base, "/v1") {
		return base + "/messages"
	}
	return base + "/v1/messages"
}

// splitAnthropicMessages lifts a leading system message into the
// top-level system field, which is where the Messages API expects it.
func splitAnthropicMessages(messages []Message) ([]Message, string) {
	if len(messages) == 0 {
		return messages, ""
	}
	first := messages[0]
	if first.Role != RoleSystem {
		return messages, ""
	}
	return messages[1:], first.Content
}

func flattenAnthropicContent(blocks []anthropicContent) string {
	var builder strings.Builder
	for _, block := range blocks {
		if block.Type != "text" {
			continue
		}
		builder.WriteString(block.Text)
	}
	return builder.String()
}

type anthropicChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type anthropicChatResponse struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type anthropicStreamEvent struct {
	Type       string          `json:"type"`
	Message    *anthropicEvent `json:"message,omitempty"`
	Delta      *anthropicDelta `json:"delta,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
	Error      *anthropicError `json:"error,omitempty"`
}

type anthropicEvent struct {
	Model string `json:"model"`
}

type anthropicDelta struct {
	Text       string `json:"text"`
	StopReason string `json:"stop_reason"`
}
