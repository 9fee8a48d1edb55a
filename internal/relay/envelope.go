package relay

import (
	"bytes"
	"encoding/json"
	"fmt"

	"portfolio-relay/internal/llm"
)

// HistoryWindow is the number of most recent caller messages forwarded
// upstream.
const HistoryWindow = 20

const (
	Temperature = 0.7
	MaxTokens   = 1024
)

// ParseHistory decodes the raw "messages" field of a chat request. The field
// must be a non-empty JSON array of {role, content} objects.
func ParseHistory(raw json.RawMessage) ([]llm.Message, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, ErrInvalidInput
	}
	var history []llm.Message
	if err := json.Unmarshal(raw, &history); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if len(history) == 0 {
		return nil, ErrInvalidInput
	}
	return history, nil
}

// NormalizeRole maps a caller role onto the two roles the upstream accepts
// for conversation turns. Anything that is not a human turn is treated as an
// assistant turn.
func NormalizeRole(role string) string {
	switch role {
	case llm.RoleUser, "human":
		return llm.RoleUser
	default:
		return llm.RoleAssistant
	}
}

// BuildEnvelope keeps the last HistoryWindow messages of history, coerces
// their roles and prepends the instruction message.
func BuildEnvelope(instruction string, history []llm.Message) llm.ChatRequest {
	if len(history) > HistoryWindow {
		history = history[len(history)-HistoryWindow:]
	}
	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, llm.Message{
		Role:    llm.RoleSystem,
		Content: instruction,
	})
	for _, message := range history {
		messages = append(messages, llm.Message{
			Role:    NormalizeRole(message.Role),
			Content: message.Content,
		})
	}
	return llm.ChatRequest{
		Messages:    messages,
		Temperature: Temperature,
		MaxTokens:   MaxTokens,
	}
}
