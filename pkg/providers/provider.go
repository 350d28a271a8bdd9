// Package providers wraps the LLM backends used for planning, evaluation,
// and evidence analysis. The rest of the engine treats these as opaque
// collaborators: messages in, text out, errors classified into tagged types
// instead of prose to be parsed.
package providers

import (
	"context"
	"strings"
)

// Message is one turn in a conversation.
type Message struct {
	Role    string `json:"role"` // "system", "user", or "assistant"
	Content string `json:"content"`
}

// UsageInfo reports token accounting for one call.
type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// LLMResponse is a provider-neutral completion result.
type LLMResponse struct {
	Content string     `json:"content"`
	Usage   *UsageInfo `json:"usage,omitempty"`
}

// Options tunes a single call. Zero values mean provider defaults.
type Options struct {
	Temperature *float64
	MaxTokens   int
	JSONOutput  bool
}

// Provider is a chat-completion backend.
type Provider interface {
	Chat(ctx context.Context, messages []Message, model string, opts Options) (*LLMResponse, error)
	GetDefaultModel() string
}

// ResolveProvider maps a model name to the backend that serves it.
func ResolveProvider(model string) string {
	lowered := strings.ToLower(model)
	if strings.Contains(lowered, "claude") || strings.HasPrefix(model, "anthropic/") {
		return "anthropic"
	}
	return "openai"
}
