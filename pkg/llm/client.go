// Package llm is a minimal chat-completion client used by LLM-backed judges.
package llm

import (
	"context"
)

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Client interface {
	Chat(ctx context.Context, messages []Message, options *SamplingOptions) (*Response, error)
}

type SamplingOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	Seed        int64   `json:"seed"`
	MaxTokens   int     `json:"max_tokens"`
	// JSONMode asks the provider to return a single JSON object.
	JSONMode bool `json:"json_mode"`
}

type Response struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
	Usage   Usage  `json:"usage"`
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, messages []Message, options *SamplingOptions) (*Response, error)

func (f ClientFunc) Chat(ctx context.Context, messages []Message, options *SamplingOptions) (*Response, error) {
	return f(ctx, messages, options)
}
