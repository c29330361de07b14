// Package llm sends an ordered message list to a language model and returns its text.
package llm

import (
	"context"
	"errors"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var ErrEmptyResponse = errors.New("llm: empty response")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Options struct {
	Temperature float64
	MaxTokens   int
}

// Completer is the chat completion gateway.
type Completer interface {
	Complete(ctx context.Context, messages []Message, opts Options) (string, error)
}
