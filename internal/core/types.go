package core

import (
	"errors"
	"time"
)

var ErrChatNotFound = errors.New("chat not found")

// SourceType is the closed set of knowledge source kinds.
type SourceType string

const (
	SourceDocs   SourceType = "docs"
	SourceSchema SourceType = "schema"
	SourceEntity SourceType = "entity"
)

func (t SourceType) Valid() bool {
	switch t {
	case SourceDocs, SourceSchema, SourceEntity:
		return true
	}
	return false
}

// DocumentChunk is an immutable unit of ingested text owned by exactly one tenant.
type DocumentChunk struct {
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	Source     string         `json:"source"`
	SourceType SourceType     `json:"source_type"`
	Section    string         `json:"section,omitempty"`
	ChunkIndex int            `json:"chunk_index"`
	TenantID   string         `json:"tenant_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// RetrievedChunk lives for one retrieval call only.
type RetrievedChunk struct {
	DocumentChunk
	Score float64 `json:"score"`
}

type ChatMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type Source struct {
	ChunkID    string     `json:"chunk_id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	Score      float64    `json:"score"`
	SourceType SourceType `json:"source_type"`
}

// ToolCallEcho reports the tool call made while answering.
type ToolCallEcho struct {
	Name   string         `json:"name"`
	Args   map[string]any `json:"args"`
	Result any            `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// UICommand is an instruction for the client, e.g. "navigate" or "show_toast".
type UICommand struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type ChatResponse struct {
	Message              string         `json:"message"`
	Sources              []Source       `json:"sources,omitempty"`
	ToolCall             *ToolCallEcho  `json:"tool_call,omitempty"`
	UICommands           []UICommand    `json:"ui_commands,omitempty"`
	RequiresConfirmation bool           `json:"requires_confirmation,omitempty"`
	ConfirmationPrompt   string         `json:"confirmation_prompt,omitempty"`
	Metadata             map[string]any `json:"metadata,omitempty"`
}
