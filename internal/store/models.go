package store

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("store: not found")
	ErrAlreadyArchived = errors.New("store: property already archived")
)

type User struct {
	ID             int64     `json:"id"`
	ExternalUserID string    `json:"external_user_id"`
	TenantID       string    `json:"tenant_id"`
	Scopes         []string  `json:"scopes"`
	PasswordHash   string    `json:"-"` // Do not expose this in JSON responses
	CreatedAt      time.Time `json:"created_at"`
}

type Chat struct {
	ID        string    `json:"id"` // Using UUID for external ID
	UserID    int64     `json:"user_id"`
	TenantID  string    `json:"tenant_id"`
	Title     *string   `json:"title"` // Nullable
	CreatedAt time.Time `json:"created_at"`
}

const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

type Message struct {
	ID      string `json:"id"` // Using UUID for external ID
	ChatID  string `json:"chat_id"`
	Sender  string `json:"sender"` // "user" or "assistant"
	Content string `json:"content"`
	// Details holds the rest of the assistant response: sources, tool call, UI commands.
	Details          json.RawMessage `json:"details,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
	NegativeFeedback bool            `json:"negative_feedback"`
}

const (
	PropertyActive   = "active"
	PropertyArchived = "archived"
)

type Property struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	Title      string     `json:"title"`
	Status     string     `json:"status"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	ArchivedBy string     `json:"archived_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
