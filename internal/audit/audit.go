// Package audit records structured events about failed or sensitive operations.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventChat     EventType = "CHAT"
	EventTool     EventType = "TOOL"
	EventMutation EventType = "MUTATION"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

type Event struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	ActorID   string         `json:"actor_id"`
	Type      EventType      `json:"type"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Outcome   string         `json:"outcome"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewEvent fills in the id and timestamp.
func NewEvent(tenantID, actorID string, eventType EventType, action, outcome string, metadata map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		ActorID:   actorID,
		Type:      eventType,
		Action:    action,
		Outcome:   outcome,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
}

type Sink interface {
	Record(ctx context.Context, e Event) error
}

// LogSink writes events as structured log records under the "audit" group.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (l *LogSink) Record(ctx context.Context, e Event) error {
	level := slog.LevelInfo
	if e.Outcome == OutcomeFailure {
		level = slog.LevelWarn
	}
	l.logger.LogAttrs(ctx, level, "AUDIT",
		slog.Group("audit",
			slog.String("id", e.ID),
			slog.String("tenant_id", e.TenantID),
			slog.String("actor_id", e.ActorID),
			slog.String("type", string(e.Type)),
			slog.String("action", e.Action),
			slog.String("resource", e.Resource),
			slog.String("outcome", e.Outcome),
			slog.Time("timestamp", e.Timestamp),
			slog.Any("metadata", e.Metadata),
		),
	)
	return nil
}

// Multi records to every sink and joins their errors.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
