package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"estateops.com/assistant/internal/llm"
	"estateops.com/assistant/internal/store"
	"estateops.com/assistant/internal/tools"
)

const titleInstruction = "You generate concise titles for chat conversations. Reply with the title only, without quotes or punctuation at the end."

// Caller is the authenticated principal a chat runs for.
type Caller struct {
	UserID     int64
	ExternalID string
	TenantID   string
	Scopes     []string
}

// MessageOptions carries one user turn and how it should be answered.
type MessageOptions struct {
	Content       string
	ContextType   string
	EnableTools   bool
	Confirmed     bool
	ConfirmedTool *tools.Call
}

// ChatService persists conversations around the Orchestrator.
type ChatService struct {
	dbStore      *store.SQLiteStore
	orchestrator *Orchestrator
	titles       llm.Completer // For title generation
	maxHistory   int
	logger       *slog.Logger
}

func NewChatService(db *store.SQLiteStore, orchestrator *Orchestrator, titles llm.Completer, maxHistory int, logger *slog.Logger) *ChatService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatService{
		dbStore:      db,
		orchestrator: orchestrator,
		titles:       titles,
		maxHistory:   maxHistory,
		logger:       logger,
	}
}

func (s *ChatService) GetUserByExternalID(ctx context.Context, externalUserID string) (*store.User, error) {
	return s.dbStore.GetUserByExternalID(ctx, externalUserID)
}

func (s *ChatService) CreateUser(ctx context.Context, externalUserID, tenantID string, scopes []string, passwordHash string) (*store.User, error) {
	return s.dbStore.CreateUser(ctx, externalUserID, tenantID, scopes, passwordHash)
}

func (s *ChatService) CreateChat(ctx context.Context, caller Caller, firstMessage *MessageOptions) (*store.Chat, []store.Message, error) {
	chat, err := s.dbStore.CreateChat(ctx, caller.UserID, caller.TenantID, nil) // Title will be generated later
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create chat in DB: %w", err)
	}
	if firstMessage == nil || firstMessage.Content == "" {
		return chat, nil, nil
	}

	userMsg, assistantMsg, _, err := s.exchange(ctx, caller, chat, *firstMessage)
	if err != nil {
		s.logger.Error("failed to answer first message of new chat", "chat_id", chat.ID, "error", err)
		return chat, nil, nil
	}
	return chat, []store.Message{*userMsg, *assistantMsg}, nil
}

func (s *ChatService) GetChats(ctx context.Context, userID int64) ([]store.Chat, error) {
	return s.dbStore.GetChatsByUserID(ctx, userID)
}

func (s *ChatService) GetChatDetails(ctx context.Context, chatID string, userID int64) (*store.Chat, []store.Message, error) {
	chat, err := s.dbStore.GetChatByID(ctx, chatID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrChatNotFound
		}
		return nil, nil, fmt.Errorf("failed to get chat: %w", err)
	}

	messages, err := s.dbStore.GetMessagesByChatID(ctx, chatID, 100, 0) // Get up to 100 messages
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get messages for chat: %w", err)
	}
	return chat, messages, nil
}

// PostMessage stores the user turn, answers it and stores the answer.
func (s *ChatService) PostMessage(ctx context.Context, caller Caller, chatID string, opts MessageOptions) (*store.Message, *ChatResponse, error) {
	chat, err := s.dbStore.GetChatByID(ctx, chatID, caller.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrChatNotFound
		}
		return nil, nil, fmt.Errorf("failed to verify chat: %w", err)
	}
	if chat.TenantID != caller.TenantID {
		return nil, nil, ErrChatNotFound
	}

	_, assistantMsg, resp, err := s.exchange(ctx, caller, chat, opts)
	if err != nil {
		return nil, nil, err
	}
	return assistantMsg, resp, nil
}

func (s *ChatService) exchange(ctx context.Context, caller Caller, chat *store.Chat, opts MessageOptions) (*store.Message, *store.Message, *ChatResponse, error) {
	history, err := s.history(ctx, chat.ID)
	if err != nil {
		s.logger.Warn("proceeding without chat history", "chat_id", chat.ID, "error", err)
	}

	userMsg := store.Message{ChatID: chat.ID, Sender: store.SenderUser, Content: opts.Content}
	if opts.ConfirmedTool != nil && userMsg.Content == "" {
		userMsg.Content = fmt.Sprintf("Confirmed: %s", opts.ConfirmedTool.Name)
	}
	if err := s.dbStore.CreateMessage(ctx, &userMsg); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to store user message: %w", err)
	}

	resp := s.orchestrator.Chat(ctx, chat.TenantID, ChatRequest{
		UserID:        caller.ExternalID,
		Scopes:        caller.Scopes,
		Message:       userMsg.Content,
		History:       history,
		ContextType:   opts.ContextType,
		EnableTools:   opts.EnableTools,
		Confirmed:     opts.Confirmed,
		ConfirmedTool: opts.ConfirmedTool,
	})

	assistantMsg := store.Message{ChatID: chat.ID, Sender: store.SenderAssistant, Content: resp.Message}
	details, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn("failed to encode response details", "chat_id", chat.ID, "error", err)
	} else {
		assistantMsg.Details = details
	}
	if err := s.dbStore.CreateMessage(ctx, &assistantMsg); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to store assistant message: %w", err)
	}

	if chat.Title == nil || *chat.Title == "" {
		go s.generateAndSaveChatTitle(context.WithoutCancel(ctx), chat.ID, caller.UserID, userMsg.Content)
	}
	return &userMsg, &assistantMsg, &resp, nil
}

func (s *ChatService) history(ctx context.Context, chatID string) ([]ChatMessage, error) {
	if s.maxHistory <= 0 {
		return nil, nil
	}
	msgs, err := s.dbStore.GetLastNMessagesByChatID(ctx, chatID, s.maxHistory)
	if err != nil {
		return nil, err
	}
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ChatMessage{Role: m.Sender, Content: m.Content, Timestamp: m.Timestamp})
	}
	return out, nil
}

func (s *ChatService) generateAndSaveChatTitle(ctx context.Context, chatID string, userID int64, basisContent string) {
	if s.titles == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	title, err := s.titles.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: titleInstruction},
		{Role: llm.RoleUser, Content: fmt.Sprintf("Generate a very concise title (3-5 words maximum) for a conversation that starts with or is about: %q.", basisContent)},
	}, llm.Options{Temperature: 0.2, MaxTokens: 20})
	if err != nil {
		s.logger.Warn("failed to generate chat title", "chat_id", chatID, "error", err)
		return
	}
	title = strings.Trim(title, "\"'\n\r\t .")
	if title == "" {
		return
	}

	if err := s.dbStore.UpdateChatTitle(ctx, chatID, userID, title); err != nil {
		s.logger.Warn("failed to save chat title", "chat_id", chatID, "title", title, "error", err)
		return
	}
	s.logger.Debug("chat title saved", "chat_id", chatID, "title", title)
}

func (s *ChatService) SetMessageFeedback(ctx context.Context, messageID string, userID int64, negative bool) error {
	return s.dbStore.UpdateMessageFeedback(ctx, messageID, userID, negative)
}
