package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"estateops.com/assistant/internal/auth"
	"estateops.com/assistant/internal/core"
	"estateops.com/assistant/internal/store"
	"estateops.com/assistant/internal/tools"
)

type contextKey string

const callerKey contextKey = "caller"

const (
	ScopeKnowledgeRead   = "knowledge:read"
	ScopeKnowledgeWrite  = "knowledge:write"
	ScopePropertiesWrite = "properties:write"
	ScopeUsersWrite      = "users:write"
)

type APIHandler struct {
	chatService   *core.ChatService
	knowledge     Knowledge
	properties    Properties
	registry      *tools.Registry
	defaultScopes []string
	logger        *slog.Logger
}

func NewAPIHandler(cs *core.ChatService, knowledge Knowledge, properties Properties, registry *tools.Registry, defaultScopes []string, logger *slog.Logger) *APIHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIHandler{
		chatService:   cs,
		knowledge:     knowledge,
		properties:    properties,
		registry:      registry,
		defaultScopes: defaultScopes,
		logger:        logger,
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func callerFrom(ctx context.Context) core.Caller {
	c, _ := ctx.Value(callerKey).(core.Caller)
	return c
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		claims, err := auth.ValidateJWT(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		user, err := h.chatService.GetUserByExternalID(r.Context(), claims.Subject)
		if err != nil {
			h.logger.Error("failed to resolve user identity", "user_id", claims.Subject, "error", err)
			http.Error(w, "Failed to process user identity", http.StatusInternalServerError)
			return
		}
		if user == nil || user.TenantID != claims.TenantID {
			http.Error(w, "User not found", http.StatusUnauthorized)
			return
		}

		caller := core.Caller{
			UserID:     user.ID,
			ExternalID: user.ExternalUserID,
			TenantID:   user.TenantID,
			Scopes:     user.Scopes,
		}
		ctx := context.WithValue(r.Context(), callerKey, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func hasScope(scopes []string, scope string) bool {
	return slices.Contains(scopes, scope) || slices.Contains(scopes, tools.WildcardScope)
}

// RequireScope rejects callers that hold neither scope nor the wildcard.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !hasScope(callerFrom(r.Context()).Scopes, scope) {
				http.Error(w, "Missing scope "+scope, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type SignupRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

// SignupHandler registers a user in a tenant of their own. Joining an existing tenant
// goes through CreateUserHandler, called by one of its members.
func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.UserID == "" || req.Password == "" {
		http.Error(w, "User ID and password are required", http.StatusBadRequest)
		return
	}

	user, status := h.createUser(r.Context(), req.UserID, uuid.NewString(), h.defaultScopes, req.Password)
	if user == nil {
		http.Error(w, http.StatusText(status), status)
		return
	}
	respondJSON(w, http.StatusCreated, user)
}

type CreateUserRequest struct {
	UserID   string   `json:"user_id"`
	Password string   `json:"password"`
	Scopes   []string `json:"scopes,omitempty"`
}

// CreateUserHandler adds a user to the caller's tenant. The new user gets the default
// scopes unless others are named, and never a scope the caller lacks.
func (h *APIHandler) CreateUserHandler(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())

	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Password == "" {
		http.Error(w, "User ID and password are required", http.StatusBadRequest)
		return
	}
	scopes := req.Scopes
	if scopes == nil {
		scopes = h.defaultScopes
	}
	for _, sc := range scopes {
		if !hasScope(caller.Scopes, sc) {
			http.Error(w, "Cannot grant scope "+sc, http.StatusForbidden)
			return
		}
	}

	user, status := h.createUser(r.Context(), req.UserID, caller.TenantID, scopes, req.Password)
	if user == nil {
		http.Error(w, http.StatusText(status), status)
		return
	}
	h.logger.Info("user added to tenant", "tenant_id", caller.TenantID, "user_id", req.UserID, "by", caller.ExternalID)
	respondJSON(w, http.StatusCreated, user)
}

// createUser returns the new user, or nil and the status to answer with.
func (h *APIHandler) createUser(ctx context.Context, externalID, tenantID string, scopes []string, password string) (*store.User, int) {
	existing, err := h.chatService.GetUserByExternalID(ctx, externalID)
	if err != nil {
		h.logger.Error("failed to look up user", "user_id", externalID, "error", err)
		return nil, http.StatusInternalServerError
	}
	if existing != nil {
		return nil, http.StatusConflict
	}

	hashedPassword, err := auth.HashPassword(password)
	if err != nil {
		h.logger.Error("failed to hash password", "user_id", externalID, "error", err)
		return nil, http.StatusInternalServerError
	}

	user, err := h.chatService.CreateUser(ctx, externalID, tenantID, scopes, hashedPassword)
	if err != nil {
		h.logger.Error("failed to create user", "user_id", externalID, "error", err)
		return nil, http.StatusInternalServerError
	}
	return user, http.StatusCreated
}

type LoginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.UserID == "" || req.Password == "" {
		http.Error(w, "User ID and password are required", http.StatusBadRequest)
		return
	}

	user, err := h.chatService.GetUserByExternalID(r.Context(), req.UserID)
	if err != nil {
		h.logger.Error("failed to get user", "user_id", req.UserID, "error", err)
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	if user == nil || !auth.CheckPasswordHash(req.Password, user.PasswordHash) {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := auth.GenerateJWT(user.ExternalUserID, user.TenantID, user.Scopes)
	if err != nil {
		h.logger.Error("failed to generate token", "user_id", req.UserID, "error", err)
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"token": token})
}

type CreateChatRequest struct {
	FirstMessage *string `json:"first_message,omitempty"`
	ContextType  string  `json:"context_type,omitempty"`
	EnableTools  bool    `json:"enable_tools,omitempty"`
}

type CreateChatResponse struct {
	*store.Chat
	Messages []store.Message `json:"messages,omitempty"`
}

func (h *APIHandler) CreateChatHandler(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())

	var req CreateChatRequest
	if r.Body != nil && r.Body != http.NoBody {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	var first *core.MessageOptions
	if req.FirstMessage != nil && *req.FirstMessage != "" {
		first = &core.MessageOptions{Content: *req.FirstMessage, ContextType: req.ContextType, EnableTools: req.EnableTools}
	}

	chat, messages, err := h.chatService.CreateChat(context.WithoutCancel(r.Context()), caller, first)
	if err != nil {
		h.logger.Error("failed to create chat", "user_id", caller.UserID, "error", err)
		http.Error(w, "Failed to create chat", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusCreated, CreateChatResponse{Chat: chat, Messages: messages})
}

func (h *APIHandler) ListChatsHandler(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())

	chats, err := h.chatService.GetChats(r.Context(), caller.UserID)
	if err != nil {
		h.logger.Error("failed to list chats", "user_id", caller.UserID, "error", err)
		http.Error(w, "Failed to list chats", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, chats)
}

type GetChatDetailsResponse struct {
	*store.Chat
	Messages []store.Message `json:"messages"`
}

func (h *APIHandler) GetChatDetailsHandler(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	chatID := chi.URLParam(r, "chatID")

	chat, messages, err := h.chatService.GetChatDetails(r.Context(), chatID, caller.UserID)
	if errors.Is(err, core.ErrChatNotFound) {
		http.Error(w, "Chat not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to get chat details", "user_id", caller.UserID, "chat_id", chatID, "error", err)
		http.Error(w, "Failed to get chat details", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, GetChatDetailsResponse{Chat: chat, Messages: messages})
}

type PostMessageRequest struct {
	Content       string      `json:"content"`
	ContextType   string      `json:"context_type,omitempty"`
	EnableTools   bool        `json:"enable_tools,omitempty"`
	Confirmed     bool        `json:"confirmed,omitempty"`
	ConfirmedTool *tools.Call `json:"confirmed_tool,omitempty"`
}

type PostMessageResponse struct {
	*store.Message
	Response *core.ChatResponse `json:"response"`
}

func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	chatID := chi.URLParam(r, "chatID")

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Content == "" && req.ConfirmedTool == nil {
		http.Error(w, "Message content cannot be empty", http.StatusBadRequest)
		return
	}

	// Model and tool calls keep running if the client goes away.
	ctx := context.WithoutCancel(r.Context())
	msg, resp, err := h.chatService.PostMessage(ctx, caller, chatID, core.MessageOptions{
		Content:       req.Content,
		ContextType:   req.ContextType,
		EnableTools:   req.EnableTools,
		Confirmed:     req.Confirmed,
		ConfirmedTool: req.ConfirmedTool,
	})
	if err != nil {
		if errors.Is(err, core.ErrChatNotFound) {
			http.Error(w, "Chat not found", http.StatusNotFound)
		} else {
			h.logger.Error("failed to post message", "user_id", caller.UserID, "chat_id", chatID, "error", err)
			http.Error(w, "Failed to post message", http.StatusInternalServerError)
		}
		return
	}
	respondJSON(w, http.StatusOK, PostMessageResponse{Message: msg, Response: resp})
}

type FeedbackRequest struct {
	Negative bool `json:"negative"`
}

func (h *APIHandler) MessageFeedbackHandler(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	messageID := chi.URLParam(r, "messageID")

	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	err := h.chatService.SetMessageFeedback(r.Context(), messageID, caller.UserID, req.Negative)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Message not found", http.StatusNotFound)
		} else {
			h.logger.Error("failed to set feedback", "message_id", messageID, "user_id", caller.UserID, "error", err)
			http.Error(w, "Failed to set feedback", http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) ListToolsHandler(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	descs := h.registry.Permitted(caller.Scopes)
	if descs == nil {
		descs = []tools.Description{}
	}
	respondJSON(w, http.StatusOK, descs)
}
