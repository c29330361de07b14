package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/mo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"estateops.com/assistant/internal/audit"
	"estateops.com/assistant/internal/llm"
	"estateops.com/assistant/internal/tools"
)

const apologyMessage = "I'm sorry, I encountered an error while processing your request."

// Retriever is the part of RetrievalService the orchestrator needs.
type Retriever interface {
	Retrieve(ctx context.Context, tenantID string, q RetrieveQuery) mo.Result[[]RetrievedChunk]
}

// ToolRunner is satisfied by *tools.Registry.
type ToolRunner interface {
	Describe(scopes []string) string
	Execute(ctx context.Context, call tools.Call, userID, tenantID string, scopes []string, skipConfirmation bool) tools.Result
}

type OrchestratorConfig struct {
	MaxHistory    int
	TopK          int
	Temperature   float64
	MaxTokens     int
	SnippetLength int
}

type ChatRequest struct {
	UserID  string
	Scopes  []string
	Message string
	History []ChatMessage
	// ContextType is the UI area the user is in: properties, contacts, tasks, documents
	// or empty for general questions.
	ContextType   string
	SkipRetrieval bool
	EnableTools   bool
	// Confirmed skips the confirmation gate for a tool the model proposes.
	Confirmed bool
	// ConfirmedTool runs a previously proposed call directly, without asking the model
	// first.
	ConfirmedTool *tools.Call
}

// Orchestrator answers one chat turn: retrieve, prompt, call the model, optionally run
// one tool and call the model a second time.
type Orchestrator struct {
	retriever Retriever
	completer llm.Completer
	tools     ToolRunner
	sink      audit.Sink
	cfg       OrchestratorConfig
	logger    *slog.Logger
}

func NewOrchestrator(retriever Retriever, completer llm.Completer, tools ToolRunner, sink audit.Sink, cfg OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.NewLogSink(logger)
	}
	if cfg.MaxHistory < 0 {
		cfg.MaxHistory = 0
	}
	if cfg.SnippetLength <= 0 {
		cfg.SnippetLength = 200
	}
	return &Orchestrator{
		retriever: retriever,
		completer: completer,
		tools:     tools,
		sink:      sink,
		cfg:       cfg,
		logger:    logger,
	}
}

// Chat always returns a well-formed response. Internal failures, panics included, become
// an apology with the error text in Metadata["error"].
func (o *Orchestrator) Chat(ctx context.Context, tenantID string, req ChatRequest) (resp ChatResponse) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "orchestrator.chat")
	span.SetAttributes(attribute.String("tenant_id", tenantID), attribute.Bool("tools_enabled", req.EnableTools))
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			resp = o.failure(ctx, tenantID, req, fmt.Errorf("panic: %v", p), start)
		}
		if e, ok := resp.Metadata["error"].(string); ok {
			span.SetStatus(codes.Error, e)
		}
	}()

	resp, err := o.chat(ctx, tenantID, req, start)
	if err != nil {
		return o.failure(ctx, tenantID, req, err, start)
	}
	return resp
}

func (o *Orchestrator) chat(ctx context.Context, tenantID string, req ChatRequest, start time.Time) (ChatResponse, error) {
	if tenantID == "" {
		return ChatResponse{}, errors.New("tenant id is required")
	}

	var chunks []RetrievedChunk
	if !req.SkipRetrieval && req.Message != "" && o.retriever != nil {
		res := o.retriever.Retrieve(ctx, tenantID, RetrieveQuery{
			Query:      req.Message,
			TopK:       o.cfg.TopK,
			SourceType: sourceTypeFor(req.ContextType),
		})
		if res.IsError() {
			o.logger.Warn("retrieval failed, answering without context", "tenant_id", tenantID, "error", res.Error())
		} else {
			chunks = res.MustGet()
		}
	}

	toolsEnabled := req.EnableTools && o.tools != nil
	toolsJSON := "[]"
	if toolsEnabled {
		toolsJSON = o.tools.Describe(req.Scopes)
	}

	messages := []llm.Message{{Role: llm.RoleSystem, Content: buildSystemPrompt(chunks, toolsJSON, toolsEnabled)}}
	messages = append(messages, trimHistory(req.History, o.cfg.MaxHistory)...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: req.Message})

	resp := ChatResponse{
		Sources:  toSources(chunks, o.cfg.SnippetLength),
		Metadata: map[string]any{"chunks_retrieved": len(chunks), "tool_executed": false},
	}
	defer func() { resp.Metadata["elapsed_ms"] = time.Since(start).Milliseconds() }()

	if req.ConfirmedTool != nil {
		if o.tools == nil {
			return resp, errors.New("no tool registry configured")
		}
		call := *req.ConfirmedTool
		proposal, err := json.Marshal(map[string]any{"type": "tool", "name": call.Name, "args": call.Args})
		if err != nil {
			return resp, fmt.Errorf("failed to encode confirmed tool call: %w", err)
		}
		err = o.runTool(ctx, tenantID, req, call, true, messages, string(proposal), &resp)
		return resp, err
	}

	raw, err := o.complete(ctx, messages)
	if err != nil {
		return resp, err
	}

	switch d := ParseDecision(raw).(type) {
	case FinalDecision:
		resp.Message = d.Message
	case ToolDecision:
		if !toolsEnabled {
			resp.Message = raw
			break
		}
		if d.Name == "" {
			resp.Message = "I tried to run an action but the request did not name a tool. Please rephrase your request."
			break
		}
		err = o.runTool(ctx, tenantID, req, tools.Call{Name: d.Name, Args: d.Args}, req.Confirmed, messages, raw, &resp)
	case UnrecognizedDecision:
		o.logger.Warn("unrecognized model decision", "tenant_id", tenantID, "type", d.Type)
		resp.Message = fmt.Sprintf("I received a response of unrecognized type %q and could not act on it. Please try again.", d.Type)
	}
	return resp, err
}

func (o *Orchestrator) runTool(ctx context.Context, tenantID string, req ChatRequest, call tools.Call, skip bool, messages []llm.Message, proposal string, resp *ChatResponse) error {
	ctx, span := tracer.Start(ctx, "orchestrator.tool")
	span.SetAttributes(attribute.String("tool", call.Name))
	defer span.End()

	result := o.tools.Execute(ctx, call, req.UserID, tenantID, req.Scopes, skip)
	echo := &ToolCallEcho{Name: call.Name, Args: call.Args}
	resp.ToolCall = echo

	if result.RequiresConfirmation {
		echo.Args = result.Args
		resp.RequiresConfirmation = true
		resp.ConfirmationPrompt = result.ConfirmationPrompt
		resp.Message = result.ConfirmationPrompt
		return nil
	}
	if !result.Success {
		span.SetStatus(codes.Error, result.Error)
		echo.Error = result.Error
		resp.Message = fmt.Sprintf("I couldn't complete the %s action: %s", call.Name, result.Error)
		return nil
	}

	if result.Args != nil {
		echo.Args = result.Args
	}
	echo.Result = result.Data
	resp.Metadata["tool_executed"] = true
	if result.Mutating {
		e := audit.NewEvent(tenantID, req.UserID, audit.EventMutation, call.Name, audit.OutcomeSuccess, map[string]any{"args": echo.Args})
		if err := o.sink.Record(context.WithoutCancel(ctx), e); err != nil {
			o.logger.Error("failed to record audit event", "error", err)
		}
	}
	resp.UICommands = append(resp.UICommands, uiCommands(result.Data, o.logger)...)

	data, err := json.Marshal(result.Data)
	if err != nil {
		return fmt.Errorf("failed to encode %s result: %w", call.Name, err)
	}
	messages = append(messages,
		llm.Message{Role: llm.RoleAssistant, Content: proposal},
		llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf(toolResultTurn, data)},
	)

	raw, err := o.complete(ctx, messages)
	if err != nil {
		o.logger.Error("second model call failed after tool execution", "tenant_id", tenantID, "tool", call.Name, "error", err)
		o.record(ctx, tenantID, req, audit.EventTool, "summarize_tool_result", err)
		resp.Message = fmt.Sprintf("The %s action completed, but I couldn't summarize the result.", call.Name)
		resp.Metadata["error"] = err.Error()
		return nil
	}

	switch d := ParseDecision(raw).(type) {
	case FinalDecision:
		resp.Message = d.Message
	case ToolDecision:
		o.logger.Info("ignoring tool call in second pass", "tenant_id", tenantID, "tool", d.Name)
		resp.Message = raw
		resp.Metadata["second_tool_call_ignored"] = true
	case UnrecognizedDecision:
		resp.Message = raw
	}
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, messages []llm.Message) (string, error) {
	text, err := o.completer.Complete(ctx, messages, llm.Options{Temperature: o.cfg.Temperature, MaxTokens: o.cfg.MaxTokens})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	return text, nil
}

func (o *Orchestrator) failure(ctx context.Context, tenantID string, req ChatRequest, err error, start time.Time) ChatResponse {
	o.logger.Error("chat orchestration failed", "tenant_id", tenantID, "user_id", req.UserID, "error", err)
	o.record(ctx, tenantID, req, audit.EventChat, "orchestrate", err)
	return ChatResponse{
		Message: apologyMessage,
		Metadata: map[string]any{
			"error":      err.Error(),
			"elapsed_ms": time.Since(start).Milliseconds(),
		},
	}
}

func (o *Orchestrator) record(ctx context.Context, tenantID string, req ChatRequest, t audit.EventType, action string, cause error) {
	e := audit.NewEvent(tenantID, req.UserID, t, action, audit.OutcomeFailure, map[string]any{
		"message": req.Message,
		"error":   cause.Error(),
	})
	if err := o.sink.Record(context.WithoutCancel(ctx), e); err != nil {
		o.logger.Error("failed to record audit event", "error", err)
	}
}

// uiCommands reads "ui_command" (one) and "ui_commands" (many) from a tool payload.
func uiCommands(data any, logger *slog.Logger) []UICommand {
	if data == nil {
		return nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	var payload struct {
		One  *UICommand  `json:"ui_command"`
		Many []UICommand `json:"ui_commands"`
	}
	if err := json.Unmarshal(b, &payload); err != nil {
		// not an object
		return nil
	}
	var out []UICommand
	if payload.One != nil && payload.One.Type != "" {
		out = append(out, *payload.One)
	}
	for _, c := range payload.Many {
		if c.Type == "" {
			logger.Warn("dropping ui command without type")
			continue
		}
		out = append(out, c)
	}
	return out
}
