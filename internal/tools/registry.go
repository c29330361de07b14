// Package tools is the catalog of operations the assistant may invoke on a caller's
// behalf.
//
// A Registry is built once at startup, sealed, and then shared read-only by every
// request. Execute never returns an error: unknown tools, missing scopes, invalid
// arguments, failed guards and executor errors all come back as a failed Result.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// WildcardScope grants every tool.
const WildcardScope = "*"

var (
	ErrSealed    = errors.New("tools: registry is sealed")
	ErrDuplicate = errors.New("tools: tool already registered")
)

const openObjectSchema = `{"type":"object"}`

// Invocation is what an executor receives once every check has passed.
type Invocation struct {
	Args     map[string]any
	UserID   string
	TenantID string
	Scopes   []string
}

type Executor func(ctx context.Context, inv Invocation) (any, error)

// Tool describes one registered operation.
type Tool struct {
	Name        string
	Description string
	// Schema is a JSON Schema for the argument object. Empty accepts any object.
	Schema string
	// Scope is required of the caller. Empty means any authenticated caller.
	Scope    string
	Mutating bool
	// Guard is an optional CEL expression over args, user_id, tenant_id and scopes that
	// must evaluate to true before the tool runs.
	Guard   string
	Prompt  func(args map[string]any) string
	Execute Executor
}

// Call is a model-proposed invocation.
type Call struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type Result struct {
	Success              bool           `json:"success"`
	Data                 any            `json:"data,omitempty"`
	Error                string         `json:"error,omitempty"`
	RequiresConfirmation bool           `json:"requires_confirmation,omitempty"`
	ConfirmationPrompt   string         `json:"confirmation_prompt,omitempty"`
	Args                 map[string]any `json:"args,omitempty"`
	// Mutating is set when a side-effecting tool actually ran.
	Mutating bool `json:"mutating,omitempty"`
}

func failed(format string, a ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, a...)}
}

// Description is the prompt-facing view of a tool.
type Description struct {
	Name                 string          `json:"name"`
	Description          string          `json:"description"`
	Parameters           json.RawMessage `json:"parameters"`
	Scope                string          `json:"scope,omitempty"`
	RequiresConfirmation bool            `json:"requires_confirmation"`
}

type registered struct {
	Tool
	rawSchema string
	schema    *jsonschema.Schema
	guard     cel.Program
}

type Registry struct {
	tools  map[string]*registered
	env    *cel.Env
	sealed bool
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env, err := cel.NewEnv(
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("tenant_id", cel.StringType),
		cel.Variable("scopes", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Registry{tools: make(map[string]*registered), env: env, logger: logger}, nil
}

// Register adds a tool. It must happen before Seal and before the registry is shared.
func (r *Registry) Register(t Tool) error {
	if r.sealed {
		return ErrSealed
	}
	if t.Name == "" || t.Execute == nil {
		return errors.New("tools: name and executor are required")
	}
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, t.Name)
	}

	raw := t.Schema
	if strings.TrimSpace(raw) == "" {
		raw = openObjectSchema
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "mem://tools/" + t.Name + ".json"
	if err := c.AddResource(url, strings.NewReader(raw)); err != nil {
		return fmt.Errorf("tool %s: invalid schema: %w", t.Name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", t.Name, err)
	}

	reg := &registered{Tool: t, rawSchema: raw, schema: schema}
	if t.Guard != "" {
		ast, iss := r.env.Compile(t.Guard)
		if iss.Err() != nil {
			return fmt.Errorf("tool %s: compile guard: %w", t.Name, iss.Err())
		}
		if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return fmt.Errorf("tool %s: guard must be boolean, got %s", t.Name, out)
		}
		prg, err := r.env.Program(ast)
		if err != nil {
			return fmt.Errorf("tool %s: build guard: %w", t.Name, err)
		}
		reg.guard = prg
	}

	r.tools[t.Name] = reg
	r.logger.Debug("tool registered", "tool", t.Name, "scope", t.Scope, "mutating", t.Mutating)
	return nil
}

// Seal makes the registry read-only.
func (r *Registry) Seal() { r.sealed = true }

func (r *Registry) Len() int { return len(r.tools) }

// Permitted lists the tools the scopes allow, sorted by name.
func (r *Registry) Permitted(scopes []string) []Description {
	var out []Description
	for _, t := range r.tools {
		if !allowed(t.Scope, scopes) {
			continue
		}
		out = append(out, Description{
			Name:                 t.Name,
			Description:          t.Description,
			Parameters:           json.RawMessage(t.rawSchema),
			Scope:                t.Scope,
			RequiresConfirmation: t.Mutating,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Describe renders Permitted as compact JSON for the system prompt.
func (r *Registry) Describe(scopes []string) string {
	descs := r.Permitted(scopes)
	if len(descs) == 0 {
		return "[]"
	}
	b, err := json.Marshal(descs)
	if err != nil {
		r.logger.Error("failed to render tool descriptions", "error", err)
		return "[]"
	}
	return string(b)
}

// Execute runs call for the given caller. Mutating tools return RequiresConfirmation
// with the validated arguments unless skipConfirmation is set.
func (r *Registry) Execute(ctx context.Context, call Call, userID, tenantID string, scopes []string, skipConfirmation bool) (res Result) {
	t, ok := r.tools[call.Name]
	if !ok {
		return failed("unknown tool %q", call.Name)
	}
	if !allowed(t.Scope, scopes) {
		r.logger.Warn("tool refused: missing scope", "tool", t.Name, "scope", t.Scope, "user_id", userID, "tenant_id", tenantID)
		return failed("permission denied: tool %s requires scope %s", t.Name, t.Scope)
	}

	args, err := normalizeArgs(call.Args)
	if err != nil {
		return failed("invalid arguments for %s: %v", t.Name, err)
	}
	if err := t.schema.Validate(args); err != nil {
		return failed("invalid arguments for %s: %v", t.Name, err)
	}

	if t.guard != nil {
		if scopes == nil {
			scopes = []string{}
		}
		out, _, err := t.guard.Eval(map[string]any{
			"args":      args,
			"user_id":   userID,
			"tenant_id": tenantID,
			"scopes":    scopes,
		})
		if err != nil {
			return failed("precondition for %s could not be evaluated: %v", t.Name, err)
		}
		if pass, ok := out.Value().(bool); !ok || !pass {
			return failed("precondition for %s not met", t.Name)
		}
	}

	if t.Mutating && !skipConfirmation {
		return Result{
			Success:              true,
			RequiresConfirmation: true,
			ConfirmationPrompt:   t.prompt(args),
			Args:                 args,
		}
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool", t.Name, "panic", p)
			res = failed("tool %s failed unexpectedly", t.Name)
		}
	}()

	data, err := t.Execute(ctx, Invocation{Args: args, UserID: userID, TenantID: tenantID, Scopes: scopes})
	if err != nil {
		r.logger.Info("tool execution failed", "tool", t.Name, "tenant_id", tenantID, "error", err)
		return Result{Success: false, Error: err.Error(), Args: args}
	}
	r.logger.Info("tool executed", "tool", t.Name, "tenant_id", tenantID, "user_id", userID)
	return Result{Success: true, Data: data, Args: args, Mutating: t.Mutating}
}

func (t *registered) prompt(args map[string]any) string {
	if t.Prompt != nil {
		return t.Prompt(args)
	}
	b, _ := json.Marshal(args)
	return fmt.Sprintf("Do you want me to run %s with %s?", t.Name, b)
}

func allowed(required string, scopes []string) bool {
	if required == "" {
		return true
	}
	return slices.Contains(scopes, required) || slices.Contains(scopes, WildcardScope)
}

// normalizeArgs round-trips args through JSON so the schema and CEL see plain JSON values.
func normalizeArgs(args map[string]any) (map[string]any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
