// Package builtin registers the tools every deployment ships with.
package builtin

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/mo"

	"estateops.com/assistant/internal/core"
	"estateops.com/assistant/internal/store"
	"estateops.com/assistant/internal/tools"
)

const (
	ScopeKnowledgeRead  = "knowledge:read"
	ScopeNavigate       = "ui:navigate"
	ScopePropertyWrite  = "properties:write"
	searchSnippetLength = 500
)

type Knowledge interface {
	Retrieve(ctx context.Context, tenantID string, q core.RetrieveQuery) mo.Result[[]core.RetrievedChunk]
	ListSources(ctx context.Context, tenantID string) ([]core.SourceInfo, error)
}

type Properties interface {
	ArchiveProperty(ctx context.Context, tenantID, id, actor string) (*store.Property, error)
}

// Register adds the built-in tools. A nil dependency leaves its tools out.
func Register(reg *tools.Registry, knowledge Knowledge, properties Properties) error {
	var all []tools.Tool
	if knowledge != nil {
		all = append(all, searchKnowledge(knowledge), listSources(knowledge))
	}
	all = append(all, navigate())
	if properties != nil {
		all = append(all, archiveProperty(properties))
	}
	for _, t := range all {
		if err := reg.Register(t); err != nil {
			return fmt.Errorf("failed to register %s: %w", t.Name, err)
		}
	}
	return nil
}

func searchKnowledge(k Knowledge) tools.Tool {
	return tools.Tool{
		Name:        "search_knowledge",
		Description: "Search the organization's knowledge base and return the most relevant passages.",
		Schema: `{
			"type": "object",
			"properties": {
				"query": {"type": "string", "minLength": 1},
				"top_k": {"type": "integer", "minimum": 1, "maximum": 10},
				"source_type": {"type": "string", "enum": ["docs", "schema", "entity"]}
			},
			"required": ["query"],
			"additionalProperties": false
		}`,
		Scope: ScopeKnowledgeRead,
		Execute: func(ctx context.Context, inv tools.Invocation) (any, error) {
			q := core.RetrieveQuery{Query: inv.Args["query"].(string)}
			if n, ok := inv.Args["top_k"].(float64); ok {
				q.TopK = int(n)
			}
			if st, ok := inv.Args["source_type"].(string); ok {
				q.SourceType = mo.Some(core.SourceType(st))
			}
			chunks, err := k.Retrieve(ctx, inv.TenantID, q).Get()
			if err != nil {
				return nil, fmt.Errorf("knowledge search failed: %w", err)
			}
			results := make([]map[string]any, 0, len(chunks))
			for _, c := range chunks {
				content := []rune(c.Content)
				if len(content) > searchSnippetLength {
					content = content[:searchSnippetLength]
				}
				results = append(results, map[string]any{
					"source":  c.Source,
					"section": c.Section,
					"score":   c.Score,
					"content": string(content),
				})
			}
			return map[string]any{"results": results}, nil
		},
	}
}

func listSources(k Knowledge) tools.Tool {
	return tools.Tool{
		Name:        "list_sources",
		Description: "List the knowledge sources ingested for this organization with their chunk counts.",
		Schema:      `{"type":"object","additionalProperties":false}`,
		Scope:       ScopeKnowledgeRead,
		Execute: func(ctx context.Context, inv tools.Invocation) (any, error) {
			sources, err := k.ListSources(ctx, inv.TenantID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"sources": sources}, nil
		},
	}
}

func navigate() tools.Tool {
	return tools.Tool{
		Name:        "navigate",
		Description: "Open a page of the application for the user, e.g. /properties/123 or /tasks.",
		Schema: `{
			"type": "object",
			"properties": {
				"path": {"type": "string", "pattern": "^/"},
				"label": {"type": "string"}
			},
			"required": ["path"],
			"additionalProperties": false
		}`,
		Scope: ScopeNavigate,
		Execute: func(_ context.Context, inv tools.Invocation) (any, error) {
			payload := map[string]any{"path": inv.Args["path"]}
			if label, ok := inv.Args["label"]; ok {
				payload["label"] = label
			}
			return map[string]any{
				"navigated_to": inv.Args["path"],
				"ui_command":   map[string]any{"type": "navigate", "payload": payload},
			}, nil
		},
	}
}

func archiveProperty(p Properties) tools.Tool {
	return tools.Tool{
		Name:        "archive_property",
		Description: "Archive a property so it no longer appears in active listings. Requires user confirmation.",
		Schema: `{
			"type": "object",
			"properties": {
				"property_id": {"type": "string"},
				"reason": {"type": "string"}
			},
			"required": ["property_id"],
			"additionalProperties": false
		}`,
		Scope:    ScopePropertyWrite,
		Mutating: true,
		Guard:    `args.property_id != ""`,
		Prompt: func(args map[string]any) string {
			return fmt.Sprintf("Archive property %v? It will be removed from active listings.", args["property_id"])
		},
		Execute: func(ctx context.Context, inv tools.Invocation) (any, error) {
			id := inv.Args["property_id"].(string)
			prop, err := p.ArchiveProperty(ctx, inv.TenantID, id, inv.UserID)
			switch {
			case errors.Is(err, store.ErrNotFound):
				return nil, fmt.Errorf("property %s not found", id)
			case errors.Is(err, store.ErrAlreadyArchived):
				return nil, fmt.Errorf("property %s is already archived", id)
			case err != nil:
				return nil, err
			}
			return map[string]any{
				"property_id": prop.ID,
				"title":       prop.Title,
				"status":      prop.Status,
				"archived_at": prop.ArchivedAt,
				"ui_command": map[string]any{
					"type":    "show_toast",
					"payload": map[string]any{"message": fmt.Sprintf("%s archived", prop.Title), "level": "success"},
				},
			}, nil
		},
	}
}
