package core

import (
	"fmt"
	"strings"

	"github.com/samber/mo"

	"estateops.com/assistant/internal/llm"
)

const baseInstructions = `You are the operations assistant of a real-estate management platform.
Use the knowledge context below when it is relevant to the question and say so when it is not enough.
Never invent properties, contacts, tasks or figures that are not in the context or in a tool result.`

const finalProtocol = `Reply with a single JSON object and nothing else:
{"type":"final","message":"<your answer for the user>"}`

const toolProtocol = `Reply with a single JSON object and nothing else, either
{"type":"final","message":"<your answer for the user>"}
or, to run one of the available tools,
{"type":"tool","name":"<tool name>","args":{<arguments matching the tool parameters>}}
Only call tools listed under AVAILABLE TOOLS.`

const toolResultTurn = "Tool result: %s\nUsing this result, produce a final answer for the user as {\"type\":\"final\",\"message\":\"...\"}."

// sourceTypeFor maps the caller's UI context to a retrieval filter.
func sourceTypeFor(contextType string) mo.Option[SourceType] {
	switch strings.ToLower(strings.TrimSpace(contextType)) {
	case "properties", "property", "contacts", "contact", "tasks", "task":
		return mo.Some(SourceEntity)
	case "documents", "document", "docs":
		return mo.Some(SourceDocs)
	default:
		return mo.None[SourceType]()
	}
}

func buildSystemPrompt(chunks []RetrievedChunk, toolsJSON string, toolsEnabled bool) string {
	var b strings.Builder
	b.WriteString(baseInstructions)
	b.WriteString("\n\n")
	if toolsEnabled {
		b.WriteString(toolProtocol)
	} else {
		b.WriteString(finalProtocol)
	}

	if len(chunks) > 0 {
		b.WriteString("\n\nKNOWLEDGE CONTEXT:\n")
		for i, c := range chunks {
			fmt.Fprintf(&b, "[%d] source: %s", i+1, c.Source)
			if c.Section != "" {
				fmt.Fprintf(&b, " | section: %s", c.Section)
			}
			fmt.Fprintf(&b, " | score: %.2f\n%s\n\n", c.Score, c.Content)
		}
	}

	if toolsEnabled {
		b.WriteString("\n\nAVAILABLE TOOLS:\n")
		b.WriteString(toolsJSON)
	}
	return strings.TrimRight(b.String(), "\n")
}

// trimHistory keeps the last max user and assistant turns.
func trimHistory(history []ChatMessage, max int) []llm.Message {
	var turns []llm.Message
	for _, m := range history {
		if m.Role != llm.RoleUser && m.Role != llm.RoleAssistant {
			continue
		}
		turns = append(turns, llm.Message{Role: m.Role, Content: m.Content})
	}
	if max >= 0 && len(turns) > max {
		turns = turns[len(turns)-max:]
	}
	return turns
}

func toSources(chunks []RetrievedChunk, snippetLen int) []Source {
	if len(chunks) == 0 {
		return nil
	}
	out := make([]Source, 0, len(chunks))
	for _, c := range chunks {
		title := c.Source
		if c.Section != "" {
			title = c.Source + ": " + c.Section
		}
		out = append(out, Source{
			ChunkID:    c.ID,
			Title:      title,
			Snippet:    truncate(c.Content, snippetLen),
			Score:      c.Score,
			SourceType: c.SourceType,
		})
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
