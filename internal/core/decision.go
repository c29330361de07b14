package core

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Decision is what the model asked for. It is one of FinalDecision, ToolDecision or
// UnrecognizedDecision.
type Decision interface {
	isDecision()
}

type FinalDecision struct {
	Message string
}

type ToolDecision struct {
	Name string
	Args map[string]any
}

// UnrecognizedDecision is a JSON object whose type is neither "final" nor "tool".
type UnrecognizedDecision struct {
	Type string
	Raw  string
}

func (FinalDecision) isDecision()        {}
func (ToolDecision) isDecision()         {}
func (UnrecognizedDecision) isDecision() {}

var fencedJSON = regexp.MustCompile("(?s)```json\\s*(.*?)```")

type rawDecision struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Name    string         `json:"name"`
	Args    map[string]any `json:"args"`
}

// ParseDecision decodes a model reply. It tries the whole reply, then a ```json fence,
// then the first balanced {...} object. A reply none of them can decode is a final
// answer made of the raw text.
func ParseDecision(raw string) Decision {
	obj, ok := extractObject(raw)
	if !ok {
		return FinalDecision{Message: raw}
	}
	switch obj.Type {
	case "final":
		if obj.Message == "" {
			return FinalDecision{Message: raw}
		}
		return FinalDecision{Message: obj.Message}
	case "tool":
		args := obj.Args
		if args == nil {
			args = map[string]any{}
		}
		return ToolDecision{Name: obj.Name, Args: args}
	default:
		return UnrecognizedDecision{Type: obj.Type, Raw: raw}
	}
}

func extractObject(raw string) (rawDecision, bool) {
	trimmed := strings.TrimSpace(raw)
	if d, ok := decodeObject(trimmed); ok {
		return d, true
	}
	if m := fencedJSON.FindStringSubmatch(trimmed); m != nil {
		if d, ok := decodeObject(strings.TrimSpace(m[1])); ok {
			return d, true
		}
	}
	if s, ok := firstObject(trimmed); ok {
		if d, ok := decodeObject(s); ok {
			return d, true
		}
	}
	return rawDecision{}, false
}

func decodeObject(s string) (rawDecision, bool) {
	if !strings.HasPrefix(s, "{") {
		return rawDecision{}, false
	}
	var d rawDecision
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return rawDecision{}, false
	}
	return d, true
}

// firstObject returns the first balanced {...} span, skipping braces inside strings.
func firstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
