package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/jsonschema-go/jsonschema"
)

var (
	ErrNoContent = errors.New("no text content in response")
	ErrNoJSON    = errors.New("no JSON object found in response")
)

// Client is the language model collaborator used by the workflow and the
// validator.
type Client interface {
	// Complete sends a single system+user exchange and returns the response text.
	Complete(ctx context.Context, system, user string) (string, error)

	// CompleteWithTools is like Complete but lets the model answer with tool
	// calls instead of (or alongside) text.
	CompleteWithTools(ctx context.Context, system, user string, tools []ToolSpec) (Response, error)
}

// ToolSpec describes a tool the model may call.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
}

type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type Response struct {
	Text      string
	ToolCalls []ToolCall
}

// schemaObject flattens a JSON schema into the properties/required pair the
// model APIs expect.
func schemaObject(s *jsonschema.Schema) (map[string]any, []string) {
	props := map[string]any{}
	if s == nil {
		return props, nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return props, nil
	}
	var obj struct {
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return props, nil
	}
	if obj.Properties != nil {
		props = obj.Properties
	}
	return props, obj.Required
}

// StripFences removes a surrounding markdown code fence (```lang ... ```)
// from model output. Text without a fence is returned trimmed.
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	body := text[3:]
	if nl := strings.Index(body, "\n"); nl >= 0 {
		body = body[nl+1:]
	} else {
		body = ""
	}
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// ExtractJSON finds the first JSON object in model output, looking in
// ```json fences, then generic fences, then the raw text.
func ExtractJSON(text string) (string, error) {
	if start := strings.Index(text, "```json"); start != -1 {
		start += 7
		if end := strings.Index(text[start:], "```"); end != -1 {
			return strings.TrimSpace(text[start : start+end]), nil
		}
	}

	if start := strings.Index(text, "```"); start != -1 {
		contentStart := start + 3
		if nl := strings.Index(text[contentStart:], "\n"); nl != -1 {
			contentStart += nl + 1
		}
		if end := strings.Index(text[contentStart:], "```"); end != -1 {
			content := strings.TrimSpace(text[contentStart : contentStart+end])
			if strings.HasPrefix(content, "{") {
				return content, nil
			}
		}
	}

	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		if obj, ok := extractObject(trimmed); ok {
			return obj, nil
		}
	}
	if start := strings.Index(text, "{"); start != -1 {
		if obj, ok := extractObject(text[start:]); ok {
			return obj, nil
		}
	}
	return "", ErrNoJSON
}

// DecodeJSON extracts the first JSON object from text and unmarshals it.
func DecodeJSON(text string, dst any) error {
	raw, err := ExtractJSON(text)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), dst)
}

// extractObject returns the balanced object at the start of text, honouring
// string literals and escapes.
func extractObject(text string) (string, bool) {
	if !strings.HasPrefix(text, "{") {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i, c := range text {
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[:i+1], true
			}
		}
	}
	return "", false
}

// Truncate shortens s to at most n bytes for logging.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
