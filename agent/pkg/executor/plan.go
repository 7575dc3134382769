package executor

import (
	"encoding/json"
	"strings"

	"github.com/malbeclabs/sheetagent/agent/pkg/llm"
)

type Kind int

const (
	PlanExpression Kind = iota
	PlanToolCall
)

func (k Kind) String() string {
	switch k {
	case PlanExpression:
		return "expression"
	case PlanToolCall:
		return "tool_call"
	default:
		return "unknown"
	}
}

type ToolCall struct {
	Name string         `json:"tool_call"`
	Args map[string]any `json:"parameters"`
}

// Plan is the executable form of what the model generated: either a tool
// call or a query-language expression.
type Plan struct {
	Kind       Kind
	Tool       *ToolCall
	Expression string
}

func ToolCallPlan(name string, args map[string]any) Plan {
	if args == nil {
		args = map[string]any{}
	}
	return Plan{Kind: PlanToolCall, Tool: &ToolCall{Name: name, Args: args}}
}

func ExpressionPlan(text string) Plan {
	return Plan{Kind: PlanExpression, Expression: text}
}

// Text renders the plan the way it is shown to the model and stored in
// traces. Tool calls use the {"tool_call", "parameters"} wire format.
func (p Plan) Text() string {
	switch p.Kind {
	case PlanToolCall:
		b, err := json.Marshal(p.Tool)
		if err != nil {
			return p.Tool.Name
		}
		return string(b)
	case PlanExpression:
		return p.Expression
	}
	return ""
}

// ParsePlan interprets model output. A JSON object with tool_call and
// parameters (or tool and args) is a tool call; anything else is an
// expression with markdown fences removed.
func ParsePlan(text string) Plan {
	stripped := llm.StripFences(text)
	if strings.HasPrefix(stripped, "{") {
		if p, ok := parseToolCall(stripped); ok {
			return p
		}
	}
	return ExpressionPlan(stripped)
}

func parseToolCall(text string) (Plan, bool) {
	var raw struct {
		ToolCall   string         `json:"tool_call"`
		Parameters map[string]any `json:"parameters"`
		Tool       string         `json:"tool"`
		Args       map[string]any `json:"args"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return Plan{}, false
	}
	switch {
	case raw.ToolCall != "":
		return ToolCallPlan(raw.ToolCall, raw.Parameters), true
	case raw.Tool != "":
		return ToolCallPlan(raw.Tool, raw.Args), true
	}
	return Plan{}, false
}
