package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/malbeclabs/sheetagent/agent/pkg/executor"
)

// Node is a step of the workflow.
type Node int

const (
	NodeLoadContext Node = iota
	NodeAnalyzeIntent
	NodeGenerateQuery
	NodeValidateQuery
	NodeExecute
	NodeRefineAnswer
	NodeDone
)

func (n Node) String() string {
	switch n {
	case NodeLoadContext:
		return "load_context"
	case NodeAnalyzeIntent:
		return "analyze_intent"
	case NodeGenerateQuery:
		return "generate_query"
	case NodeValidateQuery:
		return "validate_query"
	case NodeExecute:
		return "execute"
	case NodeRefineAnswer:
		return "refine_answer"
	case NodeDone:
		return "done"
	default:
		return fmt.Sprintf("node(%d)", int(n))
	}
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type IntentType string

const (
	IntentAllocation IntentType = "allocation"
	IntentGeneral    IntentType = "general_query"
)

type AllocationParams struct {
	TargetBL string `json:"target_bl"`
	Year     string `json:"year"`
	Scenario string `json:"scenario"`
	Function string `json:"function"`
}

// IntentAnalysis is the model's classification of a question.
type IntentAnalysis struct {
	Type         IntentType        `json:"type"`
	Parameters   *AllocationParams `json:"parameters"`
	Reasoning    string            `json:"reasoning"`
	FieldMapping map[string]string `json:"field_mapping,omitempty"`
}

// Validate checks that allocation intents carry every parameter.
func (a *IntentAnalysis) Validate() error {
	switch a.Type {
	case IntentGeneral:
		return nil
	case IntentAllocation:
	default:
		return fmt.Errorf("unknown intent type %q", a.Type)
	}
	if a.Parameters == nil {
		return errors.New("allocation intent requires parameters target_bl, year, scenario, function")
	}
	var missing []string
	for _, p := range []struct{ name, value string }{
		{"target_bl", a.Parameters.TargetBL},
		{"year", a.Parameters.Year},
		{"scenario", a.Parameters.Scenario},
		{"function", a.Parameters.Function},
	} {
		if strings.TrimSpace(p.value) == "" {
			missing = append(missing, p.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("allocation intent is missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// State is the record carried through one turn.
type State struct {
	History          []Message
	TraceID          string
	UserQuery        string
	KnowledgeContext string
	FieldValues      string
	Intent           *IntentAnalysis
	Plan             *executor.Plan
	QueryValid       bool
	ExecutionResult  *string
	ErrorMessage     string
	RetryCount       int
	Answer           string
	Steps            int
	// Reanalyzed is set once intent analysis has been repeated after failed
	// executions.
	Reanalyzed bool
}

func (s *State) setError(format string, args ...any) {
	s.ErrorMessage = fmt.Sprintf(format, args...)
}

// Event reports a node transition.
type Event struct {
	TraceID    string `json:"trace_id"`
	Node       string `json:"node"`
	Step       int    `json:"step"`
	RetryCount int    `json:"retry_count"`
	Error      string `json:"error,omitempty"`
	Plan       string `json:"plan,omitempty"`
}

type ProgressCallback func(Event)

// Result is the outcome of one turn.
type Result struct {
	TraceID         string          `json:"trace_id"`
	Answer          string          `json:"answer"`
	Intent          *IntentAnalysis `json:"intent,omitempty"`
	Plan            string          `json:"plan,omitempty"`
	ExecutionResult *string         `json:"execution_result,omitempty"`
	Error           string          `json:"error,omitempty"`
	RetryCount      int             `json:"retry_count"`
	Steps           int             `json:"steps"`
}
