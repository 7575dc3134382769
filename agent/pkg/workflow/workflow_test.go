package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/sheetagent/agent/pkg/cache"
	"github.com/malbeclabs/sheetagent/agent/pkg/executor"
	"github.com/malbeclabs/sheetagent/agent/pkg/knowledge"
	"github.com/malbeclabs/sheetagent/agent/pkg/llm"
	"github.com/malbeclabs/sheetagent/agent/pkg/llm/llmtest"
	"github.com/malbeclabs/sheetagent/agent/pkg/trace"
	"github.com/malbeclabs/sheetagent/agent/pkg/validator"
	"github.com/malbeclabs/sheetagent/pkg/tools"
)

var testLog = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

const generalIntent = `{"type": "general_query", "parameters": null, "reasoning": "totals"}`

type fakeTables struct{}

func (fakeTables) Summary() string         { return "File: costs.xlsx\nColumns: Year, Scenario, Amount" }
func (fakeTables) FieldValuesJSON() string { return `{"CostDataBase": {"Year": ["FY25", "FY26"]}}` }
func (fakeTables) BusinessContext() string { return "Fiscal year starts in October." }
func (fakeTables) BindingNames() []string  { return []string{"CostDataBase"} }

type fakeTools struct{}

func (fakeTools) List() []tools.Tool {
	return []tools.Tool{{Name: "calculate_trend", Description: "monthly trend"}}
}

type fakeValidator struct {
	mu    sync.Mutex
	plans []executor.Plan
	fn    func(executor.Plan) validator.Verdict
}

func (f *fakeValidator) Validate(_ context.Context, plan executor.Plan) validator.Verdict {
	f.mu.Lock()
	f.plans = append(f.plans, plan)
	f.mu.Unlock()
	if strings.TrimSpace(plan.Text()) == "" {
		return validator.Verdict{Reason: "empty", Err: validator.ErrEmptyQuery}
	}
	if f.fn != nil {
		return f.fn(plan)
	}
	return validator.Verdict{Valid: true}
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls int
	fn    func(executor.Plan) (executor.Result, error)
}

func (f *fakeExecutor) Execute(_ context.Context, plan executor.Plan) (executor.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(plan)
	}
	return executor.Result{Value: 6.0, Scalar: true}, nil
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// scripted answers intent and refine prompts; generation answers come from
// the tools function.
func scripted(intent, answer string, generate func(n int) (llm.Response, error)) *llmtest.Client {
	var mu sync.Mutex
	n := 0
	return &llmtest.Client{
		CompleteFunc: func(_, user string) (string, error) {
			switch {
			case strings.HasPrefix(user, "Classify"):
				return intent, nil
			case strings.HasPrefix(user, "Write the final answer"):
				return answer, nil
			}
			return "", fmt.Errorf("unexpected prompt: %.40s", user)
		},
		ToolsFunc: func(_, _ string, _ []llm.ToolSpec) (llm.Response, error) {
			mu.Lock()
			n++
			i := n
			mu.Unlock()
			return generate(i)
		},
	}
}

func textPlan(text string) func(int) (llm.Response, error) {
	return func(int) (llm.Response, error) { return llm.Response{Text: text}, nil }
}

func countPrompts(client *llmtest.Client, prefix string) int {
	n := 0
	for _, c := range client.Calls() {
		if strings.HasPrefix(c.User, prefix) {
			n++
		}
	}
	return n
}

type harness struct {
	wf        *Workflow
	client    *llmtest.Client
	validator *fakeValidator
	executor  *fakeExecutor
	traces    *trace.MemoryStore
}

func newHarness(t *testing.T, client *llmtest.Client, v *fakeValidator, e *fakeExecutor, mutate func(*Config)) *harness {
	t.Helper()
	traces, err := trace.NewMemoryStore(trace.MemoryConfig{Logger: testLog})
	require.NoError(t, err)
	cfg := Config{
		Logger:    testLog,
		LLM:       client,
		Tables:    fakeTables{},
		Tools:     fakeTools{},
		Validator: v,
		Executor:  e,
		Traces:    traces,
		Clock:     clockwork.NewFakeClockAt(time.Date(2025, 10, 1, 9, 0, 0, 0, time.UTC)),
		NewID:     func() string { return "trace-1" },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	wf, err := New(cfg)
	require.NoError(t, err)
	return &harness{wf: wf, client: client, validator: v, executor: e, traces: traces}
}

func TestSheetAgent_Workflow_Answer(t *testing.T) {
	t.Parallel()

	client := scripted(generalIntent, "The total is **6**.", textPlan("```sql\nSELECT SUM(Amount) FROM df\n```"))
	h := newHarness(t, client, &fakeValidator{}, &fakeExecutor{}, nil)

	var nodes []string
	res, err := h.wf.RunWithProgress(t.Context(), "What is the total amount?", nil, func(ev Event) {
		nodes = append(nodes, ev.Node)
	})
	require.NoError(t, err)
	require.Equal(t, "trace-1", res.TraceID)
	require.Equal(t, "The total is **6**.", res.Answer)
	require.Equal(t, "SELECT SUM(Amount) FROM df", res.Plan)
	require.Equal(t, 1, res.RetryCount)
	require.Equal(t, 6, res.Steps)
	require.Empty(t, res.Error)
	require.NotNil(t, res.ExecutionResult)
	require.JSONEq(t, `{"result": 6}`, *res.ExecutionResult)
	require.Equal(t, IntentGeneral, res.Intent.Type)
	require.Equal(t, []string{"load_context", "analyze_intent", "generate_query", "validate_query", "execute", "refine_answer"}, nodes)

	calls := client.Calls()
	require.Len(t, calls, 3)
	require.Contains(t, calls[0].User, "Fiscal year starts in October.")
	require.Len(t, calls[1].Tools, 1)
	require.Equal(t, "calculate_trend", calls[1].Tools[0].Name)
	require.Contains(t, calls[1].User, "`CostDataBase`")
	require.NotContains(t, calls[1].User, "## Correction")
	require.NotContains(t, calls[2].User, "SYSTEM WARNING")

	rec, err := h.traces.Get(t.Context(), "trace-1")
	require.NoError(t, err)
	require.Equal(t, "What is the total amount?", rec.UserQuery)
	require.Equal(t, "SELECT SUM(Amount) FROM df", rec.QueryText)
	require.Equal(t, []string{"The total is **6**."}, rec.FinalMessages)
	require.JSONEq(t, `{"type":"general_query","parameters":null,"reasoning":"totals"}`, string(rec.IntentAnalysis))
}

func TestSheetAgent_Workflow_ToolCallPlan(t *testing.T) {
	t.Parallel()

	client := scripted(generalIntent, "trend", func(int) (llm.Response, error) {
		return llm.Response{ToolCalls: []llm.ToolCall{{Name: "calculate_trend", Args: map[string]any{"year": "FY26"}}}}, nil
	})
	exec := &fakeExecutor{fn: func(p executor.Plan) (executor.Result, error) {
		if p.Kind != executor.PlanToolCall || p.Tool.Name != "calculate_trend" {
			return executor.Result{}, errors.New("expected tool call")
		}
		return executor.Result{Value: map[string]any{"ok": true}}, nil
	}}
	h := newHarness(t, client, &fakeValidator{}, exec, nil)

	res, err := h.wf.Run(t.Context(), "Show the FY26 trend")
	require.NoError(t, err)
	require.Empty(t, res.Error)
	require.JSONEq(t, `{"tool_call":"calculate_trend","parameters":{"year":"FY26"}}`, res.Plan)
}

func TestSheetAgent_Workflow_RetryCeilingOnValidation(t *testing.T) {
	t.Parallel()

	client := scripted(generalIntent, "I could not answer.", textPlan("SELECT Region FROM df"))
	v := &fakeValidator{fn: func(executor.Plan) validator.Verdict {
		return validator.Verdict{Reason: "INVALID: Region does not exist", Err: fmt.Errorf("%w: Region does not exist", validator.ErrSemanticInvalid)}
	}}
	exec := &fakeExecutor{}
	h := newHarness(t, client, v, exec, nil)

	res, err := h.wf.Run(t.Context(), "Revenue by region")
	require.NoError(t, err)
	require.Equal(t, 5, res.RetryCount)
	require.Equal(t, 5, countPrompts(client, "Produce ONE executable plan"))
	require.Equal(t, 0, exec.count())
	require.Equal(t, 2+5*2+1, res.Steps)
	require.Contains(t, res.Error, "Region does not exist")
	require.Equal(t, "I could not answer.", res.Answer)

	calls := client.Calls()
	last := calls[len(calls)-1]
	require.True(t, strings.HasPrefix(last.User, "Write the final answer"))
	require.Contains(t, last.User, "SYSTEM WARNING")
	require.Contains(t, last.User, "Error: validation failed")

	// Every generation after the first carries the correction section.
	gens := 0
	for _, c := range calls {
		if strings.HasPrefix(c.User, "Produce ONE executable plan") {
			gens++
			if gens > 1 {
				require.Contains(t, c.User, "## Correction")
				require.Contains(t, c.User, "Region does not exist")
			}
		}
	}
}

func TestSheetAgent_Workflow_ReanalyzesOnce(t *testing.T) {
	t.Parallel()

	client := scripted(generalIntent, "Failed.", textPlan("SELECT SUM(Amount) FROM df WHERE Year = 'FY27'"))
	exec := &fakeExecutor{fn: func(executor.Plan) (executor.Result, error) {
		return executor.Result{}, errors.New("no rows for year FY27")
	}}
	h := newHarness(t, client, &fakeValidator{}, exec, nil)

	var nodes []string
	res, err := h.wf.RunWithProgress(t.Context(), "FY27 total", nil, func(ev Event) { nodes = append(nodes, ev.Node) })
	require.NoError(t, err)
	require.Equal(t, 5, res.RetryCount)
	require.Equal(t, 5, exec.count())
	require.Equal(t, 2, countPrompts(client, "Classify"))
	require.Equal(t, []string{
		"load_context", "analyze_intent",
		"generate_query", "validate_query", "execute",
		"generate_query", "validate_query", "execute",
		"generate_query", "validate_query", "execute",
		"analyze_intent",
		"generate_query", "validate_query", "execute",
		"generate_query", "validate_query", "execute",
		"refine_answer",
	}, nodes)

	// The error mentions the year, so the re-analysis prompt carries it.
	var intents []string
	for _, c := range client.Calls() {
		if strings.HasPrefix(c.User, "Classify") {
			intents = append(intents, c.User)
		}
	}
	require.NotContains(t, intents[0], "Previous attempt failed")
	require.Contains(t, intents[1], "Previous attempt failed")
	require.Contains(t, intents[1], "no rows for year FY27")

	rec, err := h.traces.Get(t.Context(), res.TraceID)
	require.NoError(t, err)
	require.Contains(t, rec.ErrorMessage, "no rows for year FY27")
	require.Nil(t, rec.ExecutionResult)
}

func TestSheetAgent_Workflow_GenerationFailureAborts(t *testing.T) {
	t.Parallel()

	client := scripted(generalIntent, "unused", func(int) (llm.Response, error) {
		return llm.Response{}, errors.New("overloaded")
	})
	h := newHarness(t, client, &fakeValidator{}, &fakeExecutor{}, nil)

	res, err := h.wf.Run(t.Context(), "anything")
	require.ErrorIs(t, err, ErrWorkflowAborted)
	require.NotNil(t, res)
	require.Equal(t, 0, res.RetryCount)
	require.Equal(t, DefaultMaxSteps, res.Steps)
	require.Contains(t, res.Error, "step limit")
	require.Contains(t, res.Error, "last error: failed to generate query")
	require.Contains(t, res.Error, "overloaded")
	require.ErrorContains(t, err, "overloaded")

	rec, err := h.traces.Get(t.Context(), res.TraceID)
	require.NoError(t, err)
	require.Contains(t, rec.ErrorMessage, "step limit")
	require.Contains(t, rec.ErrorMessage, "overloaded")
}

func TestSheetAgent_Workflow_MaxStepsConfigurable(t *testing.T) {
	t.Parallel()

	client := scripted(generalIntent, "ok", textPlan("SELECT 1"))
	h := newHarness(t, client, &fakeValidator{}, &fakeExecutor{}, func(c *Config) { c.MaxSteps = 3 })

	res, err := h.wf.Run(t.Context(), "q")
	require.ErrorIs(t, err, ErrWorkflowAborted)
	require.Contains(t, res.Error, "step limit of 3 reached")
	require.NotContains(t, res.Error, "last error")
}

func TestSheetAgent_Workflow_ErrorResultAddsNoFabrication(t *testing.T) {
	t.Parallel()

	client := scripted(generalIntent, "explained", textPlan("SELECT 1"))
	exec := &fakeExecutor{fn: func(executor.Plan) (executor.Result, error) {
		return executor.Result{Value: map[string]any{"status": "Exception raised upstream"}}, nil
	}}
	h := newHarness(t, client, &fakeValidator{}, exec, nil)

	res, err := h.wf.Run(t.Context(), "q")
	require.NoError(t, err)
	require.Empty(t, res.Error)
	calls := client.Calls()
	require.Contains(t, calls[len(calls)-1].User, "SYSTEM WARNING")
}

func TestSheetAgent_Workflow_IntentFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		intent string
		want   string
	}{
		{"not json", "I think this is a general question", "failed to analyze intent"},
		{"missing params", `{"type": "allocation", "parameters": {"target_bl": "CT", "year": "FY26"}}`, "missing scenario, function"},
		{"unknown type", `{"type": "chart"}`, "unknown intent type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			client := scripted(tt.intent, "ok", textPlan("SELECT 1"))
			h := newHarness(t, client, &fakeValidator{}, &fakeExecutor{}, nil)
			var genErr string
			res, err := h.wf.RunWithProgress(t.Context(), "q", nil, func(ev Event) {
				if ev.Node == "generate_query" {
					genErr = ev.Error
				}
			})
			require.NoError(t, err)
			require.Nil(t, res.Intent)
			require.Contains(t, genErr, tt.want)
			// A valid plan clears the intent error and the turn completes.
			require.Empty(t, res.Error)
			require.Equal(t, "ok", res.Answer)
		})
	}
}

func TestSheetAgent_Workflow_Cache(t *testing.T) {
	t.Parallel()

	c, err := cache.New(cache.Config{Logger: testLog})
	require.NoError(t, err)
	kb, err := knowledge.New(knowledge.Config{Logger: testLog})
	require.NoError(t, err)
	kb.Add(knowledge.Item{ID: "fy", Title: "Fiscal year", Content: "FY26 starts in Oct 2025.", Keywords: []string{"FY26"}})

	client := scripted(generalIntent, "ok", textPlan("SELECT 1"))
	ids := 0
	h := newHarness(t, client, &fakeValidator{}, &fakeExecutor{}, func(cfg *Config) {
		cfg.Cache = c
		cfg.Knowledge = kb
		cfg.NewID = func() string { ids++; return fmt.Sprintf("t%d", ids) }
	})

	for range 2 {
		res, err := h.wf.Run(t.Context(), "FY26 total")
		require.NoError(t, err)
		require.Equal(t, IntentGeneral, res.Intent.Type)
	}
	require.Equal(t, 1, countPrompts(client, "Classify"))
	k, ok := c.Knowledge("FY26 total")
	require.True(t, ok)
	require.Contains(t, k, "### Fiscal year")
	require.Contains(t, client.Calls()[0].User, "FY26 starts in Oct 2025.")

	list, err := h.traces.List(t.Context(), 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestSheetAgent_Workflow_History(t *testing.T) {
	t.Parallel()

	client := scripted(generalIntent, "ok", textPlan("SELECT 1"))
	h := newHarness(t, client, &fakeValidator{}, &fakeExecutor{}, nil)

	history := []Message{{Role: RoleUser, Content: "earlier"}, {Role: RoleAssistant, Content: "answer"}}
	res, err := h.wf.RunWithHistory(t.Context(), "latest question", history)
	require.NoError(t, err)
	require.Len(t, history, 2)

	rec, err := h.traces.Get(t.Context(), res.TraceID)
	require.NoError(t, err)
	require.Equal(t, "latest question", rec.UserQuery)
}

func TestSheetAgent_Workflow_Canceled(t *testing.T) {
	t.Parallel()

	client := scripted(generalIntent, "ok", textPlan("SELECT 1"))
	h := newHarness(t, client, &fakeValidator{}, &fakeExecutor{}, nil)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := h.wf.Run(ctx, "q")
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, client.Calls())
}

func TestSheetAgent_Workflow_Config(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.EqualError(t, err, "logger is required")
	_, err = New(Config{Logger: testLog, LLM: &llmtest.Client{}, Tables: fakeTables{}, Tools: fakeTools{}, Validator: &fakeValidator{}})
	require.EqualError(t, err, "executor is required")

	cfg := Config{Logger: testLog, LLM: &llmtest.Client{}, Tables: fakeTables{}, Tools: fakeTools{}, Validator: &fakeValidator{}, Executor: &fakeExecutor{}}
	require.NoError(t, cfg.Validate())
	require.Equal(t, 5, cfg.MaxRetries)
	require.Equal(t, 2, cfg.ReanalyzeAfter)
	require.Equal(t, 25, cfg.MaxSteps)
	require.NotNil(t, cfg.Prompts)
}
