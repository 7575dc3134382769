package workflow

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/malbeclabs/sheetagent/agent/pkg/executor"
	"github.com/malbeclabs/sheetagent/agent/pkg/knowledge"
	"github.com/malbeclabs/sheetagent/agent/pkg/llm"
	"github.com/malbeclabs/sheetagent/agent/pkg/prompts"
	"github.com/malbeclabs/sheetagent/agent/pkg/trace"
	"github.com/malbeclabs/sheetagent/pkg/query"
)

// paramTerms mark errors caused by missing or wrong intent parameters.
var paramTerms = []string{"target_bl", "year", "scenario", "function"}

// errorTerms in a result or error make the answer report the failure instead
// of data.
var errorTerms = []string{"error", "exception"}

func (w *Workflow) loadContext(ctx context.Context, s *State) {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Role == RoleUser {
			s.UserQuery = s.History[i].Content
			break
		}
	}
	if s.TraceID == "" {
		s.TraceID = w.cfg.NewID()
	}
	s.RetryCount = 0
	s.FieldValues = w.cfg.Tables.FieldValuesJSON()

	parts := []string{}
	if bc := strings.TrimSpace(w.cfg.Tables.BusinessContext()); bc != "" {
		parts = append(parts, bc)
	}
	if k := w.retrieveKnowledge(ctx, s.UserQuery); k != "" {
		parts = append(parts, k)
	}
	s.KnowledgeContext = strings.Join(parts, "\n\n")
	w.log.Debug("workflow: context loaded", "trace_id", s.TraceID, "knowledge_chars", len(s.KnowledgeContext))
}

func (w *Workflow) retrieveKnowledge(ctx context.Context, q string) string {
	if w.cfg.Knowledge == nil {
		return ""
	}
	if w.cfg.Cache != nil {
		if k, ok := w.cfg.Cache.Knowledge(q); ok {
			return k
		}
	}
	items, err := w.cfg.Knowledge.Search(ctx, q)
	if err != nil {
		w.log.Warn("workflow: knowledge retrieval failed", "error", err)
		return ""
	}
	k := knowledge.Format(items)
	if w.cfg.Cache != nil {
		w.cfg.Cache.SetKnowledge(q, k)
	}
	return k
}

func contextHash(parts ...string) string {
	sum := md5.Sum([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}

func (w *Workflow) analyzeIntent(ctx context.Context, s *State) {
	summary := w.cfg.Tables.Summary()
	hash := contextHash(summary, s.FieldValues, s.KnowledgeContext)

	var errorContext string
	if s.ErrorMessage != "" {
		for _, term := range paramTerms {
			if strings.Contains(s.ErrorMessage, term) {
				errorContext = s.ErrorMessage
				break
			}
		}
	}

	useCache := w.cfg.Cache != nil && s.ErrorMessage == ""
	if useCache {
		if data, ok := w.cfg.Cache.Intent(s.UserQuery, hash); ok {
			var intent IntentAnalysis
			if err := json.Unmarshal(data, &intent); err == nil {
				s.Intent = &intent
				return
			}
		}
	}

	prompt, err := prompts.Render(w.cfg.Prompts.Intent, prompts.IntentData{
		Summary:      summary,
		Knowledge:    s.KnowledgeContext,
		FieldValues:  s.FieldValues,
		Query:        s.UserQuery,
		ErrorContext: errorContext,
	})
	if err != nil {
		s.setError("failed to analyze intent: %v", err)
		return
	}
	text, err := w.cfg.LLM.Complete(ctx, w.cfg.Prompts.System, prompt)
	if err != nil {
		w.log.Warn("workflow: intent analysis failed", "trace_id", s.TraceID, "error", err)
		s.setError("failed to analyze intent: %v", err)
		return
	}
	var intent IntentAnalysis
	if err := llm.DecodeJSON(text, &intent); err != nil {
		s.setError("failed to analyze intent: %v", err)
		return
	}
	if err := intent.Validate(); err != nil {
		s.setError("failed to analyze intent: %v", err)
		return
	}
	s.Intent = &intent
	w.log.Info("workflow: intent analyzed", "trace_id", s.TraceID, "type", intent.Type)

	if useCache {
		if data, err := json.Marshal(intent); err == nil {
			w.cfg.Cache.SetIntent(s.UserQuery, hash, data)
		}
	}
}

func (w *Workflow) generateQuery(ctx context.Context, s *State) {
	var intent string
	if s.Intent != nil {
		if data, err := json.MarshalIndent(s.Intent, "", "  "); err == nil {
			intent = string(data)
		}
	}
	var previous string
	if s.Plan != nil {
		previous = s.Plan.Text()
	}
	prompt, err := prompts.Render(w.cfg.Prompts.Generate, prompts.GenerateData{
		Summary:      w.cfg.Tables.Summary(),
		Knowledge:    s.KnowledgeContext,
		Intent:       intent,
		FieldValues:  s.FieldValues,
		Query:        s.UserQuery,
		Bindings:     w.cfg.Tables.BindingNames(),
		Functions:    query.FunctionNames(),
		PreviousPlan: previous,
		ErrorContext: s.ErrorMessage,
	})
	if err != nil {
		s.setError("failed to generate query: %v", err)
		return
	}

	resp, err := w.cfg.LLM.CompleteWithTools(ctx, w.cfg.Prompts.System, prompt, w.specs)
	if err != nil {
		w.log.Warn("workflow: query generation failed", "trace_id", s.TraceID, "error", err)
		s.setError("failed to generate query: %v", err)
		return
	}

	var plan executor.Plan
	if len(resp.ToolCalls) > 0 {
		call := resp.ToolCalls[0]
		plan = executor.ToolCallPlan(call.Name, call.Args)
	} else {
		plan = executor.ParsePlan(resp.Text)
	}
	s.Plan = &plan
	s.RetryCount++
	GenerationsTotal.WithLabelValues(plan.Kind.String()).Inc()
	w.log.Info("workflow: plan generated", "trace_id", s.TraceID, "kind", plan.Kind, "retry_count", s.RetryCount)
}

func (w *Workflow) validateQuery(ctx context.Context, s *State) {
	plan := executor.ExpressionPlan("")
	if s.Plan != nil {
		plan = *s.Plan
	}
	verdict := w.cfg.Validator.Validate(ctx, plan)
	s.QueryValid = verdict.Valid
	if !verdict.Valid {
		ValidationFailuresTotal.Inc()
		w.log.Info("workflow: plan rejected", "trace_id", s.TraceID, "reason", verdict.Reason)
		s.setError("validation failed: %s", verdict.Err)
		return
	}
	s.ErrorMessage = ""
}

func (w *Workflow) execute(ctx context.Context, s *State) {
	if s.Plan == nil {
		s.setError("execution failed: no plan")
		return
	}
	res, err := w.cfg.Executor.Execute(ctx, *s.Plan)
	if err != nil {
		ExecutionFailuresTotal.Inc()
		w.log.Info("workflow: execution failed", "trace_id", s.TraceID, "error", err)
		s.ExecutionResult = nil
		s.setError("execution failed: %v", err)
		return
	}
	text := res.Text()
	s.ExecutionResult = &text
	s.ErrorMessage = ""
}

func containsAny(text string, terms []string) bool {
	lower := strings.ToLower(text)
	for _, t := range terms {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

func (w *Workflow) refineAnswer(ctx context.Context, s *State) {
	planText := "(no plan generated)"
	if s.Plan != nil {
		planText = s.Plan.Text()
	}
	result := "(no result)"
	if s.ExecutionResult != nil {
		result = *s.ExecutionResult
	}
	if s.ErrorMessage != "" {
		result = "Error: " + s.ErrorMessage
	}

	prompt, err := prompts.Render(w.cfg.Prompts.Refine, prompts.RefineData{
		Query:  s.UserQuery,
		Plan:   planText,
		Result: result,
	})
	if err == nil {
		if s.ErrorMessage != "" || containsAny(result, errorTerms) {
			prompt += "\n\n" + w.cfg.Prompts.NoFabrication
		}
		var answer string
		answer, err = w.cfg.LLM.Complete(ctx, w.cfg.Prompts.System, prompt)
		if err == nil {
			s.Answer = strings.TrimSpace(answer)
		}
	}
	if err != nil {
		w.log.Warn("workflow: answer refinement failed", "trace_id", s.TraceID, "error", err)
		if s.ErrorMessage == "" {
			s.setError("failed to refine answer: %v", err)
		}
		s.Answer = "Unable to produce an answer: " + s.ErrorMessage
	}
	s.History = append(s.History, Message{Role: RoleAssistant, Content: s.Answer})
	w.saveTrace(ctx, s)
}

func (w *Workflow) saveTrace(ctx context.Context, s *State) {
	if w.cfg.Traces == nil || s.TraceID == "" {
		return
	}
	rec := trace.Record{
		TraceID:         s.TraceID,
		Timestamp:       w.cfg.Clock.Now().UTC(),
		UserQuery:       s.UserQuery,
		ExecutionResult: s.ExecutionResult,
		ErrorMessage:    s.ErrorMessage,
	}
	if s.Intent != nil {
		if data, err := json.Marshal(s.Intent); err == nil {
			rec.IntentAnalysis = data
		}
	}
	if s.Plan != nil {
		rec.QueryText = s.Plan.Text()
	}
	if s.Answer != "" {
		rec.FinalMessages = []string{s.Answer}
	}
	if err := w.cfg.Traces.Save(ctx, rec); err != nil {
		w.log.Warn("workflow: failed to save trace", "trace_id", s.TraceID, "error", err)
	}
}
