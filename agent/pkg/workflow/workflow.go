// Package workflow answers questions over the registered tables with a
// bounded, self-correcting state machine: load context, analyze intent,
// generate a plan, validate it, execute it and refine the result into an
// answer. Failed validations and executions loop back to generation until the
// retry ceiling is reached.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/sheetagent/agent/pkg/cache"
	"github.com/malbeclabs/sheetagent/agent/pkg/executor"
	"github.com/malbeclabs/sheetagent/agent/pkg/knowledge"
	"github.com/malbeclabs/sheetagent/agent/pkg/llm"
	"github.com/malbeclabs/sheetagent/agent/pkg/prompts"
	"github.com/malbeclabs/sheetagent/agent/pkg/trace"
	"github.com/malbeclabs/sheetagent/agent/pkg/validator"
	"github.com/malbeclabs/sheetagent/pkg/tools"
)

const (
	DefaultMaxRetries     = 5
	DefaultReanalyzeAfter = 2
	DefaultMaxSteps       = 25
)

// ErrWorkflowAborted is returned when a turn exceeds its step limit.
var ErrWorkflowAborted = errors.New("workflow aborted")

// Tables is the read side of the registry the workflow needs.
type Tables interface {
	Summary() string
	FieldValuesJSON() string
	BusinessContext() string
	BindingNames() []string
}

type ToolLister interface {
	List() []tools.Tool
}

type PlanValidator interface {
	Validate(ctx context.Context, plan executor.Plan) validator.Verdict
}

type PlanExecutor interface {
	Execute(ctx context.Context, plan executor.Plan) (executor.Result, error)
}

type Config struct {
	Logger    *slog.Logger
	LLM       llm.Client
	Tables    Tables
	Tools     ToolLister
	Validator PlanValidator
	Executor  PlanExecutor
	Prompts   *prompts.Prompts
	Clock     clockwork.Clock

	// Optional collaborators.
	Cache     *cache.Cache
	Knowledge knowledge.Retriever
	Traces    trace.Store

	MaxRetries     int
	ReanalyzeAfter int
	MaxSteps       int

	// NewID overrides trace id generation in tests.
	NewID func() string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.LLM == nil {
		return errors.New("llm client is required")
	}
	if cfg.Tables == nil {
		return errors.New("tables is required")
	}
	if cfg.Tools == nil {
		return errors.New("tools is required")
	}
	if cfg.Validator == nil {
		return errors.New("validator is required")
	}
	if cfg.Executor == nil {
		return errors.New("executor is required")
	}
	if cfg.Prompts == nil {
		p, err := prompts.Load()
		if err != nil {
			return err
		}
		cfg.Prompts = p
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.ReanalyzeAfter <= 0 {
		cfg.ReanalyzeAfter = DefaultReanalyzeAfter
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}
	return nil
}

type Workflow struct {
	log    *slog.Logger
	cfg    Config
	limits limits
	specs  []llm.ToolSpec
}

func New(cfg Config) (*Workflow, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	list := cfg.Tools.List()
	specs := make([]llm.ToolSpec, len(list))
	for i, t := range list {
		specs[i] = llm.ToolSpec{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
	}
	return &Workflow{
		log:    cfg.Logger,
		cfg:    cfg,
		limits: limits{maxRetries: cfg.MaxRetries, reanalyzeAfter: cfg.ReanalyzeAfter},
		specs:  specs,
	}, nil
}

// Run answers a single question.
func (w *Workflow) Run(ctx context.Context, question string) (*Result, error) {
	return w.RunWithProgress(ctx, question, nil, nil)
}

// RunWithHistory answers a question in the context of earlier messages.
func (w *Workflow) RunWithHistory(ctx context.Context, question string, history []Message) (*Result, error) {
	return w.RunWithProgress(ctx, question, history, nil)
}

// RunWithProgress answers a question, reporting every node it enters to
// onProgress. Business failures end up in the answer and Result.Error; the
// returned error is only set on cancellation or ErrWorkflowAborted.
func (w *Workflow) RunWithProgress(ctx context.Context, question string, history []Message, onProgress ProgressCallback) (*Result, error) {
	start := w.cfg.Clock.Now()
	s := &State{History: append(append([]Message(nil), history...), Message{Role: RoleUser, Content: question})}

	node := NodeLoadContext
	for node != NodeDone {
		if err := ctx.Err(); err != nil {
			RunsTotal.WithLabelValues("canceled").Inc()
			return nil, fmt.Errorf("workflow canceled: %w", err)
		}
		if s.Steps >= w.cfg.MaxSteps {
			w.log.Warn("workflow: step limit reached", "trace_id", s.TraceID, "steps", s.Steps, "retry_count", s.RetryCount)
			RunsTotal.WithLabelValues("aborted").Inc()
			if last := s.ErrorMessage; last != "" {
				s.setError("step limit of %d reached at %s; last error: %s", w.cfg.MaxSteps, node, last)
			} else {
				s.setError("step limit of %d reached at %s", w.cfg.MaxSteps, node)
			}
			w.saveTrace(ctx, s)
			return w.result(s), fmt.Errorf("%w: %s", ErrWorkflowAborted, s.ErrorMessage)
		}
		s.Steps++
		if onProgress != nil {
			ev := Event{TraceID: s.TraceID, Node: node.String(), Step: s.Steps, RetryCount: s.RetryCount, Error: s.ErrorMessage}
			if s.Plan != nil {
				ev.Plan = s.Plan.Text()
			}
			onProgress(ev)
		}

		nodeStart := time.Now()
		w.run(ctx, node, s)
		NodeDuration.WithLabelValues(node.String()).Observe(time.Since(nodeStart).Seconds())

		prev := node
		node = next(node, s, w.limits)
		if prev == NodeExecute && node == NodeAnalyzeIntent {
			w.log.Info("workflow: re-analyzing intent after failed executions", "trace_id", s.TraceID, "retry_count", s.RetryCount)
			s.Intent = nil
			s.Reanalyzed = true
		}
	}

	outcome := "answered"
	if s.ErrorMessage != "" {
		outcome = "failed"
	}
	RunsTotal.WithLabelValues(outcome).Inc()
	w.log.Info("workflow: turn complete", "trace_id", s.TraceID, "steps", s.Steps, "retry_count", s.RetryCount,
		"outcome", outcome, "duration", w.cfg.Clock.Since(start))
	return w.result(s), nil
}

func (w *Workflow) run(ctx context.Context, node Node, s *State) {
	switch node {
	case NodeLoadContext:
		w.loadContext(ctx, s)
	case NodeAnalyzeIntent:
		w.analyzeIntent(ctx, s)
	case NodeGenerateQuery:
		w.generateQuery(ctx, s)
	case NodeValidateQuery:
		w.validateQuery(ctx, s)
	case NodeExecute:
		w.execute(ctx, s)
	case NodeRefineAnswer:
		w.refineAnswer(ctx, s)
	}
}

func (w *Workflow) result(s *State) *Result {
	r := &Result{
		TraceID:         s.TraceID,
		Answer:          s.Answer,
		Intent:          s.Intent,
		ExecutionResult: s.ExecutionResult,
		Error:           s.ErrorMessage,
		RetryCount:      s.RetryCount,
		Steps:           s.Steps,
	}
	if s.Plan != nil {
		r.Plan = s.Plan.Text()
	}
	return r
}
