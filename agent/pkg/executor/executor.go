package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/malbeclabs/sheetagent/pkg/query"
	"github.com/malbeclabs/sheetagent/pkg/table"
	"github.com/malbeclabs/sheetagent/pkg/tools"
)

const DefaultRowLimit = tools.DefaultQueryLimit

// ToolCaller invokes a named tool.
type ToolCaller interface {
	Call(ctx context.Context, name string, args map[string]any) (any, error)
}

type Config struct {
	Logger *slog.Logger
	Tools  ToolCaller
	Source tools.Source

	// RowLimit caps rows returned from tabular expression results.
	RowLimit int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Tools == nil {
		return fmt.Errorf("tools is required")
	}
	if cfg.Source == nil {
		return fmt.Errorf("source is required")
	}
	if cfg.RowLimit <= 0 {
		cfg.RowLimit = DefaultRowLimit
	}
	cfg.RowLimit = min(cfg.RowLimit, tools.MaxResultLimit)
	return nil
}

// Result is the outcome of running a plan. Value is a *tools.Result for
// tabular output, a tool-specific struct, or a plain scalar.
type Result struct {
	Value  any
	Scalar bool
}

// Text renders the result as JSON for prompts and traces.
func (r Result) Text() string {
	v := r.Value
	if r.Scalar {
		v = tools.ScalarResult{Result: r.Value}
	}
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"error": fmt.Sprintf("failed to encode result: %v", err)})
	}
	return string(b)
}

// Executor runs plans against the registry. It only reads tables.
type Executor struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Executor{log: cfg.Logger, cfg: cfg}, nil
}

func (e *Executor) Execute(ctx context.Context, plan Plan) (Result, error) {
	start := time.Now()
	var (
		res Result
		err error
	)
	switch plan.Kind {
	case PlanToolCall:
		res, err = e.callTool(ctx, plan.Tool)
	case PlanExpression:
		res, err = e.evaluate(ctx, plan.Expression)
	default:
		err = fmt.Errorf("unknown plan kind %d", plan.Kind)
	}
	if err != nil {
		e.log.Debug("executor: plan failed", "kind", plan.Kind, "duration", time.Since(start), "error", err)
		return Result{}, err
	}
	e.log.Debug("executor: plan executed", "kind", plan.Kind, "duration", time.Since(start))
	return res, nil
}

func (e *Executor) callTool(ctx context.Context, call *ToolCall) (Result, error) {
	if call == nil {
		return Result{}, fmt.Errorf("%w: empty tool call", tools.ErrUnknownTool)
	}
	out, err := e.cfg.Tools.Call(ctx, call.Name, call.Args)
	if err != nil {
		return Result{}, fmt.Errorf("failed to execute tool %s: %w", call.Name, err)
	}
	return Result{Value: out}, nil
}

func (e *Executor) evaluate(ctx context.Context, src string) (Result, error) {
	ns, withheld := tools.Namespace(e.cfg.Source)
	v, err := query.Eval(ctx, src, ns, withheld)
	if err != nil {
		return Result{}, fmt.Errorf("failed to evaluate query: %w", err)
	}
	t, ok := v.(*table.Table)
	if !ok {
		return Result{Value: table.Normalize(v), Scalar: true}, nil
	}
	if s, ok := t.Scalar(); ok {
		return Result{Value: s, Scalar: true}, nil
	}
	return Result{Value: tools.NewResult(t, e.cfg.RowLimit, nil)}, nil
}
