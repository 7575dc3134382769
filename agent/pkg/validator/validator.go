// Package validator gates generated plans before they run: a forbidden-token
// scan, an emptiness check, and a model-backed semantic review against the
// active table's schema.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/malbeclabs/sheetagent/agent/pkg/executor"
	"github.com/malbeclabs/sheetagent/agent/pkg/llm"
	"github.com/malbeclabs/sheetagent/agent/pkg/prompts"
	"github.com/malbeclabs/sheetagent/pkg/registry"
	"github.com/malbeclabs/sheetagent/pkg/table"
)

var (
	ErrForbiddenToken  = errors.New("forbidden token")
	ErrEmptyQuery      = errors.New("empty query")
	ErrSemanticInvalid = errors.New("query rejected by review")
)

// ForbiddenTokens are matched case-sensitively as substrings of the raw plan
// text.
var ForbiddenTokens = []string{
	"delete", "drop", "insert", "update", "replace", "alter", "create", "truncate",
	"DELETE", "DROP", "INSERT", "UPDATE", "REPLACE", "ALTER", "CREATE", "TRUNCATE",
	"exec(", "eval(", "__import__", "open(", "write(", "system(", "os.", "sys.",
}

// Schema is the read side of the registry the validator needs.
type Schema interface {
	Active() (*table.Table, registry.TableInfo, bool)
	FieldValuesJSON() string
}

type Config struct {
	Logger  *slog.Logger
	LLM     llm.Client
	Schema  Schema
	Prompts *prompts.Prompts
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.LLM == nil {
		return fmt.Errorf("llm client is required")
	}
	if cfg.Schema == nil {
		return fmt.Errorf("schema is required")
	}
	if cfg.Prompts == nil {
		p, err := prompts.Load()
		if err != nil {
			return err
		}
		cfg.Prompts = p
	}
	return nil
}

// Verdict is the outcome of validation. Reason is the user-facing rejection
// message; Err wraps one of the package sentinels.
type Verdict struct {
	Valid  bool
	Reason string
	Err    error
}

func reject(err error, reason string) Verdict {
	return Verdict{Reason: reason, Err: fmt.Errorf("%w: %s", err, reason)}
}

type Validator struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Validator{log: cfg.Logger, cfg: cfg}, nil
}

// Validate runs the gates in order and stops at the first failure.
func (v *Validator) Validate(ctx context.Context, plan executor.Plan) Verdict {
	text := plan.Text()

	if tok, ok := ScanForbidden(text); ok {
		v.log.Info("validator: forbidden token", "token", tok)
		return reject(ErrForbiddenToken, fmt.Sprintf("contains forbidden keyword %q; only read-only queries are allowed", tok))
	}

	if strings.TrimSpace(text) == "" {
		return reject(ErrEmptyQuery, "query is empty")
	}

	if plan.Kind == executor.PlanToolCall {
		return Verdict{Valid: true}
	}

	t, _, ok := v.cfg.Schema.Active()
	if !ok || t.Width() == 0 {
		return Verdict{Valid: true}
	}

	prompt, err := prompts.Render(v.cfg.Prompts.Validate, prompts.ValidateData{
		Columns:     columnsInfo(t),
		Query:       text,
		FieldValues: v.cfg.Schema.FieldValuesJSON(),
	})
	if err != nil {
		return reject(ErrSemanticInvalid, err.Error())
	}
	resp, err := v.cfg.LLM.Complete(ctx, v.cfg.Prompts.System, prompt)
	if err != nil {
		v.log.Warn("validator: semantic review failed", "error", err)
		return reject(ErrSemanticInvalid, fmt.Sprintf("semantic review failed: %v", err))
	}
	resp = strings.TrimSpace(resp)
	if strings.Contains(strings.ToUpper(resp), "INVALID") {
		return reject(ErrSemanticInvalid, resp)
	}
	return Verdict{Valid: true}
}

// ScanForbidden returns the first forbidden token found in text.
func ScanForbidden(text string) (string, bool) {
	for _, tok := range ForbiddenTokens {
		if strings.Contains(text, tok) {
			return tok, true
		}
	}
	return "", false
}

func columnsInfo(t *table.Table) string {
	cols := make([]string, 0, t.Width())
	for _, c := range t.Columns {
		cols = append(cols, fmt.Sprintf("%s (%s)", c.Name, c.Type))
	}
	return "Columns: [" + strings.Join(cols, ", ") + "]"
}
