// Package tools implements the named computations the agent can call: generic
// operations over the active table and cost-allocation analyses over the
// CostDataBase and Table7 sheets.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/sheetagent/pkg/query"
	"github.com/malbeclabs/sheetagent/pkg/registry"
	"github.com/malbeclabs/sheetagent/pkg/table"
)

var (
	ErrUnknownTool         = errors.New("unknown tool")
	ErrInvalidArguments    = errors.New("invalid tool arguments")
	ErrMissingFunction     = errors.New("function must contain Allocation")
	ErrMissingTable        = errors.New("required table not loaded")
	ErrTargetMismatch      = errors.New("target1 must equal target2")
	ErrInvalidTargetType   = errors.New("target type must be BL or CC")
	ErrUnsupportedOperator = errors.New("unsupported filter operator")
	ErrUnknownColumn       = table.ErrUnknownColumn
)

const (
	DefaultResultLimit = 20
	MaxResultLimit     = 1000
	DefaultUniqueLimit = 50
	DefaultPreviewRows = 5
	DefaultQueryLimit  = 100
)

// Source is the read side of the table registry.
type Source interface {
	Bindings() registry.Bindings
	Active() (*table.Table, registry.TableInfo, bool)
}

// Namespace is every unambiguous registry binding plus df for the active
// table. The option makes queries naming an ambiguous binding fail with its
// conflict error.
func Namespace(src Source) (query.Namespace, query.Option) {
	b := src.Bindings()
	ns := make(query.Namespace, len(b.Tables)+1)
	for name, t := range b.Tables {
		ns[name] = t
	}
	if t, _, ok := src.Active(); ok {
		ns["df"] = t
	}
	return ns, query.WithUnavailable(b.Conflicts)
}

type Config struct {
	Logger       *slog.Logger
	Source       Source
	Clock        clockwork.Clock
	DefaultLimit int
	MaxLimit     int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Source == nil {
		return fmt.Errorf("source is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultResultLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = MaxResultLimit
	}
	return nil
}

// Tool is a named computation with a JSON schema for its arguments.
type Tool struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema

	call func(ctx context.Context, args map[string]any) (any, error)
}

// Set is the fixed collection of tools bound to one registry.
type Set struct {
	log   *slog.Logger
	cfg   Config
	tools []Tool
	index map[string]int
}

func New(cfg Config) (*Set, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Set{
		log:   cfg.Logger,
		cfg:   cfg,
		index: make(map[string]int),
	}
	if err := s.registerGeneric(); err != nil {
		return nil, err
	}
	if err := s.registerDomain(); err != nil {
		return nil, err
	}
	return s, nil
}

// List returns the tools in registration order.
func (s *Set) List() []Tool {
	return append([]Tool(nil), s.tools...)
}

func (s *Set) Lookup(name string) (Tool, bool) {
	i, ok := s.index[name]
	if !ok {
		return Tool{}, false
	}
	return s.tools[i], true
}

// Call invokes a tool by exact name.
func (s *Set) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	t, ok := s.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.log.Debug("tools: calling tool", "name", name, "args", args)
	out, err := t.call(ctx, args)
	if err != nil {
		s.log.Debug("tools: tool failed", "name", name, "error", err)
		return nil, err
	}
	return out, nil
}

func add[In any](s *Set, name, description string, fn func(ctx context.Context, in In) (any, error)) error {
	schema, err := jsonschema.For[In](nil)
	if err != nil {
		return fmt.Errorf("failed to create %s input schema: %w", name, err)
	}
	s.index[name] = len(s.tools)
	s.tools = append(s.tools, Tool{
		Name:        name,
		Description: description,
		InputSchema: schema,
		call: func(ctx context.Context, args map[string]any) (any, error) {
			var in In
			if err := decodeArgs(args, &in); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, name, err)
			}
			return fn(ctx, in)
		},
	})
	return nil
}

func decodeArgs(args map[string]any, dst any) error {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// Result is the tabular result shape shared by every tool that returns rows.
type Result struct {
	TotalRows    int              `json:"total_rows"`
	ReturnedRows int              `json:"returned_rows"`
	Columns      []string         `json:"columns"`
	Data         []map[string]any `json:"data"`
	FilteredRows *int             `json:"filtered_rows,omitempty"`
	TotalAmount  *float64         `json:"total_amount,omitempty"`

	table *table.Table
}

// Table returns the returned rows as a table.
func (r *Result) Table() *table.Table {
	return r.table
}

// NewResult truncates t to limit rows, optionally keeping only the
// requested columns that exist.
func NewResult(t *table.Table, limit int, selectColumns []string) *Result {
	if len(selectColumns) > 0 {
		var keep []string
		for _, c := range selectColumns {
			if t.Has(c) {
				keep = append(keep, c)
			}
		}
		if len(keep) > 0 {
			t, _ = t.Project(keep...)
		}
	}
	head := t.Head(limit)
	return &Result{
		TotalRows:    t.Len(),
		ReturnedRows: head.Len(),
		Columns:      head.ColumnNames(),
		Data:         head.Records(-1),
		table:        head,
	}
}

func (s *Set) limit(n int) int {
	if n <= 0 {
		n = s.cfg.DefaultLimit
	}
	return min(n, s.cfg.MaxLimit)
}

func (s *Set) active() (*table.Table, error) {
	t, _, ok := s.cfg.Source.Active()
	if !ok {
		return nil, registry.ErrNoActiveTable
	}
	return t, nil
}

func intPtr(n int) *int { return &n }
