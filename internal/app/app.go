// Package app wires the sheetagent services from a configuration. The API
// server, MCP server and CLI all build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/sheetagent/agent/pkg/cache"
	"github.com/malbeclabs/sheetagent/agent/pkg/executor"
	"github.com/malbeclabs/sheetagent/agent/pkg/feedback"
	"github.com/malbeclabs/sheetagent/agent/pkg/knowledge"
	"github.com/malbeclabs/sheetagent/agent/pkg/llm"
	"github.com/malbeclabs/sheetagent/agent/pkg/prompts"
	"github.com/malbeclabs/sheetagent/agent/pkg/trace"
	"github.com/malbeclabs/sheetagent/agent/pkg/validator"
	"github.com/malbeclabs/sheetagent/agent/pkg/workflow"
	"github.com/malbeclabs/sheetagent/pkg/config"
	"github.com/malbeclabs/sheetagent/pkg/duck"
	"github.com/malbeclabs/sheetagent/pkg/registry"
	"github.com/malbeclabs/sheetagent/pkg/sheet"
	"github.com/malbeclabs/sheetagent/pkg/tools"
)

type Options struct {
	Logger *slog.Logger
	Config *config.Config
	Clock  clockwork.Clock

	// LLM replaces the Anthropic client, for tests.
	LLM llm.Client
	// Loader replaces the excelize reader, for tests.
	Loader sheet.Loader
}

type App struct {
	log *slog.Logger

	Config    *config.Config
	Registry  *registry.Registry
	Tools     *tools.Set
	LLM       llm.Client
	Validator *validator.Validator
	Executor  *executor.Executor
	Cache     *cache.Cache
	Knowledge *knowledge.Base
	Traces    trace.Store
	Feedback  *feedback.Manager
	Workflow  *workflow.Workflow

	closers []func() error
}

func New(ctx context.Context, opts Options) (*App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	cfg := opts.Config
	log := opts.Logger
	a := &App{log: log, Config: cfg}

	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	loader := opts.Loader
	if loader == nil {
		var err error
		loader, err = a.newLoader(ctx)
		if err != nil {
			return nil, err
		}
	}

	var err error
	a.Registry, err = registry.New(registry.Config{
		Logger:           log,
		Clock:            opts.Clock,
		Loader:           loader,
		PreloadWorkers:   cfg.Excel.PreloadWorkers,
		PreviewRows:      cfg.Excel.MaxPreviewRows,
		FieldValuesLimit: cfg.Excel.FieldValuesLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}
	a.Tools, err = tools.New(tools.Config{
		Logger:       log,
		Source:       a.Registry,
		Clock:        opts.Clock,
		DefaultLimit: cfg.Excel.DefaultResultLimit,
		MaxLimit:     cfg.Excel.MaxResultLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create tools: %w", err)
	}

	a.LLM = opts.LLM
	if a.LLM == nil {
		if cfg.LLM.APIKey == "" {
			log.Warn("app: no anthropic api key configured, questions will fail")
		}
		a.LLM, err = llm.NewAnthropicClient(llm.AnthropicConfig{
			Logger:     log,
			APIKey:     cfg.LLM.APIKey,
			Model:      anthropic.Model(cfg.LLM.Model),
			MaxTokens:  cfg.LLM.MaxTokens,
			MaxRetries: cfg.LLM.MaxRetries,
			BaseURL:    cfg.LLM.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create llm client: %w", err)
		}
	}

	p, err := prompts.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load prompts: %w", err)
	}
	a.Validator, err = validator.New(validator.Config{Logger: log, LLM: a.LLM, Schema: a.Registry, Prompts: p})
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}
	a.Executor, err = executor.New(executor.Config{Logger: log, Tools: a.Tools, Source: a.Registry, RowLimit: cfg.Excel.QueryRowLimit})
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}
	a.Cache, err = cache.New(cache.Config{Logger: log, TTL: cfg.Cache.TTL, Capacity: cfg.Cache.Capacity})
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	a.Knowledge, err = knowledge.New(knowledge.Config{Logger: log, File: cfg.Knowledge.File, Dir: cfg.Knowledge.Dir, TopK: cfg.Knowledge.TopK})
	if err != nil {
		return nil, fmt.Errorf("failed to load knowledge: %w", err)
	}
	if err := a.newTraces(ctx); err != nil {
		return nil, err
	}
	a.Feedback, err = feedback.New(feedback.Config{
		Logger:    log,
		Traces:    a.Traces,
		Knowledge: a.Knowledge,
		Clock:     opts.Clock,
		Dir:       cfg.Knowledge.Dir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create feedback manager: %w", err)
	}
	a.Workflow, err = workflow.New(workflow.Config{
		Logger:         log,
		LLM:            a.LLM,
		Tables:         a.Registry,
		Tools:          a.Tools,
		Validator:      a.Validator,
		Executor:       a.Executor,
		Prompts:        p,
		Clock:          opts.Clock,
		Cache:          a.Cache,
		Knowledge:      a.Knowledge,
		Traces:         a.Traces,
		MaxRetries:     cfg.Workflow.MaxRetries,
		ReanalyzeAfter: cfg.Workflow.ReanalyzeAfter,
		MaxSteps:       cfg.Workflow.MaxSteps,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	if len(cfg.Preload) > 0 {
		added, err := a.Registry.AddTables(ctx, cfg.Preload)
		if err != nil {
			return nil, fmt.Errorf("failed to preload tables: %w", err)
		}
		log.Info("app: tables preloaded", "count", len(added))
	}

	ok = true
	return a, nil
}

func (a *App) newLoader(ctx context.Context) (sheet.Loader, error) {
	s3cfg, err := sheet.LoadS3ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	fetcher, err := sheet.NewS3Fetcher(ctx, sheet.S3FetcherConfig{Logger: a.log, S3: s3cfg})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 fetcher: %w", err)
	}
	reader, err := sheet.NewReader(sheet.ReaderConfig{Logger: a.log, Fetcher: fetcher})
	if err != nil {
		return nil, fmt.Errorf("failed to create reader: %w", err)
	}
	loader, err := sheet.NewCachingLoader(sheet.CachingLoaderConfig{Logger: a.log, Loader: reader, Fetcher: fetcher})
	if err != nil {
		return nil, fmt.Errorf("failed to create caching loader: %w", err)
	}
	a.closers = append(a.closers, func() error { loader.Close(); return nil })
	return loader, nil
}

func (a *App) newTraces(ctx context.Context) error {
	switch a.Config.Trace.Backend {
	case config.TraceBackendDuckDB:
		db, err := duck.NewDB(ctx, a.Config.Trace.Path, a.log)
		if err != nil {
			return fmt.Errorf("failed to open trace database: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		store, err := trace.NewDuckStore(ctx, trace.DuckConfig{Logger: a.log, DB: db})
		if err != nil {
			return err
		}
		a.Traces = store
	default:
		store, err := trace.NewMemoryStore(trace.MemoryConfig{Logger: a.log, Capacity: a.Config.Trace.Capacity})
		if err != nil {
			return err
		}
		a.Traces = store
	}
	return nil
}

// Close releases the trace database and workbook cache.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
