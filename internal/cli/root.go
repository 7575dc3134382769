// Package cli implements the sheetagent command line.
package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/sheetagent/agent/pkg/llm"
	"github.com/malbeclabs/sheetagent/internal/app"
	"github.com/malbeclabs/sheetagent/pkg/config"
	"github.com/malbeclabs/sheetagent/pkg/logger"
	"github.com/malbeclabs/sheetagent/pkg/registry"
	"github.com/malbeclabs/sheetagent/pkg/sheet"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

// Options replaces collaborators in tests.
type Options struct {
	LLM    llm.Client
	Loader sheet.Loader
}

func Run() ExitCode {
	if err := NewRootCmd(Options{}).Execute(); err != nil {
		return exitCodeError
	}
	return exitCodeSuccess
}

func NewRootCmd(opts Options) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "sheetagent",
		Short:         "Ask questions about Excel workbooks.",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Help(); err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "set debug logging level")
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the YAML config file")
	rootCmd.PersistentFlags().StringArrayP("table", "t", nil, "workbook to load, as path or path#sheet (repeatable)")

	rootCmd.AddCommand(
		NewAskCmd(opts).Command(),
		NewTablesCmd(opts).Command(),
		NewToolCmd(opts).Command(),
		NewQueryCmd(opts).Command(),
	)
	return rootCmd
}

// ParseSource splits "path#sheet" into a table source.
func ParseSource(s string) registry.Source {
	path, sheetName, _ := strings.Cut(s, "#")
	return registry.Source{Path: path, Sheet: sheetName}
}

// newApp builds the application from the root flags and loads the tables
// named on the command line. The last one is active.
func newApp(cmd *cobra.Command, opts Options) (*app.App, error) {
	flags := cmd.Root().PersistentFlags()
	verbose, err := flags.GetBool("verbose")
	if err != nil {
		return nil, fmt.Errorf("failed to get verbose flag: %w", err)
	}
	path, err := flags.GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	tables, err := flags.GetStringArray("table")
	if err != nil {
		return nil, fmt.Errorf("failed to get table flag: %w", err)
	}

	cfg := config.Default()
	if path != "" {
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	for _, t := range tables {
		cfg.Preload = append(cfg.Preload, ParseSource(t))
	}

	a, err := app.New(cmd.Context(), app.Options{
		Logger: logger.NewWithWriter(cmd.ErrOrStderr(), verbose),
		Config: cfg,
		LLM:    opts.LLM,
		Loader: opts.Loader,
	})
	if err != nil {
		return nil, err
	}
	if infos := a.Registry.ListTables(); len(infos) > 0 {
		a.Registry.SetActive(infos[len(infos)-1].ID)
	}
	return a, nil
}
