// Package apptest builds an App over in-memory workbooks and a scripted LLM.
package apptest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/sheetagent/agent/pkg/llm"
	"github.com/malbeclabs/sheetagent/agent/pkg/llm/llmtest"
	"github.com/malbeclabs/sheetagent/internal/app"
	"github.com/malbeclabs/sheetagent/pkg/config"
	"github.com/malbeclabs/sheetagent/pkg/sheet"
	"github.com/malbeclabs/sheetagent/pkg/table"
)

const (
	CostsPath = "/data/costs.xlsx"
	RatesPath = "/data/rates.xlsx"

	GeneralIntent = `{"type": "general_query", "parameters": null, "reasoning": "totals"}`
	Answer        = "FY26 Budget1 is 20 higher (+25%)."
)

var Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

// Loader serves workbooks from memory keyed by source. Unknown sources go
// to Fallback when it is set.
type Loader struct {
	Workbooks map[string]*sheet.Workbook
	Fallback  sheet.Loader
}

func (l *Loader) Load(ctx context.Context, source, sheetName string) (*sheet.Workbook, error) {
	wb, ok := l.Workbooks[source]
	if !ok && l.Fallback != nil {
		return l.Fallback.Load(ctx, source, sheetName)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", sheet.ErrNotFound, source)
	}
	if sheetName != "" && sheetName != wb.SheetName {
		return nil, fmt.Errorf("%w: %s", sheet.ErrSheetNotFound, sheetName)
	}
	return wb, nil
}

func NewLoader() *Loader {
	return &Loader{Workbooks: map[string]*sheet.Workbook{
		CostsPath: {
			Source:    CostsPath,
			SheetName: "CostDataBase",
			AllSheets: []string{"CostDataBase", "Business Logic"},
			Table: table.FromRows(
				[]string{"Key", "Year", "Scenario", "Function", "Month", "Amount"},
				[][]any{
					{"K1", "FY26", "Budget1", "HR Allocation", "Oct", 60.0},
					{"K2", "FY26", "Budget1", "HR Allocation", "Nov", 40.0},
					{"K1", "FY25", "Actual", "HR Allocation", "Jan", 50.0},
					{"K2", "FY25", "Actual", "HR Allocation", "Oct", 30.0},
				},
			),
			BusinessLogic: "Budget1 is the first budget round.",
		},
		RatesPath: {
			Source:    RatesPath,
			SheetName: "Table7",
			AllSheets: []string{"Table7"},
			Table: table.FromRows(
				[]string{"Key", "BL", "RateNo"},
				[][]any{{"K1", "Ops", 0.5}, {"K3", "Ops", 0.2}},
			),
		},
	}}
}

// CompareClient answers every question by calling compare_scenarios for FY26
// Budget1 against FY25 Actual.
func CompareClient() *llmtest.Client {
	return &llmtest.Client{
		CompleteFunc: func(_, user string) (string, error) {
			switch {
			case strings.HasPrefix(user, "Classify"):
				return GeneralIntent, nil
			case strings.HasPrefix(user, "Write the final answer"):
				return Answer, nil
			case strings.HasPrefix(user, "Two tables need to be joined"):
				return `{"new_name": "costs_rates", "keys1": ["Key"], "keys2": ["Key"], "join_type": "left", "reason": "shared Key column"}`, nil
			}
			return "VALID", nil
		},
		ToolsFunc: func(string, string, []llm.ToolSpec) (llm.Response, error) {
			return llm.Response{ToolCalls: []llm.ToolCall{{Name: "compare_scenarios", Args: map[string]any{
				"year1": "FY26", "scenario1": "Budget1", "year2": "FY25", "scenario2": "Actual", "function": "HR Allocation",
			}}}}, nil
		},
	}
}

// New returns an App with the cost workbook loaded and active. The client
// defaults to CompareClient.
func New(t *testing.T, client llm.Client) *app.App {
	t.Helper()
	if client == nil {
		client = CompareClient()
	}
	reader, err := sheet.NewReader(sheet.ReaderConfig{Logger: Logger})
	require.NoError(t, err)
	loader := NewLoader()
	loader.Fallback = reader

	cfg := config.Default()
	cfg.Knowledge.Dir = t.TempDir()
	cfg.Server.UploadDir = t.TempDir()
	a, err := app.New(t.Context(), app.Options{
		Logger: Logger,
		Config: cfg,
		Clock:  clockwork.NewFakeClockAt(time.Date(2025, 10, 1, 9, 0, 0, 0, time.UTC)),
		LLM:    client,
		Loader: loader,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	_, _, err = a.Registry.AddTable(t.Context(), CostsPath, "")
	require.NoError(t, err)
	return a
}
