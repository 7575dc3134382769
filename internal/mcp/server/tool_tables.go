package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/malbeclabs/sheetagent/internal/mcp/metrics"
)

type ListTablesInput struct{}

type TableSummary struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	SheetName string `json:"sheet_name"`
	Rows      int    `json:"rows"`
	Columns   int    `json:"columns"`
	Active    bool   `json:"active"`
	Joined    bool   `json:"joined"`
}

type ListTablesOutput struct {
	Tables []TableSummary `json:"tables"`
}

func RegisterListTablesTool(log *slog.Logger, server *mcp.Server, tables TableLister) error {
	req, err := jsonschema.For[ListTablesInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create list_tables input schema: %w", err)
	}
	res, err := jsonschema.For[ListTablesOutput](nil)
	if err != nil {
		return fmt.Errorf("failed to create list_tables output schema: %w", err)
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:         "list_tables",
		Description:  `List the loaded tables. The active table is the one the sheet tools and "query" operate on.`,
		InputSchema:  req,
		OutputSchema: res,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, _ ListTablesInput) (*mcp.CallToolResult, ListTablesOutput, error) {
		start := time.Now()
		log.Debug("mcp/tool: handling list_tables")

		infos := tables.ListTables()
		out := ListTablesOutput{Tables: make([]TableSummary, len(infos))}
		for i, ti := range infos {
			out.Tables[i] = TableSummary{
				ID:        ti.ID,
				Filename:  ti.Filename,
				SheetName: ti.SheetName,
				Rows:      ti.TotalRows,
				Columns:   ti.TotalColumns,
				Active:    ti.IsActive,
				Joined:    ti.IsJoined,
			}
		}
		metrics.ObserveToolCall("list_tables", time.Since(start).Seconds(), nil)
		return nil, out, nil
	})
	return nil
}
