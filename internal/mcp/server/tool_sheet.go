package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/malbeclabs/sheetagent/internal/mcp/metrics"
)

// RegisterSheetTools registers every sheet tool under its own name. Results
// are returned as JSON text; tool failures are reported as tool errors so
// the caller can correct its arguments.
func RegisterSheetTools(log *slog.Logger, server *mcp.Server, set ToolSet) error {
	for _, t := range set.List() {
		if t.InputSchema == nil {
			return fmt.Errorf("tool %s has no input schema", t.Name)
		}
		name := t.Name
		server.AddTool(&mcp.Tool{
			Name:        name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			start := time.Now()
			args := map[string]any{}
			if len(req.Params.Arguments) > 0 {
				if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
					metrics.ObserveToolCall(name, time.Since(start).Seconds(), err)
					return errorResult(fmt.Errorf("invalid arguments: %w", err)), nil
				}
			}
			log.Debug("mcp/tool: handling sheet tool", "tool", name, "args", args)
			out, err := set.Call(ctx, name, args)
			metrics.ObserveToolCall(name, time.Since(start).Seconds(), err)
			if err != nil {
				return errorResult(err), nil
			}
			return jsonResult(out)
		})
	}
	return nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
	}
}
