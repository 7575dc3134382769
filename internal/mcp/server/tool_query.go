package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/malbeclabs/sheetagent/agent/pkg/workflow"
	"github.com/malbeclabs/sheetagent/internal/mcp/metrics"
)

type QueryInput struct {
	Question string             `json:"question" jsonschema:"the question to answer from the active table"`
	History  []workflow.Message `json:"history,omitempty" jsonschema:"earlier turns of the conversation"`
}

type QueryOutput struct {
	TraceID         string `json:"trace_id"`
	Answer          string `json:"answer"`
	Plan            string `json:"plan,omitempty"`
	ExecutionResult string `json:"execution_result,omitempty"`
	Error           string `json:"error,omitempty"`
	RetryCount      int    `json:"retry_count"`
}

func RegisterQueryTool(log *slog.Logger, server *mcp.Server, asker Asker) error {
	req, err := jsonschema.For[QueryInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create query input schema: %w", err)
	}
	res, err := jsonschema.For[QueryOutput](nil)
	if err != nil {
		return fmt.Errorf("failed to create query output schema: %w", err)
	}

	mcp.AddTool(server, &mcp.Tool{
		Name: "query",
		Description: `
			Answer a natural-language question about the loaded spreadsheet tables.
			The question is classified, turned into a tool call or table expression,
			checked, executed and summarized. Failed attempts are corrected and
			retried. The reply carries the trace id to use for feedback.
		`,
		InputSchema:  req,
		OutputSchema: res,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in QueryInput) (*mcp.CallToolResult, QueryOutput, error) {
		start := time.Now()
		log.Debug("mcp/tool: handling query", "question", in.Question)
		out, err := handleQuery(ctx, asker, in)
		metrics.ObserveToolCall("query", time.Since(start).Seconds(), err)
		if err != nil {
			return nil, QueryOutput{}, err
		}
		return nil, out, nil
	})
	return nil
}

func handleQuery(ctx context.Context, asker Asker, in QueryInput) (QueryOutput, error) {
	if in.Question == "" {
		return QueryOutput{}, fmt.Errorf("question is required")
	}
	res, err := asker.RunWithHistory(ctx, in.Question, in.History)
	if err != nil {
		return QueryOutput{}, fmt.Errorf("failed to answer question: %w", err)
	}
	out := QueryOutput{
		TraceID:    res.TraceID,
		Answer:     res.Answer,
		Plan:       res.Plan,
		Error:      res.Error,
		RetryCount: res.RetryCount,
	}
	if res.ExecutionResult != nil {
		out.ExecutionResult = *res.ExecutionResult
	}
	return out, nil
}
