// Package llmtest provides a scripted llm.Client for tests.
package llmtest

import (
	"context"
	"sync"

	"github.com/malbeclabs/sheetagent/agent/pkg/llm"
)

// Call records one request made to the client.
type Call struct {
	System string
	User   string
	Tools  []llm.ToolSpec
}

// Client answers requests with the configured functions. A nil function
// answers with an empty response.
type Client struct {
	CompleteFunc func(system, user string) (string, error)
	ToolsFunc    func(system, user string, tools []llm.ToolSpec) (llm.Response, error)

	mu    sync.Mutex
	calls []Call
}

func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	c.record(Call{System: system, User: user})
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.CompleteFunc == nil {
		return "", nil
	}
	return c.CompleteFunc(system, user)
}

func (c *Client) CompleteWithTools(ctx context.Context, system, user string, tools []llm.ToolSpec) (llm.Response, error) {
	c.record(Call{System: system, User: user, Tools: tools})
	if err := ctx.Err(); err != nil {
		return llm.Response{}, err
	}
	if c.ToolsFunc == nil {
		return llm.Response{}, nil
	}
	return c.ToolsFunc(system, user, tools)
}

func (c *Client) record(call Call) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

// Calls returns a copy of the recorded requests.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}
