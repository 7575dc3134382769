package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultModel     = anthropic.ModelClaudeSonnet4_5_20250929
	DefaultMaxTokens = 4096
)

type AnthropicConfig struct {
	Logger *slog.Logger
	APIKey string
	Model  anthropic.Model

	MaxTokens  int64
	MaxRetries uint

	// RetryInitialInterval is the first backoff delay between attempts.
	RetryInitialInterval time.Duration

	// BaseURL overrides the API endpoint, for tests and proxies.
	BaseURL string
}

func (cfg *AnthropicConfig) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = 500 * time.Millisecond
	}
	return nil
}

// AnthropicClient implements Client using the Anthropic messages API.
// Transient failures (rate limits, overload, 5xx, transport errors) are
// retried with exponential backoff.
type AnthropicClient struct {
	log    *slog.Logger
	cfg    AnthropicConfig
	client anthropic.Client
}

func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicClient{
		log:    cfg.Logger,
		cfg:    cfg,
		client: anthropic.NewClient(opts...),
	}, nil
}

func (c *AnthropicClient) Complete(ctx context.Context, system, user string) (string, error) {
	msg, err := c.send(ctx, c.params(system, user, nil))
	if err != nil {
		return "", err
	}
	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", ErrNoContent
}

func (c *AnthropicClient) CompleteWithTools(ctx context.Context, system, user string, tools []ToolSpec) (Response, error) {
	msg, err := c.send(ctx, c.params(system, user, toAnthropicTools(tools)))
	if err != nil {
		return Response{}, err
	}
	var resp Response
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if resp.Text == "" {
				resp.Text = block.Text
			}
		case "tool_use":
			tu := block.AsToolUse()
			args := map[string]any{}
			if len(tu.Input) > 0 {
				if err := json.Unmarshal(tu.Input, &args); err != nil {
					return Response{}, fmt.Errorf("failed to decode tool input for %s: %w", tu.Name, err)
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{Name: tu.Name, Args: args})
		}
	}
	if resp.Text == "" && len(resp.ToolCalls) == 0 {
		return Response{}, ErrNoContent
	}
	return resp, nil
}

func (c *AnthropicClient) params(system, user string, tools []anthropic.ToolUnionParam) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
		Tools: tools,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{
			{
				Text:         system,
				CacheControl: anthropic.NewCacheControlEphemeralParam(),
			},
		}
	}
	return params
}

func (c *AnthropicClient) send(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	start := time.Now()
	c.log.Debug("llm: anthropic call starting", "model", c.cfg.Model, "tools", len(params.Tools))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryInitialInterval

	attempt := 0
	msg, err := backoff.Retry(ctx, func() (*anthropic.Message, error) {
		if attempt > 0 {
			c.log.Warn("llm: anthropic call failed, retrying", "attempt", attempt)
		}
		attempt++
		msg, err := c.client.Messages.New(ctx, params)
		if err != nil {
			if !retryable(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return msg, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(c.cfg.MaxRetries+1))
	if err != nil {
		c.log.Error("llm: anthropic call failed", "duration", time.Since(start), "attempts", attempt, "error", err)
		return nil, fmt.Errorf("failed to call anthropic: %w", err)
	}
	c.log.Debug("llm: anthropic call completed", "duration", time.Since(start), "stop_reason", msg.StopReason)
	return msg, nil
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode >= 500:
			return true
		default:
			return false
		}
	}
	return true
}

func toAnthropicTools(tools []ToolSpec) []anthropic.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		props, required := schemaObject(t.InputSchema)
		toolParam := anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.Opt(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Type:       "object",
				Properties: props,
				Required:   required,
			},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return out
}
