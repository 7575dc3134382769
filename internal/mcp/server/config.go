package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/malbeclabs/sheetagent/agent/pkg/workflow"
	"github.com/malbeclabs/sheetagent/pkg/registry"
	"github.com/malbeclabs/sheetagent/pkg/tools"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
)

type ToolSet interface {
	List() []tools.Tool
	Call(ctx context.Context, name string, args map[string]any) (any, error)
}

type TableLister interface {
	ListTables() []registry.TableInfo
}

type Asker interface {
	RunWithHistory(ctx context.Context, question string, history []workflow.Message) (*workflow.Result, error)
}

type Config struct {
	Logger *slog.Logger

	Tools  ToolSet
	Tables TableLister
	// Asker answers the query tool. Without it the tool is not registered.
	Asker Asker

	Version           string
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	AllowedTokens     []string // Bearer tokens allowed for MCP endpoint authentication
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Tools == nil {
		return fmt.Errorf("tools are required")
	}
	if c.Tables == nil {
		return fmt.Errorf("table lister is required")
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	return nil
}
