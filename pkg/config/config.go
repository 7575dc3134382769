// Package config loads the sheetagent YAML configuration. Values may
// reference environment variables as ${NAME}.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/malbeclabs/sheetagent/pkg/registry"
)

const (
	TraceBackendMemory = "memory"
	TraceBackendDuckDB = "duckdb"
)

type Config struct {
	LLM       LLM               `yaml:"llm"`
	Excel     Excel             `yaml:"excel"`
	Workflow  Workflow          `yaml:"workflow"`
	Cache     Cache             `yaml:"cache"`
	Trace     Trace             `yaml:"trace"`
	Knowledge Knowledge         `yaml:"knowledge"`
	Server    Server            `yaml:"server"`
	MCP       MCP               `yaml:"mcp"`
	Preload   []registry.Source `yaml:"preload"`
}

type LLM struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	MaxTokens  int64  `yaml:"max_tokens"`
	MaxRetries uint   `yaml:"max_retries"`
}

type Excel struct {
	MaxPreviewRows     int `yaml:"max_preview_rows"`
	DefaultResultLimit int `yaml:"default_result_limit"`
	MaxResultLimit     int `yaml:"max_result_limit"`
	QueryRowLimit      int `yaml:"query_row_limit"`
	FieldValuesLimit   int `yaml:"field_values_limit"`
	PreloadWorkers     int `yaml:"preload_workers"`
}

type Workflow struct {
	MaxRetries     int `yaml:"max_retries"`
	ReanalyzeAfter int `yaml:"reanalyze_after"`
	MaxSteps       int `yaml:"max_steps"`
}

type Cache struct {
	TTL      time.Duration `yaml:"ttl"`
	Capacity uint64        `yaml:"capacity"`
}

type Trace struct {
	Backend  string `yaml:"backend"`
	Path     string `yaml:"path"`
	Capacity int    `yaml:"capacity"`
}

type Knowledge struct {
	File string `yaml:"file"`
	Dir  string `yaml:"dir"`
	TopK int    `yaml:"top_k"`
}

type Server struct {
	ListenAddr     string   `yaml:"listen_addr"`
	MetricsAddr    string   `yaml:"metrics_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// UploadDir holds workbooks uploaded over HTTP.
	UploadDir string `yaml:"upload_dir"`
	// MaxUploadBytes caps a single upload.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

type MCP struct {
	ListenAddr string `yaml:"listen_addr"`
	// Token enables bearer authentication when set.
	Token string `yaml:"token"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML file, expanding ${NAME} references from the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	expanded := os.Expand(string(data), func(name string) string {
		return os.Getenv(name)
	})
	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 4096
	}
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = 3
	}
	if c.Excel.MaxPreviewRows == 0 {
		c.Excel.MaxPreviewRows = 5
	}
	if c.Excel.DefaultResultLimit == 0 {
		c.Excel.DefaultResultLimit = 20
	}
	if c.Excel.MaxResultLimit == 0 {
		c.Excel.MaxResultLimit = 1000
	}
	if c.Excel.QueryRowLimit == 0 {
		c.Excel.QueryRowLimit = 100
	}
	if c.Excel.FieldValuesLimit == 0 {
		c.Excel.FieldValuesLimit = 30
	}
	if c.Excel.PreloadWorkers == 0 {
		c.Excel.PreloadWorkers = 4
	}
	if c.Workflow.MaxRetries == 0 {
		c.Workflow.MaxRetries = 5
	}
	if c.Workflow.ReanalyzeAfter == 0 {
		c.Workflow.ReanalyzeAfter = 2
	}
	if c.Workflow.MaxSteps == 0 {
		c.Workflow.MaxSteps = 25
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 24 * time.Hour
	}
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = 1000
	}
	if c.Trace.Backend == "" {
		c.Trace.Backend = TraceBackendMemory
	}
	if c.Trace.Capacity == 0 {
		c.Trace.Capacity = 1000
	}
	if c.Knowledge.TopK == 0 {
		c.Knowledge.TopK = 3
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.MetricsAddr == "" {
		c.Server.MetricsAddr = ":9090"
	}
	if c.Server.UploadDir == "" {
		c.Server.UploadDir = filepath.Join(os.TempDir(), "sheetagent-uploads")
	}
	if c.Server.MaxUploadBytes == 0 {
		c.Server.MaxUploadBytes = 32 << 20
	}
	if c.MCP.ListenAddr == "" {
		c.MCP.ListenAddr = ":8090"
	}
}

func (c *Config) Validate() error {
	if c.Excel.QueryRowLimit > c.Excel.MaxResultLimit {
		return fmt.Errorf("excel.query_row_limit (%d) exceeds excel.max_result_limit (%d)", c.Excel.QueryRowLimit, c.Excel.MaxResultLimit)
	}
	if c.Excel.DefaultResultLimit > c.Excel.MaxResultLimit {
		return fmt.Errorf("excel.default_result_limit (%d) exceeds excel.max_result_limit (%d)", c.Excel.DefaultResultLimit, c.Excel.MaxResultLimit)
	}
	if c.Workflow.ReanalyzeAfter >= c.Workflow.MaxRetries {
		return fmt.Errorf("workflow.reanalyze_after (%d) must be below workflow.max_retries (%d)", c.Workflow.ReanalyzeAfter, c.Workflow.MaxRetries)
	}
	switch c.Trace.Backend {
	case TraceBackendMemory:
	case TraceBackendDuckDB:
		if c.Trace.Path == "" {
			return errors.New("trace.path is required for the duckdb backend")
		}
	default:
		return fmt.Errorf("unknown trace backend %q (memory, duckdb)", c.Trace.Backend)
	}
	for i, src := range c.Preload {
		if src.Path == "" {
			return fmt.Errorf("preload[%d]: path is required", i)
		}
	}
	return nil
}
