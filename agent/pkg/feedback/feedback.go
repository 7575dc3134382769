// Package feedback records user ratings of answers. A confirmed answer is
// turned into a knowledge document so later questions can reuse it.
package feedback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonboulle/clockwork"
	"gopkg.in/yaml.v3"

	"github.com/malbeclabs/sheetagent/agent/pkg/knowledge"
	"github.com/malbeclabs/sheetagent/agent/pkg/trace"
)

var ErrIncompleteTrace = errors.New("trace is missing the question, plan or answer")

// KnowledgeWriter receives confirmed answers.
type KnowledgeWriter interface {
	Add(item knowledge.Item)
}

type Config struct {
	Logger    *slog.Logger
	Traces    trace.Store
	Knowledge KnowledgeWriter
	Clock     clockwork.Clock

	// Dir is where confirmed answers are written as markdown. Documents land
	// under Dir/confirmed_qa. Empty keeps them in memory only.
	Dir string
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Traces == nil {
		return errors.New("trace store is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Manager struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{log: cfg.Logger, cfg: cfg}, nil
}

type Outcome struct {
	TraceID string `json:"trace_id"`
	Correct bool   `json:"correct"`
	// KnowledgeID is set when the answer was added to the knowledge base.
	KnowledgeID string `json:"knowledge_id,omitempty"`
	Path        string `json:"path,omitempty"`
}

// Submit stores feedback on a trace. Positive feedback also turns the trace
// into a knowledge document when a knowledge writer is configured.
func (m *Manager) Submit(ctx context.Context, traceID string, correct bool, comment string) (Outcome, error) {
	rec, err := m.cfg.Traces.Get(ctx, traceID)
	if err != nil {
		return Outcome{}, err
	}
	fb := trace.Feedback{Correct: correct, Comment: comment, At: m.cfg.Clock.Now().UTC()}
	if err := m.cfg.Traces.SetFeedback(ctx, traceID, fb); err != nil {
		return Outcome{}, fmt.Errorf("failed to store feedback: %w", err)
	}
	out := Outcome{TraceID: traceID, Correct: correct}
	m.log.Info("feedback: recorded", "trace_id", traceID, "correct", correct)
	if !correct || m.cfg.Knowledge == nil {
		return out, nil
	}

	doc, err := Document(rec, fb)
	if err != nil {
		return out, err
	}
	item, err := knowledge.ParseMarkdown(doc)
	if err != nil {
		return out, fmt.Errorf("failed to parse generated document: %w", err)
	}
	if m.cfg.Dir != "" {
		dir := filepath.Join(m.cfg.Dir, "confirmed_qa")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return out, fmt.Errorf("failed to create knowledge directory: %w", err)
		}
		path := filepath.Join(dir, item.ID+".md")
		if err := os.WriteFile(path, doc, 0o644); err != nil {
			return out, fmt.Errorf("failed to write knowledge document: %w", err)
		}
		item.SourceFile = path
		out.Path = path
	}
	m.cfg.Knowledge.Add(item)
	out.KnowledgeID = item.ID
	m.log.Info("feedback: added confirmed answer to knowledge base", "id", item.ID)
	return out, nil
}

type intentDoc struct {
	Type       string          `json:"type"`
	Parameters json.RawMessage `json:"parameters"`
	Reasoning  string          `json:"reasoning"`
}

type frontMatter struct {
	ID       string   `yaml:"id"`
	Title    string   `yaml:"title"`
	Category string   `yaml:"category"`
	Tags     []string `yaml:"tags"`
	Priority string   `yaml:"priority"`
}

// Document renders a confirmed trace as a markdown knowledge document with
// YAML front matter.
func Document(rec trace.Record, fb trace.Feedback) ([]byte, error) {
	if strings.TrimSpace(rec.UserQuery) == "" || rec.QueryText == "" || len(rec.FinalMessages) == 0 {
		return nil, ErrIncompleteTrace
	}
	var intent intentDoc
	if len(rec.IntentAnalysis) > 0 {
		if err := json.Unmarshal(rec.IntentAnalysis, &intent); err != nil {
			return nil, fmt.Errorf("failed to decode intent analysis: %w", err)
		}
	}
	if intent.Type == "" {
		intent.Type = "general_query"
	}

	front, err := yaml.Marshal(frontMatter{
		ID:       "qa_confirmed_" + rec.TraceID,
		Title:    rec.UserQuery,
		Category: "confirmed_qa",
		Tags:     []string{"auto-generated", "human-verified", intent.Type},
		Priority: "high",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal front matter: %w", err)
	}

	params := "{}"
	if len(intent.Parameters) > 0 && string(intent.Parameters) != "null" {
		var buf bytes.Buffer
		if err := json.Indent(&buf, intent.Parameters, "", "  "); err == nil {
			params = buf.String()
		}
	}

	var b bytes.Buffer
	b.WriteString("---\n")
	b.Write(front)
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, "# %s\n\n", rec.UserQuery)
	fmt.Fprintf(&b, "## Question\n\n%s\n\n", rec.UserQuery)
	fmt.Fprintf(&b, "## Intent\n\n- Type: %s\n- Parameters:\n\n```json\n%s\n```\n\n", intent.Type, params)
	if intent.Reasoning != "" {
		fmt.Fprintf(&b, "- Reasoning: %s\n\n", intent.Reasoning)
	}
	fmt.Fprintf(&b, "## Executed plan\n\n```\n%s\n```\n\n", rec.QueryText)
	fmt.Fprintf(&b, "## Answer\n\n%s\n\n", rec.FinalMessages[len(rec.FinalMessages)-1])
	fmt.Fprintf(&b, "## Verification\n\n- Verified at: %s\n", fb.At.UTC().Format("2006-01-02 15:04:05"))
	if fb.Comment != "" {
		fmt.Fprintf(&b, "- Comment: %s\n", fb.Comment)
	}
	return b.Bytes(), nil
}
