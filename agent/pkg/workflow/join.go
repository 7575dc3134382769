package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/malbeclabs/sheetagent/agent/pkg/llm"
	"github.com/malbeclabs/sheetagent/agent/pkg/prompts"
	"github.com/malbeclabs/sheetagent/pkg/registry"
	"github.com/malbeclabs/sheetagent/pkg/table"
)

// JoinCandidate is one side of a join to suggest.
type JoinCandidate struct {
	ID    string
	Name  string
	Table *table.Table
}

type JoinSuggestion struct {
	registry.JoinSpec
	Reason string `json:"reason"`
}

const joinPreviewRows = 3

func describe(c JoinCandidate) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Name: %s\nRows: %d\nColumns:\n", c.Name, c.Table.Len())
	for _, col := range c.Table.Columns {
		fmt.Fprintf(&sb, "- %s (%s)\n", col.Name, col.Type)
	}
	sb.WriteString("Preview:\n")
	sb.WriteString(c.Table.Markdown(joinPreviewRows))
	return sb.String()
}

// SuggestJoin asks the model for join keys between two tables. The
// suggestion is checked against both tables before it is returned.
func (w *Workflow) SuggestJoin(ctx context.Context, left, right JoinCandidate) (*JoinSuggestion, error) {
	prompt, err := prompts.Render(w.cfg.Prompts.JoinSuggest, prompts.JoinSuggestData{
		Left:  describe(left),
		Right: describe(right),
	})
	if err != nil {
		return nil, err
	}
	text, err := w.cfg.LLM.Complete(ctx, w.cfg.Prompts.System, prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest join: %w", err)
	}
	var out struct {
		NewName  string   `json:"new_name"`
		Keys1    []string `json:"keys1"`
		Keys2    []string `json:"keys2"`
		JoinType string   `json:"join_type"`
		Reason   string   `json:"reason"`
	}
	if err := llm.DecodeJSON(text, &out); err != nil {
		return nil, fmt.Errorf("failed to decode join suggestion: %w", err)
	}
	kind, err := table.ParseJoinKind(out.JoinType)
	if err != nil {
		return nil, err
	}
	opts := table.JoinOptions{LeftKeys: out.Keys1, RightKeys: out.Keys2, Kind: kind}
	if err := opts.Validate(left.Table, right.Table); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(out.NewName)
	if name == "" {
		name = left.Name + "_" + right.Name
	}
	w.log.Info("workflow: join suggested", "left", left.Name, "right", right.Name, "keys1", out.Keys1, "keys2", out.Keys2, "kind", kind)
	return &JoinSuggestion{
		JoinSpec: registry.JoinSpec{
			LeftID:    left.ID,
			RightID:   right.ID,
			LeftKeys:  out.Keys1,
			RightKeys: out.Keys2,
			Kind:      kind,
			Name:      name,
		},
		Reason: out.Reason,
	}, nil
}
