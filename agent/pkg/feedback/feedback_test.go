package feedback

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/sheetagent/agent/pkg/knowledge"
	"github.com/malbeclabs/sheetagent/agent/pkg/trace"
)

var testLog = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

var now = time.Date(2025, 11, 3, 8, 0, 0, 0, time.UTC)

func confirmedRecord() trace.Record {
	result := `{"total_amount": 1200}`
	return trace.Record{
		TraceID:         "abc123",
		Timestamp:       now.Add(-time.Hour),
		UserQuery:       "HR allocation to CT in FY26 Budget1",
		IntentAnalysis:  json.RawMessage(`{"type":"allocation","parameters":{"target_bl":"CT","year":"FY26","scenario":"Budget1","function":"HR Allocation"},"reasoning":"allocation keywords"}`),
		QueryText:       `{"tool_call":"calculate_allocated_costs","parameters":{"target":"CT"}}`,
		ExecutionResult: &result,
		FinalMessages:   []string{"CT receives 1200 of HR allocation in FY26 Budget1."},
	}
}

func setup(t *testing.T, rec trace.Record) (*Manager, *trace.MemoryStore, *knowledge.Base, string) {
	t.Helper()
	store, err := trace.NewMemoryStore(trace.MemoryConfig{Logger: testLog})
	require.NoError(t, err)
	require.NoError(t, store.Save(t.Context(), rec))
	kb, err := knowledge.New(knowledge.Config{Logger: testLog})
	require.NoError(t, err)
	dir := t.TempDir()
	m, err := New(Config{
		Logger:    testLog,
		Traces:    store,
		Knowledge: kb,
		Clock:     clockwork.NewFakeClockAt(now),
		Dir:       dir,
	})
	require.NoError(t, err)
	return m, store, kb, dir
}

func TestSheetAgent_Feedback_Positive(t *testing.T) {
	t.Parallel()

	m, store, kb, dir := setup(t, confirmedRecord())
	out, err := m.Submit(t.Context(), "abc123", true, "matches the finance report")
	require.NoError(t, err)
	require.Equal(t, "qa_confirmed_abc123", out.KnowledgeID)
	require.Equal(t, filepath.Join(dir, "confirmed_qa", "qa_confirmed_abc123.md"), out.Path)

	rec, err := store.Get(t.Context(), "abc123")
	require.NoError(t, err)
	require.NotNil(t, rec.Feedback)
	require.True(t, rec.Feedback.Correct)
	require.Equal(t, now, rec.Feedback.At)

	require.Equal(t, 1, kb.Len())
	items, err := kb.Search(t.Context(), "HR allocation to CT")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "HR allocation to CT in FY26 Budget1", items[0].Title)
	require.Equal(t, []string{"auto-generated", "human-verified", "allocation"}, items[0].Tags)

	data, err := os.ReadFile(out.Path)
	require.NoError(t, err)
	parsed, err := knowledge.ParseMarkdown(data)
	require.NoError(t, err)
	require.Equal(t, "qa_confirmed_abc123", parsed.ID)
	require.Equal(t, "confirmed_qa", parsed.Category)
	require.Equal(t, "high", parsed.Priority)

	// A reloaded knowledge base picks the document up again.
	reloaded, err := knowledge.New(knowledge.Config{Logger: testLog, Dir: dir})
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.Len())
}

func TestSheetAgent_Feedback_Negative(t *testing.T) {
	t.Parallel()

	m, store, kb, dir := setup(t, confirmedRecord())
	out, err := m.Submit(t.Context(), "abc123", false, "wrong year")
	require.NoError(t, err)
	require.Empty(t, out.KnowledgeID)
	require.Equal(t, 0, kb.Len())

	rec, err := store.Get(t.Context(), "abc123")
	require.NoError(t, err)
	require.False(t, rec.Feedback.Correct)
	require.Equal(t, "wrong year", rec.Feedback.Comment)

	_, err = os.Stat(filepath.Join(dir, "confirmed_qa"))
	require.True(t, os.IsNotExist(err))
}

func TestSheetAgent_Feedback_Errors(t *testing.T) {
	t.Parallel()

	m, _, _, _ := setup(t, confirmedRecord())
	_, err := m.Submit(t.Context(), "nope", true, "")
	require.ErrorIs(t, err, trace.ErrNotFound)

	incomplete := confirmedRecord()
	incomplete.TraceID = "partial"
	incomplete.FinalMessages = nil
	m, store, kb, _ := setup(t, incomplete)
	_, err = m.Submit(t.Context(), "partial", true, "")
	require.ErrorIs(t, err, ErrIncompleteTrace)
	require.Equal(t, 0, kb.Len())
	rec, err := store.Get(t.Context(), "partial")
	require.NoError(t, err)
	require.NotNil(t, rec.Feedback)

	_, err = New(Config{Logger: testLog})
	require.EqualError(t, err, "trace store is required")
}

func TestSheetAgent_Feedback_Document(t *testing.T) {
	t.Parallel()

	doc, err := Document(confirmedRecord(), trace.Feedback{Correct: true, Comment: "ok", At: now})
	require.NoError(t, err)
	text := string(doc)
	require.Contains(t, text, "id: qa_confirmed_abc123\n")
	require.Contains(t, text, "## Question\n\nHR allocation to CT in FY26 Budget1")
	require.Contains(t, text, "- Type: allocation")
	require.Contains(t, text, `"target_bl": "CT"`)
	require.Contains(t, text, "- Reasoning: allocation keywords")
	require.Contains(t, text, "calculate_allocated_costs")
	require.Contains(t, text, "- Verified at: 2025-11-03 08:00:00")
	require.Contains(t, text, "- Comment: ok")

	rec := confirmedRecord()
	rec.IntentAnalysis = nil
	doc, err = Document(rec, trace.Feedback{At: now})
	require.NoError(t, err)
	require.Contains(t, string(doc), "- human-verified\n    - general_query")
}
