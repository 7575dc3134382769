package table

import (
	"fmt"
	"strings"
)

// maxDisplayRows caps how many rows String renders.
const maxDisplayRows = 50

// formatCell renders a cell for the model. Long strings are truncated so a
// single free-text column can't swamp the prompt.
func formatCell(v any) string {
	s := Format(v)
	if len(s) > 100 {
		s = s[:97] + "..."
	}
	return s
}

// String renders the table for prompts and logs.
func (t *Table) String() string {
	if t.Len() == 0 {
		return fmt.Sprintf("Columns: %s\nQuery returned no results.", strings.Join(t.ColumnNames(), ", "))
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Columns: %s\n", strings.Join(t.ColumnNames(), ", ")))
	sb.WriteString(fmt.Sprintf("Rows (%d total):\n", t.Len()))
	for i := 0; i < t.Len() && i < maxDisplayRows; i++ {
		values := make([]string, len(t.Columns))
		for j := range t.Columns {
			values[j] = formatCell(t.Cell(i, j))
		}
		sb.WriteString(strings.Join(values, " | ") + "\n")
	}
	if t.Len() > maxDisplayRows {
		sb.WriteString(fmt.Sprintf("... and %d more rows\n", t.Len()-maxDisplayRows))
	}
	return sb.String()
}

// Markdown renders the first n rows as a markdown table.
func (t *Table) Markdown(n int) string {
	h := t.Head(n)
	var sb strings.Builder
	sb.WriteString("| " + strings.Join(h.ColumnNames(), " | ") + " |\n")
	sep := make([]string, len(h.Columns))
	for i := range sep {
		sep[i] = "---"
	}
	sb.WriteString("| " + strings.Join(sep, " | ") + " |\n")
	for i := range h.Rows {
		values := make([]string, len(h.Columns))
		for j := range h.Columns {
			values[j] = strings.ReplaceAll(formatCell(h.Cell(i, j)), "|", "\\|")
		}
		sb.WriteString("| " + strings.Join(values, " | ") + " |\n")
	}
	return sb.String()
}
