package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"

	"github.com/malbeclabs/sheetagent/agent/pkg/executor"
	"github.com/malbeclabs/sheetagent/pkg/table"
	"github.com/malbeclabs/sheetagent/pkg/tools"
)

func newTable(w io.Writer, header []string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetAutoWrapText(false)
	t.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	t.SetAutoFormatHeaders(false)
	t.SetBorder(true)
	t.SetHeader(header)
	return t
}

// renderResult prints tabular tool results as a table and anything else as
// indented JSON.
func renderResult(w io.Writer, v any) error {
	switch r := v.(type) {
	case *tools.Result:
		renderRows(w, r)
		return nil
	case executor.Result:
		if res, ok := r.Value.(*tools.Result); ok && !r.Scalar {
			renderRows(w, res)
			return nil
		}
		if r.Scalar {
			_, err := fmt.Fprintln(w, table.Text(r.Value))
			return err
		}
		v = r.Value
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func renderRows(w io.Writer, r *tools.Result) {
	t := newTable(w, r.Columns)
	for _, row := range r.Data {
		cells := make([]string, len(r.Columns))
		for i, c := range r.Columns {
			cells[i] = table.Text(row[c])
		}
		t.Append(cells)
	}
	t.Render()
	if r.ReturnedRows < r.TotalRows {
		fmt.Fprintf(w, "%d of %d rows\n", r.ReturnedRows, r.TotalRows)
	}
}
