package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

type TablesCmd struct {
	opts Options
}

func NewTablesCmd(opts Options) *TablesCmd {
	return &TablesCmd{opts: opts}
}

func (c *TablesCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tables",
		Short: "List the loaded tables and describe the active one",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, c.opts)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			infos := a.Registry.ListTables()
			if len(infos) == 0 {
				fmt.Fprintln(out, "no tables loaded; pass --table path.xlsx")
				return nil
			}
			t := newTable(out, []string{"ID", "File", "Sheet", "Rows", "Columns", "Active"})
			for _, ti := range infos {
				active := ""
				if ti.IsActive {
					active = "*"
				}
				t.Append([]string{ti.ID, ti.Filename, ti.SheetName, strconv.Itoa(ti.TotalRows), strconv.Itoa(ti.TotalColumns), active})
			}
			t.Render()

			_, info, ok := a.Registry.Active()
			if !ok {
				return nil
			}
			st, err := a.Registry.Structure(info.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%s / %s\n", info.Filename, info.SheetName)
			cols := newTable(out, []string{"Column", "Type", "Non-null", "Null"})
			for _, col := range st.Columns {
				cols.Append([]string{col.Name, string(col.DType), strconv.Itoa(col.NonNullCount), strconv.Itoa(col.NullCount)})
			}
			cols.Render()
			return nil
		},
	}
	return cmd
}
