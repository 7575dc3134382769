package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

type ToolCmd struct {
	opts Options
}

func NewToolCmd(opts Options) *ToolCmd {
	return &ToolCmd{opts: opts}
}

func (c *ToolCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tool [name]",
		Short: "List the tools, or call one with JSON arguments",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rawArgs, err := cmd.Flags().GetString("args")
			if err != nil {
				return fmt.Errorf("failed to get args flag: %w", err)
			}
			a, err := newApp(cmd, c.opts)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				t := newTable(out, []string{"Tool", "Description"})
				for _, tool := range a.Tools.List() {
					t.Append([]string{tool.Name, tool.Description})
				}
				t.Render()
				return nil
			}

			callArgs := map[string]any{}
			if rawArgs != "" {
				if err := json.Unmarshal([]byte(rawArgs), &callArgs); err != nil {
					return fmt.Errorf("invalid --args: %w", err)
				}
			}
			res, err := a.Tools.Call(cmd.Context(), args[0], callArgs)
			if err != nil {
				return err
			}
			return renderResult(out, res)
		},
	}
	cmd.Flags().String("args", "", `tool arguments as a JSON object, e.g. '{"column": "Amount"}'`)
	return cmd
}
