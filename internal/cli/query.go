package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/sheetagent/agent/pkg/executor"
	"github.com/malbeclabs/sheetagent/agent/pkg/validator"
)

type QueryCmd struct {
	opts Options
}

func NewQueryCmd(opts Options) *QueryCmd {
	return &QueryCmd{opts: opts}
}

// Command evaluates an expression after the forbidden token check. With
// --review the model's semantic review runs as well.
func (c *QueryCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <expression>",
		Short: "Evaluate a table expression against the loaded tables",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			review, err := cmd.Flags().GetBool("review")
			if err != nil {
				return fmt.Errorf("failed to get review flag: %w", err)
			}
			a, err := newApp(cmd, c.opts)
			if err != nil {
				return err
			}
			defer a.Close()

			plan := executor.ParsePlan(strings.Join(args, " "))
			if tok, ok := validator.ScanForbidden(plan.Text()); ok {
				return fmt.Errorf("query rejected: contains forbidden keyword %q", tok)
			}
			if review {
				if v := a.Validator.Validate(cmd.Context(), plan); !v.Valid {
					return fmt.Errorf("query rejected: %s", v.Reason)
				}
			}
			res, err := a.Executor.Execute(cmd.Context(), plan)
			if err != nil {
				return err
			}
			return renderResult(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().Bool("review", false, "ask the model to review the expression before it runs")
	return cmd
}
