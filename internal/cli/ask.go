package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/sheetagent/agent/pkg/workflow"
)

type AskCmd struct {
	opts Options
}

func NewAskCmd(opts Options) *AskCmd {
	return &AskCmd{opts: opts}
}

func (c *AskCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question about the loaded tables",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			showPlan, err := cmd.Flags().GetBool("show-plan")
			if err != nil {
				return fmt.Errorf("failed to get show-plan flag: %w", err)
			}
			a, err := newApp(cmd, c.opts)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			res, err := a.Workflow.RunWithProgress(cmd.Context(), strings.Join(args, " "), nil, func(ev workflow.Event) {
				if showPlan {
					fmt.Fprintf(cmd.ErrOrStderr(), "[%d] %s\n", ev.Step, ev.Node)
				}
			})
			if err != nil && !errors.Is(err, workflow.ErrWorkflowAborted) {
				return err
			}
			if showPlan && res.Plan != "" {
				fmt.Fprintf(out, "Plan:\n%s\n\n", res.Plan)
			}
			fmt.Fprintln(out, res.Answer)
			fmt.Fprintf(out, "\ntrace: %s (retries: %d)\n", res.TraceID, res.RetryCount)
			return err
		},
	}
	cmd.Flags().Bool("show-plan", false, "print the executed plan and node progress")
	return cmd
}
