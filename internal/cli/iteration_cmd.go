package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var iterationCmd = &cobra.Command{
	Use:   "iteration",
	Short: "Drive a session's agent turns",
}

var iterationRunCmd = &cobra.Command{
	Use:   "run <session-id> [follow-up prompt]",
	Short: "Run one more iteration of an existing session",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runIterationRun,
}

func init() {
	iterationCmd.AddCommand(iterationRunCmd)
	rootCmd.AddCommand(iterationCmd)
}

func runIterationRun(cmd *cobra.Command, args []string) error {
	d, cleanup, err := newDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	sess, err := d.st.GetSession(args[0])
	if err != nil {
		return fmt.Errorf("loading session %s: %w", args[0], err)
	}
	var followUp string
	if len(args) == 2 {
		followUp = args[1]
	}
	if err := d.eng.Run(context.Background(), sess, followUp); err != nil {
		return fmt.Errorf("running iteration: %w", err)
	}
	updated, err := d.st.GetSession(args[0])
	if err != nil {
		return fmt.Errorf("reloading session after run: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "iteration complete, session now %s\n", updated.Status)
	return nil
}
