package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect and maintain session locks",
}

var lockCleanupStaleCmd = &cobra.Command{
	Use:   "cleanup-stale",
	Short: "Remove lock files whose owning process is no longer running",
	RunE:  runLockCleanupStale,
}

func init() {
	lockCmd.AddCommand(lockCleanupStaleCmd)
	rootCmd.AddCommand(lockCmd)
}

func runLockCleanupStale(cmd *cobra.Command, args []string) error {
	d, cleanup, err := newDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	n, err := d.lm.CleanupStale()
	if err != nil {
		return fmt.Errorf("cleaning up stale locks: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d stale lock(s)\n", n)
	return nil
}
