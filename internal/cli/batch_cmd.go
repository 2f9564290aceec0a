package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/session-forge/forge/internal/batch"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run and monitor a plan of sessions across many repos",
}

var batchRunPlanFile string
var batchRunDryRun bool

var batchRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a batch plan loaded from --plan",
	RunE:  runBatchRun,
}

var batchWatchRunID string

var batchWatchCmd = &cobra.Command{
	Use:   "watch <run-id>",
	Short: "Open the live dashboard for a running or completed batch",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchWatch,
}

func init() {
	batchRunCmd.Flags().StringVar(&batchRunPlanFile, "plan", "", "path to a JSON batch plan (required)")
	batchRunCmd.Flags().BoolVar(&batchRunDryRun, "dry-run", false, "print a summary and create nothing")
	batchRunCmd.MarkFlagRequired("plan")

	batchCmd.AddCommand(batchRunCmd, batchWatchCmd)
	rootCmd.AddCommand(batchCmd)
}

// planFile is the on-disk JSON shape for a batch plan: batch.Plan's
// concurrency, defaults and matrix. RunID and DryRun are not read from
// the file; DryRun comes from --dry-run.
type planFile struct {
	Concurrency int            `json:"concurrency"`
	Defaults    batch.Defaults `json:"defaults"`
	Matrix      []batch.Item   `json:"matrix"`
}

func runBatchRun(cmd *cobra.Command, args []string) error {
	d, cleanup, err := newDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	raw, err := os.ReadFile(batchRunPlanFile)
	if err != nil {
		return fmt.Errorf("reading plan file: %w", err)
	}
	var pf planFile
	if err := json.Unmarshal(raw, &pf); err != nil {
		return fmt.Errorf("parsing plan file: %w", err)
	}

	plan := batch.Plan{
		Concurrency: pf.Concurrency,
		Defaults:    pf.Defaults,
		Matrix:      pf.Matrix,
		DryRun:      batchRunDryRun,
	}
	sch := batch.NewScheduler(d.st, d.ws, d.eng, d.agentCfg)
	run, err := sch.Run(context.Background(), plan)
	if err != nil {
		return fmt.Errorf("running batch: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "batch %s: %s\n", run.ID, run.Status)
	return nil
}

func runBatchWatch(cmd *cobra.Command, args []string) error {
	d, cleanup, err := newDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	items, err := d.st.BatchItems(args[0])
	if err != nil {
		return fmt.Errorf("loading batch items for %s: %w", args[0], err)
	}
	return watchDashboard(d, items)
}
