package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/session-forge/forge/internal/workspace"
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Inspect and drive a session's merge-back pipeline",
}

var mergeTypecheckCmd string

var mergePreflightCmd = &cobra.Command{
	Use:   "preflight <session-id>",
	Short: "Report whether a session is ready to merge, without mutating it",
	Args:  cobra.ExactArgs(1),
	RunE:  runMergePreflight,
}

var mergeIncludeManual bool

var mergeSquashCmd = &cobra.Command{
	Use:   "squash <session-id> <message>",
	Short: "Collapse a session's commits into one atop its base branch",
	Args:  cobra.ExactArgs(2),
	RunE:  runMergeSquash,
}

var mergeRebaseCmd = &cobra.Command{
	Use:   "rebase <session-id>",
	Short: "Rebase a session's branch onto its base branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runMergeRebase,
}

var mergeContinueCmd = &cobra.Command{
	Use:   "continue <session-id>",
	Short: "Continue a rebase after conflicts are resolved",
	Args:  cobra.ExactArgs(1),
	RunE:  runMergeContinue,
}

var mergeAbortCmd = &cobra.Command{
	Use:   "abort <session-id>",
	Short: "Abort an in-progress rebase",
	Args:  cobra.ExactArgs(1),
	RunE:  runMergeAbort,
}

var mergeFFCmd = &cobra.Command{
	Use:   "ff <session-id>",
	Short: "Fast-forward the base branch to a merged session's tip",
	Args:  cobra.ExactArgs(1),
	RunE:  runMergeFF,
}

var mergeCleanupForce bool

var mergeCleanupCmd = &cobra.Command{
	Use:   "cleanup <session-id>",
	Short: "Remove a session's worktree, branch, and store row",
	Args:  cobra.ExactArgs(1),
	RunE:  runMergeCleanup,
}

var mergePruneRepo string
var mergePruneDryRun bool

var mergePruneBranchesCmd = &cobra.Command{
	Use:   "prune-branches",
	Short: "Remove local session branches that are merged and have no remote tracking ref",
	RunE:  runMergePruneBranches,
}

func init() {
	mergePreflightCmd.Flags().StringVar(&mergeTypecheckCmd, "typecheck-cmd", "", "shell command used to verify the repo still typechecks")
	mergeSquashCmd.Flags().BoolVar(&mergeIncludeManual, "include-manual", false, "include manually-authored commits in the squash (accepted, currently equivalent to the default)")
	mergeCleanupCmd.Flags().BoolVar(&mergeCleanupForce, "force", false, "remove the workspace even if its branch has not merged")
	mergePruneBranchesCmd.Flags().StringVar(&mergePruneRepo, "repo", "", "repository root (required)")
	mergePruneBranchesCmd.Flags().BoolVar(&mergePruneDryRun, "dry-run", false, "report branches that would be pruned without removing them")
	mergePruneBranchesCmd.MarkFlagRequired("repo")

	mergeCmd.AddCommand(mergePreflightCmd, mergeSquashCmd, mergeRebaseCmd, mergeContinueCmd, mergeAbortCmd, mergeFFCmd, mergeCleanupCmd, mergePruneBranchesCmd)
	rootCmd.AddCommand(mergeCmd)
}

func runMergePreflight(cmd *cobra.Command, args []string) error {
	d, cleanup, err := newDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	sess, err := d.st.GetSession(args[0])
	if err != nil {
		return fmt.Errorf("loading session %s: %w", args[0], err)
	}
	res, err := workspace.Preflight(sess.RepoRoot, sess.WorkspacePath, sess.Branch, sess.BaseBranch,
		workspace.AgentCommitPrefix(d.cfg), sess.TestScript, mergeTypecheckCmd)
	if err != nil {
		return fmt.Errorf("preflight: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "clean=%v ahead=%d behind=%d agent-commits=%d\n", res.RepoClean, res.AheadBy, res.BehindBy, res.AgentCommitsCount)
	for _, f := range res.ConflictingFiles {
		fmt.Fprintf(out, "  conflict: %s\n", f)
	}
	for _, issue := range res.Issues {
		fmt.Fprintf(out, "  issue: %s\n", issue)
	}
	return nil
}

func runMergeSquash(cmd *cobra.Command, args []string) error {
	d, cleanup, err := newDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	sess, err := d.st.GetSession(args[0])
	if err != nil {
		return fmt.Errorf("loading session %s: %w", args[0], err)
	}
	if err := workspace.SquashSession(sess.WorkspacePath, sess.BaseBranch,
		workspace.SquashParams{Message: args[1], IncludeManual: mergeIncludeManual}); err != nil {
		return fmt.Errorf("squashing session %s: %w", args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "squashed %s onto %s\n", sess.ID, sess.BaseBranch)
	return nil
}

func runMergeRebase(cmd *cobra.Command, args []string) error {
	d, cleanup, err := newDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	sess, err := d.st.GetSession(args[0])
	if err != nil {
		return fmt.Errorf("loading session %s: %w", args[0], err)
	}
	res, err := workspace.RebaseOntoBase(sess.WorkspacePath, sess.BaseBranch)
	if err != nil {
		return fmt.Errorf("rebasing session %s: %w", args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "rebase status: %s\n", res.Status)
	for _, f := range res.Files {
		fmt.Fprintf(cmd.OutOrStdout(), "  conflict: %s\n", f)
	}
	return nil
}

func runMergeContinue(cmd *cobra.Command, args []string) error {
	d, cleanup, err := newDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	sess, err := d.st.GetSession(args[0])
	if err != nil {
		return fmt.Errorf("loading session %s: %w", args[0], err)
	}
	res, err := workspace.ContinueMerge(sess.WorkspacePath)
	if err != nil {
		return fmt.Errorf("continuing rebase for %s: %w", args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "rebase status: %s\n", res.Status)
	return nil
}

func runMergeAbort(cmd *cobra.Command, args []string) error {
	d, cleanup, err := newDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	sess, err := d.st.GetSession(args[0])
	if err != nil {
		return fmt.Errorf("loading session %s: %w", args[0], err)
	}
	if err := workspace.AbortMerge(sess.WorkspacePath); err != nil {
		return fmt.Errorf("aborting rebase for %s: %w", args[0], err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "rebase aborted")
	return nil
}

func runMergeFF(cmd *cobra.Command, args []string) error {
	d, cleanup, err := newDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	sess, err := d.st.GetSession(args[0])
	if err != nil {
		return fmt.Errorf("loading session %s: %w", args[0], err)
	}
	if err := workspace.FastForwardMerge(sess.RepoRoot, sess.Branch, sess.BaseBranch, false); err != nil {
		return fmt.Errorf("fast-forwarding %s onto %s: %w", sess.Branch, sess.BaseBranch, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "fast-forwarded %s onto %s\n", sess.BaseBranch, sess.Branch)
	return nil
}

func runMergePruneBranches(cmd *cobra.Command, args []string) error {
	pruned, err := workspace.PruneMergedBranches(mergePruneRepo, mergePruneDryRun)
	if err != nil {
		return fmt.Errorf("pruning branches: %w", err)
	}
	out := cmd.OutOrStdout()
	for _, p := range pruned {
		fmt.Fprintf(out, "%s: %s\n", p.Name, p.Reason)
	}
	return nil
}

func runMergeCleanup(cmd *cobra.Command, args []string) error {
	d, cleanup, err := newDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	sess, err := d.st.GetSession(args[0])
	if err != nil {
		return fmt.Errorf("loading session %s: %w", args[0], err)
	}
	if err := d.ws.Cleanup(sess, mergeCleanupForce); err != nil {
		return fmt.Errorf("cleaning up session %s: %w", args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cleaned up %s\n", sess.ID)
	return nil
}
