package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/session-forge/forge/internal/store"
	"github.com/session-forge/forge/internal/util"
	"github.com/session-forge/forge/internal/workspace"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Create, list, and inspect sessions",
}

var (
	sessionCreateRepo       string
	sessionCreateBase       string
	sessionCreateTestScript string
	sessionCreateModel      string
	sessionCreateMode       string
)

var sessionCreateCmd = &cobra.Command{
	Use:   "create <name> <prompt>",
	Short: "Carve a new session workspace and run its first iteration",
	Args:  cobra.ExactArgs(2),
	RunE:  runSessionCreate,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE:  runSessionList,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session's full record, including iterations",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionShow,
}

func init() {
	sessionCreateCmd.Flags().StringVar(&sessionCreateRepo, "repo", "", "repository root (required)")
	sessionCreateCmd.Flags().StringVar(&sessionCreateBase, "base", "", "base branch (defaults to the repo's default branch)")
	sessionCreateCmd.Flags().StringVar(&sessionCreateTestScript, "test-script", "", "shell command run after each iteration that produced a commit")
	sessionCreateCmd.Flags().StringVar(&sessionCreateModel, "model", "", "model override")
	sessionCreateCmd.Flags().StringVar(&sessionCreateMode, "mode", string(store.ModeAsync), "async or interactive")
	sessionCreateCmd.MarkFlagRequired("repo")

	sessionCmd.AddCommand(sessionCreateCmd, sessionListCmd, sessionShowCmd)
	rootCmd.AddCommand(sessionCmd)
}

func runSessionCreate(cmd *cobra.Command, args []string) error {
	d, cleanup, err := newDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	sess, err := d.ws.Create(workspace.CreateParams{
		Name:          args[0],
		InitialPrompt: args[1],
		RepoRoot:      util.ExpandHome(sessionCreateRepo),
		BaseBranch:    sessionCreateBase,
		Mode:          store.SessionMode(sessionCreateMode),
		TestScript:    sessionCreateTestScript,
		ModelOverride: sessionCreateModel,
	})
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", sess.ID, sess.Branch, sess.Status)
	return nil
}

func runSessionList(cmd *cobra.Command, args []string) error {
	d, cleanup, err := newDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	sessions, err := d.st.ListSessions(0)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	for _, s := range sessions {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%-12s\t%-10s\t%s\n", s.ID, s.Status, s.Mode, s.Name)
	}
	return nil
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	d, cleanup, err := newDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	snap, err := d.st.ExportData(args[0])
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "session %s (%s) on %s\n", snap.Session.ID, snap.Session.Status, snap.Session.Branch)
	for _, it := range snap.Iterations {
		fmt.Fprintf(out, "  iteration %s: exit=%d commit=%s tokens=%d\n", it.ID, it.ExitCode, it.CommitSHA, it.TotalTokens)
	}
	return nil
}
