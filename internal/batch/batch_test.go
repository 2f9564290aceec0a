package batch

import (
	"context"
	"database/sql"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/session-forge/forge/internal/agent"
	"github.com/session-forge/forge/internal/iteration"
	"github.com/session-forge/forge/internal/lock"
	"github.com/session-forge/forge/internal/metrics"
	"github.com/session-forge/forge/internal/store"
	"github.com/session-forge/forge/internal/workspace"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()
	runGit(t, repo, "init")
	runGit(t, repo, "config", "user.email", "test@test.com")
	runGit(t, repo, "config", "user.name", "Test User")
	if err := os.WriteFile(filepath.Join(repo, "README.md"), []byte("# test\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	runGit(t, repo, "add", ".")
	runGit(t, repo, "commit", "-m", "initial")
	runGit(t, repo, "branch", "-M", "main")
	return repo
}

// fakeAgent writes a shell script standing in for the agent binary: it
// echoes auth/credit probe output when given whoami, and otherwise
// simulates producing a file change plus minimal telemetry.
func fakeAgent(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-agent.sh")
	script := `#!/bin/sh
if [ "$1" = "whoami" ]; then
  echo "authenticated"
  exit 0
fi
echo "batch change" > batch_output.txt
echo '{"name": "bash", "arguments": {"cmd": "echo hi"}}'
echo '{"usage": {"prompt_tokens": 4, "completion_tokens": 2, "total_tokens": 6}, "model": "claude-haiku"}'
exit 0
`
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write fake agent: %v", err)
	}
	return path
}

func newTestScheduler(t *testing.T, fakeAgentPath string) *Scheduler {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	st, err := store.OpenFromDB(db)
	if err != nil {
		t.Fatalf("OpenFromDB: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	lm, err := lock.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	ws := workspace.NewManager(st, lm)
	agentCfg := agent.Config{BinaryPath: fakeAgentPath}
	bus := metrics.NewBus()
	eng := iteration.NewEngine(st, bus, lm, ws, agentCfg, "amp:")

	return NewScheduler(st, ws, eng, agentCfg)
}

func TestRunExecutesMatrixAndRecordsOutcomes(t *testing.T) {
	repo := initRepo(t)
	sch := newTestScheduler(t, fakeAgent(t))

	plan := Plan{
		Concurrency: 2,
		Defaults:    Defaults{BaseBranch: "main"},
		Matrix: []Item{
			{Repo: repo, Prompt: "fix bug one"},
			{Repo: repo, Prompt: "fix bug two"},
		},
	}

	run, err := sch.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != store.BatchCompleted {
		t.Errorf("run status = %q, want completed", run.Status)
	}

	items, err := sch.Store.BatchItems(run.ID)
	if err != nil {
		t.Fatalf("BatchItems: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
	for _, it := range items {
		if it.Status != store.ItemSuccess {
			t.Errorf("item %s status = %q, want success (error=%s)", it.ID, it.Status, it.ErrorText)
		}
		if it.SessionID == "" {
			t.Errorf("item %s: expected a session id", it.ID)
		}
	}
}

func TestValidateRejectsEmptyPromptOrRepo(t *testing.T) {
	p := Plan{Concurrency: 1, Matrix: []Item{{Repo: "", Prompt: ""}}}
	if err := p.Validate(); err == nil {
		t.Fatal("expected validation error for empty repo/prompt")
	}
}

func TestValidateRejectsZeroConcurrency(t *testing.T) {
	p := Plan{Concurrency: 0, Matrix: []Item{{Repo: "r", Prompt: "p"}}}
	if err := p.Validate(); err == nil {
		t.Fatal("expected validation error for zero concurrency")
	}
}

func TestAbortFailsUnstartedItems(t *testing.T) {
	repo := initRepo(t)
	sch := newTestScheduler(t, fakeAgent(t))
	sch.Abort()

	plan := Plan{
		Concurrency: 1,
		Defaults:    Defaults{BaseBranch: "main"},
		Matrix:      []Item{{Repo: repo, Prompt: "should not run"}},
	}
	run, err := sch.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != store.BatchAborted {
		t.Errorf("run status = %q, want aborted", run.Status)
	}
	items, err := sch.Store.BatchItems(run.ID)
	if err != nil {
		t.Fatalf("BatchItems: %v", err)
	}
	if len(items) != 1 || items[0].Status != store.ItemError {
		t.Fatalf("unexpected items: %+v", items)
	}
}
