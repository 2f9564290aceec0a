package iteration

import (
	"context"
	"database/sql"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/session-forge/forge/internal/agent"
	"github.com/session-forge/forge/internal/lock"
	"github.com/session-forge/forge/internal/metrics"
	"github.com/session-forge/forge/internal/store"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

// fakeAgent writes a shell script that, when run, creates a file in its
// workspace (simulating agent-produced changes) and prints a fixed
// telemetry-shaped JSON line to stdout.
func fakeAgent(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-agent.sh")
	script := `#!/bin/sh
echo "hello" > agent_output.txt
echo '{"name": "bash", "arguments": {"cmd": "echo hi"}}'
echo '{"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}, "model": "claude-haiku"}'
exit 0
`
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write fake agent: %v", err)
	}
	return path
}

// fakeAgentWithThread is fakeAgent plus a reported thread identifier.
func fakeAgentWithThread(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-agent-thread.sh")
	script := `#!/bin/sh
echo "hello" > agent_output.txt
echo '{"thread_id": "thr_abc123"}'
echo '{"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}, "model": "claude-haiku"}'
exit 0
`
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write fake agent: %v", err)
	}
	return path
}

type stubWorkspace struct{}

func (stubWorkspace) RefreshContext(*store.Session, string, string) error { return nil }

func newTestEngine(t *testing.T, fakeAgentPath string) (*Engine, string) {
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

	bus := metrics.NewBus()
	bus.Subscribe(metrics.NewStoreSink(st))
	eng := NewEngine(st, bus, lm, stubWorkspace{}, agent.Config{BinaryPath: fakeAgentPath}, "amp:")
	return eng, repo
}

func TestRunIterationCommitsAndFinishes(t *testing.T) {
	eng, repo := newTestEngine(t, fakeAgent(t))

	sess := &store.Session{
		ID:            "sess1",
		Name:          "fix-bug",
		InitialPrompt: "fix the bug",
		RepoRoot:      repo,
		BaseBranch:    "main",
		Branch:        "main",
		WorkspacePath: repo,
		Status:        store.SessionIdle,
		Mode:          store.ModeAsync,
	}
	created, err := eng.Store.CreateSession(sess)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := eng.Run(context.Background(), created, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	its, err := eng.Store.IterationsFor(created.ID)
	if err != nil {
		t.Fatalf("IterationsFor: %v", err)
	}
	if len(its) != 1 {
		t.Fatalf("len(iterations) = %d, want 1", len(its))
	}
	it := its[0]
	if it.CommitSHA == "" {
		t.Error("expected a commit SHA after agent produced a file change")
	}
	if it.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d, want 15", it.TotalTokens)
	}
	if it.Model != "claude-haiku" {
		t.Errorf("Model = %q, want claude-haiku", it.Model)
	}

	tcs, err := eng.Store.ToolCallsFor(it.ID)
	if err != nil {
		t.Fatalf("ToolCallsFor: %v", err)
	}
	if len(tcs) != 1 || tcs[0].ToolName != "bash" {
		t.Errorf("unexpected tool calls: %+v", tcs)
	}

	updated, err := eng.Store.GetSession(created.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if updated.Status != store.SessionIdle {
		t.Errorf("Status = %q, want idle", updated.Status)
	}
}

func TestRunPersistsReportedThreadID(t *testing.T) {
	eng, repo := newTestEngine(t, fakeAgentWithThread(t))

	sess := &store.Session{
		ID:            "sess-thread",
		Name:          "fix-bug",
		InitialPrompt: "fix the bug",
		RepoRoot:      repo,
		BaseBranch:    "main",
		Branch:        "main",
		WorkspacePath: repo,
		Status:        store.SessionIdle,
		Mode:          store.ModeAsync,
	}
	created, err := eng.Store.CreateSession(sess)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := eng.Run(context.Background(), created, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	updated, err := eng.Store.GetSession(created.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if updated.ThreadExternal != "thr_abc123" {
		t.Errorf("ThreadExternal = %q, want thr_abc123", updated.ThreadExternal)
	}
}

func TestRunFirstIterationSatisfiesRunnerInterface(t *testing.T) {
	eng, repo := newTestEngine(t, fakeAgent(t))
	sess := &store.Session{
		ID:            "sess2",
		Name:          "feature",
		InitialPrompt: "add a feature",
		RepoRoot:      repo,
		BaseBranch:    "main",
		Branch:        "main",
		WorkspacePath: repo,
		Status:        store.SessionIdle,
		Mode:          store.ModeAsync,
	}
	created, err := eng.Store.CreateSession(sess)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := eng.RunFirstIteration(created); err != nil {
		t.Fatalf("RunFirstIteration: %v", err)
	}
}
