package store

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s, err := OpenFromDB(db)
	if err != nil {
		t.Fatalf("OpenFromDB: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetSession(t *testing.T) {
	s := openTestStore(t)
	sess := &Session{
		Name:       "fix-bug",
		RepoRoot:   "/repo",
		BaseBranch: "main",
		Branch:     "forge/fix-bug/1",
	}
	created, err := s.CreateSession(sess)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	got, err := s.GetSession(created.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Name != "fix-bug" || got.Status != SessionIdle || got.Mode != ModeAsync {
		t.Errorf("unexpected session: %+v", got)
	}
}

func TestSessionBranchUniquePerRepo(t *testing.T) {
	s := openTestStore(t)
	sess1 := &Session{RepoRoot: "/repo", Branch: "forge/a/1"}
	if _, err := s.CreateSession(sess1); err != nil {
		t.Fatalf("first create: %v", err)
	}
	sess2 := &Session{RepoRoot: "/repo", Branch: "forge/a/1"}
	if _, err := s.CreateSession(sess2); err == nil {
		t.Error("expected unique constraint violation for duplicate branch in same repo")
	}
}

func TestIterationLifecycle(t *testing.T) {
	s := openTestStore(t)
	sess, _ := s.CreateSession(&Session{RepoRoot: "/repo", Branch: "forge/a/1"})

	it, err := s.CreateIteration(&Iteration{SessionID: sess.ID, Model: "claude-sonnet"})
	if err != nil {
		t.Fatalf("CreateIteration: %v", err)
	}
	it.CommitSHA = "abc123"
	it.ExitCode = 0
	it.TestResult = TestPass
	it.TotalTokens = 42
	if err := s.FinishIteration(it); err != nil {
		t.Fatalf("FinishIteration: %v", err)
	}

	all, err := s.IterationsFor(sess.ID)
	if err != nil {
		t.Fatalf("IterationsFor: %v", err)
	}
	if len(all) != 1 || all[0].CommitSHA != "abc123" || all[0].TestResult != TestPass {
		t.Errorf("unexpected iterations: %+v", all)
	}
}

func TestToolCallAppendOnly(t *testing.T) {
	s := openTestStore(t)
	sess, _ := s.CreateSession(&Session{RepoRoot: "/repo", Branch: "forge/a/1"})
	it, _ := s.CreateIteration(&Iteration{SessionID: sess.ID})

	for i := 0; i < 3; i++ {
		if _, err := s.RecordToolCall(&ToolCall{SessionID: sess.ID, IterationID: it.ID, ToolName: "grep", Success: true}); err != nil {
			t.Fatalf("RecordToolCall: %v", err)
		}
	}
	calls, err := s.ToolCallsFor(it.ID)
	if err != nil {
		t.Fatalf("ToolCallsFor: %v", err)
	}
	if len(calls) != 3 {
		t.Fatalf("len(calls) = %d, want 3", len(calls))
	}
}

func TestThreadMessageIndexUnique(t *testing.T) {
	s := openTestStore(t)
	sess, _ := s.CreateSession(&Session{RepoRoot: "/repo", Branch: "forge/a/1"})
	th, err := s.CreateThread(sess.ID)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.AppendThreadMessage(th.ID, RoleUser, "hi"); err != nil {
			t.Fatalf("AppendThreadMessage: %v", err)
		}
	}
	msgs, err := s.ThreadMessages(th.ID)
	if err != nil {
		t.Fatalf("ThreadMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len(msgs) = %d, want 3", len(msgs))
	}
	for i, m := range msgs {
		if m.Index != i {
			t.Errorf("msgs[%d].Index = %d, want %d", i, m.Index, i)
		}
	}
}

func TestBatchRunAndItems(t *testing.T) {
	s := openTestStore(t)
	run, err := s.CreateBatchRun(&BatchRun{BaseBranch: "main", Concurrency: 2})
	if err != nil {
		t.Fatalf("CreateBatchRun: %v", err)
	}
	item, err := s.CreateBatchItem(&BatchItem{RunID: run.ID, RepoPath: "/repo", Prompt: "do thing"})
	if err != nil {
		t.Fatalf("CreateBatchItem: %v", err)
	}
	item.Status = ItemRunning
	if err := s.UpdateBatchItem(item); err != nil {
		t.Fatalf("UpdateBatchItem: %v", err)
	}
	items, err := s.BatchItems(run.ID)
	if err != nil {
		t.Fatalf("BatchItems: %v", err)
	}
	if len(items) != 1 || items[0].Status != ItemRunning {
		t.Errorf("unexpected items: %+v", items)
	}
	if err := s.UpdateBatchRunStatus(run.ID, BatchCompleted); err != nil {
		t.Fatalf("UpdateBatchRunStatus: %v", err)
	}
	got, err := s.GetBatchRun(run.ID)
	if err != nil {
		t.Fatalf("GetBatchRun: %v", err)
	}
	if got.Status != BatchCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
}

func TestFollowUpPromptsOrdered(t *testing.T) {
	s := openTestStore(t)
	sess, _ := s.CreateSession(&Session{RepoRoot: "/repo", Branch: "forge/a/1"})
	if _, err := s.AddFollowUpPrompt(sess.ID, "", "first"); err != nil {
		t.Fatalf("AddFollowUpPrompt: %v", err)
	}
	if _, err := s.AddFollowUpPrompt(sess.ID, "", "second"); err != nil {
		t.Fatalf("AddFollowUpPrompt: %v", err)
	}
	prompts, err := s.FollowUpPromptsFor(sess.ID)
	if err != nil {
		t.Fatalf("FollowUpPromptsFor: %v", err)
	}
	if len(prompts) != 2 || prompts[0].Text != "first" || prompts[1].Text != "second" {
		t.Errorf("unexpected prompts: %+v", prompts)
	}
}

func TestExportData(t *testing.T) {
	s := openTestStore(t)
	sess, _ := s.CreateSession(&Session{RepoRoot: "/repo", Branch: "forge/a/1"})
	it, _ := s.CreateIteration(&Iteration{SessionID: sess.ID})
	s.RecordToolCall(&ToolCall{SessionID: sess.ID, IterationID: it.ID, ToolName: "grep"})
	th, _ := s.CreateThread(sess.ID)
	s.AppendThreadMessage(th.ID, RoleUser, "hello")
	s.AddFollowUpPrompt(sess.ID, it.ID, "keep going")

	snap, err := s.ExportData(sess.ID)
	if err != nil {
		t.Fatalf("ExportData: %v", err)
	}
	if snap.Session.ID != sess.ID {
		t.Error("wrong session in snapshot")
	}
	if len(snap.Iterations) != 1 {
		t.Errorf("len(Iterations) = %d, want 1", len(snap.Iterations))
	}
	if len(snap.ToolCalls[it.ID]) != 1 {
		t.Errorf("len(ToolCalls) = %d, want 1", len(snap.ToolCalls[it.ID]))
	}
	if len(snap.Messages[th.ID]) != 1 {
		t.Errorf("len(Messages) = %d, want 1", len(snap.Messages[th.ID]))
	}
	if len(snap.FollowUps) != 1 {
		t.Errorf("len(FollowUps) = %d, want 1", len(snap.FollowUps))
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	sess, _ := s.CreateSession(&Session{RepoRoot: "/repo", Branch: "forge/a/1"})

	wantErr := sql.ErrNoRows
	err := s.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE sessions SET name = 'changed' WHERE id = ?`, sess.ID); err != nil {
			return err
		}
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("WithTx err = %v, want %v", err, wantErr)
	}
	got, _ := s.GetSession(sess.ID)
	if got.Name == "changed" {
		t.Error("expected rollback, but name was changed")
	}
}
