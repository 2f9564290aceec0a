// Package store is the embedded relational persistence layer: one SQLite
// file per town of sessions, batch runs, and their telemetry.
//
// Chosen over the teacher's own internal/doltserver (which wraps an
// external MySQL-protocol Dolt server process) because the data model
// here calls for a single embedded file, not a multi-client remote
// server; modernc.org/sqlite is the pure-Go, no-cgo driver used
// elsewhere in the retrieval pack for the same embedded-file shape.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Config locates and opens the embedded database. Mirrors the teacher's
// doltserver.Config/DefaultConfig pattern (struct fields with env-var
// override), minus the remote-server-only fields (Host/Port/IsRemote/
// SQLArgs/HostPort have no embedded analogue).
type Config struct {
	Path string
}

// DefaultConfig returns a Config rooted under dir, honoring
// FORGE_DB_PATH the same way internal/config.DefaultConfig does.
func DefaultConfig(dir string) *Config {
	if v := os.Getenv("FORGE_DB_PATH"); v != "" {
		return &Config{Path: v}
	}
	return &Config{Path: filepath.Join(dir, "sessions.db")}
}

// DSN computes the modernc.org/sqlite connection string, the embedded
// equivalent of the teacher's Config.userDSN().
func (c *Config) DSN() string {
	return c.Path + "?_pragma=journal_mode(wal)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// Store wraps the embedded database handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at cfg.Path and applies
// any pending migrations.
func Open(cfg *Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

// OpenFromDB wraps an already-open handle (used by tests with an
// in-memory database) and applies migrations.
func OpenFromDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// migration is one idempotent schema step, applied in order and recorded
// in the migrations table so reopening the same file never re-applies a
// step — grounded on doltserver.go's EnsureDoltIdentity check-before-set
// idempotency pattern.
type migration struct {
	version int
	name    string
	stmt    string
}

var migrations = []migration{
	{1, "create_migrations", `
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL
		);
	`},
	{2, "create_sessions", `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			initial_prompt TEXT NOT NULL DEFAULT '',
			repo_root TEXT NOT NULL DEFAULT '',
			base_branch TEXT NOT NULL DEFAULT '',
			branch TEXT NOT NULL DEFAULT '',
			workspace_path TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'idle',
			mode TEXT NOT NULL DEFAULT 'async',
			test_script TEXT NOT NULL DEFAULT '',
			model_override TEXT NOT NULL DEFAULT '',
			thread_external TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			last_run_at TEXT,
			batch_run_id TEXT NOT NULL DEFAULT ''
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_branch ON sessions(repo_root, branch);
		CREATE INDEX IF NOT EXISTS idx_sessions_batch_run ON sessions(batch_run_id);
	`},
	{3, "create_iterations", `
		CREATE TABLE IF NOT EXISTS iterations (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			commit_sha TEXT NOT NULL DEFAULT '',
			changed_files INTEGER NOT NULL DEFAULT 0,
			exit_code INTEGER NOT NULL DEFAULT 0,
			test_result TEXT NOT NULL DEFAULT '',
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			model TEXT NOT NULL DEFAULT '',
			agent_version TEXT NOT NULL DEFAULT '',
			command_line TEXT NOT NULL DEFAULT '',
			raw_output TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_iterations_session ON iterations(session_id, started_at);
	`},
	{4, "create_tool_calls", `
		CREATE TABLE IF NOT EXISTS tool_calls (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			iteration_id TEXT NOT NULL REFERENCES iterations(id) ON DELETE CASCADE,
			timestamp TEXT NOT NULL,
			tool_name TEXT NOT NULL DEFAULT '',
			args_json TEXT NOT NULL DEFAULT '{}',
			success INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			message_id TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_tool_calls_iteration ON tool_calls(iteration_id);
	`},
	{5, "create_threads", `
		CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS thread_messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			role TEXT NOT NULL DEFAULT 'user',
			content TEXT NOT NULL DEFAULT '',
			idx INTEGER NOT NULL,
			timestamp TEXT NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_thread_messages_unique ON thread_messages(thread_id, idx);
		CREATE INDEX IF NOT EXISTS idx_threads_session ON threads(session_id);
	`},
	{6, "create_batch", `
		CREATE TABLE IF NOT EXISTS batch_runs (
			id TEXT PRIMARY KEY,
			base_branch TEXT NOT NULL DEFAULT '',
			script_command TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			timeout_sec INTEGER NOT NULL DEFAULT 0,
			retries INTEGER NOT NULL DEFAULT 0,
			merge_on_pass INTEGER NOT NULL DEFAULT 0,
			concurrency INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'running'
		);
		CREATE TABLE IF NOT EXISTS batch_items (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES batch_runs(id) ON DELETE CASCADE,
			repo_path TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'queued',
			session_id TEXT NOT NULL DEFAULT '',
			started_at TEXT,
			ended_at TEXT,
			commit_sha TEXT NOT NULL DEFAULT '',
			total_tokens INTEGER NOT NULL DEFAULT 0,
			tool_calls INTEGER NOT NULL DEFAULT 0,
			error_text TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_batch_items_run ON batch_items(run_id);
	`},
	{7, "create_follow_up_prompts", `
		CREATE TABLE IF NOT EXISTS follow_up_prompts (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			iteration_id TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_follow_up_prompts_session ON follow_up_prompts(session_id, created_at);
	`},
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(migrations[0].stmt); err != nil {
		return err
	}
	for _, m := range migrations {
		var applied int
		err := s.db.QueryRow(`SELECT COUNT(1) FROM migrations WHERE version = ?`, m.version).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if applied > 0 {
			continue
		}
		if _, err := s.db.Exec(m.stmt); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := s.db.Exec(`INSERT INTO migrations (version, name, applied_at) VALUES (?, ?, ?)`,
			m.version, m.name, formatTime(time.Now())); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func newID() string { return uuid.NewString() }

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ---------------------------------------------------------------------------
// Session CRUD
// ---------------------------------------------------------------------------

// CreateSession inserts a new Session, generating its ID if unset.
func (s *Store) CreateSession(sess *Session) (*Session, error) {
	if sess.ID == "" {
		sess.ID = newID()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	if sess.Status == "" {
		sess.Status = SessionIdle
	}
	if sess.Mode == "" {
		sess.Mode = ModeAsync
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, name, initial_prompt, repo_root, base_branch, branch, workspace_path,
			status, mode, test_script, model_override, thread_external, created_at, last_run_at, batch_run_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Name, sess.InitialPrompt, sess.RepoRoot, sess.BaseBranch, sess.Branch, sess.WorkspacePath,
		string(sess.Status), string(sess.Mode), sess.TestScript, sess.ModelOverride, sess.ThreadExternal,
		formatTime(sess.CreatedAt), nullable(formatTime(sess.LastRunAt)), sess.BatchRunID,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// GetSession retrieves a Session by id.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT id, name, initial_prompt, repo_root, base_branch, branch, workspace_path,
			status, mode, test_script, model_override, thread_external, created_at, COALESCE(last_run_at,''), batch_run_id
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns sessions ordered by creation time, most recent first.
func (s *Store) ListSessions(limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, name, initial_prompt, repo_root, base_branch, branch, workspace_path,
			status, mode, test_script, model_override, thread_external, created_at, COALESCE(last_run_at,''), batch_run_id
		 FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateSessionStatus transitions a session's status and, when non-zero,
// bumps last_run_at.
func (s *Store) UpdateSessionStatus(id string, status SessionStatus, lastRun time.Time) error {
	if lastRun.IsZero() {
		_, err := s.db.Exec(`UPDATE sessions SET status = ? WHERE id = ?`, string(status), id)
		return err
	}
	_, err := s.db.Exec(`UPDATE sessions SET status = ?, last_run_at = ? WHERE id = ?`,
		string(status), formatTime(lastRun), id)
	return err
}

// UpdateSessionThread persists the external thread identifier the agent
// reported for this session's most recent turn, so the next invocation
// can issue the "continue thread" form instead of starting fresh.
func (s *Store) UpdateSessionThread(id, threadExternal string) error {
	_, err := s.db.Exec(`UPDATE sessions SET thread_external = ? WHERE id = ?`, threadExternal, id)
	return err
}

// DeleteSession removes a session and cascades to its threads, messages,
// iterations, tool calls, and follow-up prompts.
func (s *Store) DeleteSession(id string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	return scanSessionRows(row)
}

func scanSessionRows(row rowScanner) (*Session, error) {
	var sess Session
	var status, mode, createdAt, lastRunAt string
	err := row.Scan(&sess.ID, &sess.Name, &sess.InitialPrompt, &sess.RepoRoot, &sess.BaseBranch, &sess.Branch,
		&sess.WorkspacePath, &status, &mode, &sess.TestScript, &sess.ModelOverride, &sess.ThreadExternal,
		&createdAt, &lastRunAt, &sess.BatchRunID)
	if err != nil {
		return nil, err
	}
	sess.Status = SessionStatus(status)
	sess.Mode = SessionMode(mode)
	sess.CreatedAt = parseTime(createdAt)
	sess.LastRunAt = parseTime(lastRunAt)
	return &sess, nil
}

// ---------------------------------------------------------------------------
// Iteration CRUD
// ---------------------------------------------------------------------------

// CreateIteration inserts a new Iteration (open-ended: EndedAt may be zero
// until the iteration completes).
func (s *Store) CreateIteration(it *Iteration) (*Iteration, error) {
	if it.ID == "" {
		it.ID = newID()
	}
	if it.StartedAt.IsZero() {
		it.StartedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO iterations (id, session_id, started_at, ended_at, commit_sha, changed_files, exit_code,
			test_result, prompt_tokens, completion_tokens, total_tokens, model, agent_version, command_line, raw_output)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.SessionID, formatTime(it.StartedAt), nullable(formatTime(it.EndedAt)), it.CommitSHA,
		it.ChangedFiles, it.ExitCode, string(it.TestResult), it.PromptTokens, it.CompletionTokens,
		it.TotalTokens, it.Model, it.AgentVersion, it.CommandLine, it.RawOutput,
	)
	if err != nil {
		return nil, fmt.Errorf("create iteration: %w", err)
	}
	return it, nil
}

// FinishIteration records the terminal fields of an iteration once the
// agent subprocess exits. Once ended_at is set the record is immutable;
// callers must not call FinishIteration twice for the same id.
func (s *Store) FinishIteration(it *Iteration) error {
	_, err := s.db.Exec(
		`UPDATE iterations SET ended_at = ?, commit_sha = ?, changed_files = ?, exit_code = ?, test_result = ?,
			prompt_tokens = ?, completion_tokens = ?, total_tokens = ?, model = ?, agent_version = ?,
			command_line = ?, raw_output = ?
		 WHERE id = ? AND ended_at IS NULL`,
		formatTime(it.EndedAt), it.CommitSHA, it.ChangedFiles, it.ExitCode, string(it.TestResult),
		it.PromptTokens, it.CompletionTokens, it.TotalTokens, it.Model, it.AgentVersion,
		it.CommandLine, it.RawOutput, it.ID,
	)
	return err
}

// IterationsFor returns all iterations of a session, ordered by start time.
func (s *Store) IterationsFor(sessionID string) ([]*Iteration, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, started_at, COALESCE(ended_at,''), commit_sha, changed_files, exit_code,
			test_result, prompt_tokens, completion_tokens, total_tokens, model, agent_version, command_line, raw_output
		 FROM iterations WHERE session_id = ? ORDER BY started_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Iteration
	for rows.Next() {
		it, err := scanIteration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func scanIteration(row rowScanner) (*Iteration, error) {
	var it Iteration
	var started, ended, testResult string
	err := row.Scan(&it.ID, &it.SessionID, &started, &ended, &it.CommitSHA, &it.ChangedFiles, &it.ExitCode,
		&testResult, &it.PromptTokens, &it.CompletionTokens, &it.TotalTokens, &it.Model, &it.AgentVersion,
		&it.CommandLine, &it.RawOutput)
	if err != nil {
		return nil, err
	}
	it.StartedAt = parseTime(started)
	it.EndedAt = parseTime(ended)
	it.TestResult = TestResult(testResult)
	return &it, nil
}

// ---------------------------------------------------------------------------
// Tool call CRUD
// ---------------------------------------------------------------------------

// RecordToolCall appends a ToolCall. Records are append-only.
func (s *Store) RecordToolCall(tc *ToolCall) (*ToolCall, error) {
	if tc.ID == "" {
		tc.ID = newID()
	}
	if tc.Timestamp.IsZero() {
		tc.Timestamp = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO tool_calls (id, session_id, iteration_id, timestamp, tool_name, args_json, success, duration_ms, message_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tc.ID, tc.SessionID, tc.IterationID, formatTime(tc.Timestamp), tc.ToolName, tc.ArgsJSON,
		boolToInt(tc.Success), tc.DurationMS, tc.MessageID,
	)
	if err != nil {
		return nil, fmt.Errorf("record tool call: %w", err)
	}
	return tc, nil
}

// ToolCallsFor returns all tool calls of an iteration in emission order.
func (s *Store) ToolCallsFor(iterationID string) ([]*ToolCall, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, iteration_id, timestamp, tool_name, args_json, success, duration_ms, message_id
		 FROM tool_calls WHERE iteration_id = ? ORDER BY timestamp ASC`, iterationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ToolCall
	for rows.Next() {
		var tc ToolCall
		var ts string
		var success int
		if err := rows.Scan(&tc.ID, &tc.SessionID, &tc.IterationID, &ts, &tc.ToolName, &tc.ArgsJSON,
			&success, &tc.DurationMS, &tc.MessageID); err != nil {
			return nil, err
		}
		tc.Timestamp = parseTime(ts)
		tc.Success = success != 0
		out = append(out, &tc)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Thread / thread message CRUD
// ---------------------------------------------------------------------------

// CreateThread inserts a new Thread for a session.
func (s *Store) CreateThread(sessionID string) (*Thread, error) {
	th := &Thread{ID: newID(), SessionID: sessionID, CreatedAt: time.Now()}
	_, err := s.db.Exec(`INSERT INTO threads (id, session_id, created_at) VALUES (?, ?, ?)`,
		th.ID, th.SessionID, formatTime(th.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	return th, nil
}

// ThreadsFor returns all threads belonging to a session.
func (s *Store) ThreadsFor(sessionID string) ([]*Thread, error) {
	rows, err := s.db.Query(`SELECT id, session_id, created_at FROM threads WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Thread
	for rows.Next() {
		var th Thread
		var createdAt string
		if err := rows.Scan(&th.ID, &th.SessionID, &createdAt); err != nil {
			return nil, err
		}
		th.CreatedAt = parseTime(createdAt)
		out = append(out, &th)
	}
	return out, rows.Err()
}

// AppendThreadMessage appends a message to a thread at the next monotonic
// index, unique per thread.
func (s *Store) AppendThreadMessage(threadID string, role MessageRole, content string) (*ThreadMessage, error) {
	var nextIdx int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(idx), -1) + 1 FROM thread_messages WHERE thread_id = ?`, threadID).Scan(&nextIdx)
	if err != nil {
		return nil, fmt.Errorf("compute next index: %w", err)
	}
	msg := &ThreadMessage{
		ID:        newID(),
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		Index:     nextIdx,
		Timestamp: time.Now(),
	}
	_, err = s.db.Exec(
		`INSERT INTO thread_messages (id, thread_id, role, content, idx, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ThreadID, string(msg.Role), msg.Content, msg.Index, formatTime(msg.Timestamp),
	)
	if err != nil {
		return nil, fmt.Errorf("append thread message: %w", err)
	}
	return msg, nil
}

// ThreadMessages returns a thread's messages in index order.
func (s *Store) ThreadMessages(threadID string) ([]*ThreadMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, thread_id, role, content, idx, timestamp FROM thread_messages WHERE thread_id = ? ORDER BY idx ASC`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ThreadMessage
	for rows.Next() {
		var m ThreadMessage
		var role, ts string
		if err := rows.Scan(&m.ID, &m.ThreadID, &role, &m.Content, &m.Index, &ts); err != nil {
			return nil, err
		}
		m.Role = MessageRole(role)
		m.Timestamp = parseTime(ts)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Batch run / batch item CRUD
// ---------------------------------------------------------------------------

// CreateBatchRun inserts a new BatchRun.
func (s *Store) CreateBatchRun(run *BatchRun) (*BatchRun, error) {
	if run.ID == "" {
		run.ID = newID()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = BatchRunning
	}
	_, err := s.db.Exec(
		`INSERT INTO batch_runs (id, base_branch, script_command, model, timeout_sec, retries, merge_on_pass,
			concurrency, created_at, status) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.BaseBranch, run.ScriptCommand, run.Model, run.TimeoutSec, run.Retries,
		boolToInt(run.MergeOnPass), run.Concurrency, formatTime(run.CreatedAt), string(run.Status),
	)
	if err != nil {
		return nil, fmt.Errorf("create batch run: %w", err)
	}
	return run, nil
}

// UpdateBatchRunStatus transitions a BatchRun's status.
func (s *Store) UpdateBatchRunStatus(id string, status BatchRunStatus) error {
	_, err := s.db.Exec(`UPDATE batch_runs SET status = ? WHERE id = ?`, string(status), id)
	return err
}

// GetBatchRun retrieves a BatchRun by id.
func (s *Store) GetBatchRun(id string) (*BatchRun, error) {
	row := s.db.QueryRow(
		`SELECT id, base_branch, script_command, model, timeout_sec, retries, merge_on_pass, concurrency, created_at, status
		 FROM batch_runs WHERE id = ?`, id)
	var run BatchRun
	var mergeOnPass int
	var createdAt, status string
	if err := row.Scan(&run.ID, &run.BaseBranch, &run.ScriptCommand, &run.Model, &run.TimeoutSec, &run.Retries,
		&mergeOnPass, &run.Concurrency, &createdAt, &status); err != nil {
		return nil, err
	}
	run.MergeOnPass = mergeOnPass != 0
	run.CreatedAt = parseTime(createdAt)
	run.Status = BatchRunStatus(status)
	return &run, nil
}

// CreateBatchItem inserts a new BatchItem in the queued state.
func (s *Store) CreateBatchItem(item *BatchItem) (*BatchItem, error) {
	if item.ID == "" {
		item.ID = newID()
	}
	if item.Status == "" {
		item.Status = ItemQueued
	}
	_, err := s.db.Exec(
		`INSERT INTO batch_items (id, run_id, repo_path, prompt, status, session_id, started_at, ended_at,
			commit_sha, total_tokens, tool_calls, error_text) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.RunID, item.RepoPath, item.Prompt, string(item.Status), item.SessionID,
		nullable(formatTime(item.StartedAt)), nullable(formatTime(item.EndedAt)), item.CommitSHA,
		item.TotalTokens, item.ToolCalls, item.ErrorText,
	)
	if err != nil {
		return nil, fmt.Errorf("create batch item: %w", err)
	}
	return item, nil
}

// UpdateBatchItem persists the mutable fields of a BatchItem. Transitions
// out of queued/running are terminal; callers enforce that at the
// scheduler layer (internal/batch), not here.
func (s *Store) UpdateBatchItem(item *BatchItem) error {
	_, err := s.db.Exec(
		`UPDATE batch_items SET status = ?, session_id = ?, started_at = ?, ended_at = ?, commit_sha = ?,
			total_tokens = ?, tool_calls = ?, error_text = ? WHERE id = ?`,
		string(item.Status), item.SessionID, nullable(formatTime(item.StartedAt)), nullable(formatTime(item.EndedAt)),
		item.CommitSHA, item.TotalTokens, item.ToolCalls, item.ErrorText, item.ID,
	)
	return err
}

// BatchItems returns all items of a run, in creation (rowid) order.
func (s *Store) BatchItems(runID string) ([]*BatchItem, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, repo_path, prompt, status, session_id, COALESCE(started_at,''), COALESCE(ended_at,''),
			commit_sha, total_tokens, tool_calls, error_text FROM batch_items WHERE run_id = ? ORDER BY rowid ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*BatchItem
	for rows.Next() {
		var it BatchItem
		var status, started, ended string
		if err := rows.Scan(&it.ID, &it.RunID, &it.RepoPath, &it.Prompt, &status, &it.SessionID, &started, &ended,
			&it.CommitSHA, &it.TotalTokens, &it.ToolCalls, &it.ErrorText); err != nil {
			return nil, err
		}
		it.Status = BatchItemStatus(status)
		it.StartedAt = parseTime(started)
		it.EndedAt = parseTime(ended)
		out = append(out, &it)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Follow-up prompts
// ---------------------------------------------------------------------------

// AddFollowUpPrompt appends a follow-up prompt for a session. Append-only.
func (s *Store) AddFollowUpPrompt(sessionID, iterationID, text string) (*FollowUpPrompt, error) {
	fp := &FollowUpPrompt{
		ID:          newID(),
		SessionID:   sessionID,
		IterationID: iterationID,
		Text:        text,
		CreatedAt:   time.Now(),
	}
	_, err := s.db.Exec(
		`INSERT INTO follow_up_prompts (id, session_id, iteration_id, text, created_at) VALUES (?, ?, ?, ?, ?)`,
		fp.ID, fp.SessionID, fp.IterationID, fp.Text, formatTime(fp.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("add follow-up prompt: %w", err)
	}
	return fp, nil
}

// FollowUpPromptsFor returns a session's follow-up prompts ordered by
// creation time.
func (s *Store) FollowUpPromptsFor(sessionID string) ([]*FollowUpPrompt, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, iteration_id, text, created_at FROM follow_up_prompts
		 WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*FollowUpPrompt
	for rows.Next() {
		var fp FollowUpPrompt
		var createdAt string
		if err := rows.Scan(&fp.ID, &fp.SessionID, &fp.IterationID, &fp.Text, &createdAt); err != nil {
			return nil, err
		}
		fp.CreatedAt = parseTime(createdAt)
		out = append(out, &fp)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Export
// ---------------------------------------------------------------------------

// ExportSnapshot is the full denormalized record set for one session,
// returned by ExportData.
type ExportSnapshot struct {
	Session     *Session
	Iterations  []*Iteration
	ToolCalls   map[string][]*ToolCall
	Threads     []*Thread
	Messages    map[string][]*ThreadMessage
	FollowUps   []*FollowUpPrompt
}

// ExportData assembles the full record set for a session, for operator
// inspection or migration out of the store.
func (s *Store) ExportData(sessionID string) (*ExportSnapshot, error) {
	sess, err := s.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	iterations, err := s.IterationsFor(sessionID)
	if err != nil {
		return nil, fmt.Errorf("load iterations: %w", err)
	}
	toolCalls := make(map[string][]*ToolCall, len(iterations))
	for _, it := range iterations {
		tcs, err := s.ToolCallsFor(it.ID)
		if err != nil {
			return nil, fmt.Errorf("load tool calls for %s: %w", it.ID, err)
		}
		toolCalls[it.ID] = tcs
	}
	threads, err := s.ThreadsFor(sessionID)
	if err != nil {
		return nil, fmt.Errorf("load threads: %w", err)
	}
	messages := make(map[string][]*ThreadMessage, len(threads))
	for _, th := range threads {
		msgs, err := s.ThreadMessages(th.ID)
		if err != nil {
			return nil, fmt.Errorf("load messages for %s: %w", th.ID, err)
		}
		messages[th.ID] = msgs
	}
	followUps, err := s.FollowUpPromptsFor(sessionID)
	if err != nil {
		return nil, fmt.Errorf("load follow-up prompts: %w", err)
	}
	return &ExportSnapshot{
		Session:    sess,
		Iterations: iterations,
		ToolCalls:  toolCalls,
		Threads:    threads,
		Messages:   messages,
		FollowUps:  followUps,
	}, nil
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (s *Store) WithTx(fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
