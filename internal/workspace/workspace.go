// Package workspace composes the git driver, session lock, and store
// into the session lifecycle and merge-back state
// machine described in spec.md §4.6. It owns the only code path allowed to
// create or remove a session's worktree.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/session-forge/forge/internal/config"
	"github.com/session-forge/forge/internal/gitdriver"
	"github.com/session-forge/forge/internal/lock"
	"github.com/session-forge/forge/internal/logx"
	"github.com/session-forge/forge/internal/store"
)

// BranchPrefix is prepended to every derived session branch name.
const BranchPrefix = "forge"

// IterationRunner is the seam Create uses to run a fresh async session's
// first turn as part of creation. internal/iteration's Engine satisfies
// this; the interface lives here (not imported from there) so
// internal/workspace never depends on internal/iteration — iteration
// depends on workspace's leaf packages, not the reverse.
type IterationRunner interface {
	RunFirstIteration(s *store.Session) error
}

// Manager composes the leaf packages needed to create, lock, and tear
// down session workspaces. It does not itself run iterations beyond the
// optional first-turn hook below; callers (internal/iteration,
// internal/batch) drive subsequent turns using the workspace this
// package hands back.
type Manager struct {
	st    *store.Store
	lm    *lock.Manager
	log   *logx.Logger
	now   func() time.Time
	iter  IterationRunner
}

// NewManager returns a Manager backed by st for persistence and lm for
// cross-process session locking.
func NewManager(st *store.Store, lm *lock.Manager) *Manager {
	return &Manager{st: st, lm: lm, log: logx.Default, now: time.Now}
}

// SetIterationRunner wires the component that runs a newly-created
// async session's first iteration. Batch and CLI entry points call this
// once at startup; callers that never create async sessions (e.g. a
// read-only status command) can leave it unset.
func (m *Manager) SetIterationRunner(r IterationRunner) {
	m.iter = r
}

// CreateParams describes a new session's intent.
type CreateParams struct {
	Name          string
	InitialPrompt string
	RepoRoot      string
	BaseBranch    string
	Mode          store.SessionMode
	TestScript    string
	ModelOverride string
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9-]+`)

// Slug lowercases name, replaces runs of non-alphanumerics with a
// single hyphen, and trims leading/trailing hyphens.
func Slug(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugInvalid.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "session"
	}
	return s
}

// BranchName derives the session branch name `<prefix>/<slug>/<timestamp>`.
func BranchName(name string, at time.Time) string {
	return fmt.Sprintf("%s/%s/%d", BranchPrefix, Slug(name), at.UTC().Unix())
}

// WorkspacePath derives the absolute workspace path `<repo>/.worktrees/<session-id>`.
func WorkspacePath(repoRoot, sessionID string) string {
	return filepath.Join(repoRoot, ".worktrees", sessionID)
}

// Create carves a fresh workspace: resolves the base branch, derives a
// unique branch name and workspace path, adds the git worktree, and
// persists the session row. On any failure after the store row is
// reserved but before the worktree succeeds (or vice versa), it rolls
// back whatever partial state it created — the session must not exist
// in the store without a matching worktree on disk, or vice versa.
func (m *Manager) Create(p CreateParams) (sess *store.Session, err error) {
	if p.RepoRoot == "" {
		return nil, fmt.Errorf("RepoRoot is required")
	}
	if p.InitialPrompt == "" {
		return nil, fmt.Errorf("InitialPrompt is required")
	}
	if p.Mode == "" {
		p.Mode = store.ModeAsync
	}

	g := gitdriver.NewGit(p.RepoRoot)
	base := p.BaseBranch
	if base == "" {
		base, err = g.DefaultBranch()
		if err != nil {
			return nil, fmt.Errorf("resolving default branch: %w", err)
		}
	}

	now := m.now()
	id := fmt.Sprintf("%s-%d", Slug(p.Name), now.UTC().UnixNano())
	branch := BranchName(p.Name, now)
	wsPath := WorkspacePath(p.RepoRoot, id)

	row := &store.Session{
		ID:            id,
		Name:          p.Name,
		InitialPrompt: p.InitialPrompt,
		RepoRoot:      p.RepoRoot,
		BaseBranch:    base,
		Branch:        branch,
		WorkspacePath: wsPath,
		Status:        store.SessionIdle,
		Mode:          p.Mode,
		TestScript:    p.TestScript,
		ModelOverride: p.ModelOverride,
		CreatedAt:     now,
		LastRunAt:     now,
	}

	created, err := m.st.CreateSession(row)
	if err != nil {
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	// Phase two: create the worktree. On failure, roll back the store
	// row so a session never outlives its workspace.
	if err := g.CreateWorktree(branch, wsPath, base); err != nil {
		if delErr := m.st.DeleteSession(id); delErr != nil {
			m.log.Errorf("rollback: deleting session %s after worktree failure: %v", id, delErr)
		}
		return nil, fmt.Errorf("creating worktree: %w", err)
	}

	if err := m.writeContext(created); err != nil {
		// Non-fatal: AGENT_CONTEXT is refreshed idempotently by every
		// iteration, so a failed initial write does not strand the session.
		m.log.Warnf("writing initial AGENT_CONTEXT for %s: %v", id, err)
	}

	// Async sessions run their first turn as part of creation: callers
	// (the batch scheduler, the CLI's `session create`) must not invoke
	// the iteration engine again for this session's first turn.
	if created.Mode == store.ModeAsync && m.iter != nil {
		if err := m.iter.RunFirstIteration(created); err != nil {
			m.log.Errorf("first iteration for session %s: %v", id, err)
		}
		if refreshed, gerr := m.st.GetSession(id); gerr == nil {
			created = refreshed
		}
	}

	return created, nil
}

// contextDir is the context directory's conventional name under a
// session workspace.
const contextDir = "AGENT_CONTEXT"

func (m *Manager) writeContext(s *store.Session) error {
	dir := filepath.Join(s.WorkspacePath, contextDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	meta := fmt.Sprintf("session: %s\nname: %s\nbranch: %s\nbase: %s\nstatus: %s\ncreated: %s\n",
		s.ID, s.Name, s.Branch, s.BaseBranch, s.Status, s.CreatedAt.UTC().Format(time.RFC3339))
	if err := os.WriteFile(filepath.Join(dir, "SESSION.md"), []byte(meta), 0644); err != nil {
		return err
	}
	if err := touchIfAbsent(filepath.Join(dir, "ITERATION_LOG.md")); err != nil {
		return err
	}
	return touchIfAbsent(filepath.Join(dir, "LAST_STATUS.json"))
}

func touchIfAbsent(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, nil, 0644)
}

// RefreshContext rewrites the context files idempotently. Called at the
// start of every iteration (spec.md §4.5 step 1).
func (m *Manager) RefreshContext(s *store.Session, diffSummary, status string) error {
	dir := filepath.Join(s.WorkspacePath, contextDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := m.writeContext(s); err != nil {
		return err
	}
	if diffSummary != "" {
		if err := os.WriteFile(filepath.Join(dir, "DIFF_SUMMARY.md"), []byte(diffSummary), 0644); err != nil {
			return err
		}
	}
	lastStatus, err := json.Marshal(struct {
		Status    string    `json:"status"`
		UpdatedAt time.Time `json:"updated_at"`
	}{Status: status, UpdatedAt: m.now()})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "LAST_STATUS.json"), lastStatus, 0644)
}

// WithLock runs fn under the session's cross-process lock.
func (m *Manager) WithLock(sessionID string, fn func() error) error {
	return m.lm.WithLock(sessionID, fn)
}

// Cleanup removes the workspace and branch, then deletes the store row.
// Non-force requires the branch tip be reachable from base (already
// merged); force bypasses that check and removes any residual directory.
func (m *Manager) Cleanup(s *store.Session, force bool) error {
	g := gitdriver.NewGit(s.RepoRoot)
	if !force {
		reachable, err := g.IsReachableFrom(s.Branch, s.BaseBranch)
		if err != nil {
			return fmt.Errorf("checking branch against base: %w", err)
		}
		if !reachable {
			return fmt.Errorf("branch %s is not reachable from base branch %s", s.Branch, s.BaseBranch)
		}
	}
	if err := g.RemoveWorktree(s.WorkspacePath, s.Branch, force); err != nil {
		return fmt.Errorf("removing worktree: %w", err)
	}
	if err := m.st.DeleteSession(s.ID); err != nil {
		return fmt.Errorf("deleting session row: %w", err)
	}
	return nil
}

// AgentCommitPrefix is the canonical commit-subject prefix iterations
// use when committing agent-produced changes, and that the merge
// pipeline's agent-commit counting matches against.
func AgentCommitPrefix(cfg *config.Config) string {
	if cfg == nil || cfg.Agent.CommitPrefix == "" {
		return "amp:"
	}
	return cfg.Agent.CommitPrefix
}
