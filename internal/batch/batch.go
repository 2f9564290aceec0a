// Package batch fans a plan of many sessions out across a bounded
// number of concurrent workers, composing the store and workspace
// manager per spec.md §4.7. It has no worker-pool library to reach
// for — no example in the retrieval pack imports one — so concurrency
// is a plain buffered-channel semaphore, the idiom every pack example
// uses for bounded fan-out.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/session-forge/forge/internal/agent"
	"github.com/session-forge/forge/internal/logx"
	"github.com/session-forge/forge/internal/store"
	"github.com/session-forge/forge/internal/util"
	"github.com/session-forge/forge/internal/workspace"
)

// Defaults supplies plan-wide fallbacks an item may omit.
type Defaults struct {
	BaseBranch    string
	ScriptCommand string
	Model         string
	TimeoutSec    int
	Retries       int
	MergeOnPass   bool
}

// Item is one planned session.
type Item struct {
	Repo          string
	Prompt        string
	BaseBranch    string
	ScriptCommand string
	Model         string
	TimeoutSec    int
	MergeOnPass   *bool
}

// Plan is a batch run's full specification.
type Plan struct {
	RunID       string
	Concurrency int
	Defaults    Defaults
	Matrix      []Item
	DryRun      bool
}

// resolved merges one item with plan defaults.
type resolved struct {
	Item
	baseBranch    string
	scriptCommand string
	model         string
	timeoutSec    int
	mergeOnPass   bool
}

func (p Plan) resolve(it Item) resolved {
	r := resolved{Item: it}
	r.baseBranch = it.BaseBranch
	if r.baseBranch == "" {
		r.baseBranch = p.Defaults.BaseBranch
	}
	r.scriptCommand = it.ScriptCommand
	if r.scriptCommand == "" {
		r.scriptCommand = p.Defaults.ScriptCommand
	}
	r.model = it.Model
	if r.model == "" {
		r.model = p.Defaults.Model
	}
	r.timeoutSec = it.TimeoutSec
	if r.timeoutSec == 0 {
		r.timeoutSec = p.Defaults.TimeoutSec
	}
	if it.MergeOnPass != nil {
		r.mergeOnPass = *it.MergeOnPass
	} else {
		r.mergeOnPass = p.Defaults.MergeOnPass
	}
	return r
}

// Validate checks the enumerated plan constraints spec.md §4.7 lists.
func (p Plan) Validate() error {
	if p.Concurrency <= 0 {
		return errors.New("concurrency must be a positive integer")
	}
	if p.Defaults.Retries < 0 {
		return errors.New("defaults.retries must be nonnegative")
	}
	for i, it := range p.Matrix {
		if strings.TrimSpace(it.Prompt) == "" {
			return fmt.Errorf("matrix[%d]: prompt is required", i)
		}
		if strings.TrimSpace(it.Repo) == "" {
			return fmt.Errorf("matrix[%d]: repo is required", i)
		}
	}
	return nil
}

// timeoutSignature is the substring agent.RunIteration's context
// deadline error carries; used to classify a thrown error as timeout
// rather than generic error (spec.md §4.7 step 5).
const timeoutSignature = "context deadline exceeded"

// Scheduler drives a Plan to completion.
type Scheduler struct {
	Store     *store.Store
	Workspace *workspace.Manager
	Engine    iterationRunner
	Agent     agent.Config
	log       *logx.Logger

	mu      sync.Mutex
	aborted bool
}

// iterationRunner is the seam to internal/iteration's Engine, declared
// locally so internal/batch does not need a direct compile-time
// dependency edge beyond the one method it actually calls.
type iterationRunner interface {
	RunFirstIteration(s *store.Session) error
}

// NewScheduler wires the store, workspace manager, and iteration engine
// the scheduler drives sessions through.
func NewScheduler(st *store.Store, ws *workspace.Manager, eng iterationRunner, agentCfg agent.Config) *Scheduler {
	if ws != nil {
		ws.SetIterationRunner(eng)
	}
	return &Scheduler{Store: st, Workspace: ws, Engine: eng, Agent: agentCfg, log: logx.Default}
}

// Abort signals the scheduler loop to stop pulling new items and to
// error out any item not currently owned by an in-flight slot.
// In-flight slots finish their current session; only their subsequent
// items are skipped.
func (sch *Scheduler) Abort() {
	sch.mu.Lock()
	sch.aborted = true
	sch.mu.Unlock()
}

func (sch *Scheduler) isAborted() bool {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	return sch.aborted
}

// Run executes the execution contract spec.md §4.7 lists. Returns the
// persisted BatchRun once every item has reached a terminal status.
func (sch *Scheduler) Run(ctx context.Context, p Plan) (*store.BatchRun, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.RunID == "" {
		p.RunID = fmt.Sprintf("batch-%d", time.Now().UnixNano())
	}

	// 1. Dry run: print a summary, create nothing.
	if p.DryRun {
		sch.log.Infof("dry run %s: %d items, concurrency=%d", p.RunID, len(p.Matrix), p.Concurrency)
		return &store.BatchRun{ID: p.RunID, Status: store.BatchCompleted}, nil
	}

	// 2. Pre-flight auth gate, before any item is created.
	status := agent.ValidateAuth(ctx, sch.Agent)
	if !status.Authenticated || !status.HasCredits {
		msg := status.Error
		if msg == "" && !status.HasCredits {
			msg = "agent account has no remaining credits"
		}
		return nil, fmt.Errorf("pre-flight auth check failed: %s", msg)
	}

	// 3. Persist batch_run + one batch_item per matrix entry, queued.
	run := &store.BatchRun{
		ID:            p.RunID,
		BaseBranch:    p.Defaults.BaseBranch,
		ScriptCommand: p.Defaults.ScriptCommand,
		Model:         p.Defaults.Model,
		TimeoutSec:    p.Defaults.TimeoutSec,
		Retries:       p.Defaults.Retries,
		MergeOnPass:   p.Defaults.MergeOnPass,
		Concurrency:   p.Concurrency,
		Status:        store.BatchRunning,
	}
	run, err := sch.Store.CreateBatchRun(run)
	if err != nil {
		return nil, fmt.Errorf("persisting batch run: %w", err)
	}

	items := make([]*store.BatchItem, len(p.Matrix))
	for i, it := range p.Matrix {
		row := &store.BatchItem{
			RunID:    run.ID,
			RepoPath: it.Repo,
			Prompt:   it.Prompt,
			Status:   store.ItemQueued,
		}
		row, err := sch.Store.CreateBatchItem(row)
		if err != nil {
			return nil, fmt.Errorf("persisting batch item %d: %w", i, err)
		}
		items[i] = row
	}

	// 4-7. Drive the queue under a fixed-size slot pool.
	sem := make(chan struct{}, p.Concurrency)
	var wg sync.WaitGroup
	for i, row := range items {
		if sch.isAborted() {
			sch.failQueued(row, "batch aborted")
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(idx int, item *store.BatchItem) {
			defer wg.Done()
			defer func() { <-sem }()
			if sch.isAborted() {
				sch.failQueued(item, "batch aborted")
				return
			}
			sch.runItem(ctx, p, p.resolve(p.Matrix[idx]), item)
		}(i, row)
	}
	wg.Wait()

	finalStatus := store.BatchCompleted
	if sch.isAborted() {
		finalStatus = store.BatchAborted
	}
	if err := sch.Store.UpdateBatchRunStatus(run.ID, finalStatus); err != nil {
		sch.log.Errorf("updating batch run status for %s: %v", run.ID, err)
	}
	run.Status = finalStatus
	return run, nil
}

func (sch *Scheduler) failQueued(item *store.BatchItem, reason string) {
	item.Status = store.ItemError
	item.ErrorText = reason
	item.EndedAt = time.Now()
	if err := sch.Store.UpdateBatchItem(item); err != nil {
		sch.log.Errorf("marking item %s errored: %v", item.ID, err)
	}
}

// runItem owns item exclusively for its duration: status transitions
// out of "running" are this goroutine's sole responsibility.
func (sch *Scheduler) runItem(ctx context.Context, p Plan, r resolved, item *store.BatchItem) {
	item.Status = store.ItemRunning
	item.StartedAt = time.Now()
	if err := sch.Store.UpdateBatchItem(item); err != nil {
		sch.log.Errorf("marking item %s running: %v", item.ID, err)
	}

	timeout := time.Duration(r.timeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	itemCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess, err := sch.createAndRunFirst(itemCtx, r)
	item.EndedAt = time.Now()

	switch {
	case err != nil && isTimeoutErr(err):
		item.Status = store.ItemTimeout
		item.ErrorText = err.Error()
	case err != nil:
		item.Status = store.ItemError
		item.ErrorText = err.Error()
	case sess == nil:
		item.Status = store.ItemError
		item.ErrorText = "session was not created"
	default:
		item.SessionID = sess.ID
		switch sess.Status {
		case store.SessionError:
			item.Status = store.ItemFail
		default:
			item.Status = store.ItemSuccess
		}
		if its, ierr := sch.Store.IterationsFor(sess.ID); ierr == nil && len(its) > 0 {
			last := its[len(its)-1]
			item.TotalTokens = last.TotalTokens
			item.CommitSHA = last.CommitSHA
			if last.ExitCode != 0 && item.Status == store.ItemSuccess {
				item.Status = store.ItemFail
			}
			if tcs, terr := sch.Store.ToolCallsFor(last.ID); terr == nil {
				item.ToolCalls = len(tcs)
			}
		}
	}

	if err := sch.Store.UpdateBatchItem(item); err != nil {
		sch.log.Errorf("recording outcome for item %s: %v", item.ID, err)
	}

	// 6. Merge-on-pass: attempt preflight+squash+rebase; never fail the item.
	if r.mergeOnPass && sess != nil && item.Status == store.ItemSuccess {
		if merr := sch.attemptMerge(sess, r); merr != nil {
			sch.log.Warnf("merge_on_pass for session %s: %v", sess.ID, merr)
		}
	}
}

func isTimeoutErr(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), timeoutSignature) ||
		errors.Is(err, context.DeadlineExceeded)
}

// createAndRunFirst creates the session via the workspace manager. For
// async-mode sessions (the only mode the batch scheduler uses) creation
// itself runs the first iteration (see internal/workspace's
// IterationRunner seam) — the scheduler must not call the iteration
// engine again for this item.
func (sch *Scheduler) createAndRunFirst(ctx context.Context, r resolved) (*store.Session, error) {
	done := make(chan struct {
		sess *store.Session
		err  error
	}, 1)
	go func() {
		sess, err := sch.Workspace.Create(workspace.CreateParams{
			Name:          r.Prompt,
			InitialPrompt: r.Prompt,
			RepoRoot:      util.ExpandHome(r.Repo),
			BaseBranch:    r.baseBranch,
			Mode:          store.ModeAsync,
			TestScript:    r.scriptCommand,
			ModelOverride: r.model,
		})
		done <- struct {
			sess *store.Session
			err  error
		}{sess, err}
	}()
	select {
	case res := <-done:
		return res.sess, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// attemptMerge runs a preflight check and, if clean, squashes the
// session's commits onto its base branch and rebases the result onto
// base. A rebase conflict is reported as an error. Any failure here is logged by
// the caller and never changes the item's already-recorded status.
func (sch *Scheduler) attemptMerge(sess *store.Session, r resolved) error {
	res, err := workspace.Preflight(sess.RepoRoot, sess.WorkspacePath, sess.Branch, sess.BaseBranch,
		workspace.AgentCommitPrefix(nil), r.scriptCommand, "")
	if err != nil {
		return fmt.Errorf("preflight: %w", err)
	}
	if len(res.Issues) > 0 {
		return fmt.Errorf("preflight reported issues: %v", res.Issues)
	}
	msg := fmt.Sprintf("squash session %s: %s", sess.ID, sess.Name)
	if err := workspace.SquashSession(sess.WorkspacePath, sess.BaseBranch, workspace.SquashParams{Message: msg}); err != nil {
		return fmt.Errorf("squash: %w", err)
	}
	rb, err := workspace.RebaseOntoBase(sess.WorkspacePath, sess.BaseBranch)
	if err != nil {
		return fmt.Errorf("rebase: %w", err)
	}
	if rb.Status != "ok" {
		return fmt.Errorf("rebase onto %s conflicted in %v", sess.BaseBranch, rb.Files)
	}
	return nil
}
