// Package iteration runs one turn of a session: refresh context, invoke
// the agent adapter, detect and commit changes, optionally run a test
// script, and publish structured telemetry. See spec.md §4.5 for the
// twelve-step contract this package implements.
package iteration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/session-forge/forge/internal/agent"
	"github.com/session-forge/forge/internal/config"
	"github.com/session-forge/forge/internal/gitdriver"
	"github.com/session-forge/forge/internal/lock"
	"github.com/session-forge/forge/internal/logx"
	"github.com/session-forge/forge/internal/metrics"
	"github.com/session-forge/forge/internal/store"
)

// oraclePhrase is the substring the agent's output uses to request an
// oracle consultation (spec.md §4.5 step 5).
const oraclePhrase = "consult the oracle"

// DefaultOracleDetector is the case-insensitive substring match spec.md
// documents. Engine.OracleDetector defaults to this; tests and future
// agent versions may inject a different predicate without touching the
// telemetry parser or workspace manager.
func DefaultOracleDetector(output string) bool {
	return strings.Contains(strings.ToLower(output), oraclePhrase)
}

// contextWriter is the subset of workspace.Manager the engine needs;
// declared locally so internal/iteration never imports
// internal/workspace (workspace declares its own IterationRunner seam,
// which Engine satisfies, so neither package imports the other).
type contextWriter interface {
	RefreshContext(s *store.Session, diffSummary, status string) error
}

// Engine runs iterations. It satisfies workspace.IterationRunner via
// RunFirstIteration.
type Engine struct {
	Store          *store.Store
	Bus            *metrics.Bus
	Locks          *lock.Manager
	AgentConfig    agent.Config
	Workspace      contextWriter
	CommitPrefix   string
	OracleDetector func(string) bool
	OracleGuidance string
	log            *logx.Logger
	now            func() time.Time
}

// NewEngine wires the leaf packages an iteration needs.
func NewEngine(st *store.Store, bus *metrics.Bus, lm *lock.Manager, ws contextWriter, agentCfg agent.Config, commitPrefix string) *Engine {
	return &Engine{
		Store:          st,
		Bus:            bus,
		Locks:          lm,
		AgentConfig:    agentCfg,
		Workspace:      ws,
		CommitPrefix:   commitPrefix,
		OracleDetector: DefaultOracleDetector,
		OracleGuidance: "Please consult the oracle for guidance and continue.",
		log:            logx.Default,
		now:            time.Now,
	}
}

// RunFirstIteration satisfies workspace.IterationRunner: it runs one
// turn driven by the session's initial prompt, under the session lock.
func (e *Engine) RunFirstIteration(s *store.Session) error {
	return e.Run(context.Background(), s, "")
}

// Run executes one iteration under the session's cross-process lock.
// followUp, if non-empty, is the prompt driving this turn; otherwise
// the session's initial prompt is used.
func (e *Engine) Run(ctx context.Context, s *store.Session, followUp string) (err error) {
	return e.Locks.WithLock(s.ID, func() error {
		return e.runLocked(ctx, s, followUp)
	})
}

func (e *Engine) runLocked(ctx context.Context, s *store.Session, followUp string) (err error) {
	g := gitdriver.NewGit(s.WorkspacePath)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("iteration panic: %v", r)
		}
		if err != nil {
			_ = e.Store.UpdateSessionStatus(s.ID, store.SessionError, e.now())
		}
	}()

	// 1. Refresh AGENT_CONTEXT.
	if e.Workspace != nil {
		if werr := e.Workspace.RefreshContext(s, "", string(s.Status)); werr != nil {
			e.log.Warnf("refreshing context for %s: %v", s.ID, werr)
		}
	}

	// 2. Create the iteration record; capture sha_before; publish iteration_start.
	startedAt := e.now()
	shaBefore, _ := g.Rev("HEAD")
	it := &store.Iteration{
		ID:        fmt.Sprintf("%s-it-%d", s.ID, startedAt.UnixNano()),
		SessionID: s.ID,
		StartedAt: startedAt,
	}
	it, err = e.Store.CreateIteration(it)
	if err != nil {
		return fmt.Errorf("creating iteration record: %w", err)
	}
	e.publish(metrics.Event{
		Kind:      metrics.KindIterationStart,
		Session:   s.ID,
		Iteration: it.ID,
		Timestamp: startedAt,
		Payload:   metrics.IterationStartPayload{StartingSHA: shaBefore},
	})

	// 3. Publish the user_message driving this turn.
	prompt := followUp
	if prompt == "" {
		prompt = s.InitialPrompt
	}
	e.publish(metrics.Event{
		Kind:      metrics.KindUserMessage,
		Session:   s.ID,
		Iteration: it.ID,
		Timestamp: e.now(),
		Payload:   metrics.UserMessagePayload{Text: prompt},
	})
	if followUp != "" {
		if _, ferr := e.Store.AddFollowUpPrompt(s.ID, it.ID, followUp); ferr != nil {
			e.log.Warnf("recording follow-up prompt for %s: %v", s.ID, ferr)
		}
	}

	// 4. Invoke the agent adapter in one-shot mode.
	res, runErr := agent.RunIteration(ctx, e.AgentConfig, prompt, s.WorkspacePath, s.ModelOverride, s.ID, s.ThreadExternal)
	if runErr != nil {
		return fmt.Errorf("invoking agent: %w", runErr)
	}
	e.forwardToolCalls(s.ID, it.ID, res)

	// 5. Oracle consultation: informational only, never changes status.
	detector := e.OracleDetector
	if detector == nil {
		detector = DefaultOracleDetector
	}
	if detector(res.Output) {
		guidanceRes, gerr := agent.RunIteration(ctx, e.AgentConfig, e.OracleGuidance, s.WorkspacePath, s.ModelOverride, s.ID, s.ThreadExternal)
		if gerr != nil {
			e.log.Warnf("oracle guidance call for %s: %v", s.ID, gerr)
		} else {
			e.appendIterationLog(s, guidanceRes.Output)
			e.forwardToolCalls(s.ID, it.ID, guidanceRes)
		}
	}

	// 6. Determine final status.
	status := store.SessionIdle
	switch {
	case res.AwaitingInput:
		status = store.SessionAwaitingInput
	case !res.Success:
		status = store.SessionError
	}

	// 7. Detect and commit changes.
	changedFiles := 0
	commitSHA := ""
	diffText := ""
	if has, herr := g.HasChanges(); herr == nil && has {
		if aerr := g.AddAll(); aerr != nil {
			e.log.Warnf("staging changes for %s: %v", s.ID, aerr)
		}
		if text, derr := g.DiffStaged(); derr == nil {
			diffText = text
		}
		numstat, nerr := g.DiffNumstat()
		if nerr == nil {
			changedFiles = len(numstat)
			for path, delta := range numstat {
				e.publish(metrics.Event{
					Kind:      metrics.KindFileEdit,
					Session:   s.ID,
					Iteration: it.ID,
					Timestamp: e.now(),
					Payload: metrics.FileEditPayload{
						Path:         path,
						LinesAdded:   delta[0],
						LinesDeleted: delta[1],
						Operation:    metrics.FileModify,
					},
				})
			}
		}
		subject := e.commitSubject(prompt)
		sha, cerr := g.CommitAll(subject)
		if cerr != nil {
			e.log.Warnf("committing changes for %s: %v", s.ID, cerr)
		} else {
			commitSHA = sha
		}
	}

	// 8. Optional test script, only if a commit occurred.
	var testResult store.TestResult
	if s.TestScript != "" && commitSHA != "" {
		pass, exitCode := runTestScript(s.WorkspacePath, s.TestScript)
		if pass {
			testResult = store.TestPass
		} else {
			testResult = store.TestFail
			status = store.SessionAwaitingInput
		}
		e.publish(metrics.Event{
			Kind:      metrics.KindTestResult,
			Session:   s.ID,
			Iteration: it.ID,
			Timestamp: e.now(),
			Payload: metrics.TestResultPayload{
				Command:  s.TestScript,
				ExitCode: exitCode,
			},
		})
	}

	// 9. Cost + per-tool-call telemetry, already forwarded in step 4/5;
	// compute and publish llm_usage if tokens and model are known.
	if res.Telemetry.HasTokens && res.Telemetry.Model != "" {
		cost, _ := config.EstimateCostUSD(res.Telemetry.Model, res.Telemetry.PromptTokens, res.Telemetry.CompletionTokens)
		e.publish(metrics.Event{
			Kind:      metrics.KindLLMUsage,
			Session:   s.ID,
			Iteration: it.ID,
			Timestamp: e.now(),
			Payload: metrics.LLMUsagePayload{
				Model:      res.Telemetry.Model,
				Prompt:     res.Telemetry.PromptTokens,
				Completion: res.Telemetry.CompletionTokens,
				Total:      res.Telemetry.TotalTokens,
				CostUSD:    cost,
			},
		})
	}

	// 10. Publish iteration_end; persist iteration telemetry; update session.
	endedAt := e.now()
	it.EndedAt = endedAt
	it.CommitSHA = commitSHA
	it.ChangedFiles = changedFiles
	it.ExitCode = res.ExitCode
	it.TestResult = testResult
	it.PromptTokens = res.Telemetry.PromptTokens
	it.CompletionTokens = res.Telemetry.CompletionTokens
	it.TotalTokens = res.Telemetry.TotalTokens
	it.Model = res.Telemetry.Model
	it.AgentVersion = res.Telemetry.AgentVersion
	it.RawOutput = res.Output
	it.CommandLine = e.commandLineFor(s)
	if ferr := e.Store.FinishIteration(it); ferr != nil {
		e.log.Errorf("finishing iteration %s: %v", it.ID, ferr)
	}

	outcome := metrics.OutcomeSuccess
	switch status {
	case store.SessionAwaitingInput:
		outcome = metrics.OutcomeAwaitingInput
	case store.SessionError:
		outcome = metrics.OutcomeFailed
	}
	e.publish(metrics.Event{
		Kind:      metrics.KindIterationEnd,
		Session:   s.ID,
		Iteration: it.ID,
		Timestamp: endedAt,
		Payload: metrics.IterationEndPayload{
			Outcome:  outcome,
			Duration: endedAt.Sub(startedAt),
			ExitCode: res.ExitCode,
		},
	})

	if uerr := e.Store.UpdateSessionStatus(s.ID, status, endedAt); uerr != nil {
		e.log.Errorf("updating session status for %s: %v", s.ID, uerr)
	}

	// 11. Persist a new thread identifier, if the agent reported one.
	if res.Telemetry.ThreadID != "" && res.Telemetry.ThreadID != s.ThreadExternal {
		if terr := e.Store.UpdateSessionThread(s.ID, res.Telemetry.ThreadID); terr != nil {
			e.log.Errorf("persisting thread id for %s: %v", s.ID, terr)
		} else {
			s.ThreadExternal = res.Telemetry.ThreadID
		}
	}

	// 12. Write this turn's diff into DIFF_SUMMARY.md so the next
	// iteration's context refresh (step 1) picks it up.
	if e.Workspace != nil && diffText != "" {
		if werr := e.Workspace.RefreshContext(s, diffText, string(status)); werr != nil {
			e.log.Warnf("refreshing diff summary for %s: %v", s.ID, werr)
		}
	}

	return nil
}

func (e *Engine) forwardToolCalls(sessionID, iterationID string, res *agent.RunResult) {
	for _, tc := range res.Telemetry.ToolCalls {
		dur := int64(0)
		if tc.DurationMS != nil {
			dur = *tc.DurationMS
		}
		e.publish(metrics.Event{
			Kind:      metrics.KindToolCall,
			Session:   sessionID,
			Iteration: iterationID,
			Timestamp: tc.Timestamp,
			Payload: metrics.ToolCallPayload{
				ToolName:  tc.Name,
				Arguments: tc.ArgsJSON,
				Duration:  time.Duration(dur) * time.Millisecond,
				Success:   tc.Success,
			},
		})
	}
}

func (e *Engine) publish(ev metrics.Event) {
	if e.Bus == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	e.Bus.Publish(ev)
}

// commandLineFor reconstructs the binary invoked for the iteration
// record's audit trail. The exact argv lives inside agent.RunIteration,
// which does not expose it; this approximates what a human auditing the
// iteration log needs: which binary, against which thread mode.
func (e *Engine) commandLineFor(s *store.Session) string {
	bin := e.AgentConfig.BinaryPath
	if bin == "" {
		bin = "agent"
	}
	if s.ThreadExternal != "" {
		return fmt.Sprintf("%s --continue-thread=%s", bin, s.ThreadExternal)
	}
	return fmt.Sprintf("%s --new-thread", bin)
}

func (e *Engine) commitSubject(prompt string) string {
	prefix := e.CommitPrefix
	if prefix == "" {
		prefix = "amp:"
	}
	summary := prompt
	if len(summary) > 72 {
		summary = summary[:72]
	}
	return fmt.Sprintf("%s %s", prefix, strings.TrimSpace(summary))
}

func (e *Engine) appendIterationLog(s *store.Session, text string) {
	if e.Workspace == nil {
		return
	}
	dir := filepath.Join(s.WorkspacePath, "AGENT_CONTEXT")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, "ITERATION_LOG.md"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(text + "\n")
}

// runTestScript runs the session's test script in its workspace,
// merging stdout/stderr, and reports pass/fail plus exit code.
func runTestScript(workspacePath, script string) (pass bool, exitCode int) {
	cmd := exec.Command("sh", "-c", script)
	cmd.Dir = workspacePath
	err := cmd.Run()
	if err == nil {
		return true, 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return false, exitErr.ExitCode()
	}
	return false, -1
}
