package store

import "time"

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionIdle          SessionStatus = "idle"
	SessionRunning       SessionStatus = "running"
	SessionAwaitingInput SessionStatus = "awaiting-input"
	SessionError         SessionStatus = "error"
	SessionDone          SessionStatus = "done"
)

// SessionMode distinguishes one-shot batch sessions from interactive ones.
type SessionMode string

const (
	ModeAsync       SessionMode = "async"
	ModeInteractive SessionMode = "interactive"
)

// TestResult is the outcome of an iteration's optional test script.
type TestResult string

const (
	TestPass TestResult = "pass"
	TestFail TestResult = "fail"
)

// Session is the primary unit of work: one agent-driven branch against
// one repository.
type Session struct {
	ID              string
	Name            string
	InitialPrompt   string
	RepoRoot        string
	BaseBranch      string
	Branch          string
	WorkspacePath   string
	Status          SessionStatus
	Mode            SessionMode
	TestScript      string
	ModelOverride   string
	ThreadExternal  string
	CreatedAt       time.Time
	LastRunAt       time.Time
	BatchRunID      string
}

// Iteration is one agent turn within a session.
type Iteration struct {
	ID            string
	SessionID     string
	StartedAt     time.Time
	EndedAt       time.Time
	CommitSHA     string
	ChangedFiles  int
	ExitCode      int
	TestResult    TestResult
	PromptTokens  int
	CompletionTokens int
	TotalTokens   int
	Model         string
	AgentVersion  string
	CommandLine   string
	RawOutput     string
}

// ToolCall is one structured tool invocation emitted by the agent during
// an iteration.
type ToolCall struct {
	ID          string
	SessionID   string
	IterationID string
	Timestamp   time.Time
	ToolName    string
	ArgsJSON    string
	Success     bool
	DurationMS  int64
	MessageID   string
}

// MessageRole is the speaker of a ThreadMessage.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Thread is a conversation history independent of iterations, used by
// interactive mode.
type Thread struct {
	ID        string
	SessionID string
	CreatedAt time.Time
}

// ThreadMessage is one message within a Thread.
type ThreadMessage struct {
	ID        string
	ThreadID  string
	Role      MessageRole
	Content   string
	Index     int
	Timestamp time.Time
}

// BatchRunStatus is the lifecycle state of a BatchRun.
type BatchRunStatus string

const (
	BatchRunning   BatchRunStatus = "running"
	BatchCompleted BatchRunStatus = "completed"
	BatchAborted   BatchRunStatus = "aborted"
	BatchError     BatchRunStatus = "error"
)

// BatchRun groups sessions executed together under a shared concurrency bound.
type BatchRun struct {
	ID            string
	BaseBranch    string
	ScriptCommand string
	Model         string
	TimeoutSec    int
	Retries       int
	MergeOnPass   bool
	Concurrency   int
	CreatedAt     time.Time
	Status        BatchRunStatus
}

// BatchItemStatus is the lifecycle state of a BatchItem.
type BatchItemStatus string

const (
	ItemQueued  BatchItemStatus = "queued"
	ItemRunning BatchItemStatus = "running"
	ItemSuccess BatchItemStatus = "success"
	ItemFail    BatchItemStatus = "fail"
	ItemTimeout BatchItemStatus = "timeout"
	ItemError   BatchItemStatus = "error"
)

// BatchItem is one planned session within a BatchRun.
type BatchItem struct {
	ID          string
	RunID       string
	RepoPath    string
	Prompt      string
	Status      BatchItemStatus
	SessionID   string
	StartedAt   time.Time
	EndedAt     time.Time
	CommitSHA   string
	TotalTokens int
	ToolCalls   int
	ErrorText   string
}

// FollowUpPrompt is one note a caller supplies to steer the next iteration
// of an existing session. Append-only, ordered by creation timestamp.
type FollowUpPrompt struct {
	ID          string
	SessionID   string
	IterationID string
	Text        string
	CreatedAt   time.Time
}
