// Package persistence implements spec.md §4.1 (the persistence adapter) and
// the §3 data model rows it owns: Project, Ticket, Run, RunStep, Event.
// Modeled on the teacher's internal/store package's use of database/sql
// directly (no ORM), but with the relational schema and transaction
// discipline spec.md §4.1 and §9 require instead of the teacher's
// fact/vector store.
package persistence

import "time"

// TicketStatus is the closed enum from spec.md §3.
type TicketStatus string

const (
	TicketBacklog    TicketStatus = "backlog"
	TicketReady      TicketStatus = "ready"
	TicketLeased     TicketStatus = "leased"
	TicketInProgress TicketStatus = "in_progress"
	TicketInReview   TicketStatus = "in_review"
	TicketDone       TicketStatus = "done"
	TicketBlocked    TicketStatus = "blocked"
	TicketAborted    TicketStatus = "aborted"
)

// TicketCategory is the closed enum from spec.md §3.
type TicketCategory string

const (
	CategoryRefactor TicketCategory = "refactor"
	CategoryDocs     TicketCategory = "docs"
	CategoryTest     TicketCategory = "test"
	CategoryPerf     TicketCategory = "perf"
	CategorySecurity TicketCategory = "security"
	CategoryFix      TicketCategory = "fix"
	CategoryCleanup  TicketCategory = "cleanup"
	CategoryTypes    TicketCategory = "types"
)

// Project is one row per repository root (spec.md §3).
type Project struct {
	ID        string
	Name      string
	RemoteURL string
	RootPath  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Ticket is a single unit of work (spec.md §3).
type Ticket struct {
	ID                  string
	ProjectID           string
	Title               string
	Description         string
	Status              TicketStatus
	Priority            int
	Shard               string
	Category            TicketCategory
	AllowedPaths        []string
	ForbiddenPaths      []string
	VerificationCommands []string
	MaxRetries          int
	RetryCount          int
	NextRetryAt         time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// RunType is the closed enum from spec.md §3.
type RunType string

const (
	RunScout  RunType = "scout"
	RunWorker RunType = "worker"
	RunQA     RunType = "qa"
	RunCI     RunType = "ci"
)

// RunStatus is the closed enum from spec.md §3.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusSuccess  RunStatus = "success"
	RunStatusFailure  RunStatus = "failure"
	RunStatusCanceled RunStatus = "canceled"
)

// Run is one execution of the engine or of a single ticket (spec.md §3).
type Run struct {
	ID            string
	Type          RunType
	ProjectID     string
	TicketID      string // empty if not ticket-scoped
	Status        RunStatus
	Iteration     int
	CreatedAt     time.Time
	StartedAt     time.Time
	CompletedAt   time.Time
	TerminalError string
	Metadata      map[string]any
	PRURL         string
}

// RunStepStatus is the closed enum from spec.md §3.
type RunStepStatus string

const (
	StepQueued   RunStepStatus = "queued"
	StepRunning  RunStepStatus = "running"
	StepSuccess  RunStepStatus = "success"
	StepFailed   RunStepStatus = "failed"
	StepSkipped  RunStepStatus = "skipped"
	StepCanceled RunStepStatus = "canceled"
)

// RunStep is a row per (run, attempt, ordinal) in retriable multi-step
// runs such as QA (spec.md §3).
type RunStep struct {
	ID         string
	RunID      string
	Attempt    int
	Ordinal    int
	Status     RunStepStatus
	Command    string
	WorkingDir string
	TimeoutMs  int
	ExitCode   int
	StdoutPath string
	StdoutSize int64
	StdoutTail string
	Truncated  bool
	StderrPath string
	StderrSize int64
	StderrTail string
	SkipReason string
	StartedAt  time.Time
	EndedAt    time.Time
}

// Event is an append-only journal entry (spec.md §3). Invariant: an event
// is written before any persistent state transition it describes.
type Event struct {
	ID      string
	RunID   string
	Step    int64
	Time    time.Time
	Type    string
	Payload map[string]any
}
