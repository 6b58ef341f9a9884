// Entity types owned by the store. JSON tags define the external
// serialization contract: dates render as RFC 3339 strings, numeric ids
// as numbers, embeddings are never serialized.
package store

import "time"

// TaskStatus enumerates the task state machine.
type TaskStatus string

const (
	TaskBacklog   TaskStatus = "backlog"
	TaskPlanning  TaskStatus = "planning"
	TaskReady     TaskStatus = "ready"
	TaskActive    TaskStatus = "active"
	TaskBlocked   TaskStatus = "blocked"
	TaskDone      TaskStatus = "done"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// ValidTaskStatus reports whether s names a known status.
func ValidTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskBacklog, TaskPlanning, TaskReady, TaskActive, TaskBlocked, TaskDone, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Task is a node in the task DAG.
type Task struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Status      TaskStatus        `json:"status"`
	ParentID    *string           `json:"parentId,omitempty"`
	Score       int               `json:"score"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

// Dependency is a directed blocker -> blocked edge.
type Dependency struct {
	BlockerID string    `json:"blockerId"`
	BlockedID string    `json:"blockedId"`
	CreatedAt time.Time `json:"createdAt"`
}

// WorkerStatus enumerates worker states.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
)

// Worker is a registered agent process.
type Worker struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Hostname        string       `json:"hostname"`
	PID             int          `json:"pid"`
	Status          WorkerStatus `json:"status"`
	RegisteredAt    time.Time    `json:"registeredAt"`
	LastHeartbeatAt time.Time    `json:"lastHeartbeatAt"`
	CurrentTaskID   *string      `json:"currentTaskId,omitempty"`
	Capabilities    []string     `json:"capabilities"`
}

// ClaimStatus enumerates claim states.
type ClaimStatus string

const (
	ClaimActive   ClaimStatus = "active"
	ClaimReleased ClaimStatus = "released"
	ClaimExpired  ClaimStatus = "expired"
)

// MaxRenewals bounds lease renewal per claim.
const MaxRenewals = 10

// Claim is a lease granting a worker exclusive right to a task.
type Claim struct {
	ID             int64       `json:"id"`
	TaskID         string      `json:"taskId"`
	WorkerID       string      `json:"workerId"`
	Status         ClaimStatus `json:"status"`
	ClaimedAt      time.Time   `json:"claimedAt"`
	LeaseExpiresAt time.Time   `json:"leaseExpiresAt"`
	RenewedCount   int         `json:"renewedCount"`
}

// OrchestratorStatus enumerates reconciler lifecycle states.
type OrchestratorStatus string

const (
	OrchestratorStopped  OrchestratorStatus = "stopped"
	OrchestratorStarting OrchestratorStatus = "starting"
	OrchestratorRunning  OrchestratorStatus = "running"
	OrchestratorStopping OrchestratorStatus = "stopping"
)

// OrchestratorState is the singleton coordination row for the host.
type OrchestratorState struct {
	Status                   OrchestratorStatus `json:"status"`
	PID                      *int               `json:"pid,omitempty"`
	StartedAt                *time.Time         `json:"startedAt,omitempty"`
	WorkerPoolSize           int                `json:"workerPoolSize"`
	HeartbeatIntervalSeconds int                `json:"heartbeatIntervalSeconds"`
	LeaseDurationMinutes     int                `json:"leaseDurationMinutes"`
	ReconcileIntervalSeconds int                `json:"reconcileIntervalSeconds"`
	LastReconcileAt          *time.Time         `json:"lastReconcileAt,omitempty"`
}

// RunStatus enumerates run states.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Run is an external agent process execution.
type Run struct {
	ID             string            `json:"id"`
	TaskID         *string           `json:"taskId,omitempty"`
	Agent          string            `json:"agent"`
	Status         RunStatus         `json:"status"`
	PID            *int              `json:"pid,omitempty"`
	StartedAt      time.Time         `json:"startedAt"`
	EndedAt        *time.Time        `json:"endedAt,omitempty"`
	ExitCode       *int              `json:"exitCode,omitempty"`
	TranscriptPath *string           `json:"transcriptPath,omitempty"`
	StderrPath     *string           `json:"stderrPath,omitempty"`
	StdoutPath     *string           `json:"stdoutPath,omitempty"`
	ErrorMessage   *string           `json:"errorMessage,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// RunHeartbeat tracks activity counters for one run. Byte counters are
// monotone non-decreasing; LastActivityAt advances only on real deltas.
type RunHeartbeat struct {
	RunID           string    `json:"runId"`
	LastCheckAt     time.Time `json:"lastCheckAt"`
	LastActivityAt  time.Time `json:"lastActivityAt"`
	StdoutBytes     int64     `json:"stdoutBytes"`
	StderrBytes     int64     `json:"stderrBytes"`
	TranscriptBytes int64     `json:"transcriptBytes"`
	LastDeltaBytes  int64     `json:"lastDeltaBytes"`
}

// AttemptOutcome enumerates attempt results.
type AttemptOutcome string

const (
	AttemptSucceeded AttemptOutcome = "succeeded"
	AttemptFailed    AttemptOutcome = "failed"
)

// Attempt records one approach taken on a task.
type Attempt struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"taskId"`
	Approach  string         `json:"approach"`
	Outcome   AttemptOutcome `json:"outcome"`
	Reason    *string        `json:"reason,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// LearningSourceType enumerates learning provenance.
type LearningSourceType string

const (
	SourceCompaction LearningSourceType = "compaction"
	SourceRun        LearningSourceType = "run"
	SourceManual     LearningSourceType = "manual"
	SourceClaudeMD   LearningSourceType = "claude_md"
)

// Learning is one entry in the contextual-learnings corpus.
type Learning struct {
	ID           string             `json:"id"`
	Content      string             `json:"content"`
	SourceType   LearningSourceType `json:"sourceType"`
	SourceRef    *string            `json:"sourceRef,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
	Keywords     []string           `json:"keywords"`
	Category     *string            `json:"category,omitempty"`
	UsageCount   int                `json:"usageCount"`
	LastUsedAt   *time.Time         `json:"lastUsedAt,omitempty"`
	OutcomeScore *float64           `json:"outcomeScore,omitempty"`
	Embedding    []float32          `json:"-"`
}

// CandidateConfidence enumerates candidate confidence levels.
type CandidateConfidence string

const (
	ConfidenceLow    CandidateConfidence = "low"
	ConfidenceMedium CandidateConfidence = "medium"
	ConfidenceHigh   CandidateConfidence = "high"
)

// CandidateStatus enumerates candidate lifecycle states.
type CandidateStatus string

const (
	CandidatePending  CandidateStatus = "pending"
	CandidatePromoted CandidateStatus = "promoted"
	CandidateRejected CandidateStatus = "rejected"
	CandidateMerged   CandidateStatus = "merged"
)

// Candidate is a learning-in-waiting with provenance.
type Candidate struct {
	ID           string              `json:"id"`
	Content      string              `json:"content"`
	Confidence   CandidateConfidence `json:"confidence"`
	Status       CandidateStatus     `json:"status"`
	SourceRunID  *string             `json:"sourceRunId,omitempty"`
	SourceTaskID *string             `json:"sourceTaskId,omitempty"`
	MergedInto   *string             `json:"mergedInto,omitempty"`
	CreatedAt    time.Time           `json:"createdAt"`
	UpdatedAt    time.Time           `json:"updatedAt"`
}

// EdgeType enumerates learning graph edge types.
type EdgeType string

const (
	EdgeDerivedFrom EdgeType = "DERIVED_FROM"
	EdgeRelatesTo   EdgeType = "RELATES_TO"
	EdgeSupersedes  EdgeType = "SUPERSEDES"
	EdgeRefines     EdgeType = "REFINES"
)

// Edge is a typed learning -> learning (or learning -> provenance) link.
type Edge struct {
	ID        int64     `json:"id"`
	FromID    string    `json:"fromId"`
	ToID      string    `json:"toId"`
	Type      EdgeType  `json:"type"`
	Weight    float64   `json:"weight"`
	CreatedAt time.Time `json:"createdAt"`
}

// AnchorStatus enumerates anchor validity.
type AnchorStatus string

const (
	AnchorValid   AnchorStatus = "valid"
	AnchorDrifted AnchorStatus = "drifted"
	AnchorInvalid AnchorStatus = "invalid"
)

// Anchor pins a learning to a code location for drift detection.
type Anchor struct {
	ID           int64        `json:"id"`
	LearningID   string       `json:"learningId"`
	AnchorType   string       `json:"anchorType"`
	FilePath     string       `json:"filePath"`
	SymbolFQName *string      `json:"symbolFqname,omitempty"`
	LineStart    *int         `json:"lineStart,omitempty"`
	LineEnd      *int         `json:"lineEnd,omitempty"`
	ContentHash  *string      `json:"contentHash,omitempty"`
	Status       AnchorStatus `json:"status"`
	Pinned       bool         `json:"pinned"`
	VerifiedAt   *time.Time   `json:"verifiedAt,omitempty"`
}

// AnchorInvalidation is one append-only status change record.
type AnchorInvalidation struct {
	ID        int64     `json:"id"`
	AnchorID  int64     `json:"anchorId"`
	OldStatus string    `json:"oldStatus"`
	NewStatus string    `json:"newStatus"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

// MessageStatus enumerates outbox message states.
type MessageStatus string

const (
	MessagePending MessageStatus = "pending"
	MessageAcked   MessageStatus = "acked"
)

// Message is one outbox entry; ids are strictly monotone per store.
type Message struct {
	ID            int64             `json:"id"`
	Channel       string            `json:"channel"`
	Sender        string            `json:"sender"`
	Content       string            `json:"content"`
	Status        MessageStatus     `json:"status"`
	CorrelationID *string           `json:"correlationId,omitempty"`
	TaskID        *string           `json:"taskId,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	AckedAt       *time.Time        `json:"ackedAt,omitempty"`
	ExpiresAt     *time.Time        `json:"expiresAt,omitempty"`
}
