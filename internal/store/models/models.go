// Package models defines the persistent entities owned by the Store.
package models

import "time"

// Priority is the queue priority of a task.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// rank returns the ordering weight of a priority, higher sorts first.
// An unrecognised priority (including "") is treated as normal.
func (p Priority) rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Less reports whether p should be admitted before other: true only for a
// strictly higher rank; equal ranks return false and are resolved by
// createdAt at the query layer.
func (p Priority) Less(other Priority) bool {
	return p.rank() > other.rank()
}

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending         Status = "pending"
	StatusQueued          Status = "queued"
	StatusPlanning        Status = "planning"
	StatusInProgress      Status = "in-progress"
	StatusWaitingApproval Status = "waiting-approval"
	StatusPaused          Status = "paused"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// IsTerminal reports whether the status is a final outcome that is never
// re-executed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Autonomy controls how much of the workflow runs unattended.
type Autonomy string

const (
	AutonomyFull               Autonomy = "full"
	AutonomyReviewBeforeMerge  Autonomy = "review-before-merge"
	AutonomyManual             Autonomy = "manual"
)

// SubtaskStrategy controls how a parent task's children are executed.
type SubtaskStrategy string

const (
	SubtaskSequential     SubtaskStrategy = "sequential"
	SubtaskParallel       SubtaskStrategy = "parallel"
	SubtaskDependencyBased SubtaskStrategy = "dependency-based"
)

// PauseReason explains why a task is currently paused.
type PauseReason string

const (
	PauseUsageLimit  PauseReason = "usage_limit"
	PauseBudget      PauseReason = "budget"
	PauseCapacity    PauseReason = "capacity"
	PauseSessionLimit PauseReason = "session_limit"
	PauseRateLimit   PauseReason = "rate_limit"
	PauseManual      PauseReason = "manual"
)

// Usage tracks token and cost accumulation for a task.
type Usage struct {
	InputTokens   int     `json:"inputTokens"`
	OutputTokens  int     `json:"outputTokens"`
	TotalTokens   int     `json:"totalTokens"`
	EstimatedCost float64 `json:"estimatedCost"`
}

// Add accumulates a usage delta and recomputes the total token count.
func (u *Usage) Add(inputTokens, outputTokens int, costDelta float64) {
	u.InputTokens += inputTokens
	u.OutputTokens += outputTokens
	u.TotalTokens = u.InputTokens + u.OutputTokens
	u.EstimatedCost += costDelta
}

// ConversationMessage is one turn of the stored conversation history used
// for session-pressure estimation and resumption.
type ConversationMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
	// Structured holds tool-use/tool-result payloads that are
	// JSON-serialised before being counted toward token estimation.
	Structured any `json:"structured,omitempty"`
}

// Task is the unit of work driven through a workflow.
type Task struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	AcceptanceCriteria string `json:"acceptanceCriteria,omitempty"`

	ParentTaskID    string          `json:"parentTaskId,omitempty"`
	SubtaskStrategy SubtaskStrategy `json:"subtaskStrategy,omitempty"`
	SubtaskIDs      []string        `json:"subtaskIds,omitempty"`

	Workflow    string   `json:"workflow"`
	Autonomy    Autonomy `json:"autonomy"`
	ProjectPath string   `json:"projectPath"`
	BranchName  string   `json:"branchName"`

	Priority  Priority  `json:"priority"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	DependsOn []string  `json:"dependsOn,omitempty"`

	Status       Status `json:"status"`
	CurrentStage string `json:"currentStage,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	Error        string `json:"error,omitempty"`

	RetryCount int `json:"retryCount"`
	MaxRetries int `json:"maxRetries"`

	PausedAt       *time.Time  `json:"pausedAt,omitempty"`
	PauseReason    PauseReason `json:"pauseReason,omitempty"`
	ResumeAfter    *time.Time  `json:"resumeAfter,omitempty"`
	ResumeAttempts int         `json:"resumeAttempts"`

	Usage Usage `json:"usage"`

	Conversation []ConversationMessage `json:"conversation,omitempty"`

	PRURL string `json:"prUrl,omitempty"`
}

// Clone returns a deep-enough copy for callers that must not observe
// mutation of the Store's internal state (used by in-memory backends).
func (t *Task) Clone() *Task {
	c := *t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.SubtaskIDs = append([]string(nil), t.SubtaskIDs...)
	c.Conversation = append([]ConversationMessage(nil), t.Conversation...)
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.PausedAt != nil {
		v := *t.PausedAt
		c.PausedAt = &v
	}
	if t.ResumeAfter != nil {
		v := *t.ResumeAfter
		c.ResumeAfter = &v
	}
	return &c
}

// LogLevel classifies a TaskLog entry.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
	LogDebug LogLevel = "debug"
)

// TaskLog is an append-only log entry attached to a task.
type TaskLog struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Stage     string    `json:"stage,omitempty"`
	Agent     string    `json:"agent,omitempty"`
	Component string    `json:"component,omitempty"`
}

// TaskArtifact is an append-only artifact record attached to a task.
type TaskArtifact struct {
	ID      string `json:"id"`
	TaskID  string `json:"taskId"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
}

// GateStatus is the approval state of a Gate.
type GateStatus string

const (
	GatePending  GateStatus = "pending"
	GateApproved GateStatus = "approved"
	GateRejected GateStatus = "rejected"
)

// Gate is a human-approval checkpoint attached to a task by name.
type Gate struct {
	TaskID      string     `json:"taskId"`
	Name        string     `json:"name"`
	Status      GateStatus `json:"status"`
	RequiredAt  time.Time  `json:"requiredAt"`
	RespondedAt *time.Time `json:"respondedAt,omitempty"`
	Approver    string     `json:"approver,omitempty"`
	Comment     string     `json:"comment,omitempty"`
}

// Template is a reusable task blueprint independent of any single task.
type Template struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Description        string    `json:"description"`
	Workflow           string    `json:"workflow"`
	Priority           Priority  `json:"priority"`
	Effort             string    `json:"effort"`
	AcceptanceCriteria string    `json:"acceptanceCriteria,omitempty"`
	Tags               []string  `json:"tags,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// ResumePoint indicates where a workflow should continue from when resumed.
type ResumePoint string

const (
	ResumeStageStart      ResumePoint = "stage_start"
	ResumeWorkflowContinue ResumePoint = "workflow_continue"
)

// CheckpointMetadata is the opaque JSON payload stored with a checkpoint.
type CheckpointMetadata struct {
	PauseReason        PauseReason    `json:"pauseReason,omitempty"`
	ResumePoint        ResumePoint    `json:"resumePoint,omitempty"`
	SessionLimitStatus *SessionStatus `json:"sessionLimitStatus,omitempty"`
	CompletedStages    []string       `json:"completedStages,omitempty"`
	InProgressStages   []string       `json:"inProgressStages,omitempty"`
	StageResults       map[string]any `json:"stageResults,omitempty"`
}

// Checkpoint is a durable snapshot of task progress and resumption metadata.
type Checkpoint struct {
	TaskID            string              `json:"taskId"`
	CheckpointID      string              `json:"checkpointId"`
	Stage             string              `json:"stage,omitempty"`
	StageIndex        int                 `json:"stageIndex"`
	ConversationState []ConversationMessage `json:"conversationState,omitempty"`
	Metadata          CheckpointMetadata  `json:"metadata"`
	CreatedAt         time.Time           `json:"createdAt"`
}

// IdleTask is a low-priority candidate surfaced by an analyzer, promotable
// to a real Task.
type IdleTask struct {
	ID                string    `json:"id"`
	Type              string    `json:"type"`
	Title             string    `json:"title"`
	Description       string    `json:"description"`
	Priority          Priority  `json:"priority"`
	EstimatedEffort   string    `json:"estimatedEffort"`
	SuggestedWorkflow string    `json:"suggestedWorkflow"`
	Rationale         string    `json:"rationale"`
	CreatedAt         time.Time `json:"createdAt"`
	Implemented       bool      `json:"implemented"`
	ImplementedTaskID string    `json:"implementedTaskId,omitempty"`
	Tags              []string  `json:"tags,omitempty"`
}

// SessionStatus is the outcome of a session-pressure evaluation, shared by
// the Capacity Monitor and the Workflow Executor.
type SessionStatus struct {
	CurrentTokens  int     `json:"currentTokens"`
	Utilization    float64 `json:"utilization"`
	NearLimit      bool    `json:"nearLimit"`
	Recommendation string  `json:"recommendation"` // continue | summarize | checkpoint | handoff
	Message        string  `json:"message"`
}
