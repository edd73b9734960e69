// Package models defines the persistent entities of the task execution core.
package models

import "time"

// UnitTaskStatus is the lifecycle state of a UnitTask.
type UnitTaskStatus string

const (
	UnitTaskInProgress UnitTaskStatus = "InProgress"
	UnitTaskInReview   UnitTaskStatus = "InReview"
	UnitTaskApproved   UnitTaskStatus = "Approved"
	UnitTaskPrOpen     UnitTaskStatus = "PrOpen"
	UnitTaskDone       UnitTaskStatus = "Done"
	UnitTaskRejected   UnitTaskStatus = "Rejected"
)

// ActiveUnitTaskStatuses are the statuses WorkspaceManager.sweep treats as "do not reap".
var ActiveUnitTaskStatuses = map[UnitTaskStatus]bool{
	UnitTaskInProgress: true,
	UnitTaskInReview:   true,
	UnitTaskPrOpen:     true,
}

// ReleaseEligibleStatuses mark a unit task as dependency-satisfying for composite DAG nodes.
var ReleaseEligibleStatuses = map[UnitTaskStatus]bool{
	UnitTaskDone:     true,
	UnitTaskApproved: true,
	UnitTaskPrOpen:   true,
}

// CompositeTaskStatus is the lifecycle state of a CompositeTask.
type CompositeTaskStatus string

const (
	CompositePlanning        CompositeTaskStatus = "Planning"
	CompositePendingApproval CompositeTaskStatus = "PendingApproval"
	CompositeInProgress      CompositeTaskStatus = "InProgress"
	CompositeDone            CompositeTaskStatus = "Done"
	CompositeRejected        CompositeTaskStatus = "Rejected"
)

// CompositeFailurePolicy controls how a composite task reacts to a rejected node.
type CompositeFailurePolicy string

const (
	// FailurePolicyStrict aborts the composite as soon as one node is Rejected.
	FailurePolicyStrict CompositeFailurePolicy = "strict"
	// FailurePolicyLenient lets unblocked siblings continue after a node is Rejected.
	FailurePolicyLenient CompositeFailurePolicy = "lenient"
)

// Repository is an immutable-after-registration VCS checkout.
type Repository struct {
	ID            string    `json:"id" db:"id"`
	RemoteURL     string    `json:"remote_url" db:"remote_url"`
	LocalPath     string    `json:"local_path" db:"local_path"`
	DefaultBranch string    `json:"default_branch" db:"default_branch"`
	SetupScript   string    `json:"setup_script,omitempty" db:"setup_script"`
	CleanupScript string    `json:"cleanup_script,omitempty" db:"cleanup_script"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// RepositoryGroup is an ordered set of repositories a task operates over.
type RepositoryGroup struct {
	ID            string    `json:"id" db:"id"`
	WorkspaceID   string    `json:"workspace_id" db:"workspace_id"`
	Name          string    `json:"name,omitempty" db:"name"`
	RepositoryIDs []string  `json:"repository_ids" db:"-"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// IsSingleRepo reports whether this is the implicit single-repository group shape.
func (g *RepositoryGroup) IsSingleRepo() bool {
	return g.Name == "" && len(g.RepositoryIDs) == 1
}

// UnitTask is the user-visible atomic task.
type UnitTask struct {
	ID                string         `json:"id" db:"id"`
	RepositoryGroupID string         `json:"repository_group_id" db:"repository_group_id"`
	Title             string         `json:"title" db:"title"`
	Prompt            string         `json:"prompt" db:"prompt"`
	BranchName        string         `json:"branch_name" db:"branch_name"`
	Status            UnitTaskStatus `json:"status" db:"status"`
	BaseCommit        string         `json:"base_commit,omitempty" db:"base_commit"`
	EndCommit         string         `json:"end_commit,omitempty" db:"end_commit"`
	AutoFixTaskIDs    []string       `json:"auto_fix_task_ids,omitempty" db:"-"`
	CompositeTaskID   string         `json:"composite_task_id,omitempty" db:"composite_task_id"`
	LastExecutionFailed bool         `json:"last_execution_failed" db:"last_execution_failed"`
	AgentType         string         `json:"agent_type,omitempty" db:"agent_type"`
	Model             string         `json:"model,omitempty" db:"model"`
	CreatedAt         time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at" db:"updated_at"`
}

// DerivedBranchName returns the `delidev/<id>` default branch name when unset.
func DerivedBranchName(taskID string) string {
	return "delidev/" + taskID
}

// CompositeTaskNode is one node in a composite task's dependency DAG.
type CompositeTaskNode struct {
	NodeID     string   `json:"id" db:"node_id"`
	UnitTaskID string   `json:"unit_task_id" db:"unit_task_id"`
	DependsOn  []string `json:"depends_on" db:"-"`
}

// CompositeTask is a DAG of unit tasks sharing a repository group.
type CompositeTask struct {
	ID                  string                  `json:"id" db:"id"`
	RepositoryGroupID   string                  `json:"repository_group_id" db:"repository_group_id"`
	Title               string                  `json:"title" db:"title"`
	Prompt              string                  `json:"prompt" db:"prompt"`
	PlanningAgentTaskID string                  `json:"planning_agent_task_id,omitempty" db:"planning_agent_task_id"`
	Nodes               []CompositeTaskNode     `json:"nodes" db:"-"`
	Status              CompositeTaskStatus     `json:"status" db:"status"`
	PlanContent         string                  `json:"plan_content,omitempty" db:"plan_content"`
	FailurePolicy       CompositeFailurePolicy  `json:"failure_policy" db:"failure_policy"`
	ExecutionAgentType  string                  `json:"execution_agent_type,omitempty" db:"execution_agent_type"`
	CreatedAt           time.Time               `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time               `json:"updated_at" db:"updated_at"`
}

// NodeByUnitTaskID looks up the node wrapping a given unit task.
func (c *CompositeTask) NodeByUnitTaskID(unitTaskID string) *CompositeTaskNode {
	for i := range c.Nodes {
		if c.Nodes[i].UnitTaskID == unitTaskID {
			return &c.Nodes[i]
		}
	}
	return nil
}

// TerminalOutcome is the result an ExecutionEngine reports for a completed AgentSession.
type TerminalOutcome string

const (
	OutcomeSuccess   TerminalOutcome = "success"
	OutcomeFailure   TerminalOutcome = "failure"
	OutcomeCancelled TerminalOutcome = "cancelled"
)

// AgentSession is one attempt at executing an AgentTask.
type AgentSession struct {
	ID              string          `json:"id" db:"id"`
	AgentTaskID     string          `json:"agent_task_id" db:"agent_task_id"`
	AgentType       string          `json:"agent_type" db:"agent_type"`
	Model           string          `json:"model,omitempty" db:"model"`
	StartedAt       time.Time       `json:"started_at" db:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	TerminalOutcome TerminalOutcome `json:"terminal_outcome,omitempty" db:"terminal_outcome"`
	WorkerID        string          `json:"worker_id,omitempty" db:"worker_id"`
}

// BaseRemote is a (repo path, branch) pair an AgentTask operates against.
type BaseRemote struct {
	RepositoryPath string `json:"repo_path"`
	Branch         string `json:"branch"`
}

// AgentTask is the retryable execution unit wrapping one or more sessions.
type AgentTask struct {
	ID          string         `json:"id" db:"id"`
	UnitTaskID  string         `json:"unit_task_id" db:"unit_task_id"`
	BaseRemotes []BaseRemote   `json:"base_remotes" db:"-"`
	AgentType   string         `json:"agent_type,omitempty" db:"agent_type"`
	Model       string         `json:"model,omitempty" db:"model"`
	Sessions    []AgentSession `json:"sessions" db:"-"`
	RetryCount  int            `json:"retry_count" db:"retry_count"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
}

// LatestSession returns the most recently appended session, or nil.
func (t *AgentTask) LatestSession() *AgentSession {
	if len(t.Sessions) == 0 {
		return nil
	}
	return &t.Sessions[len(t.Sessions)-1]
}

// Workspace is a lease over a per-task working tree. Not a first-class persisted
// entity beyond what WorkspaceManager needs to resume across restarts.
type Workspace struct {
	TaskID     string    `json:"task_id" db:"task_id"`
	Path       string    `json:"path" db:"path"`
	BaseCommit string    `json:"base_commit" db:"base_commit"`
	BranchName string    `json:"branch_name" db:"branch_name"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// WorkerStatus is the liveness/availability state of a Worker.
type WorkerStatus string

const (
	WorkerIdle      WorkerStatus = "Idle"
	WorkerBusy      WorkerStatus = "Busy"
	WorkerUnhealthy WorkerStatus = "Unhealthy"
)

// Worker is a registered execution process. Not persisted across coordinator restart.
type Worker struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Endpoint        string       `json:"endpoint"`
	Capacity        int          `json:"capacity"`
	RunningTasks    int          `json:"running_tasks"`
	CPUPercent      float64      `json:"cpu_percent,omitempty"`
	MemPercent      float64      `json:"mem_percent,omitempty"`
	LastHeartbeat   time.Time    `json:"last_heartbeat"`
	Status          WorkerStatus `json:"status"`
	CurrentTaskIDs  []string     `json:"current_task_ids"`
	RegisteredAt    time.Time    `json:"registered_at"`
}

// HasCapacity reports whether the worker can accept one more assignment.
func (w *Worker) HasCapacity() bool {
	return w.RunningTasks < w.Capacity
}

// LogMessageType discriminates the LogMessage tagged union.
type LogMessageType string

const (
	LogStart        LogMessageType = "start"
	LogText         LogMessageType = "text"
	LogCode         LogMessageType = "code"
	LogThinking     LogMessageType = "thinking"
	LogToolUse      LogMessageType = "tool_use"
	LogToolResult   LogMessageType = "tool_result"
	LogUserQuestion LogMessageType = "user_question"
	LogUserResponse LogMessageType = "user_response"
	LogProgress     LogMessageType = "progress"
	LogComplete     LogMessageType = "complete"
	LogError        LogMessageType = "error"
	LogRaw          LogMessageType = "raw"
)

// TerminalLogTypes are the message types that end a session's stream.
var TerminalLogTypes = map[LogMessageType]bool{
	LogComplete: true,
	LogError:    true,
}

// LogMessage is the wire and storage form of one streamed agent event.
type LogMessage struct {
	Type      LogMessageType `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`

	Text string `json:"text,omitempty"`

	Language string `json:"language,omitempty"`
	Code     string `json:"code,omitempty"`

	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput map[string]any  `json:"tool_input,omitempty"`
	ToolOutput string         `json:"tool_output,omitempty"`
	Success    *bool          `json:"success,omitempty"`

	RequestID string   `json:"request_id,omitempty"`
	Prompt    string   `json:"prompt,omitempty"`
	Options   []string `json:"options,omitempty"`
	Response  string   `json:"response,omitempty"`

	ProgressPercent float64 `json:"progress_percent,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	Raw string `json:"raw,omitempty"`
}

// IsTerminal reports whether this message type ends the session stream.
func (m *LogMessage) IsTerminal() bool {
	return TerminalLogTypes[m.Type]
}

// ListFilter is the common shape accepted by TaskStore's list_* operations.
type ListFilter struct {
	ParentID string
	Status   string
	Limit    int
	Offset   int
}

// Page wraps a list_* result with its total count for pagination.
type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}
