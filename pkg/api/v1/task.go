package v1

import "time"

// UnitTask is the wire form of models.UnitTask.
type UnitTask struct {
	ID                  string    `json:"id"`
	RepositoryGroupID   string    `json:"repository_group_id"`
	Title               string    `json:"title"`
	Prompt              string    `json:"prompt"`
	BranchName          string    `json:"branch_name"`
	Status              string    `json:"status"`
	BaseCommit          string    `json:"base_commit,omitempty"`
	EndCommit           string    `json:"end_commit,omitempty"`
	AutoFixTaskIDs      []string  `json:"auto_fix_task_ids,omitempty"`
	CompositeTaskID     string    `json:"composite_task_id,omitempty"`
	LastExecutionFailed bool      `json:"last_execution_failed"`
	AgentType           string    `json:"agent_type,omitempty"`
	Model               string    `json:"model,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// CreateUnitTaskRequest creates a standalone unit task.
type CreateUnitTaskRequest struct {
	RepositoryGroupID string `json:"repository_group_id" binding:"required"`
	Title             string `json:"title" binding:"required"`
	Prompt            string `json:"prompt" binding:"required"`
	AgentType         string `json:"agent_type,omitempty"`
	Model             string `json:"model,omitempty"`
}

// ListUnitTasksRequest filters/paginates unit tasks.
type ListUnitTasksRequest struct {
	RepositoryGroupID string `json:"repository_group_id,omitempty"`
	Status            string `json:"status,omitempty"`
	Limit             int    `json:"limit,omitempty"`
	Offset            int    `json:"offset,omitempty"`
}

// TransitionUnitTaskRequest moves a unit task to a new status (e.g. approve, reject, reopen).
type TransitionUnitTaskRequest struct {
	ID     string `json:"id" binding:"required"`
	Status string `json:"status" binding:"required"`
}

// CompositeTaskNode is the wire form of models.CompositeTaskNode.
type CompositeTaskNode struct {
	NodeID     string   `json:"id"`
	UnitTaskID string   `json:"unit_task_id,omitempty"`
	DependsOn  []string `json:"depends_on"`
}

// CompositeTask is the wire form of models.CompositeTask.
type CompositeTask struct {
	ID                  string              `json:"id"`
	RepositoryGroupID   string              `json:"repository_group_id"`
	Title               string              `json:"title"`
	Prompt              string              `json:"prompt"`
	PlanningAgentTaskID string              `json:"planning_agent_task_id,omitempty"`
	Nodes               []CompositeTaskNode `json:"nodes"`
	Status              string              `json:"status"`
	PlanContent         string              `json:"plan_content,omitempty"`
	FailurePolicy       string              `json:"failure_policy"`
	ExecutionAgentType  string              `json:"execution_agent_type,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// CreateCompositeTaskRequest starts a composite task's planning phase.
type CreateCompositeTaskRequest struct {
	RepositoryGroupID  string `json:"repository_group_id" binding:"required"`
	Title              string `json:"title" binding:"required"`
	Prompt             string `json:"prompt" binding:"required"`
	ExecutionAgentType string `json:"execution_agent_type,omitempty"`
	FailurePolicy      string `json:"failure_policy,omitempty"`
}

// SubmitPlanRequest attaches a validated DAG plan produced by the planning agent.
type SubmitPlanRequest struct {
	ID          string              `json:"id" binding:"required"`
	PlanContent string              `json:"plan_content" binding:"required"`
	Nodes       []CompositeTaskNode `json:"nodes" binding:"required,min=1"`
}

// ApprovePlanRequest moves a composite task from PendingApproval into InProgress.
type ApprovePlanRequest struct {
	ID string `json:"id" binding:"required"`
}
