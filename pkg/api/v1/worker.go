package v1

import "time"

// Worker is the wire form of models.Worker.
type Worker struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Endpoint       string    `json:"endpoint"`
	Capacity       int       `json:"capacity"`
	RunningTasks   int       `json:"running_tasks"`
	CPUPercent     float64   `json:"cpu_percent,omitempty"`
	MemPercent     float64   `json:"mem_percent,omitempty"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	Status         string    `json:"status"`
	CurrentTaskIDs []string  `json:"current_task_ids"`
	RegisteredAt   time.Time `json:"registered_at"`
}

// RegisterWorkerRequest is sent once by a worker process at startup.
type RegisterWorkerRequest struct {
	Name     string `json:"name" binding:"required"`
	Endpoint string `json:"endpoint" binding:"required"`
	Capacity int    `json:"capacity" binding:"required,min=1"`
}

// RegisterWorkerResponse returns the assigned worker id.
type RegisterWorkerResponse struct {
	WorkerID string `json:"worker_id"`
}

// HeartbeatRequest reports a worker's current load.
type HeartbeatRequest struct {
	WorkerID      string  `json:"worker_id" binding:"required"`
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	MemPercent    float64 `json:"mem_percent,omitempty"`
	RunningTasks  int     `json:"running_tasks"`
}

// AssignTaskRequest is the worker.get_task RPC's request shape: the id of the
// polling worker. The reply is an AssignTaskResponse.
type AssignTaskRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
}

// AssignTaskResponse carries everything a worker needs to start execution.
type AssignTaskResponse struct {
	UnitTaskID    string            `json:"unit_task_id,omitempty"`
	AgentTaskID   string            `json:"agent_task_id,omitempty"`
	RepositoryID  string            `json:"repository_id,omitempty"`
	BaseBranch    string            `json:"base_branch,omitempty"`
	BranchName    string            `json:"branch_name,omitempty"`
	Prompt        string            `json:"prompt,omitempty"`
	AgentType     string            `json:"agent_type,omitempty"`
	Model         string            `json:"model,omitempty"`
	ResumeOf      string            `json:"resume_of,omitempty"`
	Available     bool              `json:"available"`
}

// ReportStatusRequest is the worker.report_status RPC's request shape.
type ReportStatusRequest struct {
	WorkerID    string `json:"worker_id" binding:"required"`
	UnitTaskID  string `json:"unit_task_id" binding:"required"`
	AgentTaskID string `json:"agent_task_id" binding:"required"`
	SessionID   string `json:"session_id" binding:"required"`
	Outcome     string `json:"outcome" binding:"required"`
	EndCommit   string `json:"end_commit,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// GetSecretsRequest is the worker.get_secrets RPC's request shape.
type GetSecretsRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
	TaskID   string `json:"task_id" binding:"required"`
}

// GetSecretsResponse wraps the transient secrets envelope for one task.
type GetSecretsResponse struct {
	TaskID    string            `json:"task_id"`
	Secrets   map[string]string `json:"secrets"`
	TimestampS int64            `json:"timestamp_s"`
	Nonce     string            `json:"nonce"`
}
