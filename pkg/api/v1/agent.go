package v1

import "time"

// ResourceLimits is the wire form of container resource limits.
type ResourceLimits struct {
	CPULimit    string `json:"cpu_limit"`
	MemoryLimit string `json:"memory_limit"`
}

// AgentType describes one registered agent runtime (docker image, default
// resources, supported protocol) addressable by UnitTask.agent_type.
type AgentType struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Description      string            `json:"description"`
	DockerImage      string            `json:"docker_image"`
	DockerTag        string            `json:"docker_tag"`
	DefaultResources ResourceLimits    `json:"default_resources"`
	EnvironmentVars  map[string]string `json:"environment_vars,omitempty"`
	Capabilities     []string          `json:"capabilities,omitempty"`
	Enabled          bool              `json:"enabled"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// AgentSession is the wire form of models.AgentSession.
type AgentSession struct {
	ID              string     `json:"id"`
	AgentTaskID     string     `json:"agent_task_id"`
	AgentType       string     `json:"agent_type"`
	Model           string     `json:"model,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	TerminalOutcome string     `json:"terminal_outcome,omitempty"`
	WorkerID        string     `json:"worker_id,omitempty"`
}

// BaseRemote is the wire form of models.BaseRemote.
type BaseRemote struct {
	RepositoryPath string `json:"repo_path"`
	Branch         string `json:"branch"`
}

// AgentTask is the wire form of models.AgentTask.
type AgentTask struct {
	ID          string         `json:"id"`
	UnitTaskID  string         `json:"unit_task_id"`
	BaseRemotes []BaseRemote   `json:"base_remotes"`
	AgentType   string         `json:"agent_type,omitempty"`
	Model       string         `json:"model,omitempty"`
	Sessions    []AgentSession `json:"sessions"`
	RetryCount  int            `json:"retry_count"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// GetAgentTaskRequest fetches the agent task execution history for a unit task.
type GetAgentTaskRequest struct {
	UnitTaskID string `json:"unit_task_id" binding:"required"`
}
