package v1

import "time"

// Workspace is the wire form of models.Workspace.
type Workspace struct {
	TaskID     string    `json:"task_id"`
	Path       string    `json:"path"`
	BaseCommit string    `json:"base_commit"`
	BranchName string    `json:"branch_name"`
	CreatedAt  time.Time `json:"created_at"`
}

// AllocateWorkspaceRequest leases a worktree for a unit task.
type AllocateWorkspaceRequest struct {
	TaskID       string `json:"task_id" binding:"required"`
	RepositoryID string `json:"repository_id" binding:"required"`
	BaseBranch   string `json:"base_branch,omitempty"`
	BranchName   string `json:"branch_name,omitempty"`
}

// GetWorkspaceRequest looks up a task's current workspace lease.
type GetWorkspaceRequest struct {
	TaskID string `json:"task_id" binding:"required"`
}

// ReleaseWorkspaceRequest returns a task's worktree lease once it's no longer needed.
type ReleaseWorkspaceRequest struct {
	TaskID         string `json:"task_id" binding:"required"`
	RepositoryPath string `json:"repository_path" binding:"required"`
}
