package v1

import "time"

// Repository is the wire form of models.Repository.
type Repository struct {
	ID            string    `json:"id"`
	RemoteURL     string    `json:"remote_url"`
	LocalPath     string    `json:"local_path"`
	DefaultBranch string    `json:"default_branch"`
	SetupScript   string    `json:"setup_script,omitempty"`
	CleanupScript string    `json:"cleanup_script,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CreateRepositoryRequest registers a repository checkout.
type CreateRepositoryRequest struct {
	RemoteURL     string `json:"remote_url" binding:"required"`
	LocalPath     string `json:"local_path" binding:"required"`
	DefaultBranch string `json:"default_branch,omitempty"`
	SetupScript   string `json:"setup_script,omitempty"`
	CleanupScript string `json:"cleanup_script,omitempty"`
}

// ListRepositoriesRequest paginates registered repositories.
type ListRepositoriesRequest struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// RepositoryGroup is the wire form of models.RepositoryGroup.
type RepositoryGroup struct {
	ID            string    `json:"id"`
	WorkspaceID   string    `json:"workspace_id"`
	Name          string    `json:"name,omitempty"`
	RepositoryIDs []string  `json:"repository_ids"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CreateRepositoryGroupRequest creates a multi-repo group.
type CreateRepositoryGroupRequest struct {
	WorkspaceID   string   `json:"workspace_id" binding:"required"`
	Name          string   `json:"name,omitempty"`
	RepositoryIDs []string `json:"repository_ids" binding:"required,min=1"`
}
