// Package store defines the TaskStore contract: a transactional persistence
// layer over repositories, groups, unit/composite tasks, agent tasks and
// sessions, and the append-only log message history.
package store

import (
	"context"
	"errors"

	"github.com/delidev/core/internal/task/models"
)

// ErrNotFound is returned by get_* operations when the id does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an update loses a race (e.g. optimistic version check).
var ErrConflict = errors.New("conflict")

// TxFunc is the body executed inside a TaskStore transaction.
type TxFunc func(ctx context.Context, tx Store) error

// Store is the TaskStore contract. Both the in-memory backend (internal/store/memory)
// and the durable backend (internal/store/sqlite, wrapping either an embedded SQLite
// connection or a server PostgreSQL connection via internal/db/dialect) satisfy it
// identically.
type Store interface {
	Transaction(ctx context.Context, fn TxFunc) error

	CreateRepository(ctx context.Context, r *models.Repository) error
	GetRepository(ctx context.Context, id string) (*models.Repository, error)
	ListRepositories(ctx context.Context, f models.ListFilter) (models.Page[*models.Repository], error)
	UpdateRepositoryDefaultBranch(ctx context.Context, id, branch string) error
	DeleteRepository(ctx context.Context, id string) error

	CreateRepositoryGroup(ctx context.Context, g *models.RepositoryGroup) error
	GetRepositoryGroup(ctx context.Context, id string) (*models.RepositoryGroup, error)
	ListRepositoryGroups(ctx context.Context, f models.ListFilter) (models.Page[*models.RepositoryGroup], error)
	// GetOrCreateSingleRepoGroup implements the §3 idempotent primitive: exactly one
	// single-repo group per (workspace, repository) is created even under concurrent callers.
	GetOrCreateSingleRepoGroup(ctx context.Context, workspaceID, repositoryID string) (*models.RepositoryGroup, error)
	DeleteRepositoryGroup(ctx context.Context, id string) error

	CreateUnitTask(ctx context.Context, t *models.UnitTask) error
	GetUnitTask(ctx context.Context, id string) (*models.UnitTask, error)
	ListUnitTasks(ctx context.Context, f models.ListFilter) (models.Page[*models.UnitTask], error)
	UpdateUnitTask(ctx context.Context, t *models.UnitTask) error
	DeleteUnitTask(ctx context.Context, id string) error
	// TasksByStatus returns unit task ids pivoted by status (status-pivot query per §4.3).
	TasksByStatus(ctx context.Context, status models.UnitTaskStatus) ([]string, error)
	// ActiveTaskIDs returns unit task ids whose status is in the active set
	// ({InProgress, InReview, PrOpen}); used by WorkspaceManager.sweep's reachability root.
	ActiveTaskIDs(ctx context.Context) ([]string, error)

	CreateCompositeTask(ctx context.Context, c *models.CompositeTask) error
	GetCompositeTask(ctx context.Context, id string) (*models.CompositeTask, error)
	ListCompositeTasks(ctx context.Context, f models.ListFilter) (models.Page[*models.CompositeTask], error)
	UpdateCompositeTask(ctx context.Context, c *models.CompositeTask) error
	DeleteCompositeTask(ctx context.Context, id string) error

	CreateAgentTask(ctx context.Context, t *models.AgentTask) error
	GetAgentTask(ctx context.Context, id string) (*models.AgentTask, error)
	GetAgentTaskByUnitTaskID(ctx context.Context, unitTaskID string) (*models.AgentTask, error)
	UpdateAgentTask(ctx context.Context, t *models.AgentTask) error
	AppendAgentSession(ctx context.Context, agentTaskID string, s *models.AgentSession) error
	UpdateAgentSession(ctx context.Context, agentTaskID string, s *models.AgentSession) error

	AppendLogMessage(ctx context.Context, sessionID string, m *models.LogMessage) error
	GetLogMessages(ctx context.Context, sessionID string, offset, limit int) ([]*models.LogMessage, error)
}
