package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/delidev/core/internal/store"
	"github.com/delidev/core/internal/task/models"
)

func initRepositorySchema(ctx context.Context, w *sqlx.DB, driver string) error {
	_, err := w.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS repositories (
	id TEXT PRIMARY KEY,
	remote_url TEXT NOT NULL,
	local_path TEXT NOT NULL,
	default_branch TEXT NOT NULL DEFAULT '',
	setup_script TEXT NOT NULL DEFAULT '',
	cleanup_script TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`)
	return err
}

type repositoryRow struct {
	ID            string `db:"id"`
	RemoteURL     string `db:"remote_url"`
	LocalPath     string `db:"local_path"`
	DefaultBranch string `db:"default_branch"`
	SetupScript   string `db:"setup_script"`
	CleanupScript string `db:"cleanup_script"`
	CreatedAt     string `db:"created_at"`
	UpdatedAt     string `db:"updated_at"`
}

func (r *repositoryRow) toModel() *models.Repository {
	return &models.Repository{
		ID:            r.ID,
		RemoteURL:     r.RemoteURL,
		LocalPath:     r.LocalPath,
		DefaultBranch: r.DefaultBranch,
		SetupScript:   r.SetupScript,
		CleanupScript: r.CleanupScript,
		CreatedAt:     parseTime(r.CreatedAt),
		UpdatedAt:     parseTime(r.UpdatedAt),
	}
}

func (s *Store) CreateRepository(ctx context.Context, r *models.Repository) error {
	return createRepository(ctx, s.writer(), r)
}
func (t *txStore) CreateRepository(ctx context.Context, r *models.Repository) error {
	return createRepository(ctx, t.writer(), r)
}

func createRepository(ctx context.Context, q querier, r *models.Repository) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	_, err := q.ExecContext(ctx, q.Rebind(`
INSERT INTO repositories (id, remote_url, local_path, default_branch, setup_script, cleanup_script, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.RemoteURL, r.LocalPath, r.DefaultBranch, r.SetupScript, r.CleanupScript,
		formatTime(now), formatTime(now))
	return err
}

func (s *Store) GetRepository(ctx context.Context, id string) (*models.Repository, error) {
	return getRepository(ctx, s.reader(), id)
}
func (t *txStore) GetRepository(ctx context.Context, id string) (*models.Repository, error) {
	return getRepository(ctx, t.reader(), id)
}

func getRepository(ctx context.Context, q querier, id string) (*models.Repository, error) {
	var row repositoryRow
	err := q.GetContext(ctx, &row, q.Rebind(`SELECT * FROM repositories WHERE id = ?`), id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return row.toModel(), nil
}

func (s *Store) ListRepositories(ctx context.Context, f models.ListFilter) (models.Page[*models.Repository], error) {
	return listRepositories(ctx, s.reader(), f)
}
func (t *txStore) ListRepositories(ctx context.Context, f models.ListFilter) (models.Page[*models.Repository], error) {
	return listRepositories(ctx, t.reader(), f)
}

func listRepositories(ctx context.Context, q querier, f models.ListFilter) (models.Page[*models.Repository], error) {
	var total int
	if err := q.GetContext(ctx, &total, `SELECT COUNT(*) FROM repositories`); err != nil {
		return models.Page[*models.Repository]{}, err
	}
	var rows []repositoryRow
	query, args := applyPage(`SELECT * FROM repositories ORDER BY created_at DESC`, f)
	if err := q.SelectContext(ctx, &rows, q.Rebind(query), args...); err != nil {
		return models.Page[*models.Repository]{}, err
	}
	items := make([]*models.Repository, len(rows))
	for i := range rows {
		items[i] = rows[i].toModel()
	}
	return models.Page[*models.Repository]{Items: items, Total: total}, nil
}

func (s *Store) UpdateRepositoryDefaultBranch(ctx context.Context, id, branch string) error {
	return updateRepositoryDefaultBranch(ctx, s.writer(), id, branch)
}
func (t *txStore) UpdateRepositoryDefaultBranch(ctx context.Context, id, branch string) error {
	return updateRepositoryDefaultBranch(ctx, t.writer(), id, branch)
}

func updateRepositoryDefaultBranch(ctx context.Context, q querier, id, branch string) error {
	res, err := q.ExecContext(ctx, q.Rebind(`UPDATE repositories SET default_branch = ?, updated_at = ? WHERE id = ?`),
		branch, formatTime(time.Now().UTC()), id)
	return mapRowsAffected(res, err)
}

func (s *Store) DeleteRepository(ctx context.Context, id string) error {
	return deleteRepository(ctx, s.writer(), id)
}
func (t *txStore) DeleteRepository(ctx context.Context, id string) error {
	return deleteRepository(ctx, t.writer(), id)
}

func deleteRepository(ctx context.Context, q querier, id string) error {
	res, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM repositories WHERE id = ?`), id)
	return mapRowsAffected(res, err)
}

// --- RepositoryGroup ---

func initRepositoryGroupSchema(ctx context.Context, w *sqlx.DB, driver string) error {
	if _, err := w.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS repository_groups (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`); err != nil {
		return err
	}
	if _, err := w.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS repository_group_members (
	group_id TEXT NOT NULL,
	repository_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	PRIMARY KEY (group_id, repository_id)
)`); err != nil {
		return err
	}
	_, err := w.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_repo_group_members_group ON repository_group_members(group_id)`)
	return err
}

type repositoryGroupRow struct {
	ID          string `db:"id"`
	WorkspaceID string `db:"workspace_id"`
	Name        string `db:"name"`
	CreatedAt   string `db:"created_at"`
	UpdatedAt   string `db:"updated_at"`
}

func loadGroupMembers(ctx context.Context, q querier, groupID string) ([]string, error) {
	var ids []string
	err := q.SelectContext(ctx, &ids, q.Rebind(`SELECT repository_id FROM repository_group_members WHERE group_id = ? ORDER BY seq`), groupID)
	return ids, err
}

func insertGroupMembers(ctx context.Context, q querier, groupID string, repoIDs []string) error {
	if _, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM repository_group_members WHERE group_id = ?`), groupID); err != nil {
		return err
	}
	for i, rid := range repoIDs {
		if _, err := q.ExecContext(ctx, q.Rebind(`INSERT INTO repository_group_members (group_id, repository_id, seq) VALUES (?, ?, ?)`),
			groupID, rid, i); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateRepositoryGroup(ctx context.Context, g *models.RepositoryGroup) error {
	return createRepositoryGroup(ctx, s.writer(), g)
}
func (t *txStore) CreateRepositoryGroup(ctx context.Context, g *models.RepositoryGroup) error {
	return createRepositoryGroup(ctx, t.writer(), g)
}

func createRepositoryGroup(ctx context.Context, q querier, g *models.RepositoryGroup) error {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	g.CreatedAt, g.UpdatedAt = now, now
	if _, err := q.ExecContext(ctx, q.Rebind(`
INSERT INTO repository_groups (id, workspace_id, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`),
		g.ID, g.WorkspaceID, g.Name, formatTime(now), formatTime(now)); err != nil {
		return err
	}
	return insertGroupMembers(ctx, q, g.ID, g.RepositoryIDs)
}

func (s *Store) GetRepositoryGroup(ctx context.Context, id string) (*models.RepositoryGroup, error) {
	return getRepositoryGroup(ctx, s.reader(), id)
}
func (t *txStore) GetRepositoryGroup(ctx context.Context, id string) (*models.RepositoryGroup, error) {
	return getRepositoryGroup(ctx, t.reader(), id)
}

func getRepositoryGroup(ctx context.Context, q querier, id string) (*models.RepositoryGroup, error) {
	var row repositoryGroupRow
	if err := q.GetContext(ctx, &row, q.Rebind(`SELECT * FROM repository_groups WHERE id = ?`), id); err != nil {
		return nil, mapNotFound(err)
	}
	members, err := loadGroupMembers(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return &models.RepositoryGroup{
		ID: row.ID, WorkspaceID: row.WorkspaceID, Name: row.Name,
		RepositoryIDs: members,
		CreatedAt:     parseTime(row.CreatedAt), UpdatedAt: parseTime(row.UpdatedAt),
	}, nil
}

func (s *Store) ListRepositoryGroups(ctx context.Context, f models.ListFilter) (models.Page[*models.RepositoryGroup], error) {
	return listRepositoryGroups(ctx, s.reader(), f)
}
func (t *txStore) ListRepositoryGroups(ctx context.Context, f models.ListFilter) (models.Page[*models.RepositoryGroup], error) {
	return listRepositoryGroups(ctx, t.reader(), f)
}

func listRepositoryGroups(ctx context.Context, q querier, f models.ListFilter) (models.Page[*models.RepositoryGroup], error) {
	var total int
	if err := q.GetContext(ctx, &total, `SELECT COUNT(*) FROM repository_groups`); err != nil {
		return models.Page[*models.RepositoryGroup]{}, err
	}
	var rows []repositoryGroupRow
	query, args := applyPage(`SELECT * FROM repository_groups ORDER BY created_at DESC`, f)
	if err := q.SelectContext(ctx, &rows, q.Rebind(query), args...); err != nil {
		return models.Page[*models.RepositoryGroup]{}, err
	}
	items := make([]*models.RepositoryGroup, len(rows))
	for i := range rows {
		members, err := loadGroupMembers(ctx, q, rows[i].ID)
		if err != nil {
			return models.Page[*models.RepositoryGroup]{}, err
		}
		items[i] = &models.RepositoryGroup{
			ID: rows[i].ID, WorkspaceID: rows[i].WorkspaceID, Name: rows[i].Name,
			RepositoryIDs: members,
			CreatedAt:     parseTime(rows[i].CreatedAt), UpdatedAt: parseTime(rows[i].UpdatedAt),
		}
	}
	return models.Page[*models.RepositoryGroup]{Items: items, Total: total}, nil
}

// GetOrCreateSingleRepoGroup relies on the caller running inside a
// store.Transaction for the check-then-create to be atomic across
// concurrent callers; SQLite's single writer connection serializes it
// naturally, Postgres needs the transaction's row lock.
func (s *Store) GetOrCreateSingleRepoGroup(ctx context.Context, workspaceID, repositoryID string) (*models.RepositoryGroup, error) {
	return getOrCreateSingleRepoGroup(ctx, s.writer(), workspaceID, repositoryID)
}
func (t *txStore) GetOrCreateSingleRepoGroup(ctx context.Context, workspaceID, repositoryID string) (*models.RepositoryGroup, error) {
	return getOrCreateSingleRepoGroup(ctx, t.writer(), workspaceID, repositoryID)
}

func getOrCreateSingleRepoGroup(ctx context.Context, q querier, workspaceID, repositoryID string) (*models.RepositoryGroup, error) {
	var row repositoryGroupRow
	err := q.GetContext(ctx, &row, q.Rebind(`
SELECT g.* FROM repository_groups g
JOIN repository_group_members m ON m.group_id = g.id
WHERE g.workspace_id = ? AND m.repository_id = ?
LIMIT 1`), workspaceID, repositoryID)
	if err == nil {
		return &models.RepositoryGroup{
			ID: row.ID, WorkspaceID: row.WorkspaceID, Name: row.Name,
			RepositoryIDs: []string{repositoryID},
			CreatedAt:     parseTime(row.CreatedAt), UpdatedAt: parseTime(row.UpdatedAt),
		}, nil
	}
	if !isNoRows(err) {
		return nil, err
	}
	g := &models.RepositoryGroup{WorkspaceID: workspaceID, RepositoryIDs: []string{repositoryID}}
	if err := createRepositoryGroup(ctx, q, g); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *Store) DeleteRepositoryGroup(ctx context.Context, id string) error {
	return deleteRepositoryGroup(ctx, s.writer(), id)
}
func (t *txStore) DeleteRepositoryGroup(ctx context.Context, id string) error {
	return deleteRepositoryGroup(ctx, t.writer(), id)
}

func deleteRepositoryGroup(ctx context.Context, q querier, id string) error {
	if _, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM repository_group_members WHERE group_id = ?`), id); err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM repository_groups WHERE id = ?`), id)
	return mapRowsAffected(res, err)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTime(t time.Time) string { return t.Format(time.RFC3339Nano) }

func isNoRows(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no rows")
}

func mapNotFound(err error) error {
	if isNoRows(err) {
		return store.ErrNotFound
	}
	return err
}

func mapRowsAffected(res interface{ RowsAffected() (int64, error) }, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func applyPage(query string, f models.ListFilter) (string, []interface{}) {
	if f.Limit <= 0 {
		return query, nil
	}
	return query + ` LIMIT ? OFFSET ?`, []interface{}{f.Limit, f.Offset}
}
