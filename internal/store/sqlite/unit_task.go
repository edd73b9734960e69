package sqlite

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/delidev/core/internal/db/dialect"
	"github.com/delidev/core/internal/task/models"
)

func initUnitTaskSchema(ctx context.Context, w *sqlx.DB, driver string) error {
	if _, err := w.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS unit_tasks (
	id TEXT PRIMARY KEY,
	repository_group_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	prompt TEXT NOT NULL DEFAULT '',
	branch_name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	base_commit TEXT NOT NULL DEFAULT '',
	end_commit TEXT NOT NULL DEFAULT '',
	composite_task_id TEXT NOT NULL DEFAULT '',
	last_execution_failed INTEGER NOT NULL DEFAULT 0,
	agent_type TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`); err != nil {
		return err
	}
	if _, err := w.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_unit_tasks_status ON unit_tasks(status)`); err != nil {
		return err
	}
	if _, err := w.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_unit_tasks_composite ON unit_tasks(composite_task_id)`); err != nil {
		return err
	}
	_, err := w.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS unit_task_autofix_ids (
	unit_task_id TEXT NOT NULL,
	autofix_task_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	PRIMARY KEY (unit_task_id, autofix_task_id)
)`)
	return err
}

type unitTaskRow struct {
	ID                  string `db:"id"`
	RepositoryGroupID   string `db:"repository_group_id"`
	Title               string `db:"title"`
	Prompt              string `db:"prompt"`
	BranchName          string `db:"branch_name"`
	Status              string `db:"status"`
	BaseCommit          string `db:"base_commit"`
	EndCommit           string `db:"end_commit"`
	CompositeTaskID     string `db:"composite_task_id"`
	LastExecutionFailed int    `db:"last_execution_failed"`
	AgentType           string `db:"agent_type"`
	Model               string `db:"model"`
	CreatedAt           string `db:"created_at"`
	UpdatedAt           string `db:"updated_at"`
}

func loadAutofixIDs(ctx context.Context, q querier, unitTaskID string) ([]string, error) {
	var ids []string
	err := q.SelectContext(ctx, &ids, q.Rebind(`SELECT autofix_task_id FROM unit_task_autofix_ids WHERE unit_task_id = ? ORDER BY seq`), unitTaskID)
	return ids, err
}

func replaceAutofixIDs(ctx context.Context, q querier, unitTaskID string, ids []string) error {
	if _, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM unit_task_autofix_ids WHERE unit_task_id = ?`), unitTaskID); err != nil {
		return err
	}
	for i, id := range ids {
		if _, err := q.ExecContext(ctx, q.Rebind(`INSERT INTO unit_task_autofix_ids (unit_task_id, autofix_task_id, seq) VALUES (?, ?, ?)`),
			unitTaskID, id, i); err != nil {
			return err
		}
	}
	return nil
}

func (r *unitTaskRow) toModel(autofixIDs []string) *models.UnitTask {
	return &models.UnitTask{
		ID:                  r.ID,
		RepositoryGroupID:   r.RepositoryGroupID,
		Title:               r.Title,
		Prompt:              r.Prompt,
		BranchName:          r.BranchName,
		Status:              models.UnitTaskStatus(r.Status),
		BaseCommit:          r.BaseCommit,
		EndCommit:           r.EndCommit,
		AutoFixTaskIDs:      autofixIDs,
		CompositeTaskID:     r.CompositeTaskID,
		LastExecutionFailed: r.LastExecutionFailed != 0,
		AgentType:           r.AgentType,
		Model:               r.Model,
		CreatedAt:           parseTime(r.CreatedAt),
		UpdatedAt:           parseTime(r.UpdatedAt),
	}
}

func (s *Store) CreateUnitTask(ctx context.Context, t *models.UnitTask) error {
	return createUnitTask(ctx, s.writer(), t)
}
func (t *txStore) CreateUnitTask(ctx context.Context, task *models.UnitTask) error {
	return createUnitTask(ctx, t.writer(), task)
}

func createUnitTask(ctx context.Context, q querier, t *models.UnitTask) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.BranchName == "" {
		t.BranchName = models.DerivedBranchName(t.ID)
	}
	if t.Status == "" {
		t.Status = models.UnitTaskInProgress
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	if _, err := q.ExecContext(ctx, q.Rebind(`
INSERT INTO unit_tasks (id, repository_group_id, title, prompt, branch_name, status, base_commit, end_commit,
	composite_task_id, last_execution_failed, agent_type, model, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.RepositoryGroupID, t.Title, t.Prompt, t.BranchName, string(t.Status), t.BaseCommit, t.EndCommit,
		t.CompositeTaskID, dialect.BoolToInt(t.LastExecutionFailed), t.AgentType, t.Model,
		formatTime(now), formatTime(now)); err != nil {
		return err
	}
	return replaceAutofixIDs(ctx, q, t.ID, t.AutoFixTaskIDs)
}

func (s *Store) GetUnitTask(ctx context.Context, id string) (*models.UnitTask, error) {
	return getUnitTask(ctx, s.reader(), id)
}
func (t *txStore) GetUnitTask(ctx context.Context, id string) (*models.UnitTask, error) {
	return getUnitTask(ctx, t.reader(), id)
}

func getUnitTask(ctx context.Context, q querier, id string) (*models.UnitTask, error) {
	var row unitTaskRow
	if err := q.GetContext(ctx, &row, q.Rebind(`SELECT * FROM unit_tasks WHERE id = ?`), id); err != nil {
		return nil, mapNotFound(err)
	}
	autofix, err := loadAutofixIDs(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return row.toModel(autofix), nil
}

func (s *Store) ListUnitTasks(ctx context.Context, f models.ListFilter) (models.Page[*models.UnitTask], error) {
	return listUnitTasks(ctx, s.reader(), f)
}
func (t *txStore) ListUnitTasks(ctx context.Context, f models.ListFilter) (models.Page[*models.UnitTask], error) {
	return listUnitTasks(ctx, t.reader(), f)
}

func listUnitTasks(ctx context.Context, q querier, f models.ListFilter) (models.Page[*models.UnitTask], error) {
	where, args := "", []interface{}{}
	if f.ParentID != "" {
		where += " AND repository_group_id = ?"
		args = append(args, f.ParentID)
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, f.Status)
	}
	countQuery := `SELECT COUNT(*) FROM unit_tasks WHERE 1=1` + where
	var total int
	if err := q.GetContext(ctx, &total, q.Rebind(countQuery), args...); err != nil {
		return models.Page[*models.UnitTask]{}, err
	}
	listQuery, pageArgs := applyPage(`SELECT * FROM unit_tasks WHERE 1=1`+where+` ORDER BY created_at DESC`, f)
	var rows []unitTaskRow
	if err := q.SelectContext(ctx, &rows, q.Rebind(listQuery), append(args, pageArgs...)...); err != nil {
		return models.Page[*models.UnitTask]{}, err
	}
	items := make([]*models.UnitTask, len(rows))
	for i := range rows {
		autofix, err := loadAutofixIDs(ctx, q, rows[i].ID)
		if err != nil {
			return models.Page[*models.UnitTask]{}, err
		}
		items[i] = rows[i].toModel(autofix)
	}
	return models.Page[*models.UnitTask]{Items: items, Total: total}, nil
}

func (s *Store) UpdateUnitTask(ctx context.Context, t *models.UnitTask) error {
	return updateUnitTask(ctx, s.writer(), t)
}
func (t *txStore) UpdateUnitTask(ctx context.Context, task *models.UnitTask) error {
	return updateUnitTask(ctx, t.writer(), task)
}

func updateUnitTask(ctx context.Context, q querier, t *models.UnitTask) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := q.ExecContext(ctx, q.Rebind(`
UPDATE unit_tasks SET title = ?, prompt = ?, branch_name = ?, status = ?, base_commit = ?, end_commit = ?,
	composite_task_id = ?, last_execution_failed = ?, agent_type = ?, model = ?, updated_at = ?
WHERE id = ?`),
		t.Title, t.Prompt, t.BranchName, string(t.Status), t.BaseCommit, t.EndCommit,
		t.CompositeTaskID, dialect.BoolToInt(t.LastExecutionFailed), t.AgentType, t.Model,
		formatTime(t.UpdatedAt), t.ID)
	if err := mapRowsAffected(res, err); err != nil {
		return err
	}
	return replaceAutofixIDs(ctx, q, t.ID, t.AutoFixTaskIDs)
}

func (s *Store) DeleteUnitTask(ctx context.Context, id string) error {
	return deleteUnitTask(ctx, s.writer(), id)
}
func (t *txStore) DeleteUnitTask(ctx context.Context, id string) error {
	return deleteUnitTask(ctx, t.writer(), id)
}

func deleteUnitTask(ctx context.Context, q querier, id string) error {
	if _, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM unit_task_autofix_ids WHERE unit_task_id = ?`), id); err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM unit_tasks WHERE id = ?`), id)
	return mapRowsAffected(res, err)
}

func (s *Store) TasksByStatus(ctx context.Context, status models.UnitTaskStatus) ([]string, error) {
	return tasksByStatus(ctx, s.reader(), status)
}
func (t *txStore) TasksByStatus(ctx context.Context, status models.UnitTaskStatus) ([]string, error) {
	return tasksByStatus(ctx, t.reader(), status)
}

func tasksByStatus(ctx context.Context, q querier, status models.UnitTaskStatus) ([]string, error) {
	var ids []string
	err := q.SelectContext(ctx, &ids, q.Rebind(`SELECT id FROM unit_tasks WHERE status = ? ORDER BY created_at`), string(status))
	return ids, err
}

func (s *Store) ActiveTaskIDs(ctx context.Context) ([]string, error) {
	return activeTaskIDs(ctx, s.reader())
}
func (t *txStore) ActiveTaskIDs(ctx context.Context) ([]string, error) {
	return activeTaskIDs(ctx, t.reader())
}

func activeTaskIDs(ctx context.Context, q querier) ([]string, error) {
	statuses := make([]string, 0, len(models.ActiveUnitTaskStatuses))
	for st := range models.ActiveUnitTaskStatuses {
		statuses = append(statuses, string(st))
	}
	query, args, err := sqlx.In(`SELECT id FROM unit_tasks WHERE status IN (?) ORDER BY created_at`, statuses)
	if err != nil {
		return nil, err
	}
	var ids []string
	err = q.SelectContext(ctx, &ids, q.Rebind(query), args...)
	return ids, err
}
