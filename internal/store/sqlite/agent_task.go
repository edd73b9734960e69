package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/delidev/core/internal/store"
	"github.com/delidev/core/internal/task/models"
)

func initAgentTaskSchema(ctx context.Context, w *sqlx.DB, driver string) error {
	if _, err := w.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS agent_tasks (
	id TEXT PRIMARY KEY,
	unit_task_id TEXT NOT NULL,
	agent_type TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`); err != nil {
		return err
	}
	if _, err := w.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_agent_tasks_unit_task ON agent_tasks(unit_task_id)`); err != nil {
		return err
	}
	if _, err := w.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS agent_task_base_remotes (
	agent_task_id TEXT NOT NULL,
	repository_path TEXT NOT NULL,
	branch TEXT NOT NULL,
	seq INTEGER NOT NULL,
	PRIMARY KEY (agent_task_id, seq)
)`); err != nil {
		return err
	}
	_, err := w.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS agent_sessions (
	id TEXT PRIMARY KEY,
	agent_task_id TEXT NOT NULL,
	agent_type TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	completed_at TEXT,
	terminal_outcome TEXT NOT NULL DEFAULT '',
	worker_id TEXT NOT NULL DEFAULT ''
)`)
	if err != nil {
		return err
	}
	_, err = w.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_agent_sessions_agent_task ON agent_sessions(agent_task_id)`)
	return err
}

type agentTaskRow struct {
	ID         string `db:"id"`
	UnitTaskID string `db:"unit_task_id"`
	AgentType  string `db:"agent_type"`
	Model      string `db:"model"`
	RetryCount int    `db:"retry_count"`
	CreatedAt  string `db:"created_at"`
	UpdatedAt  string `db:"updated_at"`
}

type agentSessionRow struct {
	ID              string         `db:"id"`
	AgentTaskID     string         `db:"agent_task_id"`
	AgentType       string         `db:"agent_type"`
	Model           string         `db:"model"`
	StartedAt       string         `db:"started_at"`
	CompletedAt     sql.NullString `db:"completed_at"`
	TerminalOutcome string         `db:"terminal_outcome"`
	WorkerID        string         `db:"worker_id"`
}

func (r *agentSessionRow) toModel() models.AgentSession {
	sess := models.AgentSession{
		ID:              r.ID,
		AgentTaskID:     r.AgentTaskID,
		AgentType:       r.AgentType,
		Model:           r.Model,
		StartedAt:       parseTime(r.StartedAt),
		TerminalOutcome: models.TerminalOutcome(r.TerminalOutcome),
		WorkerID:        r.WorkerID,
	}
	if r.CompletedAt.Valid {
		t := parseTime(r.CompletedAt.String)
		sess.CompletedAt = &t
	}
	return sess
}

func loadBaseRemotes(ctx context.Context, q querier, agentTaskID string) ([]models.BaseRemote, error) {
	var rows []struct {
		RepositoryPath string `db:"repository_path"`
		Branch         string `db:"branch"`
	}
	if err := q.SelectContext(ctx, &rows, q.Rebind(`SELECT repository_path, branch FROM agent_task_base_remotes WHERE agent_task_id = ? ORDER BY seq`), agentTaskID); err != nil {
		return nil, err
	}
	out := make([]models.BaseRemote, len(rows))
	for i, r := range rows {
		out[i] = models.BaseRemote{RepositoryPath: r.RepositoryPath, Branch: r.Branch}
	}
	return out, nil
}

func replaceBaseRemotes(ctx context.Context, q querier, agentTaskID string, remotes []models.BaseRemote) error {
	if _, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM agent_task_base_remotes WHERE agent_task_id = ?`), agentTaskID); err != nil {
		return err
	}
	for i, r := range remotes {
		if _, err := q.ExecContext(ctx, q.Rebind(`INSERT INTO agent_task_base_remotes (agent_task_id, repository_path, branch, seq) VALUES (?, ?, ?, ?)`),
			agentTaskID, r.RepositoryPath, r.Branch, i); err != nil {
			return err
		}
	}
	return nil
}

func loadAgentSessions(ctx context.Context, q querier, agentTaskID string) ([]models.AgentSession, error) {
	var rows []agentSessionRow
	if err := q.SelectContext(ctx, &rows, q.Rebind(`SELECT * FROM agent_sessions WHERE agent_task_id = ? ORDER BY started_at`), agentTaskID); err != nil {
		return nil, err
	}
	out := make([]models.AgentSession, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

func hydrateAgentTask(ctx context.Context, q querier, row agentTaskRow) (*models.AgentTask, error) {
	remotes, err := loadBaseRemotes(ctx, q, row.ID)
	if err != nil {
		return nil, err
	}
	sessions, err := loadAgentSessions(ctx, q, row.ID)
	if err != nil {
		return nil, err
	}
	return &models.AgentTask{
		ID:          row.ID,
		UnitTaskID:  row.UnitTaskID,
		BaseRemotes: remotes,
		AgentType:   row.AgentType,
		Model:       row.Model,
		Sessions:    sessions,
		RetryCount:  row.RetryCount,
		CreatedAt:   parseTime(row.CreatedAt),
		UpdatedAt:   parseTime(row.UpdatedAt),
	}, nil
}

func (s *Store) CreateAgentTask(ctx context.Context, t *models.AgentTask) error {
	return createAgentTask(ctx, s.writer(), t)
}
func (t *txStore) CreateAgentTask(ctx context.Context, at *models.AgentTask) error {
	return createAgentTask(ctx, t.writer(), at)
}

func createAgentTask(ctx context.Context, q querier, t *models.AgentTask) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	if _, err := q.ExecContext(ctx, q.Rebind(`
INSERT INTO agent_tasks (id, unit_task_id, agent_type, model, retry_count, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.UnitTaskID, t.AgentType, t.Model, t.RetryCount, formatTime(now), formatTime(now)); err != nil {
		return err
	}
	if err := replaceBaseRemotes(ctx, q, t.ID, t.BaseRemotes); err != nil {
		return err
	}
	for _, sess := range t.Sessions {
		if err := appendAgentSession(ctx, q, t.ID, &sess); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetAgentTask(ctx context.Context, id string) (*models.AgentTask, error) {
	return getAgentTask(ctx, s.reader(), id)
}
func (t *txStore) GetAgentTask(ctx context.Context, id string) (*models.AgentTask, error) {
	return getAgentTask(ctx, t.reader(), id)
}

func getAgentTask(ctx context.Context, q querier, id string) (*models.AgentTask, error) {
	var row agentTaskRow
	if err := q.GetContext(ctx, &row, q.Rebind(`SELECT * FROM agent_tasks WHERE id = ?`), id); err != nil {
		return nil, mapNotFound(err)
	}
	return hydrateAgentTask(ctx, q, row)
}

func (s *Store) GetAgentTaskByUnitTaskID(ctx context.Context, unitTaskID string) (*models.AgentTask, error) {
	return getAgentTaskByUnitTaskID(ctx, s.reader(), unitTaskID)
}
func (t *txStore) GetAgentTaskByUnitTaskID(ctx context.Context, unitTaskID string) (*models.AgentTask, error) {
	return getAgentTaskByUnitTaskID(ctx, t.reader(), unitTaskID)
}

func getAgentTaskByUnitTaskID(ctx context.Context, q querier, unitTaskID string) (*models.AgentTask, error) {
	var row agentTaskRow
	if err := q.GetContext(ctx, &row, q.Rebind(`SELECT * FROM agent_tasks WHERE unit_task_id = ? ORDER BY created_at DESC LIMIT 1`), unitTaskID); err != nil {
		return nil, mapNotFound(err)
	}
	return hydrateAgentTask(ctx, q, row)
}

func (s *Store) UpdateAgentTask(ctx context.Context, t *models.AgentTask) error {
	return updateAgentTask(ctx, s.writer(), t)
}
func (t *txStore) UpdateAgentTask(ctx context.Context, at *models.AgentTask) error {
	return updateAgentTask(ctx, t.writer(), at)
}

func updateAgentTask(ctx context.Context, q querier, t *models.AgentTask) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := q.ExecContext(ctx, q.Rebind(`
UPDATE agent_tasks SET agent_type = ?, model = ?, retry_count = ?, updated_at = ? WHERE id = ?`),
		t.AgentType, t.Model, t.RetryCount, formatTime(t.UpdatedAt), t.ID)
	if err := mapRowsAffected(res, err); err != nil {
		return err
	}
	return replaceBaseRemotes(ctx, q, t.ID, t.BaseRemotes)
}

func (s *Store) AppendAgentSession(ctx context.Context, agentTaskID string, sess *models.AgentSession) error {
	return appendAgentSessionChecked(ctx, s.writer(), agentTaskID, sess)
}
func (t *txStore) AppendAgentSession(ctx context.Context, agentTaskID string, sess *models.AgentSession) error {
	return appendAgentSessionChecked(ctx, t.writer(), agentTaskID, sess)
}

func appendAgentSessionChecked(ctx context.Context, q querier, agentTaskID string, sess *models.AgentSession) error {
	var exists int
	if err := q.GetContext(ctx, &exists, q.Rebind(`SELECT COUNT(*) FROM agent_tasks WHERE id = ?`), agentTaskID); err != nil {
		return err
	}
	if exists == 0 {
		return store.ErrNotFound
	}
	return appendAgentSession(ctx, q, agentTaskID, sess)
}

func appendAgentSession(ctx context.Context, q querier, agentTaskID string, sess *models.AgentSession) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	var completedAt sql.NullString
	if sess.CompletedAt != nil {
		completedAt = sql.NullString{String: formatTime(*sess.CompletedAt), Valid: true}
	}
	_, err := q.ExecContext(ctx, q.Rebind(`
INSERT INTO agent_sessions (id, agent_task_id, agent_type, model, started_at, completed_at, terminal_outcome, worker_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		sess.ID, agentTaskID, sess.AgentType, sess.Model, formatTime(sess.StartedAt), completedAt,
		string(sess.TerminalOutcome), sess.WorkerID)
	return err
}

func (s *Store) UpdateAgentSession(ctx context.Context, agentTaskID string, sess *models.AgentSession) error {
	return updateAgentSession(ctx, s.writer(), agentTaskID, sess)
}
func (t *txStore) UpdateAgentSession(ctx context.Context, agentTaskID string, sess *models.AgentSession) error {
	return updateAgentSession(ctx, t.writer(), agentTaskID, sess)
}

func updateAgentSession(ctx context.Context, q querier, agentTaskID string, sess *models.AgentSession) error {
	var completedAt sql.NullString
	if sess.CompletedAt != nil {
		completedAt = sql.NullString{String: formatTime(*sess.CompletedAt), Valid: true}
	}
	res, err := q.ExecContext(ctx, q.Rebind(`
UPDATE agent_sessions SET agent_type = ?, model = ?, completed_at = ?, terminal_outcome = ?, worker_id = ?
WHERE id = ? AND agent_task_id = ?`),
		sess.AgentType, sess.Model, completedAt, string(sess.TerminalOutcome), sess.WorkerID, sess.ID, agentTaskID)
	return mapRowsAffected(res, err)
}
