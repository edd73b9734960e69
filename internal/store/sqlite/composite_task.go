package sqlite

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/delidev/core/internal/task/models"
)

func initCompositeTaskSchema(ctx context.Context, w *sqlx.DB, driver string) error {
	if _, err := w.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS composite_tasks (
	id TEXT PRIMARY KEY,
	repository_group_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	prompt TEXT NOT NULL DEFAULT '',
	planning_agent_task_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	plan_content TEXT NOT NULL DEFAULT '',
	failure_policy TEXT NOT NULL DEFAULT 'lenient',
	execution_agent_type TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`); err != nil {
		return err
	}
	if _, err := w.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS composite_task_nodes (
	composite_task_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	unit_task_id TEXT NOT NULL DEFAULT '',
	seq INTEGER NOT NULL,
	PRIMARY KEY (composite_task_id, node_id)
)`); err != nil {
		return err
	}
	_, err := w.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS composite_task_node_deps (
	composite_task_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	depends_on_node_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	PRIMARY KEY (composite_task_id, node_id, depends_on_node_id)
)`)
	return err
}

type compositeTaskRow struct {
	ID                   string `db:"id"`
	RepositoryGroupID    string `db:"repository_group_id"`
	Title                string `db:"title"`
	Prompt               string `db:"prompt"`
	PlanningAgentTaskID  string `db:"planning_agent_task_id"`
	Status               string `db:"status"`
	PlanContent          string `db:"plan_content"`
	FailurePolicy        string `db:"failure_policy"`
	ExecutionAgentType   string `db:"execution_agent_type"`
	CreatedAt            string `db:"created_at"`
	UpdatedAt            string `db:"updated_at"`
}

type compositeTaskNodeRow struct {
	NodeID     string `db:"node_id"`
	UnitTaskID string `db:"unit_task_id"`
}

func loadCompositeNodes(ctx context.Context, q querier, compositeID string) ([]models.CompositeTaskNode, error) {
	var rows []compositeTaskNodeRow
	if err := q.SelectContext(ctx, &rows, q.Rebind(`SELECT node_id, unit_task_id FROM composite_task_nodes WHERE composite_task_id = ? ORDER BY seq`), compositeID); err != nil {
		return nil, err
	}
	nodes := make([]models.CompositeTaskNode, len(rows))
	for i, r := range rows {
		var deps []string
		if err := q.SelectContext(ctx, &deps, q.Rebind(`SELECT depends_on_node_id FROM composite_task_node_deps WHERE composite_task_id = ? AND node_id = ? ORDER BY seq`), compositeID, r.NodeID); err != nil {
			return nil, err
		}
		nodes[i] = models.CompositeTaskNode{NodeID: r.NodeID, UnitTaskID: r.UnitTaskID, DependsOn: deps}
	}
	return nodes, nil
}

func replaceCompositeNodes(ctx context.Context, q querier, compositeID string, nodes []models.CompositeTaskNode) error {
	if _, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM composite_task_node_deps WHERE composite_task_id = ?`), compositeID); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM composite_task_nodes WHERE composite_task_id = ?`), compositeID); err != nil {
		return err
	}
	for i, n := range nodes {
		if _, err := q.ExecContext(ctx, q.Rebind(`INSERT INTO composite_task_nodes (composite_task_id, node_id, unit_task_id, seq) VALUES (?, ?, ?, ?)`),
			compositeID, n.NodeID, n.UnitTaskID, i); err != nil {
			return err
		}
		for j, dep := range n.DependsOn {
			if _, err := q.ExecContext(ctx, q.Rebind(`INSERT INTO composite_task_node_deps (composite_task_id, node_id, depends_on_node_id, seq) VALUES (?, ?, ?, ?)`),
				compositeID, n.NodeID, dep, j); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *compositeTaskRow) toModel(nodes []models.CompositeTaskNode) *models.CompositeTask {
	return &models.CompositeTask{
		ID:                   r.ID,
		RepositoryGroupID:    r.RepositoryGroupID,
		Title:                r.Title,
		Prompt:               r.Prompt,
		PlanningAgentTaskID:  r.PlanningAgentTaskID,
		Nodes:                nodes,
		Status:               models.CompositeTaskStatus(r.Status),
		PlanContent:          r.PlanContent,
		FailurePolicy:        models.CompositeFailurePolicy(r.FailurePolicy),
		ExecutionAgentType:   r.ExecutionAgentType,
		CreatedAt:            parseTime(r.CreatedAt),
		UpdatedAt:            parseTime(r.UpdatedAt),
	}
}

func (s *Store) CreateCompositeTask(ctx context.Context, c *models.CompositeTask) error {
	return createCompositeTask(ctx, s.writer(), c)
}
func (t *txStore) CreateCompositeTask(ctx context.Context, c *models.CompositeTask) error {
	return createCompositeTask(ctx, t.writer(), c)
}

func createCompositeTask(ctx context.Context, q querier, c *models.CompositeTask) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = models.CompositePlanning
	}
	if c.FailurePolicy == "" {
		c.FailurePolicy = models.FailurePolicyLenient
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	if _, err := q.ExecContext(ctx, q.Rebind(`
INSERT INTO composite_tasks (id, repository_group_id, title, prompt, planning_agent_task_id, status, plan_content,
	failure_policy, execution_agent_type, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.RepositoryGroupID, c.Title, c.Prompt, c.PlanningAgentTaskID, string(c.Status), c.PlanContent,
		string(c.FailurePolicy), c.ExecutionAgentType, formatTime(now), formatTime(now)); err != nil {
		return err
	}
	return replaceCompositeNodes(ctx, q, c.ID, c.Nodes)
}

func (s *Store) GetCompositeTask(ctx context.Context, id string) (*models.CompositeTask, error) {
	return getCompositeTask(ctx, s.reader(), id)
}
func (t *txStore) GetCompositeTask(ctx context.Context, id string) (*models.CompositeTask, error) {
	return getCompositeTask(ctx, t.reader(), id)
}

func getCompositeTask(ctx context.Context, q querier, id string) (*models.CompositeTask, error) {
	var row compositeTaskRow
	if err := q.GetContext(ctx, &row, q.Rebind(`SELECT * FROM composite_tasks WHERE id = ?`), id); err != nil {
		return nil, mapNotFound(err)
	}
	nodes, err := loadCompositeNodes(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return row.toModel(nodes), nil
}

func (s *Store) ListCompositeTasks(ctx context.Context, f models.ListFilter) (models.Page[*models.CompositeTask], error) {
	return listCompositeTasks(ctx, s.reader(), f)
}
func (t *txStore) ListCompositeTasks(ctx context.Context, f models.ListFilter) (models.Page[*models.CompositeTask], error) {
	return listCompositeTasks(ctx, t.reader(), f)
}

func listCompositeTasks(ctx context.Context, q querier, f models.ListFilter) (models.Page[*models.CompositeTask], error) {
	where, args := "", []interface{}{}
	if f.ParentID != "" {
		where += " AND repository_group_id = ?"
		args = append(args, f.ParentID)
	}
	var total int
	if err := q.GetContext(ctx, &total, q.Rebind(`SELECT COUNT(*) FROM composite_tasks WHERE 1=1`+where), args...); err != nil {
		return models.Page[*models.CompositeTask]{}, err
	}
	listQuery, pageArgs := applyPage(`SELECT * FROM composite_tasks WHERE 1=1`+where+` ORDER BY created_at DESC`, f)
	var rows []compositeTaskRow
	if err := q.SelectContext(ctx, &rows, q.Rebind(listQuery), append(args, pageArgs...)...); err != nil {
		return models.Page[*models.CompositeTask]{}, err
	}
	items := make([]*models.CompositeTask, len(rows))
	for i := range rows {
		nodes, err := loadCompositeNodes(ctx, q, rows[i].ID)
		if err != nil {
			return models.Page[*models.CompositeTask]{}, err
		}
		items[i] = rows[i].toModel(nodes)
	}
	return models.Page[*models.CompositeTask]{Items: items, Total: total}, nil
}

func (s *Store) UpdateCompositeTask(ctx context.Context, c *models.CompositeTask) error {
	return updateCompositeTask(ctx, s.writer(), c)
}
func (t *txStore) UpdateCompositeTask(ctx context.Context, c *models.CompositeTask) error {
	return updateCompositeTask(ctx, t.writer(), c)
}

func updateCompositeTask(ctx context.Context, q querier, c *models.CompositeTask) error {
	c.UpdatedAt = time.Now().UTC()
	res, err := q.ExecContext(ctx, q.Rebind(`
UPDATE composite_tasks SET title = ?, prompt = ?, planning_agent_task_id = ?, status = ?, plan_content = ?,
	failure_policy = ?, execution_agent_type = ?, updated_at = ?
WHERE id = ?`),
		c.Title, c.Prompt, c.PlanningAgentTaskID, string(c.Status), c.PlanContent,
		string(c.FailurePolicy), c.ExecutionAgentType, formatTime(c.UpdatedAt), c.ID)
	if err := mapRowsAffected(res, err); err != nil {
		return err
	}
	return replaceCompositeNodes(ctx, q, c.ID, c.Nodes)
}

func (s *Store) DeleteCompositeTask(ctx context.Context, id string) error {
	return deleteCompositeTask(ctx, s.writer(), id)
}
func (t *txStore) DeleteCompositeTask(ctx context.Context, id string) error {
	return deleteCompositeTask(ctx, t.writer(), id)
}

func deleteCompositeTask(ctx context.Context, q querier, id string) error {
	if _, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM composite_task_node_deps WHERE composite_task_id = ?`), id); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM composite_task_nodes WHERE composite_task_id = ?`), id); err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM composite_tasks WHERE id = ?`), id)
	return mapRowsAffected(res, err)
}
