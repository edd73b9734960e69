// Package memory provides an in-memory store.Store implementation, used for
// tests and single-process use per spec §4.3's "two concrete backends" requirement.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/delidev/core/internal/store"
	"github.com/delidev/core/internal/task/models"
)

// Store is an in-memory, mutex-guarded implementation of store.Store.
type Store struct {
	mu sync.Mutex

	repositories      map[string]*models.Repository
	repositoryGroups  map[string]*models.RepositoryGroup
	singleRepoGroups  map[string]string // workspaceID|repositoryID -> group id
	unitTasks         map[string]*models.UnitTask
	compositeTasks    map[string]*models.CompositeTask
	agentTasks        map[string]*models.AgentTask
	agentTasksByUnit  map[string]string // unitTaskID -> agentTaskID
	logMessages       map[string][]*models.LogMessage // sessionID -> ordered messages
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		repositories:     make(map[string]*models.Repository),
		repositoryGroups: make(map[string]*models.RepositoryGroup),
		singleRepoGroups: make(map[string]string),
		unitTasks:        make(map[string]*models.UnitTask),
		compositeTasks:   make(map[string]*models.CompositeTask),
		agentTasks:       make(map[string]*models.AgentTask),
		agentTasksByUnit: make(map[string]string),
		logMessages:      make(map[string][]*models.LogMessage),
	}
}

// Transaction runs fn against the same store; the in-memory backend's sole
// mutex already serializes every public method, so a transaction is only a
// convenience wrapper — it gives callers the same `transaction(|tx| ...)`
// shape the durable backend provides without a second connection to juggle.
func (s *Store) Transaction(ctx context.Context, fn store.TxFunc) error {
	return fn(ctx, s)
}

func newID() string { return uuid.New().String() }

// --- Repository ---

func (s *Store) CreateRepository(ctx context.Context, r *models.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = newID()
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	cp := *r
	s.repositories[r.ID] = &cp
	return nil
}

func (s *Store) GetRepository(ctx context.Context, id string) (*models.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.repositories[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) ListRepositories(ctx context.Context, f models.ListFilter) (models.Page[*models.Repository], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []*models.Repository
	for _, r := range s.repositories {
		cp := *r
		items = append(items, &cp)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return paginate(items, f), nil
}

func (s *Store) UpdateRepositoryDefaultBranch(ctx context.Context, id, branch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.repositories[id]
	if !ok {
		return store.ErrNotFound
	}
	r.DefaultBranch = branch
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) DeleteRepository(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.repositories[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.repositories, id)
	return nil
}

// --- RepositoryGroup ---

func (s *Store) CreateRepositoryGroup(ctx context.Context, g *models.RepositoryGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.ID == "" {
		g.ID = newID()
	}
	now := time.Now().UTC()
	g.CreatedAt, g.UpdatedAt = now, now
	cp := *g
	s.repositoryGroups[g.ID] = &cp
	return nil
}

func (s *Store) GetRepositoryGroup(ctx context.Context, id string) (*models.RepositoryGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.repositoryGroups[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *Store) ListRepositoryGroups(ctx context.Context, f models.ListFilter) (models.Page[*models.RepositoryGroup], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []*models.RepositoryGroup
	for _, g := range s.repositoryGroups {
		cp := *g
		items = append(items, &cp)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return paginate(items, f), nil
}

// GetOrCreateSingleRepoGroup is idempotent under concurrent execution: the
// store's single mutex makes the check-then-create atomic, satisfying
// testable property 5 in spec §8 without a separate compare-and-swap step.
func (s *Store) GetOrCreateSingleRepoGroup(ctx context.Context, workspaceID, repositoryID string) (*models.RepositoryGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := workspaceID + "|" + repositoryID
	if gid, ok := s.singleRepoGroups[key]; ok {
		if g, ok := s.repositoryGroups[gid]; ok {
			cp := *g
			return &cp, nil
		}
	}

	now := time.Now().UTC()
	g := &models.RepositoryGroup{
		ID:            newID(),
		WorkspaceID:   workspaceID,
		RepositoryIDs: []string{repositoryID},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.repositoryGroups[g.ID] = g
	s.singleRepoGroups[key] = g.ID
	cp := *g
	return &cp, nil
}

func (s *Store) DeleteRepositoryGroup(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.repositoryGroups[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.repositoryGroups, id)
	for k, v := range s.singleRepoGroups {
		if v == id {
			delete(s.singleRepoGroups, k)
		}
	}
	return nil
}

// --- UnitTask ---

func (s *Store) CreateUnitTask(ctx context.Context, t *models.UnitTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = newID()
	}
	if t.BranchName == "" {
		t.BranchName = models.DerivedBranchName(t.ID)
	}
	if t.Status == "" {
		t.Status = models.UnitTaskInProgress
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	cp := *t
	s.unitTasks[t.ID] = &cp
	return nil
}

func (s *Store) GetUnitTask(ctx context.Context, id string) (*models.UnitTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.unitTasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) ListUnitTasks(ctx context.Context, f models.ListFilter) (models.Page[*models.UnitTask], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []*models.UnitTask
	for _, t := range s.unitTasks {
		if f.ParentID != "" && t.RepositoryGroupID != f.ParentID {
			continue
		}
		if f.Status != "" && string(t.Status) != f.Status {
			continue
		}
		cp := *t
		items = append(items, &cp)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return paginate(items, f), nil
}

func (s *Store) UpdateUnitTask(ctx context.Context, t *models.UnitTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.unitTasks[t.ID]; !ok {
		return store.ErrNotFound
	}
	t.UpdatedAt = time.Now().UTC()
	cp := *t
	s.unitTasks[t.ID] = &cp
	return nil
}

func (s *Store) DeleteUnitTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.unitTasks[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.unitTasks, id)
	return nil
}

func (s *Store) TasksByStatus(ctx context.Context, status models.UnitTaskStatus) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, t := range s.unitTasks {
		if t.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) ActiveTaskIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, t := range s.unitTasks {
		if models.ActiveUnitTaskStatuses[t.Status] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// --- CompositeTask ---

func (s *Store) CreateCompositeTask(ctx context.Context, c *models.CompositeTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = newID()
	}
	if c.Status == "" {
		c.Status = models.CompositePlanning
	}
	if c.FailurePolicy == "" {
		c.FailurePolicy = models.FailurePolicyLenient
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	cp := *c
	s.compositeTasks[c.ID] = &cp
	return nil
}

func (s *Store) GetCompositeTask(ctx context.Context, id string) (*models.CompositeTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.compositeTasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListCompositeTasks(ctx context.Context, f models.ListFilter) (models.Page[*models.CompositeTask], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []*models.CompositeTask
	for _, c := range s.compositeTasks {
		if f.ParentID != "" && c.RepositoryGroupID != f.ParentID {
			continue
		}
		cp := *c
		items = append(items, &cp)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return paginate(items, f), nil
}

func (s *Store) UpdateCompositeTask(ctx context.Context, c *models.CompositeTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.compositeTasks[c.ID]; !ok {
		return store.ErrNotFound
	}
	c.UpdatedAt = time.Now().UTC()
	cp := *c
	s.compositeTasks[c.ID] = &cp
	return nil
}

func (s *Store) DeleteCompositeTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.compositeTasks[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.compositeTasks, id)
	return nil
}

// --- AgentTask / AgentSession ---

func (s *Store) CreateAgentTask(ctx context.Context, t *models.AgentTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = newID()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	cp := *t
	s.agentTasks[t.ID] = &cp
	if t.UnitTaskID != "" {
		s.agentTasksByUnit[t.UnitTaskID] = t.ID
	}
	return nil
}

func (s *Store) GetAgentTask(ctx context.Context, id string) (*models.AgentTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.agentTasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) GetAgentTaskByUnitTaskID(ctx context.Context, unitTaskID string) (*models.AgentTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.agentTasksByUnit[unitTaskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	t := s.agentTasks[id]
	cp := *t
	return &cp, nil
}

func (s *Store) UpdateAgentTask(ctx context.Context, t *models.AgentTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agentTasks[t.ID]; !ok {
		return store.ErrNotFound
	}
	t.UpdatedAt = time.Now().UTC()
	cp := *t
	s.agentTasks[t.ID] = &cp
	return nil
}

func (s *Store) AppendAgentSession(ctx context.Context, agentTaskID string, sess *models.AgentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.agentTasks[agentTaskID]
	if !ok {
		return store.ErrNotFound
	}
	if sess.ID == "" {
		sess.ID = newID()
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	t.Sessions = append(t.Sessions, *sess)
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) UpdateAgentSession(ctx context.Context, agentTaskID string, sess *models.AgentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.agentTasks[agentTaskID]
	if !ok {
		return store.ErrNotFound
	}
	for i := range t.Sessions {
		if t.Sessions[i].ID == sess.ID {
			t.Sessions[i] = *sess
			t.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return store.ErrNotFound
}

// --- LogMessage ---

func (s *Store) AppendLogMessage(ctx context.Context, sessionID string, m *models.LogMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	cp := *m
	s.logMessages[sessionID] = append(s.logMessages[sessionID], &cp)
	return nil
}

func (s *Store) GetLogMessages(ctx context.Context, sessionID string, offset, limit int) ([]*models.LogMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.logMessages[sessionID]
	if offset >= len(all) {
		return nil, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]*models.LogMessage, end-offset)
	copy(out, all[offset:end])
	return out, nil
}

func paginate[T any](items []T, f models.ListFilter) models.Page[T] {
	total := len(items)
	offset := f.Offset
	if offset > total {
		offset = total
	}
	end := total
	if f.Limit > 0 && offset+f.Limit < end {
		end = offset + f.Limit
	}
	return models.Page[T]{Items: items[offset:end], Total: total}
}

var _ store.Store = (*Store)(nil)
