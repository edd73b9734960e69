// Package scheduler computes task readiness and hands ready unit tasks to
// available workers. It does not execute anything itself: workers pull work
// via worker.get_task and report completion via worker.report_status.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/delidev/core/internal/common/logger"
	"github.com/delidev/core/internal/orchestrator/queue"
	"github.com/delidev/core/internal/store"
	"github.com/delidev/core/internal/task/models"
	"github.com/delidev/core/internal/worker"
	v1 "github.com/delidev/core/pkg/api/v1"
)

var (
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("scheduler is not running")
	ErrNoWorkAvailable         = errors.New("no ready task available")
)

// Config controls the readiness recompute cadence.
type Config struct {
	RecomputeInterval time.Duration
}

// DefaultConfig returns the teacher-style five-second poll cadence.
func DefaultConfig() Config {
	return Config{RecomputeInterval: 5 * time.Second}
}

// Scheduler recomputes the ready queue and arbitrates assignment between
// ready unit tasks and available workers.
type Scheduler struct {
	store   store.Store
	workers *worker.Registry
	ready   *queue.ReadyQueue
	logger  *logger.Logger
	config  Config

	mu       sync.Mutex
	assigned map[string]string // unitTaskID -> workerID, claimed but not yet reported done

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Scheduler over a task store and worker registry.
func New(s store.Store, workers *worker.Registry, log *logger.Logger, cfg Config) *Scheduler {
	if log == nil {
		log = logger.Default()
	}
	if cfg.RecomputeInterval <= 0 {
		cfg.RecomputeInterval = DefaultConfig().RecomputeInterval
	}
	return &Scheduler{
		store:    s,
		workers:  workers,
		ready:    queue.NewReadyQueue(),
		logger:   log.WithFields(zap.String("component", "scheduler")),
		config:   cfg,
		assigned: make(map[string]string),
	}
}

// Start begins the periodic readiness recompute loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if err := s.Recompute(ctx); err != nil {
		s.logger.Warn("initial readiness recompute failed", zap.Error(err))
	}

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop halts the recompute loop.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.RecomputeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Recompute(ctx); err != nil {
				s.logger.Error("readiness recompute failed", zap.Error(err))
			}
		}
	}
}

// Recompute scans InProgress unit tasks and pushes the ones that are ready
// (unassigned, and for DAG members, whose depends_on are all release-eligible)
// onto the ready queue. It also drops previously queued tasks that are no
// longer InProgress.
func (s *Scheduler) Recompute(ctx context.Context) error {
	ids, err := s.store.TasksByStatus(ctx, models.UnitTaskInProgress)
	if err != nil {
		return err
	}
	inProgress := make(map[string]bool, len(ids))
	for _, id := range ids {
		inProgress[id] = true
	}

	for _, queuedID := range s.ready.IDs() {
		if !inProgress[queuedID] {
			s.ready.Remove(queuedID)
		}
	}

	for _, id := range ids {
		if s.isClaimed(id) || s.ready.Contains(id) {
			continue
		}
		task, err := s.store.GetUnitTask(ctx, id)
		if err != nil {
			s.logger.Warn("failed to load candidate task", zap.String("unit_task_id", id), zap.Error(err))
			continue
		}
		ready, err := s.dependenciesSatisfied(ctx, task)
		if err != nil {
			s.logger.Warn("failed to evaluate readiness", zap.String("unit_task_id", id), zap.Error(err))
			continue
		}
		if !ready {
			continue
		}
		if err := s.ready.Enqueue(task.ID, task.CreatedAt); err != nil && !errors.Is(err, queue.ErrTaskExists) {
			s.logger.Warn("failed to enqueue ready task", zap.String("unit_task_id", id), zap.Error(err))
		}
	}
	return nil
}

// dependenciesSatisfied reports whether task is ready to run: standalone
// unit tasks are always ready; DAG members require every depends_on sibling
// to have reached a release-eligible status.
func (s *Scheduler) dependenciesSatisfied(ctx context.Context, task *models.UnitTask) (bool, error) {
	if task.CompositeTaskID == "" {
		return true, nil
	}
	composite, err := s.store.GetCompositeTask(ctx, task.CompositeTaskID)
	if err != nil {
		return false, err
	}
	if composite.Status != models.CompositeInProgress {
		return false, nil
	}
	node := composite.NodeByUnitTaskID(task.ID)
	if node == nil {
		return false, nil
	}
	for _, depNodeID := range node.DependsOn {
		dep := findNode(composite, depNodeID)
		if dep == nil || dep.UnitTaskID == "" {
			return false, nil
		}
		depTask, err := s.store.GetUnitTask(ctx, dep.UnitTaskID)
		if err != nil {
			return false, err
		}
		if !models.ReleaseEligibleStatuses[depTask.Status] {
			return false, nil
		}
	}
	return true, nil
}

func findNode(c *models.CompositeTask, nodeID string) *models.CompositeTaskNode {
	for i := range c.Nodes {
		if c.Nodes[i].NodeID == nodeID {
			return &c.Nodes[i]
		}
	}
	return nil
}

func (s *Scheduler) isClaimed(unitTaskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.assigned[unitTaskID]
	return ok
}

// NextAssignment is invoked by the worker.get_task handler. It pops the
// earliest-ready task, reserves a slot on workerID, and returns the
// execution details. Available is false when nothing is ready right now.
func (s *Scheduler) NextAssignment(ctx context.Context, workerID string) (*v1.AssignTaskResponse, error) {
	unitTaskID, ok := s.ready.Dequeue()
	if !ok {
		return &v1.AssignTaskResponse{Available: false}, nil
	}

	if err := s.workers.Assign(workerID, unitTaskID); err != nil {
		// Worker can't take it right now; put the task back for the next poll.
		if reErr := s.ready.Enqueue(unitTaskID, time.Now()); reErr != nil {
			s.logger.Warn("failed to requeue task after failed assign", zap.String("unit_task_id", unitTaskID), zap.Error(reErr))
		}
		return nil, err
	}

	task, err := s.store.GetUnitTask(ctx, unitTaskID)
	if err != nil {
		s.workers.Complete(workerID, unitTaskID)
		return nil, err
	}

	s.mu.Lock()
	s.assigned[unitTaskID] = workerID
	s.mu.Unlock()

	resp := &v1.AssignTaskResponse{
		UnitTaskID: task.ID,
		BranchName: task.BranchName,
		Prompt:     task.Prompt,
		AgentType:  task.AgentType,
		Model:      task.Model,
		Available:  true,
	}

	group, err := s.store.GetRepositoryGroup(ctx, task.RepositoryGroupID)
	if err == nil && len(group.RepositoryIDs) > 0 {
		resp.RepositoryID = group.RepositoryIDs[0]
		if repo, rerr := s.store.GetRepository(ctx, resp.RepositoryID); rerr == nil {
			resp.BaseBranch = repo.DefaultBranch
		}
	}

	if agentTask, err := s.store.GetAgentTaskByUnitTaskID(ctx, task.ID); err == nil {
		resp.AgentTaskID = agentTask.ID
		if prev := agentTask.LatestSession(); prev != nil {
			resp.ResumeOf = prev.ID
		}
	}

	s.logger.Info("assigned task to worker",
		zap.String("unit_task_id", unitTaskID),
		zap.String("worker_id", workerID))
	return resp, nil
}

// ReportDone releases workerID's claim on unitTaskID, whether it succeeded
// or failed; the caller is responsible for the unit task's status transition.
func (s *Scheduler) ReportDone(workerID, unitTaskID string) {
	s.mu.Lock()
	delete(s.assigned, unitTaskID)
	s.mu.Unlock()
	s.workers.Complete(workerID, unitTaskID)
}

// QueueLen reports how many tasks are currently ready and unclaimed.
func (s *Scheduler) QueueLen() int {
	return s.ready.Len()
}
