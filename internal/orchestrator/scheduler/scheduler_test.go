package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/delidev/core/internal/common/logger"
	"github.com/delidev/core/internal/store/memory"
	"github.com/delidev/core/internal/task/models"
	"github.com/delidev/core/internal/worker"
)

func createTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	return log
}

func newTestFixture(t *testing.T) (*Scheduler, *memory.Store, *worker.Registry) {
	t.Helper()
	st := memory.New()
	reg := worker.NewRegistry(createTestLogger())
	s := New(st, reg, createTestLogger(), DefaultConfig())
	return s, st, reg
}

func seedReadyTask(t *testing.T, ctx context.Context, st *memory.Store) *models.UnitTask {
	t.Helper()
	repo := &models.Repository{RemoteURL: "git@example.com/r.git", LocalPath: "/tmp/r", DefaultBranch: "main"}
	if err := st.CreateRepository(ctx, repo); err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}
	group, err := st.GetOrCreateSingleRepoGroup(ctx, "ws-1", repo.ID)
	if err != nil {
		t.Fatalf("GetOrCreateSingleRepoGroup: %v", err)
	}
	task := &models.UnitTask{
		RepositoryGroupID: group.ID,
		Title:             "do the thing",
		Prompt:            "do the thing",
		Status:            models.UnitTaskInProgress,
	}
	if err := st.CreateUnitTask(ctx, task); err != nil {
		t.Fatalf("CreateUnitTask: %v", err)
	}
	return task
}

func TestNewScheduler(t *testing.T) {
	s, _, _ := newTestFixture(t)
	if s == nil {
		t.Fatal("New returned nil")
	}
	if s.QueueLen() != 0 {
		t.Errorf("expected empty queue, got %d", s.QueueLen())
	}
}

func TestRecomputeEnqueuesStandaloneTask(t *testing.T) {
	ctx := context.Background()
	s, st, _ := newTestFixture(t)
	task := seedReadyTask(t, ctx, st)

	if err := s.Recompute(ctx); err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if s.QueueLen() != 1 {
		t.Fatalf("expected 1 ready task, got %d", s.QueueLen())
	}
	if !s.ready.Contains(task.ID) {
		t.Errorf("expected %s to be ready", task.ID)
	}
}

func TestRecomputeHoldsBackBlockedDAGNode(t *testing.T) {
	ctx := context.Background()
	s, st, _ := newTestFixture(t)

	repo := &models.Repository{RemoteURL: "r", LocalPath: "/tmp/r", DefaultBranch: "main"}
	_ = st.CreateRepository(ctx, repo)
	group, _ := st.GetOrCreateSingleRepoGroup(ctx, "ws-1", repo.ID)

	first := &models.UnitTask{RepositoryGroupID: group.ID, Title: "first", Prompt: "first", Status: models.UnitTaskInProgress}
	_ = st.CreateUnitTask(ctx, first)
	second := &models.UnitTask{RepositoryGroupID: group.ID, Title: "second", Prompt: "second", Status: models.UnitTaskInProgress}
	_ = st.CreateUnitTask(ctx, second)

	composite := &models.CompositeTask{
		RepositoryGroupID: group.ID,
		Title:             "chain",
		Prompt:            "chain",
		Status:            models.CompositeInProgress,
		FailurePolicy:     models.FailurePolicyLenient,
		Nodes: []models.CompositeTaskNode{
			{NodeID: "n1", UnitTaskID: first.ID},
			{NodeID: "n2", UnitTaskID: second.ID, DependsOn: []string{"n1"}},
		},
	}
	if err := st.CreateCompositeTask(ctx, composite); err != nil {
		t.Fatalf("CreateCompositeTask: %v", err)
	}
	first.CompositeTaskID = composite.ID
	second.CompositeTaskID = composite.ID
	_ = st.UpdateUnitTask(ctx, first)
	_ = st.UpdateUnitTask(ctx, second)

	if err := s.Recompute(ctx); err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if s.QueueLen() != 1 {
		t.Fatalf("expected only the unblocked node ready, got %d", s.QueueLen())
	}
	if !s.ready.Contains(first.ID) {
		t.Error("expected first node to be ready")
	}
	if s.ready.Contains(second.ID) {
		t.Error("expected second node to stay blocked")
	}
}

func TestNextAssignmentNoWork(t *testing.T) {
	s, _, _ := newTestFixture(t)
	resp, err := s.NextAssignment(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("NextAssignment: %v", err)
	}
	if resp.Available {
		t.Error("expected Available=false with empty queue")
	}
}

func TestNextAssignmentDispatchesReadyTask(t *testing.T) {
	ctx := context.Background()
	s, st, reg := newTestFixture(t)
	task := seedReadyTask(t, ctx, st)
	reg.Register("w1", "http://localhost:9000", 1)
	w := reg.List()[0]

	if err := s.Recompute(ctx); err != nil {
		t.Fatalf("Recompute: %v", err)
	}

	resp, err := s.NextAssignment(ctx, w.ID)
	if err != nil {
		t.Fatalf("NextAssignment: %v", err)
	}
	if !resp.Available {
		t.Fatal("expected a task to be assigned")
	}
	if resp.UnitTaskID != task.ID {
		t.Errorf("expected %s, got %s", task.ID, resp.UnitTaskID)
	}
	if resp.BaseBranch != "main" {
		t.Errorf("expected base branch main, got %s", resp.BaseBranch)
	}
	if s.QueueLen() != 0 {
		t.Errorf("expected queue drained, got %d", s.QueueLen())
	}

	s.ReportDone(w.ID, task.ID)
	got, _ := reg.Get(w.ID)
	if got.RunningTasks != 0 {
		t.Errorf("expected worker released, got %d running", got.RunningTasks)
	}
}

func TestStartStop(t *testing.T) {
	s, _, _ := newTestFixture(t)
	s.config.RecomputeInterval = 10 * time.Millisecond

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); err != ErrSchedulerAlreadyRunning {
		t.Errorf("expected ErrSchedulerAlreadyRunning, got %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); err != ErrSchedulerNotRunning {
		t.Errorf("expected ErrSchedulerNotRunning, got %v", err)
	}
}
