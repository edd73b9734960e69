// Command worker runs the C5 ExecutionEngine: it registers with a
// coordinator, polls worker.get_task for assignments, drives each one
// through setup/spawn/stream/teardown, and reports the terminal outcome.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/delidev/core/internal/agent/credentials"
	"github.com/delidev/core/internal/agent/docker"
	"github.com/delidev/core/internal/agent/executor"
	agentregistry "github.com/delidev/core/internal/agent/registry"
	agentruntime "github.com/delidev/core/internal/agent/runtime"
	"github.com/delidev/core/internal/common/config"
	"github.com/delidev/core/internal/common/logger"
	"github.com/delidev/core/internal/coordinatorclient"
	"github.com/delidev/core/internal/task/models"
	v1 "github.com/delidev/core/pkg/api/v1"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig(cfg.Logging))
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.SetDefault(log)
	defer log.Sync()

	if cfg.Worker.ServerURL == "" {
		return fmt.Errorf("worker.serverUrl is required")
	}
	maxTasks := cfg.Worker.MaxTasks
	if maxTasks <= 0 {
		maxTasks = 1
	}
	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = uuid.NewString()
	}

	agents := agentregistry.NewRegistry(log)
	agents.LoadDefaults()

	credsMgr := credentials.NewManager(log)

	var dockerSpawner executor.DockerSpawner
	runtimeName := agentruntime.NameLocal
	if cfg.Worker.UseContainer {
		dockerClient, err := docker.NewClient(cfg.Docker, log)
		if err != nil {
			return fmt.Errorf("init docker client: %w", err)
		}
		dockerSpawner = executor.NewDockerSpawner(dockerClient)
		runtimeName = agentruntime.NameDocker
	}

	client := coordinatorclient.New(cfg.Worker.ServerURL, log)

	engine := executor.New(agents, client, client, credsMgr, dockerSpawner, client, executor.Config{
		Runtime:          runtimeName,
		PromptTimeout:    cfg.Worker.PromptTimeout(),
		WallClockTimeout: cfg.Worker.WallClockTimeout(),
	}, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registeredID, err := client.RegisterWorker(ctx, hostname()+"-"+workerID, cfg.Worker.ServerURL, maxTasks)
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	log.Info("registered with coordinator", zap.String("worker_id", registeredID))

	running := newTaskCounter()

	go heartbeatLoop(ctx, client, registeredID, running, log)

	pollLoop(ctx, client, engine, registeredID, maxTasks, running, log)

	unregisterCtx, unregisterCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer unregisterCancel()
	if err := client.Unregister(unregisterCtx, registeredID); err != nil {
		log.Warn("unregister failed", zap.Error(err))
	}
	return nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "worker"
	}
	return h
}

// taskCounter tracks in-flight assignments so the heartbeat loop can report
// accurate load without the poll loop needing its own synchronization.
type taskCounter struct {
	mu sync.Mutex
	n  int
}

func newTaskCounter() *taskCounter {
	return &taskCounter{}
}

func (c *taskCounter) add(delta int) {
	c.mu.Lock()
	c.n += delta
	c.mu.Unlock()
}

func (c *taskCounter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func heartbeatLoop(ctx context.Context, client *coordinatorclient.Client, workerID string, running *taskCounter, log *logger.Logger) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(ctx, workerID, running.get(), 0, 0); err != nil {
				log.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// pollLoop repeatedly asks for work and runs assignments up to maxTasks
// concurrently, returning once ctx is cancelled and every in-flight
// assignment has reported its outcome.
func pollLoop(ctx context.Context, client *coordinatorclient.Client, engine *executor.Engine, workerID string, maxTasks int, running *taskCounter, log *logger.Logger) {
	sem := make(chan struct{}, maxTasks)
	var wg sync.WaitGroup

	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			select {
			case sem <- struct{}{}:
			default:
				continue
			}

			assignment, err := client.GetTask(ctx, workerID)
			if err != nil {
				log.Warn("get_task failed", zap.Error(err))
				<-sem
				continue
			}
			if !assignment.Available {
				<-sem
				continue
			}

			wg.Add(1)
			running.add(1)
			go func() {
				defer func() { <-sem; running.add(-1); wg.Done() }()
				executeAssignment(ctx, client, engine, workerID, assignment, log)
			}()
		}
	}
}

func executeAssignment(ctx context.Context, client *coordinatorclient.Client, engine *executor.Engine, workerID string, assignment *v1.AssignTaskResponse, log *logger.Logger) {
	ws, err := client.Allocate(ctx, assignment.UnitTaskID, assignment.RepositoryID, assignment.BaseBranch, assignment.BranchName)
	if err != nil {
		log.Error("workspace allocation failed", zap.String("unit_task_id", assignment.UnitTaskID), zap.Error(err))
		reportFailure(ctx, client, workerID, assignment, err)
		return
	}

	taskAssignment := executor.TaskAssignment{
		AssignTaskResponse: *assignment,
		RepositoryPath:     ws.Path,
	}

	outcome, err := engine.Execute(ctx, client, taskAssignment)
	if err != nil {
		log.Error("execution failed", zap.String("unit_task_id", assignment.UnitTaskID), zap.Error(err))
		reportFailure(ctx, client, workerID, assignment, err)
		return
	}

	req := v1.ReportStatusRequest{
		WorkerID:     workerID,
		UnitTaskID:   assignment.UnitTaskID,
		AgentTaskID:  assignment.AgentTaskID,
		SessionID:    outcome.SessionID,
		Outcome:      string(outcome.Result),
		EndCommit:    outcome.EndCommit,
		ErrorCode:    outcome.ErrorCode,
		ErrorMessage: outcome.ErrorMsg,
	}
	if err := client.ReportStatus(ctx, req); err != nil {
		log.Error("report_status failed", zap.String("unit_task_id", assignment.UnitTaskID), zap.Error(err))
	}
}

func reportFailure(ctx context.Context, client *coordinatorclient.Client, workerID string, assignment *v1.AssignTaskResponse, cause error) {
	req := v1.ReportStatusRequest{
		WorkerID:     workerID,
		UnitTaskID:   assignment.UnitTaskID,
		AgentTaskID:  assignment.AgentTaskID,
		Outcome:      string(models.OutcomeFailure),
		ErrorMessage: cause.Error(),
	}
	if err := client.ReportStatus(ctx, req); err != nil {
		logger.Default().Warn("report_status (failure path) failed", zap.Error(err), zap.String("unit_task_id", assignment.UnitTaskID))
	}
}
