// Package worker tracks the fleet of worker processes the coordinator can
// dispatch unit tasks to: registration, heartbeats, and liveness sweeping.
package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/delidev/core/internal/common/logger"
	"github.com/delidev/core/internal/task/models"
)

const defaultHeartbeatTimeout = 90 * time.Second

// Registry is the coordinator-side bookkeeping of registered workers. It is
// not persisted: a coordinator restart loses the fleet and workers are
// expected to re-register.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*models.Worker

	heartbeatTimeout time.Duration
	logger           *logger.Logger

	stop chan struct{}
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		workers:          make(map[string]*models.Worker),
		heartbeatTimeout: defaultHeartbeatTimeout,
		logger:           log.WithFields(zap.String("component", "worker-registry")),
		stop:             make(chan struct{}),
	}
}

// Register adds a new worker and returns its assigned id.
func (r *Registry) Register(name, endpoint string, capacity int) *models.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	w := &models.Worker{
		ID:            uuid.New().String(),
		Name:          name,
		Endpoint:      endpoint,
		Capacity:      capacity,
		Status:        models.WorkerIdle,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	r.workers[w.ID] = w
	r.logger.Info("worker registered", zap.String("worker_id", w.ID), zap.String("name", name), zap.Int("capacity", capacity))
	return w
}

// Unregister drops a worker from the fleet.
func (r *Registry) Unregister(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, workerID)
	r.logger.Info("worker unregistered", zap.String("worker_id", workerID))
}

// Heartbeat updates a worker's load snapshot and liveness timestamp. A
// worker that had been marked Unhealthy is rehabilitated back to Idle/Busy
// based on its reported running task count.
func (r *Registry) Heartbeat(workerID string, runningTasks int, cpuPercent, memPercent float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("worker %s not registered", workerID)
	}
	w.LastHeartbeat = time.Now().UTC()
	w.RunningTasks = runningTasks
	w.CPUPercent = cpuPercent
	w.MemPercent = memPercent
	if w.RunningTasks >= w.Capacity {
		w.Status = models.WorkerBusy
	} else {
		w.Status = models.WorkerIdle
	}
	return nil
}

// Assign transactionally reserves a slot on workerID for taskID, failing if
// the worker is unhealthy or already at capacity.
func (r *Registry) Assign(workerID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("worker %s not registered", workerID)
	}
	if w.Status == models.WorkerUnhealthy {
		return fmt.Errorf("worker %s is unhealthy", workerID)
	}
	if !w.HasCapacity() {
		return fmt.Errorf("worker %s has no spare capacity", workerID)
	}

	w.RunningTasks++
	w.CurrentTaskIDs = append(w.CurrentTaskIDs, taskID)
	if !w.HasCapacity() {
		w.Status = models.WorkerBusy
	}
	return nil
}

// Complete releases the slot taskID was occupying on workerID.
func (r *Registry) Complete(workerID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return
	}
	for i, id := range w.CurrentTaskIDs {
		if id == taskID {
			w.CurrentTaskIDs = append(w.CurrentTaskIDs[:i], w.CurrentTaskIDs[i+1:]...)
			break
		}
	}
	if w.RunningTasks > 0 {
		w.RunningTasks--
	}
	if w.Status != models.WorkerUnhealthy {
		w.Status = models.WorkerIdle
	}
}

// Get returns the current snapshot of a worker.
func (r *Registry) Get(workerID string) (*models.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[workerID]
	if !ok {
		return nil, false
	}
	cp := *w
	return &cp, true
}

// List returns every registered worker.
func (r *Registry) List() []*models.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out
}

// FindAvailable returns the healthy worker with spare capacity and the
// lowest current load, tie-broken by earliest registration.
func (r *Registry) FindAvailable() (*models.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *models.Worker
	for _, w := range r.workers {
		if w.Status == models.WorkerUnhealthy || !w.HasCapacity() {
			continue
		}
		if best == nil ||
			w.RunningTasks < best.RunningTasks ||
			(w.RunningTasks == best.RunningTasks && w.RegisteredAt.Before(best.RegisteredAt)) {
			best = w
		}
	}
	if best == nil {
		return nil, false
	}
	cp := *best
	return &cp, true
}

// Start runs the liveness sweep every interval until ctx is cancelled.
func (r *Registry) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.sweepUnhealthy()
			}
		}
	}()
}

// Stop halts the background liveness sweep started by Start.
func (r *Registry) Stop() {
	close(r.stop)
}

func (r *Registry) sweepUnhealthy() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.heartbeatTimeout)
	for _, w := range r.workers {
		stale := w.LastHeartbeat.Before(cutoff)
		if stale && w.Status != models.WorkerUnhealthy {
			w.Status = models.WorkerUnhealthy
			r.logger.Warn("worker marked unhealthy", zap.String("worker_id", w.ID), zap.Time("last_heartbeat", w.LastHeartbeat))
		}
	}
}
