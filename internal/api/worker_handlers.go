package api

import (
	"context"
	"encoding/json"

	"github.com/delidev/core/internal/common/apierr"
	"github.com/delidev/core/internal/task/models"
	v1 "github.com/delidev/core/pkg/api/v1"
)

func toWireWorker(w *models.Worker) v1.Worker {
	return v1.Worker{
		ID:             w.ID,
		Name:           w.Name,
		Endpoint:       w.Endpoint,
		Capacity:       w.Capacity,
		RunningTasks:   w.RunningTasks,
		CPUPercent:     w.CPUPercent,
		MemPercent:     w.MemPercent,
		LastHeartbeat:  w.LastHeartbeat,
		Status:         string(w.Status),
		CurrentTaskIDs: w.CurrentTaskIDs,
		RegisteredAt:   w.RegisteredAt,
	}
}

func (s *Server) workerRegister(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req v1.RegisterWorkerRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	w := s.workers.Register(req.Name, req.Endpoint, req.Capacity)
	return v1.RegisterWorkerResponse{WorkerID: w.ID}, nil
}

func (s *Server) workerHeartbeat(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req v1.HeartbeatRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := s.workers.Heartbeat(req.WorkerID, req.RunningTasks, req.CPUPercent, req.MemPercent); err != nil {
		return nil, apierr.NotFound("Worker", req.WorkerID)
	}
	return M{}, nil
}

func (s *Server) workerUnregister(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req struct {
		WorkerID string `json:"worker_id" binding:"required"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	s.workers.Unregister(req.WorkerID)
	return M{}, nil
}

func (s *Server) workerGetTask(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req v1.AssignTaskRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	resp, err := s.scheduler.NextAssignment(ctx, req.WorkerID)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Server) workerReportStatus(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req v1.ReportStatusRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	outcome := models.TerminalOutcome(req.Outcome)
	task, err := s.lifecycle.ReportSessionOutcome(ctx, req.UnitTaskID, req.SessionID, outcome, req.EndCommit)
	if err != nil {
		return nil, err
	}
	s.scheduler.ReportDone(req.WorkerID, req.UnitTaskID)
	return M{"task": toWireUnitTask(task)}, nil
}

func (s *Server) workerGetSecrets(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req v1.GetSecretsRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	env, ok := s.secrets.Take(ctx, req.TaskID)
	if !ok {
		return v1.GetSecretsResponse{TaskID: req.TaskID, Secrets: map[string]string{}}, nil
	}
	return v1.GetSecretsResponse{
		TaskID:     env.TaskID,
		Secrets:    env.Secrets,
		TimestampS: env.TimestampS,
		Nonce:      env.Nonce,
	}, nil
}
