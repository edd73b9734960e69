package api

import (
	"context"
	"encoding/json"

	"github.com/delidev/core/internal/common/apierr"
	"github.com/delidev/core/internal/orchestrator/lifecycle"
	"github.com/delidev/core/internal/task/models"
	v1 "github.com/delidev/core/pkg/api/v1"
)

func decode(raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return apierr.InvalidRequest("body", err.Error())
	}
	return nil
}

func toWireUnitTask(t *models.UnitTask) v1.UnitTask {
	return v1.UnitTask{
		ID:                  t.ID,
		RepositoryGroupID:   t.RepositoryGroupID,
		Title:               t.Title,
		Prompt:              t.Prompt,
		BranchName:          t.BranchName,
		Status:              string(t.Status),
		BaseCommit:          t.BaseCommit,
		EndCommit:           t.EndCommit,
		AutoFixTaskIDs:      t.AutoFixTaskIDs,
		CompositeTaskID:     t.CompositeTaskID,
		LastExecutionFailed: t.LastExecutionFailed,
		AgentType:           t.AgentType,
		Model:               t.Model,
		CreatedAt:           t.CreatedAt,
		UpdatedAt:           t.UpdatedAt,
	}
}

func toWireCompositeTask(c *models.CompositeTask) v1.CompositeTask {
	nodes := make([]v1.CompositeTaskNode, len(c.Nodes))
	for i, n := range c.Nodes {
		nodes[i] = v1.CompositeTaskNode{NodeID: n.NodeID, UnitTaskID: n.UnitTaskID, DependsOn: n.DependsOn}
	}
	return v1.CompositeTask{
		ID:                  c.ID,
		RepositoryGroupID:   c.RepositoryGroupID,
		Title:               c.Title,
		Prompt:              c.Prompt,
		PlanningAgentTaskID: c.PlanningAgentTaskID,
		Nodes:               nodes,
		Status:              string(c.Status),
		PlanContent:         c.PlanContent,
		FailurePolicy:       string(c.FailurePolicy),
		ExecutionAgentType:  c.ExecutionAgentType,
		CreatedAt:           c.CreatedAt,
		UpdatedAt:           c.UpdatedAt,
	}
}

func (s *Server) taskCreateUnit(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req v1.CreateUnitTaskRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	task, err := s.lifecycle.CreateUnitTask(ctx, lifecycle.CreateUnitTaskParams{
		RepositoryGroupID: req.RepositoryGroupID,
		Title:             req.Title,
		Prompt:            req.Prompt,
		AgentType:         req.AgentType,
		Model:             req.Model,
	})
	if err != nil {
		return nil, err
	}
	return M{"task": toWireUnitTask(task)}, nil
}

func (s *Server) taskCreateComposite(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req v1.CreateCompositeTaskRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	task, err := s.lifecycle.CreateCompositeTask(ctx, lifecycle.CreateCompositeTaskParams{
		RepositoryGroupID:  req.RepositoryGroupID,
		Title:              req.Title,
		Prompt:             req.Prompt,
		ExecutionAgentType: req.ExecutionAgentType,
		FailurePolicy:      models.CompositeFailurePolicy(req.FailurePolicy),
	})
	if err != nil {
		return nil, err
	}
	return M{"task": toWireCompositeTask(task)}, nil
}

func (s *Server) taskSubmitPlan(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req v1.SubmitPlanRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	nodes := make([]models.CompositeTaskNode, len(req.Nodes))
	for i, n := range req.Nodes {
		nodes[i] = models.CompositeTaskNode{NodeID: n.NodeID, UnitTaskID: n.UnitTaskID, DependsOn: n.DependsOn}
	}
	task, err := s.lifecycle.SubmitPlan(ctx, req.ID, req.PlanContent, nodes)
	if err != nil {
		return nil, err
	}
	return M{"task": toWireCompositeTask(task)}, nil
}

func (s *Server) taskApprovePlan(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req v1.ApprovePlanRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	task, err := s.lifecycle.ApprovePlan(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return M{"task": toWireCompositeTask(task)}, nil
}

func (s *Server) taskRejectPlan(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req v1.ApprovePlanRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	task, err := s.lifecycle.RejectPlan(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return M{"task": toWireCompositeTask(task)}, nil
}

func (s *Server) taskGet(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req struct {
		ID string `json:"id" binding:"required"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	task, err := s.store.GetUnitTask(ctx, req.ID)
	if err != nil {
		return nil, apierr.NotFound("UnitTask", req.ID)
	}
	return M{"task": toWireUnitTask(task)}, nil
}

func (s *Server) taskList(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req v1.ListUnitTasksRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	page, err := s.store.ListUnitTasks(ctx, models.ListFilter{
		ParentID: req.RepositoryGroupID,
		Status:   req.Status,
		Limit:    req.Limit,
		Offset:   req.Offset,
	})
	if err != nil {
		return nil, apierr.Internal(err)
	}
	items := make([]v1.UnitTask, len(page.Items))
	for i, t := range page.Items {
		items[i] = toWireUnitTask(t)
	}
	return M{"tasks": items, "total": page.Total}, nil
}

func (s *Server) taskUpdateStatus(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req v1.TransitionUnitTaskRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	task, err := s.lifecycle.TransitionUnitTask(ctx, req.ID, models.UnitTaskStatus(req.Status))
	if err != nil {
		return nil, err
	}
	return M{"task": toWireUnitTask(task)}, nil
}

func (s *Server) taskDelete(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req struct {
		ID string `json:"id" binding:"required"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := s.store.DeleteUnitTask(ctx, req.ID); err != nil {
		return nil, apierr.Internal(err)
	}
	return M{}, nil
}
