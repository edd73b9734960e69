package api

import (
	"context"
	"encoding/json"

	"github.com/delidev/core/internal/common/apierr"
	v1 "github.com/delidev/core/pkg/api/v1"
)

func (s *Server) workspaceAllocate(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req v1.AllocateWorkspaceRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	ws, err := s.workspaces.Allocate(ctx, req.TaskID, req.RepositoryID, req.BaseBranch, req.BranchName)
	if err != nil {
		return nil, err
	}
	return M{"workspace": v1.Workspace{
		TaskID:     ws.TaskID,
		Path:       ws.Path,
		BaseCommit: ws.BaseCommit,
		BranchName: ws.BranchName,
		CreatedAt:  ws.CreatedAt,
	}}, nil
}

func (s *Server) workspaceGet(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req v1.GetWorkspaceRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	ws, ok := s.workspaces.Inspect(req.TaskID)
	if !ok {
		return nil, apierr.WorkspaceNotFound(req.TaskID)
	}
	return M{"workspace": v1.Workspace{
		TaskID:     ws.TaskID,
		Path:       ws.Path,
		BaseCommit: ws.BaseCommit,
		BranchName: ws.BranchName,
		CreatedAt:  ws.CreatedAt,
	}}, nil
}

func (s *Server) workspaceRelease(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req v1.ReleaseWorkspaceRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := s.workspaces.Release(ctx, req.TaskID, req.RepositoryPath); err != nil {
		return nil, err
	}
	return M{}, nil
}
