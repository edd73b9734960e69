package api

import (
	"context"
	"encoding/json"

	"github.com/delidev/core/internal/common/apierr"
	"github.com/delidev/core/internal/task/models"
	v1 "github.com/delidev/core/pkg/api/v1"
)

func toWireRepository(r *models.Repository) v1.Repository {
	return v1.Repository{
		ID:            r.ID,
		RemoteURL:     r.RemoteURL,
		LocalPath:     r.LocalPath,
		DefaultBranch: r.DefaultBranch,
		SetupScript:   r.SetupScript,
		CleanupScript: r.CleanupScript,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func toWireRepositoryGroup(g *models.RepositoryGroup) v1.RepositoryGroup {
	return v1.RepositoryGroup{
		ID:            g.ID,
		WorkspaceID:   g.WorkspaceID,
		Name:          g.Name,
		RepositoryIDs: g.RepositoryIDs,
		CreatedAt:     g.CreatedAt,
		UpdatedAt:     g.UpdatedAt,
	}
}

func (s *Server) repositoryCreate(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req v1.CreateRepositoryRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	repo := &models.Repository{
		RemoteURL:     req.RemoteURL,
		LocalPath:     req.LocalPath,
		DefaultBranch: req.DefaultBranch,
		SetupScript:   req.SetupScript,
		CleanupScript: req.CleanupScript,
	}
	if err := s.store.CreateRepository(ctx, repo); err != nil {
		return nil, apierr.Internal(err)
	}
	return M{"repository": toWireRepository(repo)}, nil
}

func (s *Server) repositoryGet(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req struct {
		ID string `json:"id" binding:"required"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	repo, err := s.store.GetRepository(ctx, req.ID)
	if err != nil {
		return nil, apierr.NotFound("Repository", req.ID)
	}
	return M{"repository": toWireRepository(repo)}, nil
}

func (s *Server) repositoryList(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req v1.ListRepositoriesRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	page, err := s.store.ListRepositories(ctx, models.ListFilter{Limit: req.Limit, Offset: req.Offset})
	if err != nil {
		return nil, apierr.Internal(err)
	}
	items := make([]v1.Repository, len(page.Items))
	for i, r := range page.Items {
		items[i] = toWireRepository(r)
	}
	return M{"repositories": items, "total": page.Total}, nil
}

func (s *Server) repositoryDelete(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req struct {
		ID string `json:"id" binding:"required"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := s.store.DeleteRepository(ctx, req.ID); err != nil {
		return nil, apierr.Internal(err)
	}
	return M{}, nil
}

func (s *Server) repositoryGroupCreate(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req v1.CreateRepositoryGroupRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	group := &models.RepositoryGroup{
		WorkspaceID:   req.WorkspaceID,
		Name:          req.Name,
		RepositoryIDs: req.RepositoryIDs,
	}
	if err := s.store.CreateRepositoryGroup(ctx, group); err != nil {
		return nil, apierr.Internal(err)
	}
	return M{"repository_group": toWireRepositoryGroup(group)}, nil
}

func (s *Server) repositoryGroupGet(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req struct {
		ID string `json:"id" binding:"required"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	group, err := s.store.GetRepositoryGroup(ctx, req.ID)
	if err != nil {
		return nil, apierr.NotFound("RepositoryGroup", req.ID)
	}
	return M{"repository_group": toWireRepositoryGroup(group)}, nil
}

func (s *Server) repositoryGroupList(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req v1.ListRepositoriesRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	page, err := s.store.ListRepositoryGroups(ctx, models.ListFilter{Limit: req.Limit, Offset: req.Offset})
	if err != nil {
		return nil, apierr.Internal(err)
	}
	items := make([]v1.RepositoryGroup, len(page.Items))
	for i, g := range page.Items {
		items[i] = toWireRepositoryGroup(g)
	}
	return M{"repository_groups": items, "total": page.Total}, nil
}

func (s *Server) repositoryGroupDelete(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req struct {
		ID string `json:"id" binding:"required"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := s.store.DeleteRepositoryGroup(ctx, req.ID); err != nil {
		return nil, apierr.Internal(err)
	}
	return M{}, nil
}
