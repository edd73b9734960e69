package api

import (
	"context"
	"encoding/json"

	"github.com/delidev/core/internal/secrets"
)

type sendSecretsRequest struct {
	TaskID     string            `json:"task_id" binding:"required"`
	Secrets    map[string]string `json:"secrets" binding:"required"`
	Nonce      string            `json:"nonce" binding:"required"`
	TimestampS int64             `json:"timestamp_s" binding:"required"`
}

func (s *Server) secretsSend(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req sendSecretsRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	env := &secrets.Envelope{
		TaskID:     req.TaskID,
		Secrets:    req.Secrets,
		TimestampS: req.TimestampS,
		Nonce:      req.Nonce,
	}
	if err := s.secrets.Accept(ctx, env); err != nil {
		return M{"accepted": false}, nil
	}
	return M{"accepted": true}, nil
}
