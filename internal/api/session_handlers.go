package api

import (
	"context"
	"encoding/json"

	"github.com/delidev/core/internal/common/apierr"
	v1 "github.com/delidev/core/pkg/api/v1"
)

func (s *Server) sessionGetLog(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req v1.GetLogMessagesRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 200
	}
	msgs, err := s.store.GetLogMessages(ctx, req.SessionID, req.Offset, limit)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	out := make([]v1.LogMessage, len(msgs))
	for i, m := range msgs {
		out[i] = v1.LogMessage{
			Type:            string(m.Type),
			Timestamp:       m.Timestamp,
			SessionID:       m.SessionID,
			TaskID:          m.TaskID,
			Text:            m.Text,
			Language:        m.Language,
			Code:            m.Code,
			ToolName:        m.ToolName,
			ToolInput:       m.ToolInput,
			ToolOutput:      m.ToolOutput,
			Success:         m.Success,
			RequestID:       m.RequestID,
			Prompt:          m.Prompt,
			Options:         m.Options,
			Response:        m.Response,
			ProgressPercent: m.ProgressPercent,
			ErrorCode:       m.ErrorCode,
			ErrorMessage:    m.ErrorMessage,
			Raw:             m.Raw,
		}
	}
	return M{"messages": out}, nil
}

func (s *Server) sessionSubmitTTYInput(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req v1.UserResponseRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	s.answers.Submit(req.RequestID, req.Response)
	return M{}, nil
}
