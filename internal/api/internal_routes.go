package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/delidev/core/internal/task/models"
	v1 "github.com/delidev/core/pkg/api/v1"
)

// awaitTTYInput is consumed by a worker process's StdinResponder
// implementation, not by external clients: the executor blocks in
// AwaitResponse, and the worker's RPC client long-polls this endpoint on the
// coordinator, which itself blocks on the same AnswerStore that
// session.submit_tty_input delivers into. This keeps the cross-process answer
// relay on the one AnswerStore instead of inventing a second channel.
func (s *Server) awaitTTYInput(c *gin.Context) {
	sessionID := c.Query("session_id")
	requestID := c.Query("request_id")
	if requestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_request", "message": "request_id is required"}})
		return
	}
	timeout := 300 * time.Second
	if raw := c.Query("timeout_seconds"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
	}

	answer, ok := s.answers.AwaitResponse(c.Request.Context(), sessionID, requestID, timeout)
	c.JSON(http.StatusOK, gin.H{"response": answer, "ok": ok})
}

// publishLog is consumed by a worker process's executor.Publisher
// implementation: the ExecutionEngine runs on the worker, but the
// LogStreamHub and the durable append-only history both live on the
// coordinator, so a worker's publish has to cross the process boundary
// before it can fan out to subscribers.
func (s *Server) publishLog(c *gin.Context) {
	var wire v1.LogMessage
	if err := c.ShouldBindJSON(&wire); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_request", "message": err.Error()}})
		return
	}

	msg := &models.LogMessage{
		Type:            models.LogMessageType(wire.Type),
		Timestamp:       wire.Timestamp,
		SessionID:       wire.SessionID,
		TaskID:          wire.TaskID,
		Text:            wire.Text,
		Language:        wire.Language,
		Code:            wire.Code,
		ToolName:        wire.ToolName,
		ToolInput:       wire.ToolInput,
		ToolOutput:      wire.ToolOutput,
		Success:         wire.Success,
		RequestID:       wire.RequestID,
		Prompt:          wire.Prompt,
		Options:         wire.Options,
		Response:        wire.Response,
		ProgressPercent: wire.ProgressPercent,
		ErrorCode:       wire.ErrorCode,
		ErrorMessage:    wire.ErrorMessage,
		Raw:             wire.Raw,
	}

	if err := s.store.AppendLogMessage(c.Request.Context(), msg.SessionID, msg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "internal", "message": err.Error()}})
		return
	}
	if err := s.hub.Publish(c.Request.Context(), msg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "internal", "message": err.Error()}})
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}
