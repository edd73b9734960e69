package streaming

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/delidev/core/internal/common/logger"
	"github.com/delidev/core/internal/task/models"
	v1 "github.com/delidev/core/pkg/api/v1"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handlers exposes the hub over HTTP: a WebSocket channel driven by
// subscribeExecutionLogs/unsubscribeExecutionLogs messages, and a plain SSE
// fallback for clients that only want one task's stream.
type Handlers struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandlers builds the streaming HTTP handlers around hub.
func NewHandlers(hub *Hub, log *logger.Logger) *Handlers {
	return &Handlers{hub: hub, logger: log.WithFields(zap.String("component", "streaming.handlers"))}
}

// Register mounts GET /ws and GET /events/:taskId on router.
func (h *Handlers) Register(router *gin.RouterGroup) {
	router.GET("/ws", h.ServeWS)
	router.GET("/events/:taskId", h.ServeSSE)
}

// ServeWS upgrades the connection and drives one subscription at a time off
// of SubscribeExecutionLogsRequest messages sent by the client.
func (h *Handlers) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	var active *Subscription
	defer func() {
		if active != nil {
			active.Close()
		}
	}()

	for {
		var req v1.SubscribeExecutionLogsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		switch req.Action {
		case "subscribeExecutionLogs":
			if active != nil {
				active.Close()
			}
			active = h.hub.Subscribe(req.SessionID, req.Cursor)
			go h.pumpSubscription(conn, active, &writeMu)

		case "unsubscribeExecutionLogs":
			if active != nil {
				active.Close()
				active = nil
			}

		default:
			h.logger.Debug("unrecognized subscribe action", zap.String("action", req.Action))
		}
	}
}

func (h *Handlers) pumpSubscription(conn *websocket.Conn, sub *Subscription, writeMu *sync.Mutex) {
	for {
		select {
		case <-sub.Done():
			return

		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			writeMu.Lock()
			err := conn.WriteJSON(toWireLogMessage(msg))
			writeMu.Unlock()
			if err != nil {
				return
			}

		case dropped, ok := <-sub.Lagged():
			if !ok {
				return
			}
			writeMu.Lock()
			err := conn.WriteJSON(v1.LaggedNotice{Type: "lagged", Dropped: dropped})
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// ServeSSE streams one task's log messages as server-sent events, replaying
// the retained backlog from the optional ?cursor= query parameter.
func (h *Handlers) ServeSSE(c *gin.Context) {
	taskID := c.Param("taskId")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "MISSING_TASK_ID", "message": "task id is required"}})
		return
	}

	var cursor int64
	if raw := c.Query("cursor"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cursor = parsed
		}
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.Status(http.StatusInternalServerError)
		return
	}

	sub := h.hub.Subscribe(taskID, cursor)
	defer sub.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return

		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			data, err := json.Marshal(toWireLogMessage(msg))
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "event: log\ndata: %s\n\n", data)
			flusher.Flush()

		case dropped, ok := <-sub.Lagged():
			if !ok {
				return
			}
			data, _ := json.Marshal(v1.LaggedNotice{Type: "lagged", Dropped: dropped})
			fmt.Fprintf(c.Writer, "event: lagged\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func toWireLogMessage(msg *models.LogMessage) v1.LogMessage {
	return v1.LogMessage{
		Type:            string(msg.Type),
		Timestamp:       msg.Timestamp,
		SessionID:       msg.SessionID,
		TaskID:          msg.TaskID,
		Text:            msg.Text,
		Language:        msg.Language,
		Code:            msg.Code,
		ToolName:        msg.ToolName,
		ToolInput:       msg.ToolInput,
		ToolOutput:      msg.ToolOutput,
		Success:         msg.Success,
		RequestID:       msg.RequestID,
		Prompt:          msg.Prompt,
		Options:         msg.Options,
		Response:        msg.Response,
		ProgressPercent: msg.ProgressPercent,
		ErrorCode:       msg.ErrorCode,
		ErrorMessage:    msg.ErrorMessage,
		Raw:             msg.Raw,
	}
}
