package v1

import "time"

// LogMessage is the wire and storage form of one streamed agent event,
// matching the tagged union models.LogMessage serializes as.
type LogMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`

	Text string `json:"text,omitempty"`

	Language string `json:"language,omitempty"`
	Code     string `json:"code,omitempty"`

	ToolName   string         `json:"tool_name,omitempty"`
	ToolInput  map[string]any `json:"tool_input,omitempty"`
	ToolOutput string         `json:"tool_output,omitempty"`
	Success    *bool          `json:"success,omitempty"`

	RequestID string   `json:"request_id,omitempty"`
	Prompt    string   `json:"prompt,omitempty"`
	Options   []string `json:"options,omitempty"`
	Response  string   `json:"response,omitempty"`

	ProgressPercent float64 `json:"progress_percent,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	Raw string `json:"raw,omitempty"`
}

// SubscribeExecutionLogsRequest is the WebSocket subscribe envelope.
type SubscribeExecutionLogsRequest struct {
	Action    string `json:"action"` // "subscribeExecutionLogs" | "unsubscribeExecutionLogs"
	SessionID string `json:"session_id" binding:"required"`
	Cursor    int64  `json:"cursor,omitempty"`
}

// LaggedNotice tells a subscriber it missed messages because it fell behind
// the ring buffer; Dropped is how many were dropped before the next delivered message.
type LaggedNotice struct {
	Type    string `json:"type"` // always "lagged"
	Dropped int    `json:"dropped"`
}

// GetLogMessagesRequest paginates a session's durable log history.
type GetLogMessagesRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Offset    int    `json:"offset,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// UserResponseRequest answers an outstanding LogUserQuestion for a session.
type UserResponseRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	RequestID string `json:"request_id" binding:"required"`
	Response  string `json:"response" binding:"required"`
}
