package executor

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/delidev/core/internal/common/logger"
	"github.com/delidev/core/internal/task/models"
	"github.com/delidev/core/pkg/claudecode"
)

// schemaASource drives a real claudecode.Client over the agent process's
// stdio and translates its callbacks into normalized LogMessages, per
// §4.5.1 Schema A (Claude-Code-style control-protocol NDJSON).
type schemaASource struct {
	client    *claudecode.Client
	sessionID string
	taskID    string

	events chan *models.LogMessage
}

func newSchemaASource(ctx context.Context, stdin io.Writer, stdout io.Reader, sessionID, taskID string, log *logger.Logger) eventSource {
	src := &schemaASource{
		client:    claudecode.NewClient(stdin, stdout, log),
		sessionID: sessionID,
		taskID:    taskID,
		events:    make(chan *models.LogMessage, 64),
	}

	src.client.SetMessageHandler(src.handleMessage)
	src.client.SetRequestHandler(src.handleRequest)

	ready := src.client.Start(ctx)
	go func() {
		<-ready
		<-ctx.Done()
		close(src.events)
	}()

	return src
}

func (s *schemaASource) Events() <-chan *models.LogMessage { return s.events }

func (s *schemaASource) Cancel() { s.client.Stop() }

// Respond answers an outstanding can_use_tool control request: "allow" (any
// other text) grants the tool, an empty or explicitly declined answer denies it.
func (s *schemaASource) Respond(requestID, response string) error {
	behavior := claudecode.BehaviorAllow
	if response == "" || strings.EqualFold(response, "deny") {
		behavior = claudecode.BehaviorDeny
	}
	return s.client.SendControlResponse(&claudecode.ControlResponseMessage{
		Type:      claudecode.MessageTypeControlResponse,
		RequestID: requestID,
		Response: &claudecode.ControlResponse{
			Subtype: "success",
			Result:  &claudecode.PermissionResult{Behavior: behavior, Message: response},
		},
	})
}

func (s *schemaASource) emit(msg *models.LogMessage) {
	msg.SessionID = s.sessionID
	msg.TaskID = s.taskID
	msg.Timestamp = time.Now().UTC()
	select {
	case s.events <- msg:
	default:
		// Never block the client's read loop; drop on a saturated buffer rather
		// than stall the agent process.
	}
}

func (s *schemaASource) handleMessage(msg *claudecode.CLIMessage) {
	switch msg.Type {
	case claudecode.MessageTypeSystem:
		s.emit(&models.LogMessage{Type: models.LogStart, Text: "session " + msg.SessionID + " ready"})

	case claudecode.MessageTypeAssistant:
		s.handleAssistant(msg.Message)

	case claudecode.MessageTypeResult:
		s.handleResult(msg)

	default:
		s.emit(&models.LogMessage{Type: models.LogRaw, Raw: string(msg.RawContent)})
	}
}

func (s *schemaASource) handleAssistant(am *claudecode.AssistantMessage) {
	if am == nil {
		return
	}
	if text := am.GetContentString(); text != "" {
		s.emit(&models.LogMessage{Type: models.LogText, Text: text})
		return
	}
	for _, block := range am.GetContentBlocks() {
		switch block.Type {
		case "text":
			s.emit(&models.LogMessage{Type: models.LogText, Text: block.Text})
		case "thinking":
			s.emit(&models.LogMessage{Type: models.LogThinking, Text: block.Thinking})
		case "tool_use":
			s.emit(&models.LogMessage{Type: models.LogToolUse, ToolName: block.Name, ToolInput: block.Input})
		case "tool_result":
			success := !block.IsError
			s.emit(&models.LogMessage{Type: models.LogToolResult, ToolOutput: block.Content, Success: &success})
		}
	}
}

func (s *schemaASource) handleResult(msg *claudecode.CLIMessage) {
	if msg.IsError {
		errMsg := msg.GetResultString()
		if errMsg == "" && len(msg.Errors) > 0 {
			errMsg = msg.Errors[0]
		}
		s.emit(&models.LogMessage{Type: models.LogError, ErrorCode: "agent_reported_error", ErrorMessage: errMsg})
		return
	}
	s.emit(&models.LogMessage{Type: models.LogComplete, Text: msg.GetResultString()})
}

// handleRequest surfaces a can_use_tool permission check as an interactive
// LogUserQuestion, which the engine answers from its responder when one is
// wired and auto-allows otherwise; any other control request is auto-allowed
// here, matching the non-interactive default agent types run under.
func (s *schemaASource) handleRequest(requestID string, req *claudecode.ControlRequest) {
	if req.Subtype != claudecode.SubtypeCanUseTool {
		_ = s.client.SendControlResponse(&claudecode.ControlResponseMessage{
			Type:      claudecode.MessageTypeControlResponse,
			RequestID: requestID,
			Response:  &claudecode.ControlResponse{Subtype: "success", Result: &claudecode.PermissionResult{Behavior: claudecode.BehaviorAllow}},
		})
		return
	}

	s.emit(&models.LogMessage{
		Type:      models.LogUserQuestion,
		RequestID: requestID,
		Prompt:    "allow tool " + req.ToolName + "?",
		Options:   []string{"allow", "deny"},
	})
}
