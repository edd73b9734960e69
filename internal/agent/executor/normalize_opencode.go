package executor

import (
	"bufio"
	"encoding/json"
	"io"
	"time"

	"github.com/delidev/core/internal/task/models"
	"github.com/delidev/core/pkg/opencode"
)

// schemaBSource line-scans an OpenCode-style agent's stdout, each line a flat
// opencode.ExecutorEvent, per §4.5.1 Schema B. Unlike Schema A there is no
// reusable protocol client to drive: the adapter already flattens the
// underlying SSE stream into one JSON object per line.
type schemaBSource struct {
	stdout    io.Reader
	sessionID string
	taskID    string
	events    chan *models.LogMessage
}

func newSchemaBSource(stdout io.Reader, sessionID, taskID string) eventSource {
	src := &schemaBSource{
		stdout:    stdout,
		sessionID: sessionID,
		taskID:    taskID,
		events:    make(chan *models.LogMessage, 64),
	}
	go src.run()
	return src
}

func (s *schemaBSource) Events() <-chan *models.LogMessage { return s.events }

// Respond has no effect: this schema's adapter resolves permission prompts
// via its own REST call, outside this stdout stream, so the engine's
// StdinResponder path is unused for Schema B agents.
func (s *schemaBSource) Respond(requestID, response string) error { return nil }

// Cancel is a no-op: the caller tears down the process itself (SIGTERM/kill),
// which ends this stream's stdout and lets run's scan loop exit on EOF.
func (s *schemaBSource) Cancel() {}

func (s *schemaBSource) emit(msg *models.LogMessage) {
	msg.SessionID = s.sessionID
	msg.TaskID = s.taskID
	msg.Timestamp = time.Now().UTC()
	select {
	case s.events <- msg:
	default:
	}
}

func (s *schemaBSource) run() {
	defer close(s.events)

	scanner := bufio.NewScanner(s.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev opencode.ExecutorEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			s.emit(&models.LogMessage{Type: models.LogRaw, Raw: string(line)})
			continue
		}

		s.handleEvent(&ev)
	}
}

func (s *schemaBSource) handleEvent(ev *opencode.ExecutorEvent) {
	switch ev.Type {
	case opencode.EventTypeStartupLog:
		s.emit(&models.LogMessage{Type: models.LogText, Text: ev.Message})

	case opencode.EventTypeSessionStart:
		s.emit(&models.LogMessage{Type: models.LogStart, Text: "session " + ev.SessionID + " ready"})

	case opencode.EventTypeSDKEvent:
		s.handleSDKEvent(ev.Event)

	case opencode.EventTypeTokenUsage:
		s.emit(&models.LogMessage{Type: models.LogProgress, Text: "token usage updated"})

	case opencode.EventTypeError:
		s.emit(&models.LogMessage{Type: models.LogError, ErrorCode: "agent_reported_error", ErrorMessage: ev.Message})

	case opencode.EventTypeDone:
		s.emit(&models.LogMessage{Type: models.LogComplete, Text: ev.Message})

	default:
		s.emit(&models.LogMessage{Type: models.LogRaw, Raw: string(ev.Event)})
	}
}

func (s *schemaBSource) handleSDKEvent(raw json.RawMessage) {
	env, err := opencode.ParseSDKEvent(raw)
	if err != nil {
		s.emit(&models.LogMessage{Type: models.LogRaw, Raw: string(raw)})
		return
	}

	switch env.Type {
	case opencode.SDKEventMessagePartUpdated:
		props, err := opencode.ParseMessagePartUpdated(env.Properties)
		if err != nil {
			return
		}
		s.handlePart(&props.Part)

	case opencode.SDKEventPermissionAsked:
		props, err := opencode.ParsePermissionAsked(env.Properties)
		if err != nil {
			return
		}
		s.emit(&models.LogMessage{
			Type:      models.LogUserQuestion,
			RequestID: props.ID,
			Prompt:    "allow permission " + props.Permission + "?",
			Options:   []string{"allow", "deny"},
		})

	case opencode.SDKEventSessionError:
		props, err := opencode.ParseSessionError(env.Properties)
		if err != nil || props.Error == nil {
			return
		}
		s.emit(&models.LogMessage{Type: models.LogError, ErrorCode: props.Error.GetKind(), ErrorMessage: props.Error.GetMessage()})
	}
}

func (s *schemaBSource) handlePart(part *opencode.Part) {
	switch part.Type {
	case opencode.PartTypeText:
		s.emit(&models.LogMessage{Type: models.LogText, Text: part.Text})
	case opencode.PartTypeReasoning:
		s.emit(&models.LogMessage{Type: models.LogThinking, Text: part.Text})
	case opencode.PartTypeTool:
		if part.State == nil {
			return
		}
		switch part.State.Status {
		case opencode.ToolStatusCompleted, opencode.ToolStatusError:
			success := part.State.Status == opencode.ToolStatusCompleted
			s.emit(&models.LogMessage{Type: models.LogToolResult, ToolName: part.Tool, ToolOutput: part.State.Output, Success: &success})
		default:
			s.emit(&models.LogMessage{Type: models.LogToolUse, ToolName: part.Tool})
		}
	}
}
