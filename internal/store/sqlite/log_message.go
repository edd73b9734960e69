package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/delidev/core/internal/db/dialect"
	"github.com/delidev/core/internal/task/models"
)

func initLogMessageSchema(ctx context.Context, w *sqlx.DB, driver string) error {
	if _, err := w.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS log_messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	type TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL DEFAULT '',
	language TEXT NOT NULL DEFAULT '',
	code TEXT NOT NULL DEFAULT '',
	tool_name TEXT NOT NULL DEFAULT '',
	tool_input TEXT NOT NULL DEFAULT '',
	tool_output TEXT NOT NULL DEFAULT '',
	success INTEGER,
	request_id TEXT NOT NULL DEFAULT '',
	prompt TEXT NOT NULL DEFAULT '',
	options TEXT NOT NULL DEFAULT '',
	response TEXT NOT NULL DEFAULT '',
	progress_percent REAL NOT NULL DEFAULT 0,
	error_code TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	raw TEXT NOT NULL DEFAULT ''
)`); err != nil {
		return err
	}
	_, err := w.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_log_messages_session_seq ON log_messages(session_id, seq)`)
	return err
}

type logMessageRow struct {
	ID               string         `db:"id"`
	SessionID        string         `db:"session_id"`
	Seq              int            `db:"seq"`
	Type             string         `db:"type"`
	Timestamp        string         `db:"timestamp"`
	TaskID           string         `db:"task_id"`
	Text             string         `db:"text"`
	Language         string         `db:"language"`
	Code             string         `db:"code"`
	ToolName         string         `db:"tool_name"`
	ToolInput        string         `db:"tool_input"`
	ToolOutput       string         `db:"tool_output"`
	Success          sql.NullInt64  `db:"success"`
	RequestID        string         `db:"request_id"`
	Prompt           string         `db:"prompt"`
	Options          string         `db:"options"`
	Response         string         `db:"response"`
	ProgressPercent  float64        `db:"progress_percent"`
	ErrorCode        string         `db:"error_code"`
	ErrorMessage     string         `db:"error_message"`
	Raw              string         `db:"raw"`
}

func (r *logMessageRow) toModel() *models.LogMessage {
	m := &models.LogMessage{
		Type:            models.LogMessageType(r.Type),
		Timestamp:       parseTime(r.Timestamp),
		SessionID:       r.SessionID,
		TaskID:          r.TaskID,
		Text:            r.Text,
		Language:        r.Language,
		Code:            r.Code,
		ToolName:        r.ToolName,
		ToolOutput:      r.ToolOutput,
		RequestID:       r.RequestID,
		Prompt:          r.Prompt,
		Response:        r.Response,
		ProgressPercent: r.ProgressPercent,
		ErrorCode:       r.ErrorCode,
		ErrorMessage:    r.ErrorMessage,
		Raw:             r.Raw,
	}
	if r.ToolInput != "" {
		_ = json.Unmarshal([]byte(r.ToolInput), &m.ToolInput)
	}
	if r.Options != "" {
		_ = json.Unmarshal([]byte(r.Options), &m.Options)
	}
	if r.Success.Valid {
		v := r.Success.Int64 != 0
		m.Success = &v
	}
	return m
}

func (s *Store) AppendLogMessage(ctx context.Context, sessionID string, m *models.LogMessage) error {
	return appendLogMessage(ctx, s.writer(), sessionID, m)
}
func (t *txStore) AppendLogMessage(ctx context.Context, sessionID string, m *models.LogMessage) error {
	return appendLogMessage(ctx, t.writer(), sessionID, m)
}

func appendLogMessage(ctx context.Context, q querier, sessionID string, m *models.LogMessage) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	var nextSeq int
	if err := q.GetContext(ctx, &nextSeq, q.Rebind(`SELECT COALESCE(MAX(seq), -1) + 1 FROM log_messages WHERE session_id = ?`), sessionID); err != nil {
		return err
	}

	toolInput, err := json.Marshal(m.ToolInput)
	if err != nil {
		return err
	}
	options, err := json.Marshal(m.Options)
	if err != nil {
		return err
	}

	var success sql.NullInt64
	if m.Success != nil {
		success = sql.NullInt64{Int64: int64(dialect.BoolToInt(*m.Success)), Valid: true}
	}

	_, err = q.ExecContext(ctx, q.Rebind(`
INSERT INTO log_messages (id, session_id, seq, type, timestamp, task_id, text, language, code, tool_name,
	tool_input, tool_output, success, request_id, prompt, options, response, progress_percent,
	error_code, error_message, raw)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		uuid.New().String(), sessionID, nextSeq, string(m.Type), formatTime(m.Timestamp), m.TaskID,
		m.Text, m.Language, m.Code, m.ToolName, string(toolInput), m.ToolOutput, success,
		m.RequestID, m.Prompt, string(options), m.Response, m.ProgressPercent,
		m.ErrorCode, m.ErrorMessage, m.Raw)
	return err
}

func (s *Store) GetLogMessages(ctx context.Context, sessionID string, offset, limit int) ([]*models.LogMessage, error) {
	return getLogMessages(ctx, s.reader(), sessionID, offset, limit)
}
func (t *txStore) GetLogMessages(ctx context.Context, sessionID string, offset, limit int) ([]*models.LogMessage, error) {
	return getLogMessages(ctx, t.reader(), sessionID, offset, limit)
}

func getLogMessages(ctx context.Context, q querier, sessionID string, offset, limit int) ([]*models.LogMessage, error) {
	query := `SELECT * FROM log_messages WHERE session_id = ? ORDER BY seq`
	args := []interface{}{sessionID}
	// LIMIT/OFFSET together is portable across sqlite3 and pgx; an unbounded
	// limit with a nonzero offset is rare enough to handle by slicing in Go
	// rather than reaching for dialect-specific "no limit" syntax.
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}
	var rows []logMessageRow
	if err := q.SelectContext(ctx, &rows, q.Rebind(query), args...); err != nil {
		return nil, err
	}
	if limit <= 0 && offset > 0 {
		if offset >= len(rows) {
			rows = nil
		} else {
			rows = rows[offset:]
		}
	}
	out := make([]*models.LogMessage, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}
