// Package coordinatorclient is the worker process's half of the §6 external
// interface: a thin HTTP client over POST /api/<group>/<verb> that a worker
// uses to register, poll for assignments, report outcomes, and relay logs
// and interactive answers back to the coordinator it has no direct access to.
package coordinatorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/delidev/core/internal/common/logger"
	"github.com/delidev/core/internal/task/models"
	v1 "github.com/delidev/core/pkg/api/v1"
)

// Client calls a coordinator's group.verb endpoints over HTTP.
type Client struct {
	baseURL string
	// httpClient bounds ordinary verb calls. longPollClient has no fixed
	// Timeout since AwaitResponse's context deadline is the only bound that
	// should apply to a call that can legitimately wait minutes.
	httpClient     *http.Client
	longPollClient *http.Client
	logger         *logger.Logger
}

// New builds a Client against a coordinator's base URL (e.g. http://localhost:8080).
// Outgoing requests carry an OTel span each, so a task's execution can be
// traced end to end across the worker-to-coordinator hop.
func New(baseURL string, log *logger.Logger) *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport)
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
		longPollClient: &http.Client{Transport: transport},
		logger:         log.WithFields(zap.String("component", "coordinatorclient")),
	}
}

// call invokes one group.verb and decodes the JSON response into out. out
// may be nil when the caller doesn't need the body.
func (c *Client) call(ctx context.Context, group, verb string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/"+group+"/"+verb, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if jsonErr := json.Unmarshal(data, &envelope); jsonErr == nil && envelope.Error.Message != "" {
			return fmt.Errorf("%s.%s: %s (%s)", group, verb, envelope.Error.Message, envelope.Error.Code)
		}
		return fmt.Errorf("%s.%s: http %d", group, verb, resp.StatusCode)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// RegisterWorker registers this worker process and returns its assigned id.
func (c *Client) RegisterWorker(ctx context.Context, name, endpoint string, capacity int) (string, error) {
	var resp v1.RegisterWorkerResponse
	req := v1.RegisterWorkerRequest{Name: name, Endpoint: endpoint, Capacity: capacity}
	if err := c.call(ctx, "worker", "register", req, &resp); err != nil {
		return "", err
	}
	return resp.WorkerID, nil
}

// Heartbeat reports current load to the coordinator.
func (c *Client) Heartbeat(ctx context.Context, workerID string, runningTasks int, cpuPercent, memPercent float64) error {
	req := v1.HeartbeatRequest{WorkerID: workerID, RunningTasks: runningTasks, CPUPercent: cpuPercent, MemPercent: memPercent}
	return c.call(ctx, "worker", "heartbeat", req, nil)
}

// Unregister deregisters this worker process, e.g. on clean shutdown.
func (c *Client) Unregister(ctx context.Context, workerID string) error {
	req := struct {
		WorkerID string `json:"worker_id"`
	}{WorkerID: workerID}
	return c.call(ctx, "worker", "unregister", req, nil)
}

// GetTask polls for the next assignment. Available is false when the
// coordinator has nothing ready for this worker right now.
func (c *Client) GetTask(ctx context.Context, workerID string) (*v1.AssignTaskResponse, error) {
	var resp v1.AssignTaskResponse
	req := v1.AssignTaskRequest{WorkerID: workerID}
	if err := c.call(ctx, "worker", "get_task", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReportStatus reports a finished session's terminal outcome.
func (c *Client) ReportStatus(ctx context.Context, req v1.ReportStatusRequest) error {
	return c.call(ctx, "worker", "report_status", req, nil)
}

// ResolveSecrets implements executor.SecretsResolver against worker.get_secrets.
func (c *Client) ResolveSecrets(ctx context.Context, taskID string) (map[string]string, error) {
	var resp v1.GetSecretsResponse
	req := v1.GetSecretsRequest{TaskID: taskID}
	if err := c.call(ctx, "worker", "get_secrets", req, &resp); err != nil {
		return nil, err
	}
	if resp.Secrets == nil {
		return map[string]string{}, nil
	}
	return resp.Secrets, nil
}

// Allocate implements executor.WorkspaceAllocator against workspace.allocate.
func (c *Client) Allocate(ctx context.Context, taskID, repositoryID, baseBranch, newBranch string) (*models.Workspace, error) {
	var resp struct {
		Workspace v1.Workspace `json:"workspace"`
	}
	req := v1.AllocateWorkspaceRequest{TaskID: taskID, RepositoryID: repositoryID, BaseBranch: baseBranch, BranchName: newBranch}
	if err := c.call(ctx, "workspace", "allocate", req, &resp); err != nil {
		return nil, err
	}
	return &models.Workspace{
		TaskID:     resp.Workspace.TaskID,
		Path:       resp.Workspace.Path,
		BaseCommit: resp.Workspace.BaseCommit,
		BranchName: resp.Workspace.BranchName,
		CreatedAt:  resp.Workspace.CreatedAt,
	}, nil
}

// Release implements executor.WorkspaceAllocator against workspace.release.
func (c *Client) Release(ctx context.Context, taskID, repositoryPath string) error {
	req := v1.ReleaseWorkspaceRequest{TaskID: taskID, RepositoryPath: repositoryPath}
	return c.call(ctx, "workspace", "release", req, nil)
}

// Publish implements executor.Publisher against the coordinator's internal
// publish_log route: the LogStreamHub and the durable log history both live
// on the coordinator, so a worker's publish has to cross the wire.
func (c *Client) Publish(ctx context.Context, msg *models.LogMessage) error {
	wire := v1.LogMessage{
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
	payload, err := json.Marshal(wire)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/publish_log", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("publish_log: http %d: %s", resp.StatusCode, string(data))
	}
	return nil
}

// AwaitResponse implements executor.StdinResponder by long-polling the
// coordinator's internal await_tty_input route, which itself blocks on the
// AnswerStore that session.submit_tty_input delivers into.
func (c *Client) AwaitResponse(ctx context.Context, sessionID, requestID string, timeout time.Duration) (string, bool) {
	q := url.Values{}
	q.Set("session_id", sessionID)
	q.Set("request_id", requestID)
	q.Set("timeout_seconds", strconv.Itoa(int(timeout.Seconds())))

	reqCtx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+"/internal/await_tty_input?"+q.Encode(), nil)
	if err != nil {
		c.logger.Warn("build await_tty_input request failed", zap.Error(err))
		return "", false
	}

	resp, err := c.longPollClient.Do(req)
	if err != nil {
		c.logger.Warn("await_tty_input request failed", zap.Error(err))
		return "", false
	}
	defer resp.Body.Close()

	var out struct {
		Response string `json:"response"`
		OK       bool   `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", false
	}
	return out.Response, out.OK
}
