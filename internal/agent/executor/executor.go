// Package executor implements the ExecutionEngine: it drives one AgentSession
// end to end, from spawning the agent process through normalizing its output
// into LogMessages to reporting a TerminalOutcome, on the worker side of the
// pipeline.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/delidev/core/internal/agent/credentials"
	"github.com/delidev/core/internal/agent/registry"
	"github.com/delidev/core/internal/agent/runtime"
	"github.com/delidev/core/internal/common/apierr"
	"github.com/delidev/core/internal/common/logger"
	"github.com/delidev/core/internal/secrets"
	"github.com/delidev/core/internal/task/models"
	v1 "github.com/delidev/core/pkg/api/v1"
)

// TaskAssignment is the input to Execute: the AssignTaskResponse a worker
// received from worker.get_task, resolved to a local repository checkout.
type TaskAssignment struct {
	v1.AssignTaskResponse
	RepositoryPath string
	SessionID      string // empty: engine mints one as UnitTaskID + "-" + AgentTaskID
}

// Outcome is the result Execute reports back to the coordinator via
// worker.report_status.
type Outcome struct {
	SessionID string
	Result    models.TerminalOutcome
	EndCommit string
	ErrorCode string
	ErrorMsg  string
}

// Publisher streams one normalized LogMessage as it is produced. Engine
// callers back this with the LogStreamHub's Publish and the durable
// store's AppendLogMessage.
type Publisher interface {
	Publish(ctx context.Context, msg *models.LogMessage) error
}

// SecretsResolver fetches the transient secrets envelope for a task from the
// coordinator's `worker.get_secrets` RPC. Implementations should be safe to
// call when no envelope was ever sent: they return an empty map, not an error.
type SecretsResolver interface {
	ResolveSecrets(ctx context.Context, taskID string) (map[string]string, error)
}

// StdinResponder answers an outstanding LogUserQuestion by returning the text
// the user typed (or ok=false on timeout/cancellation).
type StdinResponder interface {
	AwaitResponse(ctx context.Context, sessionID, requestID string, timeout time.Duration) (string, bool)
}

// Config controls engine-wide behavior independent of any single assignment.
type Config struct {
	// Runtime selects the spawn mode: runtime.NameDocker runs the agent in a
	// container via DockerSpawner, anything else spawns a local process.
	Runtime          runtime.Name
	PromptTimeout    time.Duration
	WallClockTimeout time.Duration // 0 disables
}

// Engine is the ExecutionEngine (C5): execute(TaskAssignment) -> TerminalOutcome.
type Engine struct {
	agents      *registry.Registry
	workspaces  WorkspaceAllocator
	secrets     SecretsResolver
	credentials *credentials.Manager
	docker      DockerSpawner
	responder   StdinResponder
	config      Config
	logger      *logger.Logger

	// spawnOverride lets tests substitute a fake process for spawnLocal/
	// spawnContainer without a real subprocess or Docker daemon. Nil in
	// production, where spawn dispatches on config.Runtime as usual.
	spawnOverride func(ctx context.Context, agentCfg *registry.AgentTypeConfig, workDir string, env map[string]string) (*process, error)
}

// WorkspaceAllocator is the subset of workspace.Manager the engine needs: a
// per-task git worktree it can allocate before spawning and release once the
// session ends. A real *workspace.Manager satisfies this.
type WorkspaceAllocator interface {
	Allocate(ctx context.Context, taskID, repositoryID, baseBranch, newBranch string) (*models.Workspace, error)
	Release(ctx context.Context, taskID, repositoryPath string) error
}

// DockerSpawner is the subset of internal/agent/docker.Client the engine
// needs to run a container-mode agent. Narrowed to an interface so tests can
// fake it without a real Docker daemon.
type DockerSpawner interface {
	CreateContainerInteractive(ctx context.Context, cfg ContainerSpec) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	AttachContainer(ctx context.Context, containerID string) (Attachment, error)
	WaitContainer(ctx context.Context, containerID string) (int64, error)
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
}

// ContainerSpec mirrors docker.ContainerConfig so this package does not
// import the docker SDK types directly into its public surface.
type ContainerSpec struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	WorkingDir  string
	Mounts      []MountSpec
	NetworkMode string
	Memory      int64
	CPUQuota    int64
	Labels      map[string]string
	AutoRemove  bool
}

// MountSpec mirrors docker.MountConfig.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Attachment mirrors docker.AttachResult.
type Attachment interface {
	io.Writer
	StdoutReader() io.Reader
	Close() error
}

// New constructs an Engine.
func New(agents *registry.Registry, workspaces WorkspaceAllocator, secretsResolver SecretsResolver,
	credsMgr *credentials.Manager, dockerSpawner DockerSpawner, responder StdinResponder, cfg Config, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	if cfg.PromptTimeout <= 0 {
		cfg.PromptTimeout = 300 * time.Second
	}
	return &Engine{
		agents:      agents,
		workspaces:  workspaces,
		secrets:     secretsResolver,
		credentials: credsMgr,
		docker:      dockerSpawner,
		responder:   responder,
		config:      cfg,
		logger:      log.WithFields(zap.String("component", "execution-engine")),
	}
}

// process abstracts a spawned agent's stdio and lifecycle, whether backed by
// a local os/exec.Cmd or an attached Docker container.
type process struct {
	stdin  io.Writer
	stdout io.Reader
	wait   func() error
	cancel func()
	kill   func()
}

// Execute runs one AgentSession to completion: allocate workspace, build the
// environment, spawn the agent, normalize+publish+persist its output, derive
// a TerminalOutcome, and release resources. It never returns a Go error for
// an agent-side failure — that is reported as Outcome.Result ==
// models.OutcomeFailure; a non-nil error means the engine itself could not
// attempt the session (bad assignment, workspace allocation failure, etc).
func (e *Engine) Execute(ctx context.Context, pub Publisher, a TaskAssignment) (*Outcome, error) {
	log := e.logger.WithFields(zap.String("unit_task_id", a.UnitTaskID), zap.String("agent_type", a.AgentType))

	agentCfg, err := e.agents.Get(a.AgentType)
	if err != nil {
		return nil, apierr.AgentSpawn(fmt.Sprintf("unknown agent type %q: %v", a.AgentType, err))
	}

	ws, err := e.workspaces.Allocate(ctx, a.UnitTaskID, a.RepositoryID, a.BaseBranch, a.BranchName)
	if err != nil {
		return nil, apierr.WorkspaceExists(a.UnitTaskID)
	}

	sessionID := a.SessionID
	if sessionID == "" {
		sessionID = a.UnitTaskID + "-" + a.AgentTaskID
	}

	startMsg := &models.LogMessage{
		Type:      models.LogStart,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		TaskID:    a.UnitTaskID,
		Text:      fmt.Sprintf("starting %s in %s", a.AgentType, ws.Path),
	}
	_ = pub.Publish(ctx, startMsg)

	env, err := e.buildEnv(ctx, a.UnitTaskID, agentCfg)
	if err != nil {
		log.Warn("failed to resolve secrets envelope", zap.Error(err))
	}

	proc, mode, err := e.spawn(ctx, agentCfg, ws.Path, env)
	if err != nil {
		_ = pub.Publish(ctx, errorLogMessage(sessionID, a.UnitTaskID, "agent_spawn_error", err.Error()))
		return &Outcome{SessionID: sessionID, Result: models.OutcomeFailure, ErrorCode: "agent_spawn_error", ErrorMsg: apierr.Sanitize(err.Error())}, nil
	}
	log.Info("agent spawned", zap.String("mode", string(mode)))

	var wallClock <-chan time.Time
	if e.config.WallClockTimeout > 0 {
		timer := time.NewTimer(e.config.WallClockTimeout)
		defer timer.Stop()
		wallClock = timer.C
	}

	// sessionCtx is what the normalizer watches to stop reading: cancelling it
	// (on wall-clock timeout or parent cancellation) closes its Events channel
	// even though the wall-clock timer itself is independent of ctx.
	sessionCtx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()

	outcomeCh := make(chan *Outcome, 1)
	go e.stream(sessionCtx, pub, proc, a, agentCfg, sessionID, outcomeCh)

	var outcome *Outcome
	select {
	case outcome = <-outcomeCh:
	case <-wallClock:
		log.Warn("wall-clock timeout exceeded, cancelling session")
		cancelSession()
		proc.kill()
		outcome = <-outcomeCh
		if outcome.Result != models.OutcomeSuccess {
			outcome.ErrorCode = "wall_clock_timeout"
		}
	case <-ctx.Done():
		cancelSession()
		proc.kill()
		outcome = <-outcomeCh
	}

	if err := proc.wait(); err != nil && outcome.Result == models.OutcomeSuccess {
		log.Debug("process exited non-zero after a success-reporting agent", zap.Error(err))
	}

	if releaseErr := e.workspaces.Release(ctx, a.UnitTaskID, a.RepositoryPath); releaseErr != nil {
		log.Warn("workspace release failed", zap.Error(releaseErr))
	}

	return outcome, nil
}

func (e *Engine) buildEnv(ctx context.Context, taskID string, agentCfg *registry.AgentTypeConfig) (map[string]string, error) {
	env := make(map[string]string, len(agentCfg.Env))
	for k, v := range agentCfg.Env {
		env[k] = v
	}

	if e.secrets != nil {
		raw, err := e.secrets.ResolveSecrets(ctx, taskID)
		if err != nil {
			return env, err
		}
		for k, v := range secrets.ResolveEnv(raw) {
			env[k] = v
		}
	}

	if e.credentials != nil {
		for _, key := range agentCfg.RequiredEnv {
			if _, ok := env[key]; ok {
				continue
			}
			if value, err := e.credentials.GetCredentialValue(ctx, key); err == nil && value != "" {
				env[key] = value
			}
		}
	}

	return env, nil
}

func (e *Engine) spawn(ctx context.Context, agentCfg *registry.AgentTypeConfig, workDir string, env map[string]string) (*process, runtime.Name, error) {
	if e.spawnOverride != nil {
		proc, err := e.spawnOverride(ctx, agentCfg, workDir, env)
		return proc, runtime.NameLocal, err
	}

	mode := e.config.Runtime
	if mode == runtime.NameUnknown {
		mode = runtime.NameLocal
	}

	switch mode {
	case runtime.NameDocker:
		if e.docker == nil {
			return nil, mode, errors.New("container mode requested but no docker spawner configured")
		}
		proc, err := e.spawnContainer(ctx, agentCfg, workDir, env)
		return proc, mode, err
	default:
		proc, err := e.spawnLocal(ctx, agentCfg, workDir, env)
		return proc, mode, err
	}
}

// isOpenCodeAgent reports whether an agent type speaks Schema B (flat
// OpenCode-style events) rather than Schema A (Claude-Code-style
// control-protocol NDJSON), per §4.5.1.
func isOpenCodeAgent(agentCfg *registry.AgentTypeConfig) bool {
	return strings.Contains(strings.ToLower(agentCfg.ID), "opencode")
}

func errorLogMessage(sessionID, taskID, code, msg string) *models.LogMessage {
	return &models.LogMessage{
		Type:         models.LogError,
		Timestamp:    time.Now().UTC(),
		SessionID:    sessionID,
		TaskID:       taskID,
		ErrorCode:    code,
		ErrorMessage: apierr.Sanitize(msg),
	}
}

// eventSource is a running output normalizer: it owns reading proc.stdout
// (directly, or via a schema-specific client) and emits one normalized
// LogMessage per agent event on Events, closing the channel at EOF.
type eventSource interface {
	Events() <-chan *models.LogMessage
	// Respond answers an outstanding interactive request (a LogUserQuestion's
	// RequestID) in whatever form that schema's wire protocol expects.
	Respond(requestID, response string) error
	// Cancel asks the underlying agent to stop (e.g. on a prompt timeout).
	Cancel()
}

// stream reads the agent's normalized output, publishes each LogMessage,
// handles interactive prompts, and resolves a TerminalOutcome once the
// stream reports completion or the process exits.
func (e *Engine) stream(ctx context.Context, pub Publisher, proc *process, a TaskAssignment, agentCfg *registry.AgentTypeConfig, sessionID string, outcomeCh chan<- *Outcome) {
	var once sync.Once
	finish := func(o *Outcome) {
		once.Do(func() { outcomeCh <- o })
	}

	var src eventSource
	if isOpenCodeAgent(agentCfg) {
		src = newSchemaBSource(proc.stdout, sessionID, a.UnitTaskID)
	} else {
		src = newSchemaASource(ctx, proc.stdin, proc.stdout, sessionID, a.UnitTaskID, e.logger)
	}

	var endCommit string
	for msg := range src.Events() {
		_ = pub.Publish(ctx, msg)
		if msg.Type == models.LogUserQuestion {
			if e.responder != nil {
				e.handleQuestion(ctx, pub, proc, src, sessionID, msg)
			} else if err := src.Respond(msg.RequestID, "allow"); err != nil {
				e.logger.Warn("failed to auto-allow permission request", zap.Error(err))
			}
		}
		if msg.Type == models.LogComplete {
			finish(&Outcome{SessionID: sessionID, Result: models.OutcomeSuccess, EndCommit: endCommit})
			return
		}
		if msg.Type == models.LogError {
			finish(&Outcome{SessionID: sessionID, Result: models.OutcomeFailure, ErrorCode: msg.ErrorCode, ErrorMsg: msg.ErrorMessage})
			return
		}
	}

	if ctx.Err() != nil {
		finish(&Outcome{SessionID: sessionID, Result: models.OutcomeCancelled})
		return
	}

	// Stream ended (EOF) without an explicit terminal message: treat a clean
	// process exit as success, anything else as an abnormal termination.
	if err := proc.wait(); err != nil {
		finish(&Outcome{SessionID: sessionID, Result: models.OutcomeFailure, ErrorCode: "agent_terminated_abnormally", ErrorMsg: apierr.Sanitize(err.Error())})
		return
	}
	finish(&Outcome{SessionID: sessionID, Result: models.OutcomeSuccess, EndCommit: endCommit})
}

// handleQuestion waits for a stdin response to an interactive UserQuestion
// and forwards it to the agent, or lets it time out per §4.5.1's
// prompt_timeout rule.
func (e *Engine) handleQuestion(ctx context.Context, pub Publisher, proc *process, src eventSource, sessionID string, question *models.LogMessage) {
	answer, ok := e.responder.AwaitResponse(ctx, sessionID, question.RequestID, e.config.PromptTimeout)
	if !ok {
		_ = pub.Publish(ctx, errorLogMessage(sessionID, question.TaskID, "prompt_timeout", "no response received before timeout"))
		src.Cancel()
		proc.cancel()
		return
	}
	if err := src.Respond(question.RequestID, answer); err != nil {
		e.logger.Warn("failed to deliver stdin response to agent", zap.Error(err))
		return
	}
	_ = pub.Publish(ctx, &models.LogMessage{
		Type:      models.LogUserResponse,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		TaskID:    question.TaskID,
		RequestID: question.RequestID,
		Response:  answer,
	})
}
