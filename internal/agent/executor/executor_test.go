package executor

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/delidev/core/internal/agent/registry"
	"github.com/delidev/core/internal/common/logger"
	"github.com/delidev/core/internal/task/models"
	v1 "github.com/delidev/core/pkg/api/v1"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.NewRegistry(logger.Default())
	if err := r.Register(&registry.AgentTypeConfig{
		ID:    "echo-agent",
		Name:  "Echo Agent",
		Image: "echo-agent",
		Tag:   "latest",
		Cmd:   []string{"sh", "-c", "cat"},
		ResourceLimits: registry.ResourceLimits{
			MemoryMB: 512, CPUCores: 1, TimeoutSeconds: 60,
		},
	}); err != nil {
		t.Fatalf("register agent type: %v", err)
	}
	return r
}

type fakeWorkspaces struct{ path string }

func (f *fakeWorkspaces) Allocate(ctx context.Context, taskID, repositoryID, baseBranch, newBranch string) (*models.Workspace, error) {
	return &models.Workspace{TaskID: taskID, Path: f.path, BranchName: newBranch}, nil
}
func (f *fakeWorkspaces) Release(ctx context.Context, taskID, repositoryPath string) error { return nil }

type fakePublisher struct {
	mu       sync.Mutex
	messages []*models.LogMessage
}

func (p *fakePublisher) Publish(ctx context.Context, msg *models.LogMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

func (p *fakePublisher) types() []models.LogMessageType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.LogMessageType, len(p.messages))
	for i, m := range p.messages {
		out[i] = m.Type
	}
	return out
}

func newAssignment(unitTaskID string) TaskAssignment {
	return TaskAssignment{
		AssignTaskResponse: v1.AssignTaskResponse{
			UnitTaskID:   unitTaskID,
			AgentTaskID:  unitTaskID + "-at",
			RepositoryID: "repo-1",
			BaseBranch:   "main",
			BranchName:   "delidev/" + unitTaskID,
			AgentType:    "echo-agent",
		},
		RepositoryPath: "/tmp/repo-1",
	}
}

func TestExecuteSchemaBHappyPath(t *testing.T) {
	reader, writer := io.Pipe()
	go func() {
		defer writer.Close()
		io.WriteString(writer, `{"type":"session_start","session_id":"s1"}`+"\n")
		io.WriteString(writer, `{"type":"done","message":"all good"}`+"\n")
	}()

	r := testRegistry(t)
	if err := r.Register(&registry.AgentTypeConfig{
		ID: "opencode-agent", Name: "OpenCode", Image: "opencode", Tag: "latest",
		Cmd: []string{"true"},
		ResourceLimits: registry.ResourceLimits{MemoryMB: 256, CPUCores: 1, TimeoutSeconds: 30},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	engine := New(r, &fakeWorkspaces{path: "/tmp/ws"}, nil, nil, nil, nil, Config{}, logger.Default())

	engine.spawnOverride = func(ctx context.Context, cfg *registry.AgentTypeConfig, workDir string, env map[string]string) (*process, error) {
		return &process{
			stdin:  io.Discard,
			stdout: reader,
			wait:   func() error { return nil },
			cancel: func() {},
			kill:   func() {},
		}, nil
	}

	a := newAssignment("t1")
	a.AgentType = "opencode-agent"
	pub := &fakePublisher{}

	outcome, err := engine.Execute(context.Background(), pub, a)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome.Result != models.OutcomeSuccess {
		t.Fatalf("expected success, got %v (%s/%s)", outcome.Result, outcome.ErrorCode, outcome.ErrorMsg)
	}

	found := false
	for _, typ := range pub.types() {
		if typ == models.LogComplete {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a LogComplete message, got %v", pub.types())
	}
}

func TestExecuteWallClockTimeout(t *testing.T) {
	reader, writer := io.Pipe()
	t.Cleanup(func() { writer.Close() })

	r := testRegistry(t)
	engine := New(r, &fakeWorkspaces{path: "/tmp/ws"}, nil, nil, nil, nil, Config{
		WallClockTimeout: 20 * time.Millisecond,
	}, logger.Default())

	killed := make(chan struct{})
	engine.spawnOverride = func(ctx context.Context, cfg *registry.AgentTypeConfig, workDir string, env map[string]string) (*process, error) {
		return &process{
			stdin:  io.Discard,
			stdout: reader,
			wait:   func() error { return nil },
			cancel: func() {},
			kill:   func() { close(killed) },
		}, nil
	}

	a := newAssignment("t2")
	pub := &fakePublisher{}

	outcome, err := engine.Execute(context.Background(), pub, a)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome.ErrorCode != "wall_clock_timeout" {
		t.Fatalf("expected wall_clock_timeout, got %+v", outcome)
	}
	select {
	case <-killed:
	case <-time.After(time.Second):
		t.Fatal("expected process to be killed on wall-clock timeout")
	}
}

func TestExecuteUnknownAgentType(t *testing.T) {
	r := testRegistry(t)
	engine := New(r, &fakeWorkspaces{path: "/tmp/ws"}, nil, nil, nil, nil, Config{}, logger.Default())

	a := newAssignment("t3")
	a.AgentType = "does-not-exist"

	_, err := engine.Execute(context.Background(), &fakePublisher{}, a)
	if err == nil {
		t.Fatal("expected an error for an unknown agent type")
	}
}
