package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/delidev/core/internal/agent/registry"
)

// spawnLocal runs an agent type's command as a plain subprocess in workDir,
// the default runtime when no container isolation is configured.
func (e *Engine) spawnLocal(ctx context.Context, agentCfg *registry.AgentTypeConfig, workDir string, env map[string]string) (*process, error) {
	args := agentCfg.Cmd
	if len(args) == 0 {
		args = agentCfg.Entrypoint
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("agent type %q has no cmd or entrypoint", agentCfg.ID)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = workDir
	if agentCfg.WorkingDir != "" {
		cmd.Dir = agentCfg.WorkingDir
	}

	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("attach stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attach stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	var waitOnce sync.Once
	var waitErr error
	wait := func() error {
		waitOnce.Do(func() { waitErr = cmd.Wait() })
		return waitErr
	}

	return &process{
		stdin:  stdin,
		stdout: stdout,
		wait:   wait,
		cancel: func() {
			if cmd.Process != nil {
				_ = cmd.Process.Signal(syscall.SIGTERM)
			}
		},
		kill: func() {
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		},
	}, nil
}
