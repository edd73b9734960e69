package executor

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/delidev/core/internal/agent/docker"
	"github.com/delidev/core/internal/agent/registry"
)

// dockerAdapter satisfies DockerSpawner in terms of the real docker.Client,
// translating between this package's transport-agnostic ContainerSpec and
// the Docker SDK's ContainerConfig.
type dockerAdapter struct {
	client *docker.Client
}

// NewDockerSpawner wraps a docker.Client as a DockerSpawner, the only seam
// the engine needs to run agents in containers.
func NewDockerSpawner(client *docker.Client) DockerSpawner {
	return &dockerAdapter{client: client}
}

func (a *dockerAdapter) CreateContainerInteractive(ctx context.Context, spec ContainerSpec) (string, error) {
	mounts := make([]docker.MountConfig, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, docker.MountConfig{Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly})
	}
	return a.client.CreateContainerInteractive(ctx, docker.ContainerConfig{
		Name:        spec.Name,
		Image:       spec.Image,
		Cmd:         spec.Cmd,
		Env:         spec.Env,
		WorkingDir:  spec.WorkingDir,
		Mounts:      mounts,
		NetworkMode: spec.NetworkMode,
		Memory:      spec.Memory,
		CPUQuota:    spec.CPUQuota,
		Labels:      spec.Labels,
		AutoRemove:  spec.AutoRemove,
	})
}

func (a *dockerAdapter) StartContainer(ctx context.Context, containerID string) error {
	return a.client.StartContainer(ctx, containerID)
}

func (a *dockerAdapter) AttachContainer(ctx context.Context, containerID string) (Attachment, error) {
	res, err := a.client.AttachContainer(ctx, containerID)
	if err != nil {
		return nil, err
	}
	return &attachment{result: res}, nil
}

func (a *dockerAdapter) WaitContainer(ctx context.Context, containerID string) (int64, error) {
	return a.client.WaitContainer(ctx, containerID)
}

func (a *dockerAdapter) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	return a.client.StopContainer(ctx, containerID, timeout)
}

func (a *dockerAdapter) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	return a.client.RemoveContainer(ctx, containerID, force)
}

// attachment adapts docker.AttachResult to the Attachment interface: writes
// go to the container's stdin, StdoutReader exposes its already-demultiplexed
// combined stdout/stderr stream.
type attachment struct {
	result *docker.AttachResult
}

func (a *attachment) Write(p []byte) (int, error) { return a.result.Stdin.Write(p) }
func (a *attachment) StdoutReader() io.Reader      { return a.result.Stdout }
func (a *attachment) Close() error                 { return a.result.Stdin.Close() }

// containerName derives a stable, collision-resistant container name from a
// unit task id so repeated sessions for the same task are easy to spot with
// `docker ps`.
func containerName(unitTaskID string) string {
	return "delidev-agent-" + unitTaskID
}

// spawnContainer runs an agent type's image as a detached container attached
// over stdio, for agent types that require filesystem or network isolation
// beyond what a local subprocess gives.
func (e *Engine) spawnContainer(ctx context.Context, agentCfg *registry.AgentTypeConfig, workDir string, env map[string]string) (*process, error) {
	if agentCfg.Image == "" {
		return nil, fmt.Errorf("agent type %q has no container image configured", agentCfg.ID)
	}

	image := agentCfg.Image
	if agentCfg.Tag != "" {
		image = image + ":" + agentCfg.Tag
	}

	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	mounts := make([]MountSpec, 0, len(agentCfg.Mounts)+1)
	mounts = append(mounts, MountSpec{Source: workDir, Target: "/workspace"})
	for _, m := range agentCfg.Mounts {
		mounts = append(mounts, MountSpec{Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly})
	}

	spec := ContainerSpec{
		Name:       containerName(agentCfg.ID),
		Image:      image,
		Cmd:        agentCfg.Cmd,
		Env:        envList,
		WorkingDir: "/workspace",
		Mounts:     mounts,
		Memory:     agentCfg.ResourceLimits.MemoryMB * 1024 * 1024,
		Labels:     map[string]string{"delidev.agent_type": agentCfg.ID},
		AutoRemove: true,
	}

	containerID, err := e.docker.CreateContainerInteractive(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	attach, err := e.docker.AttachContainer(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("attach container: %w", err)
	}

	if err := e.docker.StartContainer(ctx, containerID); err != nil {
		_ = attach.Close()
		return nil, fmt.Errorf("start container: %w", err)
	}

	spawner := e.docker
	return &process{
		stdin:  attach,
		stdout: attach.StdoutReader(),
		wait: func() error {
			exitCode, err := spawner.WaitContainer(context.Background(), containerID)
			if err != nil {
				return err
			}
			if exitCode != 0 {
				return fmt.Errorf("container exited with code %d", exitCode)
			}
			return nil
		},
		cancel: func() {
			_ = spawner.StopContainer(context.Background(), containerID, 10*time.Second)
		},
		kill: func() {
			_ = spawner.RemoveContainer(context.Background(), containerID, true)
		},
	}, nil
}
