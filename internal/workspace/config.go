// Package workspace implements the WorkspaceManager: allocation, release, and
// orphan-sweeping of per-task git worktrees.
package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config controls where workspaces live on disk and how often sweep runs.
type Config struct {
	// BasePath is the root directory holding one subdirectory per active task.
	// Supports ~ expansion. Default: ~/.delidev/workspaces
	BasePath string `mapstructure:"base_path"`

	// PlanningSubdir holds workspaces allocated for composite-task planning
	// sessions, kept separate from unit-task execution workspaces so sweep
	// can apply different liveness rules to each.
	PlanningSubdir string `mapstructure:"planning_subdir"`

	// SweepInterval is how often the background reaper runs. Default: 1h.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// BranchPrefix namespaces branches this manager creates. Default: delidev/
	BranchPrefix string `mapstructure:"branch_prefix"`
}

const (
	defaultBasePath      = "~/.delidev/workspaces"
	defaultPlanningDir   = "planning"
	defaultSweepInterval = time.Hour
	defaultBranchPrefix  = "delidev/"
)

// Validate fills in defaults and checks invariants.
func (c *Config) Validate() error {
	if c.BasePath == "" {
		c.BasePath = defaultBasePath
	}
	if c.PlanningSubdir == "" {
		c.PlanningSubdir = defaultPlanningDir
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.BranchPrefix == "" {
		c.BranchPrefix = defaultBranchPrefix
	}
	return nil
}

// ExpandedBasePath resolves ~ to the user's home directory.
func (c *Config) ExpandedBasePath() (string, error) {
	path := c.BasePath
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	return path, nil
}

// TaskPath returns the execution workspace directory for a task.
func (c *Config) TaskPath(taskID string) (string, error) {
	base, err := c.ExpandedBasePath()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, taskID), nil
}

// PlanningPath returns the planning workspace directory for a composite task.
func (c *Config) PlanningPath(compositeTaskID string) (string, error) {
	base, err := c.ExpandedBasePath()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, c.PlanningSubdir, compositeTaskID), nil
}
