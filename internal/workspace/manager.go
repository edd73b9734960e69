package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/delidev/core/internal/common/logger"
	"github.com/delidev/core/internal/task/models"
)

const (
	defaultGitFetchTimeout = 8 * time.Second
	defaultGitPullTimeout  = 8 * time.Second
)

// RepositoryLookup resolves a repository id to its on-disk checkout, the only
// piece of the store contract the manager needs.
type RepositoryLookup interface {
	GetRepository(ctx context.Context, id string) (*models.Repository, error)
}

// ActiveTaskLister supplies the reachability root sweep uses to tell live
// workspaces from orphans: any task not in this set is fair game to reap.
type ActiveTaskLister interface {
	ActiveTaskIDs(ctx context.Context) ([]string, error)
	ListCompositeTasks(ctx context.Context, f models.ListFilter) (models.Page[*models.CompositeTask], error)
}

type repoLockEntry struct {
	mu       *sync.Mutex
	refCount int
}

// Manager allocates, releases, and sweeps per-task git worktrees. One
// worktree exists per active unit task, keyed by task id rather than by
// session, so a task's workspace survives across retried agent sessions.
type Manager struct {
	config Config
	logger *logger.Logger
	repos  RepositoryLookup
	active ActiveTaskLister

	mu         sync.RWMutex
	workspaces map[string]*models.Workspace // taskID -> workspace

	repoLockMu sync.Mutex
	repoLocks  map[string]*repoLockEntry

	fetchTimeout time.Duration
	pullTimeout  time.Duration

	stopSweep chan struct{}
}

// NewManager constructs a Manager and ensures its base directories exist.
func NewManager(cfg Config, repos RepositoryLookup, active ActiveTaskLister, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}

	basePath, err := cfg.ExpandedBasePath()
	if err != nil {
		return nil, fmt.Errorf("expand base path: %w", err)
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace base directory: %w", err)
	}
	planningPath := filepath.Join(basePath, cfg.PlanningSubdir)
	if err := os.MkdirAll(planningPath, 0o755); err != nil {
		return nil, fmt.Errorf("create planning workspace directory: %w", err)
	}

	return &Manager{
		config:       cfg,
		logger:       log.WithFields(zap.String("component", "workspace-manager")),
		repos:        repos,
		active:       active,
		workspaces:   make(map[string]*models.Workspace),
		repoLocks:    make(map[string]*repoLockEntry),
		fetchTimeout: defaultGitFetchTimeout,
		pullTimeout:  defaultGitPullTimeout,
		stopSweep:    make(chan struct{}),
	}, nil
}

// Start runs an immediate sweep followed by one every config.SweepInterval,
// until ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	if err := m.Sweep(ctx); err != nil {
		m.logger.Warn("startup sweep failed", zap.Error(err))
	}
	ticker := time.NewTicker(m.config.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopSweep:
				return
			case <-ticker.C:
				if err := m.Sweep(ctx); err != nil {
					m.logger.Warn("periodic sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop halts the background sweep goroutine started by Start.
func (m *Manager) Stop() {
	close(m.stopSweep)
}

func (m *Manager) getRepoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()
	if entry, ok := m.repoLocks[repoPath]; ok {
		entry.refCount++
		return entry.mu
	}
	entry := &repoLockEntry{mu: &sync.Mutex{}, refCount: 1}
	m.repoLocks[repoPath] = entry
	return entry.mu
}

func (m *Manager) releaseRepoLock(repoPath string) {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()
	entry, ok := m.repoLocks[repoPath]
	if !ok {
		return
	}
	entry.refCount--
	if entry.refCount <= 0 {
		delete(m.repoLocks, repoPath)
	}
}

// Allocate creates (or returns the existing) worktree for taskID, branched
// from baseBranch off repositoryID's checkout. Returns the existing
// workspace unchanged if one is already allocated and still valid on disk.
func (m *Manager) Allocate(ctx context.Context, taskID, repositoryID, baseBranch, newBranch string) (*models.Workspace, error) {
	if ws, ok := m.Inspect(taskID); ok && m.isValid(ws.Path) {
		return ws, nil
	}

	repo, err := m.repos.GetRepository(ctx, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("lookup repository: %w", err)
	}
	if !m.isGitRepo(repo.LocalPath) {
		return nil, ErrRepoNotGit
	}

	repoLock := m.getRepoLock(repo.LocalPath)
	repoLock.Lock()
	defer func() {
		repoLock.Unlock()
		m.releaseRepoLock(repo.LocalPath)
	}()

	if baseBranch == "" {
		baseBranch = repo.DefaultBranch
	}
	resolvedBase := m.pullBaseBranch(repo.LocalPath, baseBranch)
	if !m.branchExists(repo.LocalPath, resolvedBase) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBaseBranch, resolvedBase)
	}

	if newBranch == "" {
		newBranch = models.DerivedBranchName(taskID)
	}

	worktreePath, err := m.config.TaskPath(taskID)
	if err != nil {
		return nil, fmt.Errorf("resolve task path: %w", err)
	}

	if err := m.gitAddWorktree(ctx, repo.LocalPath, newBranch, worktreePath, resolvedBase); err != nil {
		return nil, err
	}

	baseCommit := m.revParse(repo.LocalPath, resolvedBase)

	ws := &models.Workspace{
		TaskID:     taskID,
		Path:       worktreePath,
		BaseCommit: baseCommit,
		BranchName: newBranch,
		CreatedAt:  time.Now().UTC(),
	}

	m.mu.Lock()
	m.workspaces[taskID] = ws
	m.mu.Unlock()

	m.logger.Info("allocated workspace",
		zap.String("task_id", taskID),
		zap.String("repository_id", repositoryID),
		zap.String("path", worktreePath),
		zap.String("branch", newBranch))

	return ws, nil
}

// AllocatePlanning allocates a workspace for a composite task's planning
// session, under the manager's planning subdirectory so sweep can apply the
// composite-task reachability rule to it separately from unit-task workspaces.
func (m *Manager) AllocatePlanning(ctx context.Context, compositeTaskID, repositoryID, baseBranch string) (*models.Workspace, error) {
	key := planningKey(compositeTaskID)
	if ws, ok := m.Inspect(key); ok && m.isValid(ws.Path) {
		return ws, nil
	}

	repo, err := m.repos.GetRepository(ctx, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("lookup repository: %w", err)
	}
	if !m.isGitRepo(repo.LocalPath) {
		return nil, ErrRepoNotGit
	}

	repoLock := m.getRepoLock(repo.LocalPath)
	repoLock.Lock()
	defer func() {
		repoLock.Unlock()
		m.releaseRepoLock(repo.LocalPath)
	}()

	if baseBranch == "" {
		baseBranch = repo.DefaultBranch
	}
	resolvedBase := m.pullBaseBranch(repo.LocalPath, baseBranch)
	if !m.branchExists(repo.LocalPath, resolvedBase) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBaseBranch, resolvedBase)
	}

	planningPath, err := m.config.PlanningPath(compositeTaskID)
	if err != nil {
		return nil, fmt.Errorf("resolve planning path: %w", err)
	}

	// Planning workspaces are read-only inspection checkouts: no branch is
	// created, HEAD is simply detached at the resolved base ref.
	if err := m.gitAddDetachedWorktree(ctx, repo.LocalPath, planningPath, resolvedBase); err != nil {
		return nil, err
	}

	ws := &models.Workspace{
		TaskID:     key,
		Path:       planningPath,
		BaseCommit: m.revParse(repo.LocalPath, resolvedBase),
		CreatedAt:  time.Now().UTC(),
	}

	m.mu.Lock()
	m.workspaces[key] = ws
	m.mu.Unlock()

	return ws, nil
}

func planningKey(compositeTaskID string) string { return "planning/" + compositeTaskID }

// Inspect returns the cached workspace record for a task, if any.
func (m *Manager) Inspect(taskID string) (*models.Workspace, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, ok := m.workspaces[taskID]
	return ws, ok
}

// Release removes the worktree and branch backing taskID. It is a no-op if
// the task has no allocated workspace.
func (m *Manager) Release(ctx context.Context, taskID, repositoryPath string) error {
	ws, ok := m.Inspect(taskID)
	if !ok {
		return nil
	}

	repoLock := m.getRepoLock(repositoryPath)
	repoLock.Lock()
	defer func() {
		repoLock.Unlock()
		m.releaseRepoLock(repositoryPath)
	}()

	if err := m.removeWorktreeDir(ctx, ws.Path, repositoryPath); err != nil {
		m.logger.Warn("failed to remove workspace directory",
			zap.String("task_id", taskID), zap.String("path", ws.Path), zap.Error(err))
	}

	if ws.BranchName != "" {
		cmd := exec.CommandContext(ctx, "git", "branch", "-D", ws.BranchName)
		cmd.Dir = repositoryPath
		if output, err := cmd.CombinedOutput(); err != nil {
			m.logger.Debug("failed to delete workspace branch",
				zap.String("branch", ws.BranchName), zap.String("output", string(output)), zap.Error(err))
		}
	}

	m.mu.Lock()
	delete(m.workspaces, taskID)
	m.mu.Unlock()

	m.logger.Info("released workspace", zap.String("task_id", taskID), zap.String("path", ws.Path))
	return nil
}

// Sweep reaps orphaned workspace directories: execution workspaces whose
// task id is not in the active set, and planning workspaces whose composite
// task is no longer Planning or PendingApproval.
func (m *Manager) Sweep(ctx context.Context) error {
	basePath, err := m.config.ExpandedBasePath()
	if err != nil {
		return fmt.Errorf("expand base path: %w", err)
	}

	activeIDs, err := m.active.ActiveTaskIDs(ctx)
	if err != nil {
		return fmt.Errorf("list active task ids: %w", err)
	}
	activeSet := make(map[string]bool, len(activeIDs))
	for _, id := range activeIDs {
		activeSet[id] = true
	}

	if err := m.sweepDir(basePath, func(name string) bool { return activeSet[name] }, m.config.PlanningSubdir); err != nil {
		return err
	}

	planningPath := filepath.Join(basePath, m.config.PlanningSubdir)
	planningActive, err := m.activePlanningTasks(ctx)
	if err != nil {
		return fmt.Errorf("list active composite tasks: %w", err)
	}
	return m.sweepDir(planningPath, func(name string) bool { return planningActive[name] }, "")
}

func (m *Manager) activePlanningTasks(ctx context.Context) (map[string]bool, error) {
	out := make(map[string]bool)
	page, err := m.active.ListCompositeTasks(ctx, models.ListFilter{})
	if err != nil {
		return nil, err
	}
	for _, c := range page.Items {
		if c.Status == models.CompositePlanning || c.Status == models.CompositePendingApproval {
			out[c.ID] = true
		}
	}
	return out, nil
}

func (m *Manager) sweepDir(dir string, keep func(name string) bool, skipSubdir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read workspace directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == skipSubdir {
			continue
		}
		if keep(entry.Name()) {
			continue
		}
		orphanPath := filepath.Join(dir, entry.Name())
		m.logger.Info("reaping orphaned workspace", zap.String("path", orphanPath))
		if err := os.RemoveAll(orphanPath); err != nil {
			m.logger.Warn("failed to reap orphaned workspace", zap.String("path", orphanPath), zap.Error(err))
		}
		m.mu.Lock()
		delete(m.workspaces, entry.Name())
		m.mu.Unlock()
	}
	return nil
}

func (m *Manager) isValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

func (m *Manager) isGitRepo(path string) bool {
	gitDir := filepath.Join(path, ".git")
	info, err := os.Stat(gitDir)
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

func (m *Manager) branchExists(repoPath, branch string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", branch)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

func (m *Manager) currentBranch(repoPath string) string {
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = repoPath
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}

func (m *Manager) revParse(repoPath, ref string) string {
	cmd := exec.Command("git", "rev-parse", ref)
	cmd.Dir = repoPath
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}

func (m *Manager) newNonInteractiveGitCmd(ctx context.Context, repoPath string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoPath
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GCM_INTERACTIVE=Never",
		"GIT_ASKPASS=echo",
		"SSH_ASKPASS=/bin/false",
		"GIT_SSH_COMMAND=ssh -oBatchMode=yes",
	)
	cmd.WaitDelay = 500 * time.Millisecond
	return cmd
}

func classifyGitFallbackReason(cmdErr error, cmdOutput string, ctxErr error) string {
	if errors.Is(ctxErr, context.DeadlineExceeded) || errors.Is(cmdErr, context.DeadlineExceeded) {
		return "timeout"
	}
	out := strings.ToLower(cmdOutput)
	if strings.Contains(out, "authentication failed") ||
		strings.Contains(out, "terminal prompts disabled") ||
		strings.Contains(out, "could not read username") ||
		strings.Contains(out, "askpass") {
		return "non_interactive_auth_failed"
	}
	return "git_command_failed"
}

// pullBaseBranch fetches origin and returns the best ref to branch from,
// falling back to the requested ref unmodified if the fetch/pull fails.
func (m *Manager) pullBaseBranch(repoPath, baseBranch string) string {
	localBranch := strings.TrimPrefix(baseBranch, "origin/")
	isRemoteRef := localBranch != baseBranch

	fetchCtx, cancel := context.WithTimeout(context.Background(), m.fetchTimeout)
	defer cancel()

	fetchArgs := []string{"fetch", "origin"}
	if localBranch != "" {
		fetchArgs = append(fetchArgs, localBranch)
	}
	fetchCmd := m.newNonInteractiveGitCmd(fetchCtx, repoPath, fetchArgs...)
	if output, err := fetchCmd.CombinedOutput(); err != nil {
		m.logger.Warn("git fetch failed before workspace allocation; continuing with fallback ref",
			zap.String("branch", baseBranch),
			zap.String("reason", classifyGitFallbackReason(err, string(output), fetchCtx.Err())),
			zap.Error(err))
		return baseBranch
	}

	if isRemoteRef {
		return "origin/" + localBranch
	}

	remoteRef := "origin/" + localBranch
	if m.currentBranch(repoPath) == baseBranch {
		pullCtx, cancel := context.WithTimeout(context.Background(), m.pullTimeout)
		defer cancel()
		pullCmd := m.newNonInteractiveGitCmd(pullCtx, repoPath, "pull", "--ff-only", "origin", baseBranch)
		if output, err := pullCmd.CombinedOutput(); err != nil {
			m.logger.Warn("git pull failed before workspace allocation; continuing with remote ref",
				zap.String("branch", baseBranch),
				zap.String("reason", classifyGitFallbackReason(err, string(output), pullCtx.Err())),
				zap.Error(err))
			return remoteRef
		}
		return baseBranch
	}

	if m.branchExists(repoPath, remoteRef) {
		return remoteRef
	}
	return baseBranch
}

func (m *Manager) gitAddWorktree(ctx context.Context, repoPath, branchName, worktreePath, baseRef string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branchName, worktreePath, baseRef)
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Error("git worktree add failed", zap.String("output", string(output)), zap.Error(err))
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, string(output))
	}
	return nil
}

func (m *Manager) gitAddDetachedWorktree(ctx context.Context, repoPath, worktreePath, baseRef string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "--detach", worktreePath, baseRef)
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Error("git worktree add --detach failed", zap.String("output", string(output)), zap.Error(err))
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, string(output))
	}
	return nil
}

func (m *Manager) removeWorktreeDir(ctx context.Context, worktreePath, repoPath string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", worktreePath)
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm", zap.String("output", string(output)), zap.Error(err))
		if err := m.forceRemoveDir(ctx, worktreePath); err != nil {
			return err
		}
		pruneCmd := exec.CommandContext(ctx, "git", "worktree", "prune")
		pruneCmd.Dir = repoPath
		if err := pruneCmd.Run(); err != nil {
			m.logger.Debug("git worktree prune failed", zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) forceRemoveDir(ctx context.Context, dir string) error {
	const maxRetries = 3
	const retryDelay = 200 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		if err := os.RemoveAll(dir); err == nil {
			return nil
		}
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}

	cmd := exec.CommandContext(ctx, "rm", "-rf", dir)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("rm -rf failed: %w (output: %s)", err, string(output))
	}
	return nil
}
