package workspace

import "errors"

var (
	// ErrNotFound is returned when no workspace is allocated for a task.
	ErrNotFound = errors.New("workspace not found")

	// ErrRepoNotGit is returned when the repository path is not a git repository.
	ErrRepoNotGit = errors.New("repository is not a git repository")

	// ErrInvalidBaseBranch is returned when the requested base branch does not exist.
	ErrInvalidBaseBranch = errors.New("base branch does not exist")

	// ErrGitCommandFailed wraps a failed git invocation; the underlying output is attached via fmt.Errorf.
	ErrGitCommandFailed = errors.New("git command failed")
)
