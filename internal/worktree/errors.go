package worktree

import "errors"

// Sentinel errors, matching the teacher's internal/worktree/errors.go idiom of
// plain errors.New values wrapped with %w at call sites.
var (
	ErrWorktreeExists    = errors.New("worktree: branch already has a live worktree")
	ErrWorktreeNotFound  = errors.New("worktree: not found")
	ErrRepoNotGit        = errors.New("worktree: path is not a git repository")
	ErrBranchExists      = errors.New("worktree: branch already exists")
	ErrInvalidBaseBranch = errors.New("worktree: invalid base branch")
	ErrGitCommandFailed  = errors.New("worktree: git command failed")
	ErrMergeConflict     = errors.New("worktree: merge produced conflicts")
)
