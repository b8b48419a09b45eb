// Package worktree implements git worktree lifecycle management and the
// process-wide merge lock that serializes integration into mainline
// (spec.md §4.3, Worktree Manager / C3).
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/common/logger"
)

// CreateResult is returned by CreateWorktree.
type CreateResult struct {
	WorktreePath string
	BranchName   string
}

// MergeResult is returned by MergeMainIntoWorktree.
type MergeResult struct {
	Clean     bool
	Conflicts []string
}

// RemoveResult is returned by RemoveWorktree. Both fields are reported, never
// escalated to an error, per spec.md §4.3.
type RemoveResult struct {
	WorktreeRemoved bool
	BranchDeleted   bool
}

// Manager implements the Worktree Manager component (C3), grounded on the
// teacher's internal/worktree/manager.go for the git-shelling idiom
// (newNonInteractiveGitCmd + CombinedOutput + wrapped sentinel errors).
type Manager struct {
	cfg       Config
	log       *logger.Logger
	mergeLock *mergeLock
}

// NewManager constructs a Manager for cfg.
func NewManager(cfg Config, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		cfg:       cfg,
		log:       log.WithFields(zap.String("component", "worktree-manager")),
		mergeLock: newMergeLock(),
	}
}

// newNonInteractiveGitCmd builds a git command with the environment
// configured to never prompt for credentials, matching the teacher's helper
// of the same name in internal/worktree/manager.go.
func newNonInteractiveGitCmd(ctx context.Context, dir string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GCM_INTERACTIVE=Never",
		"GIT_ASKPASS=echo",
		"SSH_ASKPASS=/bin/false",
		"GIT_SSH_COMMAND=ssh -oBatchMode=yes",
	)
	return cmd
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := newNonInteractiveGitCmd(ctx, dir, args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// CreateWorktree implements spec.md §4.3 createWorktree: if the branch
// already exists from a crashed prior run, prune and force-delete it first,
// then `git worktree add`.
func (m *Manager) CreateWorktree(ctx context.Context, runID string) (*CreateResult, error) {
	branch := m.cfg.BranchName(runID)
	path := m.cfg.WorktreePath(runID)

	if m.branchExists(ctx, branch) {
		m.log.Warn("branch already exists, cleaning up crash leftover", zap.String("branch", branch))
		_, _ = runGit(ctx, m.cfg.RepoPath, "worktree", "prune")
		_, _ = runGit(ctx, m.cfg.RepoPath, "branch", "-D", branch)
	}

	if _, err := os.Stat(filepath.Dir(path)); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("worktree: create worktrees dir: %w", err)
		}
	}

	out, err := runGit(ctx, m.cfg.RepoPath, "worktree", "add", path, "-b", branch)
	if err != nil {
		return nil, fmt.Errorf("%w: git worktree add: %s: %w", ErrGitCommandFailed, strings.TrimSpace(out), err)
	}

	m.log.Info("worktree created", zap.String("branch", branch), zap.String("path", path))
	return &CreateResult{WorktreePath: path, BranchName: branch}, nil
}

func (m *Manager) branchExists(ctx context.Context, branch string) bool {
	_, err := runGit(ctx, m.cfg.RepoPath, "rev-parse", "--verify", branch)
	return err == nil
}

// MergeMainIntoWorktree runs `git merge main --no-edit` inside worktreePath.
func (m *Manager) MergeMainIntoWorktree(ctx context.Context, worktreePath string) (*MergeResult, error) {
	out, err := runGit(ctx, worktreePath, "merge", "main", "--no-edit")
	if err == nil {
		return &MergeResult{Clean: true}, nil
	}

	conflicts, cErr := runGit(ctx, worktreePath, "diff", "--name-only", "--diff-filter=U")
	if cErr != nil {
		return nil, fmt.Errorf("%w: merge failed and could not list conflicts: %s: %w", ErrGitCommandFailed, strings.TrimSpace(out), err)
	}
	var paths []string
	for _, line := range strings.Split(strings.TrimSpace(conflicts), "\n") {
		if line != "" {
			paths = append(paths, line)
		}
	}
	return &MergeResult{Clean: false, Conflicts: paths}, nil
}

// MergeWorktreeIntoMain merges branchName into main inside repoPath. Callers
// must hold the merge lock (see WithMergeLock) before calling this.
func (m *Manager) MergeWorktreeIntoMain(ctx context.Context, branchName string) error {
	out, err := runGit(ctx, m.cfg.RepoPath, "merge", branchName, "--no-edit")
	if err != nil {
		return fmt.Errorf("%w: git merge %s into main: %s: %w", ErrGitCommandFailed, branchName, strings.TrimSpace(out), err)
	}
	return nil
}

// AbortMerge runs `git merge --abort`, ignoring its exit code: it may
// legitimately fail when no merge is in progress.
func (m *Manager) AbortMerge(ctx context.Context, worktreePath string) {
	_, _ = runGit(ctx, worktreePath, "merge", "--abort")
}

// RemoveWorktree force-removes the directory and force-deletes the branch.
// Both outcomes are reported but this never returns an error, per spec.md §4.3.
func (m *Manager) RemoveWorktree(ctx context.Context, worktreePath, branchName string) RemoveResult {
	var res RemoveResult

	if _, err := runGit(ctx, m.cfg.RepoPath, "worktree", "remove", "--force", worktreePath); err == nil {
		res.WorktreeRemoved = true
	} else {
		m.log.Warn("git worktree remove failed, force-removing directory", zap.Error(err))
		if rmErr := os.RemoveAll(worktreePath); rmErr == nil {
			res.WorktreeRemoved = true
			_, _ = runGit(ctx, m.cfg.RepoPath, "worktree", "prune")
		}
	}

	if _, err := runGit(ctx, m.cfg.RepoPath, "branch", "-D", branchName); err == nil {
		res.BranchDeleted = true
	}

	m.log.Info("worktree removed",
		zap.String("branch", branchName),
		zap.Bool("worktreeRemoved", res.WorktreeRemoved),
		zap.Bool("branchDeleted", res.BranchDeleted))
	return res
}

// porcelainEntry describes one line of `git worktree list --porcelain`.
type porcelainEntry struct {
	path   string
	branch string
}

// PruneStaleWorktrees is the startup-only sweep described in spec.md §4.3 and
// §3's bijection invariant: every worktree under WorktreesDir is force
// removed along with its branch, restoring the "directory exists iff branch
// exists" invariant after an unclean process exit.
func (m *Manager) PruneStaleWorktrees(ctx context.Context) error {
	out, err := runGit(ctx, m.cfg.RepoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return fmt.Errorf("%w: list worktrees: %w", ErrGitCommandFailed, err)
	}

	absWorktreesDir, err := filepath.Abs(m.cfg.WorktreesDir)
	if err != nil {
		return err
	}

	for _, entry := range parsePorcelain(out) {
		absPath, err := filepath.Abs(entry.path)
		if err != nil {
			continue
		}
		if !strings.HasPrefix(absPath, absWorktreesDir) {
			continue
		}
		m.log.Warn("pruning stale worktree from prior run", zap.String("path", entry.path), zap.String("branch", entry.branch))
		m.RemoveWorktree(ctx, entry.path, entry.branch)
	}
	return nil
}

func parsePorcelain(out string) []porcelainEntry {
	var entries []porcelainEntry
	var cur porcelainEntry
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			if cur.path != "" {
				entries = append(entries, cur)
			}
			cur = porcelainEntry{path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch "):
			cur.branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "":
			if cur.path != "" {
				entries = append(entries, cur)
				cur = porcelainEntry{}
			}
		}
	}
	if cur.path != "" {
		entries = append(entries, cur)
	}
	return entries
}

// IsClean implements the resolver's deterministic git-state check (spec.md
// §4.5): MERGE_HEAD absent, `git status --porcelain` empty, and no conflict
// markers found by `git grep`.
func (m *Manager) IsClean(ctx context.Context, worktreePath string) (bool, string, error) {
	// worktreePath/.git is a file pointing at <repo>/.git/worktrees/<name>, not
	// a directory, so MERGE_HEAD must be resolved through git itself rather
	// than hard-coded as worktreePath/.git/MERGE_HEAD.
	mergeHeadPath, err := runGit(ctx, worktreePath, "rev-parse", "--git-path", "MERGE_HEAD")
	if err != nil {
		return false, "", fmt.Errorf("%w: git rev-parse --git-path MERGE_HEAD: %w", ErrGitCommandFailed, err)
	}
	mergeHeadPath = strings.TrimSpace(mergeHeadPath)
	if !filepath.IsAbs(mergeHeadPath) {
		mergeHeadPath = filepath.Join(worktreePath, mergeHeadPath)
	}
	if _, err := os.Stat(mergeHeadPath); err == nil {
		return false, "merge in progress (MERGE_HEAD present)", nil
	}

	status, err := runGit(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return false, "", fmt.Errorf("%w: git status: %w", ErrGitCommandFailed, err)
	}
	if strings.TrimSpace(status) != "" {
		return false, status, nil
	}

	var out bytes.Buffer
	cmd := newNonInteractiveGitCmd(ctx, worktreePath, "grep", "-n", "-E", `^(<<<<<<<|=======|>>>>>>>)`)
	cmd.Stdout = &out
	runErr := cmd.Run()
	// git grep exits 1 when there are no matches; that is the clean case.
	if runErr == nil && out.Len() > 0 {
		return false, out.String(), nil
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok && exitErr.ExitCode() != 1 {
		return false, "", fmt.Errorf("%w: git grep: %w", ErrGitCommandFailed, runErr)
	}

	return true, "", nil
}

// WithMergeLock runs fn while holding the process-wide FIFO merge lock,
// guaranteeing release even if fn panics (spec.md §3 MergeLock invariant).
func (m *Manager) WithMergeLock(ctx context.Context, fn func() error) error {
	return m.mergeLock.run(ctx, fn)
}
