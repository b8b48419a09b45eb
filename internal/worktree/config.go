package worktree

import (
	"crypto/rand"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// DefaultBranchPrefix is used when Config.BranchPrefix is empty.
const DefaultBranchPrefix = "task/"

const branchSuffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

var nonAlnumRun = regexp.MustCompile(`[^a-z0-9]+`)
var trimDashes = regexp.MustCompile(`^-+|-+$`)

// Config describes where worktrees live and how branches derived from run ids
// are named. One-to-one with spec.md §3's Worktree bijection invariant:
// branch `task/ABC` maps to directory `<worktrees>/task-ABC`.
type Config struct {
	RepoPath     string `mapstructure:"repo_path"`
	WorktreesDir string `mapstructure:"worktrees_dir"`
	BranchPrefix string `mapstructure:"branch_prefix"`
}

// NormalizedPrefix returns BranchPrefix or DefaultBranchPrefix if unset.
func (c Config) NormalizedPrefix() string {
	if c.BranchPrefix == "" {
		return DefaultBranchPrefix
	}
	return c.BranchPrefix
}

// BranchName returns the branch name for a run id, e.g. "task/ab12cd".
func (c Config) BranchName(runID string) string {
	return c.NormalizedPrefix() + ShortID(runID)
}

// WorktreePath returns the worktree directory for a run id, derived from the
// branch name by replacing "/" with "-", per the Worktree bijection invariant.
func (c Config) WorktreePath(runID string) string {
	dirName := strings.ReplaceAll(c.BranchName(runID), "/", "-")
	return filepath.Join(c.WorktreesDir, dirName)
}

// ShortID truncates a run id down to a short, branch-safe token.
func ShortID(runID string) string {
	id := strings.ToLower(runID)
	id = nonAlnumRun.ReplaceAllString(id, "-")
	id = trimDashes.ReplaceAllString(id, "")
	if len(id) > 12 {
		id = id[:12]
	}
	if id == "" {
		id = randomSuffix(6)
	}
	return id
}

func randomSuffix(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "xxxxxx"[:n]
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = branchSuffixAlphabet[int(b)%len(branchSuffixAlphabet)]
	}
	return string(out)
}

// Validate reports configuration problems as a single error, if any.
func (c Config) Validate() error {
	if c.RepoPath == "" {
		return fmt.Errorf("worktree: repo_path is required")
	}
	if c.WorktreesDir == "" {
		return fmt.Errorf("worktree: worktrees_dir is required")
	}
	return nil
}
