package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kandev/ralph/internal/bus"
	"github.com/kandev/ralph/internal/common/logger"
	"github.com/kandev/ralph/internal/session"
	"github.com/kandev/ralph/internal/worktree"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "init")
	return dir
}

func newManager(t *testing.T, repo string) *worktree.Manager {
	t.Helper()
	cfg := worktree.Config{RepoPath: repo, WorktreesDir: filepath.Join(repo, ".ralph", "worktrees"), BranchPrefix: "ralph"}
	return worktree.NewManager(cfg, nil)
}

func TestRun_HappyPath_DoneOnFirstIteration(t *testing.T) {
	repo := initRepo(t)
	mgr := newManager(t, repo)
	b := bus.NewMemoryBus(nil)
	defer b.Close()

	var tags []bus.Tag
	b.SubscribeAll(func(ctx context.Context, e bus.Event) { tags = append(tags, e.Type) })

	runner := func(ctx context.Context, opts session.Options, log *logger.Logger) (*session.Result, error) {
		if opts.Phase == session.PhaseValidator {
			return &session.Result{Output: "all good\nVERDICT: DONE"}, nil
		}
		return &session.Result{Output: "did work"}, nil
	}

	out, err := Run(context.Background(), Options{
		RunID:         "r1",
		Prompt:        "do the thing",
		MaxIterations: 5,
		Worktree:      mgr,
		Publisher:     bus.NewTaggedPublisher(b, "r1"),
		Runner:        runner,
		AcquireHandles: func(ctx context.Context, worktreePath string) (Handles, error) {
			return Handles{}, nil
		},
	}, nil)

	require.NoError(t, err)
	require.True(t, out.Done)
	require.Equal(t, 1, out.Iterations)

	require.Contains(t, tags, bus.TagRalphStarted)
	require.Contains(t, tags, bus.TagWorktreeCreated)
	require.Contains(t, tags, bus.TagLoopDone)
	require.Contains(t, tags, bus.TagWorktreeMerged)
	require.Contains(t, tags, bus.TagWorktreeRemoved)
	require.Contains(t, tags, bus.TagRalphCompleted)

	// The fake worker commits nothing, so the merge leaves main's tip as it
	// was; main must still have a readable HEAD afterwards.
	cmd := exec.Command("git", "log", "--oneline", "-1")
	cmd.Dir = repo
	cmdOut, cmdErr := cmd.CombinedOutput()
	require.NoError(t, cmdErr)
	require.NotEmpty(t, cmdOut)
}

func TestRun_MaxIterationsReached(t *testing.T) {
	repo := initRepo(t)
	mgr := newManager(t, repo)
	b := bus.NewMemoryBus(nil)
	defer b.Close()

	runner := func(ctx context.Context, opts session.Options, log *logger.Logger) (*session.Result, error) {
		return &session.Result{Output: "VERDICT: NOT DONE, keep going"}, nil
	}

	out, err := Run(context.Background(), Options{
		RunID:         "r2",
		Prompt:        "do the thing",
		MaxIterations: 2,
		Worktree:      mgr,
		Publisher:     bus.NewTaggedPublisher(b, "r2"),
		Runner:        runner,
		AcquireHandles: func(ctx context.Context, worktreePath string) (Handles, error) {
			return Handles{}, nil
		},
	}, nil)

	require.NoError(t, err)
	require.False(t, out.Done)
	require.Equal(t, 2, out.Iterations)
}
