package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// initRepo creates a throwaway git repository with one commit on main, used
// as a fixture across the manager tests, matching the teacher's
// internal/worktree/manager_test.go fixture style.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), "GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@t.com", "GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@t.com")
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", "README.md")
	run("commit", "-m", "initial")
	return dir
}

func TestManager_CreateWorktree(t *testing.T) {
	repo := initRepo(t)
	cfg := Config{RepoPath: repo, WorktreesDir: filepath.Join(repo, "..", "worktrees"), BranchPrefix: "task/"}
	m := NewManager(cfg, nil)

	res, err := m.CreateWorktree(context.Background(), "run-ABC123")
	require.NoError(t, err)
	require.DirExists(t, res.WorktreePath)
	require.Equal(t, "task/run-abc123", res.BranchName)
}

func TestManager_CreateWorktree_CleansUpCrashLeftover(t *testing.T) {
	repo := initRepo(t)
	cfg := Config{RepoPath: repo, WorktreesDir: filepath.Join(repo, "..", "worktrees"), BranchPrefix: "task/"}
	m := NewManager(cfg, nil)

	res1, err := m.CreateWorktree(context.Background(), "run-dup")
	require.NoError(t, err)

	// Simulate a crash: the branch survives even though nothing references
	// the worktree directory any more.
	require.NoError(t, os.RemoveAll(res1.WorktreePath))
	res2, err := m.CreateWorktree(context.Background(), "run-dup")
	require.NoError(t, err)
	require.DirExists(t, res2.WorktreePath)
}

func TestManager_RemoveWorktree(t *testing.T) {
	repo := initRepo(t)
	cfg := Config{RepoPath: repo, WorktreesDir: filepath.Join(repo, "..", "worktrees"), BranchPrefix: "task/"}
	m := NewManager(cfg, nil)

	res, err := m.CreateWorktree(context.Background(), "run-xyz")
	require.NoError(t, err)

	removeRes := m.RemoveWorktree(context.Background(), res.WorktreePath, res.BranchName)
	require.True(t, removeRes.WorktreeRemoved)
	require.True(t, removeRes.BranchDeleted)
	require.NoDirExists(t, res.WorktreePath)
}

func TestManager_IsClean_NoMergeInProgress(t *testing.T) {
	repo := initRepo(t)
	cfg := Config{RepoPath: repo, WorktreesDir: filepath.Join(repo, "..", "worktrees"), BranchPrefix: "task/"}
	m := NewManager(cfg, nil)

	res, err := m.CreateWorktree(context.Background(), "run-clean")
	require.NoError(t, err)

	clean, detail, err := m.IsClean(context.Background(), res.WorktreePath)
	require.NoError(t, err)
	require.True(t, clean, detail)
}

func TestManager_MergeMainIntoWorktree_Clean(t *testing.T) {
	repo := initRepo(t)
	cfg := Config{RepoPath: repo, WorktreesDir: filepath.Join(repo, "..", "worktrees"), BranchPrefix: "task/"}
	m := NewManager(cfg, nil)

	res, err := m.CreateWorktree(context.Background(), "run-merge")
	require.NoError(t, err)

	mergeRes, err := m.MergeMainIntoWorktree(context.Background(), res.WorktreePath)
	require.NoError(t, err)
	require.True(t, mergeRes.Clean)
}

func TestMergeLock_MutualExclusion(t *testing.T) {
	lock := newMergeLock()
	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		_ = lock.run(context.Background(), func() error {
			close(entered)
			<-release
			return nil
		})
		close(done)
	}()

	<-entered

	acquired := make(chan struct{})
	go func() {
		_ = lock.run(context.Background(), func() error {
			close(acquired)
			return nil
		})
	}()

	select {
	case <-acquired:
		t.Fatal("second critical section entered while first still held the lock")
	default:
	}

	close(release)
	<-done
	<-acquired
}
