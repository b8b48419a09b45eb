// Package orchestrator implements the Run Orchestrator component (C6): the
// worker↔boss iteration loop, conflict retry, and worktree bracketing
// (spec.md §4.6).
package orchestrator

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/acpclient"
	"github.com/kandev/ralph/internal/bus"
	"github.com/kandev/ralph/internal/common/logger"
	"github.com/kandev/ralph/internal/phase"
	"github.com/kandev/ralph/internal/session"
	"github.com/kandev/ralph/internal/worktree"
)

// DefaultMaxIterations is used when Options.MaxIterations is zero.
const DefaultMaxIterations = 50

// DefaultResolverRetries is the number of mergeMainIntoWorktree retries the
// conflict-resolution sub-loop allows before giving up (spec.md §4.6).
const DefaultResolverRetries = 3

var tracer = otel.Tracer("ralph/orchestrator")

// WorktreeOps is the subset of *worktree.Manager the orchestrator depends on.
type WorktreeOps interface {
	CreateWorktree(ctx context.Context, runID string) (*worktree.CreateResult, error)
	MergeMainIntoWorktree(ctx context.Context, worktreePath string) (*worktree.MergeResult, error)
	MergeWorktreeIntoMain(ctx context.Context, branchName string) error
	AbortMerge(ctx context.Context, worktreePath string)
	RemoveWorktree(ctx context.Context, worktreePath, branchName string) worktree.RemoveResult
	WithMergeLock(ctx context.Context, fn func() error) error
	IsClean(ctx context.Context, worktreePath string) (bool, string, error)
}

// Handles is the worker/boss client pair for one run (spec.md §4.4).
type Handles struct {
	WorkerClient session.Client
	BossClient   session.Client
	Close        func()
}

// AcquireHandles is called once the worktree directory exists, so the agent
// server processes it spawns can be scoped to that per-run worktree
// (spec.md §4.8 "fresh worker and boss handles scoped to a per-run
// worktree").
type AcquireHandles func(ctx context.Context, worktreePath string) (Handles, error)

// Options configures one Run call (spec.md §4.6).
type Options struct {
	RunID         string
	Prompt        string
	WorkerModel   acpclient.ModelRef
	BossModel     acpclient.ModelRef
	LogDir        string
	MaxIterations int
	ResolverRetries int
	SessionTimeoutSeconds int64

	Worktree       WorktreeOps
	AcquireHandles AcquireHandles
	Publisher      bus.Publisher

	// Runner overrides how phase runners drive a session; nil uses session.Run.
	// Exposed so tests can substitute a fake without a real agent server.
	Runner phase.SessionRunner
}

// Outcome is returned by Run, reporting the final state for callers that
// want it beyond what was published on the bus.
type Outcome struct {
	Done       bool
	Iterations int
}

// Run executes the full worker↔boss loop, conflict resolution, and cleanup
// described in spec.md §4.6. It always returns after emitting exactly one
// terminal event and running cleanup, even on error or panic recovery by the
// caller's own goroutine wrapper.
func Run(ctx context.Context, opts Options, log *logger.Logger) (Outcome, error) {
	if log == nil {
		log = logger.Default()
	}
	ctx = context.WithValue(ctx, logger.RunIDKey, opts.RunID)
	log = log.WithContext(ctx).WithFields(zap.String("component", "run-orchestrator"))

	ctx, span := tracer.Start(ctx, "ralph.run")
	defer span.End()

	pub := opts.Publisher
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	resolverRetries := opts.ResolverRetries
	if resolverRetries <= 0 {
		resolverRetries = DefaultResolverRetries
	}

	pub.Publish(ctx, bus.TagRalphStarted, map[string]any{
		"workspace":  opts.RunID,
		"agentModel": opts.WorkerModel.String(),
		"evalModel":  opts.BossModel.String(),
	})

	wtRes, err := opts.Worktree.CreateWorktree(ctx, opts.RunID)
	if err != nil {
		pub.Publish(ctx, bus.TagRalphError, map[string]any{"error": err.Error()})
		return Outcome{}, err
	}
	pub.Publish(ctx, bus.TagWorktreeCreated, map[string]any{
		"branchName":   wtRes.BranchName,
		"worktreePath": wtRes.WorktreePath,
	})

	handles, err := opts.AcquireHandles(ctx, wtRes.WorktreePath)
	if err != nil {
		pub.Publish(ctx, bus.TagRalphError, map[string]any{"error": err.Error()})
		cleanup(ctx, opts, handles, wtRes, log, pub)
		return Outcome{}, err
	}

	outcome, runErr := runLoop(ctx, opts, handles, wtRes, maxIter, resolverRetries, log, pub)

	if runErr != nil {
		pub.Publish(ctx, bus.TagRalphError, map[string]any{"error": runErr.Error()})
	} else {
		pub.Publish(ctx, bus.TagRalphCompleted, map[string]any{
			"iterations": outcome.Iterations,
			"done":       outcome.Done,
		})
	}

	cleanup(ctx, opts, handles, wtRes, log, pub)

	return outcome, runErr
}

func runLoop(ctx context.Context, opts Options, handles Handles, wtRes *worktree.CreateResult, maxIter, resolverRetries int, log *logger.Logger, pub bus.Publisher) (Outcome, error) {
	var previousFeedback string
	done := false
	iteration := 0

	for i := 1; i <= maxIter; i++ {
		iteration = i
		iterCtx, iterSpan := tracer.Start(ctx, "ralph.iteration")
		pub.Publish(iterCtx, bus.TagLoopIterationStart, map[string]any{"iteration": i})

		preCommitHash, err := headCommit(iterCtx, wtRes.WorktreePath)
		if err != nil {
			iterSpan.End()
			return Outcome{Iterations: iteration, Done: false}, fmt.Errorf("orchestrator: read HEAD: %w", err)
		}

		worker := phase.NewWorker(opts.Runner, log)
		_, err = worker.Run(iterCtx, phase.WorkerInput{
			BasePrompt:       opts.Prompt,
			PreviousFeedback: previousFeedback,
			CommitHash:       preCommitHash,
			Model:            opts.WorkerModel,
			Client:           handles.WorkerClient,
			LogPath:          opts.LogDir,
			Timeout:          opts.SessionTimeoutSeconds,
		}, pub)
		if err != nil {
			iterSpan.End()
			return Outcome{Iterations: iteration, Done: false}, fmt.Errorf("orchestrator: worker phase: %w", err)
		}

		// The boss grades the commit the worker actually produced, not the
		// HEAD that existed before the worker ran (spec.md §4.6 step 2).
		postCommitHash, err := headCommit(iterCtx, wtRes.WorktreePath)
		if err != nil {
			iterSpan.End()
			return Outcome{Iterations: iteration, Done: false}, fmt.Errorf("orchestrator: read HEAD after worker: %w", err)
		}

		boss := phase.NewBoss(opts.Runner, log)
		bossOut, err := boss.Run(iterCtx, phase.BossInput{
			BasePrompt: opts.Prompt,
			CommitHash: postCommitHash,
			Model:      opts.BossModel,
			Client:     handles.BossClient,
			LogPath:    opts.LogDir,
			Timeout:    opts.SessionTimeoutSeconds,
		}, pub)
		iterSpan.End()
		if err != nil {
			return Outcome{Iterations: iteration, Done: false}, fmt.Errorf("orchestrator: boss phase: %w", err)
		}

		if bossOut.Done {
			pub.Publish(ctx, bus.TagLoopDone, map[string]any{})
			done = true
			break
		}

		pub.Publish(ctx, bus.TagLoopNotDone, map[string]any{"iteration": i, "feedback": bossOut.Transcript})
		previousFeedback = bossOut.Transcript
	}

	if !done {
		pub.Publish(ctx, bus.TagLoopMaxIterations, map[string]any{"maxIterations": maxIter})
		return Outcome{Iterations: iteration, Done: false}, nil
	}

	if err := integrate(ctx, opts, handles, wtRes, resolverRetries, log, pub); err != nil {
		return Outcome{Iterations: iteration, Done: true}, err
	}

	return Outcome{Iterations: iteration, Done: true}, nil
}

func integrate(ctx context.Context, opts Options, handles Handles, wtRes *worktree.CreateResult, resolverRetries int, log *logger.Logger, pub bus.Publisher) error {
	merge, err := opts.Worktree.MergeMainIntoWorktree(ctx, wtRes.WorktreePath)
	if err != nil {
		return fmt.Errorf("orchestrator: merge main into worktree: %w", err)
	}

	retries := 0
	for !merge.Clean && retries < resolverRetries {
		pub.Publish(ctx, bus.TagWorktreeMergeConflict, map[string]any{
			"branchName": wtRes.BranchName,
			"conflicts":  merge.Conflicts,
		})

		resolver := phase.NewResolver(handles.WorkerClient, handles.BossClient, opts.Runner, log)
		resolverOut, err := resolver.Run(ctx, phase.ResolverInput{
			BasePrompt:   opts.Prompt,
			WorktreePath: wtRes.WorktreePath,
			Conflicts:    merge.Conflicts,
			Model:        opts.WorkerModel,
			Git:          opts.Worktree,
			LogPath:      opts.LogDir,
			Timeout:      opts.SessionTimeoutSeconds,
		}, pub)
		if err != nil {
			return fmt.Errorf("orchestrator: resolver: %w", err)
		}

		if resolverOut.Done {
			merge.Clean = true
			break
		}

		opts.Worktree.AbortMerge(ctx, wtRes.WorktreePath)
		merge, err = opts.Worktree.MergeMainIntoWorktree(ctx, wtRes.WorktreePath)
		if err != nil {
			return fmt.Errorf("orchestrator: re-merge main into worktree: %w", err)
		}
		retries++
	}

	if !merge.Clean {
		return fmt.Errorf("could not resolve merge conflicts after %d retries", retries)
	}

	if err := opts.Worktree.WithMergeLock(ctx, func() error {
		return opts.Worktree.MergeWorktreeIntoMain(ctx, wtRes.BranchName)
	}); err != nil {
		return fmt.Errorf("orchestrator: merge worktree into main: %w", err)
	}

	pub.Publish(ctx, bus.TagWorktreeMerged, map[string]any{"branchName": wtRes.BranchName})
	return nil
}

func cleanup(ctx context.Context, opts Options, handles Handles, wtRes *worktree.CreateResult, log *logger.Logger, pub bus.Publisher) {
	// The run ctx may already be cancelled (interrupt); the git commands
	// below must still run.
	ctx = context.WithoutCancel(ctx)
	if handles.Close != nil {
		handles.Close()
	}
	pub.Publish(ctx, bus.TagServerCleanup, map[string]any{})

	opts.Worktree.RemoveWorktree(ctx, wtRes.WorktreePath, wtRes.BranchName)
	pub.Publish(ctx, bus.TagWorktreeRemoved, map[string]any{"branchName": wtRes.BranchName})

	log.Info("run cleanup complete")
}

func headCommit(ctx context.Context, worktreePath string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--short", "HEAD")
	cmd.Dir = worktreePath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git rev-parse HEAD: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// WatchInterrupt is a convenience helper the daemon wires up: it subscribes
// to ralph.interrupted for one run id and calls cancel when it is seen. The
// run's context is cancelled at once, so a session still in flight under it
// is aborted rather than allowed to finish, and no further iteration starts.
func WatchInterrupt(b bus.Bus, runID string, cancel context.CancelFunc) bus.Subscription {
	return b.Subscribe(bus.TagRalphInterrupted, func(ctx context.Context, e bus.Event) {
		if e.RunID == runID {
			cancel()
		}
	})
}
