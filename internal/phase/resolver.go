package phase

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/acpclient"
	"github.com/kandev/ralph/internal/bus"
	"github.com/kandev/ralph/internal/common/logger"
	"github.com/kandev/ralph/internal/session"
)

// DefaultResolverIterations is the resolver sub-loop bound (spec.md §4.5).
const DefaultResolverIterations = 4

// GitState reports the deterministic, git-derived state the resolver uses
// as its source of truth instead of trusting the boss's words.
type GitState interface {
	IsClean(ctx context.Context, worktreePath string) (clean bool, detail string, err error)
}

// ResolverInput is the input to Resolver.Run.
type ResolverInput struct {
	BasePrompt   string
	WorktreePath string
	Conflicts    []string
	Model        acpclient.ModelRef
	Git          GitState
	MaxIterations int // defaults to DefaultResolverIterations
	LogPath      string
	Timeout      int64
}

// ResolverOutput is the result of Resolver.Run.
type ResolverOutput struct {
	Done bool
}

// Resolver drives a bounded sub-loop asking the worker (and, if supplied, a
// separate boss) to resolve merge conflicts, trusting deterministic git
// state over the agents' self-reported verdicts (spec.md §4.5).
type Resolver struct {
	workerClient session.Client
	bossClient   session.Client
	run          SessionRunner
	log          *logger.Logger
}

// NewResolver constructs a Resolver. Per spec.md §9's Open Question, boss may
// be nil — the resolver then uses worker for boss duties too.
func NewResolver(worker, boss session.Client, runner SessionRunner, log *logger.Logger) *Resolver {
	if boss == nil {
		boss = worker
	}
	if runner == nil {
		runner = session.Run
	}
	if log == nil {
		log = logger.Default()
	}
	return &Resolver{
		workerClient: worker,
		bossClient:   boss,
		run:          runner,
		log:          log.WithFields(zap.String("component", "phase-resolver")),
	}
}

// Run executes the resolver sub-loop (spec.md §4.5): emits resolver.start
// before and resolver.complete after the whole sub-loop.
func (r *Resolver) Run(ctx context.Context, in ResolverInput, pub bus.Publisher) (*ResolverOutput, error) {
	maxIter := in.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultResolverIterations
	}

	pub.Publish(ctx, bus.TagResolverStart, map[string]any{"conflicts": in.Conflicts})
	defer pub.Publish(ctx, bus.TagResolverComplete, map[string]any{})

	var feedback string
	for i := 0; i < maxIter; i++ {
		worker := NewWorker(r.run, r.log)
		_, err := worker.Run(ctx, WorkerInput{
			BasePrompt:       resolverWorkerPrompt(in.BasePrompt, in.Conflicts),
			PreviousFeedback: feedback,
			Client:           r.workerClient,
			Model:            in.Model,
			LogPath:          in.LogPath,
			Timeout:          in.Timeout,
		}, pub)
		if err != nil {
			return nil, fmt.Errorf("phase: resolver worker iteration %d: %w", i+1, err)
		}

		clean, detail, err := in.Git.IsClean(ctx, in.WorktreePath)
		if err != nil {
			return nil, fmt.Errorf("phase: resolver git-state check: %w", err)
		}
		if clean {
			return &ResolverOutput{Done: true}, nil
		}

		boss := NewBoss(r.run, r.log)
		bossOut, err := boss.Run(ctx, BossInput{
			BasePrompt: resolverBossPrompt(in.BasePrompt, in.Conflicts, detail),
			Client:     r.bossClient,
			Model:      in.Model,
			LogPath:    in.LogPath,
			Timeout:    in.Timeout,
		}, pub)
		if err != nil {
			return nil, fmt.Errorf("phase: resolver boss iteration %d: %w", i+1, err)
		}

		// The source of truth is deterministic git state, not the boss's
		// words: only a clean tree can make this return done, even if the
		// boss claims VERDICT: DONE.
		if bossOut.Done {
			clean, _, err := in.Git.IsClean(ctx, in.WorktreePath)
			if err != nil {
				return nil, fmt.Errorf("phase: resolver re-check git state: %w", err)
			}
			if clean {
				return &ResolverOutput{Done: true}, nil
			}
		}

		feedback = bossOut.Transcript
	}

	return &ResolverOutput{Done: false}, nil
}

func resolverWorkerPrompt(base string, conflicts []string) string {
	return fmt.Sprintf("%s\n\nResolve the current git merge conflicts in: %v", base, conflicts)
}

func resolverBossPrompt(base string, conflicts []string, detail string) string {
	return fmt.Sprintf("%s\n\nConflicts: %v\nCurrent git status:\n%s", base, conflicts, detail)
}
