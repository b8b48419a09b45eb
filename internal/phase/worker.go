// Package phase implements the Phase Runners component (C5): worker, boss,
// and resolver, each of which builds a phase prompt, invokes Session
// Transport, and interprets the result (spec.md §4.5).
package phase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/acpclient"
	"github.com/kandev/ralph/internal/bus"
	"github.com/kandev/ralph/internal/common/logger"
	"github.com/kandev/ralph/internal/session"
)

// SessionRunner is the subset of session.Run phase runners depend on, named
// as an interface so the orchestrator and tests can substitute fakes without
// standing up a real agent-server connection.
type SessionRunner func(ctx context.Context, opts session.Options, log *logger.Logger) (*session.Result, error)

// WorkerInput is the input to Worker.Run (spec.md §4.5).
type WorkerInput struct {
	BasePrompt     string
	PreviousFeedback string // optional; empty on the first iteration
	CommitHash     string // short hash of the worktree HEAD before this call
	Model          acpclient.ModelRef
	Client         session.Client
	LogPath        string
	Timeout        int64 // seconds; 0 uses session.DefaultTimeout
}

// WorkerOutput is the result of Worker.Run.
type WorkerOutput struct {
	Transcript string
	CommitHash string
}

// Worker builds the worker-phase prompt and drives one worker session.
type Worker struct {
	run SessionRunner
	log *logger.Logger
}

// NewWorker constructs a Worker. runner defaults to session.Run.
func NewWorker(runner SessionRunner, log *logger.Logger) *Worker {
	if runner == nil {
		runner = session.Run
	}
	if log == nil {
		log = logger.Default()
	}
	return &Worker{run: runner, log: log.WithFields(zap.String("component", "phase-worker"))}
}

// Run executes one worker phase (spec.md §4.5): emits worker.start before
// and worker.complete after.
func (w *Worker) Run(ctx context.Context, in WorkerInput, pub bus.Publisher) (*WorkerOutput, error) {
	pub.Publish(ctx, bus.TagWorkerStart, map[string]any{"commitHash": in.CommitHash})

	prompt := buildWorkerPrompt(in.BasePrompt, in.PreviousFeedback)

	res, err := w.run(ctx, session.Options{
		Client:    in.Client,
		Prompt:    prompt,
		Title:     "ralph worker",
		Model:     in.Model,
		Phase:     session.PhaseExecutor,
		LogPath:   in.LogPath,
		Timeout:   time.Duration(in.Timeout) * time.Second,
		Publisher: pub,
	}, w.log)
	if err != nil {
		return nil, fmt.Errorf("phase: worker session failed: %w", err)
	}

	payload := map[string]any{"commitHash": in.CommitHash}
	if in.LogPath != "" {
		payload["logPath"] = in.LogPath
	}
	pub.Publish(ctx, bus.TagWorkerComplete, payload)

	return &WorkerOutput{Transcript: res.Output, CommitHash: in.CommitHash}, nil
}

func buildWorkerPrompt(base, feedback string) string {
	if feedback == "" {
		return base
	}
	return fmt.Sprintf("%s\n\n--- Feedback from the previous review ---\n%s", base, feedback)
}
