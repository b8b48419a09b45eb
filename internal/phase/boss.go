package phase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/acpclient"
	"github.com/kandev/ralph/internal/bus"
	"github.com/kandev/ralph/internal/common/logger"
	"github.com/kandev/ralph/internal/session"
)

// bossRubric is the fixed grading rubric appended to the base task when
// building the boss-phase prompt (spec.md §4.5).
const bossRubric = `
--- Grading rubric ---
Review the work done against the task above. If and only if the task is
completely done, reply with a line containing exactly:
VERDICT: DONE
Otherwise reply with a line containing exactly:
VERDICT: NOT DONE
followed by what remains to be done.`

// BossInput is the input to Boss.Run.
type BossInput struct {
	BasePrompt string
	CommitHash string
	Model      acpclient.ModelRef
	Client     session.Client
	LogPath    string
	Timeout    int64
}

// BossOutput is the result of Boss.Run.
type BossOutput struct {
	Transcript string
	Done       bool
}

// Boss builds the boss-phase prompt, drives one boss session, and interprets
// completion via verdict detection (spec.md §4.5, §8).
type Boss struct {
	run SessionRunner
	log *logger.Logger
}

// NewBoss constructs a Boss. runner defaults to session.Run.
func NewBoss(runner SessionRunner, log *logger.Logger) *Boss {
	if runner == nil {
		runner = session.Run
	}
	if log == nil {
		log = logger.Default()
	}
	return &Boss{run: runner, log: log.WithFields(zap.String("component", "phase-boss"))}
}

// Run executes one boss phase: emits boss.start before and boss.complete after.
func (b *Boss) Run(ctx context.Context, in BossInput, pub bus.Publisher) (*BossOutput, error) {
	pub.Publish(ctx, bus.TagBossStart, map[string]any{"commitHash": in.CommitHash})

	prompt := in.BasePrompt + bossRubric

	res, err := b.run(ctx, session.Options{
		Client:    in.Client,
		Prompt:    prompt,
		Title:     "ralph boss",
		Model:     in.Model,
		Phase:     session.PhaseValidator,
		LogPath:   in.LogPath,
		Timeout:   time.Duration(in.Timeout) * time.Second,
		Publisher: pub,
	}, b.log)
	if err != nil {
		return nil, fmt.Errorf("phase: boss session failed: %w", err)
	}

	done := BossDone(res.Output)

	payload := map[string]any{"commitHash": in.CommitHash, "done": done}
	if in.LogPath != "" {
		payload["logPath"] = in.LogPath
	}
	pub.Publish(ctx, bus.TagBossComplete, payload)

	return &BossOutput{Transcript: res.Output, Done: done}, nil
}

// BossDone implements the verdict-detection idempotence property of
// spec.md §8: done iff the exact literal substring "VERDICT: DONE" occurs
// anywhere in text. No other spelling — "VERDICT: NOT DONE", lowercase
// "done", or bare "DONE" — counts.
func BossDone(text string) bool {
	return strings.Contains(text, "VERDICT: DONE")
}
