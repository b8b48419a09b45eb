package phase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/ralph/internal/bus"
	"github.com/kandev/ralph/internal/common/logger"
	"github.com/kandev/ralph/internal/session"
)

func fakeRunner(output string, err error) SessionRunner {
	return func(ctx context.Context, opts session.Options, log *logger.Logger) (*session.Result, error) {
		if err != nil {
			return nil, err
		}
		return &session.Result{Output: output, SessionID: "fake-session"}, nil
	}
}

func TestBossDone(t *testing.T) {
	assert.True(t, BossDone("some output\nVERDICT: DONE\n"))
	assert.False(t, BossDone("VERDICT: NOT DONE"))
	assert.False(t, BossDone("done"))
	assert.False(t, BossDone("DONE"))
}

func TestWorker_Run_EmitsStartAndComplete(t *testing.T) {
	b := bus.NewMemoryBus(nil)
	defer b.Close()
	var tags []bus.Tag
	b.SubscribeAll(func(ctx context.Context, e bus.Event) { tags = append(tags, e.Type) })

	w := NewWorker(fakeRunner("ok", nil), nil)
	out, err := w.Run(context.Background(), WorkerInput{BasePrompt: "do X", CommitHash: "abc"}, bus.NewTaggedPublisher(b, "r1"))

	require.NoError(t, err)
	assert.Equal(t, "ok", out.Transcript)
	assert.Equal(t, []bus.Tag{bus.TagWorkerStart, bus.TagWorkerComplete}, tags)
}

func TestBoss_Run_DetectsVerdict(t *testing.T) {
	b := bus.NewMemoryBus(nil)
	defer b.Close()

	boss := NewBoss(fakeRunner("work looks good\nVERDICT: DONE", nil), nil)
	out, err := boss.Run(context.Background(), BossInput{BasePrompt: "do X", CommitHash: "abc"}, bus.NewTaggedPublisher(b, "r1"))

	require.NoError(t, err)
	assert.True(t, out.Done)
}

type fakeGitState struct {
	cleanSequence []bool
	i             int
}

func (f *fakeGitState) IsClean(ctx context.Context, worktreePath string) (bool, string, error) {
	if f.i >= len(f.cleanSequence) {
		return f.cleanSequence[len(f.cleanSequence)-1], "", nil
	}
	v := f.cleanSequence[f.i]
	f.i++
	return v, "conflict in a.txt", nil
}

func TestResolver_CleanOnFirstIteration(t *testing.T) {
	b := bus.NewMemoryBus(nil)
	defer b.Close()

	r := NewResolver(nil, nil, fakeRunner("fixed it", nil), nil)
	out, err := r.Run(context.Background(), ResolverInput{
		BasePrompt:   "resolve",
		WorktreePath: "/tmp/wt",
		Conflicts:    []string{"a.txt"},
		Git:          &fakeGitState{cleanSequence: []bool{true}},
	}, bus.NewTaggedPublisher(b, "r1"))

	require.NoError(t, err)
	assert.True(t, out.Done)
}

func TestResolver_ExhaustsIterations(t *testing.T) {
	b := bus.NewMemoryBus(nil)
	defer b.Close()

	r := NewResolver(nil, nil, fakeRunner("VERDICT: NOT DONE still broken", nil), nil)
	out, err := r.Run(context.Background(), ResolverInput{
		BasePrompt:    "resolve",
		WorktreePath:  "/tmp/wt",
		Conflicts:     []string{"a.txt"},
		Git:           &fakeGitState{cleanSequence: []bool{false, false, false, false}},
		MaxIterations: 2,
	}, bus.NewTaggedPublisher(b, "r1"))

	require.NoError(t, err)
	assert.False(t, out.Done)
}

func TestResolver_NilBossFallsBackToWorker(t *testing.T) {
	r := NewResolver(nil, nil, fakeRunner("x", nil), nil)
	assert.Equal(t, r.workerClient, r.bossClient)
}
