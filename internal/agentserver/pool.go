package agentserver

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/bus"
	"github.com/kandev/ralph/internal/common/logger"
)

// RunHandles bundles the two handles one run needs: a worker handle and a
// boss handle, so their sessions can proceed concurrently without
// cross-cancellation (spec.md §4.4).
type RunHandles struct {
	Worker *Handle
	Boss   *Handle
}

// AcquireRunHandles spawns (or reuses) both handles for runID, scoped to
// workspaceDir. pub, if non-nil, receives server.ready once each handle's
// process is confirmed healthy (spec.md §4.1, §6).
func AcquireRunHandles(ctx context.Context, cfg Config, runID, workspaceDir string, pub bus.Publisher, log *logger.Logger) (*RunHandles, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "agent-server-pool"), zap.String("run_id", runID))

	worker, err := Acquire(ctx, cfg, fmt.Sprintf("%s-worker", runID), workspaceDir, pub, log)
	if err != nil {
		return nil, fmt.Errorf("agentserver: acquire worker handle: %w", err)
	}

	boss, err := Acquire(ctx, cfg, fmt.Sprintf("%s-boss", runID), workspaceDir, pub, log)
	if err != nil {
		worker.Kill()
		return nil, fmt.Errorf("agentserver: acquire boss handle: %w", err)
	}

	return &RunHandles{Worker: worker, Boss: boss}, nil
}

// Kill tears down both handles. Safe to call more than once.
func (h *RunHandles) Kill() {
	if h == nil {
		return
	}
	h.Worker.Kill()
	h.Boss.Kill()
}
