package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/bus"
	"github.com/kandev/ralph/internal/common/logger"
)

// Persister subscribes to every bus event carrying a runId, appends it to
// runs/<runId>/events.jsonl, and maintains the runId→jobId map used to
// rewrite the job's status when a terminal event arrives (spec.md §4.7
// Persistence subscriber, §9 "the runIdToJobId map lives in the service and
// is discarded after the terminal event").
type Persister struct {
	prefix string
	store  *Store
	log    *logger.Logger

	mu        sync.Mutex
	runToJob  map[string]string
	openedDir map[string]bool
}

// NewPersister constructs a Persister rooted at prefix, backed by store for
// job status rewrites.
func NewPersister(prefix string, store *Store, log *logger.Logger) *Persister {
	if log == nil {
		log = logger.Default()
	}
	return &Persister{
		prefix:    prefix,
		store:     store,
		log:       log.WithFields(zap.String("component", "jobs-persister")),
		runToJob:  make(map[string]string),
		openedDir: make(map[string]bool),
	}
}

// Track registers the job a run belongs to, called from the /prompt handler
// before the run's first event can arrive.
func (p *Persister) Track(runID, jobID string) {
	if jobID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runToJob[runID] = jobID
}

// Subscribe registers p.handle on b for every event; the handler itself
// filters to events carrying a RunID, per spec.md §4.7.
func (p *Persister) Subscribe(b bus.Bus) bus.Subscription {
	return b.SubscribeAll(p.handle)
}

func (p *Persister) handle(ctx context.Context, e bus.Event) {
	if e.RunID == "" {
		return
	}
	if err := p.appendJSONL(e); err != nil {
		p.log.Error("failed to persist event", zap.String("run_id", e.RunID), zap.Error(err))
	}
	if e.IsTerminal() {
		p.rewriteJobStatus(e)
	}
}

func (p *Persister) runDir(runID string) string {
	return filepath.Join(p.prefix, "runs", runID)
}

func (p *Persister) appendJSONL(e bus.Event) error {
	dir := p.runDir(e.RunID)

	p.mu.Lock()
	opened := p.openedDir[e.RunID]
	p.mu.Unlock()
	if !opened {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("jobs: create run dir: %w", err)
		}
		p.mu.Lock()
		p.openedDir[e.RunID] = true
		p.mu.Unlock()
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("jobs: encode event: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("jobs: open events.jsonl: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("jobs: append event: %w", err)
	}
	return f.Sync()
}

func (p *Persister) rewriteJobStatus(e bus.Event) {
	p.mu.Lock()
	jobID, ok := p.runToJob[e.RunID]
	if ok {
		delete(p.runToJob, e.RunID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	status := statusForTerminal(string(e.Type))
	if _, err := p.store.Update(jobID, JobUpdate{Status: &status}); err != nil {
		p.log.Error("failed to rewrite job status after terminal event",
			zap.String("job_id", jobID), zap.String("run_id", e.RunID), zap.Error(err))
	}
}
