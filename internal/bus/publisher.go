package bus

import "context"

// Publisher is the narrow interface phase runners and the orchestrator depend
// on: publish one event, already carrying (or not needing) a run id.
type Publisher interface {
	Publish(ctx context.Context, tag Tag, payload map[string]any)
}

// TaggedPublisher wraps a Bus and stamps every event with a fixed runId
// before forwarding, so callers never thread runId through helper functions
// (spec.md §4.1).
type TaggedPublisher struct {
	bus   Bus
	runID string
}

// NewTaggedPublisher returns a Publisher scoped to runID.
func NewTaggedPublisher(b Bus, runID string) *TaggedPublisher {
	return &TaggedPublisher{bus: b, runID: runID}
}

// Publish implements Publisher.
func (p *TaggedPublisher) Publish(ctx context.Context, tag Tag, payload map[string]any) {
	p.bus.Publish(ctx, NewEvent(tag, p.runID, payload))
}

// RunID returns the run id this publisher stamps onto every event.
func (p *TaggedPublisher) RunID() string { return p.runID }
