package bus

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/common/logger"
)

// natsSubject is the fixed NATS subject every ralph event fans out to. Ralph
// does not need per-tag NATS subjects since every consumer of the mirrored
// stream (external dashboards, a second orchestrator replica watching for
// visibility) wants the full firehose and filters by Event.Type itself.
const natsSubject = "ralph.events"

// MirroringBus wraps a MemoryBus (the synchronous source of truth consulted
// by everything inside this process) and additionally mirrors every
// published event onto a NATS subject for external, cross-process observers.
// Selected in place of a bare MemoryBus when ralphd is started with --nats-url.
// The in-process dispatch order and synchronity guarantees of spec.md §4.1
// are unaffected: the NATS publish happens after in-process subscribers have
// already run, and its own delivery is fire-and-forget.
type MirroringBus struct {
	*MemoryBus
	nc  *nats.Conn
	log *logger.Logger
}

// NewMirroringBus dials url and returns a Bus that mirrors every event to NATS.
func NewMirroringBus(url string, log *logger.Logger) (*MirroringBus, error) {
	if log == nil {
		log = logger.Default()
	}
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &MirroringBus{
		MemoryBus: NewMemoryBus(log),
		nc:        nc,
		log:       log.WithFields(zap.String("component", "event-bus-nats")),
	}, nil
}

// Publish delivers to in-process subscribers first, then mirrors to NATS.
func (b *MirroringBus) Publish(ctx context.Context, event Event) {
	b.MemoryBus.Publish(ctx, event)

	data, err := json.Marshal(event)
	if err != nil {
		b.log.Error("marshal event for nats mirror failed", zap.Error(err))
		return
	}
	if err := b.nc.Publish(natsSubject, data); err != nil {
		b.log.Warn("nats mirror publish failed", zap.Error(err))
	}
}

// Close shuts down both the in-process bus and the NATS connection.
func (b *MirroringBus) Close() {
	b.MemoryBus.Close()
	b.nc.Close()
}
