package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/common/logger"
)

// subscription is one registered handler, keyed by tag ("" means "all tags").
type subscription struct {
	id      uint64
	tag     Tag
	all     bool
	handler Handler
	bus     *MemoryBus
}

func (s *subscription) Unsubscribe() {
	s.bus.remove(s)
}

// MemoryBus is the default, single-process Bus implementation. Publishing is
// synchronous: every matching subscriber runs on the publisher's goroutine
// before Publish returns, first the subscribers to the event's tag and then
// the all-event subscribers, each group in registration order. This mirrors the teacher's
// internal/events/bus/memory.go subscription-map/mutex shape, but replaces its
// asynchronous goroutine-per-subscriber dispatch with direct synchronous calls,
// since spec.md §4.1 requires publish to invoke every subscriber before
// returning.
type MemoryBus struct {
	mu      sync.Mutex
	log     *logger.Logger
	nextID  uint64
	closed  bool
	byTag   map[Tag][]*subscription
	allSubs []*subscription
}

// NewMemoryBus constructs an empty, ready-to-use MemoryBus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryBus{
		log:   log.WithFields(zap.String("component", "event-bus")),
		byTag: make(map[Tag][]*subscription),
	}
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(tag Tag, handler Handler) Subscription {
	if tag == "" {
		return b.SubscribeAll(handler)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscription{id: b.nextID, tag: tag, handler: handler, bus: b}
	b.byTag[tag] = append(b.byTag[tag], sub)
	return sub
}

// SubscribeAll implements Bus.
func (b *MemoryBus) SubscribeAll(handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscription{id: b.nextID, all: true, handler: handler, bus: b}
	b.allSubs = append(b.allSubs, sub)
	return sub
}

func (b *MemoryBus) remove(target *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if target.all {
		b.allSubs = removeSub(b.allSubs, target)
		return
	}
	b.byTag[target.tag] = removeSub(b.byTag[target.tag], target)
}

func removeSub(subs []*subscription, target *subscription) []*subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.id != target.id {
			out = append(out, s)
		}
	}
	return out
}

// Publish implements Bus. Subscriber panics are recovered and logged so one
// misbehaving subscriber can never prevent others from observing the event,
// per spec.md §4.1 ("subscriber exceptions are caught and logged").
func (b *MemoryBus) Publish(ctx context.Context, event Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	tagged := append([]*subscription{}, b.byTag[event.Type]...)
	all := append([]*subscription{}, b.allSubs...)
	b.mu.Unlock()

	for _, s := range tagged {
		b.dispatch(ctx, s, event)
	}
	for _, s := range all {
		b.dispatch(ctx, s, event)
	}
}

func (b *MemoryBus) dispatch(ctx context.Context, s *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscriber panicked",
				zap.String("tag", string(event.Type)),
				zap.Any("recovered", r))
		}
	}()
	s.handler(ctx, event)
}

// Close implements Bus.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.byTag = make(map[Tag][]*subscription)
	b.allSubs = nil
}
