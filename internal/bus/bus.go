package bus

import "context"

// Handler consumes one Event. Handlers must not block; if a handler needs to
// perform I/O it should hand the work off to a goroutine or channel of its own.
type Handler func(ctx context.Context, event Event)

// Subscription represents a live registration that can be cancelled.
type Subscription interface {
	Unsubscribe()
}

// Bus is the typed, synchronous publish/subscribe fabric of spec.md §4.1.
//
// Publish is synchronous and single-threaded with respect to one Bus
// instance: each call invokes every matching subscriber before returning,
// first those subscribed to the event's tag and then those subscribed to all
// tags, each group in registration order. A subscriber that panics or returns is isolated
// from the others and from the publisher.
type Bus interface {
	// Publish delivers event to every subscriber matching event.Type (or
	// subscribed to all tags) before returning.
	Publish(ctx context.Context, event Event)

	// Subscribe registers handler for the given tag. An empty tag subscribes
	// to every event published on the bus.
	Subscribe(tag Tag, handler Handler) Subscription

	// SubscribeAll registers handler for every event regardless of tag.
	SubscribeAll(handler Handler) Subscription

	// Close releases bus resources. Further Publish calls are no-ops.
	Close()
}
