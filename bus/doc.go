// Package bus carries operation snapshots from the coordinator to
// subscribers.
//
// # Overview
//
// The MessageBus interface is a small publish/subscribe API with
// channel-based subscriptions. Subjects are dot-separated tokens; a
// subscription may use "*" for one token and a trailing ">" for the rest:
//
//	sub, _ := b.Subscribe("taskfeed.operations.>")
//	for msg := range sub.Messages() {
//	    // msg.Data is a JSON snapshot
//	}
//
// # Available Implementations
//
//   - MemoryBus: in-process delivery for a single console
//   - NATSBus: NATS-backed delivery across processes
//
// # Slow Subscribers
//
// Snapshots supersede each other, so a subscriber that falls behind loses
// the oldest buffered message rather than the newest. The last snapshot
// published before a subscriber catches up is always delivered.
package bus
