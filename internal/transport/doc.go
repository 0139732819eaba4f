// ABOUTME: Package doc for the transport layer
// ABOUTME: Connection state machine, outbound queue, and reconnect policy

// Package transport maintains the agent's WebSocket stream to the hub.
//
// A Client moves between four states. Disconnected and Connecting are the
// recovery states, Connected is the working state, and Closed is terminal:
//
//	Disconnected -> Connecting -> Connected -> Disconnected -> ...
//	any -> Closed (via Close)
//
// Outbound frames always pass through an in-memory FIFO queue. While the
// link is down the queue simply grows; after a reconnect the writer drains
// it in enqueue order before newly sent frames, so callers never observe a
// send failure from a dropped link. Close drops whatever is still queued.
//
// Consumers read state changes and inbound frames from the Events channel
// and type-switch on the variants.
package transport
