// ABOUTME: Package doc for the message router
// ABOUTME: Dispatch rules, correlation, and the handler registry

// Package router turns the transport's frame stream into calls and events.
//
// Outbound, it offers three shapes: Send for fire-and-forget frames,
// Request for correlated ask-and-wait calls bounded by a TTL, and
// Broadcast for independent per-target fan-out.
//
// Inbound, one Run loop validates, dedupes, and dispatches. Requests go to
// registered method handlers in their own goroutines and always produce a
// reply frame, even for unknown methods. Responses and error frames resolve
// the pending request they correlate to. Notifications fan out to typed
// subscribers, broadcasts to broadcast listeners. Frames that carry a
// session id are appended to the conversation sink before dispatch, in
// arrival order.
package router
