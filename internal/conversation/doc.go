// ABOUTME: Package doc for conversation tracking
// ABOUTME: Lifecycle notifications and the per-conversation append lock

// Package conversation groups related messages into shared transcripts.
//
// A conversation is an append-only log keyed by session id. The manager
// serializes appends per conversation, so frames arriving concurrently for
// the same transcript land in a consistent order while unrelated
// conversations never contend.
//
// Lifecycle travels as conversation_started and conversation_ended
// notifications. Ending twice is a no-op, and a frame that arrives before
// its started notification opens a shadow entry that the notification later
// confirms.
package conversation
