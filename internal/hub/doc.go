// ABOUTME: Package documentation for the hub daemon
// ABOUTME: Explains the registry API, the stream lifecycle, and relay semantics

// Package hub implements the coordination daemon agents talk to: a registry
// directory over HTTP, a WebSocket stream per agent, and a relay that moves
// frames between streams.
//
// A stream starts with an HTTP upgrade at /ws?agent_id= and an initialize
// request as the first frame; the hub answers with a correlated response,
// marks the agent online, and announces agent_joined to the other streams.
// From then on every inbound frame is routed by its toAgent: a connected
// agent gets the frame verbatim, "*" fans out to everyone else, and a
// disconnected target earns the sender a correlated agent_unavailable
// error frame. Stream close announces agent_left and marks the directory
// record offline.
//
// Delivery through the relay is at-most-once per frame: a slow consumer
// whose send buffer is full loses the frame. Retries live on the agent
// side, where the transport queues while disconnected.
//
// The directory survives restarts in SQLite. A sweep goroutine refreshes
// records for agents with live streams, marks silent ones offline after
// the freshness window, and prunes records nobody has refreshed for the
// prune window.
package hub
