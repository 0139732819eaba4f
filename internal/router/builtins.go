// ABOUTME: Built-in request methods every agent answers without registration
// ABOUTME: ping, get_capabilities, and get_status introspection

package router

import (
	"context"
	"time"

	"github.com/2389/parley/internal/protocol"
)

func (r *Router) registerBuiltins() {
	r.RegisterMethod(protocol.MethodPing, r.handlePing)
	r.RegisterMethod(protocol.MethodGetCapabilities, r.handleGetCapabilities)
	r.RegisterMethod(protocol.MethodGetStatus, r.handleGetStatus)
}

func (r *Router) handlePing(_ context.Context, _ *protocol.Message) (map[string]any, error) {
	return map[string]any{
		"pong": true,
		"time": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (r *Router) handleGetCapabilities(_ context.Context, _ *protocol.Message) (map[string]any, error) {
	return map[string]any{
		"capabilities": r.source.Card().Capabilities,
	}, nil
}

func (r *Router) handleGetStatus(_ context.Context, _ *protocol.Message) (map[string]any, error) {
	card := r.source.Card()
	return map[string]any{
		"status":        string(card.Status),
		"uptimeSeconds": int64(time.Since(r.started).Seconds()),
	}, nil
}
