// ABOUTME: Store interface and persistence types for the hub registry
// ABOUTME: Defines what the hub needs from storage: directory records and the relay audit log

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/parley/internal/protocol"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// RelayEntry is one audit record of a frame the hub relayed. Best-effort:
// relay never blocks on the log and the log is not a delivery source.
type RelayEntry struct {
	ID        string
	MessageID string
	FromAgent string
	ToAgent   string
	Type      string
	Method    string
	CreatedAt time.Time
}

// Store defines the interface for registry directory persistence
type Store interface {
	// Agents
	UpsertAgent(ctx context.Context, agent *protocol.Agent) error
	GetAgent(ctx context.Context, id string) (*protocol.Agent, error)
	ListAgents(ctx context.Context) ([]*protocol.Agent, error)
	TouchAgent(ctx context.Context, id string, status protocol.AgentStatus, seenAt time.Time) error
	DeleteAgent(ctx context.Context, id string) error

	// Liveness maintenance
	MarkOfflineBefore(ctx context.Context, cutoff time.Time) (int64, error)
	PruneAgentsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Relay audit log
	AppendRelayLog(ctx context.Context, entry *RelayEntry) error
	RecentRelayLog(ctx context.Context, limit int) ([]*RelayEntry, error)

	Close() error
}
