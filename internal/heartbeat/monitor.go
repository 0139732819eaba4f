// ABOUTME: Periodic heartbeat loop keeping this agent fresh in the registry
// ABOUTME: Registry failures are logged and retried next tick, never a self-demotion

package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/parley/internal/protocol"
)

// Registry is the slice of the registry client the monitor calls.
type Registry interface {
	Heartbeat(ctx context.Context, agentID string, status protocol.AgentStatus) error
}

// StatusSource reports the status the agent currently advertises.
type StatusSource func() protocol.AgentStatus

// Monitor sends one heartbeat per interval. Peer liveness is the registry's
// business via its freshness window; the monitor only keeps this agent's
// lastSeen current. A failed call never changes the advertised status.
type Monitor struct {
	agentID  string
	interval time.Duration
	registry Registry
	status   StatusSource
	logger   *slog.Logger
}

// New builds a monitor. A zero interval defaults to 30s; a nil status
// source always advertises online.
func New(agentID string, interval time.Duration, registry Registry, status StatusSource, logger *slog.Logger) (*Monitor, error) {
	if agentID == "" {
		return nil, fmt.Errorf("heartbeat: agent id required")
	}
	if registry == nil {
		return nil, fmt.Errorf("heartbeat: registry required")
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if status == nil {
		status = func() protocol.AgentStatus { return protocol.AgentOnline }
	}
	return &Monitor{
		agentID:  agentID,
		interval: interval,
		registry: registry,
		status:   status,
		logger:   logger.With("component", "heartbeat"),
	}, nil
}

// Run beats until ctx is cancelled. The first beat fires after one full
// interval; registration already refreshed lastSeen at startup.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.beat(ctx)
		}
	}
}

func (m *Monitor) beat(ctx context.Context) {
	beatCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	status := m.status()
	if err := m.registry.Heartbeat(beatCtx, m.agentID, status); err != nil {
		m.logger.Warn("heartbeat failed, will retry next tick", "status", status, "error", err)
		return
	}
	m.logger.Debug("heartbeat sent", "status", status)
}
