// ABOUTME: Agent is the registry directory record describing a peer and its capabilities
// ABOUTME: Defines agent status values and capability lookup helpers

package protocol

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrInvalidAgent is returned when a registry record fails validation.
var ErrInvalidAgent = errors.New("invalid agent")

// AgentStatus is the liveness/availability state a registry record advertises.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
	AgentBusy    AgentStatus = "busy"
	AgentError   AgentStatus = "error"
)

// AgentMetadata carries registration details beyond the core record.
type AgentMetadata struct {
	Version      string            `json:"version,omitempty"`
	RegisteredAt time.Time         `json:"registeredAt,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// Agent is one registry directory entry. The registry owns LastSeen; agents
// refresh it through register, updateStatus, and heartbeat calls.
type Agent struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Capabilities []string      `json:"capabilities"`
	Status       AgentStatus   `json:"status"`
	LastSeen     time.Time     `json:"lastSeen"`
	Metadata     AgentMetadata `json:"metadata"`
}

// HasCapability reports whether the agent advertises the named capability.
func (a *Agent) HasCapability(capability string) bool {
	return slices.Contains(a.Capabilities, capability)
}

// Validate checks the invariants a registry record must satisfy.
func (a *Agent) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidAgent)
	}
	if a.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidAgent)
	}
	switch a.Status {
	case AgentOnline, AgentOffline, AgentBusy, AgentError:
		return nil
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidAgent, a.Status)
	}
}
