// ABOUTME: Connection states and the typed event stream the transport publishes
// ABOUTME: Consumers type-switch on Event variants instead of registering callbacks

package transport

import "github.com/2389/parley/internal/protocol"

// State is the transport connection state.
type State int

const (
	// StateDisconnected means no live link; sends queue for later flush.
	StateDisconnected State = iota
	// StateConnecting means a dial plus protocol handshake is in flight.
	StateConnecting
	// StateConnected means the handshake completed and frames flow.
	StateConnected
	// StateClosed is terminal; only Close reaches it and nothing leaves it.
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one item on the transport's event stream. The concrete variants
// are StateChanged and Received.
type Event interface {
	isEvent()
}

// StateChanged reports a transition of the connection state machine.
// Cause is set when a link error forced the transition.
type StateChanged struct {
	State State
	Cause error
}

func (StateChanged) isEvent() {}

// Received carries one inbound frame.
type Received struct {
	Msg *protocol.Message
}

func (Received) isEvent() {}
