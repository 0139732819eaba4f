// ABOUTME: Node composes the agent-side components into one runnable unit
// ABOUTME: Owns the lifecycle: register, connect, dispatch, heartbeat, graceful exit

package node

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/heartbeat"
	"github.com/2389/parley/internal/protocol"
	"github.com/2389/parley/internal/registry"
	"github.com/2389/parley/internal/router"
	"github.com/2389/parley/internal/tasks"
	"github.com/2389/parley/internal/transport"
)

const shutdownTimeout = 5 * time.Second

// Config holds the settings for one agent node.
type Config struct {
	// ID is the agent's identity on the hub. Required.
	ID string

	// Name is the human-readable directory name. Defaults to ID.
	Name string

	// HubURL is the hub's HTTP base, e.g. http://localhost:8420. Required.
	HubURL string

	// Token is the bearer token for hubs running with auth enabled.
	Token string

	// Capabilities seeds the advertised capability list. Registered
	// executors are added on top.
	Capabilities []string

	Version string
	Labels  map[string]string

	// HeartbeatInterval paces the liveness loop. Zero means 30s.
	HeartbeatInterval time.Duration

	// RequestTTL bounds Request calls that pass no TTL. Zero means 30s.
	RequestTTL time.Duration
}

// Node is one agent process: a registry client, a hub stream, the frame
// router, and the task and conversation managers, wired together.
type Node struct {
	cfg    Config
	logger *slog.Logger

	registry  *registry.Client
	transport *transport.Client
	router    *router.Router
	coord     *tasks.Coordinator
	runner    *tasks.Runner
	convs     *conversation.Manager
	monitor   *heartbeat.Monitor

	mu     sync.Mutex
	card   *protocol.Agent
	status protocol.AgentStatus
}

// directory adapts the registry client to the coordinator's discovery needs.
type directory struct {
	client *registry.Client
}

func (d directory) Discover(ctx context.Context, capability string) ([]*protocol.Agent, error) {
	return d.client.Discover(ctx, registry.Filter{Capability: capability})
}

// New builds a node with every component constructed and wired. Nothing
// touches the network until Run.
func New(cfg Config, logger *slog.Logger) (*Node, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("node: agent id required")
	}
	if cfg.HubURL == "" {
		return nil, fmt.Errorf("node: hub url required")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	if logger == nil {
		logger = slog.Default()
	}

	n := &Node{
		cfg:    cfg,
		logger: logger.With("component", "node", "agent_id", cfg.ID),
		status: protocol.AgentOnline,
		card: &protocol.Agent{
			ID:           cfg.ID,
			Name:         cfg.Name,
			Capabilities: slices.Clone(cfg.Capabilities),
			Status:       protocol.AgentOnline,
			Metadata: protocol.AgentMetadata{
				Version: cfg.Version,
				Labels:  cfg.Labels,
			},
		},
	}

	n.registry = registry.New(registry.Config{
		BaseURL: cfg.HubURL,
		AgentID: cfg.ID,
		Token:   cfg.Token,
	}, logger)

	link, err := transport.New(transport.Config{
		HubURL:  cfg.HubURL,
		AgentID: cfg.ID,
		Token:   cfg.Token,
		Card:    n.card,
	}, logger)
	if err != nil {
		return nil, err
	}
	n.transport = link

	rt, err := router.New(router.Config{
		AgentID:    cfg.ID,
		DefaultTTL: cfg.RequestTTL,
	}, link, n, logger)
	if err != nil {
		return nil, err
	}
	n.router = rt

	coord, err := tasks.New(tasks.Config{AgentID: cfg.ID}, rt, directory{n.registry}, logger)
	if err != nil {
		return nil, err
	}
	n.coord = coord
	n.runner = tasks.NewRunner(cfg.ID, coord, logger)
	n.convs = conversation.NewManager(cfg.ID, rt, logger)

	monitor, err := heartbeat.New(cfg.ID, cfg.HeartbeatInterval, n.registry, n.Status, logger)
	if err != nil {
		return nil, err
	}
	n.monitor = monitor

	n.wire()
	return n, nil
}

// wire connects the routed frame kinds to their consumers. Subscriptions
// live for the node's lifetime.
func (n *Node) wire() {
	bg := context.Background()

	n.router.RegisterMethod(protocol.MethodAssignTask, n.runner.HandleAssignRequest)
	n.router.Subscribe(bg, protocol.NotifyTaskAssigned, n.runner.HandleAssigned)
	n.router.Subscribe(bg, protocol.NotifyTaskCompleted, n.coord.HandleCompleted)
	n.router.Subscribe(bg, protocol.NotifyTaskCancelled, n.handleTaskCancelled)
	n.router.Subscribe(bg, protocol.NotifyConversationStarted, n.convs.HandleStarted)
	n.router.Subscribe(bg, protocol.NotifyConversationEnded, n.convs.HandleEnded)
	n.router.Subscribe(bg, protocol.NotifyAgentJoined, n.logPresence)
	n.router.Subscribe(bg, protocol.NotifyAgentLeft, n.logPresence)
	n.router.SetConversationSink(n.convs)
}

// handleTaskCancelled merges the remote copy and interrupts the executor if
// the task is running here.
func (n *Node) handleTaskCancelled(ctx context.Context, msg *protocol.Message) {
	n.coord.HandleCancelled(ctx, msg)

	var task protocol.Task
	if err := protocol.Decode(msg.Payload["task"], &task); err != nil || task.ID == "" {
		return
	}
	n.runner.Interrupt(task.ID)
}

func (n *Node) logPresence(_ context.Context, msg *protocol.Message) {
	var peer protocol.Agent
	if err := protocol.Decode(msg.Payload["agent"], &peer); err != nil || peer.ID == n.cfg.ID {
		return
	}
	n.logger.Debug("peer presence changed", "event", msg.NotificationType(), "peer", peer.ID)
}

// ID returns the agent's identity.
func (n *Node) ID() string { return n.cfg.ID }

// Router exposes the frame router for requests and subscriptions.
func (n *Node) Router() *router.Router { return n.router }

// Tasks exposes the task coordinator.
func (n *Node) Tasks() *tasks.Coordinator { return n.coord }

// Conversations exposes the conversation manager.
func (n *Node) Conversations() *conversation.Manager { return n.convs }

// RegisterMethod installs a request handler on the router.
func (n *Node) RegisterMethod(method string, h router.Handler) {
	n.router.RegisterMethod(method, h)
}

// RegisterExecutor installs a task executor and advertises its name as a
// capability. Register executors before Run; the capability list rides the
// stream handshake card.
func (n *Node) RegisterExecutor(name string, fn tasks.Executor) {
	n.runner.Register(name, fn)

	n.mu.Lock()
	defer n.mu.Unlock()
	if !slices.Contains(n.card.Capabilities, name) {
		n.card.Capabilities = append(n.card.Capabilities, name)
		sort.Strings(n.card.Capabilities)
	}
}

// Card returns a snapshot of the agent's current directory record.
func (n *Node) Card() *protocol.Agent {
	n.mu.Lock()
	defer n.mu.Unlock()
	card := *n.card
	card.Capabilities = slices.Clone(n.card.Capabilities)
	card.Status = n.status
	card.LastSeen = time.Now().UTC()
	return &card
}

// Status returns the status the agent currently advertises.
func (n *Node) Status() protocol.AgentStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// SetStatus changes the advertised status. The next heartbeat announces it;
// nothing is pushed immediately.
func (n *Node) SetStatus(status protocol.AgentStatus) {
	n.mu.Lock()
	n.status = status
	n.mu.Unlock()
	n.logger.Debug("status changed", "status", status)
}

// Run registers the agent, connects the hub stream, and serves until ctx is
// cancelled. On the way out it announces offline, unregisters, and closes
// the transport, bounded by the shutdown window.
func (n *Node) Run(ctx context.Context) error {
	regCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	stored, err := n.registry.Register(regCtx, n.Card())
	cancel()
	if err != nil {
		return fmt.Errorf("registering with hub: %w", err)
	}
	n.logger.Info("agent registered", "name", stored.Name, "capabilities", stored.Capabilities)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	n.transport.Start(runCtx)

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		if err := n.router.Run(runCtx); err != nil {
			n.logger.Error("dispatch loop failed", "error", err)
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		if err := n.monitor.Run(runCtx); err != nil {
			n.logger.Error("heartbeat loop failed", "error", err)
		}
	}()

	select {
	case <-ctx.Done():
		n.logger.Info("shutdown requested")
	case <-dispatchDone:
		// Only a closed transport ends the dispatch loop early.
		n.logger.Warn("dispatch loop ended, shutting down")
	}

	cancelRun()
	<-dispatchDone
	<-heartbeatDone
	return n.shutdown()
}

func (n *Node) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	n.SetStatus(protocol.AgentOffline)

	var errs []error
	errs = appendCloseError(errs, "status update", n.registry.UpdateStatus(ctx, n.cfg.ID, protocol.AgentOffline))
	errs = appendCloseError(errs, "unregister", n.registry.Unregister(ctx, n.cfg.ID))
	errs = appendCloseError(errs, "transport", n.transport.Close())
	errs = appendCloseError(errs, "router", n.router.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	n.logger.Info("agent node stopped")
	return nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}
