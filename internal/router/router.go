// ABOUTME: Routes frames between the local agent and the hub stream
// ABOUTME: Correlates request/response pairs, dispatches handlers, and fans out notifications

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/parley/internal/dedupe"
	"github.com/2389/parley/internal/protocol"
	"github.com/2389/parley/internal/transport"
)

// ErrDeliveryTimeout is returned by Request when no correlated response
// arrives within the message TTL.
var ErrDeliveryTimeout = errors.New("delivery timeout")

// RemoteError is a peer's error frame surfaced as a Go error. Code is one of
// the protocol error codes.
type RemoteError struct {
	Code   string
	Detail string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Detail)
}

// Handler serves one request method and returns the response payload.
type Handler func(ctx context.Context, msg *protocol.Message) (map[string]any, error)

// NotificationHandler observes one notification or broadcast frame.
type NotificationHandler func(ctx context.Context, msg *protocol.Message)

// Link is the slice of the transport the router needs.
type Link interface {
	Send(msg *protocol.Message) error
	Ack(msg *protocol.Message)
	Events() <-chan transport.Event
}

// CardSource provides the agent's current directory record for the built-in
// introspection methods.
type CardSource interface {
	Card() *protocol.Agent
}

// ConversationSink receives inbound frames that belong to a conversation.
type ConversationSink interface {
	Append(ctx context.Context, sessionID string, msg *protocol.Message) error
}

// BroadcastResult reports the outcome of one target of a broadcast. Targets
// fail independently; one bad target never blocks the rest.
type BroadcastResult struct {
	Target string
	Msg    *protocol.Message
	Err    error
}

// Config holds router settings.
type Config struct {
	AgentID string

	// DefaultTTL bounds Request calls that pass no TTL. Zero means 30s.
	DefaultTTL time.Duration

	// DedupeTTL and DedupeSize shape the inbound duplicate window.
	// Zero values mean 5m and 4096.
	DedupeTTL  time.Duration
	DedupeSize int
}

type pendingCall struct {
	ch     chan *protocol.Message
	origin *protocol.Message
}

// Router dispatches inbound frames and correlates outbound requests with
// their responses. One Run loop owns dispatch; request handlers run in their
// own goroutines so a slow handler never stalls correlation.
type Router struct {
	agentID    string
	defaultTTL time.Duration
	link       Link
	source     CardSource
	logger     *slog.Logger
	dedupe     *dedupe.Cache
	schema     *protocol.SchemaValidator
	started    time.Time

	mu         sync.Mutex
	handlers   map[string]Handler
	pending    map[string]*pendingCall
	subs       map[string]map[int]NotificationHandler
	nextSub    int
	broadcasts []NotificationHandler
	sink       ConversationSink
}

// New builds a router bound to one transport link. The built-in methods
// ping, get_capabilities, and get_status are registered immediately.
func New(cfg Config, link Link, source CardSource, logger *slog.Logger) (*Router, error) {
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("router: agent id required")
	}
	if link == nil {
		return nil, fmt.Errorf("router: link required")
	}
	if source == nil {
		return nil, fmt.Errorf("router: card source required")
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 30 * time.Second
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 5 * time.Minute
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = 4096
	}

	schema, err := protocol.NewSchemaValidator()
	if err != nil {
		return nil, fmt.Errorf("compiling payload schemas: %w", err)
	}

	r := &Router{
		agentID:    cfg.AgentID,
		defaultTTL: cfg.DefaultTTL,
		link:       link,
		source:     source,
		logger:     logger.With("component", "router"),
		dedupe:     dedupe.New(cfg.DedupeTTL, cfg.DedupeSize),
		schema:     schema,
		started:    time.Now(),
		handlers:   make(map[string]Handler),
		pending:    make(map[string]*pendingCall),
		subs:       make(map[string]map[int]NotificationHandler),
	}
	r.registerBuiltins()
	return r, nil
}

// RegisterMethod installs the handler for a request method, replacing any
// previous one.
func (r *Router) RegisterMethod(method string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// Subscribe registers a handler for one notification type. The subscription
// is removed when ctx is cancelled.
func (r *Router) Subscribe(ctx context.Context, notifType string, h NotificationHandler) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	if r.subs[notifType] == nil {
		r.subs[notifType] = make(map[int]NotificationHandler)
	}
	r.subs[notifType][id] = h
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.subs[notifType], id)
		r.mu.Unlock()
	}()
}

// OnBroadcast registers a listener for broadcast frames. Broadcasts expect
// no reply; listeners just observe.
func (r *Router) OnBroadcast(h NotificationHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, h)
}

// SetConversationSink wires the transcript store. Inbound frames carrying a
// session id are appended before dispatch, in arrival order.
func (r *Router) SetConversationSink(s ConversationSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = s
}

// Send queues one frame for delivery and returns it with its current
// delivery status. The frame rides the transport queue, so a down link
// still accepts it.
func (r *Router) Send(msg *protocol.Message) (*protocol.Message, error) {
	if msg.FromAgent == "" {
		msg.FromAgent = r.agentID
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if err := r.link.Send(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Request sends a request frame and blocks until the correlated response
// arrives, the TTL runs out, or ctx is cancelled. A zero ttl uses the
// router default. Error frames come back as a RemoteError.
func (r *Router) Request(ctx context.Context, to, method string, payload map[string]any, ttl time.Duration) (*protocol.Message, error) {
	if ttl <= 0 {
		ttl = r.defaultTTL
	}

	msg := protocol.NewMessage(r.agentID, to, protocol.MessageTypeRequest)
	msg.Method = method
	msg.Payload = payload
	msg.Metadata.TTLMillis = ttl.Milliseconds()

	call := &pendingCall{ch: make(chan *protocol.Message, 1), origin: msg}
	r.mu.Lock()
	r.pending[msg.ID] = call
	r.mu.Unlock()
	defer r.dropPending(msg.ID)

	if err := r.link.Send(msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(ttl)
	defer timer.Stop()

	select {
	case reply := <-call.ch:
		if reply.Type == protocol.MessageTypeError {
			detail, _ := reply.Payload["message"].(string)
			return nil, &RemoteError{Code: reply.ErrorCode(), Detail: detail}
		}
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: no response to %s from %s within %s", ErrDeliveryTimeout, method, to, ttl)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Broadcast sends an independent copy of the template to every target.
// Each copy gets its own id; results report per-target success or failure.
func (r *Router) Broadcast(template *protocol.Message, targets []string) []BroadcastResult {
	results := make([]BroadcastResult, 0, len(targets))
	for _, target := range targets {
		msg := protocol.NewMessage(r.agentID, target, protocol.MessageTypeBroadcast)
		msg.Payload = template.Payload
		msg.Metadata.Priority = template.Metadata.Priority
		msg.Metadata.SessionID = template.Metadata.SessionID

		err := r.link.Send(msg)
		results = append(results, BroadcastResult{Target: target, Msg: msg, Err: err})
	}
	return results
}

// Run consumes transport events until ctx is cancelled or the transport
// closes for good.
func (r *Router) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.link.Events():
			switch e := ev.(type) {
			case transport.StateChanged:
				if e.State == transport.StateClosed {
					return nil
				}
				if e.Cause != nil {
					r.logger.Warn("transport state changed", "state", e.State, "cause", e.Cause)
				} else {
					r.logger.Info("transport state changed", "state", e.State)
				}
			case transport.Received:
				r.dispatch(ctx, e.Msg)
			}
		}
	}
}

// Close releases the router's dedupe cache.
func (r *Router) Close() error {
	r.dedupe.Close()
	return nil
}

func (r *Router) dispatch(ctx context.Context, msg *protocol.Message) {
	if err := msg.Validate(); err != nil {
		r.logger.Warn("dropping malformed frame", "error", err)
		return
	}
	if r.dedupe.Seen(msg.ID) {
		r.logger.Debug("dropping duplicate frame", "message_id", msg.ID, "from", msg.FromAgent)
		return
	}
	if err := r.schema.ValidateMessage(msg); err != nil {
		if msg.Type == protocol.MessageTypeRequest {
			r.reply(msg.ErrorReply(r.agentID, protocol.CodeInvalidPayload, err.Error()))
		} else {
			r.logger.Warn("dropping frame with invalid payload",
				"message_id", msg.ID, "type", msg.Type, "error", err)
		}
		return
	}

	if sid := msg.Metadata.SessionID; sid != "" {
		r.mu.Lock()
		sink := r.sink
		r.mu.Unlock()
		if sink != nil {
			if err := sink.Append(ctx, sid, msg); err != nil {
				r.logger.Warn("conversation append failed", "session_id", sid, "error", err)
			}
		}
	}

	switch msg.Type {
	case protocol.MessageTypeRequest:
		go r.handleRequest(ctx, msg)
	case protocol.MessageTypeResponse, protocol.MessageTypeError:
		r.resolve(msg)
	case protocol.MessageTypeNotification:
		r.handleNotification(ctx, msg)
	case protocol.MessageTypeBroadcast:
		r.handleBroadcast(ctx, msg)
	}
}

func (r *Router) handleRequest(ctx context.Context, msg *protocol.Message) {
	r.mu.Lock()
	h, ok := r.handlers[msg.Method]
	r.mu.Unlock()

	if !ok {
		r.logger.Warn("unknown method requested", "method", msg.Method, "from", msg.FromAgent)
		r.reply(msg.ErrorReply(r.agentID, protocol.CodeUnknownMethod,
			fmt.Sprintf("no handler for method %q", msg.Method)))
		return
	}

	result, err := h(ctx, msg)
	if err != nil {
		r.reply(msg.ErrorReply(r.agentID, protocol.CodeHandlerError, err.Error()))
		return
	}
	r.reply(msg.Reply(r.agentID, result))
}

// resolve matches a response or error frame to its pending request. Frames
// with no waiter are dropped; late responses after a TTL expiry land here.
func (r *Router) resolve(msg *protocol.Message) {
	corr := msg.Metadata.CorrelationID
	r.mu.Lock()
	call := r.pending[corr]
	delete(r.pending, corr)
	r.mu.Unlock()

	if call == nil {
		r.logger.Debug("orphan response", "correlation_id", corr, "from", msg.FromAgent)
		return
	}
	r.link.Ack(call.origin)
	call.ch <- msg
}

func (r *Router) handleNotification(ctx context.Context, msg *protocol.Message) {
	t := msg.NotificationType()
	r.mu.Lock()
	fns := make([]NotificationHandler, 0, len(r.subs[t]))
	for _, fn := range r.subs[t] {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	if len(fns) == 0 {
		r.logger.Debug("unhandled notification", "type", t, "from", msg.FromAgent)
		return
	}
	for _, fn := range fns {
		fn(ctx, msg)
	}
}

func (r *Router) handleBroadcast(ctx context.Context, msg *protocol.Message) {
	r.mu.Lock()
	fns := make([]NotificationHandler, len(r.broadcasts))
	copy(fns, r.broadcasts)
	r.mu.Unlock()

	for _, fn := range fns {
		fn(ctx, msg)
	}
}

func (r *Router) reply(msg *protocol.Message) {
	if err := r.link.Send(msg); err != nil {
		r.logger.Warn("reply send failed", "to", msg.ToAgent, "error", err)
	}
}

func (r *Router) dropPending(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}
