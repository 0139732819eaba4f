// ABOUTME: WebSocket client that keeps one stream to the hub alive across drops
// ABOUTME: Queues outbound frames while disconnected and flushes them in enqueue order

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/parley/internal/protocol"
)

// Transport errors
var (
	// ErrClosed is returned by Send after Close; the transport never reopens.
	ErrClosed = errors.New("transport closed")

	// ErrConnectionLost marks link failures. It drives reconnection and state
	// events; Send callers never see it because frames queue instead.
	ErrConnectionLost = errors.New("connection lost")
)

// HubTarget addresses handshake frames to the hub itself.
const HubTarget = "hub"

// Config holds the settings for one hub stream.
type Config struct {
	HubURL  string
	AgentID string
	Token   string
	Card    *protocol.Agent
	Backoff BackoffConfig

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
}

// Client is the agent side of the hub stream. All outbound frames pass
// through a single FIFO queue drained by one writer goroutine, so enqueue
// order is delivery order across reconnects.
type Client struct {
	cfg    Config
	wsURL  string
	logger *slog.Logger
	rng    *rand.Rand

	mu     sync.Mutex
	state  State
	queue  []*protocol.Message
	closed bool

	kick   chan struct{}
	events chan Event
	done   chan struct{}

	startOnce sync.Once
}

// New builds a transport client. The returned client is Disconnected until
// Start is called.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.HubURL == "" {
		return nil, fmt.Errorf("transport: hub url required")
	}
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("transport: agent id required")
	}
	if cfg.Card == nil {
		return nil, fmt.Errorf("transport: agent card required")
	}

	wsURL, err := buildWSURL(cfg.HubURL, cfg.AgentID)
	if err != nil {
		return nil, err
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 90 * time.Second
	}
	if cfg.Backoff.Initial == 0 {
		cfg.Backoff = DefaultBackoff()
	}

	return &Client{
		cfg:    cfg,
		wsURL:  wsURL,
		logger: logger.With("component", "transport"),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		state:  StateDisconnected,
		kick:   make(chan struct{}, 1),
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}, nil
}

// Start launches the supervisor goroutine that dials, handshakes, and
// reconnects until ctx is cancelled or Close is called. Safe to call once;
// later calls are no-ops.
func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		go c.supervise(ctx)
	})
}

// Send queues one frame for delivery. It never fails on a down link; the
// frame waits in the queue and flushes on reconnect.
func (c *Client) Send(msg *protocol.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.queue = append(c.queue, msg)
	c.mu.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}
	return nil
}

// Ack records that a correlated reply confirmed delivery of msg. Delivery
// status writes stay behind the transport mutex so callers and the writer
// never race on the same frame.
func (c *Client) Ack(msg *protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.Status != protocol.DeliveryFailed {
		msg.Status = protocol.DeliveryAcknowledged
	}
}

// Events returns the stream of state changes and inbound frames.
func (c *Client) Events() <-chan Event {
	return c.events
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// QueueLen returns the number of frames waiting to be written.
func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Close shuts the transport down for good. Queued frames are dropped.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateClosed
	c.mu.Unlock()

	close(c.done)
	select {
	case c.events <- StateChanged{State: StateClosed}:
	default:
	}
	return nil
}

// supervise owns the reconnect loop: dial, handshake, serve, back off, again.
func (c *Client) supervise(ctx context.Context) {
	attempt := 0
	for {
		if c.stopped(ctx) {
			return
		}

		c.transition(StateConnecting, nil)
		conn, backlog, err := c.connect(ctx)
		if err != nil {
			attempt++
			c.transition(StateDisconnected, err)
			c.logger.Warn("connect failed", "attempt", attempt, "error", err)
			if !c.sleep(ctx, c.cfg.Backoff.Delay(attempt, c.rng)) {
				return
			}
			continue
		}

		attempt = 0
		c.transition(StateConnected, nil)
		c.logger.Info("connected to hub", "url", c.wsURL)
		for _, msg := range backlog {
			c.emit(Received{Msg: msg})
		}

		err = c.serve(ctx, conn)
		conn.Close()
		if c.stopped(ctx) {
			return
		}

		c.transition(StateDisconnected, err)
		c.logger.Warn("link lost, reconnecting", "error", err)
		if !c.sleep(ctx, c.cfg.Backoff.Delay(1, c.rng)) {
			return
		}
	}
}

// connect dials the hub and performs the initialize handshake. Frames that
// arrive before the handshake answer are returned for delivery after the
// Connected transition.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, []*protocol.Message, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, c.wsURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, nil, fmt.Errorf("%w: dial: %v", ErrConnectionLost, err)
	}

	init := protocol.NewMessage(c.cfg.AgentID, HubTarget, protocol.MessageTypeRequest)
	init.Method = protocol.MethodInitialize
	card, err := protocol.Encode(c.cfg.Card)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("encoding agent card: %w", err)
	}
	init.Payload = map[string]any{"agent": card}

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(init); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("%w: handshake send: %v", ErrConnectionLost, err)
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	var backlog []*protocol.Message
	for {
		msg := &protocol.Message{}
		if err := conn.ReadJSON(msg); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("%w: handshake read: %v", ErrConnectionLost, err)
		}
		if msg.Metadata.CorrelationID == init.ID {
			if msg.Type == protocol.MessageTypeError {
				conn.Close()
				code, _ := msg.Payload["message"].(string)
				return nil, nil, fmt.Errorf("handshake rejected: %s %s", msg.ErrorCode(), code)
			}
			break
		}
		backlog = append(backlog, msg)
		if len(backlog) > 64 {
			conn.Close()
			return nil, nil, fmt.Errorf("%w: no handshake answer", ErrConnectionLost)
		}
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.cfg.WriteTimeout))
	})

	return conn, backlog, nil
}

// serve pumps frames in both directions until the link fails or the
// transport stops.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	errCh := make(chan error, 2)
	stop := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- c.readLoop(conn)
	}()
	go func() {
		defer wg.Done()
		errCh <- c.writeLoop(conn, stop)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = ctx.Err()
	case <-c.done:
		err = ErrClosed
	}

	close(stop)
	conn.Close()
	wg.Wait()
	return err
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		msg := &protocol.Message{}
		if err := conn.ReadJSON(msg); err != nil {
			return fmt.Errorf("%w: read: %v", ErrConnectionLost, err)
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		c.emit(Received{Msg: msg})
	}
}

func (c *Client) writeLoop(conn *websocket.Conn, stop <-chan struct{}) error {
	for {
		msg, ok := c.popOutbound()
		for ok {
			if err := c.writeFrame(conn, msg); err != nil {
				c.requeueFront(msg)
				return fmt.Errorf("%w: write: %v", ErrConnectionLost, err)
			}
			c.markSent(msg)
			msg, ok = c.popOutbound()
		}

		select {
		case <-c.kick:
		case <-stop:
			return nil
		}
	}
}

func (c *Client) writeFrame(conn *websocket.Conn, msg *protocol.Message) error {
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteJSON(msg)
}

func (c *Client) popOutbound() (*protocol.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil, false
	}
	msg := c.queue[0]
	c.queue = c.queue[1:]
	return msg, true
}

// requeueFront puts a frame whose write failed back at the head so the next
// flush retries it first; the retry counter records the extra delivery try.
func (c *Client) requeueFront(msg *protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg.RetryCount++
	msg.Status = protocol.DeliveryPending
	c.queue = append([]*protocol.Message{msg}, c.queue...)
}

func (c *Client) markSent(msg *protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg.Status = protocol.DeliverySent
}

func (c *Client) transition(state State, cause error) {
	c.mu.Lock()
	if c.closed || c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()
	c.emit(StateChanged{State: state, Cause: cause})
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Client) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}

// sleep waits for d, returning false when the transport should stop instead.
func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !c.stopped(ctx)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-c.done:
		return false
	}
}

// buildWSURL converts the hub base URL into the stream endpoint with the
// agent identity in the query string.
func buildWSURL(hubURL, agentID string) (string, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return "", fmt.Errorf("parsing hub url: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported hub url scheme %q", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("agent_id", agentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
