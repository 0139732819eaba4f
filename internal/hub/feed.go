// ABOUTME: In-memory fan-out feed of hub lifecycle events for in-process observers
// ABOUTME: Publishes presence and relay events to all subscribers of an event kind

package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Feed event kinds. FeedAll subscribes to everything.
const (
	FeedAll          = "*"
	FeedAgentJoined  = "agent_joined"
	FeedAgentLeft    = "agent_left"
	FeedFrameRelayed = "frame_relayed"
)

// subscriberBufferSize is the channel buffer for each feed subscriber.
const subscriberBufferSize = 64

// FeedEvent is one observable hub occurrence: a stream opening or closing,
// or a frame moving through the relay.
type FeedEvent struct {
	Kind      string    `json:"kind"`
	AgentID   string    `json:"agentId,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Feed provides in-memory pub/sub for hub events. Subscribers register for
// an event kind (or FeedAll) and receive events as they happen. This powers
// the SSE event tap without polling the store.
type Feed struct {
	mu     sync.RWMutex
	subs   map[string]map[string]chan FeedEvent // kind -> subID -> ch
	logger *slog.Logger
}

// NewFeed creates a feed. Pass nil logger for default.
func NewFeed(logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		subs:   make(map[string]map[string]chan FeedEvent),
		logger: logger.With("component", "feed"),
	}
}

// Subscribe registers a subscriber for events of the given kind. Returns a
// channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (f *Feed) Subscribe(ctx context.Context, kind string) (<-chan FeedEvent, string) {
	subID := uuid.New().String()
	ch := make(chan FeedEvent, subscriberBufferSize)

	f.mu.Lock()
	if _, ok := f.subs[kind]; !ok {
		f.subs[kind] = make(map[string]chan FeedEvent)
	}
	f.subs[kind][subID] = ch
	f.mu.Unlock()

	f.logger.Debug("subscriber added", "kind", kind, "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		f.Unsubscribe(kind, subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers of its kind plus FeedAll
// subscribers. Non-blocking: events are dropped for subscribers whose
// channels are full.
func (f *Feed) Publish(ev FeedEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	f.mu.RLock()
	targets := make([]chan FeedEvent, 0, 4)
	for _, ch := range f.subs[ev.Kind] {
		targets = append(targets, ch)
	}
	if ev.Kind != FeedAll {
		for _, ch := range f.subs[FeedAll] {
			targets = append(targets, ch)
		}
	}
	f.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			// Subscriber channel full, drop the event for this subscriber
			f.logger.Debug("dropped event for slow subscriber", "kind", ev.Kind)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (f *Feed) Unsubscribe(kind, subID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	subs, ok := f.subs[kind]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(f.subs, kind)
	}

	f.logger.Debug("subscriber removed", "kind", kind, "sub_id", subID)
}

// Close shuts down the feed and closes all subscriber channels.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for kind, subs := range f.subs {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(f.subs, kind)
	}

	f.logger.Debug("feed closed")
}
