// ABOUTME: Tests for the hub event feed fan-out
// ABOUTME: Covers subscribe, kind isolation, unsubscribe, cancellation, slow subscribers

package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testContext stands in for testing.T.Context, which needs Go 1.24; the
// returned context is cancelled when the test ends.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func TestFeed_SingleSubscriberReceivesEvent(t *testing.T) {
	f := NewFeed(nil)
	defer f.Close()

	ch, _ := f.Subscribe(testContext(t), FeedAgentJoined)

	f.Publish(FeedEvent{Kind: FeedAgentJoined, AgentID: "agent-1"})

	select {
	case ev := <-ch:
		assert.Equal(t, "agent-1", ev.AgentID)
		assert.False(t, ev.At.IsZero(), "publish should stamp the event time")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestFeed_AllKindReceivesEveryEvent(t *testing.T) {
	f := NewFeed(nil)
	defer f.Close()

	ch, _ := f.Subscribe(testContext(t), FeedAll)

	f.Publish(FeedEvent{Kind: FeedAgentJoined, AgentID: "a"})
	f.Publish(FeedEvent{Kind: FeedFrameRelayed, MessageID: "m1"})

	var kinds []string
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			kinds = append(kinds, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []string{FeedAgentJoined, FeedFrameRelayed}, kinds)
}

func TestFeed_KindsAreIsolated(t *testing.T) {
	f := NewFeed(nil)
	defer f.Close()

	joined, _ := f.Subscribe(testContext(t), FeedAgentJoined)
	left, _ := f.Subscribe(testContext(t), FeedAgentLeft)

	f.Publish(FeedEvent{Kind: FeedAgentJoined, AgentID: "a"})

	select {
	case ev := <-joined:
		assert.Equal(t, "a", ev.AgentID)
	case <-time.After(time.Second):
		t.Fatal("joined subscriber timed out")
	}

	select {
	case ev := <-left:
		t.Fatalf("left subscriber should not receive %q", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFeed_UnsubscribeClosesChannel(t *testing.T) {
	f := NewFeed(nil)
	defer f.Close()

	ch, subID := f.Subscribe(context.Background(), FeedAgentJoined)
	f.Unsubscribe(FeedAgentJoined, subID)

	_, open := <-ch
	assert.False(t, open, "channel should be closed after unsubscribe")

	// Publishing after unsubscribe must not panic
	f.Publish(FeedEvent{Kind: FeedAgentJoined, AgentID: "a"})
}

func TestFeed_ContextCancellationCleansUp(t *testing.T) {
	f := NewFeed(nil)
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := f.Subscribe(ctx, FeedAgentJoined)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond, "channel should close after context cancellation")
}

func TestFeed_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	f := NewFeed(nil)
	defer f.Close()

	_, _ = f.Subscribe(testContext(t), FeedFrameRelayed)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Nobody drains the subscriber; overflow past the buffer must drop
		for i := 0; i < subscriberBufferSize+16; i++ {
			f.Publish(FeedEvent{Kind: FeedFrameRelayed, MessageID: "m"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestFeed_ConcurrentPublishAndSubscribe(t *testing.T) {
	f := NewFeed(nil)
	defer f.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			ch, _ := f.Subscribe(ctx, FeedAll)
			for j := 0; j < 20; j++ {
				f.Publish(FeedEvent{Kind: FeedAgentJoined, AgentID: "a"})
				select {
				case <-ch:
				default:
				}
			}
		}()
	}
	wg.Wait()
}
