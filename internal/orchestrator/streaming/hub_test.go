package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/delidev/core/internal/common/logger"
	"github.com/delidev/core/internal/task/models"
)

func drain(t *testing.T, sub *Subscription, n int, timeout time.Duration) []*models.LogMessage {
	t.Helper()
	out := make([]*models.LogMessage, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case msg := <-sub.Messages():
			out = append(out, msg)
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages, got %d", n, len(out))
		}
	}
	return out
}

func TestHubSubscribeReplaysBacklog(t *testing.T) {
	h := NewHub(nil, logger.Default())

	for i := 0; i < 3; i++ {
		_ = h.Publish(context.Background(), &models.LogMessage{TaskID: "t1", Type: models.LogText, Text: "line"})
	}

	sub := h.Subscribe("t1", 0)
	defer sub.Close()

	got := drain(t, sub, 3, time.Second)
	if len(got) != 3 {
		t.Fatalf("expected 3 backlog messages, got %d", len(got))
	}
}

func TestHubPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	h := NewHub(nil, logger.Default())
	sub := h.Subscribe("t1", 0)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*4; i++ {
			_ = h.Publish(context.Background(), &models.LogMessage{TaskID: "t1", Type: models.LogText, Text: "line"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a subscriber that never drained its channel")
	}
}

func TestHubLaggedSubscriberIsNotified(t *testing.T) {
	h := NewHub(nil, logger.Default())
	h.ringSize = 4

	// Overflow the ring before anyone subscribes, so a cursor-0 subscriber is
	// deterministically behind the moment it attaches.
	for i := 0; i < 20; i++ {
		_ = h.Publish(context.Background(), &models.LogMessage{TaskID: "t1", Type: models.LogText, Text: "line"})
	}

	sub := h.Subscribe("t1", 0)
	defer sub.Close()

	select {
	case dropped := <-sub.Lagged():
		if dropped != 16 {
			t.Fatalf("expected 16 dropped messages, got %d", dropped)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a Lagged notification after overflowing the ring buffer")
	}

	got := drain(t, sub, 4, time.Second)
	if len(got) != 4 {
		t.Fatalf("expected the 4 retained messages to still be delivered, got %d", len(got))
	}
}

func TestHubIndependentCursors(t *testing.T) {
	h := NewHub(nil, logger.Default())

	_ = h.Publish(context.Background(), &models.LogMessage{TaskID: "t1", Type: models.LogText, Text: "a"})
	_ = h.Publish(context.Background(), &models.LogMessage{TaskID: "t1", Type: models.LogText, Text: "b"})

	early := h.Subscribe("t1", 0)
	defer early.Close()
	late := h.Subscribe("t1", 2)
	defer late.Close()

	_ = h.Publish(context.Background(), &models.LogMessage{TaskID: "t1", Type: models.LogText, Text: "c"})

	earlyMsgs := drain(t, early, 3, time.Second)
	lateMsgs := drain(t, late, 1, time.Second)

	if earlyMsgs[0].Text != "a" || earlyMsgs[2].Text != "c" {
		t.Fatalf("unexpected early subscriber sequence: %+v", earlyMsgs)
	}
	if lateMsgs[0].Text != "c" {
		t.Fatalf("unexpected late subscriber sequence: %+v", lateMsgs)
	}
}

func TestHubSweepReclaimsIdleStreams(t *testing.T) {
	h := NewHub(nil, logger.Default())
	h.idleTimeout = 0

	_ = h.Publish(context.Background(), &models.LogMessage{TaskID: "t1", Type: models.LogText, Text: "a"})

	h.sweep()

	h.mu.RLock()
	_, exists := h.streams["t1"]
	h.mu.RUnlock()
	if exists {
		t.Fatal("expected idle stream with no subscribers to be reclaimed")
	}
}

func TestHubSweepKeepsStreamsWithSubscribers(t *testing.T) {
	h := NewHub(nil, logger.Default())
	h.idleTimeout = 0

	sub := h.Subscribe("t1", 0)
	defer sub.Close()

	h.sweep()

	h.mu.RLock()
	_, exists := h.streams["t1"]
	h.mu.RUnlock()
	if !exists {
		t.Fatal("expected stream with an active subscriber to survive the sweep")
	}
}

func TestHubPublishRejectsMissingTaskID(t *testing.T) {
	h := NewHub(nil, logger.Default())
	if err := h.Publish(context.Background(), &models.LogMessage{Type: models.LogText}); err == nil {
		t.Fatal("expected an error for a message with no task_id")
	}
}
