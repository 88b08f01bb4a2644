package session

import (
	"testing"
	"time"

	"github.com/XavTo/OpenHands-Fork/internal/supervisor"
)

func TestHubPublishSubscribe(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("s1")
	defer cancel()

	h.Publish(supervisor.Event{SessionID: "s1", Type: supervisor.EventOutput, Message: "hello"})
	h.Publish(supervisor.Event{SessionID: "other", Type: supervisor.EventOutput, Message: "not mine"})

	select {
	case ev := <-ch:
		if ev.Message != "hello" {
			t.Errorf("message = %q, want hello", ev.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for another session: %+v", ev)
	default:
	}
}

func TestHubSlowSubscriberDropsEvents(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("s1")
	defer cancel()

	// Overflow the buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*2; i++ {
			h.Publish(supervisor.Event{SessionID: "s1", Type: supervisor.EventOutput})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	if got := len(ch); got != subscriberBuffer {
		t.Errorf("buffered events = %d, want %d", got, subscriberBuffer)
	}
}

func TestHubCloseSessionClosesSubscribers(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("s1")
	defer cancel()

	h.CloseSession("s1")

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel, got event")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}

	// Publishing after close must not panic.
	h.Publish(supervisor.Event{SessionID: "s1", Type: supervisor.EventOutput})
}

func TestHubCancelAfterCloseSession(t *testing.T) {
	h := NewHub()
	_, cancel := h.Subscribe("s1")
	h.CloseSession("s1")
	cancel() // Must be a no-op, not a double close.
}
