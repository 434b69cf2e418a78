package stream

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewEvent(t *testing.T) {
	t.Parallel()

	evt := NewEvent(TypeDecisionLogged, "acme/widgets", map[string]string{"id": "123"})
	if evt.Type != TypeDecisionLogged {
		t.Fatalf("expected type decision_logged, got %q", evt.Type)
	}
	if evt.Project != "acme/widgets" {
		t.Fatalf("expected project, got %q", evt.Project)
	}
	if evt.At == "" {
		t.Fatal("expected timestamp")
	}
	var payload map[string]string
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["id"] != "123" {
		t.Fatalf("expected id=123, got %q", payload["id"])
	}
}

func TestSubscribePublishAndUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe("", 1)
	h.Publish(NewEvent(TypeSessionEnded, "acme/widgets", nil))

	select {
	case evt := <-ch:
		if evt.Type != TypeSessionEnded {
			t.Fatalf("expected session_ended event, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	h.Unsubscribe(ch)
	// Must not panic on repeated calls.
	h.Unsubscribe(ch)
}

func TestProjectFilteredSubscription(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe("acme/widgets", 2)
	defer h.Unsubscribe(ch)

	h.Publish(NewEvent(TypeSessionEnded, "acme/other", nil))
	h.Publish(NewEvent(TypeSessionEnded, "acme/widgets", nil))

	select {
	case evt := <-ch:
		if evt.Project != "acme/widgets" {
			t.Fatalf("expected filtered project, got %q", evt.Project)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	select {
	case evt := <-ch:
		t.Fatalf("foreign project event delivered: %+v", evt)
	default:
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe("", 1)
	defer h.Unsubscribe(ch)

	first := NewEvent(TypeEventDisposed, "p", nil)
	second := NewEvent(TypeSessionEnded, "p", nil)
	h.Publish(first)
	h.Publish(second)

	select {
	case evt := <-ch:
		if evt.Type != TypeEventDisposed {
			t.Fatalf("expected first event to remain in buffer, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first event")
	}

	select {
	case evt := <-ch:
		t.Fatalf("did not expect second buffered event, got %q", evt.Type)
	default:
	}
}

func TestSubscribeUsesDefaultBuffer(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe("", 0)
	defer h.Unsubscribe(ch)
	if cap(ch) != 32 {
		t.Fatalf("expected default buffer 32, got %d", cap(ch))
	}
}
