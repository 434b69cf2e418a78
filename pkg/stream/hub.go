package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published on the live governance feed.
const (
	TypeEventDisposed     = "event_disposed"
	TypeSessionEnded      = "session_ended"
	TypeDecisionLogged    = "decision_logged"
	TypeChallengeUpdated  = "challenge_updated"
	TypeEscalationRaised  = "escalation_raised"
	TypeProjectSuspended  = "project_suspended"
	TypeProjectRegistered = "project_registered"
)

type Event struct {
	Type    string          `json:"type"`
	Project string          `json:"project,omitempty"`
	At      string          `json:"at"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType, project string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{
		Type:    eventType,
		Project: project,
		At:      time.Now().UTC().Format(time.RFC3339Nano),
		Data:    raw,
	}
}

type subscriber struct {
	ch      chan Event
	project string
}

// Hub fans governance events out to websocket subscribers. Slow subscribers
// drop events rather than block publishers.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]subscriber
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]subscriber{}}
}

// Subscribe registers a listener. An empty project receives every event;
// otherwise only that project's events are delivered.
func (h *Hub) Subscribe(project string, buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = subscriber{ch: ch, project: project}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch, sub := range h.subs {
		if sub.project != "" && sub.project != evt.Project {
			continue
		}
		select {
		case ch <- evt:
		default:
		}
	}
}
