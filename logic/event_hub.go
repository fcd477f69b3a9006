package logic

import (
	"sync"
)

// Hub fans loader events out to stream clients and the embedded broker. It remembers the
// last event of every type so that late subscribers can be brought up to date.
type Hub struct {
	mu          sync.RWMutex
	last        map[EventType]Event
	subscribers map[int]chan Event
	nextID      int
}

func NewHub() *Hub {
	return &Hub{
		last:        make(map[EventType]Event),
		subscribers: make(map[int]chan Event),
	}
}

// Publish delivers an event to every subscriber without blocking. A subscriber whose
// buffer is full misses the event.
func (h *Hub) Publish(eventType EventType, data interface{}) {
	event := Event{Type: eventType, Data: data}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.last[eventType] = event
	for _, ch := range h.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a new subscriber. The returned function unregisters it and closes
// the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, buffer)
	h.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Snapshot returns the last event of every type except LOG, in EventTypes order.
func (h *Hub) Snapshot() []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var events []Event
	for _, t := range EventTypes {
		if t == EventLog {
			continue
		}
		if event, ok := h.last[t]; ok {
			events = append(events, event)
		}
	}
	return events
}

// Last returns the last event of the given type.
func (h *Hub) Last(eventType EventType) (Event, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	event, ok := h.last[eventType]
	return event, ok
}
