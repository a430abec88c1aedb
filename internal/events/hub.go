package events

import (
	"context"
	"sync"
)

const defaultSubscriberBuffer = 16

// Hub is the in-process publisher feeding room stream subscribers.
// Slow subscribers drop events instead of blocking publishers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Message
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultSubscriberBuffer,
	}
}

// Subscribe registers a listener for topic until ctx is done or the returned cancel runs.
func (h *Hub) Subscribe(ctx context.Context, topic string) (<-chan Message, func()) {
	if topic == "" {
		ch := make(chan Message)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     h.nextSequence(),
		stream: make(chan Message, h.bufferSize),
	}
	h.register(topic, sub)
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.unregister(topic, sub.id)
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return sub.stream, cancel
}

// Publish delivers the event to current subscribers of topic.
func (h *Hub) Publish(_ context.Context, topic string, event Event) error {
	h.Deliver(Message{Topic: topic, Event: event})
	return nil
}

// Deliver fans a message out to the topic's subscribers.
func (h *Hub) Deliver(message Message) {
	if message.Topic == "" {
		return
	}
	h.mu.RLock()
	subscribers := h.subscribers[message.Topic]
	if len(subscribers) == 0 {
		h.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	h.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- message:
		default:
		}
	}
}

// Subscribers returns the number of listeners on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[topic])
}

// Close is a no-op; subscribers end with their contexts.
func (h *Hub) Close() error {
	return nil
}

func (h *Hub) nextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}

func (h *Hub) register(topic string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[topic]; !ok {
		h.subscribers[topic] = make(map[int64]*subscriber)
	}
	h.subscribers[topic][sub.id] = sub
}

func (h *Hub) unregister(topic string, subscriberID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscribers := h.subscribers[topic]
	if subscribers == nil {
		return
	}
	delete(subscribers, subscriberID)
	if len(subscribers) == 0 {
		delete(h.subscribers, topic)
	}
}
