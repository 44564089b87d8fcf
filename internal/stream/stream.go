package stream

import (
	"context"
	"sync"
	"time"
)

// AssignmentEvent describes a lifecycle change on an assignment for the live feed.
type AssignmentEvent struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Level      string    `json:"level"`
	Amount     int64     `json:"amount"`
	Timestamp  time.Time `json:"timestamp"`
}

// Stream fan-outs assignment events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan AssignmentEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{
		subs: make(map[int]chan AssignmentEvent),
	}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan AssignmentEvent {
	ch := make(chan AssignmentEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt AssignmentEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (s *Stream) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
