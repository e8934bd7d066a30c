// ABOUTME: In-memory fan-out event bus for coordinator events
// ABOUTME: Subscribers get a buffered channel; slow subscribers drop events instead of blocking publishers

package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 256
)

// Bus provides in-memory pub/sub for exchange events. Dropped events are
// recovered by subscribers reconciling against stored exchange state.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan *Event // subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBus creates a bus. Pass nil logger for default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]chan *Event),
		logger:      logger.With("component", "event-bus"),
	}
}

// Subscribe registers a subscriber. Returns a channel that receives events and
// a subscription ID. The subscription is cleaned up when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers without blocking.
func (b *Bus) Publish(_ context.Context, ev *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("dropped event for slow subscriber",
				"sub_id", id,
				"event_id", ev.ID,
				"type", ev.Type)
		}
	}
	return nil
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, subID)
	}
	b.closed = true

	b.logger.Debug("event bus closed")
}
