package bus

import (
	"context"
	"log/slog"
	"sync"
)

const queueDepth = 256

// Bus is the concrete MessageRouter/EventPublisher implementation wiring
// channel adapters to the registry. A single Bus is shared process-wide;
// adapters and the registry hold it as *Bus (the two interfaces are
// declared in types.go), and tests use a real Bus from New.
type Bus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string]EventHandler
}

// New constructs a ready-to-use Bus with bounded inbound/outbound queues.
func New() *Bus {
	return &Bus{
		inbound:     make(chan InboundMessage, queueDepth),
		outbound:    make(chan OutboundMessage, queueDepth),
		subscribers: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues a normalized inbound message. Non-blocking: if the
// queue is saturated the message is dropped and logged, rather than letting
// a slow registry back-pressure an adapter's receive loop.
func (b *Bus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		slog.Warn("inbound queue full, dropping message", "channel", msg.Channel, "user_id", msg.UserID)
	}
}

// ConsumeInbound blocks until a message is available or ctx is cancelled.
func (b *Bus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues an outbound message for delivery by the registry's
// dispatch loop.
func (b *Bus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		slog.Warn("outbound queue full, dropping message", "channel", msg.Channel, "user_id", msg.UserID)
	}
}

// SubscribeOutbound blocks until an outbound message is available or ctx is
// cancelled.
func (b *Bus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Subscribe registers a handler for broadcast events under id. Re-registering
// the same id replaces the previous handler.
func (b *Bus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = handler
}

// Unsubscribe removes a previously registered handler. Idempotent.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Broadcast fans an event out to every subscriber concurrently. A panic in
// one handler is recovered and logged so it cannot take down the others.
func (b *Bus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		go func(h EventHandler) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("event subscriber panicked", "recover", r)
				}
			}()
			h(event)
		}(h)
	}
}
