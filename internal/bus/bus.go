// Package bus implements the in-process message bus: a strict
// single-consumer inbound FIFO with waiter handoff, and channel-keyed
// outbound pub/sub.
package bus

import (
	"context"
	"sync"
)

// MessageBus routes messages between front-ends and the dispatch loop.
//
// Inbound is single-consumer: every published message is delivered to
// exactly one consumer, FIFO among messages and FIFO among waiting
// consumers. Outbound is fan-out with no buffering — a subscriber that
// registers after a publish never sees that message.
type MessageBus struct {
	mu          sync.Mutex
	queue       []InboundMessage
	waiters     []chan InboundMessage
	subscribers map[string][]subscription
	nextSubID   int
}

type subscription struct {
	id int
	fn Subscriber
}

// NewMessageBus creates an empty message bus.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		subscribers: make(map[string][]subscription),
	}
}

// PublishInbound enqueues a message for the inbound consumer. If a consumer
// is already waiting, the message is handed to the head waiter directly.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.mu.Lock()
	if len(b.waiters) > 0 {
		w := b.waiters[0]
		b.waiters = b.waiters[1:]
		b.mu.Unlock()
		w <- msg
		return
	}
	b.queue = append(b.queue, msg)
	b.mu.Unlock()
}

// ConsumeInbound returns the next inbound message, blocking until one is
// published or ctx is cancelled. The second return is false on cancellation.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	b.mu.Lock()
	if len(b.queue) > 0 {
		msg := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()
		return msg, true
	}

	// Waiter channels are buffered so a publisher never blocks on a
	// consumer that lost the race with ctx cancellation.
	w := make(chan InboundMessage, 1)
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	select {
	case msg := <-w:
		return msg, true
	case <-ctx.Done():
		b.mu.Lock()
		for i, c := range b.waiters {
			if c == w {
				b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		// The publisher may have handed us a message before we removed
		// ourselves. It was the oldest message at hand-off time, so it
		// goes back to the head of the line, not the tail.
		select {
		case msg := <-w:
			b.requeueFront(msg)
		default:
		}
		return InboundMessage{}, false
	}
}

// requeueFront puts a message back at the head of the inbound queue,
// handing it to a waiting consumer when one exists.
func (b *MessageBus) requeueFront(msg InboundMessage) {
	b.mu.Lock()
	if len(b.waiters) > 0 {
		w := b.waiters[0]
		b.waiters = b.waiters[1:]
		b.mu.Unlock()
		w <- msg
		return
	}
	b.queue = append([]InboundMessage{msg}, b.queue...)
	b.mu.Unlock()
}

// PublishOutbound delivers msg synchronously to every subscriber of
// msg.Channel in registration order, then to wildcard ("*") subscribers.
// With no subscribers the message is dropped silently.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.mu.Lock()
	subs := make([]subscription, 0, len(b.subscribers[msg.Channel])+len(b.subscribers["*"]))
	subs = append(subs, b.subscribers[msg.Channel]...)
	subs = append(subs, b.subscribers["*"]...)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.fn(msg)
	}
}

// SubscribeOutbound registers sub for a channel; "*" subscribes to every
// channel. There is no replay: subscribers only see messages published
// after registration. The returned func removes the subscription.
func (b *MessageBus) SubscribeOutbound(channel string, sub Subscriber) func() {
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	b.subscribers[channel] = append(b.subscribers[channel], subscription{id: id, fn: sub})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[channel]
		for i, s := range subs {
			if s.id == id {
				b.subscribers[channel] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// PendingInbound returns the number of queued inbound messages.
func (b *MessageBus) PendingInbound() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
