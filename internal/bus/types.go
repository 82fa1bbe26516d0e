package bus

import "context"

// InboundMessage is a message entering the agent process from a caller
// (CLI, HTTP front-end, cron timer, subagent announce).
type InboundMessage struct {
	Channel  string            `json:"channel"`
	SenderID string            `json:"sender_id,omitempty"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a message leaving the agent process toward a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Subscriber receives outbound messages for one channel. Subscribers must
// not block: delivery is synchronous and in registration order.
type Subscriber func(OutboundMessage)

// MessageRouter abstracts inbound/outbound message routing between the
// front-ends and the agent dispatch loop.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(channel string, sub Subscriber) (unsubscribe func())
}
