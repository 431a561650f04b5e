// Package bus provides the in-process event fabric connecting channel
// adapters to the registry: inbound/outbound message queues and a
// publish/subscribe broadcast for server-side events.
package bus

import "context"

// Attachment is a normalized media reference carried on inbound or outbound
// messages. URL may be an opaque platform handle (e.g. "tg://<file_id>")
// that the owning adapter resolves lazily via Channel.HandleAttachment.
type Attachment struct {
	Type     string `json:"type"` // image|audio|video|file
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// InboundMessage is the normalized form of a message received from a channel
// adapter, prior to dedup and routing.
type InboundMessage struct {
	ID             string            `json:"id"`
	Channel        string            `json:"channel"`
	UserID         string            `json:"user_id"`
	ChannelUserID  string            `json:"channel_user_id"`
	WorkspaceID    string            `json:"workspace_id,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Content        string            `json:"content"`
	Attachments    []Attachment      `json:"attachments,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// OutboundButton is an interactive component attached to an outbound message.
// The adapter maps Action to a platform-specific callback token.
type OutboundButton struct {
	Label  string `json:"label"`
	Action string `json:"action"`
	Value  string `json:"value,omitempty"`
}

// OutboundOptions carries optional outbound-message formatting hints.
type OutboundOptions struct {
	Buttons  []OutboundButton `json:"buttons,omitempty"`
	Markdown bool             `json:"markdown,omitempty"`
	Mentions []string         `json:"mentions,omitempty"`
}

// OutboundMessage is a message to be sent to a channel, either from the
// registry's routing path or from cross-channel fan-out (router.C6).
type OutboundMessage struct {
	Channel        string            `json:"channel"`
	UserID         string            `json:"user_id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Content        string            `json:"content"`
	Attachments    []Attachment      `json:"attachments,omitempty"`
	Options        OutboundOptions   `json:"options,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Event represents a server-side event to broadcast to WebSocket clients.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// MessageHandler handles an inbound message from a specific channel.
type MessageHandler func(InboundMessage) error

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription. Bus implements
// it; the channel adapters call those methods on *Bus directly.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound message routing between channel
// adapters and the registry.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
