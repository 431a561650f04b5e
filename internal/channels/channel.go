// Package channels implements the adapter abstraction (C3), the normalized
// message/stream types (C2), and the channel registry (C5) that ties
// platform-specific adapters to the upstream Brain streaming client.
//
// Adapted from PicoClaw/GoClaw's pkg/channels, generalized from a bool
// "running" flag to the tri-state disconnected/connecting/connected adapter
// lifecycle and from ad-hoc Send/IsRunning methods to the full C3 contract
// (HandleAttachment, FormatOutgoing, optional streaming capability).
package channels

import (
	"context"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
)

// InternalChannels are system channels excluded from outbound dispatch.
var InternalChannels = map[string]bool{
	"cli":      true,
	"system":   true,
	"subagent": true,
}

// IsInternalChannel checks if a channel name is internal.
func IsInternalChannel(name string) bool {
	return InternalChannels[name]
}

// ChannelType is the closed tag set of platform classes this gateway knows
// how to talk to.
type ChannelType string

const (
	ChannelWeb      ChannelType = "web"
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelWhatsApp ChannelType = "whatsapp"
)

// AdapterStatus is the adapter lifecycle state. Legal transitions:
// disconnected -> connecting -> connected -> disconnected, with
// connecting -> disconnected allowed (connect failed). Every transition
// fires exactly one "status" event on the bus.
type AdapterStatus string

const (
	StatusDisconnected AdapterStatus = "disconnected"
	StatusConnecting   AdapterStatus = "connecting"
	StatusConnected    AdapterStatus = "connected"
)

// DMPolicy controls how DMs from unknown senders are handled.
type DMPolicy string

const (
	DMPolicyPairing   DMPolicy = "pairing"
	DMPolicyAllowlist DMPolicy = "allowlist"
	DMPolicyOpen      DMPolicy = "open"
	DMPolicyDisabled  DMPolicy = "disabled"
)

// GroupPolicy controls how group messages are handled.
type GroupPolicy string

const (
	GroupPolicyOpen      GroupPolicy = "open"
	GroupPolicyAllowlist GroupPolicy = "allowlist"
	GroupPolicyDisabled  GroupPolicy = "disabled"
)

// StatusEvent is the bus.Event payload published on every adapter status
// transition (invariant: exactly one per transition).
type StatusEvent struct {
	Channel string        `json:"channel"`
	Status  AdapterStatus `json:"status"`
}

// Channel is the common contract every adapter satisfies (C3).
type Channel interface {
	ChannelType() ChannelType
	Name() string
	Status() AdapterStatus

	// Connect brings the adapter's transport up. Idempotent from Connected
	// (no-op); calling from Connecting is a caller error.
	Connect(ctx context.Context) error
	// Disconnect cancels polling loops, closes sockets, clears timers and
	// transitions to Disconnected. Completes after all background work drains.
	Disconnect(ctx context.Context) error

	// Send delivers an outbound message. Returns gwerrors.ErrUnknownUser if
	// the adapter has no mapping for userID on this surface.
	Send(ctx context.Context, userID string, msg bus.OutboundMessage) error

	// HandleAttachment resolves a platform-native handle into a downloadable
	// reference. Default behavior (embedded via BaseChannel) returns input
	// unchanged; adapters override when resolution is needed.
	HandleAttachment(ctx context.Context, a bus.Attachment) (bus.Attachment, error)

	// FormatOutgoing is a pure transformation to platform-native conventions.
	FormatOutgoing(msg bus.OutboundMessage) bus.OutboundMessage

	IsAllowed(senderID string) bool
}

// StreamHandle identifies a live outbound message that can be progressively
// edited. Fields beyond ChatID are adapter-specific context.
type StreamHandle struct {
	ChatID    string
	MessageID string
	ThreadID  string
}

// StreamChunkKind tags the StreamChunk variant normalized from Brain's wire
// discriminator (numeric or string — see pkg/protocol.RawChunk.Kind).
type StreamChunkKind int

const (
	ChunkContentDelta StreamChunkKind = iota
	ChunkToolCall
	ChunkDone
	ChunkError
)

// Recognized StreamChunk.Metadata keys.
const (
	MetaAgentStatus  = "agent_status"
	MetaToolName     = "tool_name"
	MetaToolArgs     = "tool_args"
	MetaToolResult   = "tool_result"
	MetaThinking     = "thinking"
	MetaProvider     = "provider"
	MetaModel        = "model"
	MetaComplexity   = "complexity"
	MetaWasEscalated = "was_escalated"
)

// Recognized agent_status metadata values.
const (
	AgentStatusToolStart        = "tool_start"
	AgentStatusToolEnd          = "tool_end"
	AgentStatusThinking         = "thinking"
	AgentStatusWaitingApproval  = "waiting_approval"
	AgentStatusWaitingForHuman  = "waiting_for_human"
	AgentStatusRoutingInfo      = "routing_info"
)

// StreamChunk is the unified chunk type emitted by the Brain streaming
// client (C8), after the numeric/string discriminator has been normalized
// at the edge.
type StreamChunk struct {
	Kind           StreamChunkKind
	Text           string
	ConversationID string
	ErrorMessage   string
	Metadata       map[string]string
}

// AgentStatus returns the metadata agent_status value, if any.
func (c StreamChunk) AgentStatus() string { return c.Metadata[MetaAgentStatus] }

// ToolActivity is a side-channel status event emitted during upstream
// processing.
type ToolActivity struct {
	Status     string
	ToolName   string
	ToolArgs   string
	ToolResult string
	Thinking   string
}

// StreamingChannel extends Channel with the optional streaming capability
// (C3 §4.1): adapters that opt in can progressively edit a placeholder
// message as Brain's response streams in.
type StreamingChannel interface {
	Channel
	SupportsStreaming() bool
	SendStreamStart(ctx context.Context, userID, conversationID string) (StreamHandle, error)
	SendStreamUpdate(ctx context.Context, handle StreamHandle, accumulated string) error
	SendStreamEnd(ctx context.Context, handle StreamHandle, final string) error
	SendToolActivity(ctx context.Context, handle StreamHandle, activity ToolActivity) error
}

// ReactionChannel extends Channel with status-reaction support (emoji
// reactions reflecting agent status on the user's original message).
type ReactionChannel interface {
	Channel
	OnReactionEvent(ctx context.Context, handle StreamHandle, status string) error
	ClearReaction(ctx context.Context, handle StreamHandle) error
}

// BaseChannel provides the shared lifecycle/allowlist/policy machinery every
// adapter embeds.
type BaseChannel struct {
	name      string
	bus       *bus.Bus
	allowList []string
	agentID   string

	mu     sync.Mutex
	status AdapterStatus
}

// NewBaseChannel creates a new BaseChannel, initialized Disconnected.
func NewBaseChannel(name string, msgBus *bus.Bus, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		bus:       msgBus,
		allowList: allowList,
		status:    StatusDisconnected,
	}
}

func (c *BaseChannel) Name() string          { return c.name }
func (c *BaseChannel) SetName(name string)   { c.name = name }
func (c *BaseChannel) AgentID() string       { return c.agentID }
func (c *BaseChannel) SetAgentID(id string)  { c.agentID = id }
func (c *BaseChannel) Bus() *bus.Bus         { return c.bus }
func (c *BaseChannel) HasAllowList() bool    { return len(c.allowList) > 0 }

// Status returns the current adapter lifecycle state.
func (c *BaseChannel) Status() AdapterStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// transition moves to next and broadcasts exactly one status event, unless
// next equals the current state (no-op transitions never re-fire).
func (c *BaseChannel) transition(next AdapterStatus) {
	c.mu.Lock()
	if c.status == next {
		c.mu.Unlock()
		return
	}
	c.status = next
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Broadcast(bus.Event{Name: "status", Payload: StatusEvent{Channel: c.name, Status: next}})
	}
}

// MarkConnecting transitions to Connecting. Call at the start of Connect.
func (c *BaseChannel) MarkConnecting() { c.transition(StatusConnecting) }

// MarkConnected transitions to Connected. Call once the transport is ready.
func (c *BaseChannel) MarkConnected() { c.transition(StatusConnected) }

// MarkDisconnected transitions to Disconnected from any state. Call from
// Disconnect and from any unrecoverable transport failure.
func (c *BaseChannel) MarkDisconnected() { c.transition(StatusDisconnected) }

// IsAllowed checks if a sender is permitted by the allowlist. Supports
// compound senderID format: "123456|username". Empty allowlist allows all.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		allowedID := trimmed
		allowedUser := ""
		if idx := strings.Index(trimmed, "|"); idx > 0 {
			allowedID = trimmed[:idx]
			allowedUser = trimmed[idx+1:]
		}

		if senderID == allowed ||
			idPart == allowed ||
			senderID == trimmed ||
			idPart == trimmed ||
			idPart == allowedID ||
			(allowedUser != "" && senderID == allowedUser) ||
			(userPart != "" && (userPart == allowed || userPart == trimmed || userPart == allowedUser)) {
			return true
		}
	}

	return false
}

// CheckPolicy evaluates DM/Group policy for a message. peerKind is "direct"
// or "group"; policy values are "open" (default), "allowlist", "disabled",
// or "pairing" (adapters with a pairing service handle that case before
// reaching here).
func (c *BaseChannel) CheckPolicy(peerKind string, dmPolicy DMPolicy, groupPolicy GroupPolicy, senderID string) bool {
	policy := string(dmPolicy)
	if peerKind == "group" {
		policy = string(groupPolicy)
	}
	if policy == "" {
		policy = "open"
	}

	switch policy {
	case "disabled":
		return false
	case "allowlist":
		return c.IsAllowed(senderID)
	case "pairing":
		return c.IsAllowed(senderID)
	default:
		return true
	}
}

// HandleAttachment is the default identity resolution: returns input
// unchanged. Adapters override when a platform handle needs resolving.
func (c *BaseChannel) HandleAttachment(_ context.Context, a bus.Attachment) (bus.Attachment, error) {
	return a, nil
}

// InboundParams bundles the fields needed to publish a normalized inbound
// message, avoiding a long positional parameter list at adapter call sites.
type InboundParams struct {
	SenderID       string
	ChatID         string
	Content        string
	Attachments    []bus.Attachment
	Metadata       map[string]string
	ConversationID string
	WorkspaceID    string

	// ResolvedUserID is the cross-channel identity (C1) userId for this
	// sender, resolved by the adapter via internal/identity.Store before
	// calling HandleMessage (deterministic hash on first contact, the
	// store's mapping thereafter). Falls back to the senderID's id-part
	// when left empty, so adapters that don't wire an identity store still
	// work standalone.
	ResolvedUserID string
}

// HandleMessage builds and publishes a bus.InboundMessage for this channel,
// after the allowlist check. The standard way for adapters to forward a
// received platform message into the fabric.
func (c *BaseChannel) HandleMessage(p InboundParams) {
	if !c.IsAllowed(p.SenderID) {
		return
	}

	userID := p.ResolvedUserID
	if userID == "" {
		userID = p.SenderID
		if idx := strings.IndexByte(p.SenderID, '|'); idx > 0 {
			userID = p.SenderID[:idx]
		}
	}

	msg := bus.InboundMessage{
		Channel:        c.name,
		UserID:         userID,
		ChannelUserID:  p.SenderID,
		WorkspaceID:    p.WorkspaceID,
		ConversationID: p.ConversationID,
		Content:        p.Content,
		Attachments:    p.Attachments,
		Metadata:       p.Metadata,
	}

	c.bus.PublishInbound(msg)
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
