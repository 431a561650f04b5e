package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/identity"
	"github.com/nextlevelbuilder/goclaw/internal/router"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// flushInterval is the throttled streaming-update interval (spec §4.2).
const flushInterval = 1500 * time.Millisecond

// BrainStreamer is the subset of internal/brain.Client the registry needs,
// named here to keep this package independent of the brain package's
// transport details (and trivially fakeable in tests). internal/brain.Client
// satisfies this structurally.
type BrainStreamer interface {
	StreamChat(ctx context.Context, req protocol.ChatRequest) (<-chan StreamChunk, error)
}

// Manager is the Channel Registry (C5): owns adapter instances, routes
// inbound events through dedup/conversation-id reconciliation to the Brain
// streaming client, and dispatches responses through the streaming or
// accumulate path.
//
// Adapted from PicoClaw/GoClaw's channels.Manager, replacing its
// agent-event-forwarding model (HandleAgentEvent consuming bus events from a
// locally embedded agent loop) with the spec's direct registry-drives-the-
// stream model: routeMessage itself opens and consumes the Brain stream.
type Manager struct {
	msgBus         *bus.Bus
	identityStore  identity.Store
	convCache      *router.ConvCache
	brain          BrainStreamer
	workspaceID    string
	outboundRouter *router.Router

	mu       sync.RWMutex
	channels map[ChannelType]Channel

	userChMu sync.Mutex
	userChs  map[string]map[ChannelType]bool

	keyLocksMu sync.Mutex
	keyLocks   map[string]*sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager constructs a registry wired to the shared bus, identity store,
// and Brain client.
func NewManager(msgBus *bus.Bus, identityStore identity.Store, brainClient BrainStreamer, workspaceID string) *Manager {
	return &Manager{
		msgBus:        msgBus,
		identityStore: identityStore,
		convCache:     router.NewConvCache(),
		brain:         brainClient,
		workspaceID:   workspaceID,
		channels:      make(map[ChannelType]Channel),
		userChs:       make(map[string]map[ChannelType]bool),
		keyLocks:      make(map[string]*sync.Mutex),
	}
}

// SetOutboundRouter wires the Message Router (C6) used to fan a completed
// response out to additional channels beyond the one that triggered it, per
// the user's outbound strategy (same_channel/all_channels/prefer_web). Nil
// by default: with no router set, responses go only to the origin channel.
func (m *Manager) SetOutboundRouter(r *router.Router) {
	m.outboundRouter = r
}

// fanOutAdditional delivers msg to any channels beyond originType that the
// user's outbound strategy calls for, once origin has already received the
// response through its own path (streamed or accumulated).
func (m *Manager) fanOutAdditional(ctx context.Context, originType ChannelType, msg bus.OutboundMessage) {
	if m.outboundRouter == nil {
		return
	}
	if err := m.outboundRouter.RouteAdditional(ctx, msg.UserID, msg, string(originType)); err != nil {
		slog.Warn("outbound fan-out failed", "user_id", msg.UserID, "error", err)
	}
}

// RegisterChannel installs adapter under channelType, disconnecting any
// previous adapter of the same type first, then connects it. If Connect
// fails the adapter is not retained and the error is returned.
func (m *Manager) RegisterChannel(ctx context.Context, channelType ChannelType, adapter Channel) error {
	m.mu.Lock()
	existing, hadExisting := m.channels[channelType]
	m.mu.Unlock()
	if hadExisting {
		if err := existing.Disconnect(ctx); err != nil {
			slog.Warn("error disconnecting replaced channel", "channel", channelType, "error", err)
		}
	}

	if err := adapter.Connect(ctx); err != nil {
		return fmt.Errorf("connect channel %s: %w", channelType, err)
	}

	m.mu.Lock()
	m.channels[channelType] = adapter
	m.mu.Unlock()
	slog.Info("channel registered", "channel", channelType)
	return nil
}

// UnregisterChannel disconnects and removes a channel. Idempotent; swallows
// disconnect errors after logging.
func (m *Manager) UnregisterChannel(ctx context.Context, channelType ChannelType) {
	m.mu.Lock()
	adapter, ok := m.channels[channelType]
	if ok {
		delete(m.channels, channelType)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := adapter.Disconnect(ctx); err != nil {
		slog.Warn("error disconnecting channel", "channel", channelType, "error", err)
	}
}

// GetChannel returns the registered adapter for channelType, if any.
func (m *Manager) GetChannel(channelType ChannelType) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[channelType]
	return ch, ok
}

// GetEnabledChannels lists every registered channel type.
func (m *Manager) GetEnabledChannels() []ChannelType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ChannelType, 0, len(m.channels))
	for ct := range m.channels {
		out = append(out, ct)
	}
	return out
}

// IsConnected implements router.Sender.
func (m *Manager) IsConnected(channelType string) bool {
	ch, ok := m.GetChannel(ChannelType(channelType))
	return ok && ch.Status() == StatusConnected
}

// sendMaxAttempts bounds retry-with-backoff for a single outbound send
// (spec: Telegram/Discord send-retry backoff on rate-limit/transient errors).
const sendMaxAttempts = 3

// SendToChannel implements router.Sender: no-op with a warning log if the
// channel is absent.
func (m *Manager) SendToChannel(ctx context.Context, channelType, userID string, msg bus.OutboundMessage) error {
	ch, ok := m.GetChannel(ChannelType(channelType))
	if !ok {
		slog.Warn("sendToChannel: channel not registered", "channel", channelType)
		return nil
	}
	formatted := ch.FormatOutgoing(msg)
	return sendWithRetry(ctx, sendMaxAttempts, func() error {
		return ch.Send(ctx, userID, formatted)
	})
}

// BroadcastToUser fans msg out to every channel tracked for userID, using
// all-settled semantics: individual failures are logged, not propagated, and
// never cancel their peers.
func (m *Manager) BroadcastToUser(ctx context.Context, userID string, msg bus.OutboundMessage, exclude ...ChannelType) error {
	excluded := make(map[ChannelType]bool, len(exclude))
	for _, ex := range exclude {
		excluded[ex] = true
	}

	m.userChMu.Lock()
	chs := m.userChs[userID]
	targets := make([]ChannelType, 0, len(chs))
	for ct := range chs {
		if !excluded[ct] {
			targets = append(targets, ct)
		}
	}
	m.userChMu.Unlock()

	var wg sync.WaitGroup
	for _, ct := range targets {
		wg.Add(1)
		go func(channelType ChannelType) {
			defer wg.Done()
			if err := m.SendToChannel(ctx, string(channelType), userID, msg); err != nil {
				slog.Warn("broadcastToUser send failed", "channel", channelType, "user_id", userID, "error", err)
			}
		}(ct)
	}
	wg.Wait()
	return nil
}

// NotifyApproval implements approval.Notifier by broadcasting an outbound
// message with approve/reject buttons to every channel tracked for userID.
// Each adapter maps the generic "approve"/"reject" action to its own
// platform-specific callback token.
func (m *Manager) NotifyApproval(ctx context.Context, userID, approvalID, description, taskID string) error {
	msg := bus.OutboundMessage{
		UserID:  userID,
		Content: description,
		Options: bus.OutboundOptions{
			Buttons: []bus.OutboundButton{
				{Label: "Approve", Action: "approve", Value: approvalID},
				{Label: "Reject", Action: "reject", Value: approvalID},
			},
		},
		Metadata: map[string]string{"kind": "approval", "task_id": taskID, "approval_id": approvalID},
	}
	return m.BroadcastToUser(ctx, userID, msg)
}

func (m *Manager) trackUserChannel(userID string, channelType ChannelType) {
	m.userChMu.Lock()
	defer m.userChMu.Unlock()
	if m.userChs[userID] == nil {
		m.userChs[userID] = make(map[ChannelType]bool)
	}
	m.userChs[userID][channelType] = true
}

// UntrackUserChannel explicitly clears a (userID, channelType) tracking
// entry, e.g. when an adapter learns a user unpaired.
func (m *Manager) UntrackUserChannel(userID string, channelType ChannelType) {
	m.userChMu.Lock()
	defer m.userChMu.Unlock()
	delete(m.userChs[userID], channelType)
}

// Run starts the inbound-message consume loop. Blocks until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	for {
		msg, ok := m.msgBus.ConsumeInbound(runCtx)
		if !ok {
			return
		}
		m.wg.Add(1)
		go func(msg bus.InboundMessage) {
			defer m.wg.Done()
			m.routeMessage(runCtx, msg)
		}(msg)
	}
}

// Shutdown cancels the consume loop, waits for in-flight routeMessage calls
// to finish, then unregisters all adapters concurrently with all-settled
// semantics.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.RLock()
	types := make([]ChannelType, 0, len(m.channels))
	for ct := range m.channels {
		types = append(types, ct)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, ct := range types {
		wg.Add(1)
		go func(channelType ChannelType) {
			defer wg.Done()
			m.UnregisterChannel(ctx, channelType)
		}(ct)
	}
	wg.Wait()
}

// lockFor returns the per-(channel,userId,conversationId) mutex serializing
// overlapping requests from the same tuple (spec §5 ordering guarantee).
func (m *Manager) lockFor(key string) *sync.Mutex {
	m.keyLocksMu.Lock()
	defer m.keyLocksMu.Unlock()
	l, ok := m.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		m.keyLocks[key] = l
	}
	return l
}

// routeMessage implements the C5 routing algorithm (spec §4.2): dedup,
// parallel attachment resolution, conversation-id reconciliation, opening
// the Brain stream, and dispatch to the streaming or accumulate path.
func (m *Manager) routeMessage(ctx context.Context, msg bus.InboundMessage) {
	if m.identityStore != nil {
		dup, err := m.identityStore.IsDuplicate(ctx, msg.UserID, msg.Content, msg.Channel)
		if err != nil {
			slog.Warn("dedup check failed, proceeding without suppression", "error", err)
		} else if dup {
			slog.Info("dropping duplicate inbound message", "user_id", msg.UserID, "channel", msg.Channel)
			return
		}
	}

	adapter, ok := m.GetChannel(ChannelType(msg.Channel))
	if !ok {
		slog.Warn("routeMessage: channel not registered", "channel", msg.Channel)
		return
	}

	tupleKey := msg.Channel + "|" + msg.UserID + "|" + msg.ConversationID
	lock := m.lockFor(tupleKey)
	lock.Lock()
	defer lock.Unlock()

	attachments := m.resolveAttachmentsParallel(ctx, adapter, msg.Attachments)

	convKey := router.ConvKey{Channel: msg.Channel, UserID: msg.UserID, ConversationID: msg.ConversationID}
	effectiveConvID := m.convCache.Resolve(convKey, msg.ConversationID)

	params := map[string]string{protocol.ParamChannel: msg.Channel}
	if len(attachments) > 0 {
		if encoded, err := json.Marshal(attachments); err == nil {
			params[protocol.ParamAttachments] = string(encoded)
		}
	}

	req := protocol.ChatRequest{
		UserID:         msg.UserID,
		WorkspaceID:    msg.WorkspaceID,
		ConversationID: effectiveConvID,
		Messages:       []protocol.ChatMessage{{Role: protocol.RoleUser, Content: msg.Content}},
		Parameters:     params,
	}
	if req.WorkspaceID == "" {
		req.WorkspaceID = m.workspaceID
	}

	stream, err := m.brain.StreamChat(ctx, req)
	if err != nil {
		slog.Error("brain stream open failed", "error", err, "channel", msg.Channel, "user_id", msg.UserID)
		_ = adapter.Send(ctx, msg.UserID, adapter.FormatOutgoing(bus.OutboundMessage{
			UserID:  msg.UserID,
			Content: "Sorry, something went wrong.",
		}))
		return
	}

	m.trackUserChannel(msg.UserID, ChannelType(msg.Channel))

	if streaming, ok := adapter.(StreamingChannel); ok && streaming.SupportsStreaming() {
		m.streamingPath(ctx, streaming, msg, convKey, stream)
		return
	}
	m.accumulatePath(ctx, adapter, msg, convKey, stream)
}

func (m *Manager) resolveAttachmentsParallel(ctx context.Context, adapter Channel, in []bus.Attachment) []bus.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]bus.Attachment, len(in))
	var wg sync.WaitGroup
	for i, a := range in {
		wg.Add(1)
		go func(i int, a bus.Attachment) {
			defer wg.Done()
			resolved, err := adapter.HandleAttachment(ctx, a)
			if err != nil {
				slog.Warn("attachment resolution failed", "error", err)
				resolved = a
			}
			out[i] = resolved
		}(i, a)
	}
	wg.Wait()
	return out
}

// streamingPath issues sendStreamStart and progressively forwards chunks via
// throttled sendStreamUpdate calls, finalizing with sendStreamEnd. Updates
// run serially: the single loop goroutine only ever has one SendStreamUpdate
// call outstanding at a time.
func (m *Manager) streamingPath(ctx context.Context, adapter StreamingChannel, msg bus.InboundMessage, convKey router.ConvKey, stream <-chan StreamChunk) {
	handle, err := adapter.SendStreamStart(ctx, msg.UserID, msg.ConversationID)
	if err != nil {
		slog.Error("sendStreamStart failed", "error", err)
		return
	}

	var fullContent string
	pendingFlush := false
	timer := time.NewTimer(flushInterval)
	timer.Stop()

	finalize := func(final string) {
		timer.Stop()
		if err := adapter.SendStreamEnd(ctx, handle, final); err != nil {
			slog.Warn("sendStreamEnd failed, falling back to send", "error", err)
			_ = adapter.Send(ctx, msg.UserID, adapter.FormatOutgoing(bus.OutboundMessage{UserID: msg.UserID, Content: final}))
		}
		m.fanOutAdditional(ctx, adapter.ChannelType(), bus.OutboundMessage{UserID: msg.UserID, Content: final})
	}

	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				if fullContent != "" {
					finalize(fullContent)
				}
				return
			}
			switch chunk.Kind {
			case ChunkContentDelta:
				if chunk.Text == "" && chunk.AgentStatus() != "" {
					if chunk.AgentStatus() != AgentStatusRoutingInfo {
						_ = adapter.SendToolActivity(ctx, handle, ToolActivity{
							Status:     chunk.AgentStatus(),
							ToolName:   chunk.Metadata[MetaToolName],
							ToolArgs:   chunk.Metadata[MetaToolArgs],
							ToolResult: chunk.Metadata[MetaToolResult],
							Thinking:   chunk.Metadata[MetaThinking],
						})
					}
					continue
				}
				fullContent += chunk.Text
				if !pendingFlush {
					pendingFlush = true
					timer.Reset(flushInterval)
				}
			case ChunkToolCall:
				_ = adapter.SendToolActivity(ctx, handle, ToolActivity{Status: "tool_call"})
			case ChunkDone:
				m.convCache.Store(convKey, chunk.ConversationID)
				finalize(fullContent)
				return
			case ChunkError:
				timer.Stop()
				_ = adapter.Send(ctx, msg.UserID, adapter.FormatOutgoing(bus.OutboundMessage{
					UserID:  msg.UserID,
					Content: "Sorry, something went wrong.",
				}))
				return
			}
		case <-timer.C:
			if pendingFlush {
				if err := adapter.SendStreamUpdate(ctx, handle, fullContent); err != nil {
					slog.Debug("sendStreamUpdate failed, will retry on next flush", "error", err)
				}
				pendingFlush = false
			}
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// accumulatePath concatenates every CONTENT_DELTA and sends the result once
// on DONE; on ERROR it sends the fallback message instead, and if the stream
// closes without DONE nothing is sent. Used for adapters that do not
// implement StreamingChannel.
func (m *Manager) accumulatePath(ctx context.Context, adapter Channel, msg bus.InboundMessage, convKey router.ConvKey, stream <-chan StreamChunk) {
	var fullContent string
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				return
			}
			switch chunk.Kind {
			case ChunkContentDelta:
				fullContent += chunk.Text
			case ChunkDone:
				m.convCache.Store(convKey, chunk.ConversationID)
				_ = adapter.Send(ctx, msg.UserID, adapter.FormatOutgoing(bus.OutboundMessage{
					UserID:  msg.UserID,
					Content: fullContent,
				}))
				m.fanOutAdditional(ctx, adapter.ChannelType(), bus.OutboundMessage{UserID: msg.UserID, Content: fullContent})
				return
			case ChunkError:
				_ = adapter.Send(ctx, msg.UserID, adapter.FormatOutgoing(bus.OutboundMessage{
					UserID:  msg.UserID,
					Content: "Sorry, something went wrong.",
				}))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
