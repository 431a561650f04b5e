package channels

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/identity"
	"github.com/nextlevelbuilder/goclaw/internal/router"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// fakeBrain hands back a pre-scripted channel of chunks for every StreamChat
// call, ignoring the request content.
type fakeBrain struct {
	mu      sync.Mutex
	chunks  []StreamChunk
	reqSeen []protocol.ChatRequest
	openErr error
}

func (f *fakeBrain) StreamChat(_ context.Context, req protocol.ChatRequest) (<-chan StreamChunk, error) {
	f.mu.Lock()
	f.reqSeen = append(f.reqSeen, req)
	f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	ch := make(chan StreamChunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

// fakeChannel is a minimal non-streaming Channel used to exercise
// accumulatePath and the registry's generic lifecycle/send plumbing.
type fakeChannel struct {
	*BaseChannel
	mu      sync.Mutex
	sent    []bus.OutboundMessage
	sendErr error
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{BaseChannel: NewBaseChannel(name, nil, nil)}
}

func (c *fakeChannel) ChannelType() ChannelType { return ChannelType(c.Name()) }

func (c *fakeChannel) Connect(context.Context) error {
	c.MarkConnected()
	return nil
}

func (c *fakeChannel) Disconnect(context.Context) error {
	c.MarkDisconnected()
	return nil
}

func (c *fakeChannel) Send(_ context.Context, _ string, msg bus.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) FormatOutgoing(msg bus.OutboundMessage) bus.OutboundMessage { return msg }

func (c *fakeChannel) sentMessages() []bus.OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bus.OutboundMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

// fakeStreamingChannel additionally satisfies StreamingChannel, recording
// every call so tests can assert the streaming path's edit-in-place shape.
type fakeStreamingChannel struct {
	*fakeChannel
	mu      sync.Mutex
	updates []string
	ended   string
	ended_  bool
}

func newFakeStreamingChannel(name string) *fakeStreamingChannel {
	return &fakeStreamingChannel{fakeChannel: newFakeChannel(name)}
}

func (c *fakeStreamingChannel) SupportsStreaming() bool { return true }

func (c *fakeStreamingChannel) SendStreamStart(context.Context, string, string) (StreamHandle, error) {
	return StreamHandle{ChatID: "chat-1"}, nil
}

func (c *fakeStreamingChannel) SendStreamUpdate(_ context.Context, _ StreamHandle, accumulated string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, accumulated)
	return nil
}

func (c *fakeStreamingChannel) SendStreamEnd(_ context.Context, _ StreamHandle, final string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ended = final
	c.ended_ = true
	return nil
}

func (c *fakeStreamingChannel) SendToolActivity(context.Context, StreamHandle, ToolActivity) error {
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestRouteMessage_AccumulatePathSendsOnceOnDone(t *testing.T) {
	msgBus := bus.New()
	store := identity.NewMemoryStore(time.Second)
	brain := &fakeBrain{chunks: []StreamChunk{
		{Kind: ChunkContentDelta, Text: "hello "},
		{Kind: ChunkContentDelta, Text: "world"},
		{Kind: ChunkDone, ConversationID: "conv-99"},
	}}
	mgr := NewManager(msgBus, store, brain, "ws1")

	ch := newFakeChannel("telegram")
	require.NoError(t, mgr.RegisterChannel(context.Background(), ChannelTelegram, ch))

	mgr.routeMessage(context.Background(), bus.InboundMessage{
		Channel: "telegram", UserID: "u1", Content: "hi", ConversationID: "c1",
	})

	sent := ch.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "hello world", sent[0].Content)
}

func TestRouteMessage_DuplicateIsDropped(t *testing.T) {
	msgBus := bus.New()
	store := identity.NewMemoryStore(time.Minute)
	brain := &fakeBrain{chunks: []StreamChunk{{Kind: ChunkDone}}}
	mgr := NewManager(msgBus, store, brain, "ws1")

	ch := newFakeChannel("telegram")
	require.NoError(t, mgr.RegisterChannel(context.Background(), ChannelTelegram, ch))

	in := bus.InboundMessage{Channel: "telegram", UserID: "u1", Content: "hi", ConversationID: "c1"}
	mgr.routeMessage(context.Background(), in)
	mgr.routeMessage(context.Background(), in)

	brain.mu.Lock()
	calls := len(brain.reqSeen)
	brain.mu.Unlock()
	assert.Equal(t, 1, calls, "a duplicate within the dedup window must never reach Brain")
}

func TestRouteMessage_UnregisteredChannelIsNoop(t *testing.T) {
	msgBus := bus.New()
	store := identity.NewMemoryStore(time.Second)
	brain := &fakeBrain{}
	mgr := NewManager(msgBus, store, brain, "ws1")

	mgr.routeMessage(context.Background(), bus.InboundMessage{Channel: "telegram", UserID: "u1", Content: "hi"})

	brain.mu.Lock()
	defer brain.mu.Unlock()
	assert.Empty(t, brain.reqSeen)
}

func TestRouteMessage_BrainOpenFailureSendsFallback(t *testing.T) {
	msgBus := bus.New()
	store := identity.NewMemoryStore(time.Second)
	brain := &fakeBrain{openErr: assertErr}
	mgr := NewManager(msgBus, store, brain, "ws1")

	ch := newFakeChannel("telegram")
	require.NoError(t, mgr.RegisterChannel(context.Background(), ChannelTelegram, ch))

	mgr.routeMessage(context.Background(), bus.InboundMessage{Channel: "telegram", UserID: "u1", Content: "hi"})

	sent := ch.sentMessages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Content, "something went wrong")
}

func TestRouteMessage_ConversationIDReconciledFromDone(t *testing.T) {
	msgBus := bus.New()
	store := identity.NewMemoryStore(time.Second)
	brain := &fakeBrain{chunks: []StreamChunk{
		{Kind: ChunkContentDelta, Text: "hi"},
		{Kind: ChunkDone, ConversationID: "conv-authoritative"},
	}}
	mgr := NewManager(msgBus, store, brain, "ws1")

	ch := newFakeChannel("telegram")
	require.NoError(t, mgr.RegisterChannel(context.Background(), ChannelTelegram, ch))

	mgr.routeMessage(context.Background(), bus.InboundMessage{
		Channel: "telegram", UserID: "u1", Content: "hi", ConversationID: "",
	})

	key := router.ConvKey{Channel: "telegram", UserID: "u1", ConversationID: ""}
	assert.Equal(t, "conv-authoritative", mgr.convCache.Resolve(key, ""))
}

func TestRouteMessage_StreamingPathEditsInPlace(t *testing.T) {
	msgBus := bus.New()
	store := identity.NewMemoryStore(time.Second)
	brain := &fakeBrain{chunks: []StreamChunk{
		{Kind: ChunkContentDelta, Text: "part1"},
		{Kind: ChunkDone, ConversationID: "c1"},
	}}
	mgr := NewManager(msgBus, store, brain, "ws1")

	ch := newFakeStreamingChannel("web")
	require.NoError(t, mgr.RegisterChannel(context.Background(), ChannelWeb, ch))

	mgr.routeMessage(context.Background(), bus.InboundMessage{Channel: "web", UserID: "u1", Content: "hi"})

	assert.True(t, ch.ended_)
	assert.Equal(t, "part1", ch.ended)
	assert.Empty(t, ch.sentMessages(), "a successful SendStreamEnd must not also fall back to Send")
}

func TestFanOutAdditional_NoRouterSetIsNoop(t *testing.T) {
	msgBus := bus.New()
	mgr := NewManager(msgBus, identity.NewMemoryStore(time.Second), &fakeBrain{}, "ws1")
	mgr.fanOutAdditional(context.Background(), ChannelTelegram, bus.OutboundMessage{UserID: "u1"})
}

func TestFanOutAdditional_RoutesToAdditionalChannels(t *testing.T) {
	msgBus := bus.New()
	mgr := NewManager(msgBus, identity.NewMemoryStore(time.Second), &fakeBrain{}, "ws1")

	telegram := newFakeChannel("telegram")
	discord := newFakeChannel("discord")
	require.NoError(t, mgr.RegisterChannel(context.Background(), ChannelTelegram, telegram))
	require.NoError(t, mgr.RegisterChannel(context.Background(), ChannelDiscord, discord))

	loader := func(context.Context, string) (router.Preference, error) {
		return router.Preference{Strategy: router.StrategyAllChannels, EnabledChannels: []string{"telegram", "discord"}}, nil
	}
	mgr.SetOutboundRouter(router.New(mgr, loader, time.Minute))

	mgr.fanOutAdditional(context.Background(), ChannelTelegram, bus.OutboundMessage{UserID: "u1", Content: "final"})

	waitFor(t, time.Second, func() bool { return len(discord.sentMessages()) == 1 })
	assert.Empty(t, telegram.sentMessages(), "origin channel must not receive a duplicate send")
	assert.Equal(t, "final", discord.sentMessages()[0].Content)
}

func TestIsConnected_ReflectsAdapterStatus(t *testing.T) {
	msgBus := bus.New()
	mgr := NewManager(msgBus, identity.NewMemoryStore(time.Second), &fakeBrain{}, "ws1")

	assert.False(t, mgr.IsConnected("telegram"))

	ch := newFakeChannel("telegram")
	require.NoError(t, mgr.RegisterChannel(context.Background(), ChannelTelegram, ch))
	assert.True(t, mgr.IsConnected("telegram"))
}

func TestSendToChannel_UnregisteredChannelIsNoop(t *testing.T) {
	msgBus := bus.New()
	mgr := NewManager(msgBus, identity.NewMemoryStore(time.Second), &fakeBrain{}, "ws1")
	err := mgr.SendToChannel(context.Background(), "telegram", "u1", bus.OutboundMessage{})
	assert.NoError(t, err)
}

func TestBroadcastToUser_ExcludesRequestedChannels(t *testing.T) {
	msgBus := bus.New()
	mgr := NewManager(msgBus, identity.NewMemoryStore(time.Second), &fakeBrain{}, "ws1")

	telegram := newFakeChannel("telegram")
	discord := newFakeChannel("discord")
	require.NoError(t, mgr.RegisterChannel(context.Background(), ChannelTelegram, telegram))
	require.NoError(t, mgr.RegisterChannel(context.Background(), ChannelDiscord, discord))

	mgr.trackUserChannel("u1", ChannelTelegram)
	mgr.trackUserChannel("u1", ChannelDiscord)

	require.NoError(t, mgr.BroadcastToUser(context.Background(), "u1", bus.OutboundMessage{Content: "hi"}, ChannelTelegram))

	waitFor(t, time.Second, func() bool { return len(discord.sentMessages()) == 1 })
	assert.Empty(t, telegram.sentMessages())
}

var assertErr = &simpleErr{"brain unavailable"}

type simpleErr struct{ msg string }

func (e *simpleErr) Error() string { return e.msg }
