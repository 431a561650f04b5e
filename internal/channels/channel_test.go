package channels

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
)

func TestIsAllowed_EmptyAllowlistAllowsEveryone(t *testing.T) {
	c := NewBaseChannel("telegram", nil, nil)
	assert.True(t, c.IsAllowed("anyone"))
}

func TestIsAllowed_MatchesByIDOrUsername(t *testing.T) {
	c := NewBaseChannel("telegram", nil, []string{"123", "@alice"})
	assert.True(t, c.IsAllowed("123"))
	assert.True(t, c.IsAllowed("123|bob"), "compound id|username matches by id part")
	assert.True(t, c.IsAllowed("999|alice"), "compound id|username matches by allowlisted username part")
	assert.False(t, c.IsAllowed("456"))
}

func TestIsAllowed_RejectsUnlistedSender(t *testing.T) {
	c := NewBaseChannel("telegram", nil, []string{"123"})
	assert.False(t, c.IsAllowed("456|carol"))
}

func TestCheckPolicy_OpenDefaultAllowsAll(t *testing.T) {
	c := NewBaseChannel("telegram", nil, nil)
	assert.True(t, c.CheckPolicy("direct", "", "", "anyone"))
}

func TestCheckPolicy_DisabledRejectsAll(t *testing.T) {
	c := NewBaseChannel("telegram", nil, nil)
	assert.False(t, c.CheckPolicy("direct", DMPolicyDisabled, "", "anyone"))
}

func TestCheckPolicy_AllowlistDelegatesToIsAllowed(t *testing.T) {
	c := NewBaseChannel("telegram", nil, []string{"123"})
	assert.True(t, c.CheckPolicy("direct", DMPolicyAllowlist, "", "123"))
	assert.False(t, c.CheckPolicy("direct", DMPolicyAllowlist, "", "456"))
}

func TestCheckPolicy_GroupPolicyIsIndependentOfDMPolicy(t *testing.T) {
	c := NewBaseChannel("telegram", nil, []string{"123"})
	assert.True(t, c.CheckPolicy("group", DMPolicyAllowlist, GroupPolicyOpen, "456"))
	assert.False(t, c.CheckPolicy("group", DMPolicyAllowlist, GroupPolicyDisabled, "123"))
}

func TestStatus_TransitionsAndBroadcastsOnce(t *testing.T) {
	msgBus := bus.New()
	var mu sync.Mutex
	var events []StatusEvent
	msgBus.Subscribe("test", func(e bus.Event) {
		if se, ok := e.Payload.(StatusEvent); ok {
			mu.Lock()
			events = append(events, se)
			mu.Unlock()
		}
	})

	c := NewBaseChannel("telegram", msgBus, nil)
	assert.Equal(t, StatusDisconnected, c.Status())

	c.MarkConnecting()
	c.MarkConnected()
	c.MarkConnected() // no-op, must not re-fire

	assert.Equal(t, StatusConnected, c.Status())

	// Broadcast delivers asynchronously: wait for the two transitions, then
	// give a stray third delivery time to show up.
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) >= 2
	})
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, events, 2)
}

func TestHandleMessage_RespectsAllowlist(t *testing.T) {
	msgBus := bus.New()
	c := NewBaseChannel("telegram", msgBus, []string{"123"})

	c.HandleMessage(InboundParams{SenderID: "999", Content: "hi"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := msgBus.ConsumeInbound(ctx)
	assert.False(t, ok, "a disallowed sender's message must never reach the bus")
}

func TestHandleMessage_ResolvedUserIDWins(t *testing.T) {
	msgBus := bus.New()
	c := NewBaseChannel("telegram", msgBus, nil)

	c.HandleMessage(InboundParams{SenderID: "123|bob", Content: "hi", ResolvedUserID: "cross-channel-u1"})

	msg, ok := msgBus.ConsumeInbound(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "cross-channel-u1", msg.UserID)
	assert.Equal(t, "123|bob", msg.ChannelUserID)
}

func TestHandleMessage_FallsBackToSenderIDPart(t *testing.T) {
	msgBus := bus.New()
	c := NewBaseChannel("telegram", msgBus, nil)

	c.HandleMessage(InboundParams{SenderID: "123|bob", Content: "hi"})

	msg, ok := msgBus.ConsumeInbound(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "123", msg.UserID, "without a resolved identity, the id-part of the compound sender is used")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", Truncate("hello", 10))
	assert.Equal(t, "he...", Truncate("hello", 2))
}
