package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
)

type fakeSender struct {
	mu        sync.Mutex
	sent      []string
	connected map[string]bool
	failOn    map[string]error
}

func newFakeSender() *fakeSender {
	return &fakeSender{connected: make(map[string]bool), failOn: make(map[string]error)}
}

func (f *fakeSender) SendToChannel(_ context.Context, channelType, _ string, _ bus.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failOn[channelType]; ok {
		return err
	}
	f.sent = append(f.sent, channelType)
	return nil
}

func (f *fakeSender) IsConnected(channelType string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[channelType]
}

func (f *fakeSender) sentChannels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func staticLoader(pref Preference) PreferenceLoader {
	return func(context.Context, string) (Preference, error) { return pref, nil }
}

func TestRoute_SameChannelSendsOnlyOrigin(t *testing.T) {
	sender := newFakeSender()
	r := New(sender, staticLoader(Preference{Strategy: StrategySameChannel}), time.Minute)

	err := r.Route(context.Background(), "u1", bus.OutboundMessage{UserID: "u1"}, "telegram")
	require.NoError(t, err)
	assert.Equal(t, []string{"telegram"}, sender.sentChannels())
}

func TestRoute_AllChannelsFansOutAndIncludesOrigin(t *testing.T) {
	sender := newFakeSender()
	pref := Preference{Strategy: StrategyAllChannels, EnabledChannels: []string{"telegram", "discord", "web"}}
	r := New(sender, staticLoader(pref), time.Minute)

	err := r.Route(context.Background(), "u1", bus.OutboundMessage{UserID: "u1"}, "telegram")
	require.NoError(t, err)

	sent := sender.sentChannels()
	assert.Contains(t, sent, "telegram")
	assert.Contains(t, sent, "discord")
	assert.Contains(t, sent, "web")
	assert.Len(t, sent, 3)
}

func TestRoute_PreferWebUsesWebWhenConnected(t *testing.T) {
	sender := newFakeSender()
	sender.connected["web"] = true
	r := New(sender, staticLoader(Preference{Strategy: StrategyPreferWeb}), time.Minute)

	err := r.Route(context.Background(), "u1", bus.OutboundMessage{UserID: "u1"}, "telegram")
	require.NoError(t, err)

	sent := sender.sentChannels()
	assert.Contains(t, sent, "web")
	assert.Contains(t, sent, "telegram")
}

func TestRoute_PreferWebFallsBackWhenWebDisconnected(t *testing.T) {
	sender := newFakeSender()
	r := New(sender, staticLoader(Preference{Strategy: StrategyPreferWeb}), time.Minute)

	err := r.Route(context.Background(), "u1", bus.OutboundMessage{UserID: "u1"}, "telegram")
	require.NoError(t, err)
	assert.Equal(t, []string{"telegram"}, sender.sentChannels())
}

func TestRoute_PreferWebOriginIsWebSendsOnce(t *testing.T) {
	sender := newFakeSender()
	sender.connected["web"] = true
	r := New(sender, staticLoader(Preference{Strategy: StrategyPreferWeb}), time.Minute)

	err := r.Route(context.Background(), "u1", bus.OutboundMessage{UserID: "u1"}, "web")
	require.NoError(t, err)
	assert.Equal(t, []string{"web"}, sender.sentChannels())
}

func TestRoute_MutedUserDropsMessage(t *testing.T) {
	sender := newFakeSender()
	pref := Preference{Strategy: StrategySameChannel, MuteUntil: time.Now().Add(time.Hour)}
	r := New(sender, staticLoader(pref), time.Minute)

	err := r.Route(context.Background(), "u1", bus.OutboundMessage{UserID: "u1"}, "telegram")
	require.NoError(t, err)
	assert.Empty(t, sender.sentChannels())
}

func TestRoute_ExpiredMuteDoesNotDrop(t *testing.T) {
	sender := newFakeSender()
	pref := Preference{Strategy: StrategySameChannel, MuteUntil: time.Now().Add(-time.Hour)}
	r := New(sender, staticLoader(pref), time.Minute)

	err := r.Route(context.Background(), "u1", bus.OutboundMessage{UserID: "u1"}, "telegram")
	require.NoError(t, err)
	assert.Equal(t, []string{"telegram"}, sender.sentChannels())
}

func TestRouteAdditional_SameChannelSendsNothing(t *testing.T) {
	sender := newFakeSender()
	r := New(sender, staticLoader(Preference{Strategy: StrategySameChannel}), time.Minute)

	err := r.RouteAdditional(context.Background(), "u1", bus.OutboundMessage{UserID: "u1"}, "telegram")
	require.NoError(t, err)
	assert.Empty(t, sender.sentChannels(), "same_channel has nothing left to fan out once origin already delivered")
}

func TestRouteAdditional_AllChannelsExcludesOrigin(t *testing.T) {
	sender := newFakeSender()
	pref := Preference{Strategy: StrategyAllChannels, EnabledChannels: []string{"telegram", "discord", "web"}}
	r := New(sender, staticLoader(pref), time.Minute)

	err := r.RouteAdditional(context.Background(), "u1", bus.OutboundMessage{UserID: "u1"}, "telegram")
	require.NoError(t, err)

	sent := sender.sentChannels()
	assert.NotContains(t, sent, "telegram", "origin must not receive a duplicate send")
	assert.Contains(t, sent, "discord")
	assert.Contains(t, sent, "web")
	assert.Len(t, sent, 2)
}

func TestRouteAdditional_PreferWebSkipsWhenOriginIsWeb(t *testing.T) {
	sender := newFakeSender()
	sender.connected["web"] = true
	r := New(sender, staticLoader(Preference{Strategy: StrategyPreferWeb}), time.Minute)

	err := r.RouteAdditional(context.Background(), "u1", bus.OutboundMessage{UserID: "u1"}, "web")
	require.NoError(t, err)
	assert.Empty(t, sender.sentChannels())
}

func TestRouteAdditional_PreferWebSendsWebWhenOriginElsewhere(t *testing.T) {
	sender := newFakeSender()
	sender.connected["web"] = true
	r := New(sender, staticLoader(Preference{Strategy: StrategyPreferWeb}), time.Minute)

	err := r.RouteAdditional(context.Background(), "u1", bus.OutboundMessage{UserID: "u1"}, "telegram")
	require.NoError(t, err)
	assert.Equal(t, []string{"web"}, sender.sentChannels())
}

func TestRouteAdditional_MutedUserDropsMessage(t *testing.T) {
	sender := newFakeSender()
	pref := Preference{Strategy: StrategyAllChannels, EnabledChannels: []string{"telegram", "discord"}, MuteUntil: time.Now().Add(time.Hour)}
	r := New(sender, staticLoader(pref), time.Minute)

	err := r.RouteAdditional(context.Background(), "u1", bus.OutboundMessage{UserID: "u1"}, "telegram")
	require.NoError(t, err)
	assert.Empty(t, sender.sentChannels())
}

func TestPreferenceFor_CachesWithinTTL(t *testing.T) {
	sender := newFakeSender()
	calls := 0
	loader := func(context.Context, string) (Preference, error) {
		calls++
		return Preference{Strategy: StrategySameChannel}, nil
	}
	r := New(sender, loader, time.Hour)

	_, err := r.preferenceFor(context.Background(), "u1")
	require.NoError(t, err)
	_, err = r.preferenceFor(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, 1, calls, "second lookup within TTL must hit the cache")
}

func TestInvalidatePrefs_ForcesReload(t *testing.T) {
	sender := newFakeSender()
	calls := 0
	loader := func(context.Context, string) (Preference, error) {
		calls++
		return Preference{Strategy: StrategySameChannel}, nil
	}
	r := New(sender, loader, time.Hour)

	_, _ = r.preferenceFor(context.Background(), "u1")
	r.InvalidatePrefs("u1")
	_, _ = r.preferenceFor(context.Background(), "u1")

	assert.Equal(t, 2, calls)
}

func TestRoute_LoaderErrorPropagates(t *testing.T) {
	sender := newFakeSender()
	wantErr := errors.New("store unavailable")
	r := New(sender, func(context.Context, string) (Preference, error) { return Preference{}, wantErr }, time.Minute)

	err := r.Route(context.Background(), "u1", bus.OutboundMessage{UserID: "u1"}, "telegram")
	assert.ErrorIs(t, err, wantErr)
}

func TestNew_ZeroTTLDefaultsToOneHour(t *testing.T) {
	r := New(newFakeSender(), staticLoader(Preference{}), 0)
	assert.Equal(t, time.Hour, r.ttl)
}
