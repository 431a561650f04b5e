// Package router implements the Message Router (C6): per-user outbound
// routing strategy across channels, and the conversation-id reconciliation
// cache used by the registry's routing algorithm (C5).
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
)

// Strategy is the per-user outbound routing strategy (spec §4.6).
type Strategy string

const (
	StrategySameChannel Strategy = "same_channel"
	StrategyAllChannels Strategy = "all_channels"
	StrategyPreferWeb   Strategy = "prefer_web"
)

// Preference is a user's outbound routing preference.
type Preference struct {
	Strategy        Strategy
	EnabledChannels []string
	MuteUntil       time.Time
}

func (p Preference) muted() bool {
	return !p.MuteUntil.IsZero() && time.Now().Before(p.MuteUntil)
}

// PreferenceLoader fetches a user's preference from the backing store
// (cached here with a TTL >= session length per spec §4.6).
type PreferenceLoader func(ctx context.Context, userID string) (Preference, error)

// Sender is the subset of the channel registry the router needs: delivering
// to a named channel and checking whether it's currently connected.
type Sender interface {
	SendToChannel(ctx context.Context, channelType, userID string, msg bus.OutboundMessage) error
	IsConnected(channelType string) bool
}

type cacheEntry struct {
	pref    Preference
	expires time.Time
}

// Router fans an outbound message out to one or more channels per the
// user's preference.
type Router struct {
	sender Sender
	load   PreferenceLoader
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New constructs a Router. ttl bounds how long a loaded preference is
// reused before being refetched.
func New(sender Sender, load PreferenceLoader, ttl time.Duration) *Router {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Router{sender: sender, load: load, ttl: ttl, cache: make(map[string]cacheEntry)}
}

// InvalidatePrefs explicitly evicts a user's cached preference.
func (r *Router) InvalidatePrefs(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, userID)
}

func (r *Router) preferenceFor(ctx context.Context, userID string) (Preference, error) {
	r.mu.Lock()
	if e, ok := r.cache[userID]; ok && time.Now().Before(e.expires) {
		r.mu.Unlock()
		return e.pref, nil
	}
	r.mu.Unlock()

	pref, err := r.load(ctx, userID)
	if err != nil {
		return Preference{}, err
	}

	r.mu.Lock()
	r.cache[userID] = cacheEntry{pref: pref, expires: time.Now().Add(r.ttl)}
	r.mu.Unlock()
	return pref, nil
}

// Route delivers msg according to userID's preference. originChannel is
// always included for same_channel and all_channels strategies; for
// prefer_web it is included alongside web when it differs from web, and is
// the only target when web is not connected.
func (r *Router) Route(ctx context.Context, userID string, msg bus.OutboundMessage, originChannel string) error {
	pref, err := r.preferenceFor(ctx, userID)
	if err != nil {
		return err
	}
	if pref.muted() {
		slog.Debug("dropping outbound message: user muted", "user_id", userID, "mute_until", pref.MuteUntil)
		return nil
	}

	switch pref.Strategy {
	case StrategyAllChannels:
		r.sendAllSettled(ctx, userID, msg, pref.EnabledChannels, originChannel)
		return r.sender.SendToChannel(ctx, originChannel, userID, msg)
	case StrategyPreferWeb:
		if r.sender.IsConnected("web") {
			if err := r.sender.SendToChannel(ctx, "web", userID, msg); err != nil {
				slog.Warn("prefer_web send failed", "error", err)
			}
			if originChannel != "web" {
				return r.sender.SendToChannel(ctx, originChannel, userID, msg)
			}
			return nil
		}
		return r.sender.SendToChannel(ctx, originChannel, userID, msg)
	default: // same_channel
		return r.sender.SendToChannel(ctx, originChannel, userID, msg)
	}
}

// RouteAdditional fans msg out to channels beyond originChannel per the
// user's strategy, without resending to originChannel itself. Used by
// callers where origin already delivered the response through its own
// streaming edit-in-place UX, so only the *other* channels named by an
// all_channels/prefer_web strategy still need a send.
func (r *Router) RouteAdditional(ctx context.Context, userID string, msg bus.OutboundMessage, originChannel string) error {
	pref, err := r.preferenceFor(ctx, userID)
	if err != nil {
		return err
	}
	if pref.muted() {
		return nil
	}

	switch pref.Strategy {
	case StrategyAllChannels:
		r.sendAllSettled(ctx, userID, msg, pref.EnabledChannels, originChannel)
	case StrategyPreferWeb:
		if originChannel != "web" && r.sender.IsConnected("web") {
			if err := r.sender.SendToChannel(ctx, "web", userID, msg); err != nil {
				slog.Warn("prefer_web additional send failed", "error", err)
			}
		}
	}
	return nil
}

// sendAllSettled fans out to every enabled channel other than originChannel,
// waiting for all to finish but never cancelling peers on individual failure.
func (r *Router) sendAllSettled(ctx context.Context, userID string, msg bus.OutboundMessage, channels []string, originChannel string) {
	var wg sync.WaitGroup
	for _, ch := range channels {
		if ch == originChannel {
			continue
		}
		wg.Add(1)
		go func(channel string) {
			defer wg.Done()
			if err := r.sender.SendToChannel(ctx, channel, userID, msg); err != nil {
				slog.Warn("all_channels fan-out send failed", "channel", channel, "user_id", userID, "error", err)
			}
		}(ch)
	}
	wg.Wait()
}
