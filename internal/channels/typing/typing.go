// Package typing implements the per-conversation typing-indicator refresh
// timer shared by adapters whose platform exposes one (Telegram "typing"
// chat action, Discord channel typing trigger). The timer interval must stay
// below the platform's indicator expiry; all timers are canceled on send or
// disconnect (spec §4.1 "Typing indicator", §5 "Timers are owned by the
// adapter that created them").
package typing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Options configures a Controller.
type Options struct {
	// MaxDuration bounds the total time the indicator may run, regardless of
	// keepalive renewals (safety net against a stuck conversation).
	MaxDuration time.Duration
	// KeepaliveInterval is how often StartFn is re-invoked to refresh the
	// platform's typing indicator before it expires.
	KeepaliveInterval time.Duration
	// StartFn triggers the platform-native "typing" signal once. Called
	// immediately and then every KeepaliveInterval until Stop.
	StartFn func(ctx context.Context) error
}

// Controller runs a single conversation's typing-indicator refresh loop.
type Controller struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts a typing controller against ctx. Call Stop (or cancel ctx) when
// the reply is ready to send.
func New(ctx context.Context, opts Options) *Controller {
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 4 * time.Second
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 60 * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, opts.MaxDuration)
	c := &Controller{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(opts.KeepaliveInterval)
		defer ticker.Stop()

		if opts.StartFn != nil {
			if err := opts.StartFn(runCtx); err != nil {
				slog.Debug("typing indicator failed", "error", err)
			}
		}

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if opts.StartFn != nil {
					if err := opts.StartFn(runCtx); err != nil {
						slog.Debug("typing indicator refresh failed", "error", err)
					}
				}
			}
		}
	}()

	return c
}

// Stop cancels the refresh loop and waits for it to exit.
func (c *Controller) Stop() {
	if c == nil {
		return
	}
	c.cancel()
	<-c.done
}

// Registry is a convenience per-conversation registry adapters can embed
// instead of hand-rolling a sync.Map of *Controller.
type Registry struct {
	mu   sync.Mutex
	byID map[string]*Controller
}

// NewRegistry constructs an empty per-conversation Controller registry.
func NewRegistry() *Registry { return &Registry{byID: make(map[string]*Controller)} }

// Start stops any existing controller for id and starts a new one.
func (r *Registry) Start(ctx context.Context, id string, opts Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byID[id]; ok {
		existing.Stop()
	}
	r.byID[id] = New(ctx, opts)
}

// Stop stops and removes the controller for id, if any.
func (r *Registry) Stop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byID[id]; ok {
		existing.Stop()
		delete(r.byID, id)
	}
}

// StopAll stops every tracked controller. Called from adapter Disconnect.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.byID {
		c.Stop()
		delete(r.byID, id)
	}
}
