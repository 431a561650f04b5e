// Package approval implements the Approval Broker (C7): pending-approval
// tracking, forwarding approval requests to the originating surface, and
// resolving callbacks from surface-native UI back to Brain.
//
// Grounded on the callback-token approval pattern in
// other_examples/5617eb8e_zkoranges-go-claw's Telegram HITL handling
// ("hitl:<id>:<action>" custom data, ack + publish-to-bus on resolution) —
// generalized here into a transport-agnostic broker any adapter can call
// into, per spec §9's redesign-flag guidance ("explicit handler
// registration at startup; broker exposes a pure function signature and
// owns no global state" beyond the pending-approval map itself).
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/goclaw/internal/gwerrors"
)

// SurfaceContext locates where an approval's UI lives on its origin channel.
type SurfaceContext struct {
	Channel   string
	ChatID    string
	ThreadID  string
	MessageID string
}

// Result is the outcome of resolving an approval.
type Result struct {
	Success bool
	Error   string
}

// ApproveFunc is Brain's registered resolution callback.
type ApproveFunc func(ctx context.Context, approvalID, userID string, approved bool) (Result, error)

// ListPendingFunc is Brain's registered pending-approvals-for-user callback.
type ListPendingFunc func(ctx context.Context, userID, workspaceID string) ([]string, error)

// Notifier emits a platform-native approve/reject UI on the surface that
// owns userID. Implemented by the channel registry, which knows how to
// resolve a user to its adapter and surface context.
type Notifier interface {
	NotifyApproval(ctx context.Context, userID, approvalID, description, taskID string) error
}

type entry struct {
	taskID         string
	userID         string
	surfaceContext SurfaceContext
	outcome        *bool // nil = pending
}

// Broker tracks pending approvals in memory and brokers resolution between
// surfaces and Brain's two registered callbacks.
type Broker struct {
	mu       sync.Mutex
	pending  map[string]*entry
	notifier Notifier

	approve      ApproveFunc
	listPendingF ListPendingFunc
}

// New constructs a Broker. notifier may be nil until the registry is ready;
// RegisterCallbacks must be called before any resolution is attempted.
func New(notifier Notifier) *Broker {
	return &Broker{
		pending:  make(map[string]*entry),
		notifier: notifier,
	}
}

// RegisterCallbacks wires Brain's approve/listPendingFor callbacks.
func (b *Broker) RegisterCallbacks(approve ApproveFunc, listPending ListPendingFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.approve = approve
	b.listPendingF = listPending
}

// SendApprovalRequestForUser emits the platform-native approve/reject UI for
// userID. No-op if approvalID is already pending.
func (b *Broker) SendApprovalRequestForUser(ctx context.Context, userID, approvalID, description, taskID string) error {
	b.mu.Lock()
	if _, exists := b.pending[approvalID]; exists {
		b.mu.Unlock()
		return nil
	}
	b.pending[approvalID] = &entry{taskID: taskID, userID: userID}
	b.mu.Unlock()

	if b.notifier == nil {
		return fmt.Errorf("approval broker has no notifier wired")
	}
	return b.notifier.NotifyApproval(ctx, userID, approvalID, description, taskID)
}

// TrackSurfaceContext records where an approval's UI was rendered, so a
// later resolution can be correlated back to the message/chat to update.
func (b *Broker) TrackSurfaceContext(approvalID string, sc SurfaceContext) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.pending[approvalID]; ok {
		e.surfaceContext = sc
	}
}

// SurfaceContextFor returns the tracked surface context for a pending
// approval, if any.
func (b *Broker) SurfaceContextFor(approvalID string) (SurfaceContext, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.pending[approvalID]
	if !ok {
		return SurfaceContext{}, false
	}
	return e.surfaceContext, true
}

// ResolvePendingApproval is called from inbound UI events (button clicks,
// free-text keywords). Resolution is one-shot: repeated resolution with the
// same outcome returns success=true (idempotent); a conflicting outcome
// returns gwerrors.ErrAlreadyResolved.
func (b *Broker) ResolvePendingApproval(ctx context.Context, approvalID string, approved bool, actorUserID string) (Result, error) {
	b.mu.Lock()
	e, exists := b.pending[approvalID]
	if exists {
		if actorUserID != "" && e.userID != "" && actorUserID != e.userID {
			b.mu.Unlock()
			return Result{}, gwerrors.ErrForbidden
		}
		if e.outcome != nil {
			prior := *e.outcome
			b.mu.Unlock()
			if prior == approved {
				return Result{Success: true}, nil
			}
			return Result{Success: false, Error: gwerrors.ErrAlreadyResolved.Error()}, gwerrors.ErrAlreadyResolved
		}
		e.outcome = &approved
		userID := e.userID
		b.mu.Unlock()

		result, err := b.callApprove(ctx, approvalID, userID, approved)
		if err != nil || !result.Success {
			// Brain did not accept the resolution: un-mark the outcome so a
			// retry of the same approval re-invokes the callback instead of
			// short-circuiting on the idempotency check above. On success
			// the entry keeps its outcome, so repeats are answered locally.
			b.mu.Lock()
			if e, ok := b.pending[approvalID]; ok && e.outcome != nil && *e.outcome == approved {
				e.outcome = nil
			}
			b.mu.Unlock()
		}
		return result, err
	}
	b.mu.Unlock()

	// No in-memory entry (adapter restart): Brain is the source of truth,
	// but the actor must be known.
	if actorUserID == "" {
		return Result{}, gwerrors.ErrUnknownApproval
	}
	return b.callApprove(ctx, approvalID, actorUserID, approved)
}

func (b *Broker) callApprove(ctx context.Context, approvalID, userID string, approved bool) (Result, error) {
	b.mu.Lock()
	approve := b.approve
	b.mu.Unlock()

	if approve == nil {
		return Result{}, fmt.Errorf("approval broker has no approve callback registered")
	}
	result, err := approve(ctx, approvalID, userID, approved)
	if err != nil {
		slog.Error("approval resolution failed", "approval_id", approvalID, "error", err)
		return Result{}, err
	}
	return result, nil
}

// ListPendingFor lists approval ids still pending for a user/workspace, via
// Brain's registered callback.
func (b *Broker) ListPendingFor(ctx context.Context, userID, workspaceID string) ([]string, error) {
	b.mu.Lock()
	list := b.listPendingF
	b.mu.Unlock()
	if list == nil {
		return nil, fmt.Errorf("approval broker has no listPendingFor callback registered")
	}
	return list(ctx, userID, workspaceID)
}
