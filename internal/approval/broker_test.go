package approval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goclaw/internal/gwerrors"
)

type fakeNotifier struct {
	calls []string
	err   error
}

func (f *fakeNotifier) NotifyApproval(_ context.Context, userID, approvalID, _, _ string) error {
	f.calls = append(f.calls, userID+":"+approvalID)
	return f.err
}

func approveAlways(result Result) ApproveFunc {
	return func(context.Context, string, string, bool) (Result, error) {
		return result, nil
	}
}

func TestSendApprovalRequestForUser_NotifiesOnce(t *testing.T) {
	notifier := &fakeNotifier{}
	b := New(notifier)

	require.NoError(t, b.SendApprovalRequestForUser(context.Background(), "u1", "ap1", "do thing", "task1"))
	require.NoError(t, b.SendApprovalRequestForUser(context.Background(), "u1", "ap1", "do thing", "task1"))

	assert.Equal(t, []string{"u1:ap1"}, notifier.calls, "a pending approval must not be re-notified")
}

func TestSendApprovalRequestForUser_NoNotifierWiredErrors(t *testing.T) {
	b := New(nil)
	err := b.SendApprovalRequestForUser(context.Background(), "u1", "ap1", "do thing", "task1")
	assert.Error(t, err)
}

func TestResolvePendingApproval_HappyPath(t *testing.T) {
	notifier := &fakeNotifier{}
	b := New(notifier)
	b.RegisterCallbacks(approveAlways(Result{Success: true}), nil)

	require.NoError(t, b.SendApprovalRequestForUser(context.Background(), "u1", "ap1", "do thing", "task1"))

	res, err := b.ResolvePendingApproval(context.Background(), "ap1", true, "u1")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestResolvePendingApproval_IdempotentSameOutcome(t *testing.T) {
	notifier := &fakeNotifier{}
	b := New(notifier)
	calls := 0
	b.RegisterCallbacks(func(context.Context, string, string, bool) (Result, error) {
		calls++
		return Result{Success: true}, nil
	}, nil)

	require.NoError(t, b.SendApprovalRequestForUser(context.Background(), "u1", "ap1", "do thing", "task1"))

	_, err := b.ResolvePendingApproval(context.Background(), "ap1", true, "u1")
	require.NoError(t, err)

	res2, err2 := b.ResolvePendingApproval(context.Background(), "ap1", true, "u1")
	require.NoError(t, err2)
	assert.True(t, res2.Success)
	assert.Equal(t, 1, calls, "repeating the same outcome must not re-invoke Brain's callback")
}

func TestResolvePendingApproval_ConflictingOutcomeErrors(t *testing.T) {
	notifier := &fakeNotifier{}
	b := New(notifier)
	b.RegisterCallbacks(approveAlways(Result{Success: true}), nil)

	require.NoError(t, b.SendApprovalRequestForUser(context.Background(), "u1", "ap1", "do thing", "task1"))
	_, err := b.ResolvePendingApproval(context.Background(), "ap1", true, "u1")
	require.NoError(t, err)

	_, err = b.ResolvePendingApproval(context.Background(), "ap1", false, "u1")
	assert.ErrorIs(t, err, gwerrors.ErrAlreadyResolved)
}

func TestResolvePendingApproval_WrongActorForbidden(t *testing.T) {
	notifier := &fakeNotifier{}
	b := New(notifier)
	b.RegisterCallbacks(approveAlways(Result{Success: true}), nil)

	require.NoError(t, b.SendApprovalRequestForUser(context.Background(), "u1", "ap1", "do thing", "task1"))

	_, err := b.ResolvePendingApproval(context.Background(), "ap1", true, "someone-else")
	assert.ErrorIs(t, err, gwerrors.ErrForbidden)
}

func TestResolvePendingApproval_UnknownApprovalWithoutActorErrors(t *testing.T) {
	b := New(&fakeNotifier{})
	b.RegisterCallbacks(approveAlways(Result{Success: true}), nil)

	_, err := b.ResolvePendingApproval(context.Background(), "never-requested", true, "")
	assert.ErrorIs(t, err, gwerrors.ErrUnknownApproval)
}

func TestResolvePendingApproval_UnknownApprovalWithActorFallsThroughToBrain(t *testing.T) {
	b := New(&fakeNotifier{})
	b.RegisterCallbacks(approveAlways(Result{Success: true}), nil)

	res, err := b.ResolvePendingApproval(context.Background(), "never-requested", true, "u1")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestResolvePendingApproval_NoApproveCallbackRegisteredErrors(t *testing.T) {
	b := New(&fakeNotifier{})
	_, err := b.ResolvePendingApproval(context.Background(), "never-requested", true, "u1")
	assert.Error(t, err)
}

func TestResolvePendingApproval_BrainErrorPropagates(t *testing.T) {
	b := New(&fakeNotifier{})
	wantErr := errors.New("brain unavailable")
	b.RegisterCallbacks(func(context.Context, string, string, bool) (Result, error) {
		return Result{}, wantErr
	}, nil)

	require.NoError(t, b.SendApprovalRequestForUser(context.Background(), "u1", "ap1", "do thing", "task1"))
	_, err := b.ResolvePendingApproval(context.Background(), "ap1", true, "u1")
	assert.ErrorIs(t, err, wantErr)
}

func TestResolvePendingApproval_RetryAfterBrainErrorCallsApproveAgain(t *testing.T) {
	b := New(&fakeNotifier{})
	wantErr := errors.New("brain unavailable")

	var calls int
	b.RegisterCallbacks(func(context.Context, string, string, bool) (Result, error) {
		calls++
		if calls == 1 {
			return Result{}, wantErr
		}
		return Result{Success: true}, nil
	}, nil)

	require.NoError(t, b.SendApprovalRequestForUser(context.Background(), "u1", "ap1", "do thing", "task1"))

	_, err := b.ResolvePendingApproval(context.Background(), "ap1", true, "u1")
	assert.ErrorIs(t, err, wantErr)

	result, err := b.ResolvePendingApproval(context.Background(), "ap1", true, "u1")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, calls, "a retry after a failed resolution must re-invoke the approve callback, not short-circuit on the stale outcome")
}

func TestListPendingFor_DelegatesToRegisteredCallback(t *testing.T) {
	b := New(&fakeNotifier{})
	b.RegisterCallbacks(nil, func(_ context.Context, userID, workspaceID string) ([]string, error) {
		assert.Equal(t, "u1", userID)
		assert.Equal(t, "ws1", workspaceID)
		return []string{"ap1", "ap2"}, nil
	})

	ids, err := b.ListPendingFor(context.Background(), "u1", "ws1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ap1", "ap2"}, ids)
}

func TestListPendingFor_NoCallbackRegisteredErrors(t *testing.T) {
	b := New(&fakeNotifier{})
	_, err := b.ListPendingFor(context.Background(), "u1", "ws1")
	assert.Error(t, err)
}

func TestTrackSurfaceContext_RoundTrips(t *testing.T) {
	b := New(&fakeNotifier{})
	require.NoError(t, b.SendApprovalRequestForUser(context.Background(), "u1", "ap1", "do thing", "task1"))

	b.TrackSurfaceContext("ap1", SurfaceContext{Channel: "telegram", ChatID: "c1", MessageID: "m1"})

	sc, ok := b.SurfaceContextFor("ap1")
	require.True(t, ok)
	assert.Equal(t, "telegram", sc.Channel)
	assert.Equal(t, "m1", sc.MessageID)
}

func TestSurfaceContextFor_UnknownApprovalReturnsFalse(t *testing.T) {
	b := New(&fakeNotifier{})
	_, ok := b.SurfaceContextFor("missing")
	assert.False(t, ok)
}
