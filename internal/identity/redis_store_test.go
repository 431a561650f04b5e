package identity

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store, err := NewRedisStore(Config{Addr: mr.Addr(), DedupTTL: 50 * time.Millisecond})
	require.NoError(t, err)
	return store
}

func TestRedisStore_RegisterAndResolve(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterIdentity(ctx, ChannelIdentity{
		UserID: "u1", ChannelType: "telegram", ChannelUserID: "42",
	}))

	userID, ok, err := s.ResolveUserID(ctx, "telegram", "42")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "u1", userID)
}

func TestRedisStore_ResolveUnknownReturnsFalse(t *testing.T) {
	s := newTestRedisStore(t)
	_, ok, err := s.ResolveUserID(context.Background(), "telegram", "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_LinkIdentitiesMovesReverseMembership(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterIdentity(ctx, ChannelIdentity{
		UserID: "u-old", ChannelType: "discord", ChannelUserID: "d1",
	}))
	require.NoError(t, s.LinkIdentities(ctx, "u-new", "discord", "d1"))

	userID, ok, err := s.ResolveUserID(ctx, "discord", "d1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "u-new", userID)

	oldIdentities, err := s.GetUserIdentities(ctx, "u-old")
	require.NoError(t, err)
	assert.Empty(t, oldIdentities, "reverse membership must move off the previous owner")

	newIdentities, err := s.GetUserIdentities(ctx, "u-new")
	require.NoError(t, err)
	require.Len(t, newIdentities, 1)
	assert.True(t, newIdentities[0].Linked)
}

func TestRedisStore_LinkIdentitiesMissingSecondaryIsNoop(t *testing.T) {
	s := newTestRedisStore(t)
	err := s.LinkIdentities(context.Background(), "u1", "discord", "never-registered")
	assert.NoError(t, err)
}

func TestRedisStore_GetUserIdentitiesReturnsAllChannels(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterIdentity(ctx, ChannelIdentity{UserID: "u1", ChannelType: "telegram", ChannelUserID: "t1"}))
	require.NoError(t, s.RegisterIdentity(ctx, ChannelIdentity{UserID: "u1", ChannelType: "discord", ChannelUserID: "d1"}))

	identities, err := s.GetUserIdentities(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, identities, 2)
}

func TestRedisStore_IsDuplicateWithinTTL(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	dup1, err := s.IsDuplicate(ctx, "u1", "hello world", "telegram")
	require.NoError(t, err)
	assert.False(t, dup1)

	dup2, err := s.IsDuplicate(ctx, "u1", "hello world", "telegram")
	require.NoError(t, err)
	assert.True(t, dup2, "the same content within the TTL window must be flagged as a duplicate")
}

func TestRedisStore_IsDuplicateExpiresAfterTTL(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	s, err := NewRedisStore(Config{Addr: mr.Addr(), DedupTTL: 50 * time.Millisecond})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.IsDuplicate(ctx, "u1", "hello world", "telegram")
	require.NoError(t, err)

	// miniredis only expires keys when its clock is advanced explicitly.
	mr.FastForward(100 * time.Millisecond)

	dup, err := s.IsDuplicate(ctx, "u1", "hello world", "telegram")
	require.NoError(t, err)
	assert.False(t, dup, "dedup entries must expire after the configured TTL")
}

func TestRedisStore_DedupTTLClampedToMax(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	s, err := NewRedisStore(Config{Addr: mr.Addr(), DedupTTL: 24 * time.Hour})
	require.NoError(t, err)
	assert.LessOrEqual(t, s.dedupTTL, MaxDedupTTL)
}
