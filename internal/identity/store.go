package identity

import "context"

// Store is the C1 collaborator contract: cross-channel identity mapping and
// short-window message dedup, backed by any key/value store with atomic
// set-if-absent + TTL + set semantics (spec §6 "Identity-store key layout").
type Store interface {
	// RegisterIdentity upserts the forward index and inserts into the
	// reverse set.
	RegisterIdentity(ctx context.Context, identity ChannelIdentity) error

	// ResolveUserID looks up the UserID owning (channel, channelUserID).
	// ok is false if no mapping exists.
	ResolveUserID(ctx context.Context, channel, channelUserID string) (userID string, ok bool, err error)

	// LinkIdentities rewrites the secondary identity to point at
	// primaryUserID, moves reverse-index membership, and sets linked=true.
	// A missing secondary identity is a no-op (logged by the caller).
	LinkIdentities(ctx context.Context, primaryUserID, secondaryChannel, secondaryChannelUserID string) error

	// GetUserIdentities lists every channel identity mapped to userID.
	GetUserIdentities(ctx context.Context, userID string) ([]ChannelIdentity, error)

	// IsDuplicate performs an atomic set-if-absent on (userID, fingerprint)
	// with the configured dedup TTL. Returns true if the key already existed
	// (i.e. this is a duplicate within the window).
	IsDuplicate(ctx context.Context, userID, content, channel string) (bool, error)
}
