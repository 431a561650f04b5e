// Package identity implements the cross-channel identity mapping and
// short-window message dedup store (C1).
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ChannelIdentity is the (UserId, ChannelType, ChannelUserId) triple plus
// display metadata. Invariant: (ChannelType, ChannelUserID) is unique; each
// such pair maps to exactly one UserID.
type ChannelIdentity struct {
	UserID        string    `json:"user_id"`
	ChannelType   string    `json:"channel_type"`
	ChannelUserID string    `json:"channel_user_id"`
	DisplayName   string    `json:"display_name,omitempty"`
	Linked        bool      `json:"linked"`
	CreatedAt     time.Time `json:"created_at"`
}

// DefaultDedupTTL is the default dedup window (spec §3: TTL <= 10s, default 5s).
const DefaultDedupTTL = 5 * time.Second

// MaxDedupTTL is the upper bound on a configured dedup window.
const MaxDedupTTL = 10 * time.Second

// DeterministicUserID derives a stable pseudo cross-channel userId from a
// (channel, channelUserId) pair the first time an adapter sees a sender
// (spec §4.3). A later LinkIdentities call can still relocate the identity
// under a different, pairing-derived userId; this hash only ever seeds the
// mapping, never overrides an existing one.
func DeterministicUserID(channel, channelUserID string) string {
	sum := sha256.Sum256([]byte(channel + ":" + channelUserID))
	return hex.EncodeToString(sum[:16])
}
