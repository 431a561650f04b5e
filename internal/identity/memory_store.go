package identity

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used in tests that don't stand up a
// live Redis instance. Same semantics as RedisStore.
type MemoryStore struct {
	mu       sync.Mutex
	forward  map[string]ChannelIdentity // "channel:channelUserID" -> identity
	reverse  map[string]map[string]bool // userID -> set of "channel:channelUserID"
	dedup    map[string]time.Time       // "userID:fp" -> expiry
	dedupTTL time.Duration
}

// NewMemoryStore constructs an empty in-memory identity/dedup store.
func NewMemoryStore(dedupTTL time.Duration) *MemoryStore {
	if dedupTTL <= 0 {
		dedupTTL = DefaultDedupTTL
	}
	return &MemoryStore{
		forward:  make(map[string]ChannelIdentity),
		reverse:  make(map[string]map[string]bool),
		dedup:    make(map[string]time.Time),
		dedupTTL: dedupTTL,
	}
}

func (s *MemoryStore) RegisterIdentity(_ context.Context, identity ChannelIdentity) error {
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forward[reverseMember(identity.ChannelType, identity.ChannelUserID)] = identity
	if s.reverse[identity.UserID] == nil {
		s.reverse[identity.UserID] = make(map[string]bool)
	}
	s.reverse[identity.UserID][reverseMember(identity.ChannelType, identity.ChannelUserID)] = true
	return nil
}

func (s *MemoryStore) ResolveUserID(_ context.Context, channel, channelUserID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.forward[reverseMember(channel, channelUserID)]
	if !ok {
		return "", false, nil
	}
	return identity.UserID, true, nil
}

func (s *MemoryStore) LinkIdentities(_ context.Context, primaryUserID, secondaryChannel, secondaryChannelUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	member := reverseMember(secondaryChannel, secondaryChannelUserID)
	identity, ok := s.forward[member]
	if !ok {
		return nil
	}
	previousOwner := identity.UserID

	identity.UserID = primaryUserID
	identity.Linked = true
	s.forward[member] = identity

	if previousOwner != "" && previousOwner != primaryUserID {
		delete(s.reverse[previousOwner], member)
	}
	if s.reverse[primaryUserID] == nil {
		s.reverse[primaryUserID] = make(map[string]bool)
	}
	s.reverse[primaryUserID][member] = true
	return nil
}

func (s *MemoryStore) GetUserIdentities(_ context.Context, userID string) ([]ChannelIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.reverse[userID]
	identities := make([]ChannelIdentity, 0, len(members))
	for member := range members {
		identity, ok := s.forward[member]
		if !ok || identity.UserID != userID {
			continue
		}
		identities = append(identities, identity)
	}
	return identities, nil
}

func (s *MemoryStore) IsDuplicate(_ context.Context, userID, content, channel string) (bool, error) {
	fp := Fingerprint(content)
	key := dedupKey(userID, fp)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if expiry, ok := s.dedup[key]; ok && now.Before(expiry) {
		return true, nil
	}
	s.dedup[key] = now.Add(s.dedupTTL)
	return false, nil
}
