package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis"
)

// RedisStore is the concrete C1 collaborator, backed by go-redis v6. Key
// layout follows spec §6:
//
//	id:<channel>:<channelUserId> -> {user_id,...} (JSON string value)
//	id:user:<userId>             -> set<"<channel>:<channelUserId>">
//	dedup:<userId>:<fingerprint>  (TTL=DEDUP_TTL)
type RedisStore struct {
	client   *redis.Client
	dedupTTL time.Duration
}

// Config configures a RedisStore.
type Config struct {
	Addr     string
	Password string
	DB       int
	DedupTTL time.Duration
}

// NewRedisStore connects to Redis and returns a ready-to-use Store.
func NewRedisStore(cfg Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping().Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	ttl := cfg.DedupTTL
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	if ttl > MaxDedupTTL {
		ttl = MaxDedupTTL
	}

	return &RedisStore{client: client, dedupTTL: ttl}, nil
}

func forwardKey(channel, channelUserID string) string {
	return fmt.Sprintf("id:%s:%s", channel, channelUserID)
}

func reverseKey(userID string) string {
	return fmt.Sprintf("id:user:%s", userID)
}

func dedupKey(userID string, fp uint32) string {
	return fmt.Sprintf("dedup:%s:%d", userID, fp)
}

func reverseMember(channel, channelUserID string) string {
	return channel + ":" + channelUserID
}

// RegisterIdentity upserts the forward index and inserts into the reverse
// set. Ordering is best-effort (forward write, then reverse add) — readers
// tolerate a transient reverse-index row whose forward row has since been
// relinked (spec §4.4 consistency note).
func (s *RedisStore) RegisterIdentity(ctx context.Context, identity ChannelIdentity) error {
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = time.Now()
	}
	payload, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}

	fk := forwardKey(identity.ChannelType, identity.ChannelUserID)
	if err := s.client.Set(fk, string(payload), 0).Err(); err != nil {
		return fmt.Errorf("write forward identity: %w", err)
	}
	if err := s.client.SAdd(reverseKey(identity.UserID), reverseMember(identity.ChannelType, identity.ChannelUserID)).Err(); err != nil {
		return fmt.Errorf("write reverse identity: %w", err)
	}
	return nil
}

// ResolveUserID looks up the UserID owning (channel, channelUserID).
func (s *RedisStore) ResolveUserID(ctx context.Context, channel, channelUserID string) (string, bool, error) {
	val, err := s.client.Get(forwardKey(channel, channelUserID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read forward identity: %w", err)
	}
	var identity ChannelIdentity
	if err := json.Unmarshal([]byte(val), &identity); err != nil {
		return "", false, fmt.Errorf("decode identity: %w", err)
	}
	return identity.UserID, true, nil
}

// LinkIdentities rewrites the secondary identity to point at primaryUserID,
// moves reverse-index membership, and sets linked=true. A missing secondary
// is a no-op.
func (s *RedisStore) LinkIdentities(ctx context.Context, primaryUserID, secondaryChannel, secondaryChannelUserID string) error {
	fk := forwardKey(secondaryChannel, secondaryChannelUserID)
	val, err := s.client.Get(fk).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read secondary identity: %w", err)
	}

	var identity ChannelIdentity
	if err := json.Unmarshal([]byte(val), &identity); err != nil {
		return fmt.Errorf("decode secondary identity: %w", err)
	}
	previousOwner := identity.UserID

	identity.UserID = primaryUserID
	identity.Linked = true
	payload, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("marshal relinked identity: %w", err)
	}

	if err := s.client.Set(fk, string(payload), 0).Err(); err != nil {
		return fmt.Errorf("write relinked identity: %w", err)
	}

	member := reverseMember(secondaryChannel, secondaryChannelUserID)
	if previousOwner != "" && previousOwner != primaryUserID {
		if err := s.client.SRem(reverseKey(previousOwner), member).Err(); err != nil {
			return fmt.Errorf("remove stale reverse membership: %w", err)
		}
	}
	if err := s.client.SAdd(reverseKey(primaryUserID), member).Err(); err != nil {
		return fmt.Errorf("add reverse membership: %w", err)
	}
	return nil
}

// GetUserIdentities lists every channel identity mapped to userID. Reverse
// members whose forward row has been relinked elsewhere are treated as
// stale and skipped (spec §4.4 consistency note).
func (s *RedisStore) GetUserIdentities(ctx context.Context, userID string) ([]ChannelIdentity, error) {
	members, err := s.client.SMembers(reverseKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read reverse set: %w", err)
	}

	identities := make([]ChannelIdentity, 0, len(members))
	for _, member := range members {
		channel, channelUserID, ok := splitMember(member)
		if !ok {
			continue
		}
		val, err := s.client.Get(forwardKey(channel, channelUserID)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read forward identity: %w", err)
		}
		var identity ChannelIdentity
		if err := json.Unmarshal([]byte(val), &identity); err != nil {
			continue
		}
		if identity.UserID != userID {
			continue // stale reverse membership, forward row was relinked
		}
		identities = append(identities, identity)
	}
	return identities, nil
}

func splitMember(member string) (channel, channelUserID string, ok bool) {
	for i := 0; i < len(member); i++ {
		if member[i] == ':' {
			return member[:i], member[i+1:], true
		}
	}
	return "", "", false
}

// IsDuplicate performs an atomic set-if-absent on (userID, fingerprint) with
// the configured dedup TTL.
func (s *RedisStore) IsDuplicate(ctx context.Context, userID, content, channel string) (bool, error) {
	fp := Fingerprint(content)
	key := dedupKey(userID, fp)
	set, err := s.client.SetNX(key, channel, s.dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return !set, nil
}
