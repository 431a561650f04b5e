package router

import "sync"

// ConvKey identifies a conversation-id reconciliation cache entry.
type ConvKey struct {
	Channel        string
	UserID         string
	ConversationID string
}

// ConvCache maintains (channel, userID, incomingConversationId) -> effective
// id (spec §4.2 step 3, invariant 3: successive authoritative ids from DONE
// replace the cache monotonically, never back to empty).
//
// Resolution of the Open Question on conversation-id disagreement (see
// DESIGN.md): a deterministic id computed by an adapter only seeds the
// cache the first time a tuple is seen; Brain's authoritative id always
// wins thereafter.
type ConvCache struct {
	mu      sync.Mutex
	entries map[ConvKey]string
}

// NewConvCache constructs an empty conversation-id cache.
func NewConvCache() *ConvCache {
	return &ConvCache{entries: make(map[ConvKey]string)}
}

// Resolve returns the cached effective id for key if present, else
// incomingID, else empty (letting Brain allocate).
func (c *ConvCache) Resolve(key ConvKey, incomingID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.entries[key]; ok {
		return id
	}
	return incomingID
}

// Store records an authoritative conversation id for key. A call with an
// empty id is ignored (invariant 3: never overwritten to empty).
func (c *ConvCache) Store(key ConvKey, id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = id
}
