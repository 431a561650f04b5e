// Package config loads and represents the gateway's configuration: per
// channel adapter settings, the Redis identity/dedup store, the Brain
// streaming client, and the gateway's own listen/workspace settings.
//
// Adapted from PicoClaw/GoClaw's internal/config package: kept the
// FlexibleStringSlice JSON tolerance, the titanous/json5 + env-override
// loading shape, and fsnotify-driven reload, trimmed of every section that
// belongs to Brain's own agent/provider/tool orchestration (out of scope
// per the channel fabric's purpose).
package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the gateway.
type Config struct {
	Channels ChannelsConfig `json:"channels"`
	Gateway  GatewayConfig  `json:"gateway"`
	Redis    RedisConfig    `json:"redis"`
	Brain    BrainConfig    `json:"brain"`
	mu       sync.RWMutex
}

// GatewayConfig controls registry-wide routing defaults and the workspace
// the gateway operates against.
type GatewayConfig struct {
	WorkspaceID       string `json:"workspace_id"`
	OwnerIDs          []string `json:"owner_ids,omitempty"`
	DefaultStrategy   string `json:"default_strategy,omitempty"`    // "same_channel" (default), "all_channels", "prefer_web"
	PreferenceTTLMin  int    `json:"preference_ttl_min,omitempty"`  // minutes; must be >= session length (default 60)
	MaxMessageChars   int    `json:"max_message_chars,omitempty"`   // max user message characters (default 32000)
}

// RedisConfig configures the identity/dedup store (C1).
type RedisConfig struct {
	Addr        string `json:"addr"`
	Password    string `json:"-"` // from env GOCLAW_REDIS_PASSWORD only
	DB          int    `json:"db,omitempty"`
	DedupTTLSec int    `json:"dedup_ttl_sec,omitempty"` // default 5s, clamped to 10s max
}

// BrainConfig configures the upstream streaming client (C8).
type BrainConfig struct {
	BaseURL   string `json:"base_url"`
	AuthToken string `json:"-"` // from env GOCLAW_BRAIN_TOKEN only
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex,
// so a freshly parsed file can be applied in place.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Channels = src.Channels
	c.Gateway = src.Gateway
	c.Redis = src.Redis
	c.Brain = src.Brain
}

// Snapshot returns a copy of the config safe to read without holding a lock.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{Channels: c.Channels, Gateway: c.Gateway, Redis: c.Redis, Brain: c.Brain}
}
