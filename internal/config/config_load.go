package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			WorkspaceID:      "default",
			DefaultStrategy:  "same_channel",
			PreferenceTTLMin: 60,
			MaxMessageChars:  32000,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			DedupTTLSec: 5,
		},
		Channels: ChannelsConfig{
			Web: WebConfig{
				ListenAddr:   ":8780",
				Path:         "/ws",
				AuthGraceSec: 5,
				HeartbeatSec: 30,
			},
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error: defaults plus env overrides are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values, and are the only source for secrets.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("GOCLAW_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	envStr("GOCLAW_DISCORD_TOKEN", &c.Channels.Discord.Token)
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
	envStr("GOCLAW_WHATSAPP_ACCOUNT_SID", &c.Channels.WhatsApp.AccountSID)
	envStr("GOCLAW_WHATSAPP_AUTH_TOKEN", &c.Channels.WhatsApp.AuthToken)
	envStr("GOCLAW_WHATSAPP_FROM_NUMBER", &c.Channels.WhatsApp.FromNumber)
	if c.Channels.WhatsApp.AccountSID != "" && c.Channels.WhatsApp.AuthToken != "" {
		c.Channels.WhatsApp.Enabled = true
	}
	envStr("GOCLAW_WEB_JWT_SECRET", &c.Channels.Web.JWTSecret)

	envStr("GOCLAW_REDIS_ADDR", &c.Redis.Addr)
	envStr("GOCLAW_REDIS_PASSWORD", &c.Redis.Password)

	envStr("GOCLAW_BRAIN_BASE_URL", &c.Brain.BaseURL)
	envStr("GOCLAW_BRAIN_TOKEN", &c.Brain.AuthToken)

	envStr("GOCLAW_WORKSPACE_ID", &c.Gateway.WorkspaceID)
	if v := os.Getenv("GOCLAW_OWNER_IDS"); v != "" {
		c.Gateway.OwnerIDs = strings.Split(v, ",")
	}
	if v := os.Getenv("GOCLAW_PREFERENCE_TTL_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Gateway.PreferenceTTLMin = n
		}
	}
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config for optimistic concurrency /
// change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
