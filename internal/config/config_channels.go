package config

// ChannelsConfig contains per-channel configuration (spec §6 configuration
// table).
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Web      WebConfig      `json:"web"`
}

type TelegramConfig struct {
	Enabled        bool                `json:"enabled"`
	Token          string              `json:"token"`
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
	DMPolicy       string              `json:"dm_policy,omitempty"`       // "open" (default), "allowlist", "pairing", "disabled"
	GroupPolicy    string              `json:"group_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	RequireMention *bool               `json:"require_mention,omitempty"` // require @bot mention in groups (default true)
	StreamMode     string              `json:"stream_mode,omitempty"`     // "off" (default), "partial" — streaming preview via message edits
	MediaMaxBytes  int64               `json:"media_max_bytes,omitempty"` // max media download size in bytes; not read by the Telegram adapter
}

type DiscordConfig struct {
	Enabled        bool                `json:"enabled"`
	Token          string              `json:"token"`
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
	DMPolicy       string              `json:"dm_policy,omitempty"`       // "open" (default), "allowlist", "disabled"
	GroupPolicy    string              `json:"group_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	RequireMention *bool               `json:"require_mention,omitempty"` // require @bot mention in guild channels (default true)
}

// WhatsAppConfig configures the Twilio Messaging API-backed adapter
// (spec §6: "accountSid, authToken, fromNumber, defaultWorkspaceId").
type WhatsAppConfig struct {
	Enabled            bool                `json:"enabled"`
	AccountSID         string              `json:"account_sid"`
	AuthToken          string              `json:"-"` // from env GOCLAW_WHATSAPP_AUTH_TOKEN only
	FromNumber         string              `json:"from_number"`
	DefaultWorkspaceID string              `json:"default_workspace_id,omitempty"`
	AllowFrom          FlexibleStringSlice `json:"allow_from"`
	DMPolicy           string              `json:"dm_policy,omitempty"` // "open" (default), "allowlist", "disabled"

	// WebhookListenAddr/WebhookPublicURL configure the inbound Twilio
	// webhook server — separate from the Web adapter's own listener since
	// this one has no WebSocket upgrade, just a signed POST handler.
	WebhookListenAddr string `json:"webhook_listen_addr,omitempty"` // e.g. ":8781"
	WebhookPath       string `json:"webhook_path,omitempty"`        // default "/webhooks/whatsapp"
	WebhookPublicURL  string `json:"webhook_public_url"`            // exact externally-visible URL Twilio signs against
}

// WebConfig configures the WebSocket adapter (C4 Web).
type WebConfig struct {
	Enabled         bool   `json:"enabled"`
	ListenAddr      string `json:"listen_addr"`                 // e.g. ":8780"
	Path            string `json:"path,omitempty"`               // default "/ws"
	JWTSecret       string `json:"-"`                            // from env GOCLAW_WEB_JWT_SECRET only
	AuthGraceSec    int    `json:"auth_grace_sec,omitempty"`     // seconds to wait for FrameAuth after connect (default 5)
	HeartbeatSec    int    `json:"heartbeat_sec,omitempty"`      // ping interval (default 30)
	AllowedOrigins  FlexibleStringSlice `json:"allowed_origins,omitempty"` // CORS allowlist (empty = allow all)
	AllowFrom       FlexibleStringSlice `json:"allow_from,omitempty"`      // authenticated-user allowlist (empty = allow all)
}
