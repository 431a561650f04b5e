// Package protocol defines the wire-level constants and frame types shared
// by the channel fabric and the web adapter's WebSocket protocol.
package protocol

// ProtocolVersion is reported by the version command and available for
// client compatibility checks.
const ProtocolVersion = 1

// Server -> client WebSocket frame type names (web surface, spec §6).
const (
	FrameConnected    = "connected"
	FrameError        = "error"
	FrameThinking     = "thinking"
	FrameRoutingInfo  = "routing_info"
	FrameToolActivity = "tool_activity"
	FrameToken        = "token"
	FrameDone         = "done"
	FrameMessage      = "message"
	FramePing         = "ping"
	FramePong         = "pong"
)

// Client -> server WebSocket frame type names.
const (
	FrameAuth         = "auth"
	FrameChat         = "chat"
	FrameSetWorkspace = "set_workspace"
)

// WebSocket close codes (spec §4.3/§6 Web).
const (
	CloseInvalidToken = 4001
	CloseForbidden    = 4004
	CloseAuthTimeout  = 4008
	CloseShutdown     = 1001
)

// Broadcast event names published on the bus.EventPublisher (status/health
// observability, independent of any single client connection).
const (
	EventStatus    = "status"
	EventHeartbeat = "heartbeat"
	EventShutdown  = "shutdown"
)
