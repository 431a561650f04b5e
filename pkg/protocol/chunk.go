package protocol

import (
	"encoding/json"
	"fmt"
)

// ChunkKind is the wire discriminator for a Brain response chunk (spec §6):
// numeric {CONTENT_DELTA=0, TOOL_CALL=1, DONE=2, ERROR=3}. Some upstream
// transports emit the discriminator as a string tag instead while the
// transport matures (spec §9 redesign flag). RawChunk.Kind() normalizes
// both forms to this single internal tagged variant; downstream code never
// sees the wire representation.
type ChunkKind int

const (
	KindContentDelta ChunkKind = 0
	KindToolCall     ChunkKind = 1
	KindDone         ChunkKind = 2
	KindError        ChunkKind = 3
)

var stringKinds = map[string]ChunkKind{
	"content_delta": KindContentDelta,
	"CONTENT_DELTA": KindContentDelta,
	"tool_call":     KindToolCall,
	"TOOL_CALL":     KindToolCall,
	"done":          KindDone,
	"DONE":          KindDone,
	"error":         KindError,
	"ERROR":         KindError,
}

// RawChunk is the on-wire shape of a single Brain response chunk, tolerant
// of both a numeric and string discriminator in the "type" field.
type RawChunk struct {
	Type           json.RawMessage   `json:"type"`
	ContentDelta   string            `json:"content_delta,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Kind normalizes the raw "type" discriminator — which may arrive as a JSON
// number or a JSON string — to the internal ChunkKind enum.
func (r RawChunk) Kind() (ChunkKind, error) {
	var asNum int
	if err := json.Unmarshal(r.Type, &asNum); err == nil {
		switch asNum {
		case 0, 1, 2, 3:
			return ChunkKind(asNum), nil
		default:
			return 0, fmt.Errorf("unrecognized numeric chunk discriminator: %d", asNum)
		}
	}

	var asStr string
	if err := json.Unmarshal(r.Type, &asStr); err == nil {
		if kind, ok := stringKinds[asStr]; ok {
			return kind, nil
		}
		return 0, fmt.Errorf("unrecognized chunk discriminator: %q", asStr)
	}

	return 0, fmt.Errorf("chunk discriminator is neither number nor string: %s", string(r.Type))
}

// ChatRequest is the request shape for the Brain streaming RPC (spec §6).
type ChatRequest struct {
	UserID         string            `json:"userId"`
	WorkspaceID    string            `json:"workspaceId"`
	ConversationID string            `json:"conversationId,omitempty"`
	Messages       []ChatMessage     `json:"messages"`
	Provider       string            `json:"provider,omitempty"`
	Model          string            `json:"model,omitempty"`
	Parameters     map[string]string `json:"parameters,omitempty"`
}

// ChatRole mirrors the wire's numeric role discriminator (USER=0 per spec §6).
type ChatRole int

const RoleUser ChatRole = 0

// ChatMessage is a single request message.
type ChatMessage struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}

// Recognized ChatRequest.Parameters keys.
const (
	ParamAttachments = "attachments"
	ParamChannel     = "channel"
)
