package web

import (
	"context"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/internal/gwerrors"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// SendStreamStart has no placeholder to post: the browser client renders its
// own typing/thinking affordance off the "thinking" frame. It mints a fresh
// messageId so the client can correlate every frame of this turn — and only
// this turn — across a socket that may have several exchanges in flight.
func (c *Channel) SendStreamStart(_ context.Context, userID, conversationID string) (channels.StreamHandle, error) {
	cl, ok := c.clientFor(userID)
	if !ok {
		return channels.StreamHandle{}, gwerrors.ErrUnknownUser
	}
	messageID := uuid.NewString()
	if err := cl.writeFrame(protocol.FrameThinking, map[string]any{
		"conversationId": conversationID,
		"messageId":      messageID,
	}); err != nil {
		return channels.StreamHandle{}, err
	}
	return channels.StreamHandle{ChatID: userID, MessageID: messageID}, nil
}

// SendStreamUpdate forwards the latest accumulated token text as a "token"
// frame. The client is responsible for diffing/replacing its own buffer.
func (c *Channel) SendStreamUpdate(_ context.Context, handle channels.StreamHandle, accumulated string) error {
	cl, ok := c.clientFor(handle.ChatID)
	if !ok {
		return gwerrors.ErrUnknownUser
	}
	return cl.writeFrame(protocol.FrameToken, map[string]any{
		"content":   accumulated,
		"messageId": handle.MessageID,
	})
}

// SendStreamEnd emits the final "done" frame with the complete response.
func (c *Channel) SendStreamEnd(_ context.Context, handle channels.StreamHandle, final string) error {
	cl, ok := c.clientFor(handle.ChatID)
	if !ok {
		return gwerrors.ErrUnknownUser
	}
	return cl.writeFrame(protocol.FrameDone, map[string]any{
		"content":   final,
		"messageId": handle.MessageID,
	})
}

// SendToolActivity surfaces a tool-call side-channel update as its own frame
// type, letting the client render tool activity separately from token text.
func (c *Channel) SendToolActivity(_ context.Context, handle channels.StreamHandle, activity channels.ToolActivity) error {
	cl, ok := c.clientFor(handle.ChatID)
	if !ok {
		return gwerrors.ErrUnknownUser
	}
	return cl.writeFrame(protocol.FrameToolActivity, map[string]any{
		"status":    activity.Status,
		"toolName":  activity.ToolName,
		"messageId": handle.MessageID,
	})
}
