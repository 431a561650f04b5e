package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/goclaw/internal/channels"
)

// streamingCursor trails the accumulated text on every in-progress
// SendStreamUpdate edit, signaling to the user that more is still coming.
const streamingCursor = "▌"

// thinkingPlaceholder is the message SendStreamStart posts before any
// content has arrived from Brain.
const thinkingPlaceholder = "🤔 Thinking…"

// SendStreamStart posts a placeholder message that SendStreamUpdate then
// progressively edits as Brain's response streams in.
func (c *Channel) SendStreamStart(ctx context.Context, userID, conversationID string) (channels.StreamHandle, error) {
	route, ok := c.routeFor(userID)
	if !ok {
		return channels.StreamHandle{}, fmt.Errorf("telegram: no chat route for user %s", userID)
	}

	msg := tu.Message(tu.ID(route.chatID), thinkingPlaceholder)
	if route.threadID != 0 {
		msg.MessageThreadID = resolveThreadIDForSend(route.threadID)
	}

	sent, err := c.bot.SendMessage(ctx, msg)
	if err != nil {
		return channels.StreamHandle{}, classifyTelegramErr(err)
	}

	return channels.StreamHandle{
		ChatID:    strconv.FormatInt(route.chatID, 10),
		MessageID: strconv.Itoa(sent.MessageID),
		ThreadID:  strconv.Itoa(route.threadID),
	}, nil
}

// SendStreamUpdate edits the placeholder in place with the accumulated text
// so far. Telegram rejects an edit whose text is unchanged ("message is not
// modified"); that error is ignored here, and callers (the registry's
// throttled flush loop) only call this when content grew.
func (c *Channel) SendStreamUpdate(ctx context.Context, handle channels.StreamHandle, accumulated string) error {
	chatID, messageID, err := parseHandle(handle)
	if err != nil {
		return err
	}

	text := streamUpdateText(accumulated)

	edit := &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Text:      text,
	}
	_, err = c.bot.EditMessageText(ctx, edit)
	if err != nil && !isNotModifiedErr(err) {
		return classifyTelegramErr(err)
	}
	return nil
}

// SendStreamEnd makes a final edit with the complete response. If the final
// text exceeds a single message's budget it is re-chunked: the edit carries
// the first chunk and the rest are sent as new messages.
func (c *Channel) SendStreamEnd(ctx context.Context, handle channels.StreamHandle, final string) error {
	chatID, messageID, err := parseHandle(handle)
	if err != nil {
		return err
	}

	final = channels.StripUnsupportedMarkdown(final)
	chunks := channels.SmartChunk(final, telegramMessageLimit)
	if len(chunks) == 0 {
		chunks = []string{"(empty response)"}
	}

	edit := &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Text:      chunks[0],
	}
	if _, err := c.bot.EditMessageText(ctx, edit); err != nil && !isNotModifiedErr(err) {
		return classifyTelegramErr(err)
	}

	threadID, _ := strconv.Atoi(handle.ThreadID)
	for _, chunk := range chunks[1:] {
		msg := tu.Message(tu.ID(chatID), chunk)
		if threadID != 0 {
			msg.MessageThreadID = resolveThreadIDForSend(threadID)
		}
		if _, err := c.bot.SendMessage(ctx, msg); err != nil {
			return classifyTelegramErr(err)
		}
	}
	return nil
}

// SendToolActivity surfaces tool-call side-channel status by editing the
// placeholder with a short status line, since Telegram has no separate
// typing-per-tool affordance beyond the chat action already running.
func (c *Channel) SendToolActivity(ctx context.Context, handle channels.StreamHandle, activity channels.ToolActivity) error {
	chatID, messageID, err := parseHandle(handle)
	if err != nil {
		return err
	}

	status := activity.Status
	if activity.ToolName != "" {
		status = fmt.Sprintf("%s: %s", activity.Status, activity.ToolName)
	}

	edit := &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Text:      fmt.Sprintf("_%s…_", status),
	}
	_, err = c.bot.EditMessageText(ctx, edit)
	if err != nil && !isNotModifiedErr(err) {
		return classifyTelegramErr(err)
	}
	return nil
}

// streamUpdateText renders the in-progress edit body: the thinking
// placeholder while nothing has arrived yet, otherwise the accumulated text
// trailed by streamingCursor so the user can see the reply is still growing.
func streamUpdateText(accumulated string) string {
	if accumulated == "" {
		return thinkingPlaceholder
	}
	return channels.Truncate(channels.StripUnsupportedMarkdown(accumulated), telegramMessageLimit-len(streamingCursor)) + streamingCursor
}

func parseHandle(h channels.StreamHandle) (chatID int64, messageID int, err error) {
	chatID, err = strconv.ParseInt(h.ChatID, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram: invalid stream handle chat id %q: %w", h.ChatID, err)
	}
	messageID, err = strconv.Atoi(h.MessageID)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram: invalid stream handle message id %q: %w", h.MessageID, err)
	}
	return chatID, messageID, nil
}

// isNotModifiedErr reports whether err is Telegram's harmless "message is
// not modified" rejection from editing with identical text.
func isNotModifiedErr(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "message is not modified")
}
