package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/internal/channels/typing"
	"github.com/nextlevelbuilder/goclaw/internal/identity"
)

func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.Text == "" || isServiceMessage(msg) {
		return
	}

	chatID := msg.Chat.ID
	isGroup := msg.Chat.Type == "group" || msg.Chat.Type == "supergroup"
	threadID := 0
	if msg.Chat.IsForum {
		threadID = msg.MessageThreadID
		if threadID == 0 {
			threadID = telegramGeneralTopicID
		}
	}

	senderID := senderIDFor(msg)
	peerKind := "direct"
	if isGroup {
		peerKind = "group"
	}

	if !c.CheckPolicy(peerKind, channels.DMPolicy(c.config.DMPolicy), channels.GroupPolicy(c.config.GroupPolicy), senderID) {
		return
	}

	if isGroup && c.requireMention() && !c.detectMention(msg) {
		return
	}

	resolvedUserID := c.resolveUserID(ctx, senderID)
	c.setRoute(resolvedUserID, chatRoute{chatID: chatID, threadID: threadID})

	content := msg.Text
	var attachments []bus.Attachment
	if a, ok := attachmentFor(msg); ok {
		attachments = append(attachments, a)
	}

	metadata := map[string]string{
		"telegram_chat_id":  strconv.FormatInt(chatID, 10),
		"telegram_is_group": strconv.FormatBool(isGroup),
	}
	if threadID != 0 {
		metadata["telegram_thread_id"] = strconv.Itoa(threadID)
	}

	stop := c.startTyping(ctx, chatID, threadID)
	defer stop()

	c.HandleMessage(channels.InboundParams{
		SenderID:       senderID,
		ChatID:         strconv.FormatInt(chatID, 10),
		Content:        content,
		Attachments:    attachments,
		Metadata:       metadata,
		ConversationID: conversationKey(chatID, threadID),
		ResolvedUserID: resolvedUserID,
	})
}

// resolveUserID resolves (telegram, senderID) to the cross-channel identity
// userID, registering a deterministic seed identity on first contact. Falls
// back to the deterministic hash alone when no identity store is wired.
func (c *Channel) resolveUserID(ctx context.Context, senderID string) string {
	seed := identity.DeterministicUserID(string(channels.ChannelTelegram), senderID)
	if c.identityStore == nil {
		return seed
	}

	if existing, ok, err := c.identityStore.ResolveUserID(ctx, string(channels.ChannelTelegram), senderID); err == nil && ok {
		return existing
	} else if err != nil {
		slog.Warn("telegram: identity resolution failed, using deterministic seed", "error", err)
	}

	if err := c.identityStore.RegisterIdentity(ctx, identity.ChannelIdentity{
		UserID:        seed,
		ChannelType:   string(channels.ChannelTelegram),
		ChannelUserID: senderID,
	}); err != nil {
		slog.Warn("telegram: register identity failed", "error", err)
	}
	return seed
}

// handleCallbackQuery resolves approve:<id> / reject:<id> inline keyboard
// taps into the approval broker, then acknowledges the tap.
func (c *Channel) handleCallbackQuery(ctx context.Context, cb *telego.CallbackQuery) {
	if c.approvalBroker == nil || cb.Data == "" {
		c.ackCallback(ctx, cb.ID, "")
		return
	}

	action, approvalID, ok := strings.Cut(cb.Data, ":")
	if !ok || (action != "approve" && action != "reject") {
		c.ackCallback(ctx, cb.ID, "")
		return
	}

	senderID := senderIDForUser(cb.From)
	actorUserID := c.resolveUserID(ctx, senderID)

	result, err := c.approvalBroker.ResolvePendingApproval(ctx, approvalID, action == "approve", actorUserID)
	if err != nil {
		c.ackCallback(ctx, cb.ID, "could not resolve approval")
		return
	}
	if !result.Success {
		c.ackCallback(ctx, cb.ID, result.Error)
		return
	}

	label := "Approved"
	if action == "reject" {
		label = "Rejected"
	}
	c.ackCallback(ctx, cb.ID, label)

	if cb.Message != nil {
		edit := &telego.EditMessageReplyMarkupParams{
			ChatID:    tu.ID(cb.Message.Chat.ID),
			MessageID: cb.Message.MessageID,
		}
		if _, err := c.bot.EditMessageReplyMarkup(ctx, edit); err != nil {
			slog.Debug("telegram: clear approval keyboard failed", "error", err)
		}
	}
}

func (c *Channel) ackCallback(ctx context.Context, callbackID, text string) {
	params := &telego.AnswerCallbackQueryParams{CallbackQueryID: callbackID, Text: text}
	if err := c.bot.AnswerCallbackQuery(ctx, params); err != nil {
		slog.Debug("telegram: answer callback query failed", "error", err)
	}
}

func (c *Channel) startTyping(ctx context.Context, chatID int64, threadID int) func() {
	key := conversationKey(chatID, threadID)
	chatIDObj := tu.ID(chatID)
	c.typingCtrls.Start(ctx, key, typing.Options{
		MaxDuration:       60 * time.Second,
		KeepaliveInterval: 4 * time.Second,
		StartFn: func(ctx context.Context) error {
			action := tu.ChatAction(chatIDObj, telego.ChatActionTyping)
			if threadID != 0 {
				action.MessageThreadID = resolveThreadIDForSend(threadID)
			}
			return c.bot.SendChatAction(ctx, action)
		},
	})
	return func() { c.typingCtrls.Stop(key) }
}

func conversationKey(chatID int64, threadID int) string {
	if threadID == 0 {
		return strconv.FormatInt(chatID, 10)
	}
	return fmt.Sprintf("%d:topic:%d", chatID, threadID)
}

// senderIDFor builds the compound "<id>|<username>" sender ID BaseChannel's
// allowlist matching expects.
func senderIDFor(msg *telego.Message) string {
	if msg.From == nil {
		return strconv.FormatInt(msg.Chat.ID, 10)
	}
	return senderIDForUser(*msg.From)
}

func senderIDForUser(u telego.User) string {
	id := strconv.FormatInt(u.ID, 10)
	if u.Username == "" {
		return id
	}
	return id + "|" + u.Username
}

// detectMention reports whether the message mentions the bot by username, a
// bot_command entity, or is a reply to one of the bot's own messages.
func (c *Channel) detectMention(msg *telego.Message) bool {
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil && msg.ReplyToMessage.From.Username == c.username {
		return true
	}
	if c.username == "" {
		return true
	}
	for _, e := range msg.Entities {
		if e.Type == "mention" || e.Type == "bot_command" {
			if e.Offset+e.Length <= len(msg.Text) {
				token := msg.Text[e.Offset : e.Offset+e.Length]
				if strings.Contains(token, "@"+c.username) {
					return true
				}
			}
		}
	}
	return strings.Contains(msg.Text, "@"+c.username)
}

func (c *Channel) requireMention() bool {
	if c.config.RequireMention == nil {
		return true
	}
	return *c.config.RequireMention
}

// attachmentFor maps the single highest-resolution media item on a message
// to a normalized bus.Attachment carrying an unresolved tg:// handle.
func attachmentFor(msg *telego.Message) (bus.Attachment, bool) {
	switch {
	case len(msg.Photo) > 0:
		largest := msg.Photo[len(msg.Photo)-1]
		return bus.Attachment{Type: "image", URL: "tg://" + largest.FileID, Size: int64(largest.FileSize)}, true
	case msg.Voice != nil:
		return bus.Attachment{Type: "audio", URL: "tg://" + msg.Voice.FileID, MimeType: msg.Voice.MimeType, Size: int64(msg.Voice.FileSize)}, true
	case msg.Audio != nil:
		return bus.Attachment{Type: "audio", URL: "tg://" + msg.Audio.FileID, MimeType: msg.Audio.MimeType, Size: int64(msg.Audio.FileSize), Filename: msg.Audio.FileName}, true
	case msg.Video != nil:
		return bus.Attachment{Type: "video", URL: "tg://" + msg.Video.FileID, MimeType: msg.Video.MimeType, Size: int64(msg.Video.FileSize)}, true
	case msg.Document != nil:
		return bus.Attachment{Type: "file", URL: "tg://" + msg.Document.FileID, MimeType: msg.Document.MimeType, Size: int64(msg.Document.FileSize), Filename: msg.Document.FileName}, true
	default:
		return bus.Attachment{}, false
	}
}

// isServiceMessage reports whether msg carries no user-authored content
// (joins/leaves/pins and similar chat events).
func isServiceMessage(msg *telego.Message) bool {
	return msg.NewChatMembers != nil || msg.LeftChatMember != nil ||
		msg.PinnedMessage != nil || msg.NewChatTitle != "" || msg.NewChatPhoto != nil ||
		msg.DeleteChatPhoto || msg.GroupChatCreated || msg.SupergroupChatCreated
}
