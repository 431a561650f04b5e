// Package telegram implements the Telegram Bot API adapter (C4) via
// long polling, generalized from PicoClaw/GoClaw's own bot package onto the
// gateway's platform-agnostic Channel/StreamingChannel contract (C3).
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/goclaw/internal/approval"
	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/internal/channels/typing"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/gwerrors"
	"github.com/nextlevelbuilder/goclaw/internal/identity"
)

// telegramGeneralTopicID is the fixed topic ID Telegram assigns to a forum
// supergroup's "General" topic.
const telegramGeneralTopicID = 1

// resolveThreadIDForSend omits the General topic id: Telegram rejects an
// explicit thread_id of 1 with "thread not found".
func resolveThreadIDForSend(threadID int) int {
	if threadID == telegramGeneralTopicID {
		return 0
	}
	return threadID
}

// chatRoute is where an outbound message for a given userID should land.
type chatRoute struct {
	chatID   int64
	threadID int
}

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot      *telego.Bot
	username string
	config   config.TelegramConfig

	identityStore  identity.Store
	approvalBroker *approval.Broker

	routesMu sync.RWMutex
	routes   map[string]chatRoute // userID -> last known chat/thread

	approvalSurface sync.Map // approvalID string -> chatRoute

	typingCtrls *typing.Registry

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram adapter from config. identityStore and
// approvalBroker may be nil for a standalone adapter with no cross-channel
// identity resolution or HITL wiring.
func New(cfg config.TelegramConfig, msgBus *bus.Bus, identityStore identity.Store, approvalBroker *approval.Broker) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	base := channels.NewBaseChannel(string(channels.ChannelTelegram), msgBus, cfg.AllowFrom)

	return &Channel{
		BaseChannel:    base,
		bot:            bot,
		config:         cfg,
		identityStore:  identityStore,
		approvalBroker: approvalBroker,
		routes:         make(map[string]chatRoute),
		typingCtrls:    typing.NewRegistry(),
	}, nil
}

func (c *Channel) ChannelType() channels.ChannelType { return channels.ChannelTelegram }

// Connect starts long polling. Idempotent from Connected; transitions
// Connecting -> Connected, or Connecting -> Disconnected on failure.
func (c *Channel) Connect(ctx context.Context) error {
	if c.Status() == channels.StatusConnected {
		return nil
	}
	c.MarkConnecting()

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "callback_query"},
	})
	if err != nil {
		cancel()
		c.MarkDisconnected()
		return fmt.Errorf("start telegram long polling: %w", err)
	}

	me, err := c.bot.GetMe(pollCtx)
	if err != nil {
		cancel()
		c.MarkDisconnected()
		return fmt.Errorf("telegram getMe: %w", err)
	}
	c.username = me.Username

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				switch {
				case update.Message != nil:
					c.handleMessage(pollCtx, update.Message)
				case update.CallbackQuery != nil:
					c.handleCallbackQuery(pollCtx, update.CallbackQuery)
				}
			}
		}
	}()

	c.MarkConnected()
	slog.Info("telegram adapter connected", "username", c.username)
	return nil
}

// Disconnect cancels the long-polling loop and waits for it to drain.
func (c *Channel) Disconnect(_ context.Context) error {
	if c.Status() == channels.StatusDisconnected {
		return nil
	}

	c.typingCtrls.StopAll()

	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}

	c.MarkDisconnected()
	return nil
}

func (c *Channel) SupportsStreaming() bool { return c.config.StreamMode == "partial" }

func (c *Channel) routeFor(userID string) (chatRoute, bool) {
	c.routesMu.RLock()
	defer c.routesMu.RUnlock()
	r, ok := c.routes[userID]
	return r, ok
}

func (c *Channel) setRoute(userID string, r chatRoute) {
	c.routesMu.Lock()
	c.routes[userID] = r
	c.routesMu.Unlock()
}

// FormatOutgoing sanitizes markdown Telegram's plain-text send can't render.
func (c *Channel) FormatOutgoing(msg bus.OutboundMessage) bus.OutboundMessage {
	msg.Content = channels.StripUnsupportedMarkdown(msg.Content)
	return msg
}

// telegramMessageLimit is the Bot API's hard cap on a single message's text.
const telegramMessageLimit = 4096

// Send delivers an outbound message to the chat last associated with userID.
func (c *Channel) Send(ctx context.Context, userID string, msg bus.OutboundMessage) error {
	route, ok := c.routeFor(userID)
	if !ok {
		return gwerrors.ErrUnknownUser
	}

	msg = c.FormatOutgoing(msg)
	chunks := channels.SmartChunk(msg.Content, telegramMessageLimit)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	chatID := tu.ID(route.chatID)
	for _, chunk := range chunks {
		sendMsg := tu.Message(chatID, chunk)
		if route.threadID != 0 {
			sendMsg.MessageThreadID = resolveThreadIDForSend(route.threadID)
		}
		if len(msg.Options.Buttons) > 0 {
			sendMsg.ReplyMarkup = buildInlineKeyboard(msg.Options.Buttons)
		}
		if _, err := c.bot.SendMessage(ctx, sendMsg); err != nil {
			return classifyTelegramErr(err)
		}
	}
	return nil
}

// buildInlineKeyboard maps generic approve/reject buttons onto Telegram
// inline keyboard callback_data tokens ("approve:<id>" / "reject:<id>").
func buildInlineKeyboard(buttons []bus.OutboundButton) *telego.InlineKeyboardMarkup {
	row := make([]telego.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		row = append(row, telego.InlineKeyboardButton{
			Text:         b.Label,
			CallbackData: fmt.Sprintf("%s:%s", b.Action, b.Value),
		})
	}
	return &telego.InlineKeyboardMarkup{InlineKeyboard: [][]telego.InlineKeyboardButton{row}}
}

// HandleAttachment resolves a Telegram file_id (carried as the Attachment
// URL by the inbound path) into a downloadable https URL via GetFile.
func (c *Channel) HandleAttachment(ctx context.Context, a bus.Attachment) (bus.Attachment, error) {
	fileID := strings.TrimPrefix(a.URL, "tg://")
	if fileID == a.URL {
		return a, nil // already resolved / not a telegram handle
	}

	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return a, fmt.Errorf("telegram getFile: %w", err)
	}
	if file.FilePath == "" {
		return a, fmt.Errorf("telegram file %s has no path", fileID)
	}

	a.URL = fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.config.Token, file.FilePath)
	a.Size = int64(file.FileSize)
	return a, nil
}

func classifyTelegramErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Too Many Requests"):
		return gwerrors.ErrRateLimited
	case strings.Contains(msg, "Forbidden"):
		return gwerrors.ErrForbidden
	default:
		return fmt.Errorf("telegram: %w", gwerrors.ErrPlatformTransient)
	}
}
