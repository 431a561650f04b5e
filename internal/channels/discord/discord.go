// Package discord implements the Discord Bot adapter (C4) via discordgo's
// gateway session, generalized from PicoClaw/GoClaw's own Discord adapter
// onto the gateway's platform-agnostic Channel/StreamingChannel contract.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/goclaw/internal/approval"
	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/internal/channels/typing"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/gwerrors"
	"github.com/nextlevelbuilder/goclaw/internal/identity"
)

// discordMessageLimit is Discord's hard cap on a single message's content.
const discordMessageLimit = 2000

type chatRoute struct {
	channelID string
}

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	config    config.DiscordConfig
	botUserID string

	identityStore  identity.Store
	approvalBroker *approval.Broker

	routesMu sync.RWMutex
	routes   map[string]chatRoute

	typingCtrls *typing.Registry
}

// New creates a Discord adapter from config.
func New(cfg config.DiscordConfig, msgBus *bus.Bus, identityStore identity.Store, approvalBroker *approval.Broker) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	base := channels.NewBaseChannel(string(channels.ChannelDiscord), msgBus, cfg.AllowFrom)

	return &Channel{
		BaseChannel:    base,
		session:        session,
		config:         cfg,
		identityStore:  identityStore,
		approvalBroker: approvalBroker,
		routes:         make(map[string]chatRoute),
		typingCtrls:    typing.NewRegistry(),
	}, nil
}

func (c *Channel) ChannelType() channels.ChannelType { return channels.ChannelDiscord }

// Connect opens the gateway connection and registers handlers.
func (c *Channel) Connect(ctx context.Context) error {
	if c.Status() == channels.StatusConnected {
		return nil
	}
	c.MarkConnecting()

	c.session.AddHandler(c.handleMessage)
	c.session.AddHandler(c.handleInteraction)

	if err := c.session.Open(); err != nil {
		c.MarkDisconnected()
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		c.MarkDisconnected()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.MarkConnected()
	slog.Info("discord adapter connected", "username", user.Username, "id", user.ID)
	return nil
}

// Disconnect closes the gateway connection.
func (c *Channel) Disconnect(_ context.Context) error {
	if c.Status() == channels.StatusDisconnected {
		return nil
	}
	c.typingCtrls.StopAll()
	err := c.session.Close()
	c.MarkDisconnected()
	return err
}

func (c *Channel) SupportsStreaming() bool { return true }

func (c *Channel) routeFor(userID string) (chatRoute, bool) {
	c.routesMu.RLock()
	defer c.routesMu.RUnlock()
	r, ok := c.routes[userID]
	return r, ok
}

func (c *Channel) setRoute(userID, channelID string) {
	c.routesMu.Lock()
	c.routes[userID] = chatRoute{channelID: channelID}
	c.routesMu.Unlock()
}

func (c *Channel) FormatOutgoing(msg bus.OutboundMessage) bus.OutboundMessage {
	msg.Content = channels.StripUnsupportedMarkdown(msg.Content)
	return msg
}

func (c *Channel) HandleAttachment(_ context.Context, a bus.Attachment) (bus.Attachment, error) {
	return a, nil // Discord CDN URLs are already directly downloadable.
}

// Send delivers an outbound message, chunking and attaching an approve/reject
// component row when buttons are present.
func (c *Channel) Send(ctx context.Context, userID string, msg bus.OutboundMessage) error {
	route, ok := c.routeFor(userID)
	if !ok {
		return gwerrors.ErrUnknownUser
	}

	msg = c.FormatOutgoing(msg)
	chunks := channels.SmartChunk(msg.Content, discordMessageLimit)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	for i, chunk := range chunks {
		send := &discordgo.MessageSend{Content: chunk}
		if i == len(chunks)-1 && len(msg.Options.Buttons) > 0 {
			send.Components = []discordgo.MessageComponent{buildActionRow(msg.Options.Buttons)}
		}
		if _, err := c.session.ChannelMessageSendComplex(route.channelID, send); err != nil {
			return classifyDiscordErr(err)
		}
	}
	return nil
}

func buildActionRow(buttons []bus.OutboundButton) discordgo.ActionsRow {
	components := make([]discordgo.MessageComponent, 0, len(buttons))
	for _, b := range buttons {
		style := discordgo.SecondaryButton
		if b.Action == "approve" {
			style = discordgo.SuccessButton
		} else if b.Action == "reject" {
			style = discordgo.DangerButton
		}
		components = append(components, discordgo.Button{
			Label:    b.Label,
			Style:    style,
			CustomID: fmt.Sprintf("%s:%s", b.Action, b.Value),
		})
	}
	return discordgo.ActionsRow{Components: components}
}

func classifyDiscordErr(err error) error {
	if err == nil {
		return nil
	}
	var rerr *discordgo.RESTError
	if ok := asRESTError(err, &rerr); ok {
		switch rerr.Response.StatusCode {
		case 429:
			return gwerrors.ErrRateLimited
		case 403:
			return gwerrors.ErrForbidden
		}
	}
	return fmt.Errorf("discord: %w", gwerrors.ErrPlatformTransient)
}

func asRESTError(err error, target **discordgo.RESTError) bool {
	if rerr, ok := err.(*discordgo.RESTError); ok {
		*target = rerr
		return true
	}
	return false
}

// resolveDisplayName returns the best available display name: server
// nickname, then global display name, then username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

func senderIDFor(userID, username string) string {
	if username == "" {
		return userID
	}
	return userID + "|" + username
}
