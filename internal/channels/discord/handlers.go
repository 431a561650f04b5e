package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/internal/channels/typing"
	"github.com/nextlevelbuilder/goclaw/internal/identity"
)

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	senderUserID := m.Author.ID
	senderID := senderIDFor(senderUserID, m.Author.Username)
	senderName := resolveDisplayName(m)
	channelID := m.ChannelID
	isDM := m.GuildID == ""

	peerKind := "group"
	if isDM {
		peerKind = "direct"
	}
	if !c.CheckPolicy(peerKind, channels.DMPolicy(c.config.DMPolicy), channels.GroupPolicy(c.config.GroupPolicy), senderID) {
		return
	}
	if !c.IsAllowed(senderID) {
		return
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		return
	}

	if peerKind == "group" && c.requireMention() {
		mentioned := false
		for _, u := range m.Mentions {
			if u.ID == c.botUserID {
				mentioned = true
				break
			}
		}
		if !mentioned {
			return
		}
	}

	ctx := context.Background()
	resolvedUserID := c.resolveUserID(ctx, senderID)
	c.setRoute(resolvedUserID, channelID)

	stopTyping := c.startTyping(channelID)
	defer stopTyping()

	metadata := map[string]string{
		"discord_message_id": m.ID,
		"discord_channel_id": channelID,
		"discord_guild_id":   m.GuildID,
		"discord_is_dm":      strconv.FormatBool(isDM),
		"discord_username":   senderName,
	}

	finalContent := content
	if peerKind == "group" {
		finalContent = fmt.Sprintf("[From: %s]\n%s", senderName, content)
	}

	c.HandleMessage(channels.InboundParams{
		SenderID:       senderID,
		ChatID:         channelID,
		Content:        finalContent,
		Metadata:       metadata,
		ConversationID: channelID,
		ResolvedUserID: resolvedUserID,
	})
}

// handleInteraction resolves approve:<id> / reject:<id> button component
// taps into the approval broker.
func (c *Channel) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent || c.approvalBroker == nil {
		return
	}

	customID := i.MessageComponentData().CustomID
	action, approvalID, ok := strings.Cut(customID, ":")
	if !ok || (action != "approve" && action != "reject") {
		return
	}

	user := i.Member
	var userID, username string
	if user != nil && user.User != nil {
		userID, username = user.User.ID, user.User.Username
	} else if i.User != nil {
		userID, username = i.User.ID, i.User.Username
	}
	senderID := senderIDFor(userID, username)

	ctx := context.Background()
	actorUserID := c.resolveUserID(ctx, senderID)

	result, err := c.approvalBroker.ResolvePendingApproval(ctx, approvalID, action == "approve", actorUserID)
	label := "Approved"
	if action == "reject" {
		label = "Rejected"
	}
	if err != nil || !result.Success {
		label = "Could not resolve approval"
	}

	_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Content:    label,
			Components: []discordgo.MessageComponent{},
		},
	})
}

// resolveUserID resolves (discord, senderID) to the cross-channel identity
// userID, registering a deterministic seed identity on first contact.
func (c *Channel) resolveUserID(ctx context.Context, senderID string) string {
	seed := identity.DeterministicUserID(string(channels.ChannelDiscord), senderID)
	if c.identityStore == nil {
		return seed
	}

	if existing, ok, err := c.identityStore.ResolveUserID(ctx, string(channels.ChannelDiscord), senderID); err == nil && ok {
		return existing
	} else if err != nil {
		slog.Warn("discord: identity resolution failed, using deterministic seed", "error", err)
	}

	if err := c.identityStore.RegisterIdentity(ctx, identity.ChannelIdentity{
		UserID:        seed,
		ChannelType:   string(channels.ChannelDiscord),
		ChannelUserID: senderID,
	}); err != nil {
		slog.Warn("discord: register identity failed", "error", err)
	}
	return seed
}

func (c *Channel) requireMention() bool {
	if c.config.RequireMention == nil {
		return true
	}
	return *c.config.RequireMention
}

// discordTypingExpiry is how long Discord's typing indicator lasts before
// needing a refresh.
const discordTypingExpiry = 9 * time.Second

func (c *Channel) startTyping(channelID string) func() {
	c.typingCtrls.Start(context.Background(), channelID, typing.Options{
		MaxDuration:       60 * time.Second,
		KeepaliveInterval: discordTypingExpiry,
		StartFn: func(context.Context) error {
			return c.session.ChannelTyping(channelID)
		},
	})
	return func() { c.typingCtrls.Stop(channelID) }
}
