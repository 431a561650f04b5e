package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/goclaw/internal/channels"
)

// embedBodyLimit is the budget for a single embed's description once content
// outgrows a plain message's discordMessageLimit.
const embedBodyLimit = 4000

// SendStreamStart posts a placeholder message that SendStreamUpdate then
// progressively edits as Brain's response streams in.
func (c *Channel) SendStreamStart(_ context.Context, userID, _ string) (channels.StreamHandle, error) {
	route, ok := c.routeFor(userID)
	if !ok {
		return channels.StreamHandle{}, fmt.Errorf("discord: no channel route for user %s", userID)
	}

	msg, err := c.session.ChannelMessageSend(route.channelID, "...")
	if err != nil {
		return channels.StreamHandle{}, classifyDiscordErr(err)
	}

	return channels.StreamHandle{ChatID: route.channelID, MessageID: msg.ID}, nil
}

// SendStreamUpdate edits the placeholder with the accumulated text so far,
// switching to an embed body once the text outgrows a plain message.
func (c *Channel) SendStreamUpdate(_ context.Context, handle channels.StreamHandle, accumulated string) error {
	text := accumulated
	if text == "" {
		text = "..."
	}
	text = channels.StripUnsupportedMarkdown(text)

	var err error
	if len(text) <= discordMessageLimit {
		_, err = c.session.ChannelMessageEditComplex(discordgo.NewMessageEdit(handle.ChatID, handle.MessageID).
			SetContent(text).
			SetEmbeds(nil))
	} else {
		embed := &discordgo.MessageEmbed{Description: channels.Truncate(text, embedBodyLimit)}
		_, err = c.session.ChannelMessageEditComplex(discordgo.NewMessageEdit(handle.ChatID, handle.MessageID).
			SetContent("").
			SetEmbed(embed))
	}
	if err != nil {
		return classifyDiscordErr(err)
	}
	return nil
}

// SendStreamEnd makes the final edit, sending any overflow as follow-up
// messages. Content that outgrows a plain message's budget is emitted as
// embeds (4000 chars per embed) instead of plain-text chunks.
func (c *Channel) SendStreamEnd(_ context.Context, handle channels.StreamHandle, final string) error {
	final = channels.StripUnsupportedMarkdown(final)
	if final == "" {
		final = "(empty response)"
	}

	if len(final) <= discordMessageLimit {
		_, err := c.session.ChannelMessageEditComplex(discordgo.NewMessageEdit(handle.ChatID, handle.MessageID).
			SetContent(final).
			SetEmbeds(nil))
		return classifyDiscordErr(err)
	}

	chunks := channels.SmartChunk(final, embedBodyLimit)
	first := &discordgo.MessageEmbed{Description: chunks[0]}
	if _, err := c.session.ChannelMessageEditComplex(discordgo.NewMessageEdit(handle.ChatID, handle.MessageID).
		SetContent("").
		SetEmbed(first)); err != nil {
		return classifyDiscordErr(err)
	}

	for _, chunk := range chunks[1:] {
		embed := &discordgo.MessageEmbed{Description: chunk}
		if _, err := c.session.ChannelMessageSendEmbed(handle.ChatID, embed); err != nil {
			return classifyDiscordErr(err)
		}
	}
	return nil
}

// SendToolActivity surfaces tool-call side-channel status by editing the
// placeholder with a short status line.
func (c *Channel) SendToolActivity(_ context.Context, handle channels.StreamHandle, activity channels.ToolActivity) error {
	status := activity.Status
	if activity.ToolName != "" {
		status = fmt.Sprintf("%s: %s", activity.Status, activity.ToolName)
	}

	_, err := c.session.ChannelMessageEdit(handle.ChatID, handle.MessageID, fmt.Sprintf("_%s…_", status))
	if err != nil {
		return classifyDiscordErr(err)
	}
	return nil
}
