package discord

import (
	"net/http"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/gwerrors"
)

func newTestChannel(requireMention *bool) *Channel {
	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", nil, nil),
		config:      config.DiscordConfig{RequireMention: requireMention},
		routes:      make(map[string]chatRoute),
	}
}

func boolPtr(b bool) *bool { return &b }

func TestSenderIDFor_WithUsername(t *testing.T) {
	assert.Equal(t, "42|alice", senderIDFor("42", "alice"))
}

func TestSenderIDFor_WithoutUsername(t *testing.T) {
	assert.Equal(t, "42", senderIDFor("42", ""))
}

func TestRequireMention_DefaultsToTrue(t *testing.T) {
	c := newTestChannel(nil)
	assert.True(t, c.requireMention())
}

func TestRequireMention_RespectsExplicitFalse(t *testing.T) {
	c := newTestChannel(boolPtr(false))
	assert.False(t, c.requireMention())
}

func TestRouteFor_UnknownUserNotFound(t *testing.T) {
	c := newTestChannel(nil)
	_, ok := c.routeFor("nobody")
	assert.False(t, ok)
}

func TestSetRouteThenRouteFor_RoundTrips(t *testing.T) {
	c := newTestChannel(nil)
	c.setRoute("u1", "chan-1")

	route, ok := c.routeFor("u1")
	assert.True(t, ok)
	assert.Equal(t, "chan-1", route.channelID)
}

func TestResolveDisplayName_PrefersNickname(t *testing.T) {
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		Author: &discordgo.User{Username: "alice", GlobalName: "Alice G"},
		Member: &discordgo.Member{Nick: "Ali"},
	}}
	assert.Equal(t, "Ali", resolveDisplayName(m))
}

func TestResolveDisplayName_FallsBackToGlobalName(t *testing.T) {
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		Author: &discordgo.User{Username: "alice", GlobalName: "Alice G"},
	}}
	assert.Equal(t, "Alice G", resolveDisplayName(m))
}

func TestResolveDisplayName_FallsBackToUsername(t *testing.T) {
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		Author: &discordgo.User{Username: "alice"},
	}}
	assert.Equal(t, "alice", resolveDisplayName(m))
}

func TestClassifyDiscordErr_Nil(t *testing.T) {
	assert.NoError(t, classifyDiscordErr(nil))
}

func TestClassifyDiscordErr_RateLimited(t *testing.T) {
	err := &discordgo.RESTError{Response: &http.Response{StatusCode: 429}}
	assert.ErrorIs(t, classifyDiscordErr(err), gwerrors.ErrRateLimited)
}

func TestClassifyDiscordErr_Forbidden(t *testing.T) {
	err := &discordgo.RESTError{Response: &http.Response{StatusCode: 403}}
	assert.ErrorIs(t, classifyDiscordErr(err), gwerrors.ErrForbidden)
}

func TestClassifyDiscordErr_OtherStatusIsTransient(t *testing.T) {
	err := &discordgo.RESTError{Response: &http.Response{StatusCode: 500}}
	assert.ErrorIs(t, classifyDiscordErr(err), gwerrors.ErrPlatformTransient)
}

func TestBuildActionRow_MapsApproveRejectStyles(t *testing.T) {
	row := buildActionRow([]bus.OutboundButton{
		{Label: "Yes", Action: "approve", Value: "a1"},
		{Label: "No", Action: "reject", Value: "a1"},
	})
	assert.Len(t, row.Components, 2)
	assert.Equal(t, discordgo.SuccessButton, row.Components[0].(discordgo.Button).Style)
	assert.Equal(t, discordgo.DangerButton, row.Components[1].(discordgo.Button).Style)
}
