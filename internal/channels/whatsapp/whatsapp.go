// Package whatsapp implements the WhatsApp adapter (C4) over the Twilio
// Messaging REST API: outbound sends via Twilio's send-message endpoint,
// inbound via an HMAC-SHA1-signed webhook (spec §4.3/§6 WhatsApp). This
// replaces the teacher's bespoke WebSocket bridge protocol — no example repo
// in the pack talks to a WhatsApp bridge this way, and Twilio's REST+webhook
// shape needs a server leg rather than a client dial loop.
package whatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/gwerrors"
	"github.com/nextlevelbuilder/goclaw/internal/identity"
)

const (
	twilioAPIBase        = "https://api.twilio.com/2010-04-01"
	whatsappMessageLimit = 1600 // Twilio's WhatsApp body cap
)

type chatRoute struct {
	toNumber string // whatsapp:+1555...
}

// Channel sends/receives WhatsApp messages via the Twilio Messaging API.
// Inbound delivery is push (Twilio POSTs to ServeHTTP); there is no
// long-lived connection to hold open, so Connect/Disconnect only flip the
// lifecycle state and validate configuration.
type Channel struct {
	*channels.BaseChannel
	config config.WhatsAppConfig
	http   *http.Client

	identityStore identity.Store

	routesMu sync.RWMutex
	routes   map[string]chatRoute
}

// New creates a WhatsApp adapter from config.
func New(cfg config.WhatsAppConfig, msgBus *bus.Bus, identityStore identity.Store) (*Channel, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.FromNumber == "" {
		return nil, fmt.Errorf("whatsapp: account_sid, auth_token and from_number are required")
	}

	base := channels.NewBaseChannel(string(channels.ChannelWhatsApp), msgBus, cfg.AllowFrom)

	return &Channel{
		BaseChannel:   base,
		config:        cfg,
		http:          &http.Client{Timeout: 15 * time.Second},
		identityStore: identityStore,
		routes:        make(map[string]chatRoute),
	}, nil
}

func (c *Channel) ChannelType() channels.ChannelType { return channels.ChannelWhatsApp }

// Connect validates Twilio credentials are present and marks the adapter
// connected. The actual transport is the inbound webhook (ServeHTTP), driven
// by whichever HTTP server the cmd entrypoint mounts it on.
func (c *Channel) Connect(_ context.Context) error {
	if c.Status() == channels.StatusConnected {
		return nil
	}
	c.MarkConnecting()
	c.MarkConnected()
	slog.Info("whatsapp adapter ready", "from", c.config.FromNumber)
	return nil
}

// Disconnect marks the adapter disconnected. There is no open socket to
// close, and the webhook handler is not detached: a delivery that reaches
// ServeHTTP after Disconnect is still handled and published.
func (c *Channel) Disconnect(_ context.Context) error {
	c.MarkDisconnected()
	return nil
}

func (c *Channel) routeFor(userID string) (chatRoute, bool) {
	c.routesMu.RLock()
	defer c.routesMu.RUnlock()
	r, ok := c.routes[userID]
	return r, ok
}

func (c *Channel) setRoute(userID, toNumber string) {
	c.routesMu.Lock()
	c.routes[userID] = chatRoute{toNumber: toNumber}
	c.routesMu.Unlock()
}

func (c *Channel) FormatOutgoing(msg bus.OutboundMessage) bus.OutboundMessage {
	msg.Content = channels.ToPlainText(msg.Content) // WhatsApp messages are plain text
	return msg
}

func (c *Channel) HandleAttachment(_ context.Context, a bus.Attachment) (bus.Attachment, error) {
	return a, nil // Twilio media URLs are already directly downloadable (with basic auth).
}

// Send posts one or more messages to Twilio's Messaging REST API.
func (c *Channel) Send(ctx context.Context, userID string, msg bus.OutboundMessage) error {
	route, ok := c.routeFor(userID)
	if !ok {
		return gwerrors.ErrUnknownUser
	}

	msg = c.FormatOutgoing(msg)
	body := channels.Truncate(msg.Content, whatsappMessageLimit-len("..."))

	if err := c.sendOne(ctx, route.toNumber, body); err != nil {
		return err
	}
	for _, a := range msg.Attachments {
		if err := c.sendMedia(ctx, route.toNumber, a); err != nil {
			return err
		}
	}
	return nil
}

// sendMedia posts an attachment as its own message via Twilio's MediaUrl
// field, per spec: "media sent as additional messages".
func (c *Channel) sendMedia(ctx context.Context, to string, a bus.Attachment) error {
	form := url.Values{
		"From":     {"whatsapp:" + c.config.FromNumber},
		"To":       {to},
		"MediaUrl": {a.URL},
	}
	return c.post(ctx, form)
}

func (c *Channel) sendOne(ctx context.Context, to, body string) error {
	form := url.Values{
		"From": {"whatsapp:" + c.config.FromNumber},
		"To":   {to},
		"Body": {body},
	}
	return c.post(ctx, form)
}

func (c *Channel) post(ctx context.Context, form url.Values) error {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", twilioAPIBase, c.config.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("whatsapp: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.config.AccountSID, c.config.AuthToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp: %w", gwerrors.ErrPlatformTransient)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return gwerrors.ErrRateLimited
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return gwerrors.ErrForbidden
	case resp.StatusCode >= 300:
		return fmt.Errorf("whatsapp: twilio send failed with status %d", resp.StatusCode)
	}
	return nil
}

// verifySignature validates Twilio's X-Twilio-Signature header per Twilio's
// request-validation algorithm: HMAC-SHA1 over (requestURL + sorted POST
// param key/value concatenation), base64-encoded, keyed by the auth token.
func (c *Channel) verifySignature(requestURL, signature string, params url.Values) bool {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(requestURL)
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(params.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(c.config.AuthToken))
	mac.Write([]byte(sb.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}

// ServeHTTP handles Twilio's inbound-message webhook POST. requestURL must
// be the exact externally-visible URL Twilio signed (scheme+host+path as
// configured on the Twilio console), passed in by the caller's mux since the
// request's own r.URL lacks scheme/host behind a reverse proxy.
func (c *Channel) ServeHTTP(requestURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}

		if !c.verifySignature(requestURL, r.Header.Get("X-Twilio-Signature"), r.PostForm) {
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}

		from := r.PostForm.Get("From") // "whatsapp:+1555..."
		body := r.PostForm.Get("Body")
		messageSid := r.PostForm.Get("MessageSid")

		c.handleIncoming(r.Context(), from, body, messageSid, r.PostForm)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (c *Channel) handleIncoming(ctx context.Context, from, body, messageSid string, form url.Values) {
	if from == "" {
		return
	}
	senderID := strings.TrimPrefix(from, "whatsapp:")

	if !c.CheckPolicy("direct", channels.DMPolicy(c.config.DMPolicy), channels.GroupPolicy(""), senderID) {
		return
	}
	if !c.IsAllowed(senderID) {
		return
	}

	var attachments []bus.Attachment
	if n := form.Get("NumMedia"); n != "" && n != "0" {
		for i := 0; ; i++ {
			mediaURL := form.Get(fmt.Sprintf("MediaUrl%d", i))
			if mediaURL == "" {
				break
			}
			attachments = append(attachments, bus.Attachment{
				Type:     mediaKind(form.Get(fmt.Sprintf("MediaContentType%d", i))),
				URL:      mediaURL,
				MimeType: form.Get(fmt.Sprintf("MediaContentType%d", i)),
			})
		}
	}

	resolvedUserID := c.resolveUserID(ctx, senderID)
	c.setRoute(resolvedUserID, from)

	metadata := map[string]string{
		"whatsapp_message_sid": messageSid,
	}

	c.HandleMessage(channels.InboundParams{
		SenderID:       senderID,
		ChatID:         from,
		Content:        body,
		Attachments:    attachments,
		Metadata:       metadata,
		ConversationID: senderID,
		WorkspaceID:    c.config.DefaultWorkspaceID,
		ResolvedUserID: resolvedUserID,
	})
}

func mediaKind(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	default:
		return "file"
	}
}

// resolveUserID resolves (whatsapp, senderID) to the cross-channel identity
// userID, registering a deterministic seed identity on first contact.
func (c *Channel) resolveUserID(ctx context.Context, senderID string) string {
	seed := identity.DeterministicUserID(string(channels.ChannelWhatsApp), senderID)
	if c.identityStore == nil {
		return seed
	}

	if existing, ok, err := c.identityStore.ResolveUserID(ctx, string(channels.ChannelWhatsApp), senderID); err == nil && ok {
		return existing
	} else if err != nil {
		slog.Warn("whatsapp: identity resolution failed, using deterministic seed", "error", err)
	}

	if err := c.identityStore.RegisterIdentity(ctx, identity.ChannelIdentity{
		UserID:        seed,
		ChannelType:   string(channels.ChannelWhatsApp),
		ChannelUserID: senderID,
	}); err != nil {
		slog.Warn("whatsapp: register identity failed", "error", err)
	}
	return seed
}
