// Package web implements the WebSocket adapter (C4 Web): browser/SDK
// clients connect, authenticate with a JWT within a grace window, then
// exchange normalized chat/stream frames (spec §4.3/§6 Web). Grounded on the
// teacher's gateway upgrader/client-registry shape, generalized from its
// bespoke JSON-RPC method router onto the fixed frame set in pkg/protocol.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/gwerrors"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// Claims is the JWT payload a web client authenticates with.
type Claims struct {
	UserID      string `json:"userId"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	jwt.RegisteredClaims
}

// Channel is the WebSocket adapter. Connect starts one HTTP server on
// config.WebConfig.ListenAddr/Path that upgrades each connection into a
// *clientConn tracked here by userID.
type Channel struct {
	*channels.BaseChannel
	config      config.WebConfig
	upgrader    websocket.Upgrader
	rateLimiter *channels.WebhookRateLimiter

	mu      sync.RWMutex
	clients map[string]*clientConn // userID -> active connection

	httpServer *http.Server
}

// New creates a Web adapter from config.
func New(cfg config.WebConfig, msgBus *bus.Bus) *Channel {
	base := channels.NewBaseChannel(string(channels.ChannelWeb), msgBus, cfg.AllowFrom)

	c := &Channel{
		BaseChannel: base,
		config:      cfg,
		clients:     make(map[string]*clientConn),
		rateLimiter: channels.NewWebhookRateLimiter(),
	}
	c.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     c.checkOrigin,
	}
	return c
}

func (c *Channel) ChannelType() channels.ChannelType { return channels.ChannelWeb }

func (c *Channel) checkOrigin(r *http.Request) bool {
	if len(c.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range c.config.AllowedOrigins {
		if origin == allowed || allowed == "*" {
			return true
		}
	}
	slog.Warn("web: origin rejected", "origin", origin)
	return false
}

// Connect starts the HTTP server hosting the WebSocket endpoint.
func (c *Channel) Connect(ctx context.Context) error {
	if c.Status() == channels.StatusConnected {
		return nil
	}
	c.MarkConnecting()

	mux := http.NewServeMux()
	path := c.config.Path
	if path == "" {
		path = "/ws"
	}
	mux.HandleFunc(path, c.handleWebSocket)

	c.httpServer = &http.Server{Addr: c.config.ListenAddr, Handler: mux}

	ln, err := net.Listen("tcp", c.config.ListenAddr)
	if err != nil {
		c.MarkDisconnected()
		return fmt.Errorf("web: listen %s: %w", c.config.ListenAddr, err)
	}

	go func() {
		if serveErr := c.httpServer.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("web: server exited", "error", serveErr)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.httpServer.Shutdown(shutdownCtx)
	}()

	c.MarkConnected()
	slog.Info("web adapter listening", "addr", c.config.ListenAddr, "path", path)
	return nil
}

// Disconnect closes the HTTP server and every active client connection.
func (c *Channel) Disconnect(ctx context.Context) error {
	if c.Status() == channels.StatusDisconnected {
		return nil
	}

	c.mu.Lock()
	for _, cl := range c.clients {
		cl.close(protocol.CloseShutdown, "server shutting down")
	}
	c.clients = make(map[string]*clientConn)
	c.mu.Unlock()

	if c.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = c.httpServer.Shutdown(shutdownCtx)
	}

	c.MarkDisconnected()
	return nil
}

func (c *Channel) SupportsStreaming() bool { return true }

func (c *Channel) FormatOutgoing(msg bus.OutboundMessage) bus.OutboundMessage { return msg }

func (c *Channel) HandleAttachment(_ context.Context, a bus.Attachment) (bus.Attachment, error) {
	return a, nil // already client-addressable URLs
}

func (c *Channel) clientFor(userID string) (*clientConn, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cl, ok := c.clients[userID]
	return cl, ok
}

func (c *Channel) register(userID string, cl *clientConn) {
	c.mu.Lock()
	if prev, ok := c.clients[userID]; ok && prev != cl {
		prev.close(protocol.CloseShutdown, "superseded by new connection")
	}
	c.clients[userID] = cl
	c.mu.Unlock()
}

func (c *Channel) unregister(userID string, cl *clientConn) {
	c.mu.Lock()
	if current, ok := c.clients[userID]; ok && current == cl {
		delete(c.clients, userID)
	}
	c.mu.Unlock()
}

// Send delivers a non-streaming outbound message to userID's active socket.
func (c *Channel) Send(_ context.Context, userID string, msg bus.OutboundMessage) error {
	cl, ok := c.clientFor(userID)
	if !ok {
		return gwerrors.ErrUnknownUser
	}
	return cl.writeFrame(protocol.FrameMessage, map[string]any{
		"content":     msg.Content,
		"attachments": msg.Attachments,
		"options":     msg.Options,
	})
}
