package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// frame is the WebSocket wire envelope in both directions.
type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type chatPayload struct {
	Content        string `json:"content"`
	ConversationID string `json:"conversationId,omitempty"`
}

type authPayload struct {
	Token string `json:"token"`
}

// clientConn owns one WebSocket connection: a read loop, a serialized write
// path (gorilla/websocket forbids concurrent writes on one connection), and
// the authenticated identity once the auth handshake completes.
type clientConn struct {
	channel *Channel
	conn    *websocket.Conn

	writeMu sync.Mutex

	authMu sync.Mutex
	userID string
	wsID   string // workspace id from the token, if any
	authed bool

	closeOnce sync.Once
}

func newClientConn(channel *Channel, conn *websocket.Conn) *clientConn {
	return &clientConn{channel: channel, conn: conn}
}

// run drives the connection until it closes: sends "connected", waits for
// auth within the grace window, then alternates a heartbeat ticker with
// inbound frame reads.
func (cl *clientConn) run(ctx context.Context) {
	defer cl.teardown()

	if err := cl.writeFrame(protocol.FrameConnected, map[string]any{"protocol": protocol.ProtocolVersion}); err != nil {
		return
	}

	grace := time.Duration(cl.channel.config.AuthGraceSec) * time.Second
	if grace <= 0 {
		grace = 5 * time.Second
	}
	if !cl.awaitAuth(grace) {
		cl.close(protocol.CloseAuthTimeout, "authentication timeout")
		return
	}

	heartbeat := time.Duration(cl.channel.config.HeartbeatSec) * time.Second
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	cl.conn.SetPongHandler(func(string) error { return nil })

	go cl.heartbeatLoop(ctx, heartbeat)

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
		cl.handleFrame(ctx, data)
	}
}

// awaitAuth blocks the read loop until a FrameAuth frame with a valid JWT
// arrives, or the grace window elapses.
func (cl *clientConn) awaitAuth(grace time.Duration) bool {
	_ = cl.conn.SetReadDeadline(time.Now().Add(grace))
	defer cl.conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			return false
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if f.Type != protocol.FrameAuth {
			continue // ignore anything pre-auth except the auth frame itself
		}

		var p authPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			cl.close(protocol.CloseInvalidToken, "malformed auth payload")
			return false
		}

		claims, err := cl.channel.verifyToken(p.Token)
		if err != nil {
			cl.close(protocol.CloseInvalidToken, "invalid token")
			return false
		}
		if !cl.channel.IsAllowed(claims.UserID) {
			cl.close(protocol.CloseForbidden, "user not allowed")
			return false
		}

		cl.authMu.Lock()
		cl.userID = claims.UserID
		cl.wsID = claims.WorkspaceID
		cl.authed = true
		cl.authMu.Unlock()

		cl.channel.register(claims.UserID, cl)
		return true
	}
}

func (cl *clientConn) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cl.writeFrame(protocol.FramePing, nil); err != nil {
				return
			}
		}
	}
}

func (cl *clientConn) handleFrame(ctx context.Context, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}

	switch f.Type {
	case protocol.FramePong:
		return
	case protocol.FrameChat:
		cl.handleChat(ctx, f.Payload)
	case protocol.FrameSetWorkspace:
		var p struct {
			WorkspaceID string `json:"workspaceId"`
		}
		if json.Unmarshal(f.Payload, &p) == nil && p.WorkspaceID != "" {
			cl.authMu.Lock()
			cl.wsID = p.WorkspaceID
			cl.authMu.Unlock()
		}
	}
}

func (cl *clientConn) handleChat(_ context.Context, raw json.RawMessage) {
	var p chatPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Content == "" {
		return
	}

	cl.authMu.Lock()
	userID, wsID := cl.userID, cl.wsID
	cl.authMu.Unlock()

	cl.channel.HandleMessage(channels.InboundParams{
		SenderID:       userID,
		ChatID:         userID,
		Content:        p.Content,
		ConversationID: p.ConversationID,
		WorkspaceID:    wsID,
		ResolvedUserID: userID,
	})
}

func (cl *clientConn) writeFrame(frameType string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = data
	}

	data, err := json.Marshal(frame{Type: frameType, Payload: raw})
	if err != nil {
		return err
	}

	cl.writeMu.Lock()
	defer cl.writeMu.Unlock()
	return cl.conn.WriteMessage(websocket.TextMessage, data)
}

func (cl *clientConn) close(code int, reason string) {
	cl.closeOnce.Do(func() {
		cl.writeMu.Lock()
		deadline := time.Now().Add(2 * time.Second)
		_ = cl.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		cl.writeMu.Unlock()
		_ = cl.conn.Close()
	})
}

func (cl *clientConn) teardown() {
	cl.authMu.Lock()
	userID, authed := cl.userID, cl.authed
	cl.authMu.Unlock()
	if authed {
		cl.channel.unregister(userID, cl)
	}
	_ = cl.conn.Close()
}

// verifyToken parses and validates a client's auth JWT against the
// configured shared secret.
func (c *Channel) verifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(c.config.JWTSecret), nil
	})
	if err != nil || !token.Valid || claims.UserID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

func (c *Channel) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !c.rateLimiter.Allow(r.RemoteAddr) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("web: upgrade failed", "error", err)
		return
	}

	cl := newClientConn(c, conn)
	cl.run(r.Context())
}
