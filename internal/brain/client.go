// Package brain implements the consumer-side wrapper over the upstream
// Brain streaming RPC (C8). Transport is HTTP POST + Server-Sent Events,
// read line by line with a bufio.Scanner — kept deliberately off
// connect-rpc/protobuf, since wiring that transport would
// require fabricating generated stub types this corpus does not ship.
package brain

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/internal/gwerrors"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// Client is a typed wrapper over the upstream streaming RPC.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client (timeouts, transport).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New constructs a Brain streaming client against baseURL, authenticating
// with a bearer token.
func New(baseURL, authToken string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: 0, // streaming: bounded by ctx, not a fixed client timeout
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ApprovalResult is the outcome of an approval/rejection call to Brain.
type ApprovalResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// PendingApproval identifies an approval Brain still expects resolution for.
type PendingApproval struct {
	ApprovalID string `json:"approvalId"`
}

// StreamChat opens a streaming chat request and returns a channel of
// normalized StreamChunk values. The channel is closed when the stream
// terminates (DONE, ERROR, context cancellation, or transport EOF); callers
// must drain it to avoid leaking the background goroutine.
func (c *Client) StreamChat(ctx context.Context, req protocol.ChatRequest) (<-chan channels.StreamChunk, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal chat request: %v", gwerrors.ErrInvalidInput, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat stream request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("accept", "text/event-stream")
	if c.authToken != "" {
		httpReq.Header.Set("authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gwerrors.ErrPlatformTransient, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		return nil, gwerrors.ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: brain returned %d: %s", gwerrors.ErrUpstreamAbort, resp.StatusCode, string(respBody))
	}

	out := make(chan channels.StreamChunk)
	go c.consumeSSE(ctx, resp.Body, out)
	return out, nil
}

// consumeSSE reads "event: "/"data: " lines off body, parsing each data
// payload as a protocol.RawChunk and emitting the normalized StreamChunk.
func (c *Client) consumeSSE(ctx context.Context, body io.ReadCloser, out chan<- channels.StreamChunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var dataLines []string
	flush := func() bool {
		if len(dataLines) == 0 {
			return true
		}
		payload := strings.Join(dataLines, "\n")
		dataLines = dataLines[:0]

		var raw protocol.RawChunk
		if err := json.Unmarshal([]byte(payload), &raw); err != nil {
			return true
		}
		kind, err := raw.Kind()
		if err != nil {
			return true
		}

		chunk := channels.StreamChunk{
			ConversationID: raw.ConversationID,
			ErrorMessage:   raw.ErrorMessage,
			Text:           raw.ContentDelta,
			Metadata:       raw.Metadata,
		}
		switch kind {
		case protocol.KindContentDelta:
			chunk.Kind = channels.ChunkContentDelta
		case protocol.KindToolCall:
			chunk.Kind = channels.ChunkToolCall
		case protocol.KindDone:
			chunk.Kind = channels.ChunkDone
		case protocol.KindError:
			chunk.Kind = channels.ChunkError
		}

		select {
		case out <- chunk:
		case <-ctx.Done():
			return false
		}
		return kind != protocol.KindDone && kind != protocol.KindError
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		switch {
		case line == "":
			if !flush() {
				return
			}
		case strings.HasPrefix(line, "data: "):
			dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
		case strings.HasPrefix(line, "event: "):
			// event names are informational here; the payload's own type
			// discriminator is authoritative (protocol.RawChunk.Kind).
		}
	}
	flush()
}

// ApproveAction resolves a pending approval with Brain, the source of truth
// for approval state.
func (c *Client) ApproveAction(ctx context.Context, approvalID, userID string, approved bool) (ApprovalResult, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"approvalId": approvalID,
		"userId":     userID,
		"approved":   approved,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/approvals/resolve", bytes.NewReader(body))
	if err != nil {
		return ApprovalResult{}, err
	}
	req.Header.Set("content-type", "application/json")
	if c.authToken != "" {
		req.Header.Set("authorization", "Bearer "+c.authToken)
	}

	ctx2, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req = req.WithContext(ctx2)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ApprovalResult{}, fmt.Errorf("%w: %v", gwerrors.ErrPlatformTransient, err)
	}
	defer resp.Body.Close()

	var result ApprovalResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ApprovalResult{}, fmt.Errorf("decode approval result: %w", err)
	}
	return result, nil
}

// ListPendingApprovals lists approvals Brain still expects a decision for.
func (c *Client) ListPendingApprovals(ctx context.Context, userID, workspaceID string) ([]PendingApproval, error) {
	url := fmt.Sprintf("%s/v1/approvals/pending?userId=%s&workspaceId=%s", c.baseURL, userID, workspaceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if c.authToken != "" {
		req.Header.Set("authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gwerrors.ErrPlatformTransient, err)
	}
	defer resp.Body.Close()

	var pending []PendingApproval
	if err := json.NewDecoder(resp.Body).Decode(&pending); err != nil {
		return nil, fmt.Errorf("decode pending approvals: %w", err)
	}
	return pending, nil
}
