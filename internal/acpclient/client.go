package acpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/common/logger"
)

// Client talks to one agent-server instance over HTTP (unary calls) and a
// websocket (event.subscribe), mirroring internal/agentctl/client/agent.go's
// StreamUpdates-over-gorilla/websocket transport.
type Client struct {
	baseURL string
	http    *http.Client
	log     *logger.Logger
}

// New returns a Client bound to baseURL (e.g. "http://127.0.0.1:8901").
func New(baseURL string, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log.WithFields(zap.String("component", "acp-client")),
	}
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("acpclient: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("acpclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("acpclient: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("acpclient: %s returned %d: %s", path, resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// CreateSession implements session.create. Fails fast on server refusal, per
// spec.md §4.2 step 1.
func (c *Client) CreateSession(ctx context.Context, title string) (string, error) {
	var resp CreateSessionResponse
	if err := c.postJSON(ctx, "/session.create", CreateSessionRequest{Title: title}, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// PromptAsync implements session.promptAsync; it returns as soon as the
// agent-server has accepted the prompt, not when the session finishes.
func (c *Client) PromptAsync(ctx context.Context, sessionID string, model ModelRef, text string) error {
	req := PromptRequest{SessionID: sessionID, Parts: []PromptPart{{Type: "text", Text: text}}}
	req.Model.ProviderID = model.ProviderID
	req.Model.ModelID = model.ModelID
	return c.postJSON(ctx, "/session.promptAsync", req, nil)
}

// ReplyPermission implements permission.reply.
func (c *Client) ReplyPermission(ctx context.Context, requestID, reply string) error {
	return c.postJSON(ctx, "/permission.reply", PermissionReplyRequest{RequestID: requestID, Reply: reply}, nil)
}

// Dispose implements instance.dispose.
func (c *Client) Dispose(ctx context.Context) error {
	return c.postJSON(ctx, "/instance.dispose", struct{}{}, nil)
}

// EventStream is a live subscription returned by Subscribe.
type EventStream struct {
	events chan StreamEvent
	cancel context.CancelFunc
	conn   *websocket.Conn
}

// Events returns the channel of normalized stream events.
func (s *EventStream) Events() <-chan StreamEvent { return s.events }

// Close aborts the subscription, closing the underlying websocket connection
// and unblocking the read loop, per spec.md §4.2 step 5 / §5 cancellation.
func (s *EventStream) Close() {
	s.cancel()
	_ = s.conn.Close()
}

// Subscribe implements event.subscribe(): it opens a websocket connection to
// the agent-server and normalizes every frame into a StreamEvent, the same
// read-loop-over-gorilla/websocket shape as
// internal/agentctl/client/agent.go's StreamUpdates.
func (c *Client) Subscribe(ctx context.Context) (*EventStream, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("acpclient: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/event.subscribe"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("acpclient: dial event stream: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream := &EventStream{events: make(chan StreamEvent, 64), cancel: cancel, conn: conn}

	go stream.readLoop(streamCtx, conn, c.log)
	return stream, nil
}

func (s *EventStream) readLoop(ctx context.Context, conn *websocket.Conn, log *logger.Logger) {
	defer close(s.events)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Debug("event stream closed", zap.Error(err))
			}
			return
		}
		var evt StreamEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			log.Warn("dropping unparseable stream frame", zap.Error(err))
			continue
		}
		select {
		case s.events <- evt:
		case <-ctx.Done():
			return
		}
	}
}
