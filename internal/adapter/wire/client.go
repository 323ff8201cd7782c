package wire

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"doppel-ai/internal/domain"
)

// Protocol timing. The server closes idle sockets on its own schedule; the
// read deadline is refreshed to 60s on every frame, which comfortably covers
// the server's ping cadence.
const (
	connectTimeout = 10 * time.Second
	readTimeout    = 60 * time.Second
	writeTimeout   = 10 * time.Second
)

// Client is one realtime session with the remote agent service. A Client is
// bound to a single agent; the Community Agent owning it creates a fresh
// Client when the session dies.
type Client struct {
	realtimeURL string
	apiKey      string
	handler     domain.ToolHandler
	logger      *slog.Logger

	writeMu sync.Mutex // serializes all socket writes
	conn    *websocket.Conn

	ready     chan struct{}
	readyOnce sync.Once
	closed    atomic.Bool
	readDone  chan struct{}
}

// NewClient creates an unconnected client. The handler receives inbound
// tool-call and cancel-tool-call events; it is bound for the client's life.
func NewClient(realtimeURL, apiKey string, handler domain.ToolHandler, logger *slog.Logger) *Client {
	return &Client{
		realtimeURL: realtimeURL,
		apiKey:      apiKey,
		handler:     handler,
		logger:      logger,
		ready:       make(chan struct{}),
		readDone:    make(chan struct{}),
	}
}

// Connect dials the realtime endpoint for agentID, starts the read loop, and
// blocks until the join acknowledgment or a fixed 10-second timeout. On
// timeout the socket is torn down and ErrConnectTimeout returned.
func (c *Client) Connect(ctx context.Context, agentID string) error {
	u, err := url.Parse(c.realtimeURL)
	if err != nil {
		return domain.WrapOp("wire.Connect", err)
	}
	q := u.Query()
	q.Set("agent_id", agentID)
	u.RawQuery = q.Encode()

	// One deadline covers the dial and the join acknowledgment; a slow dial
	// leaves less time for the handshake, never more than 10s total.
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + c.apiKey}},
	})
	if err != nil {
		return domain.WrapOp("wire.Connect", err)
	}
	conn.SetReadLimit(1 << 20)
	c.conn = conn

	go c.readLoop()

	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		c.Disconnect()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.NewDomainError("wire.Connect", domain.ErrConnectTimeout, "no join acknowledgment")
		}
		return domain.WrapOp("wire.Connect", ctx.Err())
	}
}

// Disconnect closes the session. Idempotent; releases the read loop.
func (c *Client) Disconnect() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
}

// Done is closed when the read loop has exited.
func (c *Client) Done() <-chan struct{} { return c.readDone }

// SendContextUpdate pushes a context-update event to the remote agent.
func (c *Client) SendContextUpdate(event, description string, contextMap map[string]any) error {
	return c.sendEvent("wire.SendContextUpdate", typeContextUpdate, contextUpdatePayload{
		Event:       event,
		Description: description,
		Context:     contextMap,
	})
}

// SendToolResult reports the outcome of a tool call. On success, result
// carries the tool output; on failure it carries the error text. extra is
// optional follow-up context attached to the result.
func (c *Client) SendToolResult(id string, success bool, result string, extra map[string]any) error {
	p := toolResultPayload{ID: id, Success: success, Extra: extra}
	if success {
		p.Result = result
	} else {
		p.Error = result
	}
	return c.sendEvent("wire.SendToolResult", typeToolResult, p)
}

// SendToolCanceled reports that a tool call was canceled before completion.
func (c *Client) SendToolCanceled(id, reason string) error {
	return c.sendEvent("wire.SendToolCanceled", typeToolCanceled, toolCanceledPayload{ID: id, Reason: reason})
}

// sendEvent enforces the readiness gate: application events before the join
// acknowledgment fail with ErrNotReady rather than queueing.
func (c *Client) sendEvent(op, eventType string, content any) error {
	if c.closed.Load() {
		return domain.NewDomainError(op, domain.ErrDisconnected, "")
	}
	select {
	case <-c.ready:
	default:
		return domain.NewDomainError(op, domain.ErrNotReady, "join not acknowledged")
	}

	frame, err := encodeEvent(eventType, content)
	if err != nil {
		return domain.WrapOp(op, err)
	}
	return domain.WrapOp(op, c.writeFrame(frame))
}

// writeFrame serializes socket writes; the protocol has no multiplexing
// guarantee against concurrent writers.
func (c *Client) writeFrame(frame string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, []byte(frame))
}

// readLoop owns the socket's read side. Each read carries a fresh 60s
// deadline; any frame refreshes it.
func (c *Client) readLoop() {
	defer close(c.readDone)
	for {
		data, err := c.read()
		if err != nil {
			if !c.closed.Load() {
				c.logger.Warn("wire read loop ended", "error", err)
				c.Disconnect()
			}
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) read() ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *Client) handleFrame(data []byte) {
	f, err := parseFrame(data)
	if err != nil {
		// Protocol error: drop the frame, keep the connection.
		c.logger.Warn("dropping malformed frame", "error", err, "frame", truncateFrame(data))
		return
	}

	switch f.kind {
	case kindOpen:
		if err := c.writeFrame(frameJoin); err != nil {
			c.logger.Warn("join frame write failed", "error", err)
		}
	case kindPing:
		if err := c.writeFrame(framePong); err != nil {
			c.logger.Warn("pong write failed", "error", err)
		}
	case kindPong:
		// Server answered a probe; nothing to do.
	case kindJoinAck:
		c.readyOnce.Do(func() { close(c.ready) })
	case kindEvent:
		c.dispatchEvent(f)
	default:
		c.logger.Debug("ignoring unknown frame", "frame", truncateFrame(data))
	}
}

func (c *Client) dispatchEvent(f inboundFrame) {
	if f.name == inboundErrorName {
		c.logger.Error("remote agent service error", "payload", string(f.raw))
		return
	}
	if f.name != inboundEventName {
		c.logger.Debug("ignoring event", "name", f.name)
		return
	}

	switch f.env.Type {
	case typeToolCall:
		var p toolCallPayload
		if err := unmarshalPayload(f.env.Content, &p); err != nil {
			c.logger.Warn("dropping malformed tool call", "error", err)
			return
		}
		c.handler.OnToolCall(p.ID, p.Name, p.Args)
	case typeCancelToolCall:
		var p cancelToolCallPayload
		if err := unmarshalPayload(f.env.Content, &p); err != nil {
			c.logger.Warn("dropping malformed cancel", "error", err)
			return
		}
		c.handler.OnCancelToolCall(p.ID, p.Reason)
	case typeStatus:
		var p statusPayload
		if err := unmarshalPayload(f.env.Content, &p); err == nil {
			c.logger.Debug("agent status", "status", p.Status, "detail", p.Detail)
		}
	default:
		c.logger.Debug("ignoring event type", "type", f.env.Type)
	}
}

func truncateFrame(data []byte) string {
	const max = 200
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
