package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kaptinlin/jsonschema"

	"doppel-ai/internal/domain"
	"doppel-ai/internal/infra/tracer"
)

// Typing simulation parameters. The delay models a human typing at the
// target rate; the indicator is re-signaled before the platform's ~10s
// indicator expiry.
const (
	typingWordsPerMinute = 90
	typingDelayFloor     = 500 * time.Millisecond
	typingDelayCeiling   = 30 * time.Second
	typingRefreshEvery   = 8 * time.Second
)

var sendMessageSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"channel_id": {"type": "string", "minLength": 1},
		"message": {"type": "string", "minLength": 1}
	},
	"required": ["channel_id", "message"]
}`)

var fetchMessagesSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"channel_id": {"type": "string", "minLength": 1},
		"limit": {"type": "integer", "minimum": 1, "maximum": 100}
	},
	"required": ["channel_id"]
}`)

var (
	sendMessageValidator   = mustCompile(sendMessageSchema)
	fetchMessagesValidator = mustCompile(fetchMessagesSchema)
)

func mustCompile(schema json.RawMessage) *jsonschema.Schema {
	s, err := jsonschema.NewCompiler().Compile([]byte(schema))
	if err != nil {
		panic(fmt.Sprintf("compile tool schema: %v", err))
	}
	return s
}

// validateArgs checks raw tool arguments against a schema, then decodes them
// into out.
func validateArgs(schema *jsonschema.Schema, raw json.RawMessage, out any) error {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return domain.NewDomainError("agent.validateArgs", domain.ErrInvalidToolArgs, err.Error())
	}
	result := schema.Validate(data)
	if !result.IsValid() {
		return domain.NewDomainError("agent.validateArgs", domain.ErrInvalidToolArgs, fmt.Sprintf("%s", result.Error()))
	}
	return json.Unmarshal(raw, out)
}

type sendMessageArgs struct {
	ChannelID string `json:"channel_id"`
	Message   string `json:"message"`
}

type fetchMessagesArgs struct {
	ChannelID string `json:"channel_id"`
	Limit     int    `json:"limit"`
}

// pendingMessage is a reply delayed to simulate typing. The done flag is the
// single commit point: whoever flips it owns the outcome, so a message is
// either sent-and-reported or canceled-and-reported, never both.
type pendingMessage struct {
	requestID string
	channelID string
	text      string
	startedAt time.Time
	delay     time.Duration
	cancel    chan struct{}
	done      atomic.Bool
}

func newPendingMessage(requestID, channelID, text string, delay time.Duration) *pendingMessage {
	return &pendingMessage{
		requestID: requestID,
		channelID: channelID,
		text:      text,
		startedAt: time.Now(),
		delay:     delay,
		cancel:    make(chan struct{}),
	}
}

// commit claims the outcome. Returns false if the message was already
// committed by the other side of the race.
func (p *pendingMessage) commit() bool { return p.done.CompareAndSwap(false, true) }

// typingDelay converts a message into a human-speed typing delay: word count
// at the target rate, clamped, minus time already elapsed since the last
// send.
func typingDelay(text string, sinceLastSend time.Duration) time.Duration {
	words := len(strings.Fields(text))
	d := time.Duration(float64(words) / typingWordsPerMinute * 60 * float64(time.Second))
	if d < typingDelayFloor {
		d = typingDelayFloor
	}
	if d > typingDelayCeiling {
		d = typingDelayCeiling
	}
	if sinceLastSend > 0 {
		d -= sinceLastSend
		if d < 0 {
			d = 0
		}
	}
	return d
}

// OnToolCall implements domain.ToolHandler. Invoked from the wire read loop;
// long-running work moves to its own goroutine so the socket keeps draining.
func (a *CommunityAgent) OnToolCall(id, name string, args json.RawMessage) {
	_, span := tracer.StartSpan(context.Background(), "agent.tool_call")
	span.SetAttributes(tracer.StringAttr("tool.name", name), tracer.StringAttr("tool.id", id))
	defer span.End()

	switch name {
	case domain.ToolSendMessage:
		a.startSendMessage(id, args)
	case domain.ToolFetchChannelMsgs:
		go a.executeFetch(id, args)
	default:
		err := domain.NewDomainError("agent.OnToolCall", domain.ErrUnknownTool, fmt.Sprintf("%q", name))
		a.deliver(context.Background(), "tool result", func(w Wire) error {
			return w.SendToolResult(id, false, err.Error(), nil)
		})
	}
}

// OnCancelToolCall implements domain.ToolHandler.
func (a *CommunityAgent) OnCancelToolCall(id, reason string) {
	a.mu.Lock()
	p := a.pending
	var claimed bool
	if p != nil && p.requestID == id {
		claimed = p.commit()
		if claimed {
			a.pending = nil
			a.state = StateReady
		}
	}
	a.mu.Unlock()

	if p == nil || p.requestID != id {
		a.logger.Debug("cancel for unknown tool call", "id", id)
		return
	}
	if !claimed {
		// Already sent or already canceled; nothing to recall.
		return
	}
	close(p.cancel)
	if reason == "" {
		reason = "canceled by agent"
	}
	a.deliver(context.Background(), "tool canceled", func(w Wire) error {
		return w.SendToolCanceled(id, reason)
	})
}

// startSendMessage validates the call and installs it as the pending
// message, superseding any prior one.
func (a *CommunityAgent) startSendMessage(id string, args json.RawMessage) {
	var parsed sendMessageArgs
	if err := validateArgs(sendMessageValidator, args, &parsed); err != nil {
		a.deliver(context.Background(), "tool result", func(w Wire) error {
			return w.SendToolResult(id, false, err.Error(), nil)
		})
		return
	}

	a.mu.Lock()
	var sinceLast time.Duration
	if !a.lastSentAt.IsZero() {
		sinceLast = time.Since(a.lastSentAt)
	}
	p := newPendingMessage(id, parsed.ChannelID, parsed.Message, typingDelay(parsed.Message, sinceLast))

	superseded := a.pending
	var claimed bool
	if superseded != nil {
		claimed = superseded.commit()
	}
	a.pending = p
	a.state = StateToolPending
	a.mu.Unlock()

	if superseded != nil && claimed {
		close(superseded.cancel)
		a.deliver(context.Background(), "tool canceled", func(w Wire) error {
			return w.SendToolCanceled(superseded.requestID, "superseded by newer message")
		})
	}

	go a.waitAndSend(p)
}

// waitAndSend holds the pending message through its typing delay, refreshing
// the typing indicator, then commits and sends unless canceled first. A send
// already past the commit point is not recalled.
func (a *CommunityAgent) waitAndSend(p *pendingMessage) {
	ctx := context.Background()

	if err := a.gateway.SendTyping(ctx, p.channelID); err != nil {
		a.logger.Debug("typing indicator failed", "error", err)
	}

	timer := time.NewTimer(p.delay)
	defer timer.Stop()
	ticker := time.NewTicker(typingRefreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-p.cancel:
			return
		case <-ticker.C:
			if err := a.gateway.SendTyping(ctx, p.channelID); err != nil {
				a.logger.Debug("typing indicator failed", "error", err)
			}
		case <-timer.C:
			if !p.commit() {
				return
			}
			a.commitSend(ctx, p)
			return
		}
	}
}

// commitSend performs the platform send and reports the tool outcome.
func (a *CommunityAgent) commitSend(ctx context.Context, p *pendingMessage) {
	defer func() {
		a.mu.Lock()
		if a.pending == p {
			a.pending = nil
			a.state = StateReady
		}
		a.mu.Unlock()
	}()

	sent, err := a.gateway.SendMessage(ctx, p.channelID, p.text)
	if err != nil {
		a.logger.Warn("platform send failed", "channel", p.channelID, "error", err)
		a.deliver(ctx, "tool result", func(w Wire) error {
			return w.SendToolResult(p.requestID, false, err.Error(), nil)
		})
		return
	}

	botMsg := domain.ChatMessage{
		ChannelID:  p.channelID,
		Content:    p.text,
		AuthorName: a.gateway.BotName(),
		Timestamp:  time.Now(),
	}
	if sent != nil {
		botMsg.ID = sent.ID
		botMsg.AuthorID = sent.AuthorID
		if !sent.Timestamp.IsZero() {
			botMsg.Timestamp = sent.Timestamp
		}
	}
	a.history.Add(botMsg)

	cfg := a.Config()
	a.stats.Report(ctx, cfg.UserID, cfg.CommunityID, domain.StatMessageSent)

	a.mu.Lock()
	a.lastSentAt = time.Now()
	a.mu.Unlock()

	conversation := a.history.FormatConversation(p.channelID, a.gateway.BotName())
	a.deliver(ctx, "tool result", func(w Wire) error {
		return w.SendToolResult(p.requestID, true, "message sent", map[string]any{
			"conversation": conversation,
		})
	})
}

// executeFetch serves a read-only history fetch for an arbitrary channel.
// Pending-message state is untouched.
func (a *CommunityAgent) executeFetch(id string, args json.RawMessage) {
	ctx := context.Background()

	var parsed fetchMessagesArgs
	if err := validateArgs(fetchMessagesValidator, args, &parsed); err != nil {
		a.deliver(ctx, "tool result", func(w Wire) error {
			return w.SendToolResult(id, false, err.Error(), nil)
		})
		return
	}
	limit := parsed.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	msgs, err := a.gateway.RecentMessages(ctx, parsed.ChannelID, limit)
	if err != nil {
		a.deliver(ctx, "tool result", func(w Wire) error {
			return w.SendToolResult(id, false, err.Error(), nil)
		})
		return
	}

	var sb strings.Builder
	for i, m := range msgs {
		if i > 0 {
			sb.WriteByte('\n')
		}
		name := m.AuthorName
		if name == "" {
			name = a.gateway.BotName()
		}
		sb.WriteString(name)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
	}

	a.deliver(ctx, "tool result", func(w Wire) error {
		return w.SendToolResult(id, true, sb.String(), nil)
	})
}
