// Package agent runs one remote-agent session per monitored community. The
// CommunityAgent feeds conversation context to the remote service and
// executes the tool calls it issues back.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"doppel-ai/internal/domain"
	"doppel-ai/internal/infra/tracer"
	"doppel-ai/internal/usecase/history"
)

// State of a CommunityAgent.
type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateReady
	StateToolPending
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateToolPending:
		return "tool_pending"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Wire is the realtime session a CommunityAgent owns. Exactly one session is
// live at a time; a dead session is discarded, never reused.
type Wire interface {
	Connect(ctx context.Context, agentID string) error
	Disconnect()
	SendContextUpdate(event, description string, contextMap map[string]any) error
	SendToolResult(id string, success bool, result string, extra map[string]any) error
	SendToolCanceled(id, reason string) error
}

// Registrar performs the one-shot create-agent call.
type Registrar interface {
	CreateAgent(ctx context.Context, name string, meta domain.AgentMetadata) (string, error)
}

// WireFactory builds a fresh Wire bound to the given tool handler.
type WireFactory func(handler domain.ToolHandler) Wire

// Option configures a CommunityAgent.
type Option func(*CommunityAgent)

// WithRouterType overrides the remote routing strategy for new agents.
func WithRouterType(rt string) Option {
	return func(a *CommunityAgent) { a.routerType = rt }
}

// CommunityAgent pairs one community with one remote agent session. Created
// lazily on the first inbound message for an active community.
type CommunityAgent struct {
	gateway    domain.PlatformGateway
	history    *history.Buffer
	registrar  Registrar
	newWire    WireFactory
	stats      domain.StatsSink
	logger     *slog.Logger
	routerType string

	mu      sync.Mutex
	cfg     domain.CommunityConfig
	wire    Wire
	agentID string
	state   State

	pending    *pendingMessage
	lastSentAt time.Time

	// recreateMu serializes the discard-and-recreate path so concurrent
	// transport failures trigger one recreation, not a stampede.
	recreateMu sync.Mutex
}

// New creates a CommunityAgent for cfg. Call Start before handling messages.
func New(cfg domain.CommunityConfig, gateway domain.PlatformGateway, buf *history.Buffer,
	registrar Registrar, newWire WireFactory, stats domain.StatsSink, logger *slog.Logger, opts ...Option) *CommunityAgent {
	a := &CommunityAgent{
		gateway:    gateway,
		history:    buf,
		registrar:  registrar,
		newWire:    newWire,
		stats:      stats,
		logger:     logger.With("community", cfg.CommunityID),
		cfg:        cfg,
		routerType: "conversation",
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Start registers the agent with the remote service and connects the
// realtime session.
func (a *CommunityAgent) Start(ctx context.Context) error {
	a.mu.Lock()
	a.state = StateConnecting
	cfg := a.cfg
	a.mu.Unlock()

	ctx, span := tracer.StartSpan(ctx, "agent.start")
	span.SetAttributes(tracer.StringAttr("community.id", cfg.CommunityID))
	defer span.End()

	agentID, err := a.registrar.CreateAgent(ctx, cfg.CommunityName, a.metadata(cfg))
	if err != nil {
		tracer.RecordError(span, err)
		a.setState(StateDisconnected)
		return domain.WrapOp("agent.Start", err)
	}

	w := a.newWire(a)
	if err := w.Connect(ctx, agentID); err != nil {
		tracer.RecordError(span, err)
		a.setState(StateDisconnected)
		return domain.WrapOp("agent.Start", err)
	}

	a.mu.Lock()
	a.wire = w
	a.agentID = agentID
	a.state = StateReady
	a.mu.Unlock()

	a.logger.Info("community agent connected", "agent_id", agentID)
	return nil
}

// Close cancels any pending message and disconnects the session. The pending
// message is reported as canceled to the remote service.
func (a *CommunityAgent) Close() {
	a.mu.Lock()
	p := a.pending
	a.pending = nil
	w := a.wire
	a.state = StateDisconnected
	a.mu.Unlock()

	if p != nil && p.commit() {
		close(p.cancel)
		if w != nil {
			if err := w.SendToolCanceled(p.requestID, "connection closing"); err != nil {
				a.logger.Debug("cancel report failed during close", "error", err)
			}
		}
	}
	if w != nil {
		w.Disconnect()
	}
}

// State returns the agent's current lifecycle state.
func (a *CommunityAgent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// UpdateConfig swaps the community configuration in place. Only the text fed
// into future context updates changes; the session is kept.
func (a *CommunityAgent) UpdateConfig(cfg domain.CommunityConfig) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

// Config returns the current configuration snapshot.
func (a *CommunityAgent) Config() domain.CommunityConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// HandleMessage feeds one inbound platform message to the remote agent as a
// context update.
func (a *CommunityAgent) HandleMessage(ctx context.Context, msg domain.ChatMessage) {
	if !a.history.IsInitialized(msg.ChannelID) {
		if err := a.history.Initialize(ctx, a.gateway, msg.ChannelID, history.DefaultFetchLimit); err != nil {
			a.logger.Warn("history seed failed", "channel", msg.ChannelID, "error", err)
		}
	}
	a.history.Add(msg)

	cfg := a.Config()
	a.stats.Report(ctx, cfg.UserID, cfg.CommunityID, domain.StatMessageReceived)

	description := fmt.Sprintf("%s said %q in channel %s",
		msg.AuthorName, msg.Content, a.channelName(cfg.CommunityID, msg.ChannelID))
	contextMap := a.buildContext(cfg, msg.ChannelID)

	a.deliver(ctx, "context update", func(w Wire) error {
		return w.SendContextUpdate("new_message", description, contextMap)
	})
}

// buildContext assembles the context map for one channel.
func (a *CommunityAgent) buildContext(cfg domain.CommunityConfig, channelID string) map[string]any {
	m := map[string]any{
		"community_id":   cfg.CommunityID,
		"community_name": cfg.CommunityName,
		"bot_name":       a.gateway.BotName(),
		"channel_id":     channelID,
		"channel_name":   a.channelName(cfg.CommunityID, channelID),
		"conversation":   a.history.FormatConversation(channelID, a.gateway.BotName()),
	}

	if channels, err := a.gateway.AllChannels(cfg.CommunityID); err == nil {
		list := make([]map[string]string, 0, len(channels))
		for _, ch := range channels {
			list = append(list, map[string]string{"name": ch.Name, "kind": string(ch.Kind)})
		}
		m["channels"] = list
	}

	if cfg.Personality != "" {
		m["personality"] = cfg.Personality
	}
	if cfg.Rules != "" {
		m["rules"] = cfg.Rules
	}
	if cfg.Information != "" {
		m["information"] = cfg.Information
	}
	if len(cfg.ReferenceDocuments) > 0 {
		docs := make([]map[string]string, 0, len(cfg.ReferenceDocuments))
		for _, d := range cfg.ReferenceDocuments {
			docs = append(docs, map[string]string{"name": d.Name, "content": excerpt(d.Content)})
		}
		m["reference_documents"] = docs
	}
	return m
}

func (a *CommunityAgent) channelName(communityID, channelID string) string {
	channels, err := a.gateway.TextChannels(communityID)
	if err != nil {
		return channelID
	}
	for _, ch := range channels {
		if ch.ID == channelID {
			return ch.Name
		}
	}
	return channelID
}

// deliver runs one wire send with the discard-and-recreate-once policy: a
// transport-classified failure kills the session, a fresh agent is created,
// and the send is retried exactly once. A second transport failure drops the
// payload.
func (a *CommunityAgent) deliver(ctx context.Context, what string, op func(Wire) error) {
	a.mu.Lock()
	w := a.wire
	a.mu.Unlock()
	if w == nil {
		a.logger.Warn("dropping send on unconnected agent", "what", what)
		return
	}

	err := op(w)
	if err == nil {
		return
	}
	if !domain.IsTransportError(err) {
		a.logger.Warn("send failed", "what", what, "error", err)
		return
	}

	a.logger.Warn("transport failure, recreating agent", "what", what, "error", err)
	if rerr := a.recreate(ctx); rerr != nil {
		a.logger.Error("agent recreation failed, dropping send", "what", what, "error", rerr)
		return
	}

	a.mu.Lock()
	w = a.wire
	a.mu.Unlock()
	if err := op(w); err != nil {
		a.logger.Error("retry failed, dropping send", "what", what, "error", err)
	}
}

// recreate discards the dead session and brings up a fresh one.
func (a *CommunityAgent) recreate(ctx context.Context) error {
	a.recreateMu.Lock()
	defer a.recreateMu.Unlock()

	a.mu.Lock()
	old := a.wire
	cfg := a.cfg
	a.state = StateConnecting
	a.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}

	agentID, err := a.registrar.CreateAgent(ctx, cfg.CommunityName, a.metadata(cfg))
	if err != nil {
		a.setState(StateDisconnected)
		return domain.WrapOp("agent.recreate", err)
	}
	w := a.newWire(a)
	if err := w.Connect(ctx, agentID); err != nil {
		a.setState(StateDisconnected)
		return domain.WrapOp("agent.recreate", err)
	}

	a.mu.Lock()
	a.wire = w
	a.agentID = agentID
	a.state = StateReady
	a.mu.Unlock()
	return nil
}

func (a *CommunityAgent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// excerpt bounds reference-document content fed into context.
func excerpt(s string) string {
	const max = 2000
	if len(s) <= max {
		return s
	}
	// Cut on a rune boundary.
	cut := max
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + "..."
}
