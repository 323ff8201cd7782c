package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"doppel-ai/internal/domain"
	"doppel-ai/internal/infra/tracer"
)

// Conn is one live platform connection, keyed by credential. A single
// connection serves every community configured with that credential.
type Conn interface {
	domain.PlatformGateway
	Open(ctx context.Context, handler domain.MessageHandler) error
	Close() error
	SetMonitored(communityIDs []string)
}

// Agent handles messages for exactly one community.
type Agent interface {
	Start(ctx context.Context) error
	HandleMessage(ctx context.Context, msg domain.ChatMessage)
	UpdateConfig(cfg domain.CommunityConfig)
	Close()
}

// ConnFactory builds an unopened connection for a credential.
type ConnFactory func(credential string) Conn

// AgentFactory builds an unstarted agent for a community bound to the
// gateway of its credential's connection.
type AgentFactory func(cfg domain.CommunityConfig, gateway domain.PlatformGateway) Agent

// DefaultPollInterval is how often the provider snapshot is re-fetched when
// the configuration does not override it.
const DefaultPollInterval = 2 * time.Second

// Manager reconciles provider snapshots into live connections and agents. It
// owns the credential registry and the community registry; agents are created
// lazily on the first routed message for an active community and torn down
// when their community deactivates or their connection closes.
type Manager struct {
	provider domain.ConfigProvider
	newConn  ConnFactory
	newAgent AgentFactory
	interval time.Duration
	logger   *slog.Logger

	cron    *cron.Cron
	baseCtx context.Context

	mu           sync.RWMutex
	conns        map[string]Conn
	agents       map[string]Agent
	creating     map[string]bool
	configs      map[string]domain.CommunityConfig
	credentialOf map[string]string
}

// New creates a Manager. interval <= 0 falls back to DefaultPollInterval.
func New(provider domain.ConfigProvider, newConn ConnFactory, newAgent AgentFactory,
	interval time.Duration, logger *slog.Logger) *Manager {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Manager{
		provider:     provider,
		newConn:      newConn,
		newAgent:     newAgent,
		interval:     interval,
		logger:       logger.With("component", "manager"),
		conns:        make(map[string]Conn),
		agents:       make(map[string]Agent),
		creating:     make(map[string]bool),
		configs:      make(map[string]domain.CommunityConfig),
		credentialOf: make(map[string]string),
	}
}

// Start performs one synchronous reconcile pass, then schedules periodic
// passes. A failed initial fetch is not fatal; the next tick retries.
func (m *Manager) Start(ctx context.Context) error {
	m.baseCtx = ctx
	m.ReconcileOnce(ctx)

	m.cron = cron.New()
	spec := fmt.Sprintf("@every %s", m.interval)
	if _, err := m.cron.AddFunc(spec, func() { m.ReconcileOnce(m.baseCtx) }); err != nil {
		return domain.WrapOp("manager.start", err)
	}
	m.cron.Start()
	m.logger.Info("manager started", "poll_interval", m.interval.String())
	return nil
}

// Stop halts polling and tears down every agent and connection.
func (m *Manager) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}

	m.mu.Lock()
	agents := m.agents
	conns := m.conns
	m.agents = make(map[string]Agent)
	m.conns = make(map[string]Conn)
	m.configs = make(map[string]domain.CommunityConfig)
	m.credentialOf = make(map[string]string)
	m.mu.Unlock()

	for id, a := range agents {
		a.Close()
		m.logger.Info("agent closed", "community", id)
	}
	for _, c := range conns {
		if err := c.Close(); err != nil {
			m.logger.Warn("connection close failed", "error", err)
		}
	}
	m.logger.Info("manager stopped")
}

// ReconcileOnce fetches a snapshot and converges live state toward it. Safe
// to call concurrently with message routing.
func (m *Manager) ReconcileOnce(ctx context.Context) {
	ctx, span := tracer.StartSpan(ctx, "manager.reconcile")
	defer span.End()

	snapshot, err := m.provider.Fetch(ctx)
	if err != nil {
		tracer.RecordError(span, err)
		m.logger.Warn("snapshot fetch failed, keeping current state", "error", err)
		return
	}
	span.SetAttributes(tracer.IntAttr("snapshot.credentials", len(snapshot)))

	m.mu.RLock()
	live := make(map[string]bool, len(m.conns))
	for cred := range m.conns {
		live[cred] = true
	}
	m.mu.RUnlock()

	desired, actions := Reconcile(live, snapshot)

	for _, c := range actions.Conflicts {
		m.logger.Warn("community claimed by two configurations, keeping the later one",
			"community", c.CommunityID, "loser_user", c.LoserUserID, "winner_user", c.WinnerUser)
	}

	// Open new connections outside the lock; a failed open is retried on
	// the next tick.
	for _, cred := range actions.OpenCredentials {
		conn := m.newConn(cred)
		if err := conn.Open(ctx, m.Route); err != nil {
			m.logger.Error("connection open failed", "error", err)
			continue
		}
		m.mu.Lock()
		m.conns[cred] = conn
		m.mu.Unlock()
		m.logger.Info("connection opened")
	}

	var closeAgents []Agent
	var closeConns []Conn

	m.mu.Lock()
	for id, a := range m.agents {
		cfg, keep := desired.Configs[id]
		if keep && desired.CredentialOf[id] == m.credentialOf[id] {
			a.UpdateConfig(cfg)
			continue
		}
		// Deactivated, removed, or re-homed to another credential.
		closeAgents = append(closeAgents, a)
		delete(m.agents, id)
		m.logger.Info("agent retired", "community", id)
	}
	for _, cred := range actions.CloseCredentials {
		if conn, ok := m.conns[cred]; ok {
			closeConns = append(closeConns, conn)
			delete(m.conns, cred)
		}
	}
	for cred, conn := range m.conns {
		conn.SetMonitored(desired.Monitored[cred])
	}
	m.configs = desired.Configs
	m.credentialOf = desired.CredentialOf
	m.mu.Unlock()

	for _, a := range closeAgents {
		a.Close()
	}
	for _, c := range closeConns {
		if err := c.Close(); err != nil {
			m.logger.Warn("connection close failed", "error", err)
		}
		m.logger.Info("connection closed")
	}
}

// Route delivers one inbound platform message to its community agent,
// creating and starting the agent on first contact. Messages arriving while
// an agent is still starting are dropped; history seeding at startup covers
// the gap.
func (m *Manager) Route(ctx context.Context, msg domain.ChatMessage) {
	m.mu.RLock()
	if a, ok := m.agents[msg.CommunityID]; ok {
		m.mu.RUnlock()
		a.HandleMessage(ctx, msg)
		return
	}
	cfg, active := m.configs[msg.CommunityID]
	m.mu.RUnlock()
	if !active {
		m.logger.Debug("message for inactive community dropped", "community", msg.CommunityID)
		return
	}

	m.mu.Lock()
	if a, ok := m.agents[msg.CommunityID]; ok {
		m.mu.Unlock()
		a.HandleMessage(ctx, msg)
		return
	}
	if m.creating[msg.CommunityID] {
		m.mu.Unlock()
		m.logger.Debug("agent still starting, message dropped", "community", msg.CommunityID)
		return
	}
	m.creating[msg.CommunityID] = true
	conn := m.conns[m.credentialOf[msg.CommunityID]]
	m.mu.Unlock()

	if conn == nil {
		m.mu.Lock()
		delete(m.creating, msg.CommunityID)
		m.mu.Unlock()
		m.logger.Warn("no connection for community, message dropped", "community", msg.CommunityID)
		return
	}

	a := m.newAgent(cfg, conn)
	err := a.Start(ctx)

	m.mu.Lock()
	delete(m.creating, msg.CommunityID)
	if err == nil {
		m.agents[msg.CommunityID] = a
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("agent start failed", "community", msg.CommunityID, "error", err)
		return
	}
	m.logger.Info("agent started", "community", msg.CommunityID)
	a.HandleMessage(ctx, msg)
}
