package platform

import (
	"context"
	"log/slog"
	"sync"

	"doppel-ai/internal/domain"
	"github.com/bwmarrin/discordgo"
)

// Connection is one live Discord session per credential. Several community
// configurations can share it; the monitored set decides which communities'
// messages are routed onward.
type Connection struct {
	credential string
	session    *discordgo.Session
	handler    domain.MessageHandler
	logger     *slog.Logger

	mu        sync.RWMutex
	monitored map[string]bool
	botID     string
	botName   string

	ctx    context.Context
	cancel context.CancelFunc
}

// NewConnection creates an unopened connection for one credential.
func NewConnection(credential string, logger *slog.Logger) *Connection {
	return &Connection{
		credential: credential,
		logger:     logger,
		monitored:  make(map[string]bool),
	}
}

// Credential returns the credential this connection authenticates with.
func (c *Connection) Credential() string { return c.credential }

// Open starts the Discord session and begins routing inbound messages to
// handler. Messages authored by the connected account itself are dropped;
// the agent records its own sends directly.
func (c *Connection) Open(ctx context.Context, handler domain.MessageHandler) error {
	c.handler = handler
	c.ctx, c.cancel = context.WithCancel(ctx)

	dg, err := discordgo.New("Bot " + c.credential)
	if err != nil {
		return domain.WrapOp("platform.Open", err)
	}
	c.session = dg
	c.session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentMessageContent

	c.session.AddHandler(c.onReady)
	c.session.AddHandler(c.onMessageCreate)

	if err := c.session.Open(); err != nil {
		return domain.WrapOp("platform.Open", err)
	}

	c.mu.Lock()
	if c.session.State != nil && c.session.State.User != nil {
		c.botID = c.session.State.User.ID
		c.botName = c.session.State.User.Username
	}
	c.mu.Unlock()

	c.logger.Info("platform connection opened", "bot_id", c.botID)
	return nil
}

// Close tears down the Discord session.
func (c *Connection) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.session != nil {
		return c.session.Close()
	}
	return nil
}

// SetMonitored replaces the monitored community set. Messages from
// communities outside the set are dropped before reaching any agent.
func (c *Connection) SetMonitored(communityIDs []string) {
	set := make(map[string]bool, len(communityIDs))
	for _, id := range communityIDs {
		set[id] = true
	}
	c.mu.Lock()
	c.monitored = set
	c.mu.Unlock()
}

// Monitored returns the current monitored community set.
func (c *Connection) Monitored() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.monitored))
	for id := range c.monitored {
		ids = append(ids, id)
	}
	return ids
}

func (c *Connection) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	c.mu.Lock()
	c.botID = r.User.ID
	c.botName = r.User.Username
	c.mu.Unlock()
	c.logger.Info("platform connection ready", "bot", r.User.Username)
}

func (c *Connection) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}

	c.mu.RLock()
	own := m.Author.ID == c.botID
	watched := c.monitored[m.GuildID]
	c.mu.RUnlock()

	if own || !watched {
		return
	}

	c.handler(c.ctx, domain.ChatMessage{
		ID:          m.ID,
		ChannelID:   m.ChannelID,
		CommunityID: m.GuildID,
		AuthorID:    m.Author.ID,
		AuthorName:  m.Author.Username,
		Content:     m.Content,
		Timestamp:   m.Timestamp,
	})
}

// --- domain.PlatformGateway ---

// SendMessage posts text to a channel and returns the created message.
func (c *Connection) SendMessage(_ context.Context, channelID, content string) (*domain.ChatMessage, error) {
	sent, err := c.session.ChannelMessageSend(channelID, content)
	if err != nil {
		return nil, domain.WrapOp("platform.SendMessage", err)
	}
	msg := &domain.ChatMessage{
		ID:        sent.ID,
		ChannelID: sent.ChannelID,
		Content:   sent.Content,
		Timestamp: sent.Timestamp,
	}
	if sent.Author != nil {
		msg.AuthorID = sent.Author.ID
	}
	return msg, nil
}

// SendTyping signals a typing indicator on the channel.
func (c *Connection) SendTyping(_ context.Context, channelID string) error {
	return domain.WrapOp("platform.SendTyping", c.session.ChannelTyping(channelID))
}

// RecentMessages returns up to limit messages in chronological order.
func (c *Connection) RecentMessages(_ context.Context, channelID string, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	// The platform returns newest-first; reverse into chronological order.
	raw, err := c.session.ChannelMessages(channelID, limit, "", "", "")
	if err != nil {
		return nil, domain.WrapOp("platform.RecentMessages", err)
	}
	msgs := make([]domain.ChatMessage, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		m := raw[i]
		cm := domain.ChatMessage{
			ID:        m.ID,
			ChannelID: m.ChannelID,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		}
		if m.Author != nil {
			cm.AuthorID = m.Author.ID
			cm.AuthorName = m.Author.Username
		}
		msgs = append(msgs, cm)
	}
	return msgs, nil
}

// TextChannels lists the community's text channels.
func (c *Connection) TextChannels(communityID string) ([]domain.Channel, error) {
	raw, err := c.session.GuildChannels(communityID)
	if err != nil {
		return nil, domain.WrapOp("platform.TextChannels", err)
	}
	var out []domain.Channel
	for _, ch := range raw {
		if ch.Type == discordgo.ChannelTypeGuildText {
			out = append(out, domain.Channel{ID: ch.ID, Name: ch.Name, Kind: domain.ChannelText})
		}
	}
	return out, nil
}

// AllChannels lists every channel of the community with type tags.
func (c *Connection) AllChannels(communityID string) ([]domain.Channel, error) {
	raw, err := c.session.GuildChannels(communityID)
	if err != nil {
		return nil, domain.WrapOp("platform.AllChannels", err)
	}
	out := make([]domain.Channel, 0, len(raw))
	for _, ch := range raw {
		out = append(out, domain.Channel{ID: ch.ID, Name: ch.Name, Kind: channelKind(ch.Type)})
	}
	return out, nil
}

func channelKind(t discordgo.ChannelType) domain.ChannelKind {
	switch t {
	case discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews:
		return domain.ChannelText
	case discordgo.ChannelTypeGuildVoice, discordgo.ChannelTypeGuildStageVoice:
		return domain.ChannelVoice
	default:
		return domain.ChannelOther
	}
}

// BotName returns the connected account's display name (known after ready).
func (c *Connection) BotName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.botName
}
