package domain

import "context"

// MessageHandler receives inbound platform messages that passed the
// monitored-community filter.
type MessageHandler func(ctx context.Context, msg ChatMessage)

// PlatformGateway is the outbound surface of one live chat-platform
// connection. Implementations must be safe for concurrent use.
type PlatformGateway interface {
	// SendMessage posts text to a channel.
	SendMessage(ctx context.Context, channelID, content string) (*ChatMessage, error)
	// SendTyping signals a typing indicator on a channel. Platform indicators
	// expire on their own after roughly ten seconds.
	SendTyping(ctx context.Context, channelID string) error
	// RecentMessages returns up to limit messages in chronological order.
	RecentMessages(ctx context.Context, channelID string, limit int) ([]ChatMessage, error)
	// TextChannels lists the text channels of a community.
	TextChannels(communityID string) ([]Channel, error)
	// AllChannels lists every channel of a community with type tags.
	AllChannels(communityID string) ([]Channel, error)
	// BotName returns the connected account's display name.
	BotName() string
}

// StatsSink accepts fire-and-forget usage counters. Report must never block
// the caller's hot path; failures are swallowed by the implementation.
type StatsSink interface {
	Report(ctx context.Context, userID, communityID, event string)
}

// ConfigProvider returns the latest configuration snapshot. Absence of a
// credential or community in a snapshot means "remove".
type ConfigProvider interface {
	Fetch(ctx context.Context) ([]CredentialConfigs, error)
}
