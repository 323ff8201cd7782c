package domain

import "time"

// ChatMessage is a single platform message as seen by the relay.
type ChatMessage struct {
	ID          string    `json:"id"`
	ChannelID   string    `json:"channel_id"`
	CommunityID string    `json:"community_id"`
	AuthorID    string    `json:"author_id"`
	AuthorName  string    `json:"author_name"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
}

// ChannelKind tags a platform channel with its type.
type ChannelKind string

const (
	ChannelText  ChannelKind = "text"
	ChannelVoice ChannelKind = "voice"
	ChannelOther ChannelKind = "other"
)

// Channel describes one platform channel inside a community.
type Channel struct {
	ID   string      `json:"id"`
	Name string      `json:"name"`
	Kind ChannelKind `json:"kind,omitempty"`
}

// ReferenceDocument is a pre-fetched document attached to a community
// configuration. Fetching happens upstream; the relay only reads these.
type ReferenceDocument struct {
	URL       string    `json:"url"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	FetchedAt time.Time `json:"fetched_at"`
}

// CommunityConfig governs one monitored community. Exactly one config governs
// a community at any instant; when two snapshot rows claim the same community
// the most recently observed one wins.
type CommunityConfig struct {
	CommunityID        string              `json:"community_id"`
	CommunityName      string              `json:"community_name"`
	BotActive          bool                `json:"bot_active"`
	Personality        string              `json:"personality,omitempty"`
	Rules              string              `json:"rules,omitempty"`
	Information        string              `json:"information,omitempty"`
	ReferenceDocuments []ReferenceDocument `json:"reference_documents,omitempty"`
	UserID             string              `json:"user_id"`
}

// CredentialConfigs is one row of a configuration-provider snapshot: every
// community configuration sharing one platform credential.
type CredentialConfigs struct {
	Credential  string            `json:"credential"`
	Communities []CommunityConfig `json:"communities"`
}

// Stat event names accepted by the stats sink.
const (
	StatMessageSent     = "message_sent"
	StatMessageReceived = "message_received"
)
