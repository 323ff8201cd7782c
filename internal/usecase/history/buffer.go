package history

import (
	"context"
	"strings"
	"sync"

	"doppel-ai/internal/domain"
)

const (
	// MaxEntries caps each channel's buffer; oldest entries are evicted first.
	MaxEntries = 50
	// DefaultFetchLimit is the bulk-seed size when none is given.
	DefaultFetchLimit = 50
	// MaxFetchLimit is the platform cap on a single history fetch.
	MaxFetchLimit = 100
)

// channelLog holds one channel's entries behind its own lock so channels
// never block each other.
type channelLog struct {
	mu      sync.RWMutex
	seeded  bool
	entries []domain.ChatMessage
}

// Buffer is a per-channel bounded FIFO of recent messages, used to build
// agent context. Safe for concurrent use across channels; writes to the same
// channel are serialized.
type Buffer struct {
	mu       sync.RWMutex
	channels map[string]*channelLog
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{channels: make(map[string]*channelLog)}
}

func (b *Buffer) channel(channelID string) *channelLog {
	b.mu.RLock()
	cl, ok := b.channels[channelID]
	b.mu.RUnlock()
	if ok {
		return cl
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cl, ok = b.channels[channelID]; ok {
		return cl
	}
	cl = &channelLog{}
	b.channels[channelID] = cl
	return cl
}

// IsInitialized reports whether the channel has been seeded with a bulk fetch.
func (b *Buffer) IsInitialized(channelID string) bool {
	cl := b.channel(channelID)
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.seeded
}

// Initialize seeds the channel with its most recent messages from the
// gateway, in chronological order. A second call for the same channel is a
// no-op. limit defaults to DefaultFetchLimit and is capped at MaxFetchLimit.
func (b *Buffer) Initialize(ctx context.Context, gw domain.PlatformGateway, channelID string, limit int) error {
	if limit <= 0 {
		limit = DefaultFetchLimit
	}
	if limit > MaxFetchLimit {
		limit = MaxFetchLimit
	}

	cl := b.channel(channelID)
	cl.mu.Lock()
	if cl.seeded {
		cl.mu.Unlock()
		return nil
	}
	cl.mu.Unlock()

	// Fetch outside the channel lock; the gateway call can be slow.
	msgs, err := gw.RecentMessages(ctx, channelID, limit)
	if err != nil {
		return domain.WrapOp("history.Initialize", err)
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.seeded {
		// Lost the race with a concurrent initialize; the winner's entries
		// already include everything we fetched.
		return nil
	}
	cl.entries = append(cl.entries, msgs...)
	cl.truncateLocked()
	cl.seeded = true
	return nil
}

// Add appends a message to its channel, evicting the oldest entry beyond the
// cap. The agent's own sent messages go through here too, so the agent sees
// its prior turns. A message whose ID is already buffered is skipped: the
// live event that triggers a channel's seed fetch is also the newest entry
// of that fetch.
func (b *Buffer) Add(msg domain.ChatMessage) {
	cl := b.channel(msg.ChannelID)
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if msg.ID != "" {
		for _, m := range cl.entries {
			if m.ID == msg.ID {
				return
			}
		}
	}
	cl.entries = append(cl.entries, msg)
	cl.truncateLocked()
}

func (cl *channelLog) truncateLocked() {
	if n := len(cl.entries); n > MaxEntries {
		cl.entries = append(cl.entries[:0:0], cl.entries[n-MaxEntries:]...)
	}
}

// Get returns a copy of the channel's entries in chronological order.
func (b *Buffer) Get(channelID string) []domain.ChatMessage {
	cl := b.channel(channelID)
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	cp := make([]domain.ChatMessage, len(cl.entries))
	copy(cp, cl.entries)
	return cp
}

// FormatConversation renders the channel's entries as "author: content"
// lines in chronological order. Messages authored by the bot render under
// botName so the remote agent recognizes its own turns.
func (b *Buffer) FormatConversation(channelID, botName string) string {
	cl := b.channel(channelID)
	cl.mu.RLock()
	defer cl.mu.RUnlock()

	var sb strings.Builder
	for i, m := range cl.entries {
		if i > 0 {
			sb.WriteByte('\n')
		}
		name := m.AuthorName
		if name == "" {
			name = botName
		}
		sb.WriteString(name)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
	}
	return sb.String()
}
