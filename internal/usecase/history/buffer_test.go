package history

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"doppel-ai/internal/domain"
)

// fakeGateway returns canned messages for RecentMessages and records calls.
type fakeGateway struct {
	mu       sync.Mutex
	messages []domain.ChatMessage
	calls    int
	lastArgs struct {
		channelID string
		limit     int
	}
}

func (f *fakeGateway) SendMessage(_ context.Context, channelID, content string) (*domain.ChatMessage, error) {
	return &domain.ChatMessage{ChannelID: channelID, Content: content}, nil
}
func (f *fakeGateway) SendTyping(context.Context, string) error { return nil }
func (f *fakeGateway) RecentMessages(_ context.Context, channelID string, limit int) ([]domain.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastArgs.channelID = channelID
	f.lastArgs.limit = limit
	return f.messages, nil
}
func (f *fakeGateway) TextChannels(string) ([]domain.Channel, error) { return nil, nil }
func (f *fakeGateway) AllChannels(string) ([]domain.Channel, error)  { return nil, nil }
func (f *fakeGateway) BotName() string                               { return "relay-bot" }

func msg(id, channel, author, content string) domain.ChatMessage {
	return domain.ChatMessage{
		ID: id, ChannelID: channel,
		AuthorName: author, Content: content,
		Timestamp: time.Now(),
	}
}

func TestAddBound(t *testing.T) {
	b := NewBuffer()
	for i := 0; i < 120; i++ {
		b.Add(msg(fmt.Sprintf("m%d", i), "ch1", "alice", fmt.Sprintf("msg %d", i)))
	}

	got := b.Get("ch1")
	if len(got) != MaxEntries {
		t.Fatalf("len = %d, want %d", len(got), MaxEntries)
	}
	// The 50 most recent entries in chronological order: 70..119.
	if got[0].Content != "msg 70" {
		t.Errorf("oldest kept = %q, want msg 70", got[0].Content)
	}
	if got[len(got)-1].Content != "msg 119" {
		t.Errorf("newest = %q, want msg 119", got[len(got)-1].Content)
	}
}

func TestFormatConversation(t *testing.T) {
	b := NewBuffer()
	b.Add(msg("1", "ch1", "A", "hi"))
	b.Add(msg("2", "ch1", "B", "yo"))

	got := b.FormatConversation("ch1", "relay-bot")
	want := "A: hi\nB: yo"
	if got != want {
		t.Fatalf("FormatConversation = %q, want %q", got, want)
	}

	// Adding a third message keeps the prior rendering as a prefix.
	b.Add(msg("3", "ch1", "C", "sup"))
	got2 := b.FormatConversation("ch1", "relay-bot")
	if !strings.HasPrefix(got2, want) {
		t.Errorf("new rendering %q should start with %q", got2, want)
	}
	if !strings.HasSuffix(got2, "C: sup") {
		t.Errorf("new rendering %q should end with the new line", got2)
	}
}

func TestFormatEmptyAuthorUsesBotName(t *testing.T) {
	b := NewBuffer()
	b.Add(domain.ChatMessage{ChannelID: "ch1", Content: "my own reply"})
	if got := b.FormatConversation("ch1", "relay-bot"); got != "relay-bot: my own reply" {
		t.Errorf("FormatConversation = %q", got)
	}
}

func TestInitializeSeedsOnce(t *testing.T) {
	gw := &fakeGateway{messages: []domain.ChatMessage{
		msg("1", "ch1", "A", "first"),
		msg("2", "ch1", "B", "second"),
	}}
	b := NewBuffer()

	if b.IsInitialized("ch1") {
		t.Fatal("channel should start uninitialized")
	}
	if err := b.Initialize(context.Background(), gw, "ch1", 0); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !b.IsInitialized("ch1") {
		t.Fatal("channel should be initialized")
	}
	if gw.lastArgs.limit != DefaultFetchLimit {
		t.Errorf("limit = %d, want default %d", gw.lastArgs.limit, DefaultFetchLimit)
	}

	// Second call must not refetch.
	if err := b.Initialize(context.Background(), gw, "ch1", 0); err != nil {
		t.Fatalf("Initialize again: %v", err)
	}
	if gw.calls != 1 {
		t.Errorf("gateway calls = %d, want 1", gw.calls)
	}
	if got := b.Get("ch1"); len(got) != 2 || got[0].Content != "first" {
		t.Errorf("seeded entries wrong: %+v", got)
	}
}

func TestAddSkipsAlreadySeededMessage(t *testing.T) {
	// The live event that triggers a seed fetch is also the newest entry of
	// that fetch; appending it again must not duplicate it.
	trigger := msg("2", "ch1", "B", "second")
	gw := &fakeGateway{messages: []domain.ChatMessage{
		msg("1", "ch1", "A", "first"),
		trigger,
	}}
	b := NewBuffer()
	if err := b.Initialize(context.Background(), gw, "ch1", 0); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	b.Add(trigger)

	if got := b.Get("ch1"); len(got) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(got), got)
	}
	if got := b.FormatConversation("ch1", "relay-bot"); got != "A: first\nB: second" {
		t.Errorf("FormatConversation = %q", got)
	}

	// A genuinely new message still appends.
	b.Add(msg("3", "ch1", "C", "third"))
	if got := len(b.Get("ch1")); got != 3 {
		t.Errorf("len after new message = %d, want 3", got)
	}
}

func TestInitializeLimitCap(t *testing.T) {
	gw := &fakeGateway{}
	b := NewBuffer()
	if err := b.Initialize(context.Background(), gw, "ch1", 500); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if gw.lastArgs.limit != MaxFetchLimit {
		t.Errorf("limit = %d, want cap %d", gw.lastArgs.limit, MaxFetchLimit)
	}
}

func TestChannelsIndependent(t *testing.T) {
	b := NewBuffer()
	var wg sync.WaitGroup
	for c := 0; c < 8; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			ch := fmt.Sprintf("ch%d", c)
			for i := 0; i < 100; i++ {
				b.Add(msg(fmt.Sprintf("%d-%d", c, i), ch, "A", "x"))
				_ = b.Get(ch)
			}
		}(c)
	}
	wg.Wait()
	for c := 0; c < 8; c++ {
		if got := len(b.Get(fmt.Sprintf("ch%d", c))); got != MaxEntries {
			t.Errorf("ch%d len = %d, want %d", c, got, MaxEntries)
		}
	}
}
