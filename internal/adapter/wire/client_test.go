package wire

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"doppel-ai/internal/domain"
)

// --- test doubles ---

type recordingHandler struct {
	mu       sync.Mutex
	calls    []domain.ToolCall
	cancels  []cancelToolCallPayload
	toolCall chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{toolCall: make(chan struct{}, 8)}
}

func (h *recordingHandler) OnToolCall(id, name string, args json.RawMessage) {
	h.mu.Lock()
	h.calls = append(h.calls, domain.ToolCall{ID: id, Name: name, Args: args})
	h.mu.Unlock()
	h.toolCall <- struct{}{}
}

func (h *recordingHandler) OnCancelToolCall(id, reason string) {
	h.mu.Lock()
	h.cancels = append(h.cancels, cancelToolCallPayload{ID: id, Reason: reason})
	h.mu.Unlock()
}

// fakeService is a minimal in-process remote agent service endpoint.
type fakeService struct {
	t        *testing.T
	srv      *httptest.Server
	frames   chan string // frames received from the client
	conns    chan *websocket.Conn
	openOnly bool // send the open frame but never acknowledge the join
}

func newFakeService(t *testing.T, openOnly bool) *fakeService {
	f := &fakeService{
		t:        t,
		frames:   make(chan string, 32),
		conns:    make(chan *websocket.Conn, 1),
		openOnly: openOnly,
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
		ctx := context.Background()

		// Transport handshake: open control frame first.
		if err := conn.Write(ctx, websocket.MessageText, []byte("0")); err != nil {
			return
		}
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			frame := string(data)
			f.frames <- frame
			if frame == "40" && !f.openOnly {
				_ = conn.Write(ctx, websocket.MessageText, []byte("40"))
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeService) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeService) send(frame string) {
	conn := <-f.conns
	f.conns <- conn
	if err := conn.Write(context.Background(), websocket.MessageText, []byte(frame)); err != nil {
		f.t.Fatalf("service write: %v", err)
	}
}

func (f *fakeService) nextFrame(timeout time.Duration) string {
	select {
	case frame := <-f.frames:
		return frame
	case <-time.After(timeout):
		f.t.Fatal("timed out waiting for a client frame")
		return ""
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- tests ---

func TestConnectHandshake(t *testing.T) {
	svc := newFakeService(t, false)
	c := NewClient(svc.url(), "key", newRecordingHandler(), testLogger())
	defer c.Disconnect()

	if err := c.Connect(context.Background(), "agent-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// The client must have replied to the open frame with the join frame.
	if frame := svc.nextFrame(time.Second); frame != "40" {
		t.Errorf("first client frame = %q, want 40", frame)
	}
}

func TestSendBeforeReadyFails(t *testing.T) {
	c := NewClient("ws://unused", "key", newRecordingHandler(), testLogger())
	err := c.SendContextUpdate("new_message", "desc", nil)
	if !errors.Is(err, domain.ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
}

func TestConnectAbortsWithoutJoinAck(t *testing.T) {
	svc := newFakeService(t, true) // never acknowledges the join
	c := NewClient(svc.url(), "key", newRecordingHandler(), testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := c.Connect(ctx, "agent-1")
	if err == nil {
		t.Fatal("Connect should fail when the join is never acknowledged")
	}
	if !errors.Is(err, domain.ErrConnectTimeout) {
		t.Errorf("error = %v, want ErrConnectTimeout", err)
	}
	// One deadline covers dial and handshake: no second timer extends the wait.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Connect blocked %v past its deadline", elapsed)
	}

	// The socket must be torn down: the read loop exits.
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop still running after failed connect")
	}
}

func TestPingPong(t *testing.T) {
	svc := newFakeService(t, false)
	c := NewClient(svc.url(), "key", newRecordingHandler(), testLogger())
	defer c.Disconnect()

	if err := c.Connect(context.Background(), "agent-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	svc.nextFrame(time.Second) // drain the join frame

	svc.send("2")
	if frame := svc.nextFrame(time.Second); frame != "3" {
		t.Errorf("ping reply = %q, want 3", frame)
	}
}

func TestToolCallDispatch(t *testing.T) {
	svc := newFakeService(t, false)
	h := newRecordingHandler()
	c := NewClient(svc.url(), "key", h, testLogger())
	defer c.Disconnect()

	if err := c.Connect(context.Background(), "agent-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	svc.send(`42["event",{"type":"tool_call","content":{"id":"t1","name":"send_message","args":{"channel_id":"c1","message":"hi"}}}]`)
	select {
	case <-h.toolCall:
	case <-time.After(time.Second):
		t.Fatal("tool call was not dispatched")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.calls) != 1 || h.calls[0].ID != "t1" || h.calls[0].Name != "send_message" {
		t.Errorf("calls = %+v", h.calls)
	}
}

func TestMalformedFrameKeepsConnectionUp(t *testing.T) {
	svc := newFakeService(t, false)
	h := newRecordingHandler()
	c := NewClient(svc.url(), "key", h, testLogger())
	defer c.Disconnect()

	if err := c.Connect(context.Background(), "agent-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	svc.send("42this is not json")
	svc.send(`42["event",{"type":"tool_call","content":{"id":"t2","name":"fetch_channel_messages","args":{}}}]`)

	select {
	case <-h.toolCall:
	case <-time.After(time.Second):
		t.Fatal("connection should survive a malformed frame")
	}
}

func TestSendAfterConnectReachesWire(t *testing.T) {
	svc := newFakeService(t, false)
	c := NewClient(svc.url(), "key", newRecordingHandler(), testLogger())
	defer c.Disconnect()

	if err := c.Connect(context.Background(), "agent-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	svc.nextFrame(time.Second) // join frame

	if err := c.SendToolResult("t1", true, "sent", map[string]any{"history": "A: hi"}); err != nil {
		t.Fatalf("SendToolResult: %v", err)
	}
	frame := svc.nextFrame(time.Second)
	if !strings.HasPrefix(frame, "42") {
		t.Fatalf("frame = %q, want 42 prefix", frame)
	}
	if !strings.Contains(frame, `"type":"tool_result"`) || !strings.Contains(frame, `"id":"t1"`) {
		t.Errorf("frame payload wrong: %s", frame)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	svc := newFakeService(t, false)
	c := NewClient(svc.url(), "key", newRecordingHandler(), testLogger())
	if err := c.Connect(context.Background(), "agent-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	c.Disconnect()
	c.Disconnect() // must not panic or block

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit after Disconnect")
	}

	err := c.SendToolCanceled("t1", "shutdown")
	if !errors.Is(err, domain.ErrDisconnected) {
		t.Errorf("send after disconnect = %v, want ErrDisconnected", err)
	}
}
