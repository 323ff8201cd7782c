package domain

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestIsTransportError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"wrapped eof", fmt.Errorf("read frame: %w", io.EOF), true},
		{"broken pipe", errors.New("write tcp 10.0.0.1:443: broken pipe"), true},
		{"reset", errors.New("read: connection reset by peer"), true},
		{"closed conn", errors.New("use of closed network connection"), true},
		{"deadline", errors.New("context deadline exceeded"), true},
		{"ws close", errors.New("websocket: close 1006 (abnormal closure)"), true},
		{"sentinel disconnected", ErrDisconnected, true},
		{"sentinel connect timeout", fmt.Errorf("wire.Connect: %w", ErrConnectTimeout), true},
		{"not ready", ErrNotReady, false},
		{"tool args", ErrInvalidToolArgs, false},
		{"plain", errors.New("malformed frame"), false},
	}
	for _, tt := range tests {
		if got := IsTransportError(tt.err); got != tt.want {
			t.Errorf("%s: IsTransportError(%v) = %v, want %v", tt.name, tt.err, got, tt.want)
		}
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("wire.SendToolResult", ErrNotReady, "join not acknowledged")
	if !errors.Is(err, ErrNotReady) {
		t.Errorf("errors.Is should reach the sentinel through %v", err)
	}
	want := "wire.SendToolResult: join not acknowledged: session not ready"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestWrapOp(t *testing.T) {
	if WrapOp("op", nil) != nil {
		t.Error("WrapOp(nil) should be nil")
	}
	err := WrapOp("agent.create", ErrCreateTimeout)
	if !errors.Is(err, ErrCreateTimeout) {
		t.Errorf("wrapped error should match sentinel, got %v", err)
	}
}
