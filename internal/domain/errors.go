package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the domain layer.
var (
	ErrNotReady        = fmt.Errorf("session not ready")
	ErrConnectTimeout  = fmt.Errorf("connect timed out")
	ErrCreateTimeout   = fmt.Errorf("create-agent timed out")
	ErrDisconnected    = fmt.Errorf("session disconnected")
	ErrInvalidToolArgs = fmt.Errorf("invalid tool arguments")
	ErrUnknownTool     = fmt.Errorf("unknown tool")
	ErrConfigLoad      = fmt.Errorf("failed to load configuration")
	ErrDecryption      = fmt.Errorf("decryption failed")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g. "wire.Connect")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// transportMarkers are the substrings that identify a dead transport. The
// remote service and the OS surface these in several shapes (net.OpError,
// websocket close, plain io errors), so classification is textual.
var transportMarkers = []string{
	"use of closed network connection",
	"connection reset",
	"connection refused",
	"broken pipe",
	"closed network",
	"websocket: close",
	"socket closed",
	"timeout",
	"deadline exceeded",
	"EOF",
}

// IsTransportError reports whether err indicates the underlying socket to the
// remote agent service is unusable. A transport-classified failure means the
// owning agent session must be discarded and recreated; retrying the same
// session cannot succeed.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDisconnected) || errors.Is(err, ErrConnectTimeout) {
		return true
	}
	msg := err.Error()
	for _, marker := range transportMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
