package wire

import (
	"encoding/json"
	"fmt"
)

// Transport control frames. The remote service speaks a text-framed protocol:
// single-character control codes for the transport layer, a two-character
// prefix for channel control and application events. These byte sequences are
// load-bearing for interoperability.
const (
	frameOpen = "0" // first server frame after the socket opens
	framePing = "2" // server keepalive probe
	framePong = "3" // immediate client reply to a ping

	frameJoin    = "40" // client "join default channel" frame
	frameJoinAck = "40" // server acknowledgment, same code echoed back
	frameEvent   = "42" // prefix for application event frames
)

// Outbound application events are wrapped as ["message", {type, content}].
const outboundEventName = "message"

// Inbound event names the service uses on its side of the channel.
const (
	inboundEventName = "event"
	inboundErrorName = "error"
)

// Event types carried inside the envelope.
const (
	typeContextUpdate  = "context_update"
	typeToolResult     = "tool_result"
	typeToolCanceled   = "tool_canceled"
	typeToolCall       = "tool_call"
	typeCancelToolCall = "cancel_tool_call"
	typeStatus         = "status"
)

// envelope is the {type, content} object inside an event frame.
type envelope struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// encodeEvent serializes an outbound application event:
// "42" + ["message", {type, content}].
func encodeEvent(eventType string, content any) (string, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("marshal event content: %w", err)
	}
	arr, err := json.Marshal([2]any{outboundEventName, envelope{Type: eventType, Content: raw}})
	if err != nil {
		return "", fmt.Errorf("marshal event frame: %w", err)
	}
	return frameEvent + string(arr), nil
}

// frameKind classifies an inbound frame.
type frameKind int

const (
	kindUnknown frameKind = iota
	kindOpen
	kindPing
	kindPong
	kindJoinAck
	kindEvent
)

// inboundFrame is one parsed frame off the socket.
type inboundFrame struct {
	kind frameKind
	name string   // event name for kindEvent ("event", "error", ...)
	env  envelope // populated for kindEvent with name "event"
	raw  json.RawMessage
}

// parseFrame classifies a raw text frame. An unparseable application frame
// returns an error; the caller logs and drops it without touching the socket.
func parseFrame(data []byte) (inboundFrame, error) {
	if len(data) == 0 {
		return inboundFrame{}, fmt.Errorf("empty frame")
	}
	switch data[0] {
	case '0':
		return inboundFrame{kind: kindOpen}, nil
	case '2':
		return inboundFrame{kind: kindPing}, nil
	case '3':
		return inboundFrame{kind: kindPong}, nil
	case '4':
		if len(data) < 2 {
			return inboundFrame{}, fmt.Errorf("truncated channel frame %q", data)
		}
		switch data[1] {
		case '0':
			return inboundFrame{kind: kindJoinAck}, nil
		case '2':
			return parseEventFrame(data[2:])
		}
	}
	return inboundFrame{kind: kindUnknown}, nil
}

func parseEventFrame(body []byte) (inboundFrame, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(body, &arr); err != nil {
		return inboundFrame{}, fmt.Errorf("event frame is not a JSON array: %w", err)
	}
	if len(arr) == 0 {
		return inboundFrame{}, fmt.Errorf("event frame array is empty")
	}

	f := inboundFrame{kind: kindEvent}
	if err := json.Unmarshal(arr[0], &f.name); err != nil {
		return inboundFrame{}, fmt.Errorf("event name is not a string: %w", err)
	}
	if len(arr) > 1 {
		f.raw = arr[1]
		if f.name == inboundEventName {
			if err := json.Unmarshal(arr[1], &f.env); err != nil {
				return inboundFrame{}, fmt.Errorf("event payload shape: %w", err)
			}
		}
	}
	return f, nil
}

// unmarshalPayload decodes an envelope content object, treating an absent
// body as an empty object.
func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing payload")
	}
	return json.Unmarshal(raw, v)
}

// Inbound event payload shapes.

type toolCallPayload struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type cancelToolCallPayload struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type statusPayload struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Outbound event payload shapes.

type contextUpdatePayload struct {
	Event       string         `json:"event"`
	Description string         `json:"description"`
	Context     map[string]any `json:"context,omitempty"`
}

type toolResultPayload struct {
	ID      string         `json:"id"`
	Success bool           `json:"success"`
	Result  string         `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
	Extra   map[string]any `json:"extra_context,omitempty"`
}

type toolCanceledPayload struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}
