package domain

import "encoding/json"

// Tool names issued by the remote agent service.
const (
	ToolSendMessage      = "send_message"
	ToolFetchChannelMsgs = "fetch_channel_messages"
)

// ToolCall is a remotely-issued request to perform a side-effecting action.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolSpec declares one tool in the agent registration metadata.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// AgentMetadata is the registration payload for create-agent.
type AgentMetadata struct {
	ClassName    string     `json:"class_name"`
	Personality  string     `json:"personality"`
	Instructions string     `json:"instructions"`
	Tools        []ToolSpec `json:"tools"`
	RouterType   string     `json:"router_type"`
}

// ToolHandler receives inbound tool events from the remote agent service.
// Bound once at agent construction.
type ToolHandler interface {
	OnToolCall(id, name string, args json.RawMessage)
	OnCancelToolCall(id, reason string)
}
