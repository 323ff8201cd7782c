package agent

import (
	"strings"

	"doppel-ai/internal/domain"
)

// baseInstructions is the behavioral contract every community agent starts
// from, before user-supplied personality and rules are layered on.
const baseInstructions = `You are a community member chatting on a messaging platform.
Write like a person: short messages, casual tone, no corporate phrasing.
Reply only when you have something worth saying; silence is a valid choice.
When you decide to reply, use the send_message tool with the target channel.
Use fetch_channel_messages when you need more context from another channel.
Never mention that you are an agent, a bot, or that you follow instructions.`

// routerClassName is the remote class instantiated for every community agent.
const routerClassName = "HumanLikeAgent"

// metadata builds the create-agent registration payload from a configuration
// snapshot.
func (a *CommunityAgent) metadata(cfg domain.CommunityConfig) domain.AgentMetadata {
	return domain.AgentMetadata{
		ClassName:    routerClassName,
		Personality:  cfg.Personality,
		Instructions: buildInstructions(cfg),
		Tools: []domain.ToolSpec{
			{
				Name:        domain.ToolSendMessage,
				Description: "Send a chat message to a channel, typed at human speed.",
				Parameters:  sendMessageSchema,
			},
			{
				Name:        domain.ToolFetchChannelMsgs,
				Description: "Fetch recent messages from any channel in the community.",
				Parameters:  fetchMessagesSchema,
			},
		},
		RouterType: a.routerType,
	}
}

// buildInstructions layers the community's personality, rules, information
// and reference-document excerpts over the base behavioral contract.
func buildInstructions(cfg domain.CommunityConfig) string {
	var sb strings.Builder
	sb.WriteString(baseInstructions)

	if cfg.Personality != "" {
		sb.WriteString("\n\nPersonality:\n")
		sb.WriteString(cfg.Personality)
	}
	if cfg.Rules != "" {
		sb.WriteString("\n\nRules:\n")
		sb.WriteString(cfg.Rules)
	}
	if cfg.Information != "" {
		sb.WriteString("\n\nBackground information:\n")
		sb.WriteString(cfg.Information)
	}
	if len(cfg.ReferenceDocuments) > 0 {
		sb.WriteString("\n\nReference documents:")
		for _, d := range cfg.ReferenceDocuments {
			sb.WriteString("\n- ")
			sb.WriteString(d.Name)
			sb.WriteString(": ")
			sb.WriteString(excerpt(d.Content))
		}
	}
	return sb.String()
}
