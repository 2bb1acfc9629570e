package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/qa-bot/backend/internal/config"
)

// contextRules are appended to every system prompt.
var contextRules = []string{
	"Answer the user's question directly; keep the answer focused on what was asked.",
	"Use earlier turns of the conversation when the question refers back to them.",
	"Format code and lists with Markdown.",
	"Say so plainly when you do not know the answer.",
}

// BuildSystemPrompt creates the system prompt for the configured assistant.
func BuildSystemPrompt(profile config.AssistantProfile) string {
	name := strings.TrimSpace(profile.Name)
	if name == "" {
		name = config.DefaultAssistantName
	}

	var builder strings.Builder
	fmt.Fprintf(&builder, "You are %s, a question-answering assistant.", name)

	if tone := strings.TrimSpace(profile.Tone); tone != "" {
		fmt.Fprintf(&builder, "\nTone: %s.", tone)
	}
	if hint := strings.TrimSpace(profile.Hint); hint != "" {
		builder.WriteString("\n")
		builder.WriteString(hint)
	}

	builder.WriteString("\n\nRules:\n- ")
	builder.WriteString(strings.Join(contextRules, "\n- "))
	return builder.String()
}
