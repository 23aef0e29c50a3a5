package turn

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/zhouzirui/localchat/backend/internal/model/chat"
)

const maxTitleRunes = 40

// SystemPrompt returns the leading system message content for cfg.
func SystemPrompt(cfg chat.ModelConfig) string {
	if prompt := strings.TrimSpace(cfg.SystemPrompt); prompt != "" {
		return prompt
	}
	return fmt.Sprintf("You are %s.", cfg.Name)
}

// buildMessages prepends the system message and keeps at most limit turns of
// history. Stored system messages are dropped; limit <= 0 keeps everything.
func buildMessages(cfg chat.ModelConfig, history []chat.Message, limit int) []chat.Message {
	turns := make([]chat.Message, 0, len(history))
	for _, m := range history {
		if m.Role == chat.RoleUser || m.Role == chat.RoleAssistant {
			turns = append(turns, m)
		}
	}
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}

	out := make([]chat.Message, 0, len(turns)+1)
	out = append(out, chat.Message{Role: chat.RoleSystem, Content: SystemPrompt(cfg)})
	return append(out, turns...)
}

// titleFrom derives a conversation title from the first user message: its
// first line, cut to maxTitleRunes.
func titleFrom(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	line = strings.TrimSpace(line)
	if utf8.RuneCountInString(line) <= maxTitleRunes {
		return line
	}
	runes := []rune(line)
	return strings.TrimSpace(string(runes[:maxTitleRunes])) + "…"
}
