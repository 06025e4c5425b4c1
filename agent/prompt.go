package agent

import (
	"fmt"
	"strings"

	"github.com/BaSui01/choir/rag"
	"github.com/BaSui01/choir/store"
	"github.com/BaSui01/choir/types"
)

// groupChatRules 群聊行为约束，附加在每个 persona 的系统提示之后。
const groupChatRules = `You are taking part in a free-form group chat with a human user and other personas. Rules:
- This is a natural conversation, not question-and-answer. React to others' points, raise your own, or stay brief.
- You may address another participant with @handle.
- Speak when you are mentioned, when the topic touches your expertise, or when you have something genuinely new to add.
- Stay in character at all times. Keep replies conversational; short is fine.`

// BuildSystemPrompt 组装系统消息：persona 提示 + 语气 + 群聊规则 +
// 可选的内联检索段落。
func BuildSystemPrompt(persona *store.Persona, passages []rag.Passage) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("You are %s.\n", persona.DisplayName))
	b.WriteString(persona.SystemPrompt)
	if persona.Tone != "" {
		b.WriteString(fmt.Sprintf("\nTone: %s.", persona.Tone))
	}
	b.WriteString("\n\n")
	b.WriteString(groupChatRules)

	if len(passages) > 0 {
		b.WriteString("\n\nBackground knowledge relevant to the current conversation. Use it naturally when replying:\n")
		for _, p := range passages {
			b.WriteString(fmt.Sprintf("[%s] %s\n---\n", p.Source, p.Text))
		}
	}
	return b.String()
}

// BuildMessages 组装发给 LLM 的完整消息序列：
// 系统消息、最近 memory_window 条历史（渲染为 "{sender}: {content}"）、
// 触发消息。历史超出 token 预算时从最旧一端截断。
func BuildMessages(persona *store.Persona, systemPrompt string, history []store.ChatMessage, userSender, userMessage string, budget *TokenBudget) []types.Message {
	msgs := make([]types.Message, 0, len(history)+2)
	msgs = append(msgs, types.NewSystemMessage(systemPrompt))

	window := history
	if persona.MemoryWindow > 0 && len(window) > persona.MemoryWindow {
		window = window[len(window)-persona.MemoryWindow:]
	}
	if budget != nil {
		window = budget.TrimHistory(systemPrompt, window)
	}
	for _, m := range window {
		msgs = append(msgs, types.NewUserMessage(fmt.Sprintf("%s: %s", m.Sender, m.Content)))
	}

	if userMessage != "" {
		msgs = append(msgs, types.NewUserMessage(fmt.Sprintf("[%s just said]: %s\n\nIt is your turn to speak.", userSender, userMessage)))
	}
	return msgs
}
