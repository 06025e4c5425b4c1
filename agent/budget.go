package agent

import (
	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/BaSui01/choir/store"
)

// TokenBudget 用 tiktoken 估算提示词 token 数并裁剪历史。
// tokenizer 不可用时回退到字符估算（约 4 字符一个 token）。
type TokenBudget struct {
	encoding *tiktoken.Tiktoken
	// MaxPromptTokens 提示词总预算
	MaxPromptTokens int
	logger          *zap.Logger
}

// NewTokenBudget 创建预算估算器；model 指定 tiktoken 模型（如 "gpt-4o"）。
func NewTokenBudget(model string, maxPromptTokens int, logger *zap.Logger) *TokenBudget {
	if maxPromptTokens <= 0 {
		maxPromptTokens = 8192
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		logger.Warn("tiktoken model not found, falling back to character estimate",
			zap.String("model", model), zap.Error(err))
		encoding = nil
	}
	return &TokenBudget{
		encoding:        encoding,
		MaxPromptTokens: maxPromptTokens,
		logger:          logger,
	}
}

// CountTokens 返回文本的 token 估算。
func (b *TokenBudget) CountTokens(text string) int {
	if b.encoding != nil {
		return len(b.encoding.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// TrimHistory 从最旧一端丢弃历史，使系统提示 + 历史不超过预算。
func (b *TokenBudget) TrimHistory(systemPrompt string, history []store.ChatMessage) []store.ChatMessage {
	used := b.CountTokens(systemPrompt)
	kept := make([]store.ChatMessage, 0, len(history))

	// 从最新往回保留
	for i := len(history) - 1; i >= 0; i-- {
		cost := b.CountTokens(history[i].Sender) + b.CountTokens(history[i].Content) + 4
		if used+cost > b.MaxPromptTokens {
			break
		}
		used += cost
		kept = append(kept, history[i])
	}

	// 反转回时间升序
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	if len(kept) < len(history) {
		b.logger.Debug("history trimmed to token budget",
			zap.Int("kept", len(kept)),
			zap.Int("dropped", len(history)-len(kept)))
	}
	return kept
}
