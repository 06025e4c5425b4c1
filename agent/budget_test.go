package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/BaSui01/choir/store"
)

func TestTokenBudget_TrimsOldestFirst(t *testing.T) {
	t.Parallel()

	budget := NewTokenBudget("gpt-4o", 60, zap.NewNop())

	long := strings.Repeat("word ", 40)
	history := []store.ChatMessage{
		{Sender: "user", Content: long},
		{Sender: "sage", Content: "short reply"},
		{Sender: "user", Content: "another short one"},
	}

	kept := budget.TrimHistory("system prompt", history)
	assert.NotEmpty(t, kept)
	assert.Less(t, len(kept), len(history), "oversized history must be trimmed")
	// 保留的是最新的
	assert.Equal(t, "another short one", kept[len(kept)-1].Content)
}

func TestTokenBudget_KeepsSmallHistory(t *testing.T) {
	t.Parallel()

	budget := NewTokenBudget("gpt-4o", 8192, zap.NewNop())
	history := []store.ChatMessage{
		{Sender: "user", Content: "hi"},
		{Sender: "sage", Content: "hello"},
	}
	kept := budget.TrimHistory("system", history)
	assert.Len(t, kept, 2)
	assert.Equal(t, "hi", kept[0].Content)
}

func TestTokenBudget_FallbackOnUnknownModel(t *testing.T) {
	t.Parallel()

	budget := NewTokenBudget("no-such-model-xyz", 100, zap.NewNop())
	assert.Greater(t, budget.CountTokens("some reasonably long text here"), 0)
}
