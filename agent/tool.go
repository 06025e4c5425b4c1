package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BaSui01/choir/rag"
	"github.com/BaSui01/choir/types"
)

// Tool 是绑定到一次调用的 LLM 工具：名称、输入 JSON-Schema 和处理器。
// 工具按调用绑定，不依赖任何全局注册表。
type Tool interface {
	Name() string
	Schema() types.ToolSchema
	Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// Searcher 检索 persona 私有知识库。
type Searcher interface {
	Search(ctx context.Context, owner string, personaID uint, query string, topK int) ([]rag.Passage, error)
}

// RetrievalTool 把 C3 检索暴露为单个 LLM 工具。
// owner 和 persona 从调用上下文读取，不出现在 LLM 可见的参数里，
// 因此模型无法冒充其他租户。
type RetrievalTool struct {
	searcher Searcher
	topK     int
}

// NewRetrievalTool 创建检索工具。
func NewRetrievalTool(searcher Searcher, topK int) *RetrievalTool {
	if topK <= 0 {
		topK = 3
	}
	return &RetrievalTool{searcher: searcher, topK: topK}
}

// Name 返回工具名。
func (t *RetrievalTool) Name() string { return "search_knowledge" }

// Schema 返回工具的输入 JSON-Schema。
func (t *RetrievalTool) Schema() types.ToolSchema {
	return types.ToolSchema{
		Name:        t.Name(),
		Description: "Search this persona's private background knowledge. Given a natural-language query, returns up to k relevant passages.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "natural-language search query"}
			},
			"required": ["query"]
		}`),
	}
}

// Execute 解析查询并检索当前上下文绑定的 persona 集合。
func (t *RetrievalTool) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var input struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	if strings.TrimSpace(input.Query) == "" {
		return nil, fmt.Errorf("query is required")
	}

	owner, ok := types.Username(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant bound to invocation context")
	}
	personaID, ok := types.PersonaID(ctx)
	if !ok {
		return nil, fmt.Errorf("no persona bound to invocation context")
	}

	passages, err := t.searcher.Search(ctx, owner, personaID, input.Query, t.topK)
	if err != nil {
		return nil, err
	}

	return json.Marshal(struct {
		Passages []rag.Passage `json:"passages"`
	}{Passages: passages})
}
