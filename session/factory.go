package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/choir/agent"
	"github.com/BaSui01/choir/llm"
	"github.com/BaSui01/choir/store"
)

// RuntimeFactory 为一个 persona 构造已解析好 LLM 客户端的 runtime。
// 解密的 API 密钥只在构造帧内经手，随后只存在于 HTTP 客户端配置中。
type RuntimeFactory interface {
	RuntimeFor(ctx context.Context, persona *store.Persona) (*agent.Runtime, error)
}

// DefaultRuntimeFactory 基于 PersonaStore 解析配置并构造 OpenAI 兼容客户端。
type DefaultRuntimeFactory struct {
	personas    *store.PersonaStore
	searcher    agent.Searcher
	budget      *agent.TokenBudget
	callTimeout time.Duration
	topK        int
	logger      *zap.Logger
}

// NewDefaultRuntimeFactory 创建默认工厂。
func NewDefaultRuntimeFactory(personas *store.PersonaStore, searcher agent.Searcher, budget *agent.TokenBudget, callTimeout time.Duration, topK int, logger *zap.Logger) *DefaultRuntimeFactory {
	if callTimeout <= 0 {
		callTimeout = 60 * time.Second
	}
	return &DefaultRuntimeFactory{
		personas:    personas,
		searcher:    searcher,
		budget:      budget,
		callTimeout: callTimeout,
		topK:        topK,
		logger:      logger,
	}
}

// RuntimeFor 解析 persona 的 LLM 配置并装配 runtime。
func (f *DefaultRuntimeFactory) RuntimeFor(ctx context.Context, persona *store.Persona) (*agent.Runtime, error) {
	cfg, err := f.personas.ResolveLLMConfig(ctx, persona)
	if err != nil {
		return nil, err
	}

	provider := llm.NewOpenAIProvider(llm.Config{
		ProviderName: persona.Handle,
		APIKey:       cfg.APIKey,
		BaseURL:      cfg.BaseURL,
		DefaultModel: cfg.Model,
		// HTTP 客户端超时要宽于单次调用的 ctx 期限，期限由编排器控制
		Timeout: f.callTimeout + 30*time.Second,
	}, f.logger)

	var tools []agent.Tool
	if f.searcher != nil {
		tools = append(tools, agent.NewRetrievalTool(f.searcher, f.topK))
	}

	return agent.NewRuntime(persona, provider, agent.RuntimeConfig{
		Temperature: cfg.Temperature,
		Tools:       tools,
		Budget:      f.budget,
	}, f.logger), nil
}
