package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/choir/llm"
	"github.com/BaSui01/choir/rag"
	"github.com/BaSui01/choir/store"
	"github.com/BaSui01/choir/types"
)

// Mode 决定检索如何参与回复。
type Mode string

const (
	// ModeDirect 不向 LLM 暴露工具；有知识库时检索结果内联进系统提示
	ModeDirect Mode = "direct"
	// ModeRetrieval 暴露 search_knowledge 工具，由 LLM 决定何时检索
	ModeRetrieval Mode = "retrieval"
)

// maxToolRounds 工具调用回合上限，防止模型循环调用
const maxToolRounds = 4

// InvokeRequest 一次 persona 回复请求。
type InvokeRequest struct {
	History     []store.ChatMessage
	UserSender  string
	UserMessage string
	Mode        Mode
	// InlinePassages direct 模式下内联进系统提示的检索段落
	InlinePassages []rag.Passage
}

// Delta 流式回复的一个事件。非终结事件只带 Content；
// 终结事件带完整拼接文本或错误。
type Delta struct {
	Content string
	Final   bool
	Text    string
	Err     *types.Error
}

// RuntimeConfig Runtime 的装配参数。
type RuntimeConfig struct {
	Temperature float32
	Tools       []Tool
	Budget      *TokenBudget
}

// Runtime 绑定一个 persona 与其已解析的 LLM 配置，产出流式回复。
type Runtime struct {
	persona     *store.Persona
	provider    llm.Provider
	temperature float32
	tools       []Tool
	budget      *TokenBudget
	logger      *zap.Logger
}

// NewRuntime 创建 persona runtime。
func NewRuntime(persona *store.Persona, provider llm.Provider, cfg RuntimeConfig, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{
		persona:     persona,
		provider:    provider,
		temperature: cfg.Temperature,
		tools:       cfg.Tools,
		budget:      cfg.Budget,
		logger: logger.With(
			zap.String("component", "persona_runtime"),
			zap.String("persona", persona.Handle)),
	}
}

// Persona 返回绑定的 persona。
func (r *Runtime) Persona() *store.Persona { return r.persona }

// Invoke 流式生成回复。块按生成顺序到达；通道以一个终结事件收尾后关闭。
// 取消通过 ctx 协作传播：调用方取消后生成尽快停止。
func (r *Runtime) Invoke(ctx context.Context, req InvokeRequest) <-chan Delta {
	out := make(chan Delta)
	go func() {
		defer close(out)
		r.run(ctx, req, out)
	}()
	return out
}

func (r *Runtime) run(ctx context.Context, req InvokeRequest, out chan<- Delta) {
	var toolSchemas []types.ToolSchema
	if req.Mode == ModeRetrieval {
		for _, t := range r.tools {
			toolSchemas = append(toolSchemas, t.Schema())
		}
	}

	var inline []rag.Passage
	if req.Mode == ModeDirect {
		inline = req.InlinePassages
	}
	systemPrompt := BuildSystemPrompt(r.persona, inline)
	messages := BuildMessages(r.persona, systemPrompt, req.History, req.UserSender, req.UserMessage, r.budget)

	var assembled strings.Builder

	for round := 0; round < maxToolRounds; round++ {
		chatReq := &llm.ChatRequest{
			Messages:    messages,
			Temperature: r.temperature,
			Tools:       toolSchemas,
		}

		stream, err := r.provider.Stream(ctx, chatReq)
		if err != nil {
			r.emitTerminal(ctx, out, assembled.String(), asTypedError(ctx, err))
			return
		}

		toolCalls, streamErr := r.consume(ctx, stream, &assembled, out)
		if streamErr != nil {
			r.emitTerminal(ctx, out, assembled.String(), streamErr)
			return
		}

		if len(toolCalls) == 0 {
			r.emitTerminal(ctx, out, assembled.String(), nil)
			return
		}

		// 工具回合：执行调用并把结果拼回消息序列
		assistant := types.Message{Role: types.RoleAssistant, ToolCalls: toolCalls}
		messages = append(messages, assistant)
		for _, tc := range toolCalls {
			result := r.executeTool(ctx, tc)
			messages = append(messages, result.ToMessage())
		}
	}

	r.emitTerminal(ctx, out, assembled.String(),
		types.NewError(types.ErrUpstream, "tool call limit exceeded").WithProvider(r.provider.Name()))
}

// consume 读取一个流直到关闭，转发文本块并聚合工具调用增量。
func (r *Runtime) consume(ctx context.Context, stream <-chan llm.StreamChunk, assembled *strings.Builder, out chan<- Delta) ([]types.ToolCall, *types.Error) {
	var calls []types.ToolCall

	for {
		select {
		case <-ctx.Done():
			return nil, cancelError(ctx)
		case chunk, ok := <-stream:
			if !ok {
				// 流被取消关闭与正常收尾在 select 上可能竞争
				if ctx.Err() != nil {
					return nil, cancelError(ctx)
				}
				return finalizeToolCalls(calls), nil
			}
			if chunk.Err != nil {
				return nil, asTypedError(ctx, chunk.Err)
			}
			if chunk.Delta.Content != "" {
				assembled.WriteString(chunk.Delta.Content)
				select {
				case <-ctx.Done():
					return nil, cancelError(ctx)
				case out <- Delta{Content: chunk.Delta.Content}:
				}
			}
			// 流式工具调用增量：带 ID 的开启新调用，后续增量拼接参数
			for _, tc := range chunk.Delta.ToolCalls {
				if tc.ID != "" || len(calls) == 0 {
					calls = append(calls, types.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: append(json.RawMessage(nil), tc.Arguments...)})
				} else {
					last := &calls[len(calls)-1]
					if tc.Name != "" && last.Name == "" {
						last.Name = tc.Name
					}
					last.Arguments = append(last.Arguments, tc.Arguments...)
				}
			}
		}
	}
}

func (r *Runtime) executeTool(ctx context.Context, tc types.ToolCall) types.ToolResult {
	start := time.Now()
	for _, t := range r.tools {
		if t.Name() != tc.Name {
			continue
		}
		result, err := t.Execute(ctx, tc.Arguments)
		tr := types.ToolResult{
			ToolCallID: tc.ID,
			Name:       tc.Name,
			Result:     result,
			Duration:   time.Since(start),
		}
		if err != nil {
			tr.Error = err.Error()
			r.logger.Warn("tool execution failed",
				zap.String("tool", tc.Name),
				zap.Error(err))
		}
		return tr
	}
	return types.ToolResult{
		ToolCallID: tc.ID,
		Name:       tc.Name,
		Error:      "unknown tool: " + tc.Name,
		Duration:   time.Since(start),
	}
}

// emitTerminal 发送终结事件；调用方消失时放弃而不阻塞。
func (r *Runtime) emitTerminal(ctx context.Context, out chan<- Delta, text string, err *types.Error) {
	final := Delta{Final: true, Text: text, Err: err}
	select {
	case out <- final:
	case <-ctx.Done():
		select {
		case out <- final:
		case <-time.After(time.Second):
		}
	}
}

func cancelError(ctx context.Context) *types.Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.NewError(types.ErrUpstreamTimeout, "llm call deadline exceeded")
	}
	return types.NewError(types.ErrCancelled, "generation cancelled")
}

// asTypedError 归一化上游错误；调用期限超时归类为 UPSTREAM_TIMEOUT。
func asTypedError(ctx context.Context, err error) *types.Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.NewError(types.ErrUpstreamTimeout, "llm call deadline exceeded").WithCause(err)
	}
	var typed *types.Error
	if errors.As(err, &typed) {
		return typed
	}
	return types.NewError(types.ErrUpstream, err.Error()).WithCause(err)
}

// finalizeToolCalls 丢弃没有名字的残缺调用。
func finalizeToolCalls(calls []types.ToolCall) []types.ToolCall {
	out := calls[:0]
	for _, c := range calls {
		if c.Name != "" {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
