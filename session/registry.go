package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/choir/agent"
	"github.com/BaSui01/choir/scheduler"
	"github.com/BaSui01/choir/store"
	"github.com/BaSui01/choir/types"
)

// Metrics 编排器的可选指标挂钩；internal/metrics.Collector 实现它。
type Metrics interface {
	RecordTurn(status string, personas int, duration time.Duration)
	RecordReply(status string)
	RecordBusEvent(evType string)
	SetActiveBindings(n int)
}

// Config 编排器配置。
type Config struct {
	// LLMCallTimeout 单次 LLM 调用的墙钟超时
	LLMCallTimeout time.Duration
	// IdleEviction 空闲绑定驱逐时间
	IdleEviction time.Duration
	// MaxHistory 单次任务加载的最大历史条数
	MaxHistory int
	// QueueSize 每会话等待队列容量
	QueueSize int
	// SubscriberBuffer 每订阅者的事件缓冲
	SubscriberBuffer int
	// SeedFn 产生调度噪声种子；nil 时使用时钟
	SeedFn func() int64
	// Metrics 可选指标挂钩
	Metrics Metrics
}

func (c *Config) withDefaults() {
	if c.LLMCallTimeout <= 0 {
		c.LLMCallTimeout = 60 * time.Second
	}
	if c.IdleEviction <= 0 {
		c.IdleEviction = 30 * time.Minute
	}
	if c.MaxHistory <= 0 || c.MaxHistory > 128 {
		c.MaxHistory = 128
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 32
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 64
	}
	if c.SeedFn == nil {
		c.SeedFn = func() int64 { return time.Now().UnixNano() }
	}
}

// task 队列中的一个待处理任务。
type task struct {
	userMessage string
	targets     []string
}

// binding 一个会话的粘性运行时绑定：队列、总线、调度状态和已解析
// 的 persona runtime。进程内每会话同一时刻只有一个任务在处理。
type binding struct {
	sessionID  string
	owner      string
	userHandle string

	queue    chan task
	bus      *Bus
	state    *scheduler.State
	personas []store.Persona

	runtimesMu sync.Mutex
	runtimes   map[uint]*agent.Runtime

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	turnMu     sync.Mutex
	turnCancel context.CancelFunc

	busy       atomic.Bool
	lastActive atomic.Int64
}

func (b *binding) touch() {
	b.lastActive.Store(time.Now().UnixNano())
}

func (b *binding) idleSince() time.Time {
	return time.Unix(0, b.lastActive.Load())
}

func (b *binding) setTurnCancel(cancel context.CancelFunc) {
	b.turnMu.Lock()
	b.turnCancel = cancel
	b.turnMu.Unlock()
}

func (b *binding) cancelTurn() {
	b.turnMu.Lock()
	if b.turnCancel != nil {
		b.turnCancel()
	}
	b.turnMu.Unlock()
}

// Registry 是线程安全的会话编排器：会话 ID → 粘性绑定。
// 绑定在首条消息时构建，按空闲超时或显式删除销毁；跨副本的
// 粘性由外部负载均衡按会话 ID 路由保证。
type Registry struct {
	cfg      Config
	conv     *store.ConversationStore
	personas *store.PersonaStore
	factory  RuntimeFactory
	logger   *zap.Logger

	mu       sync.RWMutex
	bindings map[string]*binding
	group    singleflight.Group

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// NewRegistry 创建编排器。
func NewRegistry(cfg Config, conv *store.ConversationStore, personas *store.PersonaStore, factory RuntimeFactory, logger *zap.Logger) *Registry {
	cfg.withDefaults()
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:        cfg,
		conv:       conv,
		personas:   personas,
		factory:    factory,
		logger:     logger.With(zap.String("component", "orchestrator")),
		bindings:   make(map[string]*binding),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
}

// Enqueue 先把用户消息写入存储（立即对历史查询可见），再把任务放入
// 该会话的 FIFO 队列。入队成功即返回，不等待生成。
func (r *Registry) Enqueue(ctx context.Context, sessionID, content string, targets []string) (*store.ChatMessage, error) {
	if strings.TrimSpace(content) == "" {
		return nil, types.NewError(types.ErrValidation, "content is required")
	}

	session, err := r.conv.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := store.ValidateSessionID(session.ID, session.Username); err != nil {
		return nil, types.NewError(types.ErrInternal, "session id owner mismatch").WithCause(err)
	}

	msg, err := r.conv.AppendMessage(ctx, sessionID, session.UserHandle, content)
	if err != nil {
		return nil, err
	}

	b, err := r.bindingFor(ctx, session)
	if err != nil {
		return nil, err
	}

	r.publish(b, Event{
		Type:               EventMessageNew,
		SessionID:          sessionID,
		Sender:             msg.Sender,
		Content:            msg.Content,
		PersistedMessageID: msg.ID,
		Timestamp:          msg.CreatedAt,
	})

	select {
	case b.queue <- task{userMessage: content, targets: targets}:
	default:
		return nil, types.NewError(types.ErrRateLimited, "session queue is full")
	}
	b.touch()
	return msg, nil
}

// Subscribe 订阅会话的事件流；ctx 取消时自动退订。
func (r *Registry) Subscribe(ctx context.Context, sessionID string) (<-chan Event, error) {
	session, err := r.conv.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	b, err := r.bindingFor(ctx, session)
	if err != nil {
		return nil, err
	}
	ch, _ := b.bus.Subscribe(ctx)
	return ch, nil
}

// Close 销毁会话的绑定并取消进行中的回合。进行中的回复不会被持久化。
func (r *Registry) Close(sessionID string) {
	r.mu.Lock()
	b := r.bindings[sessionID]
	delete(r.bindings, sessionID)
	r.mu.Unlock()

	if b == nil {
		return
	}
	b.cancelTurn()
	b.cancel()
	b.bus.Close()
	r.updateBindingGauge()
	r.logger.Info("session binding closed", zap.String("session_id", sessionID))
}

func (r *Registry) updateBindingGauge() {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.SetActiveBindings(r.ActiveBindings())
	}
}

// Shutdown 关闭所有绑定。
func (r *Registry) Shutdown() {
	r.baseCancel()
	r.mu.Lock()
	bindings := make([]*binding, 0, len(r.bindings))
	for id, b := range r.bindings {
		bindings = append(bindings, b)
		delete(r.bindings, id)
	}
	r.mu.Unlock()

	for _, b := range bindings {
		b.cancelTurn()
		b.cancel()
		b.bus.Close()
	}
}

// StartJanitor 启动空闲绑定驱逐循环。
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.baseCtx.Done():
				return
			case <-ticker.C:
				r.evictIdle()
			}
		}
	}()
}

func (r *Registry) evictIdle() {
	cutoff := time.Now().Add(-r.cfg.IdleEviction)

	r.mu.Lock()
	var expired []*binding
	for id, b := range r.bindings {
		if b.busy.Load() || len(b.queue) > 0 {
			continue
		}
		if b.idleSince().After(cutoff) {
			continue
		}
		delete(r.bindings, id)
		expired = append(expired, b)
	}
	r.mu.Unlock()

	for _, b := range expired {
		b.cancel()
		b.bus.Close()
		r.logger.Info("idle session binding evicted", zap.String("session_id", b.sessionID))
	}
	if len(expired) > 0 {
		r.updateBindingGauge()
	}
}

// ActiveBindings 返回当前绑定数。
func (r *Registry) ActiveBindings() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

// bindingFor 返回（必要时构建）会话的粘性绑定。并发的首次构建
// 经 singleflight 合并。
func (r *Registry) bindingFor(ctx context.Context, session *store.Session) (*binding, error) {
	r.mu.RLock()
	if b, ok := r.bindings[session.ID]; ok {
		r.mu.RUnlock()
		return b, nil
	}
	r.mu.RUnlock()

	v, err, _ := r.group.Do(session.ID, func() (any, error) {
		r.mu.RLock()
		if b, ok := r.bindings[session.ID]; ok {
			r.mu.RUnlock()
			return b, nil
		}
		r.mu.RUnlock()

		personas, err := r.personas.ListPersonas(ctx, session.Username)
		if err != nil {
			return nil, err
		}

		bctx, cancel := context.WithCancel(r.baseCtx)
		b := &binding{
			sessionID:  session.ID,
			owner:      session.Username,
			userHandle: session.UserHandle,
			queue:      make(chan task, r.cfg.QueueSize),
			bus:        NewBus(r.cfg.SubscriberBuffer, r.logger),
			state:      scheduler.NewState(),
			personas:   personas,
			runtimes:   make(map[uint]*agent.Runtime),
			ctx:        bctx,
			cancel:     cancel,
			done:       make(chan struct{}),
		}
		b.touch()

		r.mu.Lock()
		r.bindings[session.ID] = b
		r.mu.Unlock()

		go r.worker(b)
		r.updateBindingGauge()
		r.logger.Info("session binding created",
			zap.String("session_id", session.ID),
			zap.Int("personas", len(personas)))
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*binding), nil
}

// worker 顺序处理一个会话的任务队列。
func (r *Registry) worker(b *binding) {
	defer close(b.done)
	for {
		select {
		case <-b.ctx.Done():
			return
		case t := <-b.queue:
			b.busy.Store(true)
			r.processTask(b, t)
			b.busy.Store(false)
			b.touch()
		}
	}
}

// processTask 执行一个回合：加载历史、运行调度器、顺序驱动每个
// 入选 persona 并把流式事件发布到总线。
func (r *Registry) processTask(b *binding, t task) {
	start := time.Now()
	status := "completed"
	personaCount := 0
	defer func() {
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.RecordTurn(status, personaCount, time.Since(start))
		}
	}()

	taskCtx := types.WithUsername(b.ctx, b.owner)
	taskCtx = types.WithSessionID(taskCtx, b.sessionID)

	history, err := r.conv.ListMessages(taskCtx, b.sessionID, r.cfg.MaxHistory)
	if err != nil {
		r.publish(b, Event{
			Type:      EventSystemError,
			SessionID: b.sessionID,
			Reason:    "failed to load history",
			Timestamp: time.Now(),
		})
		r.logger.Error("failed to load history",
			zap.String("session_id", b.sessionID), zap.Error(err))
		status = "error"
		return
	}
	// 触发消息在入队时已写入历史，对 runtime 单独传递；它是历史中最新一条时
	// 从历史里去掉。其后已有新消息落库时它留在历史中，与单独传递的触发消息重复出现
	if n := len(history); n > 0 && history[n-1].Sender == b.userHandle && history[n-1].Content == t.userMessage {
		history = history[:n-1]
	}

	infos := make([]scheduler.PersonaInfo, 0, len(b.personas))
	for _, p := range b.personas {
		infos = append(infos, scheduler.PersonaInfo{
			ID:               p.ID,
			Handle:           p.Handle,
			Proactivity:      p.Proactivity,
			MaxAgentsPerTurn: p.MaxAgentsPerTurn,
			IsDefault:        p.IsDefault,
		})
	}
	selected := scheduler.NextTurn(infos, b.state, scheduler.Input{
		Message:        t.userMessage,
		IsUserMessage:  true,
		TargetPersonas: t.targets,
		Seed:           r.cfg.SeedFn(),
	})
	personaCount = len(selected)
	if len(selected) == 0 {
		r.logger.Debug("no persona selected for turn", zap.String("session_id", b.sessionID))
		status = "no_speakers"
		return
	}

	for _, info := range selected {
		if b.ctx.Err() != nil {
			status = "cancelled"
			return
		}
		persona := b.findPersona(info.ID)
		if persona == nil {
			continue
		}
		if !r.runPersona(b, taskCtx, persona, t, &history) {
			status = "cancelled"
			return
		}
	}
}

// runPersona 驱动一个 persona 的完整流式回复。
// 返回 false 表示回合被取消，不再继续后续 persona。
func (r *Registry) runPersona(b *binding, taskCtx context.Context, persona *store.Persona, t task, history *[]store.ChatMessage) bool {
	messageID := agentMessageID(persona.Handle)

	r.publish(b, Event{
		Type:      EventAgentStart,
		SessionID: b.sessionID,
		MessageID: messageID,
		Sender:    persona.Handle,
		Timestamp: time.Now(),
	})

	turnCtx, cancel := context.WithTimeout(taskCtx, r.cfg.LLMCallTimeout)
	turnCtx = types.WithPersonaID(turnCtx, persona.ID)
	b.setTurnCancel(cancel)
	defer func() {
		cancel()
		b.setTurnCancel(nil)
	}()

	rt, err := r.runtimeFor(turnCtx, b, persona)
	if err != nil {
		r.publish(b, Event{
			Type:      EventAgentError,
			SessionID: b.sessionID,
			MessageID: messageID,
			Sender:    persona.Handle,
			Reason:    err.Error(),
			Timestamp: time.Now(),
		})
		r.logger.Warn("failed to build runtime",
			zap.String("session_id", b.sessionID),
			zap.String("persona", persona.Handle),
			zap.Error(err))
		return true
	}

	mode := agent.ModeDirect
	if persona.EmbeddingProfileID != 0 {
		mode = agent.ModeRetrieval
	}

	deltas := rt.Invoke(turnCtx, agent.InvokeRequest{
		History:     *history,
		UserSender:  b.userHandle,
		UserMessage: t.userMessage,
		Mode:        mode,
	})

	for delta := range deltas {
		if !delta.Final {
			r.publish(b, Event{
				Type:      EventAgentChunk,
				SessionID: b.sessionID,
				MessageID: messageID,
				Sender:    persona.Handle,
				Content:   delta.Content,
			})
			continue
		}

		switch {
		case delta.Err == nil:
			r.finishReply(b, persona, messageID, delta.Text, history)
		case delta.Err.Code == types.ErrCancelled:
			// 取消：关闭流，不持久化，partial 文本不进事件
			r.publish(b, Event{
				Type:      EventAgentEnd,
				SessionID: b.sessionID,
				MessageID: messageID,
				Sender:    persona.Handle,
				Timestamp: time.Now(),
			})
			r.recordReply("cancelled")
			return false
		default:
			// 错误：不持久化，继续本回合的下一个 persona
			r.publish(b, Event{
				Type:      EventAgentError,
				SessionID: b.sessionID,
				MessageID: messageID,
				Sender:    persona.Handle,
				Reason:    delta.Err.Message,
				Timestamp: time.Now(),
			})
			r.logger.Warn("persona reply failed",
				zap.String("session_id", b.sessionID),
				zap.String("persona", persona.Handle),
				zap.String("code", string(delta.Err.Code)))
			r.recordReply("error")
		}
	}
	return true
}

// finishReply 持久化拼接后的回复并发布 agent.end。
// 持久化在流式热路径之外，提交发生在终结事件时。
func (r *Registry) finishReply(b *binding, persona *store.Persona, messageID, text string, history *[]store.ChatMessage) {
	event := Event{
		Type:      EventAgentEnd,
		SessionID: b.sessionID,
		MessageID: messageID,
		Sender:    persona.Handle,
		Content:   text,
		Timestamp: time.Now(),
	}
	if text != "" {
		persistCtx := types.WithUsername(context.Background(), b.owner)
		msg, err := r.conv.AppendMessage(persistCtx, b.sessionID, persona.Handle, text)
		if err != nil {
			r.logger.Error("failed to persist reply",
				zap.String("session_id", b.sessionID),
				zap.String("persona", persona.Handle),
				zap.Error(err))
			r.publish(b, Event{
				Type:      EventAgentError,
				SessionID: b.sessionID,
				MessageID: messageID,
				Sender:    persona.Handle,
				Reason:    "failed to persist reply",
				Timestamp: time.Now(),
			})
			r.recordReply("error")
			return
		}
		event.PersistedMessageID = msg.ID
		*history = append(*history, *msg)
		r.recordReply("persisted")
	} else {
		r.recordReply("empty")
	}
	r.publish(b, event)
}

func (r *Registry) recordReply(status string) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordReply(status)
	}
}

// runtimeFor 惰性构造并缓存 persona runtime（绑定内粘性复用）。
func (r *Registry) runtimeFor(ctx context.Context, b *binding, persona *store.Persona) (*agent.Runtime, error) {
	b.runtimesMu.Lock()
	defer b.runtimesMu.Unlock()

	if rt, ok := b.runtimes[persona.ID]; ok {
		return rt, nil
	}
	rt, err := r.factory.RuntimeFor(ctx, persona)
	if err != nil {
		return nil, err
	}
	b.runtimes[persona.ID] = rt
	return rt, nil
}

func (b *binding) findPersona(id uint) *store.Persona {
	for i := range b.personas {
		if b.personas[i].ID == id {
			return &b.personas[i]
		}
	}
	return nil
}

// publish 发布事件并记录指标。
func (r *Registry) publish(b *binding, event Event) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordBusEvent(string(event.Type))
	}
	b.bus.Publish(event)
}

// agentMessageID 生成回复消息的流式标识：{handle}_{8hex}。
func agentMessageID(sender string) string {
	normalized := strings.ToLower(sender)
	var sb strings.Builder
	for _, r := range normalized {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('_')
		}
	}
	safe := strings.Trim(sb.String(), "_")
	if safe == "" {
		safe = "agent"
	}
	return fmt.Sprintf("%s_%s", safe, uuid.New().String()[:8])
}
