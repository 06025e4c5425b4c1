package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// slowDropThreshold 连续丢弃多少个事件后断开该订阅者。
const slowDropThreshold = 16

// Bus 单个会话的事件扇出。订阅者可随时加入/离开；迟到的订阅者
// 收不到历史事件（历史走 ConversationStore）。慢订阅者在有界缓冲
// 打满并连续丢弃达到阈值后被移除，不阻塞生产者和其他订阅者。
type Bus struct {
	mu         sync.RWMutex
	subs       map[string]*subscriber
	bufferSize int
	closed     bool
	logger     *zap.Logger
}

type subscriber struct {
	ch          chan Event
	consecDrops int
}

// NewBus 创建事件总线；bufferSize 是每订阅者的缓冲事件数。
func NewBus(bufferSize int, logger *zap.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:       make(map[string]*subscriber),
		bufferSize: bufferSize,
		logger:     logger.With(zap.String("component", "event_bus")),
	}
}

// Subscribe 注册订阅者，返回事件通道与订阅 ID。
// ctx 取消时自动退订。
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, b.bufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	b.subs[subID] = &subscriber{ch: ch}
	b.mu.Unlock()

	b.logger.Debug("subscriber added", zap.String("sub_id", subID))

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish 将事件发给所有订阅者。非阻塞：缓冲已满的订阅者本次丢弃；
// 连续丢弃达到阈值的订阅者被断开。
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || len(b.subs) == 0 {
		return
	}

	for id, sub := range b.subs {
		select {
		case sub.ch <- event:
			sub.consecDrops = 0
		default:
			sub.consecDrops++
			b.logger.Debug("dropped event for slow subscriber",
				zap.String("sub_id", id),
				zap.String("event", string(event.Type)))
			if sub.consecDrops >= slowDropThreshold {
				b.logger.Warn("evicting slow subscriber", zap.String("sub_id", id))
				delete(b.subs, id)
				close(sub.ch)
			}
		}
	}
}

// Unsubscribe 移除订阅并关闭其通道。
func (b *Bus) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[subID]
	if !ok {
		return
	}
	delete(b.subs, subID)
	close(sub.ch)
}

// SubscriberCount 返回当前订阅者数。
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close 关闭总线并断开所有订阅者。
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
