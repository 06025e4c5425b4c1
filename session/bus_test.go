package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBus_DeliversInOrder(t *testing.T) {
	t.Parallel()

	bus := NewBus(64, zap.NewNop())
	defer bus.Close()

	ch, _ := bus.Subscribe(context.Background())

	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: EventAgentChunk, Content: fmt.Sprintf("c%d", i)})
	}

	for i := 0; i < 10; i++ {
		select {
		case ev := <-ch:
			assert.Equal(t, fmt.Sprintf("c%d", i), ev.Content)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestBus_LateSubscriberGetsNoReplay(t *testing.T) {
	t.Parallel()

	bus := NewBus(8, zap.NewNop())
	defer bus.Close()

	bus.Publish(Event{Type: EventAgentChunk, Content: "early"})

	ch, _ := bus.Subscribe(context.Background())
	select {
	case ev := <-ch:
		t.Fatalf("late subscriber received replayed event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_SlowSubscriberDropped(t *testing.T) {
	t.Parallel()

	bus := NewBus(2, zap.NewNop())
	defer bus.Close()

	slow, _ := bus.Subscribe(context.Background())
	fast, _ := bus.Subscribe(context.Background())

	// slow 不消费：缓冲 2 + 阈值 16 次连续丢弃后被断开；
	// fast 在每次发布后立即取走事件，缓冲从不打满
	total := 2 + slowDropThreshold + 4
	for i := 0; i < total; i++ {
		bus.Publish(Event{Type: EventAgentChunk, Content: fmt.Sprintf("c%d", i)})
		select {
		case <-fast:
		case <-time.After(time.Second):
			t.Fatalf("fast subscriber did not receive event %d", i)
		}
	}

	require.Eventually(t, func() bool {
		return bus.SubscriberCount() == 1
	}, time.Second, 10*time.Millisecond, "slow subscriber should be evicted")

	// 被驱逐的订阅者的通道被关闭（缓冲里的事件仍可读完）
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-slow:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("slow subscriber channel never closed")
		}
	}
}

func TestBus_UnsubscribeViaContext(t *testing.T) {
	t.Parallel()

	bus := NewBus(8, zap.NewNop())
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := bus.Subscribe(ctx)
	require.Equal(t, 1, bus.SubscriberCount())

	cancel()
	require.Eventually(t, func() bool {
		return bus.SubscriberCount() == 0
	}, time.Second, 10*time.Millisecond)

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestBus_CloseDisconnectsAll(t *testing.T) {
	t.Parallel()

	bus := NewBus(8, zap.NewNop())
	a, _ := bus.Subscribe(context.Background())
	b, _ := bus.Subscribe(context.Background())

	bus.Close()

	_, okA := <-a
	_, okB := <-b
	assert.False(t, okA)
	assert.False(t, okB)

	// 关闭后的发布与订阅是安全的空操作
	bus.Publish(Event{Type: EventAgentChunk})
	ch, _ := bus.Subscribe(context.Background())
	_, ok := <-ch
	assert.False(t, ok)
}
