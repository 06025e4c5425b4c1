package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/choir/store"
)

func newTestCache(t *testing.T) (*HistoryCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := NewHistoryCache(Config{Addr: mr.Addr(), TTL: time.Minute}, nil, zap.NewNop())
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestHistoryCache_RoundTrip(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)
	ctx := context.Background()

	msgs := []store.ChatMessage{
		{ID: 1, SessionID: "sess_a_00000000", Position: 1, Sender: "user", Content: "hi"},
		{ID: 2, SessionID: "sess_a_00000000", Position: 2, Sender: "bot", Content: "hello"},
	}

	_, ok := c.GetMessages(ctx, "sess_a_00000000", 10)
	assert.False(t, ok, "cold cache must miss")

	c.SetMessages(ctx, "sess_a_00000000", 10, msgs)

	cached, ok := c.GetMessages(ctx, "sess_a_00000000", 10)
	require.True(t, ok)
	require.Len(t, cached, 2)
	assert.Equal(t, "hello", cached[1].Content)
}

func TestHistoryCache_LimitIsPartOfKey(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.SetMessages(ctx, "sess_a_00000000", 10, []store.ChatMessage{{ID: 1, Content: "x"}})

	_, ok := c.GetMessages(ctx, "sess_a_00000000", 5)
	assert.False(t, ok, "different limit must not hit")
}

func TestHistoryCache_InvalidateClearsAllLimits(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.SetMessages(ctx, "sess_a_00000000", 10, []store.ChatMessage{{ID: 1}})
	c.SetMessages(ctx, "sess_a_00000000", 20, []store.ChatMessage{{ID: 1}})
	c.SetMessages(ctx, "sess_b_00000000", 10, []store.ChatMessage{{ID: 2}})

	c.Invalidate(ctx, "sess_a_00000000")

	_, ok := c.GetMessages(ctx, "sess_a_00000000", 10)
	assert.False(t, ok)
	_, ok = c.GetMessages(ctx, "sess_a_00000000", 20)
	assert.False(t, ok)
	_, ok = c.GetMessages(ctx, "sess_b_00000000", 10)
	assert.True(t, ok, "other sessions must be untouched")
}

func TestHistoryCache_TTLExpiry(t *testing.T) {
	t.Parallel()
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.SetMessages(ctx, "sess_a_00000000", 10, []store.ChatMessage{{ID: 1}})
	mr.FastForward(2 * time.Minute)

	_, ok := c.GetMessages(ctx, "sess_a_00000000", 10)
	assert.False(t, ok)
}
