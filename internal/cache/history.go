// Package cache provides an internal Redis-backed read-through cache for
// recent session history. This package is internal and should not be
// imported by external projects.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/choir/store"
)

// =============================================================================
// 💾 历史缓存
// =============================================================================

// Config 缓存配置
type Config struct {
	// Redis 地址
	Addr string `yaml:"addr" json:"addr"`

	// 密码
	Password string `yaml:"password" json:"password"`

	// 数据库编号
	DB int `yaml:"db" json:"db"`

	// 过期时间
	TTL time.Duration `yaml:"ttl" json:"ttl"`
}

// Recorder 缓存命中/未命中指标挂钩
type Recorder interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

// HistoryCache 实现 store.HistoryCache，键按 (session, limit) 区分。
type HistoryCache struct {
	client   *redis.Client
	ttl      time.Duration
	recorder Recorder
	logger   *zap.Logger
}

// NewHistoryCache 创建历史缓存。
func NewHistoryCache(cfg Config, recorder Recorder, logger *zap.Logger) *HistoryCache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &HistoryCache{
		client:   client,
		ttl:      ttl,
		recorder: recorder,
		logger:   logger.With(zap.String("component", "history_cache")),
	}
}

// Ping 检查 Redis 连接。
func (c *HistoryCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close 关闭 Redis 连接。
func (c *HistoryCache) Close() error {
	return c.client.Close()
}

func historyKey(sessionID string, limit int) string {
	return fmt.Sprintf("choir:history:%s:%d", sessionID, limit)
}

func indexKey(sessionID string) string {
	return fmt.Sprintf("choir:history_keys:%s", sessionID)
}

// GetMessages 读取缓存的历史。
func (c *HistoryCache) GetMessages(ctx context.Context, sessionID string, limit int) ([]store.ChatMessage, bool) {
	raw, err := c.client.Get(ctx, historyKey(sessionID, limit)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("cache read failed", zap.Error(err))
		}
		if c.recorder != nil {
			c.recorder.RecordCacheMiss("history")
		}
		return nil, false
	}

	var msgs []store.ChatMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		c.logger.Warn("cache entry corrupt, dropping", zap.Error(err))
		c.client.Del(ctx, historyKey(sessionID, limit))
		if c.recorder != nil {
			c.recorder.RecordCacheMiss("history")
		}
		return nil, false
	}
	if c.recorder != nil {
		c.recorder.RecordCacheHit("history")
	}
	return msgs, true
}

// SetMessages 写入缓存，并把键登记到会话的键索引（便于整体失效）。
func (c *HistoryCache) SetMessages(ctx context.Context, sessionID string, limit int, msgs []store.ChatMessage) {
	raw, err := json.Marshal(msgs)
	if err != nil {
		return
	}
	key := historyKey(sessionID, limit)
	pipe := c.client.Pipeline()
	pipe.Set(ctx, key, raw, c.ttl)
	pipe.SAdd(ctx, indexKey(sessionID), key)
	pipe.Expire(ctx, indexKey(sessionID), c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("cache write failed", zap.Error(err))
	}
}

// Invalidate 使会话的全部缓存键失效。
func (c *HistoryCache) Invalidate(ctx context.Context, sessionID string) {
	keys, err := c.client.SMembers(ctx, indexKey(sessionID)).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("cache invalidate lookup failed", zap.Error(err))
		}
		return
	}
	keys = append(keys, indexKey(sessionID))
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("cache invalidate failed", zap.Error(err))
	}
}
