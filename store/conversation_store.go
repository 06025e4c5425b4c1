package store

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/choir/types"
)

// ConversationStore 持久化会话与会话内全序消息日志。
type ConversationStore struct {
	db     *gorm.DB
	cache  HistoryCache
	logger *zap.Logger
}

// NewConversationStore 创建 ConversationStore。
func NewConversationStore(db *gorm.DB, logger *zap.Logger) *ConversationStore {
	return &ConversationStore{
		db:     db,
		logger: logger.With(zap.String("component", "conversation_store")),
	}
}

// WithCache 挂接最近历史的读穿缓存；追加与删除时失效。
func (s *ConversationStore) WithCache(cache HistoryCache) *ConversationStore {
	s.cache = cache
	return s
}

// SessionMeta 创建会话时的元数据。
type SessionMeta struct {
	Username        string
	Title           string
	UserDisplayName string
	UserHandle      string
	UserPersona     string
}

// CreateSession 创建会话，ID 由 owner 派生。
func (s *ConversationStore) CreateSession(ctx context.Context, meta SessionMeta) (*Session, error) {
	if meta.Username == "" {
		return nil, types.NewError(types.ErrValidation, "username is required")
	}
	userHandle := meta.UserHandle
	if userHandle == "" {
		userHandle = "user"
	}
	session := &Session{
		ID:              NewSessionID(meta.Username),
		Username:        meta.Username,
		Title:           meta.Title,
		UserDisplayName: meta.UserDisplayName,
		UserHandle:      userHandle,
		UserPersona:     meta.UserPersona,
	}
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, types.NewError(types.ErrInternal, "failed to create session").WithCause(err)
	}
	s.logger.Info("session created",
		zap.String("session_id", session.ID),
		zap.String("username", session.Username))
	return session, nil
}

// GetSession 按 ID 返回会话。
func (s *ConversationStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var session Session
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrNotFound, "session not found")
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "failed to load session").WithCause(err)
	}
	return &session, nil
}

// ListSessions 列出 owner 的全部会话，新的在前。
func (s *ConversationStore) ListSessions(ctx context.Context, username string) ([]Session, error) {
	var sessions []Session
	err := s.db.WithContext(ctx).
		Where("username = ?", username).
		Order("created_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "failed to list sessions").WithCause(err)
	}
	return sessions, nil
}

// SessionPatch 会话元数据的可更新字段。
type SessionPatch struct {
	Title           *string
	UserDisplayName *string
	UserHandle      *string
	UserPersona     *string
}

// UpdateSessionMeta 更新会话元数据。
func (s *ConversationStore) UpdateSessionMeta(ctx context.Context, id string, patch SessionPatch) (*Session, error) {
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	updates := map[string]any{}
	if patch.Title != nil {
		updates["title"] = *patch.Title
	}
	if patch.UserDisplayName != nil {
		updates["user_display_name"] = *patch.UserDisplayName
	}
	if patch.UserHandle != nil {
		updates["user_handle"] = *patch.UserHandle
	}
	if patch.UserPersona != nil {
		updates["user_persona"] = *patch.UserPersona
	}
	if len(updates) == 0 {
		return nil, types.NewError(types.ErrValidation, "no fields provided")
	}
	if err := s.db.WithContext(ctx).Model(session).Updates(updates).Error; err != nil {
		return nil, types.NewError(types.ErrInternal, "failed to update session").WithCause(err)
	}
	return s.GetSession(ctx, id)
}

// AppendMessage 原子追加一条消息并分配单调递增的 Position。
// 唯一索引 (session_id, position) 保证并发追加不会写出重复位置；
// 冲突时在有限次数内重试。
func (s *ConversationStore) AppendMessage(ctx context.Context, sessionID, sender, content string) (*ChatMessage, error) {
	if sender == "" || content == "" {
		return nil, types.NewError(types.ErrValidation, "sender and content are required")
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	const maxAttempts = 5
	var msg *ChatMessage
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		msg = &ChatMessage{
			SessionID: sessionID,
			Sender:    sender,
			Content:   content,
		}
		lastErr = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var maxPos int64
			if err := tx.Model(&ChatMessage{}).
				Where("session_id = ?", sessionID).
				Select("COALESCE(MAX(position), 0)").
				Scan(&maxPos).Error; err != nil {
				return err
			}
			msg.Position = maxPos + 1
			return tx.Create(msg).Error
		})
		if lastErr == nil {
			if s.cache != nil {
				s.cache.Invalidate(ctx, sessionID)
			}
			return msg, nil
		}
		if !isUniqueViolation(lastErr) {
			break
		}
	}
	return nil, types.NewError(types.ErrInternal, "failed to append message").WithCause(lastErr)
}

// ListMessages 返回最近 limit 条消息，按时间升序。
func (s *ConversationStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]ChatMessage, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if s.cache != nil {
		if cached, ok := s.cache.GetMessages(ctx, sessionID, limit); ok {
			return cached, nil
		}
	}

	// 取最近 limit 条（按位置降序），再反转为升序
	var recent []ChatMessage
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("position DESC").
		Limit(limit).
		Find(&recent).Error
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "failed to list messages").WithCause(err)
	}
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	if s.cache != nil {
		s.cache.SetMessages(ctx, sessionID, limit, recent)
	}
	return recent, nil
}

// DeleteSession 删除会话并级联删除其消息。
func (s *ConversationStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.GetSession(ctx, id); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&ChatMessage{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&Session{}).Error
	})
	if err != nil {
		return types.NewError(types.ErrInternal, "failed to delete session").WithCause(err)
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, id)
	}
	s.logger.Info("session deleted", zap.String("session_id", id))
	return nil
}

// DeleteSessions 批量删除 owner 名下的会话；跳过不属于 owner 的 ID。
func (s *ConversationStore) DeleteSessions(ctx context.Context, ids []string, owner string) (int, error) {
	deleted := 0
	for _, id := range ids {
		session, err := s.GetSession(ctx, id)
		if err != nil {
			if types.IsCode(err, types.ErrNotFound) {
				continue
			}
			return deleted, err
		}
		if session.Username != owner {
			continue
		}
		if err := s.DeleteSession(ctx, id); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
