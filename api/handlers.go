package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/choir/rag"
	"github.com/BaSui01/choir/session"
	"github.com/BaSui01/choir/store"
	"github.com/BaSui01/choir/types"
)

// Handlers 聚合全部 HTTP/WS 处理器的依赖。
type Handlers struct {
	conv     *store.ConversationStore
	personas *store.PersonaStore
	engine   *rag.Engine
	registry *session.Registry
	logger   *zap.Logger
}

// NewHandlers 创建处理器集合。
func NewHandlers(conv *store.ConversationStore, personas *store.PersonaStore, engine *rag.Engine, registry *session.Registry, logger *zap.Logger) *Handlers {
	return &Handlers{
		conv:     conv,
		personas: personas,
		engine:   engine,
		registry: registry,
		logger:   logger.With(zap.String("component", "api")),
	}
}

// authorizeSession 校验会话 ID 形状并核对调用方身份。
// 形状非法 → 400；owner 不匹配 → 403（不泄露会话是否存在）。
func (h *Handlers) authorizeSession(w http.ResponseWriter, r *http.Request, sessionID string) (string, bool) {
	username, ok := callerUsername(w, r, h.logger)
	if !ok {
		return "", false
	}
	embedded, err := store.ParseSessionID(sessionID)
	if err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation, "invalid session id", h.logger)
		return "", false
	}
	if embedded != username {
		WriteErrorMessage(w, http.StatusForbidden, types.ErrPermissionDenied, "forbidden", h.logger)
		return "", false
	}
	return username, true
}
