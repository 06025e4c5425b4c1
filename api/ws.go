package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// HandleSessionStream GET /ws/sessions/{id} — 订阅会话事件流。
// 只有会话 owner 可以订阅。断开连接不会取消进行中的回合；
// 重连后通过历史接口补齐。
func (h *Handlers) HandleSessionStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, ok := h.authorizeSession(w, r, sessionID); !ok {
		return
	}

	// 先确认会话存在并建立订阅，再升级连接
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := h.registry.Subscribe(ctx, sessionID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "closing")

	// 读循环只用于探测客户端断开
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				// 总线关闭（会话删除或驱逐）：关闭连接
				conn.Close(websocket.StatusGoingAway, "session closed")
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}
