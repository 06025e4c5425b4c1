package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/BaSui01/choir/config"
	"github.com/BaSui01/choir/store"
	"github.com/BaSui01/choir/types"
)

// sessionResponse 会话元数据 DTO。
type sessionResponse struct {
	ID              string    `json:"id"`
	Title           string    `json:"title,omitempty"`
	UserDisplayName string    `json:"user_display_name,omitempty"`
	UserHandle      string    `json:"user_handle"`
	UserPersona     string    `json:"user_persona,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func toSessionResponse(s *store.Session) sessionResponse {
	return sessionResponse{
		ID:              s.ID,
		Title:           s.Title,
		UserDisplayName: s.UserDisplayName,
		UserHandle:      s.UserHandle,
		UserPersona:     s.UserPersona,
		CreatedAt:       s.CreatedAt,
	}
}

// HandleCreateSession POST /sessions
func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	username, ok := callerUsername(w, r, h.logger)
	if !ok {
		return
	}

	var payload struct {
		Title           string `json:"title"`
		UserDisplayName string `json:"user_display_name"`
		UserHandle      string `json:"user_handle"`
		UserPersona     string `json:"user_persona"`
	}
	if r.ContentLength > 0 {
		if err := DecodeJSONBody(w, r, &payload, h.logger); err != nil {
			return
		}
	}

	sess, err := h.conv.CreateSession(r.Context(), store.SessionMeta{
		Username:        username,
		Title:           payload.Title,
		UserDisplayName: payload.UserDisplayName,
		UserHandle:      payload.UserHandle,
		UserPersona:     payload.UserPersona,
	})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]string{"session_id": sess.ID})
}

// HandleListSessions GET /sessions
func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	username, ok := callerUsername(w, r, h.logger)
	if !ok {
		return
	}
	sessions, err := h.conv.ListSessions(r.Context(), username)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for i := range sessions {
		out = append(out, toSessionResponse(&sessions[i]))
	}
	WriteJSON(w, http.StatusOK, out)
}

// HandleUpdateSession PATCH /sessions/{id}
func (h *Handlers) HandleUpdateSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, ok := h.authorizeSession(w, r, sessionID); !ok {
		return
	}

	var payload struct {
		Title           *string `json:"title"`
		UserDisplayName *string `json:"user_display_name"`
		UserHandle      *string `json:"user_handle"`
		UserPersona     *string `json:"user_persona"`
	}
	if err := DecodeJSONBody(w, r, &payload, h.logger); err != nil {
		return
	}

	sess, err := h.conv.UpdateSessionMeta(r.Context(), sessionID, store.SessionPatch{
		Title:           payload.Title,
		UserDisplayName: payload.UserDisplayName,
		UserHandle:      payload.UserHandle,
		UserPersona:     payload.UserPersona,
	})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, toSessionResponse(sess))
}

// HandleDeleteSession DELETE /sessions/{id}
// 删除会取消该会话进行中的回合；未完成的回复不会被持久化。
func (h *Handlers) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, ok := h.authorizeSession(w, r, sessionID); !ok {
		return
	}

	// 先取消在途回合再删数据，保证不再有新写入
	h.registry.Close(sessionID)

	if err := h.conv.DeleteSession(r.Context(), sessionID); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDeleteSessions DELETE /sessions — 批量删除 {ids: [...]}
func (h *Handlers) HandleDeleteSessions(w http.ResponseWriter, r *http.Request) {
	username, ok := callerUsername(w, r, h.logger)
	if !ok {
		return
	}
	var payload struct {
		IDs []string `json:"ids"`
	}
	if err := DecodeJSONBody(w, r, &payload, h.logger); err != nil {
		return
	}
	if len(payload.IDs) == 0 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation, "ids is required", h.logger)
		return
	}

	for _, id := range payload.IDs {
		h.registry.Close(id)
	}
	deleted, err := h.conv.DeleteSessions(r.Context(), payload.IDs, username)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

// HandlePostMessage POST /sessions/{id}/messages — 入队用户消息，202 返回。
func (h *Handlers) HandlePostMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, ok := h.authorizeSession(w, r, sessionID); !ok {
		return
	}

	var payload struct {
		Content        string   `json:"content"`
		TargetPersonas []string `json:"target_personas"`
	}
	if err := DecodeJSONBody(w, r, &payload, h.logger); err != nil {
		return
	}
	if payload.Content == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation, "content is required", h.logger)
		return
	}

	msg, err := h.registry.Enqueue(r.Context(), sessionID, payload.Content, payload.TargetPersonas)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]any{"message_id": msg.ID})
}

// HandleListMessages GET /sessions/{id}/messages?limit=N — 历史，旧→新。
func (h *Handlers) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, ok := h.authorizeSession(w, r, sessionID); !ok {
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation, "limit must be a positive integer", h.logger)
			return
		}
		limit = parsed
	}
	if limit > config.MaxHistoryHardCap {
		limit = config.MaxHistoryHardCap
	}

	msgs, err := h.conv.ListMessages(r.Context(), sessionID, limit)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	type messageResponse struct {
		ID        uint      `json:"id"`
		Sender    string    `json:"sender"`
		Content   string    `json:"content"`
		CreatedAt time.Time `json:"created_at"`
	}
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResponse{
			ID:        m.ID,
			Sender:    m.Sender,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	WriteJSON(w, http.StatusOK, out)
}
