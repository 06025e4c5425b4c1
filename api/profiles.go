package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/BaSui01/choir/llm"
	"github.com/BaSui01/choir/store"
	"github.com/BaSui01/choir/types"
)

// HandleListProfiles GET /api-profiles — 密钥只回预览。
func (h *Handlers) HandleListProfiles(w http.ResponseWriter, r *http.Request) {
	username, ok := callerUsername(w, r, h.logger)
	if !ok {
		return
	}
	profiles, err := h.personas.ListAPIProfiles(r.Context(), username)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, profiles)
}

// HandleGetProfile GET /api-profiles/{id}
func (h *Handlers) HandleGetProfile(w http.ResponseWriter, r *http.Request) {
	username, ok := callerUsername(w, r, h.logger)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	profile, err := h.personas.GetAPIProfile(r.Context(), username, id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, profile)
}

// HandleCreateProfile POST /api-profiles — api_key 只写不读。
func (h *Handlers) HandleCreateProfile(w http.ResponseWriter, r *http.Request) {
	username, ok := callerUsername(w, r, h.logger)
	if !ok {
		return
	}

	var payload struct {
		Name             string   `json:"name"`
		BaseURL          string   `json:"base_url"`
		Model            string   `json:"model"`
		APIKey           string   `json:"api_key"`
		Temperature      *float64 `json:"temperature"`
		IsEmbeddingModel bool     `json:"is_embedding_model"`
		EmbeddingDim     *int     `json:"embedding_dim"`
	}
	if err := DecodeJSONBody(w, r, &payload, h.logger); err != nil {
		return
	}

	profile := &store.APIProfile{
		Username:         username,
		Name:             payload.Name,
		BaseURL:          payload.BaseURL,
		Model:            payload.Model,
		Temperature:      payload.Temperature,
		IsEmbeddingModel: payload.IsEmbeddingModel,
		EmbeddingDim:     payload.EmbeddingDim,
	}
	if err := h.personas.CreateAPIProfile(r.Context(), profile, payload.APIKey); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusCreated, profile)
}

// HandleUpdateProfile PATCH /api-profiles/{id}
func (h *Handlers) HandleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	username, ok := callerUsername(w, r, h.logger)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var payload struct {
		Name             *string  `json:"name"`
		BaseURL          *string  `json:"base_url"`
		Model            *string  `json:"model"`
		APIKey           *string  `json:"api_key"`
		Temperature      *float64 `json:"temperature"`
		IsEmbeddingModel *bool    `json:"is_embedding_model"`
		EmbeddingDim     *int     `json:"embedding_dim"`
	}
	if err := DecodeJSONBody(w, r, &payload, h.logger); err != nil {
		return
	}

	profile, err := h.personas.UpdateAPIProfile(r.Context(), username, id, store.APIProfilePatch{
		Name:             payload.Name,
		BaseURL:          payload.BaseURL,
		Model:            payload.Model,
		APIKey:           payload.APIKey,
		Temperature:      payload.Temperature,
		IsEmbeddingModel: payload.IsEmbeddingModel,
		EmbeddingDim:     payload.EmbeddingDim,
	})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, profile)
}

// HandleDeleteProfile DELETE /api-profiles/{id}
// 级联删除依赖该档案的 persona 及其知识库集合。
func (h *Handlers) HandleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	username, ok := callerUsername(w, r, h.logger)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	cascaded, err := h.personas.DeleteAPIProfile(r.Context(), username, id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	for _, personaID := range cascaded {
		if err := h.engine.DeleteCollection(r.Context(), username, personaID); err != nil {
			h.logger.Warn("failed to delete cascaded persona collection")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// profileHealthResponse 健康探测结果。
type profileHealthResponse struct {
	Status        string `json:"status"`
	LatencyMillis int64  `json:"latency_ms,omitempty"`
	Detail        string `json:"detail,omitempty"`
}

// HandleProfileHealth GET /api-profiles/{id}/health
// 用最小请求实打实地调用配置的第三方端点并校验响应形状。
func (h *Handlers) HandleProfileHealth(w http.ResponseWriter, r *http.Request) {
	username, ok := callerUsername(w, r, h.logger)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	profile, apiKey, err := h.personas.ResolveProfileKey(r.Context(), username, id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	ctx := r.Context()
	start := time.Now()

	if profile.IsEmbeddingModel {
		client := llm.NewEmbeddingClient(llm.EmbeddingConfig{
			BaseURL: profile.BaseURL,
			APIKey:  apiKey,
			Model:   profile.Model,
			Timeout: 8 * time.Second,
		})
		if _, err := client.EmbedQuery(ctx, "healthcheck"); err != nil {
			WriteJSON(w, http.StatusOK, profileHealthResponse{
				Status: "FAILED",
				Detail: err.Error(),
			})
			return
		}
		WriteJSON(w, http.StatusOK, profileHealthResponse{
			Status:        "OK",
			LatencyMillis: time.Since(start).Milliseconds(),
		})
		return
	}

	provider := llm.NewOpenAIProvider(llm.Config{
		ProviderName: profile.Name,
		APIKey:       apiKey,
		BaseURL:      profile.BaseURL,
		DefaultModel: profile.Model,
		Timeout:      8 * time.Second,
	}, h.logger)
	status, err := provider.HealthCheck(ctx)
	if err != nil {
		detail := err.Error()
		var typed *types.Error
		if errors.As(err, &typed) {
			detail = typed.Message
		}
		WriteJSON(w, http.StatusOK, profileHealthResponse{
			Status:        "FAILED",
			LatencyMillis: status.Latency.Milliseconds(),
			Detail:        detail,
		})
		return
	}
	WriteJSON(w, http.StatusOK, profileHealthResponse{
		Status:        "OK",
		LatencyMillis: status.Latency.Milliseconds(),
	})
}
