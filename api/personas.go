package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/BaSui01/choir/store"
	"github.com/BaSui01/choir/types"
)

func (h *Handlers) pathID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	raw := r.PathValue("id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation, "invalid id", h.logger)
		return 0, false
	}
	return uint(id), true
}

// HandleListPersonas GET /personas
func (h *Handlers) HandleListPersonas(w http.ResponseWriter, r *http.Request) {
	username, ok := callerUsername(w, r, h.logger)
	if !ok {
		return
	}
	personas, err := h.personas.ListPersonas(r.Context(), username)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, personas)
}

// HandleGetPersona GET /personas/{id}
func (h *Handlers) HandleGetPersona(w http.ResponseWriter, r *http.Request) {
	username, ok := callerUsername(w, r, h.logger)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	persona, err := h.personas.GetPersona(r.Context(), username, id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, persona)
}

type personaPayload struct {
	DisplayName        string  `json:"display_name"`
	Handle             string  `json:"handle"`
	SystemPrompt       string  `json:"system_prompt"`
	Tone               string  `json:"tone"`
	Proactivity        float64 `json:"proactivity"`
	MemoryWindow       int     `json:"memory_window"`
	MaxAgentsPerTurn   int     `json:"max_agents_per_turn"`
	APIProfileID       uint    `json:"api_profile_id"`
	EmbeddingProfileID uint    `json:"embedding_profile_id"`
	IsDefault          bool    `json:"is_default"`
	BackgroundText     string  `json:"background_text"`
}

// HandleCreatePersona POST /personas
// background_text 非空时自动摄取进知识库（尽力而为）。
func (h *Handlers) HandleCreatePersona(w http.ResponseWriter, r *http.Request) {
	username, ok := callerUsername(w, r, h.logger)
	if !ok {
		return
	}

	payload := personaPayload{
		Tone:             "neutral",
		Proactivity:      0.5,
		MemoryWindow:     8,
		MaxAgentsPerTurn: 2,
	}
	if err := DecodeJSONBody(w, r, &payload, h.logger); err != nil {
		return
	}

	persona := &store.Persona{
		Username:           username,
		DisplayName:        payload.DisplayName,
		Handle:             payload.Handle,
		SystemPrompt:       payload.SystemPrompt,
		Tone:               payload.Tone,
		Proactivity:        payload.Proactivity,
		MemoryWindow:       payload.MemoryWindow,
		MaxAgentsPerTurn:   payload.MaxAgentsPerTurn,
		APIProfileID:       payload.APIProfileID,
		EmbeddingProfileID: payload.EmbeddingProfileID,
		IsDefault:          payload.IsDefault,
		BackgroundText:     payload.BackgroundText,
	}
	if err := h.personas.CreatePersona(r.Context(), persona); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	if strings.TrimSpace(persona.BackgroundText) != "" && persona.EmbeddingProfileID != 0 {
		if _, _, err := h.engine.IngestText(r.Context(), username, persona.ID, persona.BackgroundText, "background"); err != nil {
			h.logger.Warn("failed to auto-ingest background")
		}
	}

	WriteJSON(w, http.StatusCreated, persona)
}

// HandleUpdatePersona PATCH /personas/{id}
// background_text 更新时重新摄取（replace 语义）。
func (h *Handlers) HandleUpdatePersona(w http.ResponseWriter, r *http.Request) {
	username, ok := callerUsername(w, r, h.logger)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var payload struct {
		DisplayName        *string  `json:"display_name"`
		Handle             *string  `json:"handle"`
		SystemPrompt       *string  `json:"system_prompt"`
		Tone               *string  `json:"tone"`
		Proactivity        *float64 `json:"proactivity"`
		MemoryWindow       *int     `json:"memory_window"`
		MaxAgentsPerTurn   *int     `json:"max_agents_per_turn"`
		APIProfileID       *uint    `json:"api_profile_id"`
		EmbeddingProfileID *uint    `json:"embedding_profile_id"`
		IsDefault          *bool    `json:"is_default"`
		BackgroundText     *string  `json:"background_text"`
	}
	if err := DecodeJSONBody(w, r, &payload, h.logger); err != nil {
		return
	}

	persona, err := h.personas.UpdatePersona(r.Context(), username, id, store.PersonaPatch{
		DisplayName:        payload.DisplayName,
		Handle:             payload.Handle,
		SystemPrompt:       payload.SystemPrompt,
		Tone:               payload.Tone,
		Proactivity:        payload.Proactivity,
		MemoryWindow:       payload.MemoryWindow,
		MaxAgentsPerTurn:   payload.MaxAgentsPerTurn,
		APIProfileID:       payload.APIProfileID,
		EmbeddingProfileID: payload.EmbeddingProfileID,
		IsDefault:          payload.IsDefault,
		BackgroundText:     payload.BackgroundText,
	})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	if payload.BackgroundText != nil && strings.TrimSpace(*payload.BackgroundText) != "" && persona.EmbeddingProfileID != 0 {
		if _, _, err := h.engine.IngestText(r.Context(), username, persona.ID, *payload.BackgroundText, "background"); err != nil {
			h.logger.Warn("failed to re-ingest background")
		}
	}

	WriteJSON(w, http.StatusOK, persona)
}

// HandleDeletePersona DELETE /personas/{id} — 级联删除其知识库集合。
func (h *Handlers) HandleDeletePersona(w http.ResponseWriter, r *http.Request) {
	username, ok := callerUsername(w, r, h.logger)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	if err := h.personas.DeletePersona(r.Context(), username, id); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if err := h.engine.DeleteCollection(r.Context(), username, id); err != nil {
		h.logger.Warn("failed to delete persona collection")
	}
	w.WriteHeader(http.StatusNoContent)
}

type ingestResponse struct {
	ChunksAdded int    `json:"chunks_added"`
	Collection  string `json:"collection"`
}

// HandleIngestURL POST /personas/{id}/ingest-url
func (h *Handlers) HandleIngestURL(w http.ResponseWriter, r *http.Request) {
	username, ok := callerUsername(w, r, h.logger)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if _, err := h.personas.GetPersona(r.Context(), username, id); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	var payload struct {
		URL string `json:"url"`
	}
	if err := DecodeJSONBody(w, r, &payload, h.logger); err != nil {
		return
	}
	if !strings.HasPrefix(payload.URL, "http://") && !strings.HasPrefix(payload.URL, "https://") {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation, "url must be http(s)", h.logger)
		return
	}

	added, collection, err := h.engine.IngestURL(r.Context(), username, id, payload.URL)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, ingestResponse{ChunksAdded: added, Collection: collection})
}

// HandleIngestText POST /personas/{id}/ingest-text
func (h *Handlers) HandleIngestText(w http.ResponseWriter, r *http.Request) {
	username, ok := callerUsername(w, r, h.logger)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if _, err := h.personas.GetPersona(r.Context(), username, id); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	var payload struct {
		Text   string `json:"text"`
		Source string `json:"source"`
	}
	if err := DecodeJSONBody(w, r, &payload, h.logger); err != nil {
		return
	}
	if strings.TrimSpace(payload.Text) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation, "text is required", h.logger)
		return
	}

	added, collection, err := h.engine.IngestText(r.Context(), username, id, payload.Text, payload.Source)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, ingestResponse{ChunksAdded: added, Collection: collection})
}

// HandleRefreshRAG POST /personas/{id}/refresh-rag — 从 background_text 重建。
func (h *Handlers) HandleRefreshRAG(w http.ResponseWriter, r *http.Request) {
	username, ok := callerUsername(w, r, h.logger)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	persona, err := h.personas.GetPersona(r.Context(), username, id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if strings.TrimSpace(persona.BackgroundText) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation, "persona has no background text to ingest", h.logger)
		return
	}

	added, collection, err := h.engine.IngestText(r.Context(), username, id, persona.BackgroundText, "background")
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, ingestResponse{ChunksAdded: added, Collection: collection})
}
