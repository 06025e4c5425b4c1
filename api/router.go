package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter 装配全部路由。业务路由在此套上认证中间件，
// /health 与 /metrics 不走认证；public 中间件包在全部路由外层。
func NewRouter(h *Handlers, auth *Authenticator, public ...Middleware) http.Handler {
	authenticated := http.NewServeMux()

	authenticated.HandleFunc("POST /sessions", h.HandleCreateSession)
	authenticated.HandleFunc("GET /sessions", h.HandleListSessions)
	authenticated.HandleFunc("DELETE /sessions", h.HandleDeleteSessions)
	authenticated.HandleFunc("PATCH /sessions/{id}", h.HandleUpdateSession)
	authenticated.HandleFunc("DELETE /sessions/{id}", h.HandleDeleteSession)
	authenticated.HandleFunc("POST /sessions/{id}/messages", h.HandlePostMessage)
	authenticated.HandleFunc("GET /sessions/{id}/messages", h.HandleListMessages)

	authenticated.HandleFunc("GET /personas", h.HandleListPersonas)
	authenticated.HandleFunc("POST /personas", h.HandleCreatePersona)
	authenticated.HandleFunc("GET /personas/{id}", h.HandleGetPersona)
	authenticated.HandleFunc("PATCH /personas/{id}", h.HandleUpdatePersona)
	authenticated.HandleFunc("DELETE /personas/{id}", h.HandleDeletePersona)
	authenticated.HandleFunc("POST /personas/{id}/ingest-url", h.HandleIngestURL)
	authenticated.HandleFunc("POST /personas/{id}/ingest-text", h.HandleIngestText)
	authenticated.HandleFunc("POST /personas/{id}/refresh-rag", h.HandleRefreshRAG)

	authenticated.HandleFunc("GET /api-profiles", h.HandleListProfiles)
	authenticated.HandleFunc("POST /api-profiles", h.HandleCreateProfile)
	authenticated.HandleFunc("GET /api-profiles/{id}", h.HandleGetProfile)
	authenticated.HandleFunc("PATCH /api-profiles/{id}", h.HandleUpdateProfile)
	authenticated.HandleFunc("DELETE /api-profiles/{id}", h.HandleDeleteProfile)
	authenticated.HandleFunc("GET /api-profiles/{id}/health", h.HandleProfileHealth)

	authenticated.HandleFunc("GET /ws/sessions/{id}", h.HandleSessionStream)

	root := http.NewServeMux()
	root.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	root.Handle("GET /metrics", promhttp.Handler())
	root.Handle("/", auth.Middleware(authenticated))

	return Chain(root, public...)
}
