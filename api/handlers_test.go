package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/choir/agent"
	"github.com/BaSui01/choir/llm"
	"github.com/BaSui01/choir/rag"
	"github.com/BaSui01/choir/session"
	"github.com/BaSui01/choir/store"
	"github.com/BaSui01/choir/types"
)

// echoProvider 流式回显固定文本。
type echoProvider struct{ text string }

func (p *echoProvider) Name() string { return "echo" }

func (p *echoProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{
		Model:   "echo",
		Choices: []llm.ChatChoice{{Message: types.NewMessage(types.RoleAssistant, p.text)}},
	}, nil
}

func (p *echoProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

func (p *echoProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		for _, part := range strings.SplitAfter(p.text, " ") {
			select {
			case <-ctx.Done():
				return
			case ch <- llm.StreamChunk{Delta: types.Message{Role: types.RoleAssistant, Content: part}}:
			}
		}
	}()
	return ch, nil
}

type echoFactory struct{}

func (f *echoFactory) RuntimeFor(ctx context.Context, persona *store.Persona) (*agent.Runtime, error) {
	return agent.NewRuntime(persona, &echoProvider{text: "echo reply"}, agent.RuntimeConfig{}, zap.NewNop()), nil
}

type apiFixture struct {
	srv      *httptest.Server
	token    string
	bobToken string
	personas *store.PersonaStore
	conv     *store.ConversationStore
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := zap.NewNop()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(10000)", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))

	cipher, err := store.NewCipher("api-test-key")
	require.NoError(t, err)

	personaStore := store.NewPersonaStore(db, cipher, logger)
	convStore := store.NewConversationStore(db, logger)

	// 空向量服务：所有集合都不存在
	qdrantStub := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(qdrantStub.Close)
	engine := rag.NewEngine(
		rag.NewQdrantStore(rag.QdrantConfig{BaseURL: qdrantStub.URL}, logger),
		noEmbedders{}, logger)

	registry := session.NewRegistry(session.Config{
		SeedFn: func() int64 { return 1 },
	}, convStore, personaStore, &echoFactory{}, logger)
	t.Cleanup(registry.Shutdown)

	auth := NewAuthenticator("api-test-jwt-secret", logger)
	handlers := NewHandlers(convStore, personaStore, engine, registry, logger)
	router := NewRouter(handlers, auth, Recover(logger))

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	token, err := auth.IssueToken("alice", time.Hour)
	require.NoError(t, err)
	bobToken, err := auth.IssueToken("bob", time.Hour)
	require.NoError(t, err)

	return &apiFixture{srv: srv, token: token, bobToken: bobToken, personas: personaStore, conv: convStore}
}

type noEmbedders struct{}

func (noEmbedders) EmbedderFor(ctx context.Context, owner string, personaID uint) (rag.Embedder, error) {
	return nil, types.NewError(types.ErrConfig, "no embedder in api tests")
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (f *apiFixture) seedPersona(t *testing.T) {
	t.Helper()
	profile := &store.APIProfile{
		Username: "alice", Name: "main",
		BaseURL: "https://api.example.com/v1", Model: "echo",
	}
	require.NoError(t, f.personas.CreateAPIProfile(context.Background(), profile, "sk-test-key-12345678"))
	persona := &store.Persona{
		Username: "alice", Handle: "echo", DisplayName: "Echo",
		SystemPrompt: "You echo.", Proactivity: 0.9,
		MemoryWindow: 8, MaxAgentsPerTurn: 1, APIProfileID: profile.ID, IsDefault: true,
	}
	require.NoError(t, f.personas.CreatePersona(context.Background(), persona))
}

func TestAPI_RequiresAuth(t *testing.T) {
	t.Parallel()
	fx := newAPIFixture(t)

	resp := fx.do(t, http.MethodGet, "/sessions", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_HealthIsPublic(t *testing.T) {
	t.Parallel()
	fx := newAPIFixture(t)

	resp, err := http.Get(fx.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_SessionLifecycle(t *testing.T) {
	t.Parallel()
	fx := newAPIFixture(t)

	resp := fx.do(t, http.MethodPost, "/sessions", fx.token, map[string]string{"title": "my chat"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[map[string]string](t, resp)
	sessionID := created["session_id"]
	assert.True(t, strings.HasPrefix(sessionID, "sess_alice_"))

	resp = fx.do(t, http.MethodGet, "/sessions", fx.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessions := decodeBody[[]map[string]any](t, resp)
	require.Len(t, sessions, 1)
	assert.Equal(t, "my chat", sessions[0]["title"])

	resp = fx.do(t, http.MethodPatch, "/sessions/"+sessionID, fx.token, map[string]string{"title": "renamed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	patched := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "renamed", patched["title"])

	resp = fx.do(t, http.MethodDelete, "/sessions/"+sessionID, fx.token, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = fx.do(t, http.MethodGet, "/sessions/"+sessionID+"/messages", fx.token, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_SessionIDValidation(t *testing.T) {
	t.Parallel()
	fx := newAPIFixture(t)

	// 形状非法 → 400
	resp := fx.do(t, http.MethodGet, "/sessions/not-a-session/messages", fx.token, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// 其他租户的 ID → 403，不泄露是否存在
	resp = fx.do(t, http.MethodGet, "/sessions/sess_bob_deadbeef/messages", fx.token, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	detail := decodeBody[ErrorResponse](t, resp)
	assert.Equal(t, "forbidden", detail.Detail)
}

func TestAPI_MessageFlow(t *testing.T) {
	t.Parallel()
	fx := newAPIFixture(t)
	fx.seedPersona(t)

	resp := fx.do(t, http.MethodPost, "/sessions", fx.token, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sessionID := decodeBody[map[string]string](t, resp)["session_id"]

	resp = fx.do(t, http.MethodPost, "/sessions/"+sessionID+"/messages", fx.token,
		map[string]any{"content": "hello there"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	accepted := decodeBody[map[string]any](t, resp)
	assert.NotZero(t, accepted["message_id"])

	// 回合在后台运行；回复最终出现在历史里
	require.Eventually(t, func() bool {
		resp := fx.do(t, http.MethodGet, "/sessions/"+sessionID+"/messages?limit=10", fx.token, nil)
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return false
		}
		msgs := decodeBody[[]map[string]any](t, resp)
		return len(msgs) == 2 && msgs[0]["sender"] == "user" && msgs[1]["sender"] == "echo"
	}, 5*time.Second, 50*time.Millisecond)

	// limit 校验
	resp = fx.do(t, http.MethodGet, "/sessions/"+sessionID+"/messages?limit=abc", fx.token, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_ProfileKeyNeverReturned(t *testing.T) {
	t.Parallel()
	fx := newAPIFixture(t)

	resp := fx.do(t, http.MethodPost, "/api-profiles", fx.token, map[string]any{
		"name":     "main",
		"base_url": "https://api.example.com/v1",
		"model":    "gpt-4o-mini",
		"api_key":  "sk-super-secret-9876",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	raw := new(bytes.Buffer)
	raw.ReadFrom(resp.Body)
	resp.Body.Close()
	body := raw.String()
	assert.NotContains(t, body, "sk-super-secret", "plaintext key must never be returned")
	assert.Contains(t, body, "****9876")

	var profile map[string]any
	require.NoError(t, json.Unmarshal(raw.Bytes(), &profile))

	// 他人的档案不可见
	resp = fx.do(t, http.MethodGet, fmt.Sprintf("/api-profiles/%v", profile["id"]), fx.bobToken, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_PersonaValidation(t *testing.T) {
	t.Parallel()
	fx := newAPIFixture(t)

	resp := fx.do(t, http.MethodPost, "/personas", fx.token, map[string]any{
		"display_name":  "Broken",
		"system_prompt": "p",
		"proactivity":   2.5,
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
