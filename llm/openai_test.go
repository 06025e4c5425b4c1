package llm

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/choir/types"
)

func TestJoinEndpoint(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://api.example.com/v1/chat/completions",
		JoinEndpoint("https://api.example.com", "/chat/completions"))
	assert.Equal(t, "https://api.example.com/v1/chat/completions",
		JoinEndpoint("https://api.example.com/v1", "/chat/completions"))
	assert.Equal(t, "https://api.example.com/v1/embeddings",
		JoinEndpoint("https://api.example.com/v1/", "/embeddings"))
}

func TestStreamSSE_ParsesChunks(t *testing.T) {
	t.Parallel()

	sse := strings.Join([]string{
		`data: {"id":"1","model":"m","choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
		``,
		`data: {"id":"1","model":"m","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	ch := StreamSSE(context.Background(), io.NopCloser(strings.NewReader(sse)), "test")

	var contents []string
	for chunk := range ch {
		require.Nil(t, chunk.Err)
		contents = append(contents, chunk.Delta.Content)
	}
	assert.Equal(t, []string{"Hel", "lo"}, contents)
}

func TestStreamSSE_ToolCallDeltas(t *testing.T) {
	t.Parallel()

	sse := strings.Join([]string{
		`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"id":"c1","type":"function","function":{"name":"search_knowledge","arguments":"{\"qu"}}]}}]}`,
		``,
		`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"id":"","type":"function","function":{"arguments":"ery\":\"x\"}"}}]}}]}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	ch := StreamSSE(context.Background(), io.NopCloser(strings.NewReader(sse)), "test")

	var calls []types.ToolCall
	for chunk := range ch {
		require.Nil(t, chunk.Err)
		calls = append(calls, chunk.Delta.ToolCalls...)
	}
	require.Len(t, calls, 2)
	assert.Equal(t, "c1", calls[0].ID)
	assert.Equal(t, "search_knowledge", calls[0].Name)
}

func TestCompletion_ErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		code   types.ErrorCode
	}{
		{http.StatusUnauthorized, types.ErrUnauthorized},
		{http.StatusTooManyRequests, types.ErrRateLimited},
		{http.StatusBadRequest, types.ErrValidation},
		{http.StatusInternalServerError, types.ErrUpstream},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":{"message":"nope"}}`, tc.status)
		}))

		provider := NewOpenAIProvider(Config{BaseURL: srv.URL, DefaultModel: "m", APIKey: "k"}, zap.NewNop())
		_, err := provider.Completion(context.Background(), &ChatRequest{
			Messages: []types.Message{types.NewUserMessage("hi")},
		})
		require.Error(t, err)
		assert.Equal(t, tc.code, types.GetErrorCode(err), "status %d", tc.status)
		srv.Close()
	}
}

func TestCompletion_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret-key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"id":"resp1","model":"m","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"hello back"}}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`))
	}))
	defer srv.Close()

	provider := NewOpenAIProvider(Config{BaseURL: srv.URL, DefaultModel: "m", APIKey: "secret-key"}, zap.NewNop())
	resp, err := provider.Completion(context.Background(), &ChatRequest{
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hello back", resp.Choices[0].Message.Content)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
}

func TestStream_EndToEnd(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"streamed\"}}]}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	provider := NewOpenAIProvider(Config{BaseURL: srv.URL, DefaultModel: "m", APIKey: "k"}, zap.NewNop())
	stream, err := provider.Stream(context.Background(), &ChatRequest{
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.NoError(t, err)

	var text strings.Builder
	for chunk := range stream {
		require.Nil(t, chunk.Err)
		text.WriteString(chunk.Delta.Content)
	}
	assert.Equal(t, "streamed", text.String())
}

func TestEmbeddingClient_OrdersByIndex(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		// 响应乱序，客户端按 index 重排
		w.Write([]byte(`{"model":"e","data":[{"index":1,"embedding":[2.0]},{"index":0,"embedding":[1.0]}]}`))
	}))
	defer srv.Close()

	client := NewEmbeddingClient(EmbeddingConfig{BaseURL: srv.URL, Model: "e", APIKey: "k"})
	vectors, err := client.EmbedDocuments(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float64{1.0}, vectors[0])
	assert.Equal(t, []float64{2.0}, vectors[1])
}

func TestEmbeddingClient_CountMismatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"model":"e","data":[{"index":0,"embedding":[1.0]}]}`))
	}))
	defer srv.Close()

	client := NewEmbeddingClient(EmbeddingConfig{BaseURL: srv.URL, Model: "e", APIKey: "k"})
	_, err := client.EmbedDocuments(context.Background(), []string{"a", "b"})
	assert.Error(t, err)
}
