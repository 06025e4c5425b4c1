package rag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/choir/types"
)

// fakeEmbedder 维度 4 的确定性嵌入。
type fakeEmbedder struct{ dims int }

func (e *fakeEmbedder) Dimensions() int { return e.dims }

func (e *fakeEmbedder) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	return e.embed(query), nil
}

func (e *fakeEmbedder) EmbedDocuments(ctx context.Context, docs []string) ([][]float64, error) {
	out := make([][]float64, len(docs))
	for i, d := range docs {
		out[i] = e.embed(d)
	}
	return out, nil
}

func (e *fakeEmbedder) embed(text string) []float64 {
	v := make([]float64, e.dims)
	for i, r := range text {
		v[i%e.dims] += float64(r) / float64(i+1)
	}
	return v
}

type fakeEmbedderFactory struct{ embedder Embedder }

func (f *fakeEmbedderFactory) EmbedderFor(ctx context.Context, owner string, personaID uint) (Embedder, error) {
	return f.embedder, nil
}

// fakeQdrant 内存版 Qdrant REST 端点，记录请求供断言。
type fakeQdrant struct {
	mu          sync.Mutex
	collections map[string]int // name -> vector size
	points      map[string][]map[string]any
	deletes     []string // "collection/source"
}

func newFakeQdrant() *fakeQdrant {
	return &fakeQdrant{
		collections: make(map[string]int),
		points:      make(map[string][]map[string]any),
	}
}

func (f *fakeQdrant) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("PUT /collections/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		var body struct {
			Vectors struct {
				Size int `json:"size"`
			} `json:"vectors"`
		}
		json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		defer f.mu.Unlock()
		if _, exists := f.collections[name]; exists {
			w.WriteHeader(http.StatusConflict)
			return
		}
		f.collections[name] = body.Vectors.Size
		w.Write([]byte(`{"result":true,"status":"ok"}`))
	})

	mux.HandleFunc("GET /collections/{name}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		_, exists := f.collections[r.PathValue("name")]
		f.mu.Unlock()
		if !exists {
			http.Error(w, `{"status":{"error":"not found"}}`, http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"result":{},"status":"ok"}`))
	})

	mux.HandleFunc("DELETE /collections/{name}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		delete(f.collections, r.PathValue("name"))
		delete(f.points, r.PathValue("name"))
		f.mu.Unlock()
		w.Write([]byte(`{"result":true,"status":"ok"}`))
	})

	mux.HandleFunc("PUT /collections/{name}/points", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		var body struct {
			Points []map[string]any `json:"points"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.points[name] = append(f.points[name], body.Points...)
		f.mu.Unlock()
		w.Write([]byte(`{"result":{},"status":"ok"}`))
	})

	mux.HandleFunc("POST /collections/{name}/points/delete", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		var body struct {
			Filter struct {
				Must []struct {
					Key   string `json:"key"`
					Match struct {
						Value string `json:"value"`
					} `json:"match"`
				} `json:"must"`
			} `json:"filter"`
		}
		json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		defer f.mu.Unlock()
		if _, exists := f.collections[name]; !exists {
			http.Error(w, `{"status":{"error":"not found"}}`, http.StatusNotFound)
			return
		}
		source := ""
		if len(body.Filter.Must) > 0 {
			source = body.Filter.Must[0].Match.Value
		}
		f.deletes = append(f.deletes, name+"/"+source)
		kept := f.points[name][:0]
		for _, p := range f.points[name] {
			payload, _ := p["payload"].(map[string]any)
			if payload == nil || payload["source"] != source {
				kept = append(kept, p)
			}
		}
		f.points[name] = kept
		w.Write([]byte(`{"result":{},"status":"ok"}`))
	})

	mux.HandleFunc("POST /collections/{name}/points/search", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		f.mu.Lock()
		points := f.points[name]
		results := make([]map[string]any, 0, len(points))
		for i, p := range points {
			results = append(results, map[string]any{
				"score":   1.0 - float64(i)*0.1,
				"payload": p["payload"],
			})
		}
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"result": results, "status": "ok"})
	})

	return mux
}

func newTestEngine(t *testing.T) (*Engine, *fakeQdrant) {
	t.Helper()
	fq := newFakeQdrant()
	srv := httptest.NewServer(fq.handler())
	t.Cleanup(srv.Close)

	store := NewQdrantStore(QdrantConfig{BaseURL: srv.URL}, zap.NewNop())
	engine := NewEngine(store, &fakeEmbedderFactory{embedder: &fakeEmbedder{dims: 4}}, zap.NewNop())
	return engine, fq
}

func TestEngine_IngestCreatesCollectionWithDims(t *testing.T) {
	t.Parallel()
	engine, fq := newTestEngine(t)
	ctx := context.Background()

	added, collection, err := engine.IngestText(ctx, "alice", 7, "The secret code is 42.", "background")
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, "alice_persona_7_rag", collection)

	fq.mu.Lock()
	defer fq.mu.Unlock()
	assert.Equal(t, 4, fq.collections[collection])
	assert.Len(t, fq.points[collection], 1)
}

func TestEngine_ReingestReplacesSource(t *testing.T) {
	t.Parallel()
	engine, fq := newTestEngine(t)
	ctx := context.Background()

	_, collection, err := engine.IngestText(ctx, "alice", 7, "first version", "notes")
	require.NoError(t, err)
	_, _, err = engine.IngestText(ctx, "alice", 7, "second version", "notes")
	require.NoError(t, err)

	fq.mu.Lock()
	defer fq.mu.Unlock()
	assert.Contains(t, fq.deletes, collection+"/notes", "re-ingest must clear the source first")
	require.Len(t, fq.points[collection], 1, "replaced source must not accumulate")
}

func TestEngine_SearchMissingCollectionReturnsEmpty(t *testing.T) {
	t.Parallel()
	engine, _ := newTestEngine(t)

	passages, err := engine.Search(context.Background(), "alice", 99, "anything", 3)
	require.NoError(t, err, "missing collection must not be an error")
	assert.Empty(t, passages)
}

func TestEngine_SearchReturnsDescendingScores(t *testing.T) {
	t.Parallel()
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	text := strings.Repeat("The secret code is 42. ", 30) // 多个块
	_, _, err := engine.IngestText(ctx, "alice", 7, text, "background")
	require.NoError(t, err)

	passages, err := engine.Search(ctx, "alice", 7, "secret code", 3)
	require.NoError(t, err)
	require.NotEmpty(t, passages)
	for i := 1; i < len(passages); i++ {
		assert.GreaterOrEqual(t, passages[i-1].Score, passages[i].Score)
	}
	assert.Contains(t, passages[0].Text, "42")
}

func TestEngine_DeleteCollection(t *testing.T) {
	t.Parallel()
	engine, fq := newTestEngine(t)
	ctx := context.Background()

	_, collection, err := engine.IngestText(ctx, "alice", 7, "some knowledge", "background")
	require.NoError(t, err)

	require.NoError(t, engine.DeleteCollection(ctx, "alice", 7))

	fq.mu.Lock()
	_, exists := fq.collections[collection]
	fq.mu.Unlock()
	assert.False(t, exists)

	passages, err := engine.Search(ctx, "alice", 7, "knowledge", 3)
	require.NoError(t, err)
	assert.Empty(t, passages)
}

func TestEngine_IngestEmptyTextRejected(t *testing.T) {
	t.Parallel()
	engine, _ := newTestEngine(t)

	_, _, err := engine.IngestText(context.Background(), "alice", 7, "   ", "background")
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestEngine_DeleteBySourceOnMissingCollection(t *testing.T) {
	t.Parallel()
	engine, _ := newTestEngine(t)

	assert.NoError(t, engine.DeleteBySource(context.Background(), "alice", 123, "background"))
}

func TestExtractHTMLText(t *testing.T) {
	t.Parallel()

	html := `<html><head><title>t</title><style>body{}</style></head>
	<body><script>var x=1;</script><h1>Heading</h1><p>Body text.</p></body></html>`
	text, err := ExtractHTMLText(strings.NewReader(html))
	require.NoError(t, err)
	assert.Contains(t, text, "Heading")
	assert.Contains(t, text, "Body text.")
	assert.NotContains(t, text, "var x=1;")
	assert.NotContains(t, text, "body{}")
}
