package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// QdrantConfig configures the Qdrant vector store client.
//
// Notes:
// - Qdrant point IDs are UUIDs; choir derives a stable UUID per chunk.
// - Chunk text/source are stored in payload.
type QdrantConfig struct {
	BaseURL string        `json:"base_url"`
	APIKey  string        `json:"api_key,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// QdrantStore drives Qdrant's REST API with per-call collection names.
type QdrantStore struct {
	cfg     QdrantConfig
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// Point 一个待写入的向量点。
type Point struct {
	ID      string
	Vector  []float64
	Text    string
	Source  string
	ChunkIx int
}

// SearchResult 向量搜索结果。
type SearchResult struct {
	Text   string  `json:"text"`
	Source string  `json:"source"`
	Score  float64 `json:"score"`
}

// NewQdrantStore creates a Qdrant-backed store.
func NewQdrantStore(cfg QdrantConfig, logger *zap.Logger) *QdrantStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:6333"
	}
	return &QdrantStore{
		cfg:     cfg,
		baseURL: baseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With(zap.String("component", "qdrant_store")),
	}
}

var qdrantNamespace = uuid.MustParse("7b1e2f60-9c4d-4a52-b6e3-2f8a1c5d9e0b")

// PointID derives a stable UUID for a chunk within a collection.
func PointID(collection, source string, chunkIx int) string {
	return uuid.NewSHA1(qdrantNamespace, []byte(fmt.Sprintf("%s:%s:%d", collection, source, chunkIx))).String()
}

func (s *QdrantStore) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(s.cfg.APIKey) != "" {
		// Qdrant convention.
		req.Header.Set("api-key", s.cfg.APIKey)
	}
}

func (s *QdrantStore) doJSON(ctx context.Context, method, path string, in any, out any) (int, error) {
	endpoint := s.baseURL + path

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, err
	}
	s.applyHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("qdrant request failed: method=%s path=%s status=%d body=%s", method, path, resp.StatusCode, string(raw))
	}

	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, err
	}
	return resp.StatusCode, nil
}

// EnsureCollection creates the collection with the given vector size if absent.
func (s *QdrantStore) EnsureCollection(ctx context.Context, collection string, vectorSize int) error {
	if strings.TrimSpace(collection) == "" {
		return fmt.Errorf("qdrant collection is required")
	}
	if vectorSize <= 0 {
		return fmt.Errorf("qdrant vector size must be > 0")
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}
	status, err := s.doJSON(ctx, http.MethodPut, "/collections/"+url.PathEscape(collection), body, nil)
	// Qdrant returns 409 if collection exists.
	if status == http.StatusConflict {
		return nil
	}
	return err
}

// CollectionExists probes whether the collection exists.
func (s *QdrantStore) CollectionExists(ctx context.Context, collection string) (bool, error) {
	status, err := s.doJSON(ctx, http.MethodGet, "/collections/"+url.PathEscape(collection), nil, nil)
	if status == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DropCollection removes the whole collection. Missing collections are not an error.
func (s *QdrantStore) DropCollection(ctx context.Context, collection string) error {
	status, err := s.doJSON(ctx, http.MethodDelete, "/collections/"+url.PathEscape(collection), nil, nil)
	if status == http.StatusNotFound {
		return nil
	}
	return err
}

// Upsert writes points into the collection, waiting for completion.
func (s *QdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	type qdrantPoint struct {
		ID      string         `json:"id"`
		Vector  []float64      `json:"vector"`
		Payload map[string]any `json:"payload,omitempty"`
	}
	qpoints := make([]qdrantPoint, 0, len(points))
	for i, p := range points {
		if len(p.Vector) == 0 {
			return fmt.Errorf("point[%d] has no embedding", i)
		}
		id := p.ID
		if id == "" {
			id = PointID(collection, p.Source, p.ChunkIx)
		}
		qpoints = append(qpoints, qdrantPoint{
			ID:     id,
			Vector: p.Vector,
			Payload: map[string]any{
				"text":     p.Text,
				"source":   p.Source,
				"chunk_ix": p.ChunkIx,
			},
		})
	}

	req := struct {
		Points []qdrantPoint `json:"points"`
	}{Points: qpoints}

	path := fmt.Sprintf("/collections/%s/points?wait=true", url.PathEscape(collection))
	if _, err := s.doJSON(ctx, http.MethodPut, path, req, nil); err != nil {
		return err
	}

	s.logger.Debug("qdrant upsert completed",
		zap.String("collection", collection),
		zap.Int("count", len(points)))
	return nil
}

// DeleteBySource removes all points whose source payload matches.
func (s *QdrantStore) DeleteBySource(ctx context.Context, collection, source string) error {
	req := map[string]any{
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": "source", "match": map[string]any{"value": source}},
			},
		},
	}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", url.PathEscape(collection))
	status, err := s.doJSON(ctx, http.MethodPost, path, req, nil)
	if status == http.StatusNotFound {
		return nil
	}
	return err
}

// Search returns the top-k closest points by cosine similarity, descending.
func (s *QdrantStore) Search(ctx context.Context, collection string, queryEmbedding []float64, topK int) ([]SearchResult, error) {
	if topK <= 0 {
		return []SearchResult{}, nil
	}
	if len(queryEmbedding) == 0 {
		return nil, fmt.Errorf("query embedding is required")
	}

	req := struct {
		Vector      []float64 `json:"vector"`
		Limit       int       `json:"limit"`
		WithPayload bool      `json:"with_payload"`
	}{
		Vector:      queryEmbedding,
		Limit:       topK,
		WithPayload: true,
	}

	var resp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}

	path := fmt.Sprintf("/collections/%s/points/search", url.PathEscape(collection))
	if _, err := s.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}

	out := make([]SearchResult, 0, len(resp.Result))
	for _, r := range resp.Result {
		sr := SearchResult{Score: r.Score}
		if r.Payload != nil {
			if v, ok := r.Payload["text"].(string); ok {
				sr.Text = v
			}
			if v, ok := r.Payload["source"].(string); ok {
				sr.Source = v
			}
		}
		out = append(out, sr)
	}
	return out, nil
}
