package rag

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/choir/types"
)

// Embedder 为一个 persona 的集合提供嵌入。
// 同一集合的写入与查询必须使用同一模型和维度。
type Embedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float64, error)
	EmbedDocuments(ctx context.Context, documents []string) ([][]float64, error)
	Dimensions() int
}

// EmbedderFactory 按 (owner, persona) 解析 persona 自己的 embedding 档案。
// 每次调用构造短生命周期的 Embedder，避免跨租户参数泄漏。
type EmbedderFactory interface {
	EmbedderFor(ctx context.Context, owner string, personaID uint) (Embedder, error)
}

// Passage 一条检索结果。
type Passage struct {
	Text   string  `json:"text"`
	Source string  `json:"source"`
	Score  float64 `json:"score"`
}

// CollectionName 是 (owner, persona) 的纯函数。
func CollectionName(owner string, personaID uint) string {
	return fmt.Sprintf("%s_persona_%d_rag", owner, personaID)
}

// Engine 管理 per-persona 知识库集合。
type Engine struct {
	store    *QdrantStore
	embedder EmbedderFactory
	chunking ChunkingConfig
	logger   *zap.Logger
}

// NewEngine 创建检索引擎。
func NewEngine(store *QdrantStore, embedder EmbedderFactory, logger *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		embedder: embedder,
		chunking: DefaultChunkingConfig(),
		logger:   logger.With(zap.String("component", "rag_engine")),
	}
}

// IngestText 分块、嵌入并写入 persona 的集合。
// 同一 (collection, source) 重复摄取会先删除旧块再写入（replace 语义）。
// 首次使用时按 embedding 档案的维度创建集合。
func (e *Engine) IngestText(ctx context.Context, owner string, personaID uint, text, source string) (int, string, error) {
	collection := CollectionName(owner, personaID)
	if source == "" {
		source = "background"
	}

	chunks := SplitText(text, e.chunking)
	if len(chunks) == 0 {
		return 0, collection, types.NewError(types.ErrValidation, "no ingestible content")
	}

	embedder, err := e.embedder.EmbedderFor(ctx, owner, personaID)
	if err != nil {
		return 0, collection, err
	}

	vectors, err := embedder.EmbedDocuments(ctx, chunks)
	if err != nil {
		return 0, collection, types.NewError(types.ErrUpstream, "embedding failed").WithCause(err)
	}
	if len(vectors) != len(chunks) {
		return 0, collection, types.NewError(types.ErrUpstream,
			fmt.Sprintf("embedding count mismatch: got=%d want=%d", len(vectors), len(chunks)))
	}

	dim := embedder.Dimensions()
	if dim == 0 && len(vectors) > 0 {
		dim = len(vectors[0])
	}
	if err := e.store.EnsureCollection(ctx, collection, dim); err != nil {
		return 0, collection, types.NewError(types.ErrUpstream, "failed to create collection").WithCause(err)
	}

	// replace 语义：同 source 的旧块先删除
	if err := e.store.DeleteBySource(ctx, collection, source); err != nil {
		return 0, collection, types.NewError(types.ErrUpstream, "failed to clear previous source chunks").WithCause(err)
	}

	points := make([]Point, 0, len(chunks))
	for i, chunk := range chunks {
		points = append(points, Point{
			Vector:  vectors[i],
			Text:    chunk,
			Source:  source,
			ChunkIx: i,
		})
	}
	if err := e.store.Upsert(ctx, collection, points); err != nil {
		return 0, collection, types.NewError(types.ErrUpstream, "failed to upsert chunks").WithCause(err)
	}

	e.logger.Info("text ingested",
		zap.String("collection", collection),
		zap.String("source", source),
		zap.Int("chunks", len(chunks)))
	return len(chunks), collection, nil
}

// IngestURL 抓取 URL、抽取文本并摄取，source 为该 URL。
func (e *Engine) IngestURL(ctx context.Context, owner string, personaID uint, rawURL string) (int, string, error) {
	text, err := FetchText(ctx, rawURL)
	if err != nil {
		return 0, CollectionName(owner, personaID), types.NewError(types.ErrUpstream, "failed to fetch url").WithCause(err)
	}
	return e.IngestText(ctx, owner, personaID, text, rawURL)
}

// DeleteBySource 删除集合中指定 source 的全部块。
func (e *Engine) DeleteBySource(ctx context.Context, owner string, personaID uint, source string) error {
	collection := CollectionName(owner, personaID)
	exists, err := e.store.CollectionExists(ctx, collection)
	if err != nil {
		return types.NewError(types.ErrUpstream, "failed to probe collection").WithCause(err)
	}
	if !exists {
		return nil
	}
	if err := e.store.DeleteBySource(ctx, collection, source); err != nil {
		return types.NewError(types.ErrUpstream, "failed to delete source chunks").WithCause(err)
	}
	return nil
}

// DeleteCollection 丢弃 persona 的整个集合。
func (e *Engine) DeleteCollection(ctx context.Context, owner string, personaID uint) error {
	collection := CollectionName(owner, personaID)
	if err := e.store.DropCollection(ctx, collection); err != nil {
		return types.NewError(types.ErrUpstream, "failed to drop collection").WithCause(err)
	}
	e.logger.Info("collection dropped", zap.String("collection", collection))
	return nil
}

// Search 用 persona 自己的 embedding 档案嵌入查询并检索 top-k，
// 按相似度降序返回。集合不存在时返回空序列而不是错误。
func (e *Engine) Search(ctx context.Context, owner string, personaID uint, query string, topK int) ([]Passage, error) {
	collection := CollectionName(owner, personaID)

	exists, err := e.store.CollectionExists(ctx, collection)
	if err != nil {
		return nil, types.NewError(types.ErrUpstream, "failed to probe collection").WithCause(err)
	}
	if !exists {
		return []Passage{}, nil
	}

	embedder, err := e.embedder.EmbedderFor(ctx, owner, personaID)
	if err != nil {
		return nil, err
	}
	vector, err := embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, types.NewError(types.ErrUpstream, "query embedding failed").WithCause(err)
	}

	results, err := e.store.Search(ctx, collection, vector, topK)
	if err != nil {
		return nil, types.NewError(types.ErrUpstream, "vector search failed").WithCause(err)
	}

	passages := make([]Passage, 0, len(results))
	for _, r := range results {
		passages = append(passages, Passage{Text: r.Text, Source: r.Source, Score: r.Score})
	}
	return passages, nil
}
