package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// EmbeddingConfig 嵌入客户端配置。
type EmbeddingConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	Timeout    time.Duration
}

// EmbeddingClient 调用 OpenAI 兼容的 /embeddings 端点。
type EmbeddingClient struct {
	cfg    EmbeddingConfig
	client *http.Client
}

// NewEmbeddingClient 创建嵌入客户端。
func NewEmbeddingClient(cfg EmbeddingConfig) *EmbeddingClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &EmbeddingClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// Model 返回配置的嵌入模型名。
func (c *EmbeddingClient) Model() string { return c.cfg.Model }

// Dimensions 返回配置的目标维度；0 表示使用模型默认维度。
func (c *EmbeddingClient) Dimensions() int { return c.cfg.Dimensions }

type embedRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// EmbedDocuments 批量嵌入文档，按输入顺序返回向量。
func (c *EmbeddingClient) EmbedDocuments(ctx context.Context, documents []string) ([][]float64, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	body := embedRequest{
		Input:      documents,
		Model:      c.cfg.Model,
		Dimensions: c.cfg.Dimensions,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		JoinEndpoint(c.cfg.BaseURL, "/embeddings"), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, MapHTTPError(http.StatusBadGateway, err.Error(), "embedding")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := ReadErrorMessage(resp.Body)
		return nil, MapHTTPError(resp.StatusCode, msg, "embedding")
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse embedding response: %w", err)
	}
	if len(parsed.Data) != len(documents) {
		return nil, fmt.Errorf("embedding count mismatch: got=%d want=%d", len(parsed.Data), len(documents))
	}

	out := make([][]float64, len(documents))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding index out of range: %d", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// EmbedQuery 嵌入单个查询字符串。
func (c *EmbeddingClient) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	vectors, err := c.EmbedDocuments(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return vectors[0], nil
}
