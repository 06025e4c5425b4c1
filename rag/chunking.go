package rag

import (
	"strings"
)

// ChunkingConfig 分块配置
type ChunkingConfig struct {
	// ChunkSize 目标块大小（字符）
	ChunkSize int `json:"chunk_size"`
	// ChunkOverlap 相邻块重叠（字符）
	ChunkOverlap int `json:"chunk_overlap"`
	// MinChunkSize 最小块大小，低于此值的尾块并入前块
	MinChunkSize int `json:"min_chunk_size"`
}

// DefaultChunkingConfig 默认分块配置
func DefaultChunkingConfig() ChunkingConfig {
	return ChunkingConfig{
		ChunkSize:    500,
		ChunkOverlap: 50,
		MinChunkSize: 20,
	}
}

// 分隔符优先级：段落 > 行 > 句子 > 单词
var separators = []string{"\n\n", "\n", "。", ". ", "! ", "！", "? ", "？", " "}

// SplitText 将文本切成带重叠的块。
// 在段落/句子边界分割，保持语义完整性；单块不超过 ChunkSize 太多。
func SplitText(text string, cfg ChunkingConfig) []string {
	if cfg.ChunkSize <= 0 {
		cfg = DefaultChunkingConfig()
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len([]rune(text)) <= cfg.ChunkSize {
		return []string{text}
	}

	pieces := splitRecursive(text, separators, cfg.ChunkSize)

	// 组装目标大小的块
	chunks := make([]string, 0, len(pieces))
	var current strings.Builder
	for _, piece := range pieces {
		if current.Len() > 0 && len([]rune(current.String()))+len([]rune(piece)) > cfg.ChunkSize {
			chunks = append(chunks, strings.TrimSpace(current.String()))
			// 重叠：保留上一块尾部
			tail := tailRunes(current.String(), cfg.ChunkOverlap)
			current.Reset()
			current.WriteString(tail)
		}
		current.WriteString(piece)
	}
	if remaining := strings.TrimSpace(current.String()); remaining != "" {
		if len([]rune(remaining)) < cfg.MinChunkSize && len(chunks) > 0 {
			chunks[len(chunks)-1] = chunks[len(chunks)-1] + " " + remaining
		} else {
			chunks = append(chunks, remaining)
		}
	}
	return chunks
}

// splitRecursive 递归分割，直到每段不超过 limit。
func splitRecursive(text string, seps []string, limit int) []string {
	if len([]rune(text)) <= limit {
		return []string{text}
	}
	if len(seps) == 0 {
		// 最后手段：按字符硬切
		return splitRunes(text, limit)
	}

	sep := seps[0]
	parts := strings.Split(text, sep)
	if len(parts) == 1 {
		return splitRecursive(text, seps[1:], limit)
	}

	out := make([]string, 0, len(parts))
	for i, part := range parts {
		if i < len(parts)-1 {
			part += sep
		}
		if len([]rune(part)) > limit {
			out = append(out, splitRecursive(part, seps[1:], limit)...)
		} else if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func splitRunes(text string, limit int) []string {
	runes := []rune(text)
	out := make([]string, 0, len(runes)/limit+1)
	for i := 0; i < len(runes); i += limit {
		end := i + limit
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}

func tailRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
