package store

import (
	"time"
)

// APIProfile 一个可调用的 OpenAI 兼容端点配置。
// APIKey 仅以密文存储；预览形如 "****abcd"。
type APIProfile struct {
	ID               uint   `gorm:"primaryKey" json:"id"`
	Username         string `gorm:"size:128;index:idx_profile_owner;not null" json:"username"`
	Name             string `gorm:"size:64;not null" json:"name"`
	BaseURL          string `gorm:"size:512;not null" json:"base_url"`
	Model            string `gorm:"size:255;not null" json:"model"`
	EncryptedAPIKey  string `gorm:"size:1024;not null" json:"-"`
	APIKeyPreview    string   `gorm:"size:16" json:"api_key_preview"`
	Temperature      *float64 `json:"temperature,omitempty"`
	IsEmbeddingModel bool     `json:"is_embedding_model"`
	EmbeddingDim     *int      `json:"embedding_dim,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"-"`
}

// Persona 群聊中的一个参与者配置。
type Persona struct {
	ID               uint    `gorm:"primaryKey" json:"id"`
	Username         string  `gorm:"size:128;uniqueIndex:idx_persona_owner_handle;not null" json:"username"`
	Handle           string  `gorm:"size:128;uniqueIndex:idx_persona_owner_handle;not null" json:"handle"`
	DisplayName      string  `gorm:"size:128;not null" json:"display_name"`
	SystemPrompt     string  `gorm:"type:text;not null" json:"system_prompt"`
	Tone             string  `gorm:"size:64;default:neutral" json:"tone"`
	Proactivity      float64 `gorm:"default:0.5" json:"proactivity"`
	MemoryWindow     int     `gorm:"default:8" json:"memory_window"`
	MaxAgentsPerTurn int     `gorm:"default:2" json:"max_agents_per_turn"`
	APIProfileID     uint    `gorm:"index" json:"api_profile_id"`
	// EmbeddingProfileID 该 persona 知识库使用的 embedding 档案；0 表示未配置
	EmbeddingProfileID uint   `gorm:"index" json:"embedding_profile_id,omitempty"`
	IsDefault          bool      `json:"is_default"`
	BackgroundText     string    `gorm:"type:text" json:"background_text,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"-"`
}

// Session 一个长期存在的会话；ID 形如 sess_{username}_{8hex}。
type Session struct {
	ID              string `gorm:"primaryKey;size:160" json:"id"`
	Username        string `gorm:"size:128;index:idx_session_owner;not null" json:"username"`
	Title           string `gorm:"size:255" json:"title,omitempty"`
	UserDisplayName string `gorm:"size:128" json:"user_display_name,omitempty"`
	UserHandle      string `gorm:"size:128;default:user" json:"user_handle"`
	UserPersona     string    `gorm:"type:text" json:"user_persona,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// ChatMessage 会话消息日志中的一条记录。
// Position 在会话内单调递增，是会话内全序的打破平局依据。
type ChatMessage struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	SessionID string `gorm:"size:160;uniqueIndex:idx_message_session_pos;not null" json:"session_id"`
	Position  int64  `gorm:"uniqueIndex:idx_message_session_pos;not null" json:"position"`
	Sender    string `gorm:"size:128;not null" json:"sender"`
	Content   string `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// LLMConfig 是解密后的调用配置。只在解析它的调用帧内存在，
// 不得写入日志或序列化返回给客户端。
type LLMConfig struct {
	BaseURL     string
	Model       string
	APIKey      string
	Temperature float32
}

// EmbeddingConfig 是解密后的 embedding 调用配置。
type EmbeddingConfig struct {
	BaseURL    string
	Model      string
	APIKey     string
	Dimensions int
}
