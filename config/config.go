// =============================================================================
// 📦 Choir 配置
// =============================================================================
// 统一配置结构，支持 YAML 文件 + 环境变量覆盖
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量（前缀 CHOIR_）
// =============================================================================
package config

import (
	"fmt"
	"time"
)

// Config 是 Choir 的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Database 关系型存储配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Qdrant 向量存储配置
	Qdrant QdrantConfig `yaml:"qdrant" env:"QDRANT"`

	// Redis 历史缓存配置（可选）
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// LLM 上游调用配置
	LLM LLMConfig `yaml:"llm" env:"LLM"`

	// Session 会话编排配置
	Session SessionConfig `yaml:"session" env:"SESSION"`

	// Bus 事件总线配置
	Bus BusConfig `yaml:"bus" env:"BUS"`

	// Auth 认证配置
	Auth AuthConfig `yaml:"auth" env:"AUTH"`

	// EncryptionKey API 密钥静态加密使用的进程级对称密钥（64 位 hex 直接作为 32 字节密钥；其他非空字符串经 SHA-256 派生）
	EncryptionKey string `yaml:"encryption_key" env:"ENCRYPTION_KEY"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// 监听地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时（含流式响应，需大于 LLM 调用超时）
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 空闲超时
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每调用方限流（请求/秒），0 表示不限流
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 限流突发量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动: postgres, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 连接串（postgres DSN 或 sqlite 文件路径）
	URL string `yaml:"url" env:"URL"`
	// 最大空闲连接数
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 最大打开连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// QdrantConfig 向量存储配置
type QdrantConfig struct {
	// 服务端点，如 http://localhost:6333
	URL string `yaml:"url" env:"URL"`
	// API Key（可选）
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址；为空表示禁用历史缓存
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 缓存过期时间
	TTL time.Duration `yaml:"ttl" env:"TTL"`
}

// LLMConfig 上游 LLM 调用配置
type LLMConfig struct {
	// 单次 LLM 调用的墙钟超时
	CallTimeout time.Duration `yaml:"call_timeout" env:"CALL_TIMEOUT"`
	// 检索工具单次返回的最大段落数
	RetrievalTopK int `yaml:"retrieval_top_k" env:"RETRIEVAL_TOP_K"`
	// 提示词预算估算使用的 tiktoken 模型
	TokenizerModel string `yaml:"tokenizer_model" env:"TOKENIZER_MODEL"`
}

// SessionConfig 会话编排配置
type SessionConfig struct {
	// 运行时绑定空闲驱逐时间
	IdleEviction time.Duration `yaml:"idle_eviction" env:"IDLE_EVICTION"`
	// 单次请求加载的最大历史条数（硬上限 128）
	MaxHistory int `yaml:"max_history" env:"MAX_HISTORY"`
	// 每会话等待队列容量
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
}

// BusConfig 事件总线配置
type BusConfig struct {
	// 每订阅者缓冲事件数；缓冲满时丢弃发给该订阅者的事件，连续丢弃 16 次后断开该订阅者
	SubscriberBuffer int `yaml:"subscriber_buffer" env:"SUBSCRIBER_BUFFER"`
}

// AuthConfig 认证配置
type AuthConfig struct {
	// JWT 签名密钥
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用链路追踪
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP gRPC 端点
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
	// 服务名
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
}

// MaxHistoryHardCap 单次请求历史条数的硬上限
const MaxHistoryHardCap = 128

// Default 返回带默认值的配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimitRPS:    20,
			RateLimitBurst:  40,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			URL:             "choir.db",
			MaxIdleConns:    10,
			MaxOpenConns:    100,
			ConnMaxLifetime: time.Hour,
		},
		Qdrant: QdrantConfig{
			URL:     "http://localhost:6333",
			Timeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			TTL: 5 * time.Minute,
		},
		LLM: LLMConfig{
			CallTimeout:    60 * time.Second,
			RetrievalTopK:  3,
			TokenizerModel: "gpt-4o",
		},
		Session: SessionConfig{
			IdleEviction: 1800 * time.Second,
			MaxHistory:   MaxHistoryHardCap,
			QueueSize:    32,
		},
		Bus: BusConfig{
			SubscriberBuffer: 64,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		Telemetry: TelemetryConfig{
			ServiceName: "choir",
		},
	}
}

// Validate 验证配置合法性
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver: %s (supported: postgres, sqlite)", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Qdrant.URL == "" {
		return fmt.Errorf("qdrant.url is required")
	}
	if c.EncryptionKey == "" {
		return fmt.Errorf("encryption_key is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.LLM.CallTimeout <= 0 {
		return fmt.Errorf("llm.call_timeout must be positive")
	}
	if c.Session.MaxHistory <= 0 || c.Session.MaxHistory > MaxHistoryHardCap {
		return fmt.Errorf("session.max_history must be in (0, %d]", MaxHistoryHardCap)
	}
	if c.Bus.SubscriberBuffer <= 0 {
		return fmt.Errorf("bus.subscriber_buffer must be positive")
	}
	return nil
}
