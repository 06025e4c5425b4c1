package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/choir/agent"
	"github.com/BaSui01/choir/api"
	"github.com/BaSui01/choir/config"
	"github.com/BaSui01/choir/internal/cache"
	"github.com/BaSui01/choir/internal/database"
	"github.com/BaSui01/choir/internal/metrics"
	"github.com/BaSui01/choir/internal/server"
	"github.com/BaSui01/choir/internal/telemetry"
	"github.com/BaSui01/choir/llm"
	"github.com/BaSui01/choir/rag"
	"github.com/BaSui01/choir/session"
	"github.com/BaSui01/choir/store"
)

// App 聚合服务的全部长生命周期组件。
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	manager   *server.Manager
	registry  *session.Registry
	pool      *database.PoolManager
	telemetry *telemetry.Providers
	history   *cache.HistoryCache
}

// buildApp 按依赖顺序装配全部组件。
func buildApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	db, err := store.Open(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	pool, err := database.NewPoolManager(db, database.PoolConfig{
		MaxIdleConns:        cfg.Database.MaxIdleConns,
		MaxOpenConns:        cfg.Database.MaxOpenConns,
		ConnMaxLifetime:     cfg.Database.ConnMaxLifetime,
		HealthCheckInterval: 30 * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("database pool: %w", err)
	}

	cipher, err := store.NewCipher(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}

	collector := metrics.NewCollector("choir", logger)

	personaStore := store.NewPersonaStore(db, cipher, logger)
	convStore := store.NewConversationStore(db, logger)

	var history *cache.HistoryCache
	if cfg.Redis.Addr != "" {
		history = cache.NewHistoryCache(cache.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		}, collector, logger)
		if err := history.Ping(context.Background()); err != nil {
			logger.Warn("redis not reachable, history cache disabled", zap.Error(err))
			history.Close()
			history = nil
		} else {
			convStore = convStore.WithCache(history)
		}
	}

	qdrant := rag.NewQdrantStore(rag.QdrantConfig{
		BaseURL: cfg.Qdrant.URL,
		APIKey:  cfg.Qdrant.APIKey,
		Timeout: cfg.Qdrant.Timeout,
	}, logger)
	engine := rag.NewEngine(qdrant, &embedderFactory{personas: personaStore}, logger)

	budget := agent.NewTokenBudget(cfg.LLM.TokenizerModel, 0, logger)
	runtimeFactory := session.NewDefaultRuntimeFactory(
		personaStore, engine, budget, cfg.LLM.CallTimeout, cfg.LLM.RetrievalTopK, logger)

	registry := session.NewRegistry(session.Config{
		LLMCallTimeout:   cfg.LLM.CallTimeout,
		IdleEviction:     cfg.Session.IdleEviction,
		MaxHistory:       cfg.Session.MaxHistory,
		QueueSize:        cfg.Session.QueueSize,
		SubscriberBuffer: cfg.Bus.SubscriberBuffer,
		Metrics:          collector,
	}, convStore, personaStore, runtimeFactory, logger)
	registry.StartJanitor(context.Background(), cfg.Session.IdleEviction/10)

	auth := api.NewAuthenticator(cfg.Auth.JWTSecret, logger)
	handlers := api.NewHandlers(convStore, personaStore, engine, registry, logger)
	router := api.NewRouter(handlers, auth,
		api.Recover(logger),
		api.RequestLogger(logger),
		api.Metrics(collector),
		api.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, logger).Middleware,
	)

	manager := server.NewManager(router, server.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	return &App{
		cfg:       cfg,
		logger:    logger,
		manager:   manager,
		registry:  registry,
		pool:      pool,
		telemetry: otelProviders,
		history:   history,
	}, nil
}

// Start 启动 HTTP 服务。
func (a *App) Start() error {
	return a.manager.Start()
}

// WaitForShutdown 等待信号并按逆序关闭组件。
func (a *App) WaitForShutdown() {
	a.manager.WaitForShutdown()

	a.registry.Shutdown()
	if a.history != nil {
		a.history.Close()
	}
	if err := a.pool.Close(); err != nil {
		a.logger.Error("failed to close database pool", zap.Error(err))
	}
	if err := a.telemetry.Shutdown(context.Background()); err != nil {
		a.logger.Error("failed to shutdown telemetry", zap.Error(err))
	}
}

// embedderFactory 按 (owner, persona) 解析 persona 的 embedding 档案，
// 每次调用构造短生命周期的客户端，避免跨租户参数泄漏。
type embedderFactory struct {
	personas *store.PersonaStore
}

func (f *embedderFactory) EmbedderFor(ctx context.Context, owner string, personaID uint) (rag.Embedder, error) {
	persona, err := f.personas.GetPersona(ctx, owner, personaID)
	if err != nil {
		return nil, err
	}
	cfg, err := f.personas.ResolveEmbeddingConfig(ctx, persona)
	if err != nil {
		return nil, err
	}
	return llm.NewEmbeddingClient(llm.EmbeddingConfig{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		Dimensions: cfg.Dimensions,
	}), nil
}
