package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/abflow/api/handlers"
	"github.com/BaSui01/abflow/config"
	"github.com/BaSui01/abflow/experiment"
	"github.com/BaSui01/abflow/internal/database"
	"github.com/BaSui01/abflow/internal/metrics"
	"github.com/BaSui01/abflow/internal/server"
	"github.com/BaSui01/abflow/internal/telemetry"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 abflow 的主服务器
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 实验引擎
	svc             *experiment.Service
	assignmentCache *experiment.AssignmentCache
	notifier        *experiment.WebhookNotifier

	// Handlers
	healthHandler     *handlers.HealthHandler
	experimentHandler *handlers.ExperimentHandler

	// 指标收集器
	metricsCollector *metrics.Collector

	// 基础设施
	pool *database.PoolManager
	otel *telemetry.Providers

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc

	wg sync.WaitGroup
}

// NewServer 创建新的服务器实例
// pool 为 nil 时退回内存存储（仅适合本地开发）
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otel *telemetry.Providers, pool *database.PoolManager) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		otel:       otel,
		pool:       pool,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("abflow", s.logger)

	// 2. 初始化实验引擎
	if err := s.initService(); err != nil {
		return fmt.Errorf("failed to init experiment service: %w", err)
	}

	// 3. 初始化 Handlers
	if err := s.initHandlers(); err != nil {
		return fmt.Errorf("failed to init handlers: %w", err)
	}

	// 4. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 5. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("persistent_store", s.pool != nil),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initService 组装实验引擎：存储、指标、分配缓存与分析转发
func (s *Server) initService() error {
	var store experiment.Store
	if s.pool != nil {
		store = experiment.NewGormStore(s.pool.DB())
	} else {
		s.logger.Warn("Using in-memory experiment store, data will not survive restarts")
		store = experiment.NewMemoryStore()
	}

	opts := []experiment.Option{
		experiment.WithMetrics(s.metricsCollector),
	}

	if s.cfg.Experiments.AssignmentTTL > 0 {
		opts = append(opts, experiment.WithAssignmentTTL(s.cfg.Experiments.AssignmentTTL))
	}

	if s.cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     s.cfg.Redis.Addr,
			Password: s.cfg.Redis.Password,
			DB:       s.cfg.Redis.DB,
			PoolSize: s.cfg.Redis.PoolSize,
		})
		s.assignmentCache = experiment.NewAssignmentCache(client, s.cfg.Redis.KeyPrefix, s.logger)
		opts = append(opts, experiment.WithAssignmentCache(s.assignmentCache))
		s.logger.Info("Assignment cache enabled", zap.String("addr", s.cfg.Redis.Addr))
	}

	if s.cfg.Analytics.Enabled {
		s.notifier = experiment.NewWebhookNotifier(s.cfg.Analytics.WebhookURL, s.cfg.Analytics.RateLimitRPS, s.logger)
		opts = append(opts, experiment.WithNotifier(s.notifier))
		s.logger.Info("Analytics forwarding enabled", zap.String("webhook_url", s.cfg.Analytics.WebhookURL))
	}

	s.svc = experiment.NewService(store, s.logger, opts...)
	return nil
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() error {
	// 健康检查 handler
	s.healthHandler = handlers.NewHealthHandler(s.logger)

	if s.pool != nil {
		s.healthHandler.RegisterCheck(handlers.NewDatabaseHealthCheck("database", s.pool.Ping))
	}
	if s.assignmentCache != nil {
		s.healthHandler.RegisterCheck(handlers.NewRedisHealthCheck("redis", s.assignmentCache.Ping))
	}

	// 实验 handler
	s.experimentHandler = handlers.NewExperimentHandler(s.svc, s.logger)

	s.logger.Info("Handlers initialized")
	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点
	// ========================================
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)

	// 版本信息端点
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// 实验 API 路由
	// ========================================
	mux.HandleFunc("/api/v1/tests", s.experimentHandler.HandleTests)
	mux.HandleFunc("/api/v1/tests/{id}", s.experimentHandler.HandleGetTest)
	mux.HandleFunc("/api/v1/tests/{id}/variants", s.experimentHandler.HandleAddVariant)
	mux.HandleFunc("/api/v1/tests/{id}/assign", s.experimentHandler.HandleAssign)
	mux.HandleFunc("/api/v1/tests/{id}/impressions", s.experimentHandler.HandleImpression)
	mux.HandleFunc("/api/v1/tests/{id}/conversions", s.experimentHandler.HandleConversion)
	mux.HandleFunc("/api/v1/tests/{id}/results", s.experimentHandler.HandleResults)
	mux.HandleFunc("/api/v1/tests/{id}/audit", s.experimentHandler.HandleAuditLog)
	mux.HandleFunc("/api/v1/tests/{id}/activate", s.experimentHandler.HandleActivate)
	mux.HandleFunc("/api/v1/tests/{id}/pause", s.experimentHandler.HandlePause)
	mux.HandleFunc("/api/v1/tests/{id}/resume", s.experimentHandler.HandleResume)
	mux.HandleFunc("/api/v1/tests/{id}/complete", s.experimentHandler.HandleComplete)
	mux.HandleFunc("/api/v1/tests/{id}/winner", s.experimentHandler.HandleDeclareWinner)

	// ========================================
	// 构建中间件链
	// ========================================
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		OTelTracing(),
		CORS(s.cfg.Server.CORSOrigins),
		RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
		JWTAuth(s.cfg.Auth, s.logger),
	)

	// ========================================
	// 使用 internal/server.Manager
	// ========================================
	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout, // 2x ReadTimeout
		MaxHeaderBytes:  1 << 20,                      // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	// 使用 httpManager 的 WaitForShutdown（它会监听信号）
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	// 执行清理
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 0. 停止 rate limiter 清理 goroutine
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// 1. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 3. 排空分析投递队列
	if s.notifier != nil {
		s.notifier.Close()
	}

	// 4. 关闭分配缓存连接
	if s.assignmentCache != nil {
		if err := s.assignmentCache.Close(); err != nil {
			s.logger.Error("Assignment cache shutdown error", zap.Error(err))
		}
	}

	// 5. 关闭数据库连接池
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("Database pool shutdown error", zap.Error(err))
		}
	}

	// 6. 刷新遥测数据
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	// 7. 等待所有 goroutine 完成
	s.wg.Wait()

	s.logger.Info("Graceful shutdown completed")
}
