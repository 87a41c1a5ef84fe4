package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/threadflow/branch"
	"github.com/BaSui01/threadflow/checkpoint"
	"github.com/BaSui01/threadflow/config"
	"github.com/BaSui01/threadflow/internal/database"
	"github.com/BaSui01/threadflow/internal/metrics"
	"github.com/BaSui01/threadflow/internal/server"
	"github.com/BaSui01/threadflow/internal/telemetry"
	"github.com/BaSui01/threadflow/internal/tlsutil"
	"github.com/BaSui01/threadflow/thread"
)

// Server 是 threadflow 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	httpManager *server.Manager

	// 引擎组件
	checkpoints *checkpoint.Manager
	threads     *thread.Manager
	branches    *branch.Service

	// 数据库连接池（检查点后端与线程存储各自持有）
	pools []*database.PoolManager

	// 指标收集器
	metricsCollector *metrics.Collector

	otelProviders *telemetry.Providers
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{
		cfg:           cfg,
		logger:        logger,
		otelProviders: otelProviders,
	}
}

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	if s.cfg.Metrics.Enabled {
		s.metricsCollector = metrics.NewCollector("threadflow", s.logger)
	}

	// 2. 初始化检查点引擎
	if err := s.initEngine(); err != nil {
		return fmt.Errorf("failed to init engine: %w", err)
	}

	// 3. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.String("backend", string(s.cfg.Checkpoint.Backend)),
	)

	return nil
}

// initEngine 初始化检查点存储、线程存储与分支服务
func (s *Server) initEngine() error {
	cpCfg := s.cfg.Checkpoint

	// 数据库后端未显式配置 DSN 时，由 database 段推导
	var store checkpoint.Store
	switch cpCfg.Backend {
	case checkpoint.BackendSQLite, checkpoint.BackendPostgres, checkpoint.BackendMySQL:
		if cpCfg.DSN == "" {
			cpCfg.DSN = s.cfg.Database.DSN()
		}
		// 数据库后端经由连接池管理器，使 database 段的池配置生效
		pool, err := s.openPool(string(cpCfg.Backend), cpCfg.DSN)
		if err != nil {
			return fmt.Errorf("create checkpoint store: %w", err)
		}
		store, err = checkpoint.NewDatabaseStoreWithDB(pool.DB(), checkpoint.NewCodec(cpCfg.Compression), s.logger)
		if err != nil {
			return fmt.Errorf("create checkpoint store: %w", err)
		}
	default:
		var err error
		store, err = checkpoint.NewStore(cpCfg, s.logger)
		if err != nil {
			return fmt.Errorf("create checkpoint store: %w", err)
		}
	}

	opts := []checkpoint.Option{
		checkpoint.WithLogger(s.logger),
		checkpoint.WithCache(s.buildCache(cpCfg)),
	}
	if s.metricsCollector != nil {
		opts = append(opts, checkpoint.WithMonitor(s.metricsCollector))
	}

	checkpoints, err := checkpoint.NewManager(cpCfg, store, opts...)
	if err != nil {
		return fmt.Errorf("create checkpoint manager: %w", err)
	}
	s.checkpoints = checkpoints

	threadStore, err := s.buildThreadStore()
	if err != nil {
		return fmt.Errorf("create thread store: %w", err)
	}
	s.threads = thread.NewManager(threadStore, s.logger)

	s.branches = branch.NewService(s.checkpoints, s.threads, s.logger)

	return nil
}

// buildCache 根据后端选择读缓存：redis 后端复用 redis，其余用进程内缓存
func (s *Server) buildCache(cpCfg checkpoint.Config) checkpoint.Cache {
	if cpCfg.Backend == checkpoint.BackendRedis && cpCfg.Redis.Addr != "" {
		redisOpts := &redis.Options{
			Addr:     cpCfg.Redis.Addr,
			Password: cpCfg.Redis.Password,
			DB:       cpCfg.Redis.DB,
			PoolSize: cpCfg.Redis.PoolSize,
		}
		if cpCfg.Redis.TLS {
			redisOpts.TLSConfig = tlsutil.DefaultTLSConfig()
		}
		return checkpoint.NewRedisCache(redis.NewClient(redisOpts), cpCfg.Redis.KeyPrefix, s.logger)
	}
	return checkpoint.NewMemoryCache(time.Minute)
}

// buildThreadStore 选择线程存储：配置了数据库驱动时持久化，否则内存
func (s *Server) buildThreadStore() (thread.Store, error) {
	if s.cfg.Database.Driver == "" {
		return thread.NewMemoryStore(s.logger), nil
	}

	pool, err := s.openPool(s.cfg.Database.Driver, s.cfg.Database.DSN())
	if err != nil {
		s.logger.Warn("database unavailable, falling back to in-memory thread store", zap.Error(err))
		return thread.NewMemoryStore(s.logger), nil
	}

	return thread.NewGormStore(pool.DB(), s.logger)
}

// openPool 打开数据库并套上连接池管理器。database 段的池参数在此生效，
// 健康检查回写连接数指标。
func (s *Server) openPool(driver, dsn string) (*database.PoolManager, error) {
	db, err := database.Open(driver, dsn, s.logger)
	if err != nil {
		return nil, err
	}

	poolCfg := database.DefaultPoolConfig()
	if s.cfg.Database.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = s.cfg.Database.MaxOpenConns
	}
	if s.cfg.Database.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = s.cfg.Database.MaxIdleConns
	}
	if s.cfg.Database.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = s.cfg.Database.ConnMaxLifetime
	}
	if s.metricsCollector != nil {
		poolCfg.OnStats = func(stats sql.DBStats) {
			s.metricsCollector.RecordDBConnections(driver, stats.OpenConnections, stats.Idle)
		}
	}

	pool, err := database.NewPoolManager(db, poolCfg, s.logger)
	if err != nil {
		return nil, err
	}
	s.pools = append(s.pools, pool)
	return pool, nil
}

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// 健康检查端点
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/version", s.handleVersion)

	// API 路由
	s.registerAPIRoutes(mux)

	// Prometheus 指标
	if s.cfg.Metrics.Enabled {
		path := s.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, promhttp.Handler())
	}

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		OTelTracing(),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	// 同时配置证书与私钥时以 HTTPS 启动
	if s.cfg.Server.TLSCert != "" && s.cfg.Server.TLSKey != "" {
		if err := s.httpManager.StartTLS(s.cfg.Server.TLSCert, s.cfg.Server.TLSKey); err != nil {
			return err
		}
		s.logger.Info("HTTPS server started", zap.Int("port", s.cfg.Server.HTTPPort))
		return nil
	}

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	if s.checkpoints != nil {
		if err := s.checkpoints.Close(); err != nil {
			s.logger.Error("Checkpoint manager shutdown error", zap.Error(err))
		}
	}

	for _, pool := range s.pools {
		if err := pool.Close(); err != nil {
			s.logger.Error("Database pool shutdown error", zap.Error(err))
		}
	}

	if err := s.otelProviders.Shutdown(ctx); err != nil {
		s.logger.Error("Telemetry shutdown error", zap.Error(err))
	}

	s.logger.Info("Graceful shutdown completed")
}
