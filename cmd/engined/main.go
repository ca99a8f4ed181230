// Package main 是流程执行引擎服务的入口点。
// 引擎服务负责流程程序的部署、实例的执行推进、worker 任务协议
// 和定时器驱动，是整个平台的核心组件。
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/oriys/procflow/internal/api"
	"github.com/oriys/procflow/internal/auth"
	"github.com/oriys/procflow/internal/config"
	"github.com/oriys/procflow/internal/engine"
	"github.com/oriys/procflow/internal/events"
	"github.com/oriys/procflow/internal/jobs"
	"github.com/oriys/procflow/internal/metrics"
	"github.com/oriys/procflow/internal/storage"
	"github.com/oriys/procflow/internal/telemetry"
	"github.com/oriys/procflow/internal/timer"
)

// main 负责初始化所有依赖组件并启动 HTTP 服务器。
func main() {
	// 解析命令行参数，获取配置文件路径
	configPath := flag.String("config", "/etc/procflow/config.yaml", "Path to config file")
	flag.Parse()

	// 设置日志记录器
	// 使用 JSON 格式输出日志，便于日志收集和分析
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	// 加载配置文件；文件不存在时回退到默认配置（仍应用环境变量覆盖）
	cfg, err := config.Load(*configPath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.WithField("path", *configPath).Warn("Config file not found, using defaults")
			cfg = config.Default()
		} else {
			logger.WithError(err).Fatal("Failed to load config")
		}
	}

	// 根据配置设置日志级别和格式
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	logger.WithField("storage", cfg.Storage.Driver).Info("Starting procflow engine")

	// 监听配置文件变更，热更新日志级别
	if _, err := os.Stat(*configPath); err == nil {
		stopWatch, err := config.Watch(*configPath, logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to watch config file")
		} else {
			defer stopWatch()
		}
	}

	// 初始化遥测系统 (OpenTelemetry)
	if cfg.Telemetry.Enabled {
		telCfg := telemetry.Config{
			Enabled:     cfg.Telemetry.Enabled,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			SampleRate:  cfg.Telemetry.SampleRate,
			Environment: cfg.Telemetry.Environment,
		}
		tel, err := telemetry.New(context.Background(), telCfg)
		if err != nil {
			// 遥测初始化失败不影响主服务运行，仅记录警告
			logger.WithError(err).Warn("Failed to initialize telemetry, continuing without tracing")
		} else {
			defer tel.Shutdown(context.Background())
			// 将遥测钩子添加到日志记录器，自动关联日志和追踪
			logger.AddHook(telemetry.NewLogrusHook())
			logger.WithFields(logrus.Fields{
				"endpoint":    cfg.Telemetry.Endpoint,
				"sample_rate": cfg.Telemetry.SampleRate,
			}).Info("Telemetry initialized")
		}
	}

	// 初始化持久化存储
	var store storage.Store
	switch cfg.Storage.Driver {
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
			cfg.Storage.Postgres.Host, cfg.Storage.Postgres.Port,
			cfg.Storage.Postgres.Database, cfg.Storage.Postgres.User,
			cfg.Storage.Postgres.Password)
		pg, err := storage.NewPostgresStore(dsn, cfg.Storage.Postgres.MaxConnections)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to PostgreSQL")
		}
		defer pg.Close()
		store = pg
		logger.WithFields(logrus.Fields{
			"host":     cfg.Storage.Postgres.Host,
			"database": cfg.Storage.Postgres.Database,
		}).Info("Using PostgreSQL storage")
	default:
		store = storage.NewMemoryStore()
		logger.Info("Using in-memory storage")
	}

	// 初始化 Redis 通知器（任务可用性广播与检视快照缓存）
	var redisNotifier *storage.RedisNotifier
	if cfg.Storage.Redis.Enabled {
		redisNotifier, err = storage.NewRedisNotifier(
			cfg.Storage.Redis.Address,
			cfg.Storage.Redis.Password,
			cfg.Storage.Redis.DB,
			cfg.Storage.Redis.InspectCacheTTL,
			logger,
		)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redisNotifier.Close()
		logger.WithField("address", cfg.Storage.Redis.Address).Info("Redis notifier connected")
	}

	// 初始化任务队列；配置了 Redis 时任务入队会广播到所有副本
	var notifier jobs.Notifier
	if redisNotifier != nil {
		notifier = redisNotifier
	}
	queue := jobs.NewQueue(cfg.Engine.LeaseTTL, notifier)
	if redisNotifier != nil {
		// 其他副本的入队广播唤醒本地长轮询
		redisNotifier.Listen(func(taskType string) {
			queue.Wake()
		})
	}

	// 初始化 NATS 事件总线（可选）
	var publisher engine.Publisher
	if cfg.Events.Enabled {
		bus, err := events.NewEventBus(cfg.Events.NatsURL, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to NATS")
		}
		defer bus.Close()
		publisher = bus
		logger.WithField("url", cfg.Events.NatsURL).Info("NATS event bus connected")
	}

	// 初始化 Prometheus 指标收集器
	var m *metrics.Metrics
	var engineMetrics engine.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(cfg.Metrics.Namespace)
		engineMetrics = m
	}

	// 初始化流程执行引擎
	eng := engine.New(engine.Options{
		Store:       store,
		Queue:       queue,
		Publisher:   publisher,
		Metrics:     engineMetrics,
		Logger:      logger,
		TaskRetries: cfg.Engine.TaskRetries,
	})

	// 从存储恢复已部署程序和未终态实例
	if err := eng.Restore(context.Background()); err != nil {
		logger.WithError(err).Fatal("Failed to restore engine state")
	}

	// 启动定时器服务：驱动定时器等待、边界定时器和租约清扫
	timerSvc := timer.NewService(eng, cfg.Engine.TimerInterval, logger)
	timerSvc.Start()
	defer timerSvc.Stop()

	// 初始化认证中间件
	var authMiddleware *auth.Middleware
	if cfg.Auth.Enabled {
		jwtMgr := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiration)
		keyValidator := auth.NewStaticKeyValidator(cfg.Auth.APIKeyHashes)
		authMiddleware = auth.NewMiddleware(jwtMgr, cfg.Auth.APIKeyHeader, keyValidator, true)
		logger.Info("Authentication enabled")
	}

	// 初始化 API 处理器和路由
	handler := api.NewHandler(&api.HandlerConfig{
		Engine:             eng,
		Store:              store,
		Redis:              redisNotifier,
		Metrics:            m,
		Logger:             logger,
		ActivateTimeoutMax: cfg.Engine.ActivateTimeoutMax,
	})
	router := api.NewRouter(&api.RouterConfig{
		Handler: handler,
		Auth:    authMiddleware,
		Logger:  logger,
		// 请求超时必须覆盖任务拉取的长轮询窗口
		RequestTimeout: cfg.Engine.ActivateTimeoutMax + 30*time.Second,
	})

	// 如果指标端口与主服务端口不同，单独启动指标服务器
	// 这样可以将指标暴露在内部端口，避免公开暴露
	var metricsServer *http.Server
	if cfg.Metrics.Enabled && cfg.Server.MetricsPort != cfg.Server.HTTPPort {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.MetricsPort),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			logger.WithField("port", cfg.Server.MetricsPort).Info("Starting metrics server")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Fatal("Metrics server failed")
			}
		}()
	}

	// 配置并启动主 HTTP 服务器
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: router,
		// 写超时必须覆盖任务拉取的长轮询窗口
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Engine.ActivateTimeoutMax + 60*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.Server.HTTPPort).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	// 等待关闭信号
	// 监听 SIGINT (Ctrl+C) 和 SIGTERM (容器停止) 信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// 创建带超时的上下文用于优雅关闭
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 优雅关闭 HTTP 服务器，等待现有请求处理完成
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server shutdown error")
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			logger.WithError(err).Error("Metrics server shutdown error")
		}
	}

	logger.Info("Server stopped")
}
