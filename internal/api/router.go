// Package api 提供了流程执行引擎的HTTP API处理程序。
// 该文件负责配置HTTP路由器和中间件，将HTTP请求映射到相应的处理器方法。
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/oriys/procflow/internal/auth"
	"github.com/oriys/procflow/internal/telemetry"
)

// RouterConfig 路由器配置选项
type RouterConfig struct {
	// Handler API处理器
	Handler *Handler
	// Auth 认证中间件（可选，nil 时所有请求直接放行）
	Auth *auth.Middleware
	// Logger 日志记录器
	Logger *logrus.Logger
	// RequestTimeout 单个请求的超时时间，必须大于任务拉取长轮询的上限
	RequestTimeout time.Duration
}

// NewRouter 创建并配置HTTP路由器。
//
// 功能说明：
//   - 创建chi路由器实例并配置全局中间件
//   - 注册健康检查和指标端点
//   - 配置API v1版本的所有路由
//
// 路由结构：
//
//	/health                          - 基本健康检查
//	/health/ready                    - Kubernetes就绪探针
//	/health/live                     - Kubernetes存活探针
//	/metrics                         - Prometheus指标端点
//	/api/v1/processes                - 流程程序管理API
//	/api/v1/instances                - 实例管理API
//	/api/v1/jobs                     - worker 任务协议API
//	/api/v1/incidents                - 故障单API
func NewRouter(cfg *RouterConfig) *chi.Mux {
	h := cfg.Handler
	r := chi.NewRouter()

	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 90 * time.Second
	}

	// 配置中间件链
	// 中间件按照添加顺序执行，形成洋葱模型

	// 遥测中间件：记录HTTP请求的追踪信息
	r.Use(telemetry.HTTPMiddleware("procflow-engine"))

	// RequestID中间件：为每个请求生成唯一ID，便于日志追踪
	r.Use(middleware.RequestID)

	// RealIP中间件：从X-Forwarded-For等头部获取真实客户端IP
	r.Use(middleware.RealIP)

	// Compress中间件：对响应进行gzip压缩，减少网络传输
	r.Use(middleware.Compress(5, "application/json", "text/plain"))

	// Logger中间件：记录请求日志
	r.Use(middleware.Logger)

	// Recoverer中间件：捕获panic并返回500错误，防止服务崩溃
	r.Use(middleware.Recoverer)

	// Timeout中间件：请求超时必须覆盖任务拉取的长轮询窗口
	r.Use(middleware.Timeout(requestTimeout))

	// CORS中间件：处理跨域请求
	r.Use(corsMiddleware)

	// 健康检查端点 - 用于负载均衡器和Kubernetes探针
	r.Get("/health", h.Health)
	r.Get("/health/ready", h.Ready)
	r.Get("/health/live", h.Live)

	// Prometheus指标端点 - 暴露应用程序指标供监控系统采集
	r.Handle("/metrics", promhttp.Handler())

	// API v1 路由组
	r.Route("/api/v1", func(r chi.Router) {
		// 认证中间件只保护业务API，健康检查和指标端点保持开放
		if cfg.Auth != nil {
			r.Use(cfg.Auth.Authenticate)
		}

		// POST /api/v1/compile - 编译流程图标记（不部署）
		r.Post("/compile", h.CompileProcess)

		// 流程程序管理路由组
		r.Route("/processes", func(r chi.Router) {
			// POST /api/v1/processes - 部署流程程序
			r.Post("/", h.DeployProcess)
			// GET /api/v1/processes - 获取已部署程序列表
			r.Get("/", h.ListProcesses)
			// GET /api/v1/processes/{key}/latest - 查询流程最新字节码版本
			r.Get("/{key}/latest", h.LatestProcessVersion)
		})

		// 实例管理路由组
		r.Route("/instances", func(r chi.Router) {
			// POST /api/v1/instances - 启动实例
			r.Post("/", h.StartInstance)
			// GET /api/v1/instances - 获取实例列表
			r.Get("/", h.ListInstances)

			r.Route("/{id}", func(r chi.Router) {
				// GET /api/v1/instances/{id} - 获取实例详情
				r.Get("/", h.GetInstance)
				// GET /api/v1/instances/{id}/inspect - 实例检视快照
				r.Get("/inspect", h.InspectInstance)
				// POST /api/v1/instances/{id}/signal - 投递消息/人工任务信号
				r.Post("/signal", h.SignalInstance)
				// POST /api/v1/instances/{id}/run - 显式推进并返回未决任务
				r.Post("/run", h.RunInstance)
				// POST /api/v1/instances/{id}/cancel - 取消实例
				r.Post("/cancel", h.CancelInstance)
				// GET /api/v1/instances/{id}/events - 读取事件历史
				r.Get("/events", h.ListInstanceEvents)
				// GET /api/v1/instances/{id}/events/stream - WebSocket 实时事件流
				r.Get("/events/stream", h.StreamInstanceEvents)
			})
		})

		// worker 任务协议路由组
		r.Route("/jobs", func(r chi.Router) {
			// POST /api/v1/jobs/activate - 长轮询拉取任务
			r.Post("/activate", h.ActivateJobs)

			r.Route("/{key}", func(r chi.Router) {
				// GET /api/v1/jobs/{key} - 获取任务详情
				r.Get("/", h.GetJob)
				// POST /api/v1/jobs/{key}/complete - 完成任务
				r.Post("/complete", h.CompleteJob)
				// POST /api/v1/jobs/{key}/fail - 上报任务失败
				r.Post("/fail", h.FailJob)
			})
		})

		// 故障单路由组
		r.Route("/incidents", func(r chi.Router) {
			// GET /api/v1/incidents - 查询未决故障单
			r.Get("/", h.ListIncidents)
			// GET /api/v1/incidents/{id} - 获取故障单详情
			r.Get("/{id}", h.GetIncident)
			// POST /api/v1/incidents/{id}/resolve - 恢复故障单
			r.Post("/{id}/resolve", h.ResolveIncident)
		})

		// GET /api/v1/stats - 获取系统统计信息
		r.Get("/stats", h.Stats)
	})

	return r
}

// corsMiddleware 是处理跨域资源共享(CORS)的中间件。
//
// 功能说明：
//   - 设置允许所有来源的跨域请求（Access-Control-Allow-Origin: *）
//   - 允许的HTTP方法：GET, POST, PUT, DELETE, OPTIONS
//   - 允许的请求头：Content-Type, Authorization, X-API-Key
//   - 处理预检请求（OPTIONS方法）
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		// 预检请求直接返回
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
