// Package api 提供了流程执行引擎的HTTP API处理程序。
// 该包实现了RESTful API接口，用于流程程序的部署与编译、
// 实例的启动、检视、信号投递和取消，以及任务协议端点。
// 主要功能包括：
//   - 流程程序的编译与部署（内容寻址版本）
//   - 实例生命周期管理（启动、检视、信号、取消）
//   - worker 任务协议（长轮询拉取、完成、失败）
//   - 故障单查询与恢复
//   - 健康检查和统计信息
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/oriys/procflow/internal/compiler"
	"github.com/oriys/procflow/internal/domain"
	"github.com/oriys/procflow/internal/engine"
	"github.com/oriys/procflow/internal/metrics"
	"github.com/oriys/procflow/internal/storage"
	"github.com/oriys/procflow/internal/telemetry"
)

// Handler 是API请求处理器的核心结构体。
// 它封装了引擎和存储层的依赖，负责处理所有HTTP请求。
//
// 字段说明：
//   - engine: 流程执行引擎，承载全部运行时语义
//   - store: 持久化存储接口，用于故障单与事件的直接查询
//   - redis: Redis 通知器，用于检视快照缓存（可选）
//   - metrics: 指标收集器（可选）
//   - logger: 日志记录器
type Handler struct {
	engine      *engine.Engine
	store       storage.Store
	redis       *storage.RedisNotifier
	metrics     *metrics.Metrics
	logger      *logrus.Logger
	activateMax time.Duration
}

// HandlerConfig 处理器配置选项。
type HandlerConfig struct {
	// Engine 流程执行引擎（必填）
	Engine *engine.Engine
	// Store 持久化存储（必填）
	Store storage.Store
	// Redis Redis 通知器（可选，用于检视快照缓存）
	Redis *storage.RedisNotifier
	// Metrics 指标收集器（可选）
	Metrics *metrics.Metrics
	// Logger 日志记录器
	Logger *logrus.Logger
	// ActivateTimeoutMax 任务拉取长轮询的最大等待上限
	ActivateTimeoutMax time.Duration
}

// NewHandler 创建并返回一个新的Handler实例。
func NewHandler(cfg *HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	activateMax := cfg.ActivateTimeoutMax
	if activateMax <= 0 {
		activateMax = 60 * time.Second
	}
	return &Handler{
		engine:      cfg.Engine,
		store:       cfg.Store,
		redis:       cfg.Redis,
		metrics:     cfg.Metrics,
		logger:      logger,
		activateMax: activateMax,
	}
}

// CompileProcess 处理流程图标记编译请求（只编译不部署）。
// HTTP端点: POST /api/v1/compile
//
// 请求体格式:
//
//	{"source": "流程图标记文本"}
//
// 响应格式:
//
//	{"bytecode_version": "...", "diagnostics": [...]}
//
// 编译失败时返回 422，响应体携带全部诊断。
func (h *Handler) CompileProcess(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorWithContext(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := compiler.Compile(req.Source)
	if err != nil {
		var cerr *compiler.CompileError
		if errors.As(err, &cerr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error":       err.Error(),
				"diagnostics": cerr.Diagnostics,
			})
			return
		}
		writeErrorWithContext(w, r, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// DeployProcess 处理流程程序部署请求。
// HTTP端点: POST /api/v1/processes
//
// 功能说明：
//   - 编译流程图标记文本并持久化源文本
//   - 返回内容寻址的字节码版本，相同文本的重复部署是幂等的
func (h *Handler) DeployProcess(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorWithContext(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := h.engine.Deploy(r.Context(), req.Source)
	if err != nil {
		var cerr *compiler.CompileError
		if errors.As(err, &cerr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error":       err.Error(),
				"diagnostics": cerr.Diagnostics,
			})
			return
		}
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to deploy process: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ListProcesses 处理获取已部署流程程序列表的请求。
// HTTP端点: GET /api/v1/processes
func (h *Handler) ListProcesses(w http.ResponseWriter, r *http.Request) {
	programs, err := h.engine.ListPrograms(r.Context())
	if err != nil {
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to list processes: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"processes": programs,
		"total":     len(programs),
	})
}

// LatestProcessVersion 处理查询流程最新字节码版本的请求。
// HTTP端点: GET /api/v1/processes/{key}/latest
func (h *Handler) LatestProcessVersion(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	version, err := h.engine.LatestVersion(key)
	if err != nil {
		writeErrorWithContext(w, r, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"process_key":      key,
		"bytecode_version": version,
	})
}

// StartInstance 处理启动流程实例的请求。
// HTTP端点: POST /api/v1/instances
//
// 功能说明：
//   - 校验 payload 与摘要的一致性
//   - 实例固定引用请求中的字节码版本
//   - 同步推进到首个等待点后返回实例视图
func (h *Handler) StartInstance(w http.ResponseWriter, r *http.Request) {
	var req domain.StartInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorWithContext(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	inst, err := h.engine.StartInstance(r.Context(), &req)
	if err != nil {
		writeErrorWithContext(w, r, statusForError(err), err.Error())
		return
	}

	telemetry.EntryWithTraceContext(r.Context(), h.logger.WithFields(logrus.Fields{
		"instance_id": inst.ID,
		"process_key": inst.ProcessKey,
		"version":     inst.BytecodeVersion,
	})).Info("instance started")

	writeJSON(w, http.StatusOK, inst)
}

// GetInstance 处理获取实例详情的请求。
// HTTP端点: GET /api/v1/instances/{id}
func (h *Handler) GetInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inst, err := h.engine.GetInstance(r.Context(), id)
	if err != nil {
		writeErrorWithContext(w, r, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// ListInstances 处理获取实例列表的请求。
// HTTP端点: GET /api/v1/instances?process_key=&limit=
func (h *Handler) ListInstances(w http.ResponseWriter, r *http.Request) {
	processKey := r.URL.Query().Get("process_key")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	instances, err := h.engine.ListInstances(r.Context(), processKey, limit)
	if err != nil {
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to list instances: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"instances": instances,
		"total":     len(instances),
	})
}

// InspectInstance 处理实例检视请求。
// HTTP端点: GET /api/v1/instances/{id}/inspect
//
// 功能说明：
//   - 返回实例状态、存活 fiber、等待描述符与未决故障单的一致性快照
//   - 配置了 Redis 时优先返回短 TTL 缓存的快照
func (h *Handler) InspectInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if h.redis != nil {
		if cached := h.redis.GetCachedInspect(r.Context(), id); cached != nil {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	result, err := h.engine.Inspect(r.Context(), id)
	if err != nil {
		writeErrorWithContext(w, r, statusForError(err), err.Error())
		return
	}

	if h.redis != nil {
		h.redis.CacheInspect(r.Context(), id, result)
	}
	writeJSON(w, http.StatusOK, result)
}

// SignalInstance 处理向等待消息/人工任务的实例投递信号的请求。
// HTTP端点: POST /api/v1/instances/{id}/signal
func (h *Handler) SignalInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req domain.SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorWithContext(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.engine.Signal(r.Context(), id, &req); err != nil {
		writeErrorWithContext(w, r, statusForError(err), err.Error())
		return
	}

	h.invalidateInspect(r, id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

// CancelInstance 处理取消实例的请求。
// HTTP端点: POST /api/v1/instances/{id}/cancel
func (h *Handler) CancelInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req domain.CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorWithContext(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.engine.Cancel(r.Context(), id, &req); err != nil {
		writeErrorWithContext(w, r, statusForError(err), err.Error())
		return
	}

	telemetry.EntryWithTraceContext(r.Context(), h.logger.WithFields(logrus.Fields{
		"instance_id": id,
		"reason":      req.Reason,
	})).Info("instance cancelled")

	h.invalidateInspect(r, id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// RunInstance 处理显式推进实例的请求。
// HTTP端点: POST /api/v1/instances/{id}/run
//
// 返回推进后全部未决任务的快照。引擎在每次状态变更后都会立即推进，
// 本端点供外部编排方做对账。
func (h *Handler) RunInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	jobs, err := h.engine.RunInstance(r.Context(), id)
	if err != nil {
		writeErrorWithContext(w, r, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

// ListInstanceEvents 处理读取实例事件历史的请求。
// HTTP端点: GET /api/v1/instances/{id}/events?from_seq=
//
// 返回从 from_seq（含）开始、按序号升序且无空洞的事件列表。
func (h *Handler) ListInstanceEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var fromSeq int64
	if v := r.URL.Query().Get("from_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeErrorWithContext(w, r, http.StatusBadRequest, "invalid from_seq")
			return
		}
		fromSeq = n
	}

	events, err := h.engine.ReadEvents(r.Context(), id, fromSeq)
	if err != nil {
		writeErrorWithContext(w, r, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  len(events),
	})
}

// ActivateJobs 处理 worker 拉取任务的请求。
// HTTP端点: POST /api/v1/jobs/activate
//
// 功能说明：
//   - 按任务类型认领至多 max_jobs 个任务并建立租约
//   - 无可认领任务时长轮询等待，超时返回空列表
//   - 等待时长受服务端上限约束
func (h *Handler) ActivateJobs(w http.ResponseWriter, r *http.Request) {
	var req domain.ActivateJobsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorWithContext(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	// 长轮询等待受服务端上限约束
	if max := h.activateMax.Milliseconds(); req.TimeoutMS > max {
		req.TimeoutMS = max
	}

	started := time.Now()
	activations, err := h.engine.ActivateJobs(r.Context(), &req)
	if err != nil {
		writeErrorWithContext(w, r, statusForError(err), err.Error())
		return
	}
	if h.metrics != nil {
		h.metrics.ObserveActivate(float64(time.Since(started).Milliseconds()))
	}

	if activations == nil {
		activations = []*domain.JobActivation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  activations,
		"total": len(activations),
	})
}

// GetJob 处理获取任务详情的请求。
// HTTP端点: GET /api/v1/jobs/{key}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	job, err := h.engine.GetJob(r.Context(), key)
	if err != nil {
		writeErrorWithContext(w, r, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// CompleteJob 处理 worker 完成任务的请求。
// HTTP端点: POST /api/v1/jobs/{key}/complete
//
// 功能说明：
//   - domain_payload_hash 是针对实例当前摘要的 CAS 令牌
//   - 摘要过期返回 409，worker 应重新拉取后重试
func (h *Handler) CompleteJob(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req domain.CompleteJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorWithContext(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.engine.CompleteJob(r.Context(), key, &req); err != nil {
		writeErrorWithContext(w, r, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// FailJob 处理 worker 上报任务失败的请求。
// HTTP端点: POST /api/v1/jobs/{key}/fail
//
// error_class 为 transient/permanent 时走重试或故障单路径，
// 其他值作为业务错误码匹配错误边界事件。
func (h *Handler) FailJob(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req domain.FailJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorWithContext(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.engine.FailJob(r.Context(), key, &req); err != nil {
		writeErrorWithContext(w, r, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "failed"})
}

// ListIncidents 处理查询未决故障单的请求。
// HTTP端点: GET /api/v1/incidents?instance_id=
func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	instanceID := r.URL.Query().Get("instance_id")
	incidents, err := h.store.ListOpenIncidents(r.Context(), instanceID)
	if err != nil {
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to list incidents: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"incidents": incidents,
		"total":     len(incidents),
	})
}

// GetIncident 处理获取故障单详情的请求。
// HTTP端点: GET /api/v1/incidents/{id}
func (h *Handler) GetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	incident, err := h.store.GetIncident(r.Context(), id)
	if err != nil {
		writeErrorWithContext(w, r, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, incident)
}

// ResolveIncident 处理恢复故障单的请求。
// HTTP端点: POST /api/v1/incidents/{id}/resolve
//
// 恢复后引擎以全额重试预算重新创建任务，返回新任务视图。
func (h *Handler) ResolveIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.engine.ResolveIncident(r.Context(), id)
	if err != nil {
		writeErrorWithContext(w, r, statusForError(err), err.Error())
		return
	}

	h.logger.WithFields(logrus.Fields{
		"incident_id": id,
		"job_key":     job.Key,
	}).Info("incident resolved")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "resolved",
		"job":    job,
	})
}

// Health 处理基本健康检查请求。
// HTTP端点: GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready 处理Kubernetes就绪探针请求。
// HTTP端点: GET /health/ready
//
// 功能说明：
//   - 检查服务是否已准备好接收流量
//   - 验证存储连接是否正常
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Live 处理Kubernetes存活探针请求。
// HTTP端点: GET /health/live
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Stats 处理获取系统统计信息的请求。
// HTTP端点: GET /api/v1/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	programs, _ := h.engine.ListPrograms(r.Context())
	instances, _ := h.engine.ListInstances(r.Context(), "", 0)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"processes":   len(programs),
		"instances":   len(instances),
		"queue_depth": h.engine.Queue().TotalDepth(),
	})
}

// invalidateInspect 在实例发生状态变更后使缓存的检视快照失效。
func (h *Handler) invalidateInspect(r *http.Request, instanceID string) {
	if h.redis != nil {
		h.redis.InvalidateInspect(r.Context(), instanceID)
	}
}

// statusForError 将领域错误映射为HTTP状态码。
func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnknownProgram),
		errors.Is(err, domain.ErrUnknownInstance),
		errors.Is(err, domain.ErrUnknownJob),
		errors.Is(err, domain.ErrUnknownIncident):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidProcessKey),
		errors.Is(err, domain.ErrInvalidTaskType),
		errors.Is(err, domain.ErrPayloadHashMismatch):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrStaleHash),
		errors.Is(err, domain.ErrAlreadyResolved),
		errors.Is(err, domain.ErrInstanceNotRunning),
		errors.Is(err, domain.ErrNoMatchingWait):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON 将数据以JSON格式写入HTTP响应。
//
// 参数：
//   - w: HTTP响应写入器
//   - status: HTTP状态码
//   - data: 要序列化为JSON的数据对象
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ErrorResponse 是增强的错误响应结构体。
// 包含错误信息、堆栈跟踪和请求追踪信息，方便前端和CLI调试。
type ErrorResponse struct {
	Error     string `json:"error"`                // 错误消息
	Stack     string `json:"stack,omitempty"`      // 堆栈跟踪信息
	RequestID string `json:"request_id,omitempty"` // 请求ID，用于关联日志
}

// getStackTrace 获取当前调用堆栈信息。
// skip 参数指定跳过的调用层数（不包含 getStackTrace 自身）。
func getStackTrace(skip int) string {
	const maxDepth = 32
	var pcs [maxDepth]uintptr
	n := runtime.Callers(skip+2, pcs[:]) // +2 跳过 Callers 和 getStackTrace
	if n == 0 {
		return ""
	}

	frames := runtime.CallersFrames(pcs[:n])
	var sb strings.Builder
	for {
		frame, more := frames.Next()
		// 过滤掉标准库和第三方库的调用
		if strings.Contains(frame.File, "runtime/") ||
			strings.Contains(frame.File, "net/http") {
			if !more {
				break
			}
			continue
		}
		sb.WriteString(frame.Function)
		sb.WriteString("\n\t")
		sb.WriteString(frame.File)
		sb.WriteString(":")
		sb.WriteString(strconv.Itoa(frame.Line))
		sb.WriteString("\n")
		if !more {
			break
		}
	}
	return sb.String()
}

// writeError 将错误信息以JSON格式写入HTTP响应。
func writeError(w http.ResponseWriter, status int, message string) {
	errResp := ErrorResponse{
		Error:     message,
		Stack:     getStackTrace(1),
		RequestID: w.Header().Get("X-Request-Id"),
	}
	writeJSON(w, status, errResp)
}

// writeErrorWithContext 将错误信息以JSON格式写入HTTP响应，带请求上下文。
// 从请求上下文中提取 request_id，便于客户端关联日志排查问题。
func writeErrorWithContext(w http.ResponseWriter, r *http.Request, status int, message string) {
	errResp := ErrorResponse{
		Error:     message,
		Stack:     getStackTrace(1),
		RequestID: middleware.GetReqID(r.Context()),
	}
	writeJSON(w, status, errResp)
}
