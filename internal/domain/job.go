// Package domain 定义了流程执行引擎的核心领域模型。
package domain

import "time"

// JobState 表示任务的决议状态。
type JobState string

const (
	// JobStateOpen 任务未决（排队中或已租约）
	JobStateOpen JobState = "open"
	// JobStateResolved 任务已被 complete 或 fail 决议（终态，恰好一次）
	JobStateResolved JobState = "resolved"
)

// 错误类别常量。除这两个保留值外，fail_job 的 error_class
// 被视为业务错误码，用于匹配宿主任务上的错误边界事件。
const (
	// ErrorClassTransient 瞬时失败：消耗一次重试并重新排队，预算耗尽后生成故障单
	ErrorClassTransient = "transient"
	// ErrorClassPermanent 永久失败：直接生成故障单
	ErrorClassPermanent = "permanent"
)

// Job 表示 fiber 到达服务任务节点时创建的外部工作单元。
// Payload/PayloadHash 是创建时刻实例 payload 的快照；
// complete_job 的 CAS 校验针对实例当前摘要，而非此快照。
type Job struct {
	// Key 任务唯一标识符
	Key string `json:"job_key"`
	// InstanceID 所属实例
	InstanceID string `json:"instance_id"`
	// TaskType 任务类型，worker 按类型拉取
	TaskType string `json:"task_type"`
	// ServiceTaskID 对应服务任务节点在流程图中的标识
	ServiceTaskID string `json:"service_task_id"`
	// FiberID 等待该任务的 fiber
	FiberID int64 `json:"fiber_id"`
	// Payload 创建时刻的 payload 快照
	Payload string `json:"domain_payload"`
	// PayloadHash 快照的摘要
	PayloadHash string `json:"domain_payload_hash"`
	// Flags 创建时刻的编排标志快照
	Flags Flags `json:"orch_flags,omitempty"`
	// RetriesRemaining 剩余重试次数
	RetriesRemaining int `json:"retries_remaining"`
	// State 决议状态
	State JobState `json:"state"`
	// CreatedAt 创建时间
	CreatedAt time.Time `json:"created_at"`
}

// JobActivation 是 activate_jobs 返回给 worker 的租约视图。
type JobActivation struct {
	// JobKey 任务标识
	JobKey string `json:"job_key"`
	// InstanceID 所属实例
	InstanceID string `json:"instance_id"`
	// TaskType 任务类型
	TaskType string `json:"task_type"`
	// ServiceTaskID 服务任务节点标识
	ServiceTaskID string `json:"service_task_id"`
	// Payload 激活时刻的实例 payload
	Payload string `json:"domain_payload"`
	// PayloadHash 激活时刻的实例 payload 摘要（complete_job 应基于此值链式推进）
	PayloadHash string `json:"domain_payload_hash"`
	// Flags 编排标志
	Flags Flags `json:"orch_flags,omitempty"`
	// RetriesRemaining 剩余重试次数
	RetriesRemaining int `json:"retries_remaining"`
}

// ActivateJobsRequest 拉取任务请求。
type ActivateJobsRequest struct {
	// TaskTypes 要拉取的任务类型集合
	TaskTypes []string `json:"task_types"`
	// MaxJobs 单次最多认领的任务数
	MaxJobs int `json:"max_jobs"`
	// TimeoutMS 无任务可认领时长轮询的最长等待（毫秒）
	TimeoutMS int64 `json:"timeout_ms"`
	// WorkerID 调用方 worker 标识
	WorkerID string `json:"worker_id"`
}

// Validate 验证拉取任务请求并填充默认值。
func (r *ActivateJobsRequest) Validate() error {
	if len(r.TaskTypes) == 0 {
		return ErrInvalidTaskType
	}
	for _, t := range r.TaskTypes {
		if t == "" {
			return ErrInvalidTaskType
		}
	}
	if r.MaxJobs <= 0 {
		r.MaxJobs = 1
	}
	if r.TimeoutMS < 0 {
		r.TimeoutMS = 0
	}
	return nil
}

// CompleteJobRequest 完成任务请求。
type CompleteJobRequest struct {
	// Payload 新的业务 payload
	Payload string `json:"domain_payload"`
	// PayloadHash 实例当前 payload 摘要（CAS 令牌），不是新 payload 的摘要
	PayloadHash string `json:"domain_payload_hash"`
	// Flags 合并进实例的编排标志（可选）
	Flags Flags `json:"orch_flags,omitempty"`
}

// FailJobRequest 失败任务请求。
type FailJobRequest struct {
	// ErrorClass 错误类别：transient / permanent / 业务错误码
	ErrorClass string `json:"error_class"`
	// Message 失败说明
	Message string `json:"message"`
	// RetryBackoffMS 重新排队前的退避提示（毫秒，仅 transient 生效）
	RetryBackoffMS int64 `json:"retry_backoff_ms,omitempty"`
}
