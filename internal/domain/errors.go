// Package domain 定义了流程执行引擎的核心领域模型。
package domain

import "errors"

// 领域错误定义
// 这些错误用于在引擎、存储和 API 层之间传递业务逻辑相关的错误信息。

var (
	// ========== 流程程序相关错误 ==========

	// ErrUnknownProgram 表示请求的字节码版本未部署
	ErrUnknownProgram = errors.New("unknown bytecode version")
	// ErrInvalidProcessKey 表示流程标识无效（为空或格式不正确）
	ErrInvalidProcessKey = errors.New("invalid process key")

	// ========== 实例相关错误 ==========

	// ErrUnknownInstance 表示请求的流程实例不存在
	ErrUnknownInstance = errors.New("unknown instance")
	// ErrInstanceNotRunning 表示对已终态（Completed/Cancelled）实例执行了运行时操作
	ErrInstanceNotRunning = errors.New("instance is not running")
	// ErrPayloadHashMismatch 表示传入的 payload 与其摘要不一致
	ErrPayloadHashMismatch = errors.New("payload does not match supplied hash")
	// ErrNoMatchingWait 表示 signal 没有命中任何等待消息/人工任务的 fiber
	ErrNoMatchingWait = errors.New("no fiber is waiting for this message")

	// ========== 任务相关错误 ==========

	// ErrUnknownJob 表示请求的任务不存在
	ErrUnknownJob = errors.New("unknown job")
	// ErrStaleHash 表示 complete_job 携带的摘要不等于实例当前 payload 摘要（CAS 失败）
	ErrStaleHash = errors.New("stale payload hash")
	// ErrAlreadyResolved 表示任务已经被 complete 或 fail 过，不能二次决议
	ErrAlreadyResolved = errors.New("job already resolved")
	// ErrInvalidTaskType 表示任务类型为空或非法
	ErrInvalidTaskType = errors.New("invalid task type")

	// ========== 故障单相关错误 ==========

	// ErrUnknownIncident 表示请求的故障单不存在
	ErrUnknownIncident = errors.New("unknown incident")

	// ========== 存储相关错误 ==========

	// ErrStorageConnection 表示存储连接错误（如数据库连接失败）
	ErrStorageConnection = errors.New("storage connection error")
	// ErrStorageQuery 表示存储查询错误（如 SQL 查询失败）
	ErrStorageQuery = errors.New("storage query error")
)
