// Package domain 定义了流程执行引擎的核心领域模型。
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// InstanceState 表示流程实例的状态。
type InstanceState string

const (
	// InstanceStateRunning 实例运行中（存在至少一个 fiber）
	InstanceStateRunning InstanceState = "running"
	// InstanceStateCompleted 实例正常完成（终态）
	InstanceStateCompleted InstanceState = "completed"
	// InstanceStateCancelled 实例被取消（终态）
	InstanceStateCancelled InstanceState = "cancelled"
)

// IsTerminal 判断状态是否为终态。
func (s InstanceState) IsTerminal() bool {
	return s == InstanceStateCompleted || s == InstanceStateCancelled
}

// Instance 表示一次流程程序的执行实例。
// 实例固定引用某个字节码版本；业务 payload 对引擎完全不透明，
// 引擎只维护其内容摘要作为乐观并发令牌。
type Instance struct {
	// ID 实例唯一标识符
	ID string `json:"id"`
	// ProcessKey 流程标识（同一流程可有多个字节码版本）
	ProcessKey string `json:"process_key"`
	// BytecodeVersion 固定引用的字节码版本（十六进制内容摘要）
	BytecodeVersion string `json:"bytecode_version"`
	// Payload 不透明的业务 payload
	Payload string `json:"domain_payload"`
	// PayloadHash 当前 payload 的 SHA-256 摘要（十六进制）
	PayloadHash string `json:"domain_payload_hash"`
	// State 实例状态
	State InstanceState `json:"state"`
	// CancelReason 取消原因（仅 Cancelled 状态有效）
	CancelReason string `json:"cancel_reason,omitempty"`
	// CorrelationID 外部关联标识
	CorrelationID string `json:"correlation_id,omitempty"`
	// Flags 编排标志旁路通道
	Flags Flags `json:"orch_flags,omitempty"`
	// CreatedAt 创建时间
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt 进入终态的时间
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// HashPayload 计算 payload 的 SHA-256 摘要（十六进制小写）。
// 该摘要既是完整性校验，也是 complete_job 的 CAS 令牌。
func HashPayload(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// FiberSnapshot 是 inspect 返回的单个 fiber 快照。
type FiberSnapshot struct {
	// FiberID 实例内单调递增的 fiber 标识
	FiberID int64 `json:"fiber_id"`
	// PC 程序计数器（字节码节点下标）
	PC int `json:"pc"`
	// NodeID 当前节点在流程图中的标识
	NodeID string `json:"node_id"`
	// Wait 等待描述符，nil 表示 fiber 可运行
	Wait *WaitSnapshot `json:"wait,omitempty"`
}

// WaitSnapshot 描述一个被阻塞 fiber 的等待原因。
type WaitSnapshot struct {
	// FiberID 所属 fiber
	FiberID int64 `json:"fiber_id"`
	// Type 等待类型（job / timer / message / human_task / incident / config_error）
	Type string `json:"type"`
	// Detail 人类可读的等待说明
	Detail string `json:"detail"`
}

// InspectResult 是 inspect 的单次一致性快照。
type InspectResult struct {
	// State 实例状态
	State InstanceState `json:"state"`
	// CancelReason 取消原因（仅 Cancelled）
	CancelReason string `json:"cancel_reason,omitempty"`
	// Fibers 所有存活 fiber 的快照
	Fibers []FiberSnapshot `json:"fibers"`
	// Waits 由 fiber 快照派生的等待列表
	Waits []WaitSnapshot `json:"waits"`
	// Incidents 未决故障单
	Incidents []*Incident `json:"incidents"`
	// BytecodeVersion 实例固定引用的字节码版本
	BytecodeVersion string `json:"bytecode_version"`
	// PayloadHash 当前 payload 摘要
	PayloadHash string `json:"domain_payload_hash"`
}

// StartInstanceRequest 启动实例请求。
type StartInstanceRequest struct {
	// ProcessKey 流程标识
	ProcessKey string `json:"process_key"`
	// BytecodeVersion 要运行的字节码版本
	BytecodeVersion string `json:"bytecode_version"`
	// Payload 初始业务 payload
	Payload string `json:"domain_payload"`
	// PayloadHash 初始 payload 的摘要，必须与 Payload 一致
	PayloadHash string `json:"domain_payload_hash"`
	// CorrelationID 外部关联标识（可选）
	CorrelationID string `json:"correlation_id,omitempty"`
	// Flags 初始编排标志（可选）
	Flags Flags `json:"orch_flags,omitempty"`
}

// Validate 验证启动实例请求。
func (r *StartInstanceRequest) Validate() error {
	if r.ProcessKey == "" {
		return ErrInvalidProcessKey
	}
	if r.BytecodeVersion == "" {
		return ErrUnknownProgram
	}
	if r.PayloadHash != HashPayload(r.Payload) {
		return ErrPayloadHashMismatch
	}
	return nil
}

// SignalRequest 向等待消息/人工任务的 fiber 投递信号的请求。
type SignalRequest struct {
	// MessageName 消息名称（对人工任务等待匹配其 kind）
	MessageName string `json:"message_name"`
	// CorrelationKey 关联键（可选；为空时仅按名称匹配）
	CorrelationKey string `json:"correlation_key,omitempty"`
	// Payload 新的业务 payload（可选；非空时替换实例 payload）
	Payload string `json:"domain_payload,omitempty"`
	// Flags 合并进实例的编排标志（可选）
	Flags Flags `json:"orch_flags,omitempty"`
}

// CancelRequest 取消实例请求。
type CancelRequest struct {
	// Reason 取消原因，记录在实例与 Cancelled 事件上
	Reason string `json:"reason"`
}
