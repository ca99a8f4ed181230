// Package domain 定义了流程执行引擎的核心领域模型。
package domain

import (
	"encoding/json"
	"time"
)

// EventType 表示事件日志中的事件类型。
type EventType string

const (
	// EventInstanceStarted 实例已启动
	EventInstanceStarted EventType = "InstanceStarted"
	// EventJobCreated 任务已创建（fiber 到达服务任务节点）
	EventJobCreated EventType = "JobCreated"
	// EventJobCompleted 任务已完成
	EventJobCompleted EventType = "JobCompleted"
	// EventJobFailed 任务失败
	EventJobFailed EventType = "JobFailed"
	// EventJobRetried 瞬时失败后任务重新排队
	EventJobRetried EventType = "JobRetried"
	// EventTimerFired 定时器到期触发
	EventTimerFired EventType = "TimerFired"
	// EventMessageReceived 消息/人工任务信号已投递
	EventMessageReceived EventType = "MessageReceived"
	// EventIncidentCreated 故障单已创建
	EventIncidentCreated EventType = "IncidentCreated"
	// EventIncidentResolved 故障单已由外部决议
	EventIncidentResolved EventType = "IncidentResolved"
	// EventCancelled 实例被取消（终态事件）
	EventCancelled EventType = "Cancelled"
	// EventCompleted 实例正常完成（终态事件）
	EventCompleted EventType = "Completed"
)

// IsTerminal 判断事件类型是否为终态事件。
// 嵌入方编排器依赖终态事件来释放其维护的实例状态。
func (t EventType) IsTerminal() bool {
	return t == EventCompleted || t == EventCancelled
}

// Event 是事件日志中的一条记录。
// 同一实例内 Seq 从 0 开始单调递增且无空洞；事件只追加，从不修改或删除。
type Event struct {
	// InstanceID 所属实例
	InstanceID string `json:"instance_id"`
	// Seq 实例内序号（从 0 开始，无空洞）
	Seq int64 `json:"seq"`
	// Type 事件类型
	Type EventType `json:"event_type"`
	// Payload 事件附加数据（JSON）
	Payload json.RawMessage `json:"payload,omitempty"`
	// Timestamp 追加时间
	Timestamp time.Time `json:"timestamp"`
}
