// Package domain 定义了流程执行引擎的核心领域模型。
package domain

import "time"

// Incident 是持久化的故障标记：某个 fiber 的服务任务在重试预算耗尽
// 或永久失败后卡住，等待外部显式决议。故障单只是数据，不是异常：
// 它只阻塞产生它的 fiber，同实例的其他 fiber 继续推进。
type Incident struct {
	// ID 故障单唯一标识符
	ID string `json:"id"`
	// InstanceID 所属实例
	InstanceID string `json:"instance_id"`
	// ServiceTaskID 卡住的服务任务节点标识
	ServiceTaskID string `json:"service_task_id"`
	// FiberID 被阻塞的 fiber
	FiberID int64 `json:"fiber_id"`
	// Message 失败说明（来自最后一次 fail_job）
	Message string `json:"message"`
	// CreatedAt 创建时间
	CreatedAt time.Time `json:"created_at"`
	// ResolvedAt 外部决议时间，nil 表示仍未决
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// IsOpen 判断故障单是否仍未决。
func (i *Incident) IsOpen() bool {
	return i.ResolvedAt == nil
}
