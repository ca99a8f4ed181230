// Package vm 实现了流程实例的 fiber 虚拟机。
// fiber 不是语言级协程，而是显式状态记录（程序计数器 + 等待描述符），
// 保存在按 fiber_id 索引的 arena 里；推进 fiber 是
// (字节码, 状态) → (新状态, 产出效果) 的纯函数。
package vm

import (
	"fmt"
	"time"
)

// WaitKind 表示 fiber 的等待类型。
type WaitKind string

const (
	// WaitJob 等待外部任务被 complete/fail
	WaitJob WaitKind = "job"
	// WaitTimer 等待定时器到期
	WaitTimer WaitKind = "timer"
	// WaitMessage 等待消息信号
	WaitMessage WaitKind = "message"
	// WaitHuman 等待人工任务信号
	WaitHuman WaitKind = "human_task"
	// WaitIncident 被故障单卡住，等待外部决议
	WaitIncident WaitKind = "incident"
	// WaitConfigError 流程配置错误（如 XOR 无可行路径），fiber 被阻塞
	WaitConfigError WaitKind = "config_error"
)

// Wait 是 fiber 的等待描述符，按 Kind 选用字段。
type Wait struct {
	// Kind 等待类型
	Kind WaitKind `json:"kind"`
	// JobKey 关联的任务（job / incident）
	JobKey string `json:"job_key,omitempty"`
	// IncidentID 关联的故障单（incident）
	IncidentID string `json:"incident_id,omitempty"`
	// Deadline 到期时间（timer）
	Deadline time.Time `json:"deadline,omitempty"`
	// FiresLeft 周期定时剩余触发次数（timer）
	FiresLeft int `json:"fires_left,omitempty"`
	// Name 消息名称或人工任务种类（message / human_task）
	Name string `json:"name,omitempty"`
	// CorrKey 停驻时刻解析出的关联键（message / human_task）
	CorrKey string `json:"corr_key,omitempty"`
	// Detail 人类可读的等待说明
	Detail string `json:"detail,omitempty"`
}

// Describe 返回等待的人类可读说明。
func (w *Wait) Describe() string {
	switch w.Kind {
	case WaitJob:
		return "awaiting job " + w.JobKey
	case WaitTimer:
		return "awaiting timer until " + w.Deadline.Format(time.RFC3339)
	case WaitMessage:
		return fmt.Sprintf("awaiting message %q (correlation %q)", w.Name, w.CorrKey)
	case WaitHuman:
		return fmt.Sprintf("awaiting human task %q (correlation %q)", w.Name, w.CorrKey)
	case WaitIncident:
		return "blocked by incident " + w.IncidentID
	case WaitConfigError:
		return "configuration error: " + w.Detail
	}
	return string(w.Kind)
}

// ArmedBoundary 是 fiber 停驻在服务任务上时挂载的边界事件。
// 错误边界没有到期时间，仅按错误码匹配；定时边界由引擎轮询到期。
type ArmedBoundary struct {
	// NodeIdx 边界事件节点下标
	NodeIdx int `json:"node_idx"`
	// Deadline 定时边界的下一次到期时间
	Deadline time.Time `json:"deadline,omitempty"`
	// FiresLeft 非中断周期定时边界剩余触发次数
	FiresLeft int `json:"fires_left,omitempty"`
}

// Fiber 是实例内一条轻量控制线程的显式状态记录。
type Fiber struct {
	// ID 实例内单调递增的标识，AND/包容分支产生的新 fiber 取新值
	ID int64 `json:"id"`
	// PC 程序计数器（字节码节点下标）
	PC int `json:"pc"`
	// Wait 等待描述符，nil 表示可运行
	Wait *Wait `json:"wait,omitempty"`
	// Boundaries 当前挂载的边界事件
	Boundaries []ArmedBoundary `json:"boundaries,omitempty"`
}

// Barrier 是汇聚网关的到达计数器：期望到达数 对 已到达数。
// 按汇聚节点下标共享：同一汇聚区域被并发重入时，各次分支的期望数
// 累加在同一个计数器上，汇聚在总数到齐时放行一次。
type Barrier struct {
	// Expected 期望到达的分支数
	Expected int `json:"expected"`
	// Arrived 已到达的分支数
	Arrived int `json:"arrived"`
}

// State 是一个实例的全部 fiber 运行时状态。可 JSON 序列化以便持久化。
type State struct {
	// Fibers 存活 fiber（创建顺序，虚拟机按此顺序协作推进）
	Fibers []*Fiber `json:"fibers"`
	// NextFiberID 下一个要分配的 fiber 标识
	NextFiberID int64 `json:"next_fiber_id"`
	// Barriers 汇聚节点下标 -> 计数器
	Barriers map[int]*Barrier `json:"barriers,omitempty"`
}

// NewState 创建带一个根 fiber 的初始状态。
func NewState(startPC int) *State {
	s := &State{Barriers: make(map[int]*Barrier)}
	s.Spawn(startPC)
	return s
}

// Spawn 在给定程序计数器处创建新 fiber。
func (s *State) Spawn(pc int) *Fiber {
	f := &Fiber{ID: s.NextFiberID, PC: pc}
	s.NextFiberID++
	s.Fibers = append(s.Fibers, f)
	return f
}

// Remove 移除 fiber（End 到达、汇聚吸收或取消）。
func (s *State) Remove(id int64) {
	for i, f := range s.Fibers {
		if f.ID == id {
			s.Fibers = append(s.Fibers[:i], s.Fibers[i+1:]...)
			return
		}
	}
}

// FiberByID 按标识查找 fiber，未找到返回 nil。
func (s *State) FiberByID(id int64) *Fiber {
	for _, f := range s.Fibers {
		if f.ID == id {
			return f
		}
	}
	return nil
}

// alive 判断 fiber 是否仍在 arena 中。
func (s *State) alive(f *Fiber) bool {
	for _, x := range s.Fibers {
		if x == f {
			return true
		}
	}
	return false
}

// barrier 返回汇聚节点的计数器，不存在则以给定期望数创建。
func (s *State) barrier(nodeIdx, expected int) *Barrier {
	if s.Barriers == nil {
		s.Barriers = make(map[int]*Barrier)
	}
	b, ok := s.Barriers[nodeIdx]
	if !ok {
		b = &Barrier{Expected: expected}
		s.Barriers[nodeIdx] = b
	}
	return b
}
