// Package ir 定义了流程图的中间表示（IR）。
// IR 是带类型标签的节点/边图：节点种类与边的条件/默认标志
// 都在编译期计算一次，运行期虚拟机只做查表，不做类型分派。
package ir

import (
	"github.com/oriys/procflow/internal/domain"
)

// NodeKind 表示节点种类。
type NodeKind string

const (
	// KindStart 起始事件
	KindStart NodeKind = "start"
	// KindEnd 结束事件（可携带 terminate 标志）
	KindEnd NodeKind = "end"
	// KindServiceTask 服务任务，产生外部任务
	KindServiceTask NodeKind = "service_task"
	// KindGatewayXor 排他网关
	KindGatewayXor NodeKind = "gateway_xor"
	// KindGatewayAnd 并行网关（split/join）
	KindGatewayAnd NodeKind = "gateway_and"
	// KindGatewayInclusive 包容网关（split/join）
	KindGatewayInclusive NodeKind = "gateway_inclusive"
	// KindTimerWait 定时等待
	KindTimerWait NodeKind = "timer_wait"
	// KindMessageWait 消息等待
	KindMessageWait NodeKind = "message_wait"
	// KindHumanWait 人工任务等待
	KindHumanWait NodeKind = "human_wait"
	// KindBoundaryTimer 边界定时事件，附着在宿主服务任务上
	KindBoundaryTimer NodeKind = "boundary_timer"
	// KindBoundaryError 边界错误事件，附着在宿主服务任务上
	KindBoundaryError NodeKind = "boundary_error"
)

// GatewayDirection 表示网关方向。
type GatewayDirection string

const (
	// DirSplit 分支
	DirSplit GatewayDirection = "split"
	// DirJoin 汇聚
	DirJoin GatewayDirection = "join"
)

// Node 是流程图中的一个节点。除 ID 和 Kind 外，
// 其余字段按种类选用（带标签变体，未用字段保持零值）。
type Node struct {
	// ID 节点在流程图中的标识
	ID string `json:"id"`
	// Kind 节点种类
	Kind NodeKind `json:"kind"`

	// ===== End 节点字段 =====
	// Terminate 为 true 时结束事件取消实例内所有其他 fiber
	Terminate bool `json:"terminate,omitempty"`

	// ===== ServiceTask 节点字段 =====
	// TaskType worker 按此类型拉取任务
	TaskType string `json:"task_type,omitempty"`

	// ===== 网关节点字段 =====
	// Direction split 或 join
	Direction GatewayDirection `json:"direction,omitempty"`

	// ===== TimerWait / BoundaryTimer 节点字段 =====
	// Timer 定时规格
	Timer *TimerSpec `json:"timer,omitempty"`

	// ===== MessageWait / HumanWait 节点字段 =====
	// MessageName 消息名称（人工任务用 HumanKind）
	MessageName string `json:"message_name,omitempty"`
	// HumanKind 人工任务种类（approval、review 等）
	HumanKind string `json:"human_kind,omitempty"`
	// CorrKey 关联键取自的编排标志名
	CorrKey string `json:"corr_key,omitempty"`

	// ===== 边界事件字段 =====
	// HostID 宿主服务任务节点标识
	HostID string `json:"host_id,omitempty"`
	// Interrupting 为 true 时边界触发会取消宿主 fiber
	Interrupting bool `json:"interrupting,omitempty"`
	// ErrorCode 错误边界匹配的业务错误码，空串为兜底匹配
	ErrorCode string `json:"error_code,omitempty"`
}

// IsBoundary 判断节点是否为边界事件。
func (n *Node) IsBoundary() bool {
	return n.Kind == KindBoundaryTimer || n.Kind == KindBoundaryError
}

// Condition 是边上的布尔标志条件，对实例的编排标志求值。
type Condition struct {
	// Flag 被比较的标志名
	Flag string `json:"flag"`
	// Op 比较运算符：== != < > <= >=
	Op string `json:"op"`
	// Value 比较的字面量
	Value domain.FlagValue `json:"value"`
}

// Eval 对给定标志集合求值。标志缺失或类型不匹配时返回 false。
func (c *Condition) Eval(flags domain.Flags) bool {
	actual, ok := flags[c.Flag]
	if !ok || actual.Kind != c.Value.Kind {
		return false
	}
	switch c.Op {
	case "==":
		return actual.Equal(c.Value)
	case "!=":
		return !actual.Equal(c.Value)
	}
	// 有序比较仅对整数和字符串有意义
	switch actual.Kind {
	case domain.FlagInt:
		return ordered(c.Op, actual.Int-c.Value.Int)
	case domain.FlagString:
		switch {
		case actual.Str < c.Value.Str:
			return ordered(c.Op, -1)
		case actual.Str > c.Value.Str:
			return ordered(c.Op, 1)
		default:
			return ordered(c.Op, 0)
		}
	}
	return false
}

// ordered 根据比较运算符判定三向比较结果。
func ordered(op string, cmp int64) bool {
	switch op {
	case "<":
		return cmp < 0
	case ">":
		return cmp > 0
	case "<=":
		return cmp <= 0
	case ">=":
		return cmp >= 0
	}
	return false
}

// Edge 是一条控制流转移。IsDefault 在编译期按默认边规则计算一次。
type Edge struct {
	// Source 源节点标识
	Source string `json:"source"`
	// Target 目标节点标识
	Target string `json:"target"`
	// Cond 可选的布尔条件
	Cond *Condition `json:"cond,omitempty"`
	// IsDefault 是否为所属网关的默认路径
	IsDefault bool `json:"is_default,omitempty"`
}

// Graph 是一张完整的流程图。编译完成后不可变。
type Graph struct {
	// ProcessKey 流程标识
	ProcessKey string `json:"process_key"`
	// Nodes 节点列表（声明顺序）
	Nodes []Node `json:"nodes"`
	// Edges 边列表（声明顺序，XOR 求值按此顺序）
	Edges []Edge `json:"edges"`
}

// NodeByID 按标识查找节点，未找到返回 nil。
func (g *Graph) NodeByID(id string) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// Outgoing 返回节点的出边（声明顺序）。
func (g *Graph) Outgoing(id string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Source == id {
			out = append(out, e)
		}
	}
	return out
}

// Incoming 返回节点的入边（声明顺序）。
func (g *Graph) Incoming(id string) []Edge {
	var in []Edge
	for _, e := range g.Edges {
		if e.Target == id {
			in = append(in, e)
		}
	}
	return in
}
