// Package vm 实现了流程实例的 fiber 虚拟机。
// 本文件实现协作式推进循环：按创建顺序逐个推进可运行 fiber，
// 直到所有 fiber 要么停驻在外部等待上，要么终结。
// 单实例内推进是单线程的，内部转移顺序完全可复现。
package vm

import (
	"time"

	"github.com/oriys/procflow/internal/compiler"
	"github.com/oriys/procflow/internal/domain"
	"github.com/oriys/procflow/internal/ir"
)

// Env 是一次推进所需的外部输入。
type Env struct {
	// Flags 实例当前编排标志（网关条件与关联键只读取它）
	Flags domain.Flags
	// Now 当前时间（定时到期计算的基准，由引擎注入以保证可测性）
	Now time.Time
	// CorrelationID 关联键标志缺失时的回退值
	CorrelationID string
}

// JobRequest 表示一个 fiber 到达服务任务节点，需要引擎创建任务。
type JobRequest struct {
	// FiberID 停驻的 fiber
	FiberID int64
	// NodeIdx 服务任务节点下标
	NodeIdx int
}

// StepResult 是一轮推进产出的效果集合，由引擎解释执行。
type StepResult struct {
	// Jobs 需要创建的任务
	Jobs []JobRequest
	// Terminated 是否到达了 terminate 结束事件（全部 fiber 已被取消）
	Terminated bool
	// ConfigErrors 本轮因配置错误被阻塞的 fiber
	ConfigErrors []int64
}

// runStepBudget 单次推进的步数预算。网关间不含任何等待节点的环
// 能通过编译，预算耗尽时把涉事 fiber 带配置错误停驻，而非在实例锁
// 内无限自旋。
const runStepBudget = 10000

// Run 协作式推进：反复扫描 fiber 列表（创建顺序），推进所有可运行
// fiber，直到没有任何进展。推进过程中可能创建或移除 fiber。
func Run(p *compiler.Program, s *State, env Env) *StepResult {
	res := &StepResult{}
	steps := 0
	for {
		progressed := false
		// 对快照迭代：step 可能增删 s.Fibers
		snapshot := append([]*Fiber(nil), s.Fibers...)
		for _, f := range snapshot {
			if !s.alive(f) || f.Wait != nil {
				continue
			}
			if steps >= runStepBudget {
				f.Wait = &Wait{
					Kind:   WaitConfigError,
					Detail: "node " + p.Nodes[f.PC].Node.ID + ": step budget exhausted, wait-free cycle suspected",
				}
				res.ConfigErrors = append(res.ConfigErrors, f.ID)
				continue
			}
			steps++
			step(p, s, f, env, res)
			progressed = true
			if res.Terminated {
				return res
			}
		}
		if !progressed {
			return res
		}
	}
}

// step 推进单个 fiber 一步。
func step(p *compiler.Program, s *State, f *Fiber, env Env, res *StepResult) {
	node := &p.Nodes[f.PC]

	switch node.Node.Kind {
	case ir.KindStart, ir.KindBoundaryTimer, ir.KindBoundaryError:
		// 入口类节点：沿唯一出边前进
		f.PC = node.Outgoing[0].Target

	case ir.KindServiceTask:
		parkOnServiceTask(p, f, node, env)
		res.Jobs = append(res.Jobs, JobRequest{FiberID: f.ID, NodeIdx: f.PC})

	case ir.KindGatewayXor:
		stepXor(s, f, node, env, res)

	case ir.KindGatewayAnd:
		if node.Node.Direction == ir.DirSplit {
			for _, e := range node.Outgoing {
				s.Spawn(e.Target)
			}
			s.Remove(f.ID)
		} else {
			arriveAtJoin(s, f, node, node.JoinExpected)
		}

	case ir.KindGatewayInclusive:
		if node.Node.Direction == ir.DirSplit {
			stepInclusiveSplit(s, f, node, env, res)
		} else {
			b, registered := s.Barriers[f.PC]
			if !registered {
				// 未经过配对分支直接到达：视为直通
				f.PC = node.Outgoing[0].Target
				return
			}
			arriveAtJoin(s, f, node, b.Expected)
		}

	case ir.KindTimerWait:
		spec := node.Node.Timer
		f.Wait = &Wait{
			Kind:      WaitTimer,
			Deadline:  spec.NextDeadline(env.Now),
			FiresLeft: spec.MaxFires(),
		}

	case ir.KindMessageWait:
		f.Wait = &Wait{
			Kind:    WaitMessage,
			Name:    node.Node.MessageName,
			CorrKey: resolveCorrKey(node.Node.CorrKey, env),
		}

	case ir.KindHumanWait:
		f.Wait = &Wait{
			Kind:    WaitHuman,
			Name:    node.Node.HumanKind,
			CorrKey: resolveCorrKey(node.Node.CorrKey, env),
		}

	case ir.KindEnd:
		if node.Node.Terminate {
			// terminate-all：立即取消实例内所有 fiber
			s.Fibers = nil
			res.Terminated = true
			return
		}
		s.Remove(f.ID)
	}
}

// parkOnServiceTask 将 fiber 停驻在服务任务上并挂载其边界事件。
func parkOnServiceTask(p *compiler.Program, f *Fiber, node *compiler.CompiledNode, env Env) {
	f.Wait = &Wait{Kind: WaitJob}
	ArmBoundaries(p, f, env.Now)
}

// ArmBoundaries 重新挂载 fiber 当前服务任务节点的边界事件。
// 故障单决议后重新发任务时由引擎调用。
func ArmBoundaries(p *compiler.Program, f *Fiber, now time.Time) {
	node := &p.Nodes[f.PC]
	f.Boundaries = nil
	for _, bIdx := range node.Boundaries {
		bn := &p.Nodes[bIdx].Node
		armed := ArmedBoundary{NodeIdx: bIdx}
		if bn.Kind == ir.KindBoundaryTimer {
			armed.Deadline = bn.Timer.NextDeadline(now)
			armed.FiresLeft = bn.Timer.MaxFires()
		}
		f.Boundaries = append(f.Boundaries, armed)
	}
}

// stepXor 排他网关：按声明顺序取第一条可行边；无可行边时取默认边；
// 仍无则 fiber 带配置错误阻塞。
func stepXor(s *State, f *Fiber, node *compiler.CompiledNode, env Env, res *StepResult) {
	for _, e := range node.Outgoing {
		if e.IsDefault {
			continue
		}
		if e.Cond == nil || e.Cond.Eval(env.Flags) {
			f.PC = e.Target
			return
		}
	}
	for _, e := range node.Outgoing {
		if e.IsDefault {
			f.PC = e.Target
			return
		}
	}
	f.Wait = &Wait{
		Kind:   WaitConfigError,
		Detail: "xor gateway " + node.Node.ID + ": no condition matched and no default flow",
	}
	res.ConfigErrors = append(res.ConfigErrors, f.ID)
}

// stepInclusiveSplit 包容分支：为每条条件为真的出边生成一个 fiber，
// 均不为真时走默认边；生成数注册到配对汇聚的屏障期望值上。
func stepInclusiveSplit(s *State, f *Fiber, node *compiler.CompiledNode, env Env, res *StepResult) {
	taken := 0
	for _, e := range node.Outgoing {
		if e.IsDefault {
			continue
		}
		if e.Cond == nil || e.Cond.Eval(env.Flags) {
			s.Spawn(e.Target)
			taken++
		}
	}
	if taken == 0 {
		for _, e := range node.Outgoing {
			if e.IsDefault {
				s.Spawn(e.Target)
				taken++
				break
			}
		}
	}
	if taken == 0 {
		f.Wait = &Wait{
			Kind:   WaitConfigError,
			Detail: "inclusive gateway " + node.Node.ID + ": no condition matched and no default flow",
		}
		res.ConfigErrors = append(res.ConfigErrors, f.ID)
		return
	}

	// 汇聚只等待本次分支实际生成的子集
	b := s.barrier(node.InclusiveJoin, 0)
	b.Expected += taken
	s.Remove(f.ID)
}

// arriveAtJoin 汇聚屏障：非最后到达者被静默吸收，
// 最后到达者独自沿出边继续，屏障随之清除。
func arriveAtJoin(s *State, f *Fiber, node *compiler.CompiledNode, expected int) {
	b := s.barrier(f.PC, expected)
	b.Arrived++
	if b.Arrived < b.Expected {
		s.Remove(f.ID)
		return
	}
	delete(s.Barriers, f.PC)
	f.PC = node.Outgoing[0].Target
}

// resolveCorrKey 解析关联键：corr-key 标志存在取其字符串形式，
// 否则回退到实例关联标识。payload 保持不透明，从不被解析。
func resolveCorrKey(flagName string, env Env) string {
	if flagName != "" {
		if v, ok := env.Flags[flagName]; ok {
			return v.String()
		}
	}
	return env.CorrelationID
}

// ResumeAfter 清除 fiber 的等待并沿节点出边推进程序计数器。
// 用于任务完成、定时到期与消息投递后的恢复。
func ResumeAfter(p *compiler.Program, f *Fiber) {
	node := &p.Nodes[f.PC]
	f.Wait = nil
	f.Boundaries = nil
	f.PC = node.Outgoing[0].Target
}
