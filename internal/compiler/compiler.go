// Package compiler 将流程图标记文本编译为不可变的字节码程序。
// 编译分三步：解析为 IR 图，校验并产出诊断，再编译为按内容寻址的
// 字节码。任何 error 级诊断都意味着不产出程序，从不输出半成品。
package compiler

import (
	"fmt"
	"strings"

	"github.com/oriys/procflow/internal/ir"
)

// Severity 表示诊断的严重级别。
type Severity string

const (
	// SeverityError 错误：阻止程序产出
	SeverityError Severity = "error"
	// SeverityWarning 警告：程序仍然产出
	SeverityWarning Severity = "warning"
)

// Diagnostic 是一条编译诊断。
type Diagnostic struct {
	// Severity 严重级别
	Severity Severity `json:"severity"`
	// Message 诊断内容
	Message string `json:"message"`
	// ElementID 关联的流程图元素标识（可为空）
	ElementID string `json:"element_id,omitempty"`
}

// CompileError 携带全部诊断的编译失败错误。
type CompileError struct {
	// Diagnostics 全部诊断（至少一条 error 级）
	Diagnostics []Diagnostic
}

// Error 返回以首条错误为主的摘要信息。
func (e *CompileError) Error() string {
	n := 0
	first := ""
	for _, d := range e.Diagnostics {
		if d.Severity == SeverityError {
			if first == "" {
				first = d.Message
			}
			n++
		}
	}
	if n == 1 {
		return "compile failed: " + first
	}
	return fmt.Sprintf("compile failed with %d errors: %s; ...", n, first)
}

// CompileResult 是一次成功编译的产物。
type CompileResult struct {
	// BytecodeVersion 32 字节内容摘要
	BytecodeVersion [32]byte `json:"-"`
	// Version 摘要的十六进制形式
	Version string `json:"bytecode_version"`
	// Diagnostics 警告级诊断（成功时不含 error）
	Diagnostics []Diagnostic `json:"diagnostics"`
	// Program 字节码程序
	Program *Program `json:"-"`
}

// Compile 编译流程图标记文本。
// 同一段文本（乃至任何规范化后等价的图）总是得到相同的字节码版本。
func Compile(text string) (*CompileResult, error) {
	graph, diags := parse(text)
	diags = append(diags, validate(graph)...)

	for _, d := range diags {
		if d.Severity == SeverityError {
			return nil, &CompileError{Diagnostics: diags}
		}
	}

	prog := build(graph)
	sum := prog.seal()

	return &CompileResult{
		BytecodeVersion: sum,
		Version:         prog.Version,
		Diagnostics:     diags,
		Program:         prog,
	}, nil
}

// validate 对 IR 图做结构校验并计算默认边标志。
func validate(g *ir.Graph) []Diagnostic {
	var diags []Diagnostic
	errf := func(id, format string, args ...interface{}) {
		diags = append(diags, Diagnostic{SeverityError, fmt.Sprintf(format, args...), id})
	}
	warnf := func(id, format string, args ...interface{}) {
		diags = append(diags, Diagnostic{SeverityWarning, fmt.Sprintf(format, args...), id})
	}

	// 引用完整性：flow 与 host 指向的节点必须存在
	for _, e := range g.Edges {
		if g.NodeByID(e.Source) == nil {
			errf(e.Source, "flow references unknown source node %q", e.Source)
		}
		if g.NodeByID(e.Target) == nil {
			errf(e.Target, "flow references unknown target node %q", e.Target)
		}
	}
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if !n.IsBoundary() {
			continue
		}
		host := g.NodeByID(n.HostID)
		if host == nil {
			errf(n.ID, "boundary event %q references unknown host %q", n.ID, n.HostID)
		} else if host.Kind != ir.KindServiceTask {
			errf(n.ID, "boundary event %q must attach to a service task, got %s", n.ID, host.Kind)
		}
		if len(g.Incoming(n.ID)) > 0 {
			errf(n.ID, "boundary event %q must not have incoming flows", n.ID)
		}
		if len(g.Outgoing(n.ID)) == 0 {
			errf(n.ID, "boundary event %q has no outgoing flow", n.ID)
		}
	}

	// 起始与结束事件
	var starts int
	for i := range g.Nodes {
		if g.Nodes[i].Kind == ir.KindStart {
			starts++
			if len(g.Incoming(g.Nodes[i].ID)) > 0 {
				errf(g.Nodes[i].ID, "start event %q must not have incoming flows", g.Nodes[i].ID)
			}
		}
	}
	if starts == 0 {
		errf("", "process has no start event")
	} else if starts > 1 {
		errf("", "process has %d start events, expected exactly one", starts)
	}

	// 悬空节点：除结束与边界外，所有节点必须有出边
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.Kind == ir.KindEnd || n.IsBoundary() {
			continue
		}
		if len(g.Outgoing(n.ID)) == 0 {
			errf(n.ID, "node %q has no outgoing flow", n.ID)
		}
	}

	diags = append(diags, markDefaults(g)...)
	diags = append(diags, checkGateways(g)...)
	diags = append(diags, checkReachability(g, warnf)...)
	return diags
}

// markDefaults 实现默认边规则并原地写回 IsDefault 标志：
// XOR 网关的无条件出边，仅当该网关至少还有一条带条件出边时才是默认路径，
// 否则它只是普通的无条件边。该判定在编译期做一次，运行期只查标志。
func markDefaults(g *ir.Graph) []Diagnostic {
	var diags []Diagnostic
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.Kind != ir.KindGatewayXor && !(n.Kind == ir.KindGatewayInclusive && n.Direction == ir.DirSplit) {
			continue
		}
		conditional, bare := 0, 0
		for _, e := range g.Outgoing(n.ID) {
			if e.Cond != nil {
				conditional++
			} else {
				bare++
			}
		}
		if conditional == 0 {
			if n.Kind == ir.KindGatewayXor && bare > 1 {
				diags = append(diags, Diagnostic{SeverityError,
					fmt.Sprintf("xor gateway %q has multiple unconditional flows and no conditions", n.ID), n.ID})
			}
			continue
		}
		if bare > 1 {
			diags = append(diags, Diagnostic{SeverityError,
				fmt.Sprintf("gateway %q has %d candidate default flows, at most one allowed", n.ID, bare), n.ID})
			continue
		}
		if bare == 1 {
			for j := range g.Edges {
				if g.Edges[j].Source == n.ID && g.Edges[j].Cond == nil {
					g.Edges[j].IsDefault = true
				}
			}
		}
	}
	return diags
}

// checkGateways 校验网关形态并做包容分支/汇聚配对检查。
func checkGateways(g *ir.Graph) []Diagnostic {
	var diags []Diagnostic
	for i := range g.Nodes {
		n := &g.Nodes[i]
		switch {
		case n.Kind == ir.KindGatewayAnd && n.Direction == ir.DirSplit:
			if len(g.Outgoing(n.ID)) < 2 {
				diags = append(diags, Diagnostic{SeverityWarning,
					fmt.Sprintf("parallel split %q has fewer than two branches", n.ID), n.ID})
			}
		case n.Kind == ir.KindGatewayInclusive && n.Direction == ir.DirSplit:
			if _, err := pairInclusiveJoin(g, n); err != nil {
				diags = append(diags, Diagnostic{SeverityError, err.Error(), n.ID})
			}
		}
	}
	return diags
}

// pairInclusiveJoin 为包容分支找到配对汇聚：每条分支前向遍历时
// 首先到达的包容汇聚必须是同一个节点，配对关系固化进字节码。
func pairInclusiveJoin(g *ir.Graph, split *ir.Node) (string, error) {
	joinOf := ""
	for _, branch := range g.Outgoing(split.ID) {
		join := firstInclusiveJoin(g, branch.Target)
		if join == "" {
			return "", fmt.Errorf("inclusive split %q: branch via %q never reaches an inclusive join", split.ID, branch.Target)
		}
		if joinOf == "" {
			joinOf = join
		} else if joinOf != join {
			return "", fmt.Errorf("inclusive split %q: branches converge on different joins (%q vs %q)", split.ID, joinOf, join)
		}
	}
	if joinOf == "" {
		return "", fmt.Errorf("inclusive split %q has no branches", split.ID)
	}
	return joinOf, nil
}

// firstInclusiveJoin 广度优先找到从 from 出发首先到达的包容汇聚。
func firstInclusiveJoin(g *ir.Graph, from string) string {
	visited := map[string]bool{}
	queue := []string{from}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		n := g.NodeByID(id)
		if n == nil {
			continue
		}
		if n.Kind == ir.KindGatewayInclusive && n.Direction == ir.DirJoin {
			return id
		}
		for _, e := range g.Outgoing(id) {
			queue = append(queue, e.Target)
		}
	}
	return ""
}

// checkReachability 对不可达节点（从起始事件出发，含边界附着）发出警告。
func checkReachability(g *ir.Graph, warnf func(id, format string, args ...interface{})) []Diagnostic {
	var startID string
	for i := range g.Nodes {
		if g.Nodes[i].Kind == ir.KindStart {
			startID = g.Nodes[i].ID
			break
		}
	}
	if startID == "" {
		return nil
	}

	reach := map[string]bool{}
	queue := []string{startID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reach[id] {
			continue
		}
		reach[id] = true
		for _, e := range g.Outgoing(id) {
			queue = append(queue, e.Target)
		}
		// 边界事件随宿主可达
		for i := range g.Nodes {
			if g.Nodes[i].IsBoundary() && g.Nodes[i].HostID == id {
				queue = append(queue, g.Nodes[i].ID)
			}
		}
	}

	var diags []Diagnostic
	for i := range g.Nodes {
		if !reach[g.Nodes[i].ID] {
			diags = append(diags, Diagnostic{SeverityWarning,
				fmt.Sprintf("node %q is unreachable from the start event", g.Nodes[i].ID), g.Nodes[i].ID})
		}
	}
	return diags
}

// build 把通过校验的 IR 图编译为字节码程序。
func build(g *ir.Graph) *Program {
	prog := &Program{ProcessKey: g.ProcessKey, Nodes: make([]CompiledNode, len(g.Nodes))}
	index := make(map[string]int, len(g.Nodes))
	for i := range g.Nodes {
		index[g.Nodes[i].ID] = i
	}

	for i := range g.Nodes {
		n := g.Nodes[i]
		cn := CompiledNode{Node: n, InclusiveJoin: -1}

		for _, e := range g.Outgoing(n.ID) {
			cn.Outgoing = append(cn.Outgoing, CompiledEdge{
				Target:    index[e.Target],
				Cond:      e.Cond,
				IsDefault: e.IsDefault,
			})
		}

		switch {
		case n.Kind == ir.KindServiceTask:
			for j := range g.Nodes {
				if g.Nodes[j].IsBoundary() && g.Nodes[j].HostID == n.ID {
					cn.Boundaries = append(cn.Boundaries, j)
				}
			}
		case n.Kind == ir.KindGatewayAnd && n.Direction == ir.DirJoin:
			cn.JoinExpected = len(g.Incoming(n.ID))
		case n.Kind == ir.KindGatewayInclusive && n.Direction == ir.DirSplit:
			// 校验阶段已保证配对存在且唯一
			join, _ := pairInclusiveJoin(g, &n)
			cn.InclusiveJoin = index[join]
		}

		prog.Nodes[i] = cn
	}

	prog.index = index
	return prog
}

// FormatDiagnostics 把诊断渲染为多行文本，供 CLI 输出。
func FormatDiagnostics(diags []Diagnostic) string {
	var b strings.Builder
	for _, d := range diags {
		b.WriteString(string(d.Severity))
		if d.ElementID != "" {
			b.WriteString(" [" + d.ElementID + "]")
		}
		b.WriteString(": " + d.Message + "\n")
	}
	return b.String()
}
