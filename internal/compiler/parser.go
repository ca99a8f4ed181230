// Package compiler 将流程图标记文本编译为不可变的字节码程序。
// 本文件实现标记文本的解析：逐行读入节点声明与 flow 转移，
// 产出 IR 图与诊断信息。解析只收集诊断，从不提前中断。
package compiler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/oriys/procflow/internal/domain"
	"github.com/oriys/procflow/internal/ir"
)

// 标记文本语法（每行一条声明，# 开始为注释）：
//
//	process <key>
//	start <id>
//	end <id> [terminate]
//	service <id> type=<task_type>
//	xor <id>
//	and <id> <split|join>
//	inclusive <id> <split|join>
//	timer <id> spec=<duration|date|cycle|cron:...>
//	message <id> name=<message_name> [key=<flag>]
//	human <id> kind=<kind> [key=<flag>]
//	boundary-timer <id> host=<service_id> spec=<...> [interrupting]
//	boundary-error <id> host=<service_id> [code=<error_code>] [interrupting]
//	flow <source> -> <target> [when <flag> <op> <value>]

// parser 持有一次解析的全部状态。
type parser struct {
	graph ir.Graph
	diags []Diagnostic
	seen  map[string]int // 节点 ID -> 声明行号
}

// parse 解析完整的标记文本。
func parse(text string) (*ir.Graph, []Diagnostic) {
	p := &parser{seen: make(map[string]int)}

	for lineno, raw := range strings.Split(text, "\n") {
		line := raw
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		p.parseLine(lineno+1, line)
	}

	if p.graph.ProcessKey == "" {
		p.errorf("", "missing process declaration")
	}
	return &p.graph, p.diags
}

// parseLine 解析单行声明。
func (p *parser) parseLine(lineno int, line string) {
	fields := strings.Fields(line)
	keyword, rest := fields[0], fields[1:]

	switch keyword {
	case "process":
		p.parseProcess(lineno, rest)
	case "flow":
		p.parseFlow(lineno, rest)
	case "start", "end", "service", "xor", "and", "inclusive",
		"timer", "message", "human", "boundary-timer", "boundary-error":
		p.parseNode(lineno, keyword, rest)
	default:
		p.errorf("", "line %d: unknown declaration %q", lineno, keyword)
	}
}

// parseProcess 解析 process 声明。
func (p *parser) parseProcess(lineno int, rest []string) {
	if len(rest) != 1 {
		p.errorf("", "line %d: process declaration needs exactly one key", lineno)
		return
	}
	if p.graph.ProcessKey != "" {
		p.errorf("", "line %d: duplicate process declaration", lineno)
		return
	}
	p.graph.ProcessKey = rest[0]
}

// parseNode 解析节点声明。
func (p *parser) parseNode(lineno int, keyword string, rest []string) {
	if len(rest) == 0 {
		p.errorf("", "line %d: %s declaration needs an id", lineno, keyword)
		return
	}
	id := rest[0]
	if prev, dup := p.seen[id]; dup {
		p.errorf(id, "line %d: duplicate node id %q (first declared on line %d)", lineno, id, prev)
		return
	}
	p.seen[id] = lineno

	attrs, words := splitAttrs(rest[1:])
	node := ir.Node{ID: id}

	switch keyword {
	case "start":
		node.Kind = ir.KindStart
	case "end":
		node.Kind = ir.KindEnd
		node.Terminate = has(words, "terminate")
	case "service":
		node.Kind = ir.KindServiceTask
		node.TaskType = attrs["type"]
		if node.TaskType == "" {
			p.errorf(id, "line %d: service task %q needs type=<task_type>", lineno, id)
		}
	case "xor":
		node.Kind = ir.KindGatewayXor
	case "and":
		node.Kind = ir.KindGatewayAnd
		node.Direction = p.direction(lineno, id, words)
	case "inclusive":
		node.Kind = ir.KindGatewayInclusive
		node.Direction = p.direction(lineno, id, words)
	case "timer":
		node.Kind = ir.KindTimerWait
		node.Timer = p.timerSpec(lineno, id, attrs["spec"])
	case "message":
		node.Kind = ir.KindMessageWait
		node.MessageName = attrs["name"]
		node.CorrKey = attrs["key"]
		if node.MessageName == "" {
			p.errorf(id, "line %d: message wait %q needs name=<message_name>", lineno, id)
		}
	case "human":
		node.Kind = ir.KindHumanWait
		node.HumanKind = attrs["kind"]
		node.CorrKey = attrs["key"]
		if node.HumanKind == "" {
			p.errorf(id, "line %d: human wait %q needs kind=<kind>", lineno, id)
		}
	case "boundary-timer":
		node.Kind = ir.KindBoundaryTimer
		node.HostID = attrs["host"]
		node.Interrupting = has(words, "interrupting")
		node.Timer = p.timerSpec(lineno, id, attrs["spec"])
		if node.HostID == "" {
			p.errorf(id, "line %d: boundary timer %q needs host=<service_id>", lineno, id)
		}
	case "boundary-error":
		node.Kind = ir.KindBoundaryError
		node.HostID = attrs["host"]
		node.ErrorCode = attrs["code"]
		node.Interrupting = has(words, "interrupting")
		if node.HostID == "" {
			p.errorf(id, "line %d: boundary error %q needs host=<service_id>", lineno, id)
		}
	}

	p.graph.Nodes = append(p.graph.Nodes, node)
}

// parseFlow 解析 flow 转移声明。
func (p *parser) parseFlow(lineno int, rest []string) {
	// flow A -> B [when flag op value]
	if len(rest) < 3 || rest[1] != "->" {
		p.errorf("", "line %d: flow declaration must be `flow <source> -> <target>`", lineno)
		return
	}
	edge := ir.Edge{Source: rest[0], Target: rest[2]}

	if len(rest) > 3 {
		if rest[3] != "when" || len(rest) != 7 {
			p.errorf("", "line %d: flow condition must be `when <flag> <op> <value>`", lineno)
			return
		}
		op := rest[5]
		switch op {
		case "==", "!=", "<", ">", "<=", ">=":
		default:
			p.errorf("", "line %d: unknown condition operator %q", lineno, op)
			return
		}
		edge.Cond = &ir.Condition{Flag: rest[4], Op: op, Value: parseLiteral(rest[6])}
	}

	p.graph.Edges = append(p.graph.Edges, edge)
}

// direction 解析网关方向词。
func (p *parser) direction(lineno int, id string, words []string) ir.GatewayDirection {
	if has(words, "join") {
		return ir.DirJoin
	}
	if has(words, "split") {
		return ir.DirSplit
	}
	p.errorf(id, "line %d: gateway %q needs a direction (split or join)", lineno, id)
	return ir.DirSplit
}

// timerSpec 解析并校验定时规格属性。
func (p *parser) timerSpec(lineno int, id, raw string) *ir.TimerSpec {
	if raw == "" {
		p.errorf(id, "line %d: %q needs spec=<timer spec>", lineno, id)
		return nil
	}
	spec, err := ir.ParseTimerSpec(raw)
	if err != nil {
		p.errorf(id, "line %d: %v", lineno, err)
		return nil
	}
	return spec
}

// errorf 记录一条 error 级诊断。
func (p *parser) errorf(elementID, format string, args ...interface{}) {
	p.diags = append(p.diags, Diagnostic{
		Severity:  SeverityError,
		Message:   fmt.Sprintf(format, args...),
		ElementID: elementID,
	})
}

// splitAttrs 把 key=value 形式的词与裸词分开。
func splitAttrs(words []string) (map[string]string, []string) {
	attrs := make(map[string]string)
	var bare []string
	for _, w := range words {
		if k, v, ok := strings.Cut(w, "="); ok {
			attrs[k] = v
		} else {
			bare = append(bare, w)
		}
	}
	return attrs, bare
}

// has 判断裸词列表中是否包含给定词。
func has(words []string, want string) bool {
	for _, w := range words {
		if w == want {
			return true
		}
	}
	return false
}

// parseLiteral 把条件字面量解析为类型化标志值：
// true/false 为布尔，十进制整数为整数，其余为字符串。
func parseLiteral(s string) domain.FlagValue {
	switch s {
	case "true":
		return domain.BoolFlag(true)
	case "false":
		return domain.BoolFlag(false)
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return domain.IntFlag(n)
	}
	return domain.StringFlag(strings.Trim(s, `"`))
}
