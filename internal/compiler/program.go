// Package compiler 将流程图标记文本编译为不可变的字节码程序。
// 本文件定义字节码程序的结构与内容寻址摘要。
package compiler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/oriys/procflow/internal/ir"
)

// CompiledEdge 是编译后的出边：目标节点已解析为下标，
// 条件与默认标志在编译期固定，虚拟机按声明顺序求值。
type CompiledEdge struct {
	// Target 目标节点下标
	Target int `json:"target"`
	// Cond 可选条件
	Cond *ir.Condition `json:"cond,omitempty"`
	// IsDefault 是否为默认路径
	IsDefault bool `json:"is_default,omitempty"`
}

// CompiledNode 是编译后的节点：种类字段来自 IR，
// 出边、边界附着与汇聚配对都在编译期解析为下标。
type CompiledNode struct {
	// Node IR 节点（含种类与各类属性）
	Node ir.Node `json:"node"`
	// Outgoing 出边（声明顺序）
	Outgoing []CompiledEdge `json:"outgoing,omitempty"`
	// Boundaries 附着在本服务任务上的边界事件节点下标
	Boundaries []int `json:"boundaries,omitempty"`
	// JoinExpected AND 汇聚的期望到达数（入边数）
	JoinExpected int `json:"join_expected,omitempty"`
	// InclusiveJoin 包容分支配对的汇聚节点下标，无配对为 -1
	InclusiveJoin int `json:"inclusive_join,omitempty"`
}

// Program 是不可变的字节码程序。实例固定引用一个 Version。
type Program struct {
	// ProcessKey 流程标识
	ProcessKey string `json:"process_key"`
	// Version 内容摘要（十六进制），由 Digest 派生
	Version string `json:"version"`
	// Nodes 编译后的节点（声明顺序）
	Nodes []CompiledNode `json:"nodes"`

	index map[string]int
}

// NodeIndex 按流程图标识查找节点下标，未找到返回 -1。
func (p *Program) NodeIndex(id string) int {
	if p.index == nil {
		p.buildIndex()
	}
	if i, ok := p.index[id]; ok {
		return i
	}
	return -1
}

// buildIndex 构建标识到下标的索引（反序列化后惰性重建）。
func (p *Program) buildIndex() {
	p.index = make(map[string]int, len(p.Nodes))
	for i := range p.Nodes {
		p.index[p.Nodes[i].Node.ID] = i
	}
}

// StartIndex 返回起始节点下标。
func (p *Program) StartIndex() int {
	for i := range p.Nodes {
		if p.Nodes[i].Node.Kind == ir.KindStart {
			return i
		}
	}
	return -1
}

// digest 计算程序的 SHA-256 内容摘要。
// 摘要针对规范化后的编译结构而非原始文本：注释、空行等
// 外观差异不影响摘要，同一张图必然得到同一个版本。
func (p *Program) digest() [32]byte {
	// 摘要输入不包含 Version 自身
	hashable := struct {
		ProcessKey string         `json:"process_key"`
		Nodes      []CompiledNode `json:"nodes"`
	}{p.ProcessKey, p.Nodes}

	data, err := json.Marshal(hashable)
	if err != nil {
		// 程序结构全部由可序列化字段构成，到不了这里
		panic(err)
	}
	return sha256.Sum256(data)
}

// seal 计算摘要并写入 Version。
func (p *Program) seal() [32]byte {
	sum := p.digest()
	p.Version = hex.EncodeToString(sum[:])
	return sum
}
