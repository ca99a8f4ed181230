// Package domain 定义了流程执行引擎的核心领域模型。
package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// FlagKind 表示编排标志值的类型。
type FlagKind string

const (
	// FlagBool 布尔型标志
	FlagBool FlagKind = "bool"
	// FlagInt 整数型标志
	FlagInt FlagKind = "int"
	// FlagString 字符串型标志
	FlagString FlagKind = "string"
)

// FlagValue 是类型化的编排标志值（布尔 / 整数 / 字符串三种变体）。
// 编排标志是独立于不透明业务 payload 的旁路信号通道：
// 网关条件求值和消息关联键都只读取标志，从不解析 payload。
type FlagValue struct {
	Kind FlagKind
	Bool bool
	Int  int64
	Str  string
}

// BoolFlag 构造布尔型标志值。
func BoolFlag(v bool) FlagValue { return FlagValue{Kind: FlagBool, Bool: v} }

// IntFlag 构造整数型标志值。
func IntFlag(v int64) FlagValue { return FlagValue{Kind: FlagInt, Int: v} }

// StringFlag 构造字符串型标志值。
func StringFlag(v string) FlagValue { return FlagValue{Kind: FlagString, Str: v} }

// String 返回标志值的字符串形式，用于日志与关联键。
func (v FlagValue) String() string {
	switch v.Kind {
	case FlagBool:
		return strconv.FormatBool(v.Bool)
	case FlagInt:
		return strconv.FormatInt(v.Int, 10)
	default:
		return v.Str
	}
}

// Equal 判断两个标志值是否类型与取值都相等。
func (v FlagValue) Equal(o FlagValue) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case FlagBool:
		return v.Bool == o.Bool
	case FlagInt:
		return v.Int == o.Int
	default:
		return v.Str == o.Str
	}
}

// MarshalJSON 将标志值编码为其自然的 JSON 形式（true / 42 / "x"）。
func (v FlagValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case FlagBool:
		return json.Marshal(v.Bool)
	case FlagInt:
		return json.Marshal(v.Int)
	case FlagString:
		return json.Marshal(v.Str)
	default:
		return nil, fmt.Errorf("unknown flag kind %q", v.Kind)
	}
}

// UnmarshalJSON 从 JSON 标量还原类型化标志值。
// JSON 布尔映射为 FlagBool，整数映射为 FlagInt，字符串映射为 FlagString；
// 其他 JSON 类型（小数、对象、数组、null）一律拒绝。
func (v *FlagValue) UnmarshalJSON(data []byte) error {
	// json.Unmarshal 对 null 不做任何写入且不报错，须先显式拒绝
	if string(data) == "null" {
		return fmt.Errorf("flag value must be a bool, integer or string: null")
	}
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*v = BoolFlag(b)
		return nil
	}
	var i int64
	if err := json.Unmarshal(data, &i); err == nil {
		*v = IntFlag(i)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = StringFlag(s)
		return nil
	}
	return fmt.Errorf("flag value must be a bool, integer or string: %s", string(data))
}

// Flags 是一组按名称索引的编排标志。
type Flags map[string]FlagValue

// Clone 返回标志集合的深拷贝，nil 集合返回空集合。
func (f Flags) Clone() Flags {
	out := make(Flags, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Merge 将 other 中的标志合并进当前集合，同名标志被覆盖。
func (f Flags) Merge(other Flags) {
	for k, v := range other {
		f[k] = v
	}
}
