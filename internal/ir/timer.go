// Package ir 定义了流程图的中间表示（IR）。
// 本文件实现定时规格：支持固定时长、绝对时间、重复周期与 cron 表达式。
package ir

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// TimerKind 表示定时规格的种类。
type TimerKind string

const (
	// TimerDuration 固定时长（ISO-8601 duration 子集，如 PT5M）
	TimerDuration TimerKind = "duration"
	// TimerDate 绝对时间（RFC 3339）
	TimerDate TimerKind = "date"
	// TimerCycle 重复周期：间隔 + 最大触发次数（如 R3/PT10S）
	TimerCycle TimerKind = "cycle"
	// TimerCron cron 表达式（标准五字段）
	TimerCron TimerKind = "cron"
)

// TimerSpec 是编译期解析好的定时规格。
// Raw 保留原始文本参与字节码摘要，解析结果供虚拟机计算到期时间。
type TimerSpec struct {
	// Raw 原始规格文本
	Raw string `json:"raw"`
	// Kind 规格种类
	Kind TimerKind `json:"kind"`
	// Duration 固定时长（duration / cycle 的间隔）
	Duration time.Duration `json:"-"`
	// Date 绝对时间
	Date time.Time `json:"-"`
	// Count 周期最大触发次数（cycle）
	Count int `json:"-"`
	// CronExpr cron 表达式文本
	CronExpr string `json:"-"`
}

// cronParser 标准五字段 cron 解析器，与触发器调度使用同一套语义。
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ParseTimerSpec 解析定时规格文本。
// 支持四种形式：
//   - "PT5M" / "P1DT2H"        固定时长
//   - "2026-09-01T10:00:00Z"   绝对时间
//   - "R3/PT10S"               重复周期（触发 3 次，间隔 10 秒）
//   - "cron:*/5 * * * *"       cron 表达式
func ParseTimerSpec(raw string) (*TimerSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("empty timer spec")
	}

	if expr, ok := strings.CutPrefix(s, "cron:"); ok {
		expr = strings.TrimSpace(expr)
		if _, err := cronParser.Parse(expr); err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
		}
		return &TimerSpec{Raw: raw, Kind: TimerCron, CronExpr: expr}, nil
	}

	if strings.HasPrefix(s, "R") {
		// R<count>/<duration>
		parts := strings.SplitN(s, "/", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid cycle spec %q", s)
		}
		count, err := strconv.Atoi(strings.TrimPrefix(parts[0], "R"))
		if err != nil || count <= 0 {
			return nil, fmt.Errorf("invalid cycle count in %q", s)
		}
		d, err := parseISODuration(parts[1])
		if err != nil {
			return nil, err
		}
		return &TimerSpec{Raw: raw, Kind: TimerCycle, Duration: d, Count: count}, nil
	}

	if strings.HasPrefix(s, "P") {
		d, err := parseISODuration(s)
		if err != nil {
			return nil, err
		}
		return &TimerSpec{Raw: raw, Kind: TimerDuration, Duration: d}, nil
	}

	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid timer spec %q: expected duration, date, cycle or cron", s)
	}
	return &TimerSpec{Raw: raw, Kind: TimerDate, Date: t}, nil
}

// NextDeadline 计算从 now 起的下一个到期时间。
func (s *TimerSpec) NextDeadline(now time.Time) time.Time {
	switch s.Kind {
	case TimerDate:
		return s.Date
	case TimerCron:
		// 表达式已在编译期校验过
		sched, _ := cronParser.Parse(s.CronExpr)
		return sched.Next(now)
	default:
		return now.Add(s.Duration)
	}
}

// MaxFires 返回规格允许的最大触发次数，非周期规格为 1。
func (s *TimerSpec) MaxFires() int {
	if s.Kind == TimerCycle {
		return s.Count
	}
	return 1
}

// parseISODuration 解析 ISO-8601 duration 的常用子集：
// P[nD][T[nH][nM][nS]]。不支持年和月（长度不定）。
func parseISODuration(s string) (time.Duration, error) {
	orig := s
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("invalid duration %q", orig)
	}
	s = s[1:]

	var total time.Duration
	inTime := false
	num := ""
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num += string(r)
		case r == 'T':
			inTime = true
		default:
			n, err := strconv.Atoi(num)
			if err != nil {
				return 0, fmt.Errorf("invalid duration %q", orig)
			}
			num = ""
			switch {
			case r == 'D' && !inTime:
				total += time.Duration(n) * 24 * time.Hour
			case r == 'H' && inTime:
				total += time.Duration(n) * time.Hour
			case r == 'M' && inTime:
				total += time.Duration(n) * time.Minute
			case r == 'S' && inTime:
				total += time.Duration(n) * time.Second
			default:
				return 0, fmt.Errorf("unsupported duration unit %q in %q", string(r), orig)
			}
		}
	}
	if num != "" {
		return 0, fmt.Errorf("invalid duration %q", orig)
	}
	if total <= 0 {
		return 0, fmt.Errorf("duration must be positive: %q", orig)
	}
	return total, nil
}
