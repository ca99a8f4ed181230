// Package telemetry 封装 OpenTelemetry 分布式追踪。
// 本文件提供日志与追踪的关联：带追踪上下文的日志条目
// 自动携带 trace_id / span_id 字段，便于在日志系统中回链。
package telemetry

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// LogrusHook 把日志条目上下文中的追踪信息注入日志字段。
// 条目没有上下文或 Span 无效时不做任何事。
type LogrusHook struct{}

// NewLogrusHook 创建追踪注入钩子，加入 logrus.Logger 即生效。
func NewLogrusHook() *LogrusHook {
	return &LogrusHook{}
}

// Levels 所有级别都注入。
func (h *LogrusHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire 将 trace_id、span_id 与采样标记写入日志字段。
func (h *LogrusHook) Fire(entry *logrus.Entry) error {
	if entry.Context == nil {
		return nil
	}

	spanCtx := trace.SpanFromContext(entry.Context).SpanContext()
	if !spanCtx.IsValid() {
		return nil
	}

	entry.Data["trace_id"] = spanCtx.TraceID().String()
	entry.Data["span_id"] = spanCtx.SpanID().String()
	if spanCtx.IsSampled() {
		entry.Data["trace_sampled"] = true
	}
	return nil
}

// EntryWithTraceContext 向已有日志条目追加追踪字段。
// 用于不经过 Hook 的手工构造场景。
func EntryWithTraceContext(ctx context.Context, entry *logrus.Entry) *logrus.Entry {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.IsValid() {
		return entry
	}
	return entry.WithFields(logrus.Fields{
		"trace_id": spanCtx.TraceID().String(),
		"span_id":  spanCtx.SpanID().String(),
	})
}
