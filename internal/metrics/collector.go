// Package metrics 提供 Prometheus 指标采集与上报的统一封装。
// 该包集中定义引擎关键指标（实例、任务、故障单、定时器），便于在各模块复用并保持标签一致。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/oriys/procflow/internal/domain"
)

// Metrics 封装引擎运行时指标集合。
// 所有字段均为 Prometheus 指标类型，通过辅助方法更新指标值。
//
// 指标分类:
//   - 实例指标: 跟踪实例的启动与收束
//   - 任务指标: 跟踪任务的创建、认领与决议
//   - 故障单指标: 跟踪故障单的产生与决议
//   - 定时指标: 跟踪定时触发
type Metrics struct {
	// ========== 实例相关指标 ==========

	// InstancesStarted 实例启动总数计数器
	InstancesStarted prometheus.Counter

	// InstancesFinished 实例收束总数计数器
	// 标签: state (completed/cancelled)
	InstancesFinished *prometheus.CounterVec

	// InstancesActive 运行中的实例数
	InstancesActive prometheus.Gauge

	// ========== 任务相关指标 ==========

	// JobsCreated 任务创建总数计数器
	// 标签: task_type
	JobsCreated *prometheus.CounterVec

	// JobsResolved 任务决议总数计数器
	// 标签: outcome (completed/failed/retried)
	JobsResolved *prometheus.CounterVec

	// ActivateDuration 任务认领（含长轮询等待）耗时直方图（单位：毫秒）
	// 桶边界: 1, 10, 50, 100, 500, 1000, 5000, 10000 ms
	ActivateDuration prometheus.Histogram

	// ========== 故障单相关指标 ==========

	// IncidentsOpened 故障单产生总数计数器
	IncidentsOpened prometheus.Counter

	// IncidentsResolved 故障单决议总数计数器
	IncidentsResolved prometheus.Counter

	// ========== 定时相关指标 ==========

	// TimersFired 定时触发总数计数器
	TimersFired prometheus.Counter
}

// NewMetrics 创建并注册一组 Prometheus 指标。
// namespace 用于作为所有指标名前缀，便于在同一 Prometheus 中区分不同应用。
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		InstancesStarted: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instances_started_total",
				Help:      "Total number of process instances started",
			},
		),
		InstancesFinished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instances_finished_total",
				Help:      "Total number of process instances finished",
			},
			[]string{"state"},
		),
		InstancesActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "instances_active",
				Help:      "Number of running process instances",
			},
		),
		JobsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_created_total",
				Help:      "Total number of jobs created",
			},
			[]string{"task_type"},
		),
		JobsResolved: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_resolved_total",
				Help:      "Total number of jobs resolved",
			},
			[]string{"outcome"},
		),
		ActivateDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "activate_duration_ms",
				Help:      "Job activation duration including long-poll wait in milliseconds",
				Buckets:   []float64{1, 10, 50, 100, 500, 1000, 5000, 10000},
			},
		),
		IncidentsOpened: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "incidents_opened_total",
				Help:      "Total number of incidents opened",
			},
		),
		IncidentsResolved: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "incidents_resolved_total",
				Help:      "Total number of incidents resolved",
			},
		),
		TimersFired: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "timers_fired_total",
				Help:      "Total number of timers fired",
			},
		),
	}
}

// InstanceStarted 记录一次实例启动（实现引擎的 Metrics 接口）。
func (m *Metrics) InstanceStarted() {
	m.InstancesStarted.Inc()
	m.InstancesActive.Inc()
}

// InstanceFinished 记录一次实例收束。
func (m *Metrics) InstanceFinished(state domain.InstanceState) {
	m.InstancesFinished.WithLabelValues(string(state)).Inc()
	m.InstancesActive.Dec()
}

// JobCreated 记录一次任务创建。
func (m *Metrics) JobCreated(taskType string) {
	m.JobsCreated.WithLabelValues(taskType).Inc()
}

// JobResolved 记录一次任务决议。
func (m *Metrics) JobResolved(outcome string) {
	m.JobsResolved.WithLabelValues(outcome).Inc()
}

// IncidentOpened 记录一次故障单产生。
func (m *Metrics) IncidentOpened() {
	m.IncidentsOpened.Inc()
}

// IncidentResolved 记录一次故障单决议。
func (m *Metrics) IncidentResolved() {
	m.IncidentsResolved.Inc()
}

// TimerFired 记录一次定时触发。
func (m *Metrics) TimerFired() {
	m.TimersFired.Inc()
}

// ObserveActivate 记录一次任务认领耗时（毫秒）。
func (m *Metrics) ObserveActivate(ms float64) {
	m.ActivateDuration.Observe(ms)
}
